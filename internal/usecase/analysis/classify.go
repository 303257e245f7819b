package analysis

import "chess_lore/internal/domain/analysis"

// Centipawn thresholds for move classification.
const (
	blunderThreshold    = 200
	mistakeThreshold    = 100
	inaccuracyThreshold = 50
)

// Classify labels a move from the evaluations before and after it. Both must
// be seen from the mover's side (see EngineEvaluation.ForSide), so a positive
// delta always means the move improved the mover's position.
//
// A delta of exactly zero is "book": the move changed nothing the engine
// could measure.
func Classify(before, after analysis.EngineEvaluation) analysis.MoveQuality {
	if after.Mate != nil {
		mate := *after.Mate
		if mate > 0 || (mate == 0 && after.Score > 0) {
			return analysis.QualityBrilliancy
		}
		return analysis.QualityBlunder
	}

	if before.Mate != nil {
		if after.Score > 0 {
			return analysis.QualityGood
		}
		return analysis.QualityBlunder
	}

	delta := after.Score - before.Score
	magnitude := delta
	if magnitude < 0 {
		magnitude = -magnitude
	}

	switch {
	case delta == 0:
		return analysis.QualityBook
	case magnitude > blunderThreshold:
		if delta < 0 {
			return analysis.QualityBlunder
		}
		return analysis.QualityBrilliancy
	case magnitude >= mistakeThreshold:
		if delta < 0 {
			return analysis.QualityMistake
		}
		return analysis.QualityGood
	case magnitude >= inaccuracyThreshold:
		return analysis.QualityInaccuracy
	default:
		return analysis.QualityGood
	}
}
