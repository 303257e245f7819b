package analysis

// Side is the colour of a player.
type Side string

const (
	SideWhite Side = "white"
	SideBlack Side = "black"
)

func (s Side) Opponent() Side {
	if s == SideWhite {
		return SideBlack
	}
	return SideWhite
}

// MateScore is the centipawn value a forced mate is mapped to. A mate in N
// plies scores MateScore-N for the winning side.
const MateScore = 100000

// EngineEvaluation is the engine's verdict on one position. Score and Mate
// are absolute: positive values favour White.
type EngineEvaluation struct {
	Score   int  `json:"score" bson:"score"`
	Depth   int  `json:"depth" bson:"depth"`
	Mate    *int `json:"mate,omitempty" bson:"mate,omitempty"`
	Partial bool `json:"partial,omitempty" bson:"partial,omitempty"`
}

// ForSide returns the evaluation seen from side's point of view.
func (e EngineEvaluation) ForSide(side Side) EngineEvaluation {
	if side == SideWhite {
		return e
	}
	out := e
	out.Score = -e.Score
	if e.Mate != nil {
		m := -*e.Mate
		out.Mate = &m
	}
	return out
}

func (e EngineEvaluation) HasMate() bool {
	return e.Mate != nil
}

// PositionRecord is one board state reached while replaying a game.
// PlyIndex 0 is the initial position.
type PositionRecord struct {
	BoardState string `json:"board_state" bson:"board_state"`
	PlyIndex   int    `json:"ply_index" bson:"ply_index"`
	SideToMove Side   `json:"side_to_move" bson:"side_to_move"`
}

// MoveQuality is the label given to a single move.
type MoveQuality string

const (
	QualityBlunder    MoveQuality = "blunder"
	QualityMistake    MoveQuality = "mistake"
	QualityInaccuracy MoveQuality = "inaccuracy"
	QualityGood       MoveQuality = "good"
	QualityBrilliancy MoveQuality = "brilliancy"
	QualityBook       MoveQuality = "book"
)

func (q MoveQuality) Valid() bool {
	switch q {
	case QualityBlunder, QualityMistake, QualityInaccuracy, QualityGood, QualityBrilliancy, QualityBook:
		return true
	}
	return false
}

// MoveAnalysis pairs a move with the evaluation of the position it produced.
type MoveAnalysis struct {
	Notation       string           `json:"notation" bson:"notation"`
	Evaluation     EngineEvaluation `json:"evaluation" bson:"evaluation"`
	Classification MoveQuality      `json:"classification" bson:"classification"`
}

// GameAnalysisResult is built once per analysed game and never mutated.
// Evaluations is keyed by the 0-based ply of the move.
type GameAnalysisResult struct {
	GameHash    string               `json:"game_hash"`
	Positions   []PositionRecord     `json:"positions"`
	Evaluations map[int]MoveAnalysis `json:"evaluations"`
	KeyPlies    []int                `json:"key_plies"`
}

// Move is one entry of the move source: SAN notation and the side that played it.
type Move struct {
	Notation string `json:"notation"`
	Side     Side   `json:"side"`
}

// Game is what callers hand to the analyser. PGN is optional; when present
// it is the source of the game hash.
type Game struct {
	PGN   string `json:"pgn,omitempty"`
	Moves []Move `json:"moves"`
}

// EngineInsight is the result at the service boundary. Analysis is nil when
// the engine could not produce data; DegradedReason then says why.
type EngineInsight struct {
	Analysis       *GameAnalysisResult `json:"engine_data"`
	DegradedReason string              `json:"degraded_reason,omitempty"`
}

func (i EngineInsight) Available() bool {
	return i.Analysis != nil
}

// Progress is reported after each evaluated ply.
type Progress struct {
	GameHash string `json:"game_hash"`
	Ply      int    `json:"ply"`
	Total    int    `json:"total"`
}
