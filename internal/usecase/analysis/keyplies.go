package analysis

import (
	"strings"

	"chess_lore/internal/domain/analysis"
)

// KeyPlyCandidate is everything a policy may look at when deciding whether a
// ply is narratively significant. Before and After are absolute evaluations.
type KeyPlyCandidate struct {
	Ply        int
	TotalPlies int
	Notation   string
	Before     analysis.EngineEvaluation
	After      analysis.EngineEvaluation
}

// KeyPlyPolicy decides which plies end up in GameAnalysisResult.KeyPlies.
type KeyPlyPolicy interface {
	IsKey(c KeyPlyCandidate) bool
}

type KeyPlyPolicyFunc func(c KeyPlyCandidate) bool

func (f KeyPlyPolicyFunc) IsKey(c KeyPlyCandidate) bool { return f(c) }

// DefaultKeyPlyPolicy flags the opening and closing plies, large swings,
// tactical notation and every Interval-th ply.
type DefaultKeyPlyPolicy struct {
	OpeningPlies   int
	ClosingPlies   int
	SwingThreshold int
	Interval       int
}

func NewDefaultKeyPlyPolicy() DefaultKeyPlyPolicy {
	return DefaultKeyPlyPolicy{
		OpeningPlies:   10,
		ClosingPlies:   10,
		SwingThreshold: 50,
		Interval:       5,
	}
}

func (p DefaultKeyPlyPolicy) IsKey(c KeyPlyCandidate) bool {
	if c.Ply < p.OpeningPlies {
		return true
	}
	if c.Ply >= c.TotalPlies-p.ClosingPlies {
		return true
	}
	if swing(c.Before, c.After) > p.SwingThreshold {
		return true
	}
	if isTactical(c.Notation) {
		return true
	}
	return p.Interval > 0 && c.Ply%p.Interval == 0
}

func swing(before, after analysis.EngineEvaluation) int {
	d := after.Score - before.Score
	if d < 0 {
		return -d
	}
	return d
}

// isTactical reports captures, checks and mates.
func isTactical(san string) bool {
	return strings.ContainsAny(san, "x+#")
}
