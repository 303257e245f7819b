package analysis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chess_lore/internal/domain/analysis"
)

const DefaultTargetDepth = 15

// Engine is the part of the protocol client the analyzer drives.
type Engine interface {
	WaitUntilReady(ctx context.Context) error
	Evaluate(ctx context.Context, boardState string, minDepth int) (analysis.EngineEvaluation, error)
	Terminate() error
}

type ProgressFunc func(analysis.Progress)

type Analyzer struct {
	engine      Engine
	targetDepth int
	policy      KeyPlyPolicy
	progress    ProgressFunc
	log         *zap.SugaredLogger
}

type AnalyzerOption func(*Analyzer)

func WithTargetDepth(depth int) AnalyzerOption {
	return func(a *Analyzer) {
		if depth > 0 {
			a.targetDepth = depth
		}
	}
}

func WithKeyPlyPolicy(p KeyPlyPolicy) AnalyzerOption {
	return func(a *Analyzer) {
		if p != nil {
			a.policy = p
		}
	}
}

func WithProgress(fn ProgressFunc) AnalyzerOption {
	return func(a *Analyzer) { a.progress = fn }
}

func NewAnalyzer(engine Engine, log *zap.SugaredLogger, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		engine:      engine,
		targetDepth: DefaultTargetDepth,
		policy:      NewDefaultKeyPlyPolicy(),
		log:         log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AnalyzeGame evaluates every position of the game, one at a time, and
// classifies each move. An engine that never becomes ready fails the whole
// analysis; a timed-out evaluation is kept as a partial value.
//
// The analyzer does not terminate the engine. That is up to whoever
// created it.
func (a *Analyzer) AnalyzeGame(ctx context.Context, game analysis.Game) (*analysis.GameAnalysisResult, error) {
	replayed, err := Replay(game.Moves)
	if err != nil {
		return nil, err
	}
	positions := replayed.Positions

	if err := a.engine.WaitUntilReady(ctx); err != nil {
		return nil, fmt.Errorf("engine init: %w", err)
	}

	hash := GameHash(game)
	total := len(game.Moves)
	evals := make([]analysis.EngineEvaluation, len(positions))

	for i, pos := range positions {
		eval, err := a.engine.Evaluate(ctx, pos.BoardState, a.targetDepth)
		if err != nil {
			return nil, fmt.Errorf("evaluate ply %d: %w", pos.PlyIndex, err)
		}
		if eval.Partial {
			a.log.Warnw("partial evaluation used", "game", hash, "ply", pos.PlyIndex, "depth", eval.Depth)
		}
		evals[i] = eval

		if a.progress != nil && i > 0 {
			a.progress(analysis.Progress{GameHash: hash, Ply: i, Total: total})
		}
	}

	result := &analysis.GameAnalysisResult{
		GameHash:    hash,
		Positions:   positions,
		Evaluations: make(map[int]analysis.MoveAnalysis, total),
		KeyPlies:    make([]int, 0),
	}

	for i := 1; i < len(positions); i++ {
		ply := i - 1
		mover := positions[ply].SideToMove
		before, after := evals[i-1], evals[i]

		result.Evaluations[ply] = analysis.MoveAnalysis{
			Notation:       replayed.SAN[ply],
			Evaluation:     after,
			Classification: Classify(before.ForSide(mover), after.ForSide(mover)),
		}

		if a.policy.IsKey(KeyPlyCandidate{
			Ply:        ply,
			TotalPlies: total,
			Notation:   replayed.SAN[ply],
			Before:     before,
			After:      after,
		}) {
			result.KeyPlies = append(result.KeyPlies, ply)
		}
	}

	a.log.Infow("game analyzed", "game", hash, "plies", total, "key_plies", len(result.KeyPlies))
	return result, nil
}
