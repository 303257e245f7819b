package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"chess_lore/internal/bootstrap"
	"chess_lore/internal/domain/analysis"
	errs "chess_lore/internal/errors"
	"chess_lore/internal/utils"
)

// Reasons reported to callers when no engine data is available. Raw engine
// errors stay in the logs.
const (
	ReasonEngineUnavailable = "engine unavailable"
	ReasonTimedOut          = "engine analysis timed out"
	ReasonInvalidGame       = "game could not be replayed"
	ReasonFailed            = "engine analysis failed"
)

type EngineFactory func(ctx context.Context) (Engine, error)

// AnalysisCache is a short-lived store keyed by game hash. Get returns
// errs.ErrAnalysisNotFound on a miss.
type AnalysisCache interface {
	Get(ctx context.Context, hash string) (*analysis.GameAnalysisResult, error)
	Set(ctx context.Context, result *analysis.GameAnalysisResult) error
}

// AnalysisArchive keeps every finished analysis. FindByHash returns
// errs.ErrAnalysisNotFound when nothing was archived under hash.
type AnalysisArchive interface {
	Save(ctx context.Context, result *analysis.GameAnalysisResult) error
	FindByHash(ctx context.Context, hash string) (*analysis.GameAnalysisResult, error)
}

type ServiceConfig struct {
	TargetDepth     int
	StartAttempts   int
	RetryDelay      time.Duration
	AnalysisTimeout time.Duration
}

func ServiceConfigFrom(cfg *bootstrap.Config) ServiceConfig {
	return ServiceConfig{
		TargetDepth:     cfg.TargetDepth,
		StartAttempts:   cfg.EngineStartAttempts,
		RetryDelay:      cfg.EngineRetryDelay,
		AnalysisTimeout: cfg.AnalysisTimeout,
	}
}

type Service struct {
	newEngine EngineFactory
	cache     AnalysisCache
	archive   AnalysisArchive
	cfg       ServiceConfig
	group     singleflight.Group
	log       *zap.SugaredLogger
}

// NewService wires the analysis pipeline. cache and archive may be nil.
func NewService(newEngine EngineFactory, cache AnalysisCache, archive AnalysisArchive, cfg ServiceConfig, log *zap.SugaredLogger) *Service {
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 60 * time.Second
	}
	if cfg.StartAttempts < 1 {
		cfg.StartAttempts = 1
	}
	return &Service{
		newEngine: newEngine,
		cache:     cache,
		archive:   archive,
		cfg:       cfg,
		log:       log,
	}
}

// Analyze never fails: when the engine cannot produce data the insight
// comes back without Analysis and with a reason. Concurrent calls for the
// same game share one engine run; only the caller that started it receives
// progress updates.
func (s *Service) Analyze(ctx context.Context, game analysis.Game, progress ProgressFunc) analysis.EngineInsight {
	hash := GameHash(game)
	log := s.log.With("session", uuid.NewString(), "game", hash)

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, hash)
		if err == nil {
			log.Debugw("analysis served from cache")
			return analysis.EngineInsight{Analysis: cached}
		}
		if !errors.Is(err, errs.ErrAnalysisNotFound) {
			log.Warnw("cache lookup failed", "error", err)
		}
	}

	v, err, shared := s.group.Do(hash, func() (any, error) {
		return s.run(ctx, game, progress, log)
	})
	if err != nil {
		reason := degradedReason(err)
		log.Warnw("engine analysis unavailable", "reason", reason, "error", err, "shared", shared)
		return analysis.EngineInsight{DegradedReason: reason}
	}
	return analysis.EngineInsight{Analysis: v.(*analysis.GameAnalysisResult)}
}

func (s *Service) run(ctx context.Context, game analysis.Game, progress ProgressFunc, log *zap.SugaredLogger) (*analysis.GameAnalysisResult, error) {
	if _, err := Replay(game.Moves); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AnalysisTimeout)
	defer cancel()

	start := time.Now()
	engine, err := utils.WithRetry(ctx, s.cfg.StartAttempts, s.cfg.RetryDelay, func(ctx context.Context) (Engine, error) {
		e, err := s.newEngine(ctx)
		if err != nil {
			log.Warnw("engine start failed", "error", err)
			return nil, err
		}
		if err := e.WaitUntilReady(ctx); err != nil {
			log.Warnw("engine not ready", "error", err)
			_ = e.Terminate()
			return nil, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrEngineStart, err)
	}
	defer func() {
		if err := engine.Terminate(); err != nil {
			log.Debugw("engine terminate", "error", err)
		}
	}()

	analyzer := NewAnalyzer(engine, log,
		WithTargetDepth(s.cfg.TargetDepth),
		WithProgress(progress),
	)
	result, err := analyzer.AnalyzeGame(ctx, game)
	if err != nil {
		return nil, err
	}
	log.Infow("analysis finished", "took", time.Since(start))

	s.store(ctx, result, log)
	return result, nil
}

func (s *Service) store(ctx context.Context, result *analysis.GameAnalysisResult, log *zap.SugaredLogger) {
	if s.cache != nil {
		if err := s.cache.Set(ctx, result); err != nil {
			log.Warnw("cache write failed", "error", err)
		}
	}
	if s.archive != nil {
		if err := s.archive.Save(ctx, result); err != nil {
			log.Warnw("archive write failed", "error", err)
		}
	}
}

// Lookup returns a finished analysis by game hash, cache first.
func (s *Service) Lookup(ctx context.Context, hash string) (*analysis.GameAnalysisResult, error) {
	if s.cache != nil {
		if res, err := s.cache.Get(ctx, hash); err == nil {
			return res, nil
		}
	}
	if s.archive == nil {
		return nil, errs.ErrAnalysisNotFound
	}
	return s.archive.FindByHash(ctx, hash)
}

func degradedReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimedOut
	case errors.Is(err, errs.ErrEmptyGame), errors.Is(err, errs.ErrInvalidMove):
		return ReasonInvalidGame
	case errors.Is(err, errs.ErrEngineStart),
		errors.Is(err, errs.ErrEngineInitTimeout),
		errors.Is(err, errs.ErrEngineExited),
		errors.Is(err, errs.ErrEngineTerminated),
		errors.Is(err, errs.ErrEngineUnresponsive):
		return ReasonEngineUnavailable
	default:
		return ReasonFailed
	}
}
