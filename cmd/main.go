package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chess_lore/internal/adapters"
	"chess_lore/internal/bootstrap"
	analysisDelivery "chess_lore/internal/delivery/analysis"
	ownMiddleware "chess_lore/internal/middleware"
	"chess_lore/internal/repository"
	analysisuc "chess_lore/internal/usecase/analysis"
)

type mainDeliveryHandler struct {
	analysis *analysisDelivery.AnalysisHandler
	limiter  *ownMiddleware.RateLimiter
}

type dataBaseAdapters struct {
	redisAdapter *adapters.AdapterRedis
	mongoAdapter *adapters.AdapterMongo
}

func main() {
	logger := NewLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := bootstrap.Setup(".env")
	if err != nil {
		logger.Errorw("Failed to setup configuration", "error", err)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	databaseAdapters := initDatabaseAdapters(ctx, logger, cfg)
	defer databaseAdapters.mongoAdapter.Close(context.Background())
	defer databaseAdapters.redisAdapter.Close(context.Background())

	r := chi.NewRouter()
	handlers := initializeDeliveryHandlers(ctx, cfg, logger, databaseAdapters)
	handlers.Router(r, cfg.IsLocalCors)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Server is running on port %s", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.AnalysisTimeout+5*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorw("Server stopped with error", "error", err)
	}
}

func NewLogger() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return logger.Sugar()
}

func (h *mainDeliveryHandler) Router(r *chi.Mux, isLocalCors bool) {
	if isLocalCors {
		r.Use(ownMiddleware.CORS)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/analyzeGame", h.analysis.HandleDescribe)
	r.With(h.limiter.Handler).Post("/analyzeGame", h.analysis.HandleAnalyzeGame)
	r.With(h.limiter.Handler).Get("/analyzeGame/ws", h.analysis.HandleAnalyzeStream)
	r.Get("/analysis/{hash}", h.analysis.HandleGetAnalysis)
}

func initDatabaseAdapters(ctx context.Context, log *zap.SugaredLogger, cfg *bootstrap.Config) *dataBaseAdapters {
	mongoAdapter := adapters.NewAdapterMongo(cfg, log)
	if err := mongoAdapter.Init(ctx); err != nil {
		log.Fatalw("Failed to initialize MongoDB", "error", err)
	}

	redisAdapter := adapters.NewAdapterRedis(cfg, log)
	if err := redisAdapter.Init(ctx); err != nil {
		log.Fatalw("Failed to initialize Redis", "error", err)
	}

	log.Info("Database adapters initialized")
	return &dataBaseAdapters{
		redisAdapter: redisAdapter,
		mongoAdapter: mongoAdapter,
	}
}

func initializeDeliveryHandlers(
	ctx context.Context,
	cfg *bootstrap.Config,
	log *zap.SugaredLogger,
	databaseAdapters *dataBaseAdapters,
) *mainDeliveryHandler {
	redisClient := databaseAdapters.redisAdapter.GetClient()

	archive := repository.NewAnalysisArchive(databaseAdapters.mongoAdapter.Database, log)
	if err := archive.EnsureIndexes(ctx); err != nil {
		log.Warnw("Failed to create archive indexes", "error", err)
	}
	cache := repository.NewAnalysisCache(redisClient, cfg.CacheTTL)

	engineCfg := repository.EngineConfigFrom(cfg)
	newEngine := func(ctx context.Context) (analysisuc.Engine, error) {
		client, err := repository.NewEngineClient(engineCfg, log.With("engine", engineCfg.Path))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	service := analysisuc.NewService(newEngine, cache, archive, analysisuc.ServiceConfigFrom(cfg), log)

	return &mainDeliveryHandler{
		analysis: analysisDelivery.NewAnalysisHandler(*cfg, log, service),
		limiter:  ownMiddleware.NewRateLimiter(redisClient, "analyzeGame", cfg.RateLimitRequests, cfg.RateLimitWindow, log),
	}
}
