package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"chess_lore/internal/bootstrap"
	domain "chess_lore/internal/domain/analysis"
	"chess_lore/internal/repository"
	analysisuc "chess_lore/internal/usecase/analysis"
)

type Settings struct {
	PGNPath    string
	EnvPath    string
	EnginePath string
	Depth      int
	DBDir      string
	Verbose    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var settings = Settings{
		EnvPath: ".env",
		DBDir:   ".chess_lore",
	}

	flag.StringVar(&settings.PGNPath, "pgn", "", "Path to a PGN file, - for stdin")
	flag.StringVar(&settings.EnvPath, "env", settings.EnvPath, "Path to the .env configuration")
	flag.StringVar(&settings.EnginePath, "engine", "", "UCI engine binary, overrides ENGINE_PATH")
	flag.IntVar(&settings.Depth, "depth", 0, "Search depth per position, overrides ENGINE_TARGET_DEPTH")
	flag.StringVar(&settings.DBDir, "db", settings.DBDir, "Badger directory for cached results, empty to disable")
	flag.BoolVar(&settings.Verbose, "v", false, "Log to stderr")
	flag.Parse()

	if settings.PGNPath == "" {
		flag.Usage()
		return fmt.Errorf("-pgn is required")
	}

	log := zap.NewNop().Sugar()
	if settings.Verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer func() { _ = l.Sync() }()
		log = l.Sugar()
	}

	cfg, err := bootstrap.Setup(settings.EnvPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if settings.EnginePath != "" {
		cfg.EnginePath = settings.EnginePath
	}
	if settings.Depth > 0 {
		cfg.TargetDepth = settings.Depth
	}

	pgn, err := readPGN(settings.PGNPath)
	if err != nil {
		return err
	}
	game, err := analysisuc.MovesFromPGN(pgn)
	if err != nil {
		return err
	}

	var cache analysisuc.AnalysisCache
	if settings.DBDir != "" {
		store, err := repository.OpenLocalAnalysisStore(settings.DBDir, cfg.CacheTTL)
		if err != nil {
			return err
		}
		defer store.Close()
		cache = store
	}

	engineCfg := repository.EngineConfigFrom(cfg)
	newEngine := func(ctx context.Context) (analysisuc.Engine, error) {
		client, err := repository.NewEngineClient(engineCfg, log)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	service := analysisuc.NewService(newEngine, cache, nil, analysisuc.ServiceConfigFrom(cfg), log)
	insight := service.Analyze(ctx, game, func(p domain.Progress) {
		if settings.Verbose {
			log.Infow("progress", "ply", p.Ply, "total", p.Total)
		}
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(insight)
}

func readPGN(path string) (string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
