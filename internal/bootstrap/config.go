package bootstrap

import (
	"errors"
	"io/fs"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	RedisUrl      string `mapstructure:"REDIS_URL"`
	MongoUri      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`
	IsLocalCors   bool   `mapstructure:"LOCAL_CORS"`

	EnginePath         string        `mapstructure:"ENGINE_PATH"`
	EngineArgs         string        `mapstructure:"ENGINE_ARGS"`
	EngineThreads      int           `mapstructure:"ENGINE_THREADS"`
	EngineHashMB       int           `mapstructure:"ENGINE_HASH_MB"`
	EngineReadyTimeout time.Duration `mapstructure:"ENGINE_READY_TIMEOUT"`
	EngineEvalTimeout  time.Duration `mapstructure:"ENGINE_EVAL_TIMEOUT"`
	EngineQuitGrace    time.Duration `mapstructure:"ENGINE_QUIT_GRACE"`
	TargetDepth        int           `mapstructure:"ENGINE_TARGET_DEPTH"`

	EngineStartAttempts int           `mapstructure:"ENGINE_START_ATTEMPTS"`
	EngineRetryDelay    time.Duration `mapstructure:"ENGINE_RETRY_DELAY"`
	AnalysisTimeout     time.Duration `mapstructure:"ANALYSIS_TIMEOUT"`
	CacheTTL            time.Duration `mapstructure:"CACHE_TTL"`

	RateLimitRequests int           `mapstructure:"RATE_LIMIT_REQUESTS"`
	RateLimitWindow   time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("REDIS_URL", "localhost:6379")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DATABASE", "chess_lore")
	v.SetDefault("LOCAL_CORS", false)

	v.SetDefault("ENGINE_PATH", "stockfish")
	v.SetDefault("ENGINE_ARGS", "")
	v.SetDefault("ENGINE_THREADS", 1)
	v.SetDefault("ENGINE_HASH_MB", 32)
	v.SetDefault("ENGINE_READY_TIMEOUT", 5*time.Second)
	v.SetDefault("ENGINE_EVAL_TIMEOUT", 5*time.Second)
	v.SetDefault("ENGINE_QUIT_GRACE", time.Second)
	v.SetDefault("ENGINE_TARGET_DEPTH", 15)

	v.SetDefault("ENGINE_START_ATTEMPTS", 2)
	v.SetDefault("ENGINE_RETRY_DELAY", time.Second)
	v.SetDefault("ANALYSIS_TIMEOUT", 60*time.Second)
	v.SetDefault("CACHE_TTL", time.Hour)

	v.SetDefault("RATE_LIMIT_REQUESTS", 20)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)
}

// Setup reads cfgPath (a .env file) on top of the defaults. Environment
// variables win over the file. A missing file is not an error.
func Setup(cfgPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
