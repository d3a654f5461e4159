package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/recovery-directory/internal/ingest"
	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/resilience"
	"github.com/sells-group/recovery-directory/internal/source"
	"github.com/sells-group/recovery-directory/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Normalize NormalizeConfig `yaml:"normalize" mapstructure:"normalize"`
	Sources   source.Registry `yaml:"sources" mapstructure:"sources"`
	Snapshot  SnapshotConfig  `yaml:"snapshot" mapstructure:"snapshot"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// IngestConfig configures resolution and the ingestion pass.
type IngestConfig struct {
	Threshold           float64 `yaml:"threshold" mapstructure:"threshold"`
	TieWindow           float64 `yaml:"tie_window" mapstructure:"tie_window"`
	Workers             int     `yaml:"workers" mapstructure:"workers"`
	InactiveAfterCycles int     `yaml:"inactive_after_cycles" mapstructure:"inactive_after_cycles"`
	MaxAttempts         int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs    int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs        int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// NormalizeConfig points at an optional vocabulary extension file.
type NormalizeConfig struct {
	VocabularyFile string `yaml:"vocabulary_file" mapstructure:"vocabulary_file"`
}

// SnapshotConfig configures directory output.
type SnapshotConfig struct {
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`
}

// ServerConfig configures the read API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EngineConfig converts the ingest section to engine settings.
func (c IngestConfig) EngineConfig() ingest.Config {
	cfg := ingest.DefaultConfig()
	if c.Threshold > 0 {
		cfg.Threshold = c.Threshold
	}
	if c.TieWindow > 0 {
		cfg.TieWindow = c.TieWindow
	}
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	if c.InactiveAfterCycles > 0 {
		cfg.InactiveAfterCycles = c.InactiveAfterCycles
	}
	cfg.Retry = resilience.FromRetryConfig(c.MaxAttempts, c.InitialBackoffMs, c.MaxBackoffMs)
	return cfg
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for postgres")
		}
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Ingest.Threshold < 0 || c.Ingest.Threshold > 1 {
		return eris.Errorf("config: ingest.threshold %v out of range [0,1]", c.Ingest.Threshold)
	}
	for id, info := range c.Sources {
		if info.Category == "" {
			continue
		}
		if _, err := model.ParseCategory(info.Category); err != nil {
			return eris.Wrapf(err, "config: sources.%s.category", id)
		}
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECOVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "recovery.db")
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.inactive_after_cycles", 3)
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.initial_backoff_ms", 200)
	v.SetDefault("ingest.max_backoff_ms", 10000)
	v.SetDefault("snapshot.output_dir", "out")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
