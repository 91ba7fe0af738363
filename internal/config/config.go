package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the record store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// Path is the SQLite file used by the sqlite driver.
	Path     string `yaml:"path" mapstructure:"path"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CheckpointConfig configures where stage checkpoints are kept.
type CheckpointConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// PipelineConfig configures the run.
type PipelineConfig struct {
	MaxConcurrentSources int    `yaml:"max_concurrent_sources" mapstructure:"max_concurrent_sources"`
	BulkChunkSize        int    `yaml:"bulk_chunk_size" mapstructure:"bulk_chunk_size"`
	FirstBucket          string `yaml:"first_bucket" mapstructure:"first_bucket"`
	SourcesFile          string `yaml:"sources_file" mapstructure:"sources_file"`
	WorkDir              string `yaml:"work_dir" mapstructure:"work_dir"`
	ResetOnSuccess       bool   `yaml:"reset_on_success" mapstructure:"reset_on_success"`
	Enrich               bool   `yaml:"enrich" mapstructure:"enrich"`
}

// FetchConfig configures downloads.
type FetchConfig struct {
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
	APIBase     string `yaml:"api_base" mapstructure:"api_base"`
	// RatePerHost maps a host to its requests per second.
	RatePerHost map[string]float64 `yaml:"rate_per_host" mapstructure:"rate_per_host"`
}

// Timeout returns the per-request timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// ExportConfig configures the exported files.
type ExportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
	// PublishDir receives a copy of every export when set.
	PublishDir string `yaml:"publish_dir" mapstructure:"publish_dir"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures run-health alerts sent by the status server.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	// StaleAfterHours is how long the dataset may go without a complete run.
	StaleAfterHours     int `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	CheckIntervalSecs   int `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DECP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.path", "decp.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("checkpoint.driver", "sqlite")
	v.SetDefault("checkpoint.path", "checkpoint.db")
	v.SetDefault("pipeline.max_concurrent_sources", 4)
	v.SetDefault("pipeline.bulk_chunk_size", 10000)
	v.SetDefault("pipeline.first_bucket", "2024-01")
	v.SetDefault("pipeline.sources_file", "sources.yaml")
	v.SetDefault("pipeline.work_dir", "sources")
	v.SetDefault("pipeline.reset_on_success", true)
	v.SetDefault("pipeline.enrich", true)
	v.SetDefault("fetch.user_agent", "decp-sync/1.0")
	v.SetDefault("fetch.timeout_secs", 300)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.api_base", "https://www.data.gouv.fr/api/1")
	v.SetDefault("export.dir", "results")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stale_after_hours", 48)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 168)
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

// Validate checks the settings a command needs. mode is "run", "serve" or
// "store".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "serve", "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	if mode == "run" || mode == "serve" {
		switch c.Checkpoint.Driver {
		case "sqlite":
			if c.Checkpoint.Path == "" {
				errs = append(errs, "checkpoint.path is required for the sqlite driver")
			}
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required for postgres checkpoints")
			}
		default:
			errs = append(errs, "checkpoint.driver must be sqlite or postgres")
		}
	}

	if mode == "run" {
		if n := c.Pipeline.MaxConcurrentSources; n < 1 || n > 64 {
			errs = append(errs, "pipeline.max_concurrent_sources must be between 1 and 64")
		}
		if c.Pipeline.BulkChunkSize < 1 {
			errs = append(errs, "pipeline.bulk_chunk_size must be > 0")
		}
		if _, err := time.Parse("2006-01", c.Pipeline.FirstBucket); err != nil {
			errs = append(errs, "pipeline.first_bucket must be YYYY-MM")
		}
		if c.Pipeline.SourcesFile == "" {
			errs = append(errs, "pipeline.sources_file is required")
		}
		if c.Pipeline.WorkDir == "" {
			errs = append(errs, "pipeline.work_dir is required")
		}
		if c.Export.Dir == "" {
			errs = append(errs, "export.dir is required")
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if t := c.Monitoring.FailureRateThreshold; t < 0 || t > 1 {
			errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
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
