package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/finlens/kpiflow/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig       `yaml:"store" mapstructure:"store"`
	Queue     QueueConfig       `yaml:"queue" mapstructure:"queue"`
	Anthropic AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Embedding EmbeddingConfig   `yaml:"embedding" mapstructure:"embedding"`
	Retrieval RetrievalConfig   `yaml:"retrieval" mapstructure:"retrieval"`
	Pipeline  PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Retry     resilience.Policy `yaml:"retry" mapstructure:"retry"`
	Server    ServerConfig      `yaml:"server" mapstructure:"server"`
	Log       LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// QueueConfig configures the work queue.
type QueueConfig struct {
	VisibilitySecs int `yaml:"visibility_secs" mapstructure:"visibility_secs"`
	PollMillis     int `yaml:"poll_millis" mapstructure:"poll_millis"`
}

// AnthropicConfig holds Anthropic API settings for extraction.
type AnthropicConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	ExtractModel   string `yaml:"extract_model" mapstructure:"extract_model"`
	MaxTokens      int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	CacheTaxonomy  bool   `yaml:"cache_taxonomy" mapstructure:"cache_taxonomy"`
	DescribeImages bool   `yaml:"describe_images" mapstructure:"describe_images"`
}

// EmbeddingConfig holds embedding API settings.
type EmbeddingConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	BatchSize int     `yaml:"batch_size" mapstructure:"batch_size"`
	RateRPS   float64 `yaml:"rate_rps" mapstructure:"rate_rps"`
}

// RetrievalConfig configures hybrid chunk ranking.
type RetrievalConfig struct {
	TopK           int     `yaml:"top_k" mapstructure:"top_k"`
	SemanticWeight float64 `yaml:"semantic_weight" mapstructure:"semantic_weight"`
	KeywordWeight  float64 `yaml:"keyword_weight" mapstructure:"keyword_weight"`
}

// PipelineConfig configures worker concurrency and local paths.
type PipelineConfig struct {
	Workers      int    `yaml:"workers" mapstructure:"workers"`
	TaxonomyPath string `yaml:"taxonomy_path" mapstructure:"taxonomy_path"`
	BlobDir      string `yaml:"blob_dir" mapstructure:"blob_dir"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("KPIFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "kpiflow.db")
	v.SetDefault("queue.visibility_secs", 120)
	v.SetDefault("queue.poll_millis", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.extract_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.cache_taxonomy", true)
	v.SetDefault("anthropic.describe_images", false)
	v.SetDefault("embedding.base_url", "https://api.finembed.dev")
	v.SetDefault("embedding.batch_size", 25)
	v.SetDefault("embedding.rate_rps", 10)
	v.SetDefault("retrieval.top_k", 12)
	v.SetDefault("retrieval.semantic_weight", 0.7)
	v.SetDefault("retrieval.keyword_weight", 0.3)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.blob_dir", "blobs")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "500ms")
	v.SetDefault("retry.max_backoff", "30s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)

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
