package config

import (
	"sort"
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
	Docs       DocsConfig       `yaml:"docs" mapstructure:"docs"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Extractor  ExtractorConfig  `yaml:"extractor" mapstructure:"extractor"`
	Render     RenderConfig     `yaml:"render" mapstructure:"render"`
	Telegram   TelegramConfig   `yaml:"telegram" mapstructure:"telegram"`
	FTP        FTPConfig        `yaml:"ftp" mapstructure:"ftp"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Confirm    ConfirmConfig    `yaml:"confirm" mapstructure:"confirm"`
	Taxonomy   TaxonomyConfig   `yaml:"taxonomy" mapstructure:"taxonomy"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// DocsConfig configures the document blob store.
type DocsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
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

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	VisionModel      string `yaml:"vision_model" mapstructure:"vision_model"`
	VerifierModel    string `yaml:"verifier_model" mapstructure:"verifier_model"`
	MaxSchemaRetries int    `yaml:"max_schema_retries" mapstructure:"max_schema_retries"`
	RPS              int    `yaml:"rps" mapstructure:"rps"`
}

// ExtractorConfig configures document text extraction.
type ExtractorConfig struct {
	Provider        string `yaml:"provider" mapstructure:"provider"`
	MistralKey      string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel    string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PollMaxAttempts int    `yaml:"poll_max_attempts" mapstructure:"poll_max_attempts"`
	PollDelayMS     int    `yaml:"poll_delay_ms" mapstructure:"poll_delay_ms"`
}

// RenderConfig configures PDF page rendering.
type RenderConfig struct {
	PdfToPpmPath string `yaml:"pdftoppm_path" mapstructure:"pdftoppm_path"`
	DPI          int    `yaml:"dpi" mapstructure:"dpi"`
}

// TelegramConfig holds Telegram Bot API settings.
type TelegramConfig struct {
	Token           string `yaml:"token" mapstructure:"token"`
	PollTimeoutSecs int    `yaml:"poll_timeout_secs" mapstructure:"poll_timeout_secs"`
	PollDelayMS     int    `yaml:"poll_delay_ms" mapstructure:"poll_delay_ms"`
	ErrorDelayMS    int    `yaml:"error_delay_ms" mapstructure:"error_delay_ms"`
}

// FTPConfig configures the bank statement inbox.
type FTPConfig struct {
	URL           string `yaml:"url" mapstructure:"url"`
	PollDelaySecs int    `yaml:"poll_delay_secs" mapstructure:"poll_delay_secs"`
}

// IngestConfig configures the ingestion consumer.
type IngestConfig struct {
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
}

// WorkersConfig holds per-queue worker counts.
type WorkersConfig struct {
	Upload               int `yaml:"upload" mapstructure:"upload"`
	AnalysisPoll         int `yaml:"analysis_poll" mapstructure:"analysis_poll"`
	Completed            int `yaml:"completed" mapstructure:"completed"`
	ConfirmationRequest  int `yaml:"confirmation_request" mapstructure:"confirmation_request"`
	ConfirmationResponse int `yaml:"confirmation_response" mapstructure:"confirmation_response"`
}

// QueueConfig configures the job queues and their workers.
type QueueConfig struct {
	Capacity          int           `yaml:"capacity" mapstructure:"capacity"`
	MaxAttempts       int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffInitialMS  int           `yaml:"backoff_initial_ms" mapstructure:"backoff_initial_ms"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	BackoffJitter     float64       `yaml:"backoff_jitter" mapstructure:"backoff_jitter"`
	Workers           WorkersConfig `yaml:"workers" mapstructure:"workers"`
}

// BackoffInitial returns the initial retry delay as a duration.
func (c QueueConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMS) * time.Millisecond
}

// PipelineConfig configures the analysis pipeline.
type PipelineConfig struct {
	OCRTimeoutSecs        int     `yaml:"ocr_timeout_secs" mapstructure:"ocr_timeout_secs"`
	ManualReviewThreshold float64 `yaml:"manual_review_threshold" mapstructure:"manual_review_threshold"`
}

// ConfirmConfig configures the confirmation workflow.
type ConfirmConfig struct {
	TTLHours          int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	SweepIntervalMins int `yaml:"sweep_interval_mins" mapstructure:"sweep_interval_mins"`
}

// TaxonomyConfig optionally overrides the embedded category taxonomy.
type TaxonomyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// MonitoringConfig configures the background health checker and its
// webhook alerts. An empty webhook URL disables sending.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinAvgConfidence     float64 `yaml:"min_avg_confidence" mapstructure:"min_avg_confidence"`
}

// Validate checks that the configuration is sufficient for the given run
// mode. Mode "serve" covers the full daemon, "process" the one-shot pipeline,
// and "query" the read-only store commands.
func (c *Config) Validate(mode string) error {
	var problems []string

	needStore := func() {
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	}
	needAnthropic := func() {
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Extractor.Provider != "local" && c.Extractor.Provider != "mistral" {
			problems = append(problems, "extractor.provider must be local or mistral")
		}
		if c.Extractor.Provider == "mistral" && c.Extractor.MistralKey == "" {
			problems = append(problems, "extractor.mistral_api_key is required")
		}
	}

	switch mode {
	case "serve":
		needStore()
		needAnthropic()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		for name, n := range map[string]int{
			"upload":                c.Queue.Workers.Upload,
			"analysis_poll":         c.Queue.Workers.AnalysisPoll,
			"completed":             c.Queue.Workers.Completed,
			"confirmation_request":  c.Queue.Workers.ConfirmationRequest,
			"confirmation_response": c.Queue.Workers.ConfirmationResponse,
		} {
			if n < 1 || n > 50 {
				problems = append(problems, "queue.workers."+name+" must be between 1 and 50")
			}
		}
		if c.Queue.MaxAttempts < 1 {
			problems = append(problems, "queue.max_attempts must be >= 1")
		}
		if c.Pipeline.ManualReviewThreshold < 0 || c.Pipeline.ManualReviewThreshold > 1 {
			problems = append(problems, "pipeline.manual_review_threshold must be in [0,1]")
		}
	case "process":
		needStore()
		needAnthropic()
	case "query":
		needStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return eris.New("config: invalid configuration: " + strings.Join(problems, "; "))
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
	v.SetEnvPrefix("QUIPU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "quipu.db")
	v.SetDefault("docs.dir", "./documents")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.vision_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.verifier_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_schema_retries", 2)
	v.SetDefault("anthropic.rps", 5)
	v.SetDefault("extractor.provider", "local")
	v.SetDefault("extractor.mistral_ocr_model", "pixtral-large-latest")
	v.SetDefault("extractor.timeout_secs", 30)
	v.SetDefault("extractor.poll_max_attempts", 10)
	v.SetDefault("extractor.poll_delay_ms", 2000)
	v.SetDefault("render.pdftoppm_path", "pdftoppm")
	v.SetDefault("render.dpi", 150)
	v.SetDefault("telegram.poll_timeout_secs", 30)
	v.SetDefault("telegram.poll_delay_ms", 1000)
	v.SetDefault("telegram.error_delay_ms", 5000)
	v.SetDefault("ftp.poll_delay_secs", 300)
	v.SetDefault("ingest.batch_size", 25)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_initial_ms", 500)
	v.SetDefault("queue.backoff_multiplier", 2.0)
	v.SetDefault("queue.backoff_jitter", 0.25)
	v.SetDefault("queue.workers.upload", 5)
	v.SetDefault("queue.workers.analysis_poll", 3)
	v.SetDefault("queue.workers.completed", 10)
	v.SetDefault("queue.workers.confirmation_request", 5)
	v.SetDefault("queue.workers.confirmation_response", 3)
	v.SetDefault("pipeline.ocr_timeout_secs", 30)
	v.SetDefault("pipeline.manual_review_threshold", 0.35)
	v.SetDefault("confirm.ttl_hours", 24)
	v.SetDefault("confirm.sweep_interval_mins", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.min_avg_confidence", 0.4)

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
