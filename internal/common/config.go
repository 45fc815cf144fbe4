package common

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Pipeline PipelineConfig
	OCR      OCRConfig
	LLM      LLMConfig
	Rubrics  RubricConfig
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// DatabaseConfig holds fingerprint store / ledger configuration
type DatabaseConfig struct {
	Driver           string        `envconfig:"DB_DRIVER" default:"postgres"` // postgres | sqlite | redis | memory
	DSN              string        `envconfig:"DB_URL" default:""`
	MaxConns         int32         `envconfig:"DB_MAX_CONNS" default:"20"`
	MinConns         int32         `envconfig:"DB_MIN_CONNS" default:"5"`
	MaxConnLifetime  time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	MaxConnIdleTime  time.Duration `envconfig:"DB_MAX_CONN_IDLE_TIME" default:"5m"`
	DialTimeout      time.Duration `envconfig:"DB_DIAL_TIMEOUT" default:"3s"`
	StatementTimeout time.Duration `envconfig:"DB_STATEMENT_TIMEOUT" default:"0s"`
	RedisAddr        string        `envconfig:"REDIS_ADDR" default:""`
	RedisPrefix      string        `envconfig:"REDIS_KEY_PREFIX" default:"gradeflow"`
}

// ServerConfig holds server-related configuration. HealthInterval is how often the gRPC health status is
// refreshed from the backend.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr        string        `envconfig:"GRPC_ADDR" default:":9090"`
	HealthInterval  time.Duration `envconfig:"HEALTH_INTERVAL" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// PipelineConfig sizes the queues and the retry policy.
type PipelineConfig struct {
	ExtractWorkers int           `envconfig:"EXTRACT_WORKERS" default:"4"`
	AnalyzeWorkers int           `envconfig:"ANALYZE_WORKERS" default:"2"`
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"3"`
	BaseDelay      time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	CapDelay       time.Duration `envconfig:"RETRY_CAP_DELAY" default:"8s"`
	RateLimitDelay time.Duration `envconfig:"RATE_LIMIT_DELAY" default:"15s"`
	CallTimeout    time.Duration `envconfig:"CALL_TIMEOUT" default:"3m"`
	ChargeAmount   int64         `envconfig:"CHARGE_AMOUNT" default:"1"`
	RetainBatches  int           `envconfig:"RETAIN_BATCHES" default:"1000"`
}

// OCRConfig holds extraction-related configuration
type OCRConfig struct {
	Pdftotext     string `envconfig:"OCR_PDFTOTEXT" default:"pdftotext"`
	Tesseract     string `envconfig:"OCR_TESSERACT" default:"tesseract"`
	TesseractLang string `envconfig:"OCR_LANG" default:"eng"`
	TessdataDir   string `envconfig:"TESSDATA_PREFIX" default:""`
	HeicConverter string `envconfig:"HEIC_CONVERTER" default:"magick"`
}

// LLMConfig holds analysis model configuration
type LLMConfig struct {
	Model       string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	APIKey      string        `envconfig:"OPENAI_API_KEY" default:""`
	BaseURL     string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	Temperature float32       `envconfig:"OPENAI_TEMPERATURE" default:"0"`
	Timeout     time.Duration `envconfig:"OPENAI_TIMEOUT" default:"45s"`
}

// RubricConfig points at the YAML rubric directory.
type RubricConfig struct {
	Dir string `envconfig:"RUBRIC_DIR" default:"./rubrics"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	if c.Pipeline.ExtractWorkers <= 0 || c.Pipeline.AnalyzeWorkers <= 0 {
		return NewAppError("CONFIG_ERROR", "worker counts must be positive", ErrInvalidInput)
	}
	if c.Pipeline.RetainBatches <= 0 {
		return NewAppError("CONFIG_ERROR", "RETAIN_BATCHES must be positive", ErrInvalidInput)
	}
	if c.Pipeline.MaxRetries < 0 {
		return NewAppError("CONFIG_ERROR", "MAX_RETRIES must not be negative", ErrInvalidInput)
	}
	if c.Pipeline.CapDelay < c.Pipeline.BaseDelay {
		return NewAppError("CONFIG_ERROR", "RETRY_CAP_DELAY must be >= RETRY_BASE_DELAY", ErrInvalidInput)
	}
	return nil
}

// Validate checks only the store settings, for tools that never call the analyzer.
func (d DatabaseConfig) Validate() error {
	switch d.Driver {
	case "postgres", "sqlite":
		if d.DSN == "" {
			return NewAppError("CONFIG_ERROR", "DB_URL is required for driver "+d.Driver, ErrInvalidInput)
		}
	case "redis":
		if d.RedisAddr == "" {
			return NewAppError("CONFIG_ERROR", "REDIS_ADDR is required for driver redis", ErrInvalidInput)
		}
	case "memory":
	default:
		return NewAppError("CONFIG_ERROR", "unknown DB_DRIVER "+d.Driver, ErrInvalidInput)
	}
	return nil
}
