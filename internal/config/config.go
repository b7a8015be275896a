package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP server
	HTTPAddr string

	// Persistence; empty DatabaseURL selects the in-memory store
	DatabaseURL string

	// Pipeline
	PipelinePath string
	Pipeline     []StageDef
	StageTimeout time.Duration
	JournalDays  int

	OpenAI    OpenAIConfig
	Artifacts ArtifactConfig
	RabbitMQ  RabbitMQConfig

	// SQS queue receiving progress events; takes precedence over RabbitMQ for the relay
	SQSEventsQueueURL string
	SQSRegion         string

	// Metrics configuration
	MetricsEnabled   bool
	MetricsNamespace string

	MCPEnabled bool

	// How long the broadcaster remembers the final event of a finished job
	EventRetention time.Duration

	LogLevel  string
	LogFormat string
}

// OpenAIConfig configures the completion client used by the agent stages
type OpenAIConfig struct {
	APIKey            string
	Model             string
	BaseURL           string
	RequestsPerSecond float64
	MaxContextTokens  int
}

// ArtifactConfig selects where rendered journals are stored. A non-empty
// S3Bucket selects S3, otherwise files are written under Dir.
type ArtifactConfig struct {
	Dir              string
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3Prefix         string
	S3ForcePathStyle bool
}

type RabbitMQConfig struct {
	URL          string
	Exchange     string
	PoolSize     int
	RequestQueue string
}

// Enabled reports whether a broker is configured
func (c RabbitMQConfig) Enabled() bool {
	return c.URL != ""
}

// LoadFromEnv builds the configuration from the environment. Variables from
// the file named by JOURNAL_ENV_FILE (default .env) are loaded first without
// overriding the real environment; a missing file is not an error.
func LoadFromEnv() (*Config, error) {
	envFile := getEnv("JOURNAL_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	cfg := &Config{
		HTTPAddr:     getEnv("JOURNAL_HTTP_ADDR", ":8080"),
		DatabaseURL:  getEnv("JOURNAL_DATABASE_URL", ""),
		PipelinePath: getEnv("JOURNAL_PIPELINE_PATH", ""),
		StageTimeout: getEnvDuration("JOURNAL_STAGE_TIMEOUT", 2*time.Minute),
		JournalDays:  getEnvInt("JOURNAL_JOURNAL_DAYS", 30),

		OpenAI: OpenAIConfig{
			APIKey:            getEnv("JOURNAL_OPENAI_API_KEY", os.Getenv("OPENAI_API_KEY")),
			Model:             getEnv("JOURNAL_OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:           getEnv("JOURNAL_OPENAI_BASE_URL", ""),
			RequestsPerSecond: getEnvFloat("JOURNAL_LLM_RPS", 2),
			MaxContextTokens:  getEnvInt("JOURNAL_LLM_MAX_CONTEXT_TOKENS", 6000),
		},

		Artifacts: ArtifactConfig{
			Dir:              getEnv("JOURNAL_ARTIFACT_DIR", "./data/artifacts"),
			S3Bucket:         getEnv("JOURNAL_S3_BUCKET", ""),
			S3Region:         getEnv("JOURNAL_S3_REGION", ""),
			S3Endpoint:       getEnv("JOURNAL_S3_ENDPOINT", ""),
			S3Prefix:         getEnv("JOURNAL_S3_PREFIX", "journals/"),
			S3ForcePathStyle: getEnvBool("JOURNAL_S3_FORCE_PATH_STYLE", false),
		},

		RabbitMQ: RabbitMQConfig{
			URL:          getEnv("JOURNAL_RABBITMQ_URL", ""),
			Exchange:     getEnv("JOURNAL_RABBITMQ_EXCHANGE", "journal"),
			PoolSize:     getEnvInt("JOURNAL_RABBITMQ_POOL_SIZE", 10),
			RequestQueue: getEnv("JOURNAL_REQUEST_QUEUE", "journal-requests"),
		},

		SQSEventsQueueURL: getEnv("JOURNAL_SQS_EVENTS_QUEUE_URL", ""),
		SQSRegion:         getEnv("JOURNAL_SQS_REGION", ""),

		MetricsEnabled:   getEnvBool("JOURNAL_METRICS_ENABLED", true),
		MetricsNamespace: getEnv("JOURNAL_METRICS_NAMESPACE", "journal"),
		MCPEnabled:       getEnvBool("JOURNAL_MCP_ENABLED", true),
		EventRetention:   getEnvDuration("JOURNAL_EVENT_RETENTION", time.Hour),

		LogLevel:  getEnv("JOURNAL_LOG_LEVEL", "INFO"),
		LogFormat: getEnv("JOURNAL_LOG_FORMAT", "text"),
	}

	// Validate
	if cfg.StageTimeout <= 0 {
		return nil, fmt.Errorf("JOURNAL_STAGE_TIMEOUT must be positive, got %s", cfg.StageTimeout)
	}
	if cfg.JournalDays < 1 || cfg.JournalDays > 366 {
		return nil, fmt.Errorf("JOURNAL_JOURNAL_DAYS must be between 1 and 366, got %d", cfg.JournalDays)
	}
	if cfg.OpenAI.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("JOURNAL_LLM_RPS must be positive, got %v", cfg.OpenAI.RequestsPerSecond)
	}
	if cfg.RabbitMQ.PoolSize < 1 {
		return nil, fmt.Errorf("JOURNAL_RABBITMQ_POOL_SIZE must be at least 1, got %d", cfg.RabbitMQ.PoolSize)
	}

	if cfg.PipelinePath != "" {
		defs, err := LoadPipeline(cfg.PipelinePath, cfg.StageTimeout)
		if err != nil {
			return nil, err
		}
		cfg.Pipeline = defs
	} else {
		cfg.Pipeline = DefaultPipeline(cfg.StageTimeout)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}
