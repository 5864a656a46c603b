package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the full server configuration, loaded from environment
// variables. Secrets also come from the environment; nothing here is ever
// logged verbatim.
type Config struct {
	// Server
	Port        string `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`
	CORSOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// PostgreSQL
	DBHost     string        `envconfig:"DB_HOST" required:"true"`
	DBPort     string        `envconfig:"DB_PORT" default:"5432"`
	DBUser     string        `envconfig:"DB_USER" required:"true"`
	DBPassword string        `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string        `envconfig:"DB_NAME" required:"true"`
	DBSSLMode  string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns int32         `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTime time.Duration `envconfig:"DB_MAX_IDLE_TIME" default:"5m"`

	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"internal/database/migrations"`

	// RabbitMQ
	RabbitMQURL        string `envconfig:"RABBITMQ_URL" required:"true"`
	TurnCommitQueue    string `envconfig:"TURN_COMMIT_QUEUE" default:"turn_commit_tasks"`
	TurnCommitDLX      string `envconfig:"TURN_COMMIT_DLX" default:"turn_commit_tasks_dlx"`
	TurnCommitDLQ      string `envconfig:"TURN_COMMIT_DLQ" default:"turn_commit_tasks_dlq"`
	TurnCommitDLQKey   string `envconfig:"TURN_COMMIT_DLQ_ROUTING_KEY" default:"dlq"`

	// Redis (signed URL cache)
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Blob store
	BlobDir        string        `envconfig:"BLOB_DIR" default:"/var/lib/saga/blobs"`
	BlobBaseURL    string        `envconfig:"BLOB_BASE_URL" required:"true"`
	BlobSignSecret string        `envconfig:"BLOB_SIGN_SECRET" required:"true"`
	SignedURLTTL   time.Duration `envconfig:"SIGNED_URL_TTL" default:"1h"`

	// AI backends
	OpenAIAPIKey       string        `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIBaseURL      string        `envconfig:"OPENAI_BASE_URL" default:""`
	TextModel          string        `envconfig:"TEXT_MODEL" default:"gpt-4o-mini"`
	PromptTokenBudget  int           `envconfig:"PROMPT_TOKEN_BUDGET" default:"6000"`
	ImageServerURL     string        `envconfig:"IMAGE_SERVER_URL" required:"true"`
	ImageServerTimeout time.Duration `envconfig:"IMAGE_SERVER_TIMEOUT" default:"60s"`

	// Turn protocol
	LockPollInterval  time.Duration `envconfig:"LOCK_POLL_INTERVAL" default:"500ms"`
	LockWaitTimeout   time.Duration `envconfig:"LOCK_WAIT_TIMEOUT" default:"30s"`
	GenerationTimeout time.Duration `envconfig:"GENERATION_TIMEOUT" default:"90s"`

	// JWT
	JWTSecret   string        `envconfig:"JWT_SECRET" required:"true"`
	JWTTokenTTL time.Duration `envconfig:"JWT_TOKEN_TTL" default:"72h"`
}

// GetDSN returns the PostgreSQL connection string.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return &cfg, nil
}
