// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Task database (Postgres)
	DBHost           string        `env:"TEST_DB_HOST" envDefault:"localhost"`
	DBPort           int           `env:"TEST_DB_PORT" envDefault:"5432"`
	DBName           string        `env:"TEST_DB_NAME" envDefault:"database"`
	DBUser           string        `env:"TEST_DB_USER" envDefault:"postgres"`
	DBPassword       string        `env:"TEST_DB_PASSWORD" envDefault:""`
	DBMaxConnections int           `env:"TEST_DB_MAX_CONNECTIONS" envDefault:"20"`
	DBStaleTimeout   time.Duration `env:"TEST_DB_STALE_TIMEOUT" envDefault:"600s"`

	// Redis broker
	BrokerRedisURL string `env:"BROKER_REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Logical queues. Master messages land on the standard or Lumina queue
	// depending on the task; subtask messages split the same way.
	StandardQueue   string `env:"STANDARD_QUEUE" envDefault:"test_master"`
	LuminaQueue     string `env:"LUMINA_QUEUE" envDefault:"nietest_master_ops"`
	SubtaskQueue    string `env:"SUBTASK_QUEUE" envDefault:"nietest_subtask"`
	SubtaskOpsQueue string `env:"SUBTASK_OPS_QUEUE" envDefault:"nietest_subtask_ops"`

	// MaxRetries caps broker re-deliveries of retryable subtask failures;
	// 0 disables retries entirely.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"0"`

	// Remote image API
	NietaXToken        string        `env:"NIETA_XTOKEN"`
	ImageAPIBaseURL    string        `env:"NIETA_API_BASE_URL" envDefault:"https://api.talesofai.cn"`
	ImageAPIOpsBaseURL string        `env:"NIETA_OPS_API_BASE_URL" envDefault:"https://ops.api.talesofai.cn"`
	ImageSubmitTimeout time.Duration `env:"TEST_IMAGE_SUBMIT_TIMEOUT" envDefault:"300s"`
	ImagePollTimeout   time.Duration `env:"TEST_IMAGE_POLL_TIMEOUT" envDefault:"30s"`

	// Polling budgets, standard and Lumina
	MaxPollingAttempts       int           `env:"TEST_IMAGE_MAX_POLLING_ATTEMPTS" envDefault:"30"`
	PollingInterval          time.Duration `env:"TEST_IMAGE_POLLING_INTERVAL" envDefault:"2s"`
	LuminaMaxPollingAttempts int           `env:"LUMINA_MAX_POLLING_ATTEMPTS" envDefault:"50"`
	LuminaPollingInterval    time.Duration `env:"LUMINA_POLLING_INTERVAL" envDefault:"3s"`

	// Admission and monitoring cadence
	AdmissionPollInterval time.Duration `env:"ADMISSION_POLL_INTERVAL" envDefault:"30s"`
	AdmissionMaxWait      time.Duration `env:"ADMISSION_MAX_WAIT" envDefault:"1h"`
	RecentTaskWindow      time.Duration `env:"RECENT_TASK_WINDOW" envDefault:"10m"`
	MonitorInterval       time.Duration `env:"MONITOR_INTERVAL" envDefault:"10s"`

	// Worker sizing
	MasterConcurrency  int `env:"MASTER_CONCURRENCY" envDefault:"2"`
	SubtaskConcurrency int `env:"SUBTASK_CONCURRENCY" envDefault:"10"`

	// TaskMaxTotalImages rejects specs whose Cartesian product would
	// overwhelm the downstream API.
	TaskMaxTotalImages int `env:"TASK_MAX_TOTAL_IMAGES" envDefault:"10000"`

	// Auth
	SecretKey                string        `env:"SECRET_KEY" envDefault:"supersecretkey"`
	Algorithm                string        `env:"ALGORITHM" envDefault:"HS256"`
	AccessTokenExpireMinutes int           `env:"ACCESS_TOKEN_EXPIRE_MINUTES" envDefault:"10080"`
	SeedUsersFile            string        `env:"SEED_USERS_FILE" envDefault:""`
	FrontendBaseURL          string        `env:"FRONTEND_BASE_URL" envDefault:"http://localhost:3000"`
	TokenClockSkew           time.Duration `env:"TOKEN_CLOCK_SKEW" envDefault:"30s"`

	// Webhooks (both optional; empty disables)
	FeishuTaskWebhookURL  string `env:"FEISHU_TASK_WEBHOOK_URL"`
	FeishuDebugWebhookURL string `env:"FEISHU_DEBUG_WEBHOOK_URL"`

	// HTTP server
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"nietest"`
	MetricsPort     int    `env:"METRICS_PORT" envDefault:"9090"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// DatabaseURL assembles a pgx connection string from the TEST_DB_* parts.
func (c Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	if c.DBPassword != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	} else {
		u.User = url.User(c.DBUser)
	}
	q := u.Query()
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	return u.String()
}

// MasterQueueFor picks the master queue by task flavor.
func (c Config) MasterQueueFor(lumina bool) string {
	if lumina {
		return c.LuminaQueue
	}
	return c.StandardQueue
}

// SubtaskQueueFor picks the subtask queue by subtask flavor.
func (c Config) SubtaskQueueFor(lumina bool) string {
	if lumina {
		return c.SubtaskOpsQueue
	}
	return c.SubtaskQueue
}

// PollingBudget returns the poll attempt cap and interval by flavor.
func (c Config) PollingBudget(lumina bool) (int, time.Duration) {
	if lumina {
		return c.LuminaMaxPollingAttempts, c.LuminaPollingInterval
	}
	return c.MaxPollingAttempts, c.PollingInterval
}

// AccessTokenTTL returns the configured token lifetime.
func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenExpireMinutes) * time.Minute
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
