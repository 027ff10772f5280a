package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppEnv string `envconfig:"APP_ENV" default:"production"`

	// ----------------------------
	// SMTP / Providers
	// ----------------------------
	EmailProvider   string `envconfig:"EMAIL_PROVIDER" default:"smtp"`
	SMTPHost        string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort        int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser        string `envconfig:"SMTP_USER" default:""`
	SMTPPassword    string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPSSL         bool   `envconfig:"SMTP_SSL" default:"false"`
	ResendAPIKey    string `envconfig:"RESEND_API_KEY" default:""`
	MessageIDDomain string `envconfig:"MESSAGE_ID_DOMAIN" default:"mailcadence.local"`

	// ----------------------------
	// Dispatch
	// ----------------------------
	HourlyLimit       int           `envconfig:"MAX_EMAILS_PER_HOUR_PER_SENDER" default:"200"`
	MinSendDelayMS    int           `envconfig:"MIN_DELAY_BETWEEN_EMAILS_MS" default:"1000"`
	WorkerCount       int           `envconfig:"WORKER_CONCURRENCY" default:"10"`
	SendRatePerSecond float64       `envconfig:"SEND_RATE_PER_SECOND" default:"0"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"500ms"`
	SendTimeout       time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	StoreRetryDelay   time.Duration `envconfig:"STORE_RETRY_DELAY" default:"30s"`
	ClaimTimeout      time.Duration `envconfig:"CLAIM_TIMEOUT" default:"10m"`
	RecoverySchedule  string        `envconfig:"RECOVERY_SCHEDULE" default:"@every 1m"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	// ----------------------------
	// Redis (rate window counters)
	// ----------------------------
	RedisAddr     string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// ----------------------------
	// Events
	// ----------------------------
	NATSURL           string `envconfig:"NATS_URL" default:""`
	NATSSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"MAILCADENCE"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HourlyLimit <= 0 {
		return fmt.Errorf("MAX_EMAILS_PER_HOUR_PER_SENDER must be positive, got %d", c.HourlyLimit)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerCount)
	}
	if c.MinSendDelayMS < 0 {
		return fmt.Errorf("MIN_DELAY_BETWEEN_EMAILS_MS must not be negative")
	}
	switch c.Provider() {
	case "smtp":
	case "resend":
		if c.ResendAPIKey == "" {
			return fmt.Errorf("RESEND_API_KEY is required when EMAIL_PROVIDER=resend")
		}
	default:
		return fmt.Errorf("unknown EMAIL_PROVIDER %q", c.EmailProvider)
	}
	if _, _, err := c.Database(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Provider() string {
	return strings.ToLower(strings.TrimSpace(c.EmailProvider))
}

func (c *Config) MinSendDelay() time.Duration {
	return time.Duration(c.MinSendDelayMS) * time.Millisecond
}

func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(strings.TrimSpace(c.AppEnv))
	return env == "development" || env == "dev"
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Database splits DATABASE_URL into a driver name and its DSN.
func (c *Config) Database() (driver, dsn string, err error) {
	u := strings.TrimSpace(c.DatabaseURL)
	switch {
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return DriverPostgres, u, nil
	case strings.HasPrefix(u, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(u, "sqlite://"), nil
	case strings.HasPrefix(u, "file:"):
		return DriverSQLite, u, nil
	}
	return "", "", fmt.Errorf("unsupported DATABASE_URL %q", u)
}
