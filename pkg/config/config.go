package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Fulfillment  FulfillmentConfig
	Webhook      WebhookConfig
	Jobs         JobsConfig
	Cron         CronConfig
	Admin        AdminConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Fulfillment.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"VOUCHERZ_APP_ENV" required:"true"`
	Port         string `envconfig:"VOUCHERZ_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"VOUCHERZ_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"VOUCHERZ_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"VOUCHERZ_DB_DSN"`
	Driver string `envconfig:"VOUCHERZ_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"VOUCHERZ_DB_HOST"`
	LegacyPort     int    `envconfig:"VOUCHERZ_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"VOUCHERZ_DB_USER"`
	LegacyPassword string `envconfig:"VOUCHERZ_DB_PASSWORD"`
	LegacyName     string `envconfig:"VOUCHERZ_DB_NAME"`
	LegacySSLMode  string `envconfig:"VOUCHERZ_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"VOUCHERZ_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"VOUCHERZ_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"VOUCHERZ_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"VOUCHERZ_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"VOUCHERZ_REDIS_URL" required:"true"`
	Address      string        `envconfig:"VOUCHERZ_REDIS_ADDR"`
	Password     string        `envconfig:"VOUCHERZ_REDIS_PASSWORD"`
	DB           int           `envconfig:"VOUCHERZ_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"VOUCHERZ_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"VOUCHERZ_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"VOUCHERZ_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"VOUCHERZ_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"VOUCHERZ_REDIS_WRITE_TIMEOUT" default:"5s"`
	KeyPrefix    string        `envconfig:"VOUCHERZ_REDIS_KEY_PREFIX" default:"vz"`
}

type FeatureFlagsConfig struct {
	UseSQLite       bool `envconfig:"VOUCHERZ_USE_SQLITE" default:"false"`
	AutoMigrate     bool `envconfig:"VOUCHERZ_AUTO_MIGRATE" default:"false"`
	SandboxProvider bool `envconfig:"VOUCHERZ_FEATURE_SANDBOX_PROVIDER" default:"false"`
}

// FulfillmentConfig tunes provider polling and the at-rest codec for stock codes.
type FulfillmentConfig struct {
	PollFloor          time.Duration `envconfig:"VOUCHERZ_FULFILLMENT_POLL_FLOOR" default:"10s"`
	PollBackoffCap     time.Duration `envconfig:"VOUCHERZ_FULFILLMENT_POLL_BACKOFF_CAP" default:"5m"`
	MaxPolls           int           `envconfig:"VOUCHERZ_FULFILLMENT_MAX_POLLS" default:"30"`
	ProviderTimeout    time.Duration `envconfig:"VOUCHERZ_FULFILLMENT_PROVIDER_TIMEOUT" default:"20s"`
	StaleAttemptAfter  time.Duration `envconfig:"VOUCHERZ_FULFILLMENT_STALE_ATTEMPT_AFTER" default:"15m"`
	StrandedOrderAfter time.Duration `envconfig:"VOUCHERZ_FULFILLMENT_STRANDED_ORDER_AFTER" default:"10m"`
	CodeEncryptionKey  string        `envconfig:"VOUCHERZ_CODE_ENCRYPTION_KEY" required:"true"`
	CodeFingerprintKey string        `envconfig:"VOUCHERZ_CODE_FINGERPRINT_KEY" required:"true"`
}

type WebhookConfig struct {
	SigningSecret  string        `envconfig:"VOUCHERZ_WEBHOOK_SIGNING_SECRET" required:"true"`
	IdempotencyTTL time.Duration `envconfig:"VOUCHERZ_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
}

type JobsConfig struct {
	BatchSize      int           `envconfig:"VOUCHERZ_JOBS_BATCH_SIZE" default:"20"`
	PollIntervalMS int           `envconfig:"VOUCHERZ_JOBS_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"VOUCHERZ_JOBS_MAX_ATTEMPTS" default:"8"`
	Lease          time.Duration `envconfig:"VOUCHERZ_JOBS_LEASE" default:"2m"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"VOUCHERZ_CRON_INTERVAL" default:"1m"`
	LockTTL  time.Duration `envconfig:"VOUCHERZ_CRON_LOCK_TTL" default:"5m"`
}

type AdminConfig struct {
	Token       string   `envconfig:"VOUCHERZ_ADMIN_TOKEN" required:"true"`
	CORSOrigins []string `envconfig:"VOUCHERZ_ADMIN_CORS_ORIGINS"`
}

func (f FulfillmentConfig) validate() error {
	if f.PollFloor <= 0 {
		return fmt.Errorf("%s must be positive", EnvPollFloor)
	}
	if f.MaxPolls <= 0 {
		return fmt.Errorf("fulfillment max polls must be positive")
	}
	return nil
}

func (db *DBConfig) ensureDSN(sqlite bool) error {
	if db.DSN != "" {
		return nil
	}
	if sqlite {
		db.DSN = "file:voucherz.db?cache=shared&_busy_timeout=5000"
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
