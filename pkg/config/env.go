package config

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "VOUCHERZ"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv            = "VOUCHERZ_APP_ENV"
	EnvPort              = "VOUCHERZ_APP_PORT"
	EnvDBDSN             = "VOUCHERZ_DB_DSN"
	EnvDBHost            = "VOUCHERZ_DB_HOST"
	EnvDBUser            = "VOUCHERZ_DB_USER"
	EnvDBName            = "VOUCHERZ_DB_NAME"
	EnvRedisURL          = "VOUCHERZ_REDIS_URL"
	EnvCodeEncryptionKey = "VOUCHERZ_CODE_ENCRYPTION_KEY"
	EnvCodeFingerprint   = "VOUCHERZ_CODE_FINGERPRINT_KEY"
	EnvWebhookSecret     = "VOUCHERZ_WEBHOOK_SIGNING_SECRET"
	EnvAdminToken        = "VOUCHERZ_ADMIN_TOKEN"
	EnvPollFloor         = "VOUCHERZ_FULFILLMENT_POLL_FLOOR"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
