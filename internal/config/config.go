package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

const minJWTSecretBytes = 32

type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"development"`
	Port   string `env:"PORT" envDefault:"8080"`

	DatabaseURL         string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxOpenConns      int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns      int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime   time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBConnMaxIdleTime   time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"10m"`
	RunMigrationsOnBoot bool          `env:"RUN_MIGRATIONS_ON_STARTUP" envDefault:"false"`

	JWTSecret         string        `env:"JWT_SECRET,required,notEmpty"`
	AccessTokenTTL    time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL   time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	BcryptCost        int           `env:"BCRYPT_COST" envDefault:"12"`
	LoginMaxAttempts  int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	LoginLockDuration time.Duration `env:"LOGIN_LOCK_DURATION" envDefault:"15m"`

	OTPTTL             time.Duration `env:"OTP_TTL" envDefault:"10m"`
	OTPDigits          int           `env:"OTP_DIGITS" envDefault:"5"`
	OTPMaxResends      int           `env:"OTP_MAX_RESENDS" envDefault:"5"`
	OTPMaxAttempts     int           `env:"OTP_MAX_ATTEMPTS" envDefault:"5"`
	OTPDeliveryTimeout time.Duration `env:"OTP_DELIVERY_TIMEOUT" envDefault:"10s"`
	OTPLogCodes        bool          `env:"OTP_LOG_CODES" envDefault:"false"`

	RateLimitWindow         time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	RateLimitLogin          int           `env:"RATE_LIMIT_LOGIN" envDefault:"5"`
	RateLimitRegister       int           `env:"RATE_LIMIT_REGISTER" envDefault:"3"`
	RateLimitVerifyOTP      int           `env:"RATE_LIMIT_VERIFY_OTP" envDefault:"5"`
	RateLimitRefresh        int           `env:"RATE_LIMIT_REFRESH_TOKEN" envDefault:"5"`
	RateLimitForgotPassword int           `env:"RATE_LIMIT_FORGOT_PASSWORD" envDefault:"3"`
	RateLimitVerifyReset    int           `env:"RATE_LIMIT_VERIFY_OTP_RESET" envDefault:"5"`
	RedisURL                string        `env:"REDIS_URL"`
	TrustedProxies          []string      `env:"TRUSTED_PROXIES" envSeparator:","`
	TrustProxyHeaders       bool          `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	SMSLocalAPIKey  string `env:"SMS_LOCAL_API_KEY"`
	SMSLocalBaseURL string `env:"SMS_LOCAL_BASE_URL" envDefault:"https://api.smslocal.com/api/v1"`
	SMSLocalSender  string `env:"SMS_LOCAL_SENDER"`

	SendGridAPIKey    string `env:"SENDGRID_API_KEY"`
	SendGridHost      string `env:"SENDGRID_HOST" envDefault:"https://api.sendgrid.com"`
	SendGridFromEmail string `env:"SENDGRID_FROM_EMAIL"`
	SendGridFromName  string `env:"SENDGRID_FROM_NAME" envDefault:"School"`

	SentryDSN            string `env:"SENTRY_DSN"`
	OTELExporterEndpoint string `env:"OTEL_EXPORTER_ENDPOINT"`
	ServiceName          string `env:"OTEL_SERVICE_NAME" envDefault:"school-backend"`

	CronSecret            string        `env:"CRON_SECRET"`
	OTPRetention          time.Duration `env:"OTP_RETENTION" envDefault:"24h"`
	RefreshTokenRetention time.Duration `env:"AUTH_REFRESH_TOKEN_RETENTION" envDefault:"336h"`
	LoginAttemptRetention time.Duration `env:"AUTH_LOGIN_ATTEMPT_RETENTION" envDefault:"720h"`
	RateWindowRetention   time.Duration `env:"RATE_WINDOW_RETENTION" envDefault:"1h"`
	CleanupBatchSize      int           `env:"AUTH_CLEANUP_BATCH_SIZE" envDefault:"500"`
}

// Load reads an optional .env file and parses the process environment.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func (c Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.JWTSecret) < minJWTSecretBytes {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretBytes))
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.OTPDigits < 4 || c.OTPDigits > 10 {
		errs = append(errs, errors.New("OTP_DIGITS must be between 4 and 10"))
	}
	if c.OTPTTL <= 0 {
		errs = append(errs, errors.New("OTP_TTL must be positive"))
	}
	if c.OTPMaxResends <= 0 {
		errs = append(errs, errors.New("OTP_MAX_RESENDS must be positive"))
	}
	if c.OTPMaxAttempts <= 0 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be positive"))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}
	if c.OTPLogCodes && c.IsProduction() {
		errs = append(errs, errors.New("OTP_LOG_CODES must not be enabled in production"))
	}

	return errors.Join(errs...)
}
