package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/storefront-checkout/internal/payment/cybersource"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Lock backends.
const (
	LockLocal    = "local"
	LockPostgres = "postgres"
	LockRedis    = "redis"
)

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage      string `default:"postgres" usage:"Storage backend: postgres or memory"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (CHECKOUT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for operator API key hashing" flag:"api-key-pepper"`
	JWT          JWTConfig
	Orders       OrdersConfig
	Fulfillment  FulfillmentConfig
	Enrollment   EnrollmentConfig
	Payment      PaymentConfig
	Redis        RedisConfig
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
}

// JWTConfig controls validation of storefront user tokens.
type JWTConfig struct {
	Secret string        `usage:"HS256 secret shared with the identity provider"`
	Issuer string        `default:"" usage:"Expected iss claim, unchecked when empty"`
	Leeway time.Duration `default:"30s" usage:"Allowed clock skew for exp and nbf"`
}

// OrdersConfig controls order numbering.
type OrdersConfig struct {
	NumberPrefix string `default:"OSCR" usage:"Order number prefix" flag:"order-number-prefix"`
	NumberOffset int64  `default:"100000" usage:"Offset added to the basket id" flag:"order-number-offset"`
}

// FulfillmentConfig controls fulfillment attempts.
type FulfillmentConfig struct {
	Timeout     time.Duration `default:"5s" usage:"Per module invocation timeout"`
	Concurrency int           `default:"4" usage:"Module invocations run in parallel per order"`
	Lock        string        `default:"local" usage:"Order lock backend: local, postgres or redis"`
	LockTTL     time.Duration `default:"30s" usage:"Lease of the redis order lock"`
}

// EnrollmentConfig configures the course enrollment module.
type EnrollmentConfig struct {
	APIURL  string        `default:"" usage:"Enrollment API endpoint" flag:"enrollment-api-url"`
	APIKey  string        `default:"" usage:"Enrollment API key" flag:"enrollment-api-key"`
	Timeout time.Duration `default:"5s" usage:"Enrollment request timeout"`
}

// PaymentConfig selects and configures the payment processor.
type PaymentConfig struct {
	Processor   string `default:"cybersource" usage:"Payment processor name"`
	NotifyPath  string `default:"/payment/cybersource/notify" usage:"Notification route below /api/v1"`
	Cybersource CybersourceConfig
}

// CybersourceConfig configures the hosted payment page integration.
type CybersourceConfig struct {
	ProfileID      string `usage:"Secure Acceptance profile id"`
	AccessKey      string `usage:"Secure Acceptance access key"`
	SecretKey      string `usage:"Secure Acceptance secret key"`
	PaymentPageURL string `default:"https://testsecureacceptance.cybersource.com/pay" usage:"Hosted payment page"`
	ReceiptPageURL string `default:"" usage:"Custom receipt page"`
	CancelPageURL  string `default:"" usage:"Custom cancel page"`
	Locale         string `default:"en-us" usage:"Payment page locale"`
}

// RedisConfig configures the Redis client used by the redis lock backend.
type RedisConfig struct {
	Addr     string `default:"" usage:"Redis address (CHECKOUT_REDIS_ADDR or REDIS_URL)"`
	Password string `default:"" usage:"Redis password"`
	DB       int    `default:"0" usage:"Redis database"`
}

// RateLimitConfig holds per-user request budgets.
type RateLimitConfig struct {
	Baskets RateLimitRule
	Orders  RateLimitRule
}

// RateLimitRule is one sliding window budget.
type RateLimitRule struct {
	Max    int           `default:"40" usage:"Max requests per window"`
	Window time.Duration `default:"1m" usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, applies platform defaults and validates the result.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL, REDIS_URL and PORT.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set CHECKOUT_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage)
	}

	switch c.Fulfillment.Lock {
	case LockLocal:
	case LockPostgres:
		if c.Storage != StoragePostgres {
			return errors.New("postgres order lock requires the postgres storage backend")
		}
	case LockRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis order lock requires CHECKOUT_REDIS_ADDR or REDIS_URL")
		}
	default:
		return errors.Errorf("unknown order lock backend %q", c.Fulfillment.Lock)
	}

	if c.JWT.Secret == "" {
		return errors.New("JWT secret is required: set CHECKOUT_JWT_SECRET")
	}

	switch c.Payment.Processor {
	case cybersource.Name:
		if c.Payment.Cybersource.SecretKey == "" {
			return errors.New("cybersource secret key is required")
		}
	default:
		return errors.Errorf("unknown payment processor %q", c.Payment.Processor)
	}
	return nil
}
