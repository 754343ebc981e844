package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/reddimon/attribution-go/constants"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Security toggles fraud-prevention behaviour. Zero value disables everything.
type Security struct {
	EnableFraudPrevention bool   `mapstructure:"enable_fraud_prevention"`
	DeviceFingerprinting  bool   `mapstructure:"device_fingerprinting"`
	IPTracking            bool   `mapstructure:"ip_tracking"`
	ValidateSignature     bool   `mapstructure:"validate_signature"`
	SignatureSecret       string `mapstructure:"signature_secret"`
	IP2LocationBIN        string `mapstructure:"ip2location_bin"`
}

// Tracking controls sessions, the offline store and the delivery engine.
type Tracking struct {
	SessionTimeoutMinutes int    `mapstructure:"session_timeout_minutes"`
	EnableOfflineCache    bool   `mapstructure:"enable_offline_cache"`
	MaxRetries            int    `mapstructure:"max_retries"`
	RetryDelayMs          int    `mapstructure:"retry_delay_ms"`
	UserValueTracking     bool   `mapstructure:"user_value_tracking"`
	BatchSize             int    `mapstructure:"batch_size"`
	StoreCapacity         int    `mapstructure:"store_capacity"`
	Parallelism           int    `mapstructure:"parallelism"`
	StateDir              string `mapstructure:"state_dir"`
}

// Relay holds settings only the attribution-relay binary uses.
type Relay struct {
	Port          int    `mapstructure:"port"`
	AllowedOrigin string `mapstructure:"allowed_origin"`
	RateLimit     string `mapstructure:"rate_limit"` // ulule/limiter format, e.g. "100-M"
}

// Redis locates a shared event store for relay fleets.
type Redis struct {
	Host     string `mapstructure:"host"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Postgres locates a relay-grade durable event store.
type Postgres struct {
	DSN string `mapstructure:"dsn"`
}

// AMQP locates an alternative batch transport.
type AMQP struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// Config is the full SDK configuration. It is immutable once a client is
// initialized with it; re-initialization swaps the whole value atomically.
type Config struct {
	PublisherID string   `mapstructure:"publisher_id"`
	AppID       string   `mapstructure:"app_id"`
	APIKey      string   `mapstructure:"api_key"`
	BaseURL     string   `mapstructure:"base_url"`
	Security    Security `mapstructure:"security"`
	Tracking    Tracking `mapstructure:"tracking"`
	Relay       Relay    `mapstructure:"relay"`
	Redis       Redis    `mapstructure:"redis"`
	Postgres    Postgres `mapstructure:"postgres"`
	AMQP        AMQP     `mapstructure:"amqp"`
	AppEnv      string   `mapstructure:"app_env"`
}

// Validate enforces the minimum fields and fills tracking defaults in place.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: apiKey is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.AppID) == "" {
		return fmt.Errorf("%w: appId is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("%w: baseUrl is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: baseUrl %q is not an absolute URL", ErrInvalidConfig, c.BaseURL)
	}
	if c.Security.ValidateSignature && c.Security.SignatureSecret == "" {
		return fmt.Errorf("%w: validate_signature requires signature_secret", ErrInvalidConfig)
	}
	c.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if c.Tracking.SessionTimeoutMinutes <= 0 {
		c.Tracking.SessionTimeoutMinutes = constants.DefaultSessionTimeoutMinutes
	}
	if c.Tracking.MaxRetries <= 0 {
		c.Tracking.MaxRetries = constants.DefaultMaxRetries
	}
	if c.Tracking.RetryDelayMs <= 0 {
		c.Tracking.RetryDelayMs = constants.DefaultRetryDelayMs
	}
	if c.Tracking.BatchSize <= 0 {
		c.Tracking.BatchSize = constants.DefaultBatchSize
	}
	if c.Tracking.StoreCapacity <= 0 {
		c.Tracking.StoreCapacity = constants.DefaultStoreCapacity
	}
	if c.Tracking.Parallelism <= 0 {
		c.Tracking.Parallelism = constants.DefaultParallelism
	}
}

// Load reads the configuration from environment variables (plus an optional
// .env file) for the relay binary. SDK embedders construct Config directly.
func Load() (*Config, error) {
	log := zap.S()
	if err := godotenv.Load(".env"); err != nil {
		log.Debugf("no .env file loaded: %v", err)
	}

	viper.SetEnvPrefix("")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Errorf("Unable to decode into struct, %v", err)
		return config, err
	}

	if config.Relay.Port == 0 {
		config.Relay.Port = 8080
	}
	if config.Relay.RateLimit == "" {
		config.Relay.RateLimit = "100-M"
	}

	return config, nil
}

// bindEnvVars manually binds environment variables to viper keys
func bindEnvVars() {
	viper.BindEnv("publisher_id", "ATTRIBUTION_PUBLISHER_ID")
	viper.BindEnv("app_id", "ATTRIBUTION_APP_ID")
	viper.BindEnv("api_key", "ATTRIBUTION_API_KEY")
	viper.BindEnv("base_url", "ATTRIBUTION_BASE_URL")
	viper.BindEnv("app_env", "APP_ENV")

	// Security
	viper.BindEnv("security.enable_fraud_prevention", "SECURITY_ENABLE_FRAUD_PREVENTION")
	viper.BindEnv("security.device_fingerprinting", "SECURITY_DEVICE_FINGERPRINTING")
	viper.BindEnv("security.ip_tracking", "SECURITY_IP_TRACKING")
	viper.BindEnv("security.validate_signature", "SECURITY_VALIDATE_SIGNATURE")
	viper.BindEnv("security.signature_secret", "SECURITY_SIGNATURE_SECRET")
	viper.BindEnv("security.ip2location_bin", "SECURITY_IP2LOCATION_BIN")

	// Tracking
	viper.BindEnv("tracking.session_timeout_minutes", "TRACKING_SESSION_TIMEOUT_MINUTES")
	viper.BindEnv("tracking.enable_offline_cache", "TRACKING_ENABLE_OFFLINE_CACHE")
	viper.BindEnv("tracking.max_retries", "TRACKING_MAX_RETRIES")
	viper.BindEnv("tracking.retry_delay_ms", "TRACKING_RETRY_DELAY_MS")
	viper.BindEnv("tracking.user_value_tracking", "TRACKING_USER_VALUE_TRACKING")
	viper.BindEnv("tracking.batch_size", "TRACKING_BATCH_SIZE")
	viper.BindEnv("tracking.store_capacity", "TRACKING_STORE_CAPACITY")
	viper.BindEnv("tracking.parallelism", "TRACKING_PARALLELISM")
	viper.BindEnv("tracking.state_dir", "TRACKING_STATE_DIR")

	// Relay
	viper.BindEnv("relay.port", "RELAY_PORT")
	viper.BindEnv("relay.allowed_origin", "RELAY_ALLOWED_ORIGIN")
	viper.BindEnv("relay.rate_limit", "RELAY_RATE_LIMIT")

	// Redis
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Postgres
	viper.BindEnv("postgres.dsn", "POSTGRES_DSN")

	// AMQP
	viper.BindEnv("amqp.url", "AMQP_URL")
	viper.BindEnv("amqp.exchange", "AMQP_EXCHANGE")
	viper.BindEnv("amqp.routing_key", "AMQP_ROUTING_KEY")
}
