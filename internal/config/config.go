package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values come from env, optionally seeded from an env file (ENV_FILE, else ./.env).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Call  CallConfig
	MQTT  MQTTConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// CallConfig tunes the call state machines and scope leases.
type CallConfig struct {
	// GracePeriod is how long ENDED_ERROR is held before the machine resets itself.
	GracePeriod time.Duration
	// RequestTimeout bounds every signaling request.
	RequestTimeout time.Duration
	// EventBuffer is the capacity of each machine's event queue.
	EventBuffer int
	// LeaseTTL is the Redis lease lifetime for a subscribed scope id.
	LeaseTTL time.Duration
	// LogRetain caps each user's call log at the newest N entries. 0 keeps everything.
	LogRetain int
}

// MQTTConfig connects the process to an MQTT broker for signaling.
// Role "hub" serves this process's signaling to remote clients; "edge" uses a remote hub.
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Role        string
}

const (
	MQTTRoleHub  = "hub"
	MQTTRoleEdge = "edge"
)

func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	// Call tuning is optional as well; defaults applied in Validate().
	c.Call.GracePeriod = mustDuration("CALL_GRACE_PERIOD")
	c.Call.RequestTimeout = mustDuration("CALL_REQUEST_TIMEOUT")
	c.Call.LeaseTTL = mustDuration("SCOPE_LEASE_TTL")
	if v := strings.TrimSpace(os.Getenv("CALL_EVENT_BUFFER")); v != "" {
		n, err := mustInt("CALL_EVENT_BUFFER")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Call.EventBuffer = n
	}
	if v := strings.TrimSpace(os.Getenv("CALL_LOG_RETAIN")); v != "" {
		n, err := mustInt("CALL_LOG_RETAIN")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Call.LogRetain = n
	}

	c.MQTT.BrokerURL = strings.TrimSpace(os.Getenv("MQTT_BROKER_URL"))
	c.MQTT.ClientID = strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	c.MQTT.Username = strings.TrimSpace(os.Getenv("MQTT_USERNAME"))
	c.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	c.MQTT.TopicPrefix = strings.TrimSpace(os.Getenv("MQTT_TOPIC_PREFIX"))
	c.MQTT.Role = strings.TrimSpace(os.Getenv("MQTT_ROLE"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the loaded values and fills in defaults for optional ones.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	// Postgres and Redis are optional outside production; without them the process keeps
	// call logs in memory and scope ids are not leased across processes.
	if c.DB.Host == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_HOST is required in production"))
		}
	} else {
		errs = append(errs, c.validateDB()...)
	}

	if c.Redis.Host == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("REDIS_HOST is required in production"))
		}
	} else if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Call.GracePeriod <= 0 {
		c.Call.GracePeriod = 5 * time.Second
	}
	if c.Call.RequestTimeout <= 0 {
		c.Call.RequestTimeout = 10 * time.Second
	}
	if c.Call.EventBuffer == 0 {
		c.Call.EventBuffer = 64
	}
	if c.Call.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("CALL_EVENT_BUFFER must be positive, got %d", c.Call.EventBuffer))
	}
	if c.Call.LeaseTTL <= 0 {
		c.Call.LeaseTTL = 30 * time.Second
	}
	if c.Call.LogRetain < 0 {
		errs = append(errs, fmt.Errorf("CALL_LOG_RETAIN must not be negative, got %d", c.Call.LogRetain))
	}
	if c.Call.LeaseTTL < time.Second {
		errs = append(errs, fmt.Errorf("SCOPE_LEASE_TTL must be at least 1s, got %s", c.Call.LeaseTTL))
	}

	if c.HasMQTT() {
		if c.MQTT.Role == "" {
			c.MQTT.Role = MQTTRoleHub
		}
		if c.MQTT.Role != MQTTRoleHub && c.MQTT.Role != MQTTRoleEdge {
			errs = append(errs, fmt.Errorf("MQTT_ROLE must be one of hub, edge, got %q", c.MQTT.Role))
		}
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "call-orchestrator"
		}
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "calls"
		}
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			// Allowed values are enforced below.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

// HasPostgres reports whether call logs and audit events go to Postgres.
func (c Config) HasPostgres() bool { return c.DB.Host != "" }

// HasMQTT reports whether signaling goes through an MQTT broker.
func (c Config) HasMQTT() bool { return c.MQTT.BrokerURL != "" }

// HasRedis reports whether scope ids are leased through Redis.
func (c Config) HasRedis() bool { return c.Redis.Host != "" }

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// loadEnvFile seeds the environment from ENV_FILE, or from ./.env when present.
// Variables already set in the environment win.
func loadEnvFile() error {
	path := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
