package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "production", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret", JWTIssuer: "i", JWTAudience: "a"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_ProductionRequiresStores(t *testing.T) {
	c := Config{
		App:  AppConfig{Env: "production", Port: 8080},
		Auth: AuthConfig{JWTSecret: "secret", JWTIssuer: "i", JWTAudience: "a"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without postgres and redis")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_LocalWithoutStoresAppliesCallDefaults(t *testing.T) {
	c := Config{
		App:  AppConfig{Env: "local", Port: 8080},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.HasPostgres() || c.HasRedis() {
		t.Fatalf("expected no stores configured")
	}
	if c.Call.GracePeriod != 5*time.Second || c.Call.RequestTimeout != 10*time.Second {
		t.Fatalf("unexpected call defaults: %+v", c.Call)
	}
	if c.Call.EventBuffer != 64 || c.Call.LeaseTTL != 30*time.Second {
		t.Fatalf("unexpected call defaults: %+v", c.Call)
	}
}

func TestLoad_ReadsCallTuning(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_HOST", "")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("CALL_GRACE_PERIOD", "2s")
	t.Setenv("CALL_EVENT_BUFFER", "8")
	t.Setenv("SCOPE_LEASE_TTL", "500ms")
	t.Setenv("CALL_LOG_RETAIN", "200")

	if _, err := Load(); err == nil {
		t.Fatalf("expected lease ttl below 1s to be rejected")
	}

	t.Setenv("SCOPE_LEASE_TTL", "10s")
	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Call.GracePeriod != 2*time.Second || c.Call.EventBuffer != 8 || c.Call.LeaseTTL != 10*time.Second {
		t.Fatalf("unexpected call config: %+v", c.Call)
	}
	if c.Call.LogRetain != 200 {
		t.Fatalf("expected log retention 200, got %d", c.Call.LogRetain)
	}

	t.Setenv("CALL_LOG_RETAIN", "-1")
	if _, err := Load(); err == nil {
		t.Fatalf("expected negative retention to be rejected")
	}
}

func TestLoad_RejectsNonIntegerBuffer(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_HOST", "")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("CALL_EVENT_BUFFER", "lots")

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_SeedsFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("MQTT_BROKER_URL=tcp://broker:1883\nMQTT_ROLE=edge\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_HOST", "")
	t.Setenv("REDIS_HOST", "")
	// Setenv registers the restore; the unset lets the file provide the value.
	for _, k := range []string{"MQTT_BROKER_URL", "MQTT_ROLE", "MQTT_TOPIC_PREFIX", "MQTT_CLIENT_ID"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("ENV_FILE", path)

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !c.HasMQTT() || c.MQTT.Role != MQTTRoleEdge {
		t.Fatalf("expected mqtt edge config from file, got %+v", c.MQTT)
	}
	if c.MQTT.TopicPrefix != "calls" || c.MQTT.ClientID != "call-orchestrator" {
		t.Fatalf("expected mqtt defaults, got %+v", c.MQTT)
	}
}

func TestLoad_MissingEnvFileIsAnError(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing ENV_FILE")
	}
}

func TestValidate_MQTTRole(t *testing.T) {
	c := Config{
		App:  AppConfig{Env: "local", Port: 8080},
		Auth: AuthConfig{JWTSecret: "secret"},
		MQTT: MQTTConfig{BrokerURL: "tcp://broker:1883", Role: "relay"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown MQTT_ROLE")
	}

	c.MQTT.Role = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.MQTT.Role != MQTTRoleHub {
		t.Fatalf("expected hub default, got %q", c.MQTT.Role)
	}
}
