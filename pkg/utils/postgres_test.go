package utils

import (
	"testing"
	"time"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	c := PostgresPoolConfig{}.withDefaults()
	if c.MaxOpenConns != 25 || c.MaxIdleConns != 25 {
		t.Fatalf("unexpected pool sizes: %+v", c)
	}
	if c.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected ping timeout: %v", c.PingTimeout)
	}

	c = PostgresPoolConfig{MaxOpenConns: 4, PingTimeout: time.Second}.withDefaults()
	if c.MaxOpenConns != 4 || c.PingTimeout != time.Second {
		t.Fatalf("expected explicit values kept: %+v", c)
	}
}
