package authcore

import (
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/serplantas/authcore/store/memory"
)

func TestDefaultConfigNeedsKeys(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected default config without keys to be rejected")
	}
	cfg = testConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected test config valid, got %v", err)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"issuer", func(c *Config) { c.JWT.Issuer = " " }, "Issuer"},
		{"refresh ttl", func(c *Config) { c.JWT.RefreshTTL = c.JWT.AccessTTL }, "RefreshTTL"},
		{"signing method", func(c *Config) { c.JWT.SigningMethod = "rs256" }, "signing method"},
		{"argon memory", func(c *Config) { c.Password.Memory = 1024 }, "Memory"},
		{"min length", func(c *Config) { c.Password.MinLength = 4 }, "MinLength"},
		{"digits", func(c *Config) { c.TOTP.Digits = 7 }, "Digits"},
		{"skew", func(c *Config) { c.TOTP.Skew = 5 }, "Skew"},
		{"encryption key", func(c *Config) { c.TOTP.EncryptionKey = []byte("short") }, "EncryptionKey"},
		{"lockout threshold", func(c *Config) { c.Lockout.Threshold = 0 }, "threshold"},
		{"lockout max", func(c *Config) { c.Lockout.MaxDuration = time.Minute }, "max duration"},
		{"ip throttle", func(c *Config) {
			c.Throttle.EnableIPThrottle = true
			c.Throttle.IPMaxAttempts = 0
		}, "IPMaxAttempts"},
		{"audit buffer", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.BufferSize = 0
		}, "BufferSize"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.substr) {
				t.Fatalf("expected error mentioning %q, got %q", tc.substr, err)
			}
		})
	}
}

func TestBuilderRequiresDependencies(t *testing.T) {
	cfg := testConfig(t)
	if _, err := New().WithConfig(cfg).WithStore(memory.New()).Build(); err == nil {
		t.Fatal("expected missing redis rejected")
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	if _, err := New().WithConfig(cfg).WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected missing store rejected")
	}

	b := New().WithConfig(cfg).WithRedis(rdb).WithStore(memory.New())
	e, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer e.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected builder reuse rejected")
	}
}

func TestBuilderCopiesConfig(t *testing.T) {
	cfg := testConfig(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	e, err := New().WithConfig(cfg).WithRedis(rdb).WithStore(memory.New()).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer e.Close()

	cfg.TOTP.EncryptionKey[0] ^= 0xff
	if e.config.TOTP.EncryptionKey[0] == cfg.TOTP.EncryptionKey[0] {
		t.Fatal("expected engine to hold its own copy of key material")
	}
}

func TestSecurityReport(t *testing.T) {
	env := newTestEnv(t)
	r := env.engine.SecurityReport()
	if r.SigningAlgorithm != "ed25519" || r.AccessTTL != 15*time.Minute || r.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("unexpected token settings %+v", r)
	}
	if r.LockoutThreshold != 5 || r.LockoutWindow != 15*time.Minute || r.TOTPPeriod != 30*time.Second {
		t.Fatalf("unexpected lockout or totp settings %+v", r)
	}
	if len(r.ActiveKeyIDs) != 1 || r.ActiveKeyIDs[0] != "k1" {
		t.Fatalf("unexpected key ids %v", r.ActiveKeyIDs)
	}
}
