// Package appconfig loads the authd process configuration from an optional
// YAML file, .env files and the environment.
package appconfig

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/serplantas/authcore"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every setting: auth.access_ttl is AUTH_AUTH_ACCESS_TTL,
// http.addr is AUTH_HTTP_ADDR.
const EnvPrefix = "AUTH"

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
	// Dev swaps Redis for an in-process server and Postgres for the memory
	// store, and generates throwaway keys when none are configured.
	Dev           bool          `mapstructure:"dev"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SecureCookies   bool          `mapstructure:"secure_cookies"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	// SSLMode defaults to require for any host but the local machine.
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	Issuer         string        `mapstructure:"issuer"`
	Audience       string        `mapstructure:"audience"`
	AccessTTL      time.Duration `mapstructure:"access_ttl"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
	KeyID          string        `mapstructure:"key_id"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	// JWTSecret selects hs256 when no private key file is configured.
	JWTSecret     string        `mapstructure:"jwt_secret"`
	RotationGrace time.Duration `mapstructure:"rotation_grace"`
	// TOTPEncryptionKey is base64 of 32 random bytes.
	TOTPEncryptionKey string `mapstructure:"totp_encryption_key"`
	TOTPIssuer        string `mapstructure:"totp_issuer"`
	LockoutThreshold  int    `mapstructure:"lockout_threshold"`
	IPThrottle        bool   `mapstructure:"ip_throttle"`
	Audit             bool   `mapstructure:"audit"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load reads envFiles into the process environment (missing files are
// skipped, existing variables win), then the YAML file at path if path is
// not empty, then the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Variable names used by existing deployments.
	for key, env := range map[string]string{
		"database.host":     "DB_HOST",
		"database.port":     "DB_PORT",
		"database.user":     "DB_USER",
		"database.password": "DB_PASSWORD",
		"database.name":     "DB_NAME",
		"database.sslmode":  "DB_SSLMODE",
		"auth.jwt_secret":   "JWT_SECRET",
		"http.port":         "PORT",
		"redis.addr":        "REDIS_ADDR",
	} {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = defaultSSLMode(cfg.Database.Host)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dev", false)
	v.SetDefault("prune_interval", 5*time.Minute)

	v.SetDefault("http.addr", "")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)
	v.SetDefault("http.shutdown_timeout", 5*time.Second)
	v.SetDefault("http.secure_cookies", true)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "authcore")
	v.SetDefault("database.sslmode", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	d := authcore.DefaultConfig()
	v.SetDefault("auth.issuer", d.JWT.Issuer)
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.access_ttl", d.JWT.AccessTTL)
	v.SetDefault("auth.refresh_ttl", d.JWT.RefreshTTL)
	v.SetDefault("auth.key_id", d.JWT.KeyID)
	v.SetDefault("auth.private_key_file", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.rotation_grace", d.JWT.RotationGrace)
	v.SetDefault("auth.totp_encryption_key", "")
	v.SetDefault("auth.totp_issuer", d.TOTP.Issuer)
	v.SetDefault("auth.lockout_threshold", d.Lockout.Threshold)
	v.SetDefault("auth.ip_throttle", false)
	v.SetDefault("auth.audit", true)

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
}

func defaultSSLMode(host string) string {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1", "":
		return "disable"
	}
	return "require"
}

// ListenAddr is HTTP.Addr when set, otherwise ":" + HTTP.Port.
func (c *Config) ListenAddr() string {
	if c.HTTP.Addr != "" {
		return c.HTTP.Addr
	}
	return ":" + strconv.Itoa(c.HTTP.Port)
}

// PostgresDSN is Database.DSN when set, otherwise a URL built from the
// discrete fields.
func (c *Config) PostgresDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     net.JoinHostPort(c.Database.Host, strconv.Itoa(c.Database.Port)),
		Path:     "/" + c.Database.Name,
		RawQuery: url.Values{"sslmode": {c.Database.SSLMode}}.Encode(),
	}
	return u.String()
}

// EngineConfig maps the process settings onto authcore.Config.
//
// Signing uses ed25519 with the key in Auth.PrivateKeyFile, or hs256 with
// Auth.JWTSecret. In dev mode missing keys are generated and live only as
// long as the process.
func (c *Config) EngineConfig() (authcore.Config, error) {
	cfg := authcore.DefaultConfig()
	cfg.JWT.Issuer = c.Auth.Issuer
	cfg.JWT.Audience = c.Auth.Audience
	cfg.JWT.AccessTTL = c.Auth.AccessTTL
	cfg.JWT.RefreshTTL = c.Auth.RefreshTTL
	cfg.JWT.KeyID = c.Auth.KeyID
	cfg.JWT.RotationGrace = c.Auth.RotationGrace
	cfg.TOTP.Issuer = c.Auth.TOTPIssuer
	cfg.Lockout.Threshold = c.Auth.LockoutThreshold
	cfg.Throttle.MaxAttempts = c.Auth.LockoutThreshold
	cfg.Throttle.EnableIPThrottle = c.Auth.IPThrottle
	cfg.Audit.Enabled = c.Auth.Audit

	switch {
	case c.Auth.PrivateKeyFile != "":
		pem, err := os.ReadFile(c.Auth.PrivateKeyFile)
		if err != nil {
			return cfg, fmt.Errorf("read signing key: %w", err)
		}
		cfg.JWT.SigningMethod = "ed25519"
		cfg.JWT.PrivateKey = pem
	case c.Auth.JWTSecret != "":
		cfg.JWT.SigningMethod = "hs256"
		cfg.JWT.PrivateKey = []byte(c.Auth.JWTSecret)
	case c.Dev:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return cfg, err
		}
		cfg.JWT.SigningMethod = "ed25519"
		cfg.JWT.PrivateKey = priv
	default:
		return cfg, errors.New("no signing key: set auth.private_key_file or JWT_SECRET")
	}

	switch {
	case c.Auth.TOTPEncryptionKey != "":
		key, err := base64.StdEncoding.DecodeString(c.Auth.TOTPEncryptionKey)
		if err != nil {
			return cfg, fmt.Errorf("decode totp encryption key: %w", err)
		}
		cfg.TOTP.EncryptionKey = key
	case c.Dev:
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return cfg, err
		}
		cfg.TOTP.EncryptionKey = key
	default:
		return cfg, errors.New("no totp encryption key: set auth.totp_encryption_key")
	}

	return cfg, cfg.Validate()
}
