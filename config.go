package authcore

import (
	"errors"
	"strings"
	"time"

	"github.com/serplantas/authcore/internal/limiters"
)

// Config is the complete engine configuration. Start from DefaultConfig and
// override what differs; Build validates the result.
type Config struct {
	JWT      JWTConfig
	Password PasswordConfig
	TOTP     TOTPConfig
	Lockout  LockoutConfig
	Throttle ThrottleConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig covers access token signing and refresh family lifetime.
type JWTConfig struct {
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	KeyID         string
	PrivateKey    []byte
	PublicKey     []byte
	// RotationGrace is how long tokens signed by a retired key still verify.
	RotationGrace time.Duration
	Leeway        time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	MaxLength      int
	UpgradeOnLogin bool
}

/*
====================================
TOTP CONFIG
====================================
*/

type TOTPConfig struct {
	Issuer string
	Digits int
	Period uint
	// Skew is the number of adjacent steps accepted on each side.
	Skew uint
	// EnrollmentTTL bounds how long a pending enrollment may be confirmed.
	EnrollmentTTL        time.Duration
	ChallengeTTL         time.Duration
	ChallengeMaxAttempts int
	// EncryptionKey seals stored secrets with XChaCha20-Poly1305. 32 bytes.
	EncryptionKey []byte
}

/*
====================================
LOCKOUT / THROTTLE
====================================
*/

// LockoutConfig is the per-account attempt limiter policy. Threshold
// failures inside Window lock the account for BaseDuration, doubling on
// every consecutive lockout up to MaxDuration.
type LockoutConfig struct {
	Threshold    int
	Window       time.Duration
	BaseDuration time.Duration
	MaxDuration  time.Duration
}

// ThrottleConfig bounds failures for emails that match no account, so that
// unknown addresses lock out exactly like known ones.
type ThrottleConfig struct {
	MaxAttempts      int
	Window           time.Duration
	EnableIPThrottle bool
	IPMaxAttempts    int
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the production defaults. Signing keys and the TOTP
// encryption key have no default and must be supplied.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			Issuer:        "authcore",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			KeyID:         "k1",
			RotationGrace: 24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MinLength:      10,
			MaxLength:      128,
			UpgradeOnLogin: true,
		},
		TOTP: TOTPConfig{
			Issuer:               "authcore",
			Digits:               6,
			Period:               30,
			Skew:                 1,
			EnrollmentTTL:        10 * time.Minute,
			ChallengeTTL:         5 * time.Minute,
			ChallengeMaxAttempts: 5,
		},
		Lockout: LockoutConfig{
			Threshold:    5,
			Window:       15 * time.Minute,
			BaseDuration: 15 * time.Minute,
			MaxDuration:  24 * time.Hour,
		},
		Throttle: ThrottleConfig{
			MaxAttempts:   5,
			Window:        15 * time.Minute,
			IPMaxAttempts: 50,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.TOTP.EncryptionKey = cloneBytes(cfg.TOTP.EncryptionKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (c LockoutConfig) policy() limiters.AttemptPolicy {
	return limiters.AttemptPolicy{
		Threshold:    c.Threshold,
		Window:       c.Window,
		BaseDuration: c.BaseDuration,
		MaxDuration:  c.MaxDuration,
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// JWT
	if strings.TrimSpace(c.JWT.Issuer) == "" {
		return errors.New("JWT Issuer is required")
	}
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be > AccessTTL")
	}
	if c.JWT.RotationGrace < 0 {
		return errors.New("JWT RotationGrace must be >= 0")
	}
	if strings.TrimSpace(c.JWT.KeyID) == "" {
		return errors.New("JWT KeyID is required")
	}
	switch c.JWT.SigningMethod {
	case "ed25519", "hs256":
	default:
		return errors.New("unsupported JWT signing method")
	}
	if len(c.JWT.PrivateKey) == 0 {
		return errors.New("JWT PrivateKey is required")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 8 {
		return errors.New("Password MinLength must be >= 8")
	}
	if c.Password.MaxLength < c.Password.MinLength {
		return errors.New("Password MaxLength must be >= MinLength")
	}

	// TOTP
	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return errors.New("TOTP Issuer is required")
	}
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period == 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Skew > 2 {
		return errors.New("TOTP Skew must be <= 2")
	}
	if c.TOTP.EnrollmentTTL <= 0 {
		return errors.New("TOTP EnrollmentTTL must be > 0")
	}
	if c.TOTP.ChallengeTTL <= 0 {
		return errors.New("TOTP ChallengeTTL must be > 0")
	}
	if c.TOTP.ChallengeMaxAttempts < 1 {
		return errors.New("TOTP ChallengeMaxAttempts must be >= 1")
	}
	if len(c.TOTP.EncryptionKey) != 32 {
		return errors.New("TOTP EncryptionKey must be 32 bytes")
	}

	// Lockout / throttle
	if err := c.Lockout.policy().Validate(); err != nil {
		return err
	}
	if c.Throttle.MaxAttempts < 1 {
		return errors.New("Throttle MaxAttempts must be >= 1")
	}
	if c.Throttle.Window <= 0 {
		return errors.New("Throttle Window must be > 0")
	}
	if c.Throttle.EnableIPThrottle && c.Throttle.IPMaxAttempts < 1 {
		return errors.New("Throttle IPMaxAttempts must be >= 1 when IP throttle is enabled")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	return nil
}
