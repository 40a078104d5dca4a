// Package totp generates and verifies RFC 6238 time-based one-time passwords.
//
// Secret generation, provisioning URIs and per-step code derivation are
// delegated to github.com/pquerna/otp. Verification is done here because the
// caller needs the matched time step back: accepting a code advances the
// account's last-used step, and any code at or before that step is refused.
package totp

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var (
	// ErrInvalidSecret is returned for secrets that are not valid base32.
	ErrInvalidSecret = errors.New("invalid totp secret")
	// ErrInvalidConfig is returned by New for unusable parameters.
	ErrInvalidConfig = errors.New("invalid totp config")
)

// Config holds the RFC 6238 parameters shared by every account.
type Config struct {
	Issuer string
	// Digits is 6 or 8.
	Digits int
	// Period is the step length in seconds.
	Period uint
	// Skew is the number of adjacent steps accepted on each side.
	Skew uint
	// Algorithm is SHA1, SHA256 or SHA512.
	Algorithm string
	// SecretSize is the raw secret length in bytes, at least 20.
	SecretSize uint
}

func DefaultConfig() Config {
	return Config{
		Issuer:     "authcore",
		Digits:     6,
		Period:     30,
		Skew:       1,
		Algorithm:  "SHA1",
		SecretSize: 20,
	}
}

// Engine is stateless and safe for concurrent use.
type Engine struct {
	cfg  Config
	opts totp.ValidateOpts
}

// Key is a freshly provisioned secret.
type Key struct {
	// Secret is the unpadded base32 shared secret.
	Secret string
	// URI is the otpauth:// provisioning URI for QR rendering.
	URI string
}

func New(cfg Config) (*Engine, error) {
	if cfg.Digits != 6 && cfg.Digits != 8 {
		return nil, fmt.Errorf("%w: digits must be 6 or 8", ErrInvalidConfig)
	}
	if cfg.Period == 0 {
		return nil, fmt.Errorf("%w: period must be positive", ErrInvalidConfig)
	}
	if cfg.Skew > 2 {
		return nil, fmt.Errorf("%w: skew must be <= 2", ErrInvalidConfig)
	}
	if cfg.SecretSize < 20 {
		return nil, fmt.Errorf("%w: secret must be at least 160 bits", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, fmt.Errorf("%w: issuer required", ErrInvalidConfig)
	}
	alg, err := parseAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg: cfg,
		opts: totp.ValidateOpts{
			Period:    cfg.Period,
			Skew:      cfg.Skew,
			Digits:    otp.Digits(cfg.Digits),
			Algorithm: alg,
		},
	}, nil
}

// GenerateSecret creates a random secret for account and its provisioning URI.
func (e *Engine) GenerateSecret(account string) (Key, error) {
	if strings.TrimSpace(account) == "" {
		return Key{}, errors.New("totp account name required")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.cfg.Issuer,
		AccountName: account,
		Period:      e.cfg.Period,
		SecretSize:  e.cfg.SecretSize,
		Digits:      e.opts.Digits,
		Algorithm:   e.opts.Algorithm,
	})
	if err != nil {
		return Key{}, err
	}
	return Key{Secret: key.Secret(), URI: key.URL()}, nil
}

// Step returns the RFC 6238 counter for t.
func (e *Engine) Step(t time.Time) int64 {
	return t.Unix() / int64(e.cfg.Period)
}

// Code returns the code for the step containing t.
func (e *Engine) Code(secret string, t time.Time) (string, error) {
	return e.codeAt(secret, e.Step(t))
}

// Verify checks code against the steps within the skew window around t.
// Steps at or below lastStep are never accepted; pass 0 when the account has
// no history. On success the matched step is returned so the caller can
// persist it as the new lastStep.
func (e *Engine) Verify(secret, code string, t time.Time, lastStep int64) (int64, bool, error) {
	code = normalizeCode(code)
	if !e.wellFormed(code) {
		return 0, false, nil
	}

	current := e.Step(t)
	skew := int64(e.cfg.Skew)

	var matched int64
	ok := 0
	for offset := -skew; offset <= skew; offset++ {
		step := current + offset
		if step < 0 {
			continue
		}
		candidate, err := e.codeAt(secret, step)
		if err != nil {
			return 0, false, err
		}
		// Every window slot is compared even after a hit.
		eq := subtle.ConstantTimeCompare([]byte(candidate), []byte(code))
		if eq == 1 && step > lastStep && step > matched {
			matched = step
			ok = 1
		}
	}

	return matched, ok == 1, nil
}

func (e *Engine) codeAt(secret string, step int64) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, time.Unix(step*int64(e.cfg.Period), 0), e.opts)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return code, nil
}

func (e *Engine) wellFormed(code string) bool {
	if len(code) != e.cfg.Digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// normalizeCode strips the grouping spaces authenticator apps display.
func normalizeCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), " ", "")
}

func parseAlgorithm(name string) (otp.Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "SHA1":
		return otp.AlgorithmSHA1, nil
	case "SHA256":
		return otp.AlgorithmSHA256, nil
	case "SHA512":
		return otp.AlgorithmSHA512, nil
	default:
		return 0, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidConfig, name)
	}
}
