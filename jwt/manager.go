package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the token signature algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

const minHMACKeyBytes = 32

var (
	// ErrTokenInvalid covers bad signatures, unknown keys and malformed claims.
	ErrTokenInvalid = errors.New("invalid access token")
	// ErrTokenExpired is returned for well-signed tokens past exp.
	ErrTokenExpired = errors.New("access token expired")
)

// Key is one signing key. For ed25519, Private is a raw 64-byte key or PEM and
// Public may be omitted when Private is set. For hs256, Private is the shared
// secret and Public is ignored.
type Key struct {
	ID      string
	Private []byte
	Public  []byte
}

// Config controls token shape and validation.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	Key           Key
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	// RotationGrace is how long a retired key keeps verifying after Rotate.
	RotationGrace time.Duration
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Claims is the access token payload.
type Claims struct {
	AMR []string `json:"amr"`
	SID string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

type verifyKey struct {
	id     string
	sign   any
	verify any
}

type retiredKey struct {
	key   verifyKey
	until time.Time
}

type keyring struct {
	current verifyKey
	retired []retiredKey
}

// Manager is safe for concurrent use. The keyring is swapped atomically so
// Parse never blocks on Rotate.
type Manager struct {
	config Config
	ring   atomic.Pointer[keyring]
	now    func() time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if cfg.RotationGrace < 0 {
		return nil, errors.New("invalid rotation grace")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("issuer required")
	}
	if cfg.SigningMethod != MethodEd25519 && cfg.SigningMethod != MethodHS256 {
		return nil, errors.New("unsupported signing method")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{config: cfg, now: now}
	k, err := m.loadKey(cfg.Key)
	if err != nil {
		return nil, err
	}
	m.ring.Store(&keyring{current: k})
	m.config.Key = Key{ID: k.id}
	return m, nil
}

// Issue signs an access token for userID with the given factor list.
func (m *Manager) Issue(userID string, amr []string, sessionID string) (string, time.Time, error) {
	if userID == "" || len(amr) == 0 {
		return "", time.Time{}, errors.New("subject and amr required")
	}

	now := m.now()
	exp := now.Add(m.config.AccessTTL)
	claims := Claims{
		AMR: append([]string(nil), amr...),
		SID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	ring := m.ring.Load()
	token := jwt.NewWithClaims(m.method(), claims)
	token.Header["kid"] = ring.current.id

	signed, err := token.SignedString(ring.current.sign)
	if err != nil {
		return "", time.Time{}, err
	}
	// NumericDate truncates to seconds; report what the token says.
	return signed, claims.ExpiresAt.Time, nil
}

// Parse verifies signature, issuer, audience and expiry.
func (m *Manager) Parse(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	ring := m.ring.Load()
	now := m.now()
	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		k, ok := ring.lookup(kid, now)
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return k.verify, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" || len(claims.AMR) == 0 {
		return nil, fmt.Errorf("%w: missing subject or amr", ErrTokenInvalid)
	}
	if claims.IssuedAt == nil || claims.IssuedAt.Time.After(now.Add(m.config.MaxFutureIAT)) {
		return nil, fmt.Errorf("%w: missing or future iat", ErrTokenInvalid)
	}

	return claims, nil
}

// Rotate makes next the signing key. The outgoing key keeps verifying for
// RotationGrace. Retired keys past their deadline are dropped.
func (m *Manager) Rotate(next Key) error {
	k, err := m.loadKey(next)
	if err != nil {
		return err
	}

	now := m.now()
	for {
		old := m.ring.Load()
		if _, taken := old.lookup(k.id, now); taken {
			return fmt.Errorf("key id %q already in use", k.id)
		}

		ring := &keyring{current: k}
		if m.config.RotationGrace > 0 {
			ring.retired = append(ring.retired, retiredKey{key: old.current, until: now.Add(m.config.RotationGrace)})
		}
		for _, r := range old.retired {
			if now.Before(r.until) {
				ring.retired = append(ring.retired, r)
			}
		}

		if m.ring.CompareAndSwap(old, ring) {
			return nil
		}
	}
}

// KeyIDs lists the signing key followed by retired keys still in grace.
func (m *Manager) KeyIDs() []string {
	ring := m.ring.Load()
	now := m.now()
	ids := []string{ring.current.id}
	for _, r := range ring.retired {
		if now.Before(r.until) {
			ids = append(ids, r.key.id)
		}
	}
	return ids
}

// AccessTTL is the configured token lifetime.
func (m *Manager) AccessTTL() time.Duration {
	return m.config.AccessTTL
}

func (r *keyring) lookup(kid string, now time.Time) (verifyKey, bool) {
	if r.current.id == kid {
		return r.current, true
	}
	for _, old := range r.retired {
		if old.key.id == kid && now.Before(old.until) {
			return old.key, true
		}
	}
	return verifyKey{}, false
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (m *Manager) loadKey(k Key) (verifyKey, error) {
	id := strings.TrimSpace(k.ID)
	if id == "" {
		return verifyKey{}, errors.New("key id required")
	}

	switch m.config.SigningMethod {
	case MethodHS256:
		if len(k.Private) < minHMACKeyBytes {
			return verifyKey{}, fmt.Errorf("hs256 key must be at least %d bytes", minHMACKeyBytes)
		}
		secret := append([]byte(nil), k.Private...)
		return verifyKey{id: id, sign: secret, verify: secret}, nil
	default:
		priv, err := parseEdPrivateKey(k.Private)
		if err != nil {
			return verifyKey{}, err
		}
		pub := priv.Public().(ed25519.PublicKey)
		if len(k.Public) > 0 {
			given, err := parseEdPublicKey(k.Public)
			if err != nil {
				return verifyKey{}, err
			}
			if !given.Equal(pub) {
				return verifyKey{}, errors.New("ed25519 public key does not match private key")
			}
		}
		return verifyKey{id: id, sign: priv, verify: pub}, nil
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	if len(key) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
