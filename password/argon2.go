package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	algorithmID           = "argon2id"
)

var errMalformedHash = errors.New("malformed password hash")

// Config holds Argon2id cost parameters.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig follows the OWASP Argon2id baseline (64 MiB, t=3, p=2).
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher is safe for concurrent use.
type Hasher struct {
	config Config
	// decoy is verified against when the stored hash is unusable.
	decoy       phc
	derivations atomic.Uint64
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func New(cfg Config) (*Hasher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	decoySalt := make([]byte, cfg.SaltLength)
	if _, err := io.ReadFull(rand.Reader, decoySalt); err != nil {
		return nil, err
	}

	return &Hasher{
		config: cfg,
		decoy: phc{
			memory:      cfg.Memory,
			time:        cfg.Time,
			parallelism: cfg.Parallelism,
			salt:        decoySalt,
			key:         make([]byte, cfg.KeyLength),
		},
	}, nil
}

// Hash derives a PHC-encoded Argon2id hash with a fresh random salt.
// Policy checks are the caller's concern; any input is hashed as given.
func (h *Hasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	p := phc{
		memory:      h.config.Memory,
		time:        h.config.Time,
		parallelism: h.config.Parallelism,
		salt:        salt,
	}
	p.key = h.derive(p, plaintext, h.config.KeyLength)

	return p.String(), nil
}

// Verify reports whether plaintext matches encoded.
func (h *Hasher) Verify(plaintext, encoded string) bool {
	p, err := parsePHC(encoded)
	if err != nil {
		h.burn(plaintext)
		return false
	}

	computed := h.derive(p, plaintext, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(computed, p.key) == 1
}

// VerifyDecoy spends the same work as Verify against an unknown account.
// It always returns false.
func (h *Hasher) VerifyDecoy(plaintext string) bool {
	h.burn(plaintext)
	return false
}

// NeedsRehash reports whether encoded was produced with weaker parameters
// than the hasher's current configuration. Malformed input reports false.
func (h *Hasher) NeedsRehash(encoded string) bool {
	p, err := parsePHC(encoded)
	if err != nil {
		return false
	}
	return h.config.Memory > p.memory ||
		h.config.Time > p.time ||
		h.config.Parallelism > p.parallelism ||
		h.config.KeyLength != uint32(len(p.key))
}

// Derivations returns how many Argon2id derivations the hasher has run.
func (h *Hasher) Derivations() uint64 {
	return h.derivations.Load()
}

func (h *Hasher) burn(plaintext string) {
	computed := h.derive(h.decoy, plaintext, uint32(len(h.decoy.key)))
	subtle.ConstantTimeCompare(computed, h.decoy.key)
}

func (h *Hasher) derive(p phc, plaintext string, keyLen uint32) []byte {
	h.derivations.Add(1)
	return argon2.IDKey([]byte(plaintext), p.salt, p.time, p.memory, p.parallelism, keyLen)
}

func (p phc) String() string {
	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		p.memory,
		p.time,
		p.parallelism,
		base64.RawStdEncoding.EncodeToString(p.salt),
		base64.RawStdEncoding.EncodeToString(p.key),
	)
}

func parsePHC(encoded string) (phc, error) {
	var p phc

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return p, errMalformedHash
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return p, errMalformedHash
	}
	if err := p.parseParams(parts[3]); err != nil {
		return p, err
	}

	salt, err := decodeB64(parts[4])
	if err != nil || len(salt) < int(minSaltLength) {
		return p, errMalformedHash
	}
	key, err := decodeB64(parts[5])
	if err != nil || len(key) < int(minKeyLength) {
		return p, errMalformedHash
	}

	p.salt = salt
	p.key = key
	return p, nil
}

func (p *phc) parseParams(part string) error {
	var seen [3]bool
	for _, pair := range strings.Split(part, ",") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return errMalformedHash
		}
		switch name {
		case "m":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil || uint32(v) < minMemoryKB {
				return errMalformedHash
			}
			p.memory, seen[0] = uint32(v), true
		case "t":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil || uint32(v) < minTimeCost {
				return errMalformedHash
			}
			p.time, seen[1] = uint32(v), true
		case "p":
			v, err := strconv.ParseUint(value, 10, 8)
			if err != nil || uint8(v) < minParallelism {
				return errMalformedHash
			}
			p.parallelism, seen[2] = uint8(v), true
		default:
			return errMalformedHash
		}
	}
	if !seen[0] || !seen[1] || !seen[2] {
		return errMalformedHash
	}
	return nil
}

// decodeB64 accepts both padded and unpadded standard base64.
func decodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Validate rejects parameters below the package floor.
func (c Config) Validate() error {
	switch {
	case c.Memory < minMemoryKB:
		return errors.New("password memory must be >= 8192 KB")
	case c.Time < minTimeCost:
		return errors.New("password time must be >= 1")
	case c.Parallelism < minParallelism:
		return errors.New("password parallelism must be >= 1")
	case c.SaltLength < minSaltLength:
		return errors.New("password salt length must be >= 16")
	case c.KeyLength < minKeyLength:
		return errors.New("password key length must be >= 16")
	}
	return nil
}
