package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// FamilyID identifies a refresh-token family: every token produced by
// rotating one login shares it.
type FamilyID [16]byte

const (
	refreshSecretSize   = 32
	refreshTokenRawSize = len(FamilyID{}) + refreshSecretSize
	challengeIDSize     = 32
)

var ErrMalformedToken = errors.New("malformed opaque token")

func NewFamilyID() (FamilyID, error) {
	var id FamilyID
	_, err := rand.Read(id[:])
	return id, err
}

func (f FamilyID) String() string {
	return base64.RawURLEncoding.EncodeToString(f[:])
}

// SessionID is the public handle of the family. Access tokens and audit
// events carry it; the family id itself only travels inside refresh tokens,
// so a leaked access token is not enough to forge one.
func (f FamilyID) SessionID() string {
	h := sha256.New()
	h.Write([]byte("authcore/session/v1"))
	h.Write(f[:])
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)[:len(f)])
}

func ParseFamilyID(s string) (FamilyID, error) {
	var id FamilyID
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, ErrMalformedToken
	}
	copy(id[:], raw)
	return id, nil
}

// RefreshSecret is the per-rotation random part of a refresh token. Only its
// hash is persisted.
type RefreshSecret [refreshSecretSize]byte

func NewRefreshSecret() (RefreshSecret, error) {
	var s RefreshSecret
	_, err := rand.Read(s[:])
	return s, err
}

// Hash returns the hex SHA-256 digest stored server side.
func (s RefreshSecret) Hash() string {
	sum := sha256.Sum256(s[:])
	return hex.EncodeToString(sum[:])
}

// EncodeRefreshToken packs family id and secret into one base64url string.
func EncodeRefreshToken(family FamilyID, secret RefreshSecret) string {
	var raw [refreshTokenRawSize]byte
	copy(raw[:len(family)], family[:])
	copy(raw[len(family):], secret[:])
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

func DecodeRefreshToken(token string) (FamilyID, RefreshSecret, error) {
	var (
		family FamilyID
		secret RefreshSecret
	)
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != refreshTokenRawSize {
		return family, secret, ErrMalformedToken
	}
	copy(family[:], raw[:len(family)])
	copy(secret[:], raw[len(family):])
	return family, secret, nil
}

// NewChallengeID returns an unguessable login challenge identifier.
func NewChallengeID() (string, error) {
	var raw [challengeIDSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// ValidChallengeID rejects ids that could not have been produced by
// NewChallengeID, so garbage never reaches the backend.
func ValidChallengeID(id string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	return err == nil && len(raw) == challengeIDSize
}
