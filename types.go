package authcore

import (
	"slices"
	"time"
)

// Authentication method names carried in the amr claim, in the order the
// factors were satisfied.
const (
	AMRPassword = "password"
	AMRTOTP     = "totp"
)

// TokenPair is returned on every successful authentication or refresh.
// It is never persisted.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// LoginResult is either a TokenPair or a pending second-factor challenge.
// Exactly one of Tokens and ChallengeID is set.
type LoginResult struct {
	Tokens               *TokenPair `json:"tokens,omitempty"`
	SecondFactorRequired bool       `json:"second_factor_required"`
	ChallengeID          string     `json:"challenge_id,omitempty"`
	ChallengeExpiresAt   time.Time  `json:"challenge_expires_at,omitempty"`
}

// TOTPEnrollment is handed to the user once, when enrollment begins.
type TOTPEnrollment struct {
	Secret    string    `json:"secret"`
	URI       string    `json:"uri"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Identity is the verified content of an access token.
type Identity struct {
	UserID    string    `json:"user_id"`
	AMR       []string  `json:"amr"`
	SessionID string    `json:"session_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Session describes one live refresh family of a user.
type Session struct {
	ID        string    `json:"id"`
	AMR       []string  `json:"amr"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasFactor reports whether method appears in the token's amr.
func (i *Identity) HasFactor(method string) bool {
	return i != nil && slices.Contains(i.AMR, method)
}
