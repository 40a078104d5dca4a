package session

import "time"

// Family is one refresh-token lineage. RefreshHash is the hash of the only
// refresh secret currently accepted for it.
type Family struct {
	// ID is the public session id. The secret family id the refresh token
	// carries maps onto it one way.
	ID          string
	UserID      string
	AMR         []string
	RefreshHash string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Rotation is what a successful rotate returns: the owner and factors of the
// family so the caller can mint a new access token without a user lookup.
type Rotation struct {
	UserID    string
	AMR       []string
	ExpiresAt time.Time
}
