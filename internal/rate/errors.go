package rate

import "errors"

var (
	// ErrRateLimited is returned when a counter is at or past its budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps Redis transport failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
