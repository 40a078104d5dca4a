package password

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrWeak is wrapped by every policy violation.
var ErrWeak = errors.New("password does not meet policy")

// Policy describes the minimum strength accepted for new passwords.
// Lengths are measured in bytes of the raw input; no Unicode normalization
// is applied.
type Policy struct {
	MinLength      int
	MaxLength      int
	RequireLetter  bool
	RequireDigit   bool
	ForbidIdentity bool
}

func DefaultPolicy() Policy {
	return Policy{
		MinLength:      10,
		MaxLength:      128,
		RequireLetter:  true,
		RequireDigit:   true,
		ForbidIdentity: true,
	}
}

// Check returns nil when candidate satisfies the policy. identity is the
// account's email; a password containing its local part is rejected when
// ForbidIdentity is set.
func (p Policy) Check(candidate, identity string) error {
	if len(candidate) < p.MinLength {
		return fmt.Errorf("%w: must be at least %d bytes", ErrWeak, p.MinLength)
	}
	if p.MaxLength > 0 && len(candidate) > p.MaxLength {
		return fmt.Errorf("%w: must be at most %d bytes", ErrWeak, p.MaxLength)
	}
	if strings.TrimSpace(candidate) == "" {
		return fmt.Errorf("%w: blank", ErrWeak)
	}

	var letter, digit bool
	for _, r := range candidate {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if p.RequireLetter && !letter {
		return fmt.Errorf("%w: needs a letter", ErrWeak)
	}
	if p.RequireDigit && !digit {
		return fmt.Errorf("%w: needs a digit", ErrWeak)
	}

	if p.ForbidIdentity && identity != "" {
		local, _, _ := strings.Cut(strings.ToLower(identity), "@")
		if len(local) >= 4 && strings.Contains(strings.ToLower(candidate), local) {
			return fmt.Errorf("%w: contains account name", ErrWeak)
		}
	}
	return nil
}
