package authcore

import (
	"net/mail"
	"strings"

	"github.com/serplantas/authcore/store"
)

const maxEmailLength = 254

// normalizeEmail validates a bare address and returns its canonical form.
// Display names ("Bob <bob@x>") and addresses without a dot in the domain are
// rejected.
func normalizeEmail(email string) (string, error) {
	normalized := store.NormalizeEmail(email)
	if normalized == "" || len(normalized) > maxEmailLength {
		return "", ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(normalized)
	if err != nil || addr.Name != "" || addr.Address != normalized {
		return "", ErrInvalidEmail
	}

	local, domain, ok := strings.Cut(normalized, "@")
	if !ok || local == "" || !strings.Contains(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", ErrInvalidEmail
	}
	return normalized, nil
}
