package helpers

import (
	"fmt"
	"strings"
)

// NormalizeAddress lowercases and trims an email address. Membership
// and bounce-history lookups are keyed on the normalized form.
func NormalizeAddress(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SplitEmailAddress splits a normalized address into local part and domain.
func SplitEmailAddress(email string) (string, string, error) {
	email = NormalizeAddress(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("malformed email address: %q", email)
	}
	return email[:at], email[at+1:], nil
}

// ValidAddress reports whether the address has a local part and a domain.
func ValidAddress(email string) bool {
	_, _, err := SplitEmailAddress(email)
	return err == nil
}
