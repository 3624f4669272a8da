// ABOUTME: Shared enrollment secret checks for agents joining the gateway
// ABOUTME: The configured secret may be plaintext or a bcrypt hash

package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// IsBcryptHash reports whether a configured secret looks like a bcrypt hash.
func IsBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// CheckEnrollmentSecret compares a presented secret against the configured one.
func CheckEnrollmentSecret(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	if IsBcryptHash(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// HashEnrollmentSecret produces a bcrypt hash suitable for auth.enrollment_secret.
func HashEnrollmentSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
