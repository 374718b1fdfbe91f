package authkit

import (
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// passwordHashCost is lowered by tests.
var passwordHashCost = bcrypt.DefaultCost

func validateEmail(userEmail string) (string, error) {
	normalized := normalizeEmail(userEmail)
	if normalized == "" {
		return "", ErrInvalidEmail
	}
	parsed, parseErr := mail.ParseAddress(normalized)
	if parseErr != nil || parsed.Address != normalized {
		return "", ErrInvalidEmail
	}
	return normalized, nil
}

func hashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	hashed, hashErr := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if hashErr != nil {
		return "", fmt.Errorf("user_store.hash: %w", hashErr)
	}
	return string(hashed), nil
}

func passwordMatches(passwordHash string, password string) bool {
	if strings.TrimSpace(passwordHash) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) == nil
}

func displayNameOrEmail(userDisplayName string, userEmail string) string {
	if trimmed := strings.TrimSpace(userDisplayName); trimmed != "" {
		return trimmed
	}
	if at := strings.Index(userEmail, "@"); at > 0 {
		return userEmail[:at]
	}
	return userEmail
}
