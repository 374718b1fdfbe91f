package authkit

import (
	"net/http"
	"strings"
	"time"
)

// RoleAdmin grants access to the access-control administration API.
const RoleAdmin = "admin"

// RoleViewer is assigned to every account.
const RoleViewer = "viewer"

// ServerConfig configures issuers, cookies, TTLs and administrator accounts.
type ServerConfig struct {
	GoogleWebClientID string
	AppJWTSigningKey  []byte
	AppJWTIssuer      string
	CookieDomain      string
	SessionCookieName string
	RefreshCookieName string
	SessionTTL        time.Duration
	RefreshTTL        time.Duration
	NonceTTL          time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	AdminEmails       []string
}

// GoogleSignInEnabled reports whether a Google Web client is configured.
func (configuration ServerConfig) GoogleSignInEnabled() bool {
	return strings.TrimSpace(configuration.GoogleWebClientID) != ""
}

// RolesForEmail returns the roles granted to an account email.
func RolesForEmail(adminEmails []string, userEmail string) []string {
	normalized := normalizeEmail(userEmail)
	for _, adminEmail := range adminEmails {
		if normalizeEmail(adminEmail) == normalized && normalized != "" {
			return []string{RoleViewer, RoleAdmin}
		}
	}
	return []string{RoleViewer}
}

func normalizeEmail(userEmail string) string {
	return strings.ToLower(strings.TrimSpace(userEmail))
}
