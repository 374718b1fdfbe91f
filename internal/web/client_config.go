package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamgate/pkg/statussync"
)

// ClientConfig contains the values a client needs to run the synchronization engine.
type ClientConfig struct {
	GoogleClientID string
	BaseURL        string
	PollInterval   time.Duration
	DebounceWindow time.Duration
}

// ServeClientConfig emits the client bootstrap payload.
func ServeClientConfig(contextGin *gin.Context, configuration ClientConfig) {
	baseURL := configuration.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		scheme := forwardedProto(contextGin.Request)
		host := contextGin.Request.Host
		if host == "" {
			host = "localhost"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, host)
	}
	pollInterval := configuration.PollInterval
	if pollInterval <= 0 {
		pollInterval = statussync.DefaultPollInterval
	}
	debounceWindow := configuration.DebounceWindow
	if debounceWindow <= 0 {
		debounceWindow = statussync.DefaultDebounceWindow
	}

	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.JSON(http.StatusOK, gin.H{
		"google_client_id":      configuration.GoogleClientID,
		"base_url":              strings.TrimRight(baseURL, "/"),
		"sign_in_route":         statussync.RouteSignIn,
		"sign_up_route":         RouteSignUp,
		"auth_token_key":        statussync.AuthTokenKey,
		"poll_interval_seconds": int(pollInterval / time.Second),
		"debounce_seconds":      int(debounceWindow / time.Second),
	})
}

func forwardedProto(request *http.Request) string {
	if request == nil {
		return "https"
	}
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return headerValue
	}
	if request.TLS != nil {
		return "https"
	}
	if request.URL != nil && request.URL.Scheme != "" {
		return request.URL.Scheme
	}
	return "http"
}
