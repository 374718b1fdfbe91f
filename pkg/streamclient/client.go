// Package streamclient talks to the streamgate server over HTTP. A Client is
// the identity provider, the access record reader and the change feed that a
// statussync.Engine needs.
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/streamgate/pkg/sessionvalidator"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap"
)

var (
	ErrInvalidBaseURL  = errors.New("streamclient.config.invalid_base_url")
	ErrUnauthenticated = errors.New("streamclient.unauthenticated")
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultReconnectDelay = 3 * time.Second
)

// APIError is a non-success answer from the server.
type APIError struct {
	StatusCode int
	Code       string
}

func (apiError *APIError) Error() string {
	return fmt.Sprintf("streamclient.api.%s (status %d)", apiError.Code, apiError.StatusCode)
}

// Is matches ErrUnauthenticated for 401 answers.
func (apiError *APIError) Is(target error) bool {
	return target == ErrUnauthenticated && apiError.StatusCode == http.StatusUnauthorized
}

// Config configures a Client.
type Config struct {
	BaseURL           string
	HTTPClient        *http.Client
	SessionCookieName string
	ReconnectDelay    time.Duration
	Logger            *zap.Logger
}

// Client is an HTTP client for the streamgate server. Cookies are kept in the
// HTTP client's jar.
type Client struct {
	baseURL           *url.URL
	httpClient        *http.Client
	sessionCookieName string
	reconnectDelay    time.Duration
	logger            *zap.Logger
}

// New constructs a Client. A cookie jar is installed when the HTTP client has none.
func New(configuration Config) (*Client, error) {
	parsed, parseErr := url.Parse(strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/"))
	if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("streamclient.new: %w", ErrInvalidBaseURL)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if httpClient.Jar == nil {
		jar, jarErr := cookiejar.New(nil)
		if jarErr != nil {
			return nil, fmt.Errorf("streamclient.new.jar: %w", jarErr)
		}
		httpClient.Jar = jar
	}
	sessionCookieName := configuration.SessionCookieName
	if strings.TrimSpace(sessionCookieName) == "" {
		sessionCookieName = sessionvalidator.DefaultCookieName
	}
	reconnectDelay := configuration.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:           parsed,
		httpClient:        httpClient,
		sessionCookieName: sessionCookieName,
		reconnectDelay:    reconnectDelay,
		logger:            logger,
	}, nil
}

type sessionPayload struct {
	UserID      string    `json:"user_id"`
	UserEmail   string    `json:"user_email"`
	DisplayName string    `json:"display"`
	Roles       []string  `json:"roles"`
	ExpiresAt   time.Time `json:"expires"`
}

// SignUp creates an account and signs it in.
func (client *Client) SignUp(ctx context.Context, email string, password string, displayName string) (statussync.SessionState, error) {
	var payload sessionPayload
	if err := client.do(ctx, http.MethodPost, "/auth/signup", map[string]string{
		"email":        email,
		"password":     password,
		"display_name": displayName,
	}, &payload); err != nil {
		return statussync.SessionState{}, err
	}
	return client.sessionState(payload), nil
}

// SignIn signs in with email and password.
func (client *Client) SignIn(ctx context.Context, email string, password string) (statussync.SessionState, error) {
	var payload sessionPayload
	if err := client.do(ctx, http.MethodPost, "/auth/signin", map[string]string{
		"email":    email,
		"password": password,
	}, &payload); err != nil {
		return statussync.SessionState{}, err
	}
	return client.sessionState(payload), nil
}

// SignOut ends this session, or every session of the user for SignOutGlobal.
func (client *Client) SignOut(ctx context.Context, scope statussync.SignOutScope) error {
	if scope == "" {
		scope = statussync.SignOutLocal
	}
	return client.do(ctx, http.MethodPost, "/auth/logout?scope="+url.QueryEscape(string(scope)), nil, nil)
}

// GetSession returns the current session. An anonymous client gets an empty state.
func (client *Client) GetSession(ctx context.Context) (statussync.SessionState, error) {
	var payload sessionPayload
	err := client.do(ctx, http.MethodGet, "/auth/session", nil, &payload)
	if errors.Is(err, ErrUnauthenticated) {
		return statussync.SessionState{}, nil
	}
	if err != nil {
		return statussync.SessionState{}, err
	}
	return client.sessionState(payload), nil
}

// RefreshSession rotates the refresh token and returns the renewed session.
func (client *Client) RefreshSession(ctx context.Context) (statussync.SessionState, error) {
	if err := client.do(ctx, http.MethodPost, "/auth/refresh", nil, nil); err != nil {
		return statussync.SessionState{}, err
	}
	return client.GetSession(ctx)
}

// GetUser returns the signed-in user or nil.
func (client *Client) GetUser(ctx context.Context) (*statussync.User, error) {
	state, err := client.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	return state.User, nil
}

// GetRecordByEmail reads the caller's latest access record. The server scopes
// reads to the session, so a record for any other email is a query error.
func (client *Client) GetRecordByEmail(ctx context.Context, email string) statussync.LookupResult {
	var record AccessRecord
	err := client.do(ctx, http.MethodGet, "/api/access/me", nil, &record)
	var apiError *APIError
	switch {
	case err == nil:
	case errors.As(err, &apiError) && apiError.StatusCode == http.StatusNotFound:
		return statussync.NotFound()
	default:
		client.logger.Warn("access lookup failed",
			zap.String("code", "streamclient.access.query_error"),
			zap.String("email", statussync.NormalizeEmail(email)),
			zap.Error(err))
		return statussync.QueryError("access lookup failed")
	}
	if statussync.NormalizeEmail(record.Email) != statussync.NormalizeEmail(email) {
		client.logger.Warn("access record for another account",
			zap.String("code", "streamclient.access.email_mismatch"),
			zap.String("email", statussync.NormalizeEmail(email)))
		return statussync.QueryError("access record belongs to another account")
	}
	return statussync.Found(record.ControlRecord())
}

func (client *Client) sessionState(payload sessionPayload) statussync.SessionState {
	if payload.UserID == "" {
		return statussync.SessionState{}
	}
	return statussync.SessionState{
		Session: &statussync.Session{
			AccessToken: client.sessionCookie(),
			ExpiresAt:   payload.ExpiresAt,
		},
		User: &statussync.User{
			ID:          payload.UserID,
			Email:       payload.UserEmail,
			DisplayName: payload.DisplayName,
		},
	}
}

func (client *Client) sessionCookie() string {
	for _, cookie := range client.httpClient.Jar.Cookies(client.baseURL) {
		if cookie.Name == client.sessionCookieName {
			return cookie.Value
		}
	}
	return ""
}

func (client *Client) endpoint(path string) string {
	return client.baseURL.String() + path
}

func (client *Client) do(ctx context.Context, method string, path string, body any, target any) error {
	var reader io.Reader
	if body != nil {
		encoded, encodeErr := json.Marshal(body)
		if encodeErr != nil {
			return fmt.Errorf("streamclient.encode: %w", encodeErr)
		}
		reader = bytes.NewReader(encoded)
	}
	request, requestErr := http.NewRequestWithContext(ctx, method, client.endpoint(path), reader)
	if requestErr != nil {
		return fmt.Errorf("streamclient.request: %w", requestErr)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return fmt.Errorf("streamclient.transport: %w", doErr)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeAPIError(response)
	}
	if target == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("streamclient.decode: %w", err)
	}
	return nil
}

func decodeAPIError(response *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(response.Body, 64<<10)).Decode(&payload)
	code := strings.TrimSpace(payload.Error)
	if code == "" {
		code = "http_" + strings.ReplaceAll(strings.ToLower(http.StatusText(response.StatusCode)), " ", "_")
	}
	return &APIError{StatusCode: response.StatusCode, Code: code}
}
