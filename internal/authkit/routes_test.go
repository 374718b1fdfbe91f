package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("token_not_found")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("audience_mismatch")
	}
	if result.err != nil {
		return nil, result.err
	}
	return result.payload, nil
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		GoogleWebClientID: "client-id",
		AppJWTSigningKey:  []byte("test-signing-key"),
		AppJWTIssuer:      "streamgate-test",
		SessionCookieName: "streamgate_session",
		RefreshCookieName: "streamgate_refresh",
		SessionTTL:        15 * time.Minute,
		RefreshTTL:        24 * time.Hour,
		NonceTTL:          time.Minute,
		SameSiteMode:      http.SameSiteStrictMode,
		AdminEmails:       []string{"admin@example.com"},
	}
}

type authTestEnvironment struct {
	config   ServerConfig
	clock    *controllableClock
	metrics  *CounterMetrics
	users    *MemoryUserStore
	refresh  *MemoryRefreshTokenStore
	nonces   NonceStore
	server   *httptest.Server
	verifier *fakeGoogleValidator
}

func newAuthTestEnvironment(t *testing.T, configure func(*ServerConfig)) *authTestEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	environment := &authTestEnvironment{
		config:   newTestServerConfig(),
		clock:    &controllableClock{current: time.Now().UTC()},
		metrics:  NewCounterMetrics(),
		refresh:  NewMemoryRefreshTokenStore(),
		verifier: &fakeGoogleValidator{results: map[string]validatorResult{}},
	}
	if configure != nil {
		configure(&environment.config)
	}
	environment.users = NewMemoryUserStore(environment.config.AdminEmails)

	ProvideClock(environment.clock)
	ProvideMetrics(environment.metrics)
	ProvideLogger(zaptest.NewLogger(t))
	ProvideGoogleTokenValidator(environment.verifier)
	t.Cleanup(func() {
		ProvideClock(nil)
		ProvideMetrics(nil)
		ProvideLogger(nil)
		ProvideGoogleTokenValidator(nil)
	})
	environment.nonces = NewMemoryNonceStore(environment.config.NonceTTL)

	router := gin.New()
	MountAuthRoutes(router, environment.config, environment.users, environment.refresh, environment.nonces)
	protected := router.Group("/api")
	protected.Use(RequireSession(environment.config))
	protected.GET("/ping", func(contextGin *gin.Context) {
		claims, _ := SessionClaims(contextGin)
		contextGin.JSON(http.StatusOK, gin.H{"email": claims.GetUserEmail()})
	})
	protected.GET("/admin", RequireRole(RoleAdmin), func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	environment.server = httptest.NewTLSServer(router)
	t.Cleanup(environment.server.Close)
	return environment
}

func (environment *authTestEnvironment) newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := environment.server.Client()
	client.Jar = jar
	return client
}

func postJSON(t *testing.T, client *http.Client, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	response, err := client.Post(url, "application/json", reader)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer response.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(response.Body).Decode(&payload)
	return response, payload
}

func getJSON(t *testing.T, client *http.Client, url string) (*http.Response, map[string]any) {
	t.Helper()
	response, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer response.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(response.Body).Decode(&payload)
	return response, payload
}

func cookieValue(client *http.Client, serverURL string, path string, name string) string {
	request, _ := http.NewRequest(http.MethodGet, serverURL+path, nil)
	for _, cookie := range client.Jar.Cookies(request.URL) {
		if cookie.Name == name {
			return cookie.Value
		}
	}
	return ""
}

func TestPasswordAuthLifecycle(t *testing.T) {
	environment := newAuthTestEnvironment(t, nil)
	client := environment.newClient(t)
	baseURL := environment.server.URL

	signUpResponse, signUpPayload := postJSON(t, client, baseURL+"/auth/signup", map[string]string{
		"email":        "Viewer@Example.com",
		"password":     "correct horse",
		"display_name": "Viewer",
	})
	if signUpResponse.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from signup, got %d (%v)", signUpResponse.StatusCode, signUpPayload)
	}
	if signUpPayload["user_email"] != "viewer@example.com" {
		t.Fatalf("unexpected signup payload %v", signUpPayload)
	}

	sessionResponse, sessionPayload := getJSON(t, client, baseURL+"/auth/session")
	if sessionResponse.StatusCode != http.StatusOK || sessionPayload["display"] != "Viewer" {
		t.Fatalf("expected session payload, got %d %v", sessionResponse.StatusCode, sessionPayload)
	}

	duplicateResponse, duplicatePayload := postJSON(t, client, baseURL+"/auth/signup", map[string]string{
		"email":    "viewer@example.com",
		"password": "correct horse",
	})
	if duplicateResponse.StatusCode != http.StatusConflict || duplicatePayload["error"] != "auth.user_exists" {
		t.Fatalf("expected 409 auth.user_exists, got %d %v", duplicateResponse.StatusCode, duplicatePayload)
	}

	weakResponse, weakPayload := postJSON(t, environment.newClient(t), baseURL+"/auth/signup", map[string]string{
		"email":    "weak@example.com",
		"password": "short",
	})
	if weakResponse.StatusCode != http.StatusBadRequest || weakPayload["error"] != "auth.weak_password" {
		t.Fatalf("expected 400 auth.weak_password, got %d %v", weakResponse.StatusCode, weakPayload)
	}

	wrongResponse, wrongPayload := postJSON(t, environment.newClient(t), baseURL+"/auth/signin", map[string]string{
		"email":    "viewer@example.com",
		"password": "wrong password",
	})
	if wrongResponse.StatusCode != http.StatusUnauthorized || wrongPayload["error"] != "auth.invalid_credentials" {
		t.Fatalf("expected 401 auth.invalid_credentials, got %d %v", wrongResponse.StatusCode, wrongPayload)
	}

	pingResponse, pingPayload := getJSON(t, client, baseURL+"/api/ping")
	if pingResponse.StatusCode != http.StatusOK || pingPayload["email"] != "viewer@example.com" {
		t.Fatalf("expected protected route to accept session, got %d %v", pingResponse.StatusCode, pingPayload)
	}
	adminResponse, _ := getJSON(t, client, baseURL+"/api/admin")
	if adminResponse.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", adminResponse.StatusCode)
	}

	originalRefresh := cookieValue(client, baseURL, "/auth", environment.config.RefreshCookieName)
	if originalRefresh == "" {
		t.Fatalf("expected refresh cookie scoped to /auth")
	}
	environment.clock.Advance(20 * time.Minute)
	expiredResponse, _ := getJSON(t, client, baseURL+"/auth/session")
	if expiredResponse.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected expired session to be rejected, got %d", expiredResponse.StatusCode)
	}

	refreshResponse, _ := postJSON(t, client, baseURL+"/auth/refresh", nil)
	if refreshResponse.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from refresh, got %d", refreshResponse.StatusCode)
	}
	rotatedRefresh := cookieValue(client, baseURL, "/auth", environment.config.RefreshCookieName)
	if rotatedRefresh == "" || rotatedRefresh == originalRefresh {
		t.Fatalf("expected refresh token rotation")
	}
	if _, _, _, err := environment.refresh.Validate(context.Background(), originalRefresh); !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Fatalf("expected rotated-out token to be revoked, got %v", err)
	}
	if refreshedSession, _ := getJSON(t, client, baseURL+"/auth/session"); refreshedSession.StatusCode != http.StatusOK {
		t.Fatalf("expected refreshed session, got %d", refreshedSession.StatusCode)
	}

	logoutResponse, _ := postJSON(t, client, baseURL+"/auth/logout", nil)
	if logoutResponse.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from logout, got %d", logoutResponse.StatusCode)
	}
	if afterLogout, _ := getJSON(t, client, baseURL+"/auth/session"); afterLogout.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected no session after logout, got %d", afterLogout.StatusCode)
	}
	if secondLogout, _ := postJSON(t, client, baseURL+"/auth/logout", nil); secondLogout.StatusCode != http.StatusNoContent {
		t.Fatalf("expected logout to be idempotent, got %d", secondLogout.StatusCode)
	}
	if _, _, _, err := environment.refresh.Validate(context.Background(), rotatedRefresh); !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Fatalf("expected logout to revoke the refresh token, got %v", err)
	}

	if count := environment.metrics.Count(metricAuthSignupSuccess); count != 1 {
		t.Fatalf("expected one signup success, got %d", count)
	}
	if count := environment.metrics.Count(metricAuthLoginFailure); count != 1 {
		t.Fatalf("expected one login failure, got %d", count)
	}
	if count := environment.metrics.Count(metricAuthRefreshSuccess); count != 1 {
		t.Fatalf("expected one refresh success, got %d", count)
	}
}

func TestGlobalLogoutRevokesEveryDevice(t *testing.T) {
	environment := newAuthTestEnvironment(t, nil)
	baseURL := environment.server.URL
	laptop := environment.newClient(t)
	phone := environment.newClient(t)

	credentials := map[string]string{"email": "admin@example.com", "password": "correct horse"}
	if response, payload := postJSON(t, laptop, baseURL+"/auth/signup", credentials); response.StatusCode != http.StatusCreated {
		t.Fatalf("signup failed: %d %v", response.StatusCode, payload)
	}
	if response, payload := postJSON(t, phone, baseURL+"/auth/signin", credentials); response.StatusCode != http.StatusOK {
		t.Fatalf("signin failed: %d %v", response.StatusCode, payload)
	}
	if adminResponse, _ := getJSON(t, phone, baseURL+"/api/admin"); adminResponse.StatusCode != http.StatusNoContent {
		t.Fatalf("expected admin role from admin_emails, got %d", adminResponse.StatusCode)
	}

	if response, _ := postJSON(t, laptop, baseURL+"/auth/logout?scope=global", nil); response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from global logout, got %d", response.StatusCode)
	}
	if response, _ := postJSON(t, phone, baseURL+"/auth/refresh", nil); response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected other device refresh to fail after global logout, got %d", response.StatusCode)
	}
	if response, payload := postJSON(t, laptop, baseURL+"/auth/logout?scope=global", nil); response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected anonymous global logout to be rejected, got %d %v", response.StatusCode, payload)
	}
	if response, payload := postJSON(t, laptop, baseURL+"/auth/logout?scope=everywhere", nil); response.StatusCode != http.StatusBadRequest || payload["error"] != "auth.logout.invalid_scope" {
		t.Fatalf("expected invalid scope rejection, got %d %v", response.StatusCode, payload)
	}
	if count := environment.metrics.Count(metricAuthLogoutGlobal); count != 1 {
		t.Fatalf("expected one global logout, got %d", count)
	}
}

func TestCredentialEndpointsRequireHTTPS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ProvideLogger(zaptest.NewLogger(t))
	defer ProvideLogger(nil)

	config := newTestServerConfig()
	router := gin.New()
	MountAuthRoutes(router, config, NewMemoryUserStore(nil), NewMemoryRefreshTokenStore(), nil)

	for _, path := range []string{"/auth/signup", "/auth/signin"} {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodPost, "http://streamgate.example"+path, bytes.NewReader([]byte(`{"email":"viewer@example.com","password":"correct horse"}`)))
		request.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 over plain http, got %d", path, recorder.Code)
		}
	}

	forwarded := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "http://streamgate.example/auth/signup", bytes.NewReader([]byte(`{"email":"viewer@example.com","password":"correct horse"}`)))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Forwarded-Proto", "https")
	router.ServeHTTP(forwarded, request)
	if forwarded.Code != http.StatusCreated {
		t.Fatalf("expected forwarded https to be accepted, got %d", forwarded.Code)
	}
}

func TestGoogleSignIn(t *testing.T) {
	environment := newAuthTestEnvironment(t, nil)
	baseURL := environment.server.URL
	verifiedClaims := func(nonce string) map[string]interface{} {
		return map[string]interface{}{
			"iss":            "https://accounts.google.com",
			"sub":            "sub-123",
			"email":          "Viewer@Example.com",
			"email_verified": true,
			"name":           "Google Viewer",
			"nonce":          nonce,
		}
	}
	client := environment.newClient(t)
	_, noncePayload := postJSON(t, client, baseURL+"/auth/nonce", nil)
	nonce, _ := noncePayload["nonce"].(string)
	if nonce == "" {
		t.Fatalf("expected nonce, got %v", noncePayload)
	}
	environment.verifier.results["valid-token"] = validatorResult{
		payload:          &idtoken.Payload{Claims: verifiedClaims(nonce)},
		expectedAudience: "client-id",
	}
	environment.verifier.results["wrong-issuer"] = validatorResult{
		payload: &idtoken.Payload{Claims: map[string]interface{}{"iss": "https://evil.example", "sub": "x", "email": "x@example.com", "email_verified": true}},
	}
	environment.verifier.results["unverified"] = validatorResult{
		payload: &idtoken.Payload{Claims: map[string]interface{}{"iss": "accounts.google.com", "sub": "x", "email": "x@example.com", "email_verified": false}},
	}

	testCases := []struct {
		name          string
		body          map[string]string
		expectedCode  int
		expectedError string
	}{
		{name: "missing token", body: map[string]string{}, expectedCode: http.StatusBadRequest, expectedError: "auth.invalid_json"},
		{name: "unknown token", body: map[string]string{"google_id_token": "forged"}, expectedCode: http.StatusUnauthorized, expectedError: "auth.invalid_google_token"},
		{name: "wrong issuer", body: map[string]string{"google_id_token": "wrong-issuer"}, expectedCode: http.StatusUnauthorized, expectedError: "auth.invalid_issuer"},
		{name: "unverified email", body: map[string]string{"google_id_token": "unverified"}, expectedCode: http.StatusUnauthorized, expectedError: "auth.unverified_identity"},
		{name: "mismatched nonce", body: map[string]string{"google_id_token": "valid-token", "nonce": "other"}, expectedCode: http.StatusUnauthorized, expectedError: "auth.invalid_nonce"},
	}
	for _, testCase := range testCases {
		response, payload := postJSON(t, environment.newClient(t), baseURL+"/auth/google", testCase.body)
		if response.StatusCode != testCase.expectedCode || payload["error"] != testCase.expectedError {
			t.Fatalf("%s: expected %d %s, got %d %v", testCase.name, testCase.expectedCode, testCase.expectedError, response.StatusCode, payload)
		}
	}

	response, payload := postJSON(t, client, baseURL+"/auth/google", map[string]string{"google_id_token": "valid-token", "nonce": nonce})
	if response.StatusCode != http.StatusOK || payload["user_email"] != "viewer@example.com" {
		t.Fatalf("expected google sign-in, got %d %v", response.StatusCode, payload)
	}
	if sessionResponse, _ := getJSON(t, client, baseURL+"/auth/session"); sessionResponse.StatusCode != http.StatusOK {
		t.Fatalf("expected session after google sign-in, got %d", sessionResponse.StatusCode)
	}
	if replay, replayPayload := postJSON(t, client, baseURL+"/auth/google", map[string]string{"google_id_token": "valid-token", "nonce": nonce}); replay.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected nonce replay to fail, got %d %v", replay.StatusCode, replayPayload)
	}
}

func TestGoogleRoutesAbsentWithoutClientID(t *testing.T) {
	environment := newAuthTestEnvironment(t, func(config *ServerConfig) {
		config.GoogleWebClientID = ""
	})
	response, _ := postJSON(t, environment.newClient(t), environment.server.URL+"/auth/google", map[string]string{"google_id_token": "token"})
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without google client id, got %d", response.StatusCode)
	}
}

func TestRequireSessionIssuerMismatch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	config := newTestServerConfig()
	token, _, err := MintAppJWT(NewSystemClock(), "user-1", "viewer@example.com", "Viewer", []string{RoleViewer}, "other-issuer", config.AppJWTSigningKey, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	router := gin.New()
	router.GET("/protected", RequireSession(config), func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.AddCookie(&http.Cookie{Name: config.SessionCookieName, Value: token})
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for issuer mismatch, got %d", recorder.Code)
	}
}
