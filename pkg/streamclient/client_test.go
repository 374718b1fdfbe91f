package streamclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamgate/internal/access"
	"github.com/tyemirov/streamgate/internal/authkit"
	"github.com/tyemirov/streamgate/internal/web"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap/zaptest"
)

const (
	testAdminEmail  = "admin@example.com"
	testViewerEmail = "viewer@example.com"
	testPassword    = "correct horse battery"
)

type streamServer struct {
	server *httptest.Server
	hub    *access.ChangeHub
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	configuration := authkit.ServerConfig{
		AppJWTSigningKey:  []byte("streamclient-test-signing-key-0123456789"),
		AppJWTIssuer:      "streamgate",
		SessionCookieName: "streamgate_session",
		RefreshCookieName: "streamgate_refresh",
		SessionTTL:        15 * time.Minute,
		RefreshTTL:        24 * time.Hour,
		NonceTTL:          time.Minute,
		SameSiteMode:      http.SameSiteStrictMode,
		AdminEmails:       []string{testAdminEmail},
	}
	hub := access.NewChangeHub(logger)
	store := access.NewNotifyingStore(access.NewMemoryStore(logger), hub, "api")

	router := gin.New()
	authkit.MountAuthRoutes(router, configuration,
		authkit.NewMemoryUserStore(configuration.AdminEmails),
		authkit.NewMemoryRefreshTokenStore(),
		authkit.NewMemoryNonceStore(configuration.NonceTTL))
	api := router.Group("/api", authkit.RequireSession(configuration))
	web.NewAccessHandlers(store, hub, logger).Mount(api)
	router.GET("/api/config", func(contextGin *gin.Context) {
		web.ServeClientConfig(contextGin, web.ClientConfig{
			PollInterval:   10 * time.Second,
			DebounceWindow: 2 * time.Second,
		})
	})

	server := httptest.NewTLSServer(router)
	t.Cleanup(func() {
		server.Close()
		hub.Close()
	})
	return &streamServer{server: server, hub: hub}
}

func (environment *streamServer) newClient(t *testing.T) *Client {
	t.Helper()
	httpClient := *environment.server.Client()
	httpClient.Jar = nil
	client, err := New(Config{
		BaseURL:        environment.server.URL + "/",
		HTTPClient:     &httpClient,
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func (environment *streamServer) waitForSubscribers(t *testing.T, expected int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if environment.hub.Stats().Subscribers >= expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d change stream subscribers, have %d", expected, environment.hub.Stats().Subscribers)
}

func suspend(t *testing.T, admin *Client, email string, reason string) AccessRecord {
	t.Helper()
	record, err := admin.PutAccess(context.Background(), email, AccessUpdate{
		Status:           string(statussync.StatusSuspended),
		SuspensionReason: reason,
	})
	if err != nil {
		t.Fatalf("suspend %s: %v", email, err)
	}
	return record
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	t.Parallel()
	for _, baseURL := range []string{"", "not a url", "/relative/path", "https://"} {
		if _, err := New(Config{BaseURL: baseURL}); !errors.Is(err, ErrInvalidBaseURL) {
			t.Fatalf("base URL %q: expected ErrInvalidBaseURL, got %v", baseURL, err)
		}
	}
}

func TestClientSessionAndAccessLookup(t *testing.T) {
	environment := newStreamServer(t)
	ctx := context.Background()
	viewer := environment.newClient(t)
	admin := environment.newClient(t)

	anonymous, err := viewer.GetSession(ctx)
	if err != nil || anonymous.IsAuthed() {
		t.Fatalf("expected anonymous session, got %+v err=%v", anonymous, err)
	}

	state, err := viewer.SignUp(ctx, testViewerEmail, testPassword, "Viewer")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if state.Email() != testViewerEmail || state.Session == nil || state.Session.AccessToken == "" {
		t.Fatalf("unexpected session state %+v", state)
	}
	if _, err := admin.SignUp(ctx, testAdminEmail, testPassword, "Admin"); err != nil {
		t.Fatalf("admin sign up: %v", err)
	}

	if result := viewer.GetRecordByEmail(ctx, testViewerEmail); result.Kind() != statussync.LookupNotFound {
		t.Fatalf("expected not found before any record, got %s", result.Kind())
	}

	suspend(t, admin, testViewerEmail, "Chargeback on file")

	result := viewer.GetRecordByEmail(ctx, " Viewer@Example.com ")
	record, found := result.Record()
	if !found || record.Status != statussync.StatusSuspended || record.CanAccess {
		t.Fatalf("expected suspended record, got %s %+v", result.Kind(), record)
	}
	if decision := statussync.DecideFromLookup(testViewerEmail, result); !decision.IsSuspended || decision.SuspensionReason != "Chargeback on file" {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if other := viewer.GetRecordByEmail(ctx, "someone@example.com"); other.Kind() != statussync.LookupQueryError {
		t.Fatalf("expected query error for a foreign email, got %s", other.Kind())
	}

	history, err := admin.GetAccess(ctx, testViewerEmail)
	if err != nil || len(history.History) != 1 || history.Record.Email != testViewerEmail {
		t.Fatalf("unexpected admin history %+v err=%v", history, err)
	}

	_, forbiddenErr := viewer.PutAccess(ctx, testAdminEmail, AccessUpdate{Status: "suspended"})
	var apiError *APIError
	if !errors.As(forbiddenErr, &apiError) || apiError.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin write, got %v", forbiddenErr)
	}

	remote, err := viewer.FetchConfig(ctx)
	if err != nil {
		t.Fatalf("fetch config: %v", err)
	}
	if remote.PollInterval() != 10*time.Second || remote.DebounceWindow() != 2*time.Second {
		t.Fatalf("unexpected remote config %+v", remote)
	}

	if err := viewer.SignOut(ctx, statussync.SignOutLocal); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if signedOut, _ := viewer.GetSession(ctx); signedOut.IsAuthed() {
		t.Fatalf("expected no session after sign-out, got %+v", signedOut)
	}
	if afterSignOut := viewer.GetRecordByEmail(ctx, testViewerEmail); afterSignOut.Kind() != statussync.LookupQueryError {
		t.Fatalf("expected query error without a session, got %s", afterSignOut.Kind())
	}
	if _, err := viewer.MyAccess(ctx); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRefreshSessionRenewsCookie(t *testing.T) {
	environment := newStreamServer(t)
	ctx := context.Background()
	viewer := environment.newClient(t)
	if _, err := viewer.SignUp(ctx, testViewerEmail, testPassword, ""); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	refreshed, err := viewer.RefreshSession(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.Email() != testViewerEmail {
		t.Fatalf("unexpected refreshed state %+v", refreshed)
	}
	user, err := viewer.GetUser(ctx)
	if err != nil || user == nil || user.Email != testViewerEmail {
		t.Fatalf("unexpected user %+v err=%v", user, err)
	}
}

func TestSubscribeDeliversOnlyOwnChanges(t *testing.T) {
	environment := newStreamServer(t)
	ctx := context.Background()
	viewer := environment.newClient(t)
	admin := environment.newClient(t)
	if _, err := viewer.SignUp(ctx, testViewerEmail, testPassword, ""); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, err := admin.SignUp(ctx, testAdminEmail, testPassword, ""); err != nil {
		t.Fatalf("admin sign up: %v", err)
	}

	events := make(chan statussync.ChangeEvent, 4)
	unsubscribe, err := viewer.Subscribe(func(event statussync.ChangeEvent) {
		events <- event
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()
	environment.waitForSubscribers(t, 1)

	suspend(t, admin, "someone@example.com", "")
	suspend(t, admin, testViewerEmail, "Policy review")

	select {
	case event := <-events:
		if event.Table != statussync.AccessControlTable || event.Email != testViewerEmail {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change event")
	}
	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := viewer.Subscribe(nil); err == nil {
		t.Fatalf("expected error for nil listener")
	}
}

func TestEngineSignsOutSuspendedUserOverHTTP(t *testing.T) {
	environment := newStreamServer(t)
	ctx := context.Background()
	viewer := environment.newClient(t)
	admin := environment.newClient(t)
	if _, err := admin.SignUp(ctx, testAdminEmail, testPassword, ""); err != nil {
		t.Fatalf("admin sign up: %v", err)
	}

	storage, err := OpenSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer storage.Close()
	if err := storage.Set("streamgate-theme", "dark"); err != nil {
		t.Fatalf("seed storage: %v", err)
	}

	logger := zaptest.NewLogger(t)
	accessor, err := statussync.NewProviderSessionAccessor(viewer, storage, logger)
	if err != nil {
		t.Fatalf("accessor: %v", err)
	}

	var navigationMutex sync.Mutex
	var navigations []statussync.NavigationState
	navigated := make(chan string, 1)
	engine, err := statussync.NewEngine(statussync.EngineConfig{
		Sessions: accessor,
		Records:  viewer,
		Changes:  viewer,
		Navigator: statussync.NavigatorFunc(func(path string, state statussync.NavigationState) {
			navigationMutex.Lock()
			navigations = append(navigations, state)
			navigationMutex.Unlock()
			select {
			case navigated <- path:
			default:
			}
		}),
		Logger:         logger,
		DebounceWindow: 30 * time.Millisecond,
		SettleDelay:    time.Millisecond,
		PollInterval:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer engine.Dispose()

	if _, err := accessor.SignUp(ctx, testViewerEmail, testPassword, "Viewer"); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, found := storage.Get(statussync.AuthTokenKey); !found {
		t.Fatalf("expected persisted session after sign-up")
	}
	engine.SetRoute("/browse")

	deadline := time.Now().Add(5 * time.Second)
	for !engine.Snapshot().Checked {
		if time.Now().After(deadline) {
			t.Fatalf("engine never completed the first check")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if decision := engine.Decision(); decision == nil || decision.IsSuspended {
		t.Fatalf("expected allow decision, got %+v", decision)
	}

	suspend(t, admin, testViewerEmail, "Chargeback on file")

	select {
	case path := <-navigated:
		if path != statussync.RouteSignIn {
			t.Fatalf("expected redirect to %s, got %s", statussync.RouteSignIn, path)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("suspended user was never redirected")
	}

	navigationMutex.Lock()
	state := navigations[0]
	navigationMutex.Unlock()
	if !state.Suspended || state.Reason != "Chargeback on file" || state.Email != testViewerEmail {
		t.Fatalf("unexpected navigation state %+v", state)
	}
	if _, found := storage.Get(statussync.AuthTokenKey); found {
		t.Fatalf("expected session key cleared")
	}
	if theme, found := storage.Get("streamgate-theme"); found {
		t.Fatalf("expected app namespace cleared, found %q", theme)
	}
	if session, _ := viewer.GetSession(ctx); session.IsAuthed() {
		t.Fatalf("expected server session ended, got %+v", session)
	}
}

func TestReadEvents(t *testing.T) {
	t.Parallel()
	stream := strings.Join([]string{
		": keepalive",
		"event: ready",
		`data: {"table":"access_control"}`,
		"",
		"event: change",
		"data: line one",
		"data: line two",
		"",
		"data: unnamed",
		"",
		"",
	}, "\n")

	var events []serverEvent
	err := readEvents(strings.NewReader(stream), func(event serverEvent) {
		events = append(events, event)
	})
	if err == nil {
		t.Fatalf("expected end-of-stream error")
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %+v", events)
	}
	if events[0].name != "ready" || events[0].data != `{"table":"access_control"}` {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].name != "change" || events[1].data != "line one\nline two" {
		t.Fatalf("unexpected multi-line event %+v", events[1])
	}
	if events[2].name != "message" || events[2].data != "unnamed" {
		t.Fatalf("unexpected default event %+v", events[2])
	}
}
