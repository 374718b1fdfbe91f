package statussync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// User is the identity attached to a session.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Session is the opaque token bundle issued by the identity provider.
type Session struct {
	AccessToken string    `json:"access_token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SessionState is the current identity as seen by the client.
type SessionState struct {
	Session *Session `json:"session,omitempty"`
	User    *User    `json:"user,omitempty"`
}

// IsAuthed reports whether a user is attached.
func (state SessionState) IsAuthed() bool {
	return state.User != nil
}

// Email returns the normalized email of the signed-in user.
func (state SessionState) Email() string {
	if state.User == nil {
		return ""
	}
	return NormalizeEmail(state.User.Email)
}

// SessionEvent names an identity change notification.
type SessionEvent string

const (
	SessionSignedIn  SessionEvent = "signed_in"
	SessionSignedOut SessionEvent = "signed_out"
	SessionRefreshed SessionEvent = "token_refreshed"
)

// SignOutScope selects local (this client) or global (every session of the user) sign-out.
type SignOutScope string

const (
	SignOutLocal  SignOutScope = "local"
	SignOutGlobal SignOutScope = "global"
)

// IdentityProvider is the hosted identity service surface.
type IdentityProvider interface {
	SignUp(ctx context.Context, email string, password string, displayName string) (SessionState, error)
	SignIn(ctx context.Context, email string, password string) (SessionState, error)
	SignOut(ctx context.Context, scope SignOutScope) error
	GetSession(ctx context.Context) (SessionState, error)
	RefreshSession(ctx context.Context) (SessionState, error)
	GetUser(ctx context.Context) (*User, error)
}

// SessionListener receives identity change notifications.
type SessionListener func(event SessionEvent, state SessionState)

// SessionAccessor wraps the identity provider for the synchronization engine.
type SessionAccessor interface {
	GetSession(ctx context.Context) SessionState
	OnSessionChange(listener SessionListener) (unsubscribe func())
	SignOut(ctx context.Context) error
	Refresh(ctx context.Context) SessionState
}

// ErrMissingIdentityProvider is returned when the accessor has no provider.
var ErrMissingIdentityProvider = errors.New("statussync.session.missing_provider")

// ProviderSessionAccessor implements SessionAccessor over an IdentityProvider and
// mirrors the session into the shared Storage.
type ProviderSessionAccessor struct {
	provider IdentityProvider
	storage  Storage
	logger   *zap.Logger

	mutex          sync.Mutex
	listeners      map[uint64]SessionListener
	nextListenerID uint64
}

// NewProviderSessionAccessor constructs the accessor.
func NewProviderSessionAccessor(provider IdentityProvider, storage Storage, logger *zap.Logger) (*ProviderSessionAccessor, error) {
	if provider == nil {
		return nil, fmt.Errorf("statussync.session.new: %w", ErrMissingIdentityProvider)
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderSessionAccessor{
		provider:  provider,
		storage:   storage,
		logger:    logger,
		listeners: make(map[uint64]SessionListener),
	}, nil
}

// SignIn signs in upstream, persists the session and notifies listeners.
func (accessor *ProviderSessionAccessor) SignIn(ctx context.Context, email string, password string) (SessionState, error) {
	state, err := accessor.provider.SignIn(ctx, email, password)
	if err != nil {
		return SessionState{}, err
	}
	accessor.persist(state)
	accessor.emit(SessionSignedIn, state)
	return state, nil
}

// SignUp registers upstream, persists the session and notifies listeners.
func (accessor *ProviderSessionAccessor) SignUp(ctx context.Context, email string, password string, displayName string) (SessionState, error) {
	state, err := accessor.provider.SignUp(ctx, email, password, displayName)
	if err != nil {
		return SessionState{}, err
	}
	accessor.persist(state)
	accessor.emit(SessionSignedIn, state)
	return state, nil
}

// GetSession returns the current session; failures yield an empty state.
func (accessor *ProviderSessionAccessor) GetSession(ctx context.Context) SessionState {
	state, err := accessor.provider.GetSession(ctx)
	if err != nil {
		accessor.logger.Debug("session lookup failed",
			zap.String("code", "statussync.session.get_failed"),
			zap.Error(err))
		return SessionState{}
	}
	return state
}

// Refresh forces a token refresh; failures yield an empty state.
func (accessor *ProviderSessionAccessor) Refresh(ctx context.Context) SessionState {
	state, err := accessor.provider.RefreshSession(ctx)
	if err != nil {
		accessor.logger.Warn("session refresh failed",
			zap.String("code", "statussync.session.refresh_failed"),
			zap.Error(err))
		return SessionState{}
	}
	accessor.persist(state)
	accessor.emit(SessionRefreshed, state)
	return state
}

// OnSessionChange registers listener and returns its unsubscribe handle.
func (accessor *ProviderSessionAccessor) OnSessionChange(listener SessionListener) func() {
	if listener == nil {
		return func() {}
	}
	accessor.mutex.Lock()
	accessor.nextListenerID++
	listenerID := accessor.nextListenerID
	accessor.listeners[listenerID] = listener
	accessor.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			accessor.mutex.Lock()
			delete(accessor.listeners, listenerID)
			accessor.mutex.Unlock()
		})
	}
}

// SignOut clears local session state before and after the upstream call.
// Upstream failures are logged and retried once with global scope; the local
// clear is authoritative, so only storage failures are returned.
func (accessor *ProviderSessionAccessor) SignOut(ctx context.Context) error {
	var clearErrs []error
	if err := ClearSessionKeys(accessor.storage); err != nil {
		clearErrs = append(clearErrs, err)
	}

	if upstreamErr := accessor.provider.SignOut(ctx, SignOutLocal); upstreamErr != nil {
		accessor.logger.Warn("upstream sign-out failed",
			zap.String("code", "statussync.signout.upstream_failed"),
			zap.String("scope", string(SignOutLocal)),
			zap.Error(upstreamErr))
		if retryErr := accessor.provider.SignOut(ctx, SignOutGlobal); retryErr != nil {
			accessor.logger.Warn("global sign-out retry failed",
				zap.String("code", "statussync.signout.global_retry_failed"),
				zap.Error(retryErr))
		}
	}

	if err := ClearSessionKeys(accessor.storage); err != nil {
		clearErrs = append(clearErrs, err)
	}
	accessor.emit(SessionSignedOut, SessionState{})
	return errors.Join(clearErrs...)
}

func (accessor *ProviderSessionAccessor) persist(state SessionState) {
	if !state.IsAuthed() {
		return
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		accessor.logger.Warn("session encode failed",
			zap.String("code", "statussync.session.encode_failed"),
			zap.Error(err))
		return
	}
	if err := accessor.storage.Set(AuthTokenKey, string(encoded)); err != nil {
		accessor.logger.Warn("session persist failed",
			zap.String("code", "statussync.session.persist_failed"),
			zap.Error(err))
	}
}

func (accessor *ProviderSessionAccessor) emit(event SessionEvent, state SessionState) {
	accessor.mutex.Lock()
	listeners := make([]SessionListener, 0, len(accessor.listeners))
	for _, listener := range accessor.listeners {
		listeners = append(listeners, listener)
	}
	accessor.mutex.Unlock()
	for _, listener := range listeners {
		listener(event, state)
	}
}
