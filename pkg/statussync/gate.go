package statussync

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// GateState is the render decision of the RouteGate.
type GateState int

const (
	GateLoading GateState = iota
	GateAuthed
	GateUnauthed
	GateBlocked
)

func (state GateState) String() string {
	switch state {
	case GateLoading:
		return "loading"
	case GateAuthed:
		return "authed"
	case GateUnauthed:
		return "unauthed"
	case GateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// GateView tells the host what to render for a protected route.
type GateView struct {
	State      GateState
	RedirectTo string
	Email      string
	Reason     string
	Message    string
	Restricted bool
}

// RouteGate guards protected views using the Engine decision and the session.
type RouteGate struct {
	engine      *Engine
	sessions    SessionAccessor
	storage     Storage
	logger      *zap.Logger
	signInRoute string
}

// NewRouteGate constructs a RouteGate.
func NewRouteGate(engine *Engine, sessions SessionAccessor, storage Storage, logger *zap.Logger) *RouteGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}
	signInRoute := RouteSignIn
	if engine != nil {
		signInRoute = engine.signInRoute
	}
	return &RouteGate{
		engine:      engine,
		sessions:    sessions,
		storage:     storage,
		logger:      logger,
		signInRoute: signInRoute,
	}
}

// Evaluate decides how to render requestedPath.
func (gate *RouteGate) Evaluate(ctx context.Context, requestedPath string) GateView {
	snapshot := gate.engine.Snapshot()
	state := gate.sessions.GetSession(ctx)
	// A suspension only blocks its own account, or the signed-out view left
	// behind by the forced sign-out.
	if decision := snapshot.Decision; decision != nil && decision.IsSuspended &&
		(!state.IsAuthed() || NormalizeEmail(state.Email()) == decision.Email) {
		return GateView{
			State:   GateBlocked,
			Email:   decision.Email,
			Reason:  decision.SuspensionReason,
			Message: snapshot.ErrorMessage,
		}
	}
	if snapshot.Phase == PhaseChecking && !snapshot.Checked {
		return GateView{State: GateLoading}
	}

	if !state.IsAuthed() {
		return GateView{
			State:      GateUnauthed,
			RedirectTo: SignInRedirect(gate.signInRoute, requestedPath),
		}
	}

	view := GateView{State: GateAuthed, Email: state.Email()}
	if decision := snapshot.Decision; decision != nil && decision.Email == view.Email {
		view.Restricted = decision.IsRestricted
	}
	return view
}

// RetryWithDifferentAccount signs out, drops the suspended decision, clears
// every stored key and flags the next sign-in as a suspended user retry. It
// returns the navigation target.
func (gate *RouteGate) RetryWithDifferentAccount(ctx context.Context) (string, NavigationState, error) {
	navigationState := NavigationState{Suspended: true}
	if decision := gate.engine.Decision(); decision != nil {
		navigationState.Reason = decision.SuspensionReason
		navigationState.Email = decision.Email
	}
	if err := gate.sessions.SignOut(ctx); err != nil {
		gate.logger.Warn("retry sign-out incomplete",
			zap.String("code", "statussync.gate.signout_failed"),
			zap.Error(err))
	}
	gate.engine.forgetDecision()
	if err := ClearAll(gate.storage); err != nil {
		return gate.signInRoute, navigationState, fmt.Errorf("statussync.gate.retry: %w", err)
	}
	if err := gate.storage.Set(SuspendedSignInKey, "true"); err != nil {
		return gate.signInRoute, navigationState, fmt.Errorf("statussync.gate.retry: %w", err)
	}
	return gate.signInRoute, navigationState, nil
}

// SignInView holds the sign-in route behavior that interacts with the gate.
type SignInView struct {
	Sessions SessionAccessor
	Storage  Storage
}

// ShouldAutoRedirect reports whether an already authenticated visitor should
// leave the sign-in view. A pending suspended retry suppresses this once.
func (view SignInView) ShouldAutoRedirect(ctx context.Context) bool {
	if ConsumeSuspendedSignIn(view.Storage) {
		return false
	}
	if view.Sessions == nil {
		return false
	}
	return view.Sessions.GetSession(ctx).IsAuthed()
}

// SignInRedirect builds the sign-in URL preserving the requested path.
func SignInRedirect(signInRoute string, requestedPath string) string {
	trimmed := strings.TrimSpace(requestedPath)
	if trimmed == "" || normalizeRoute(trimmed) == normalizeRoute(signInRoute) {
		return signInRoute
	}
	return signInRoute + "?next=" + url.QueryEscape(trimmed)
}
