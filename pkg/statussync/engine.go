package statussync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultDebounceWindow bounds how often a check may start.
	DefaultDebounceWindow = 5 * time.Second
	// DefaultSettleDelay collapses bursts of accepted triggers.
	DefaultSettleDelay = 500 * time.Millisecond
	// DefaultPollInterval is the periodic re-check interval while a decision exists.
	DefaultPollInterval = 30 * time.Second

	RouteSignIn = "/login"
	RouteSignUp = "/signup"

	// AccessControlTable names the table whose change notifications trigger a check.
	AccessControlTable = "access_control"
)

var (
	ErrMissingSessionAccessor = errors.New("statussync.engine.missing_session_accessor")
	ErrMissingRecordReader    = errors.New("statussync.engine.missing_record_reader")
)

// ChangeEvent is a row change notification from the data store.
type ChangeEvent struct {
	Table string `json:"table"`
	Email string `json:"email"`
}

// ChangeFeed delivers data store change notifications.
type ChangeFeed interface {
	Subscribe(listener func(ChangeEvent)) (unsubscribe func(), err error)
}

// NavigationState travels with a redirect to the sign-in route.
type NavigationState struct {
	Suspended bool   `json:"suspended"`
	Reason    string `json:"reason,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Navigator performs client-side navigation.
type Navigator interface {
	Navigate(path string, state NavigationState)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string, state NavigationState)

// Navigate calls the wrapped function.
func (navigatorFunc NavigatorFunc) Navigate(path string, state NavigationState) {
	navigatorFunc(path, state)
}

// Phase is the lifecycle state of the Engine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseChecking
	PhaseResolved
	PhaseDisposed
)

func (phase Phase) String() string {
	switch phase {
	case PhaseIdle:
		return "idle"
	case PhaseChecking:
		return "checking"
	case PhaseResolved:
		return "resolved"
	case PhaseDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only view of the Engine state.
type Snapshot struct {
	Phase        Phase
	Decision     *SyncDecision
	Loading      bool
	Checked      bool
	ErrorMessage string
	Route        string
	Enabled      bool
}

// EngineConfig wires the Engine collaborators. Zero durations select the defaults.
type EngineConfig struct {
	Sessions       SessionAccessor
	Records        RecordReader
	Changes        ChangeFeed
	Navigator      Navigator
	Logger         *zap.Logger
	Clock          Clock
	DebounceWindow time.Duration
	SettleDelay    time.Duration
	PollInterval   time.Duration
	SignInRoute    string
	SignUpRoute    string
}

// Engine keeps the access decision of the signed-in user current and forces a
// sign-out when the user is blocked.
type Engine struct {
	sessions     SessionAccessor
	records      RecordReader
	changes      ChangeFeed
	navigator    Navigator
	logger       *zap.Logger
	clock        Clock
	pollInterval time.Duration
	signInRoute  string
	authRoutes   map[string]struct{}
	debouncer    *Debouncer
	ctx          context.Context
	cancel       context.CancelFunc

	mutex              sync.Mutex
	phase              Phase
	decision           *SyncDecision
	loading            bool
	checked            bool
	errorMessage       string
	route              string
	mounted            bool
	disposed           bool
	currentEmail       string
	checkSequence      uint64
	pollTimer          Timer
	unsubscribeChanges func()
	unsubscribeSession func()
	listeners          map[uint64]func(Snapshot)
	nextListenerID     uint64
}

// NewEngine constructs an Engine and subscribes it to identity changes. The
// Engine stays idle until SetRoute mounts it.
func NewEngine(configuration EngineConfig) (*Engine, error) {
	if configuration.Sessions == nil {
		return nil, fmt.Errorf("statussync.engine.new: %w", ErrMissingSessionAccessor)
	}
	if configuration.Records == nil {
		return nil, fmt.Errorf("statussync.engine.new: %w", ErrMissingRecordReader)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := configuration.Clock
	if clock == nil {
		clock = SystemClock()
	}
	debounceWindow := configuration.DebounceWindow
	if debounceWindow <= 0 {
		debounceWindow = DefaultDebounceWindow
	}
	settleDelay := configuration.SettleDelay
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	pollInterval := configuration.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	signInRoute := configuration.SignInRoute
	if strings.TrimSpace(signInRoute) == "" {
		signInRoute = RouteSignIn
	}
	signUpRoute := configuration.SignUpRoute
	if strings.TrimSpace(signUpRoute) == "" {
		signUpRoute = RouteSignUp
	}

	engineContext, cancel := context.WithCancel(context.Background())
	engine := &Engine{
		sessions:     configuration.Sessions,
		records:      configuration.Records,
		changes:      configuration.Changes,
		navigator:    configuration.Navigator,
		logger:       logger,
		clock:        clock,
		pollInterval: pollInterval,
		signInRoute:  signInRoute,
		authRoutes: map[string]struct{}{
			normalizeRoute(signInRoute): {},
			normalizeRoute(signUpRoute): {},
		},
		ctx:       engineContext,
		cancel:    cancel,
		phase:     PhaseIdle,
		listeners: make(map[uint64]func(Snapshot)),
	}
	engine.debouncer = NewDebouncer(clock, debounceWindow, settleDelay, engine.runCheck)
	engine.unsubscribeSession = engine.sessions.OnSessionChange(engine.handleSessionEvent)
	return engine, nil
}

// SetRoute records the active route. Leaving the sign-in and sign-up routes
// mounts the change subscription; entering them tears it down together with
// the poll timer. Every route change on an enabled route requests a check.
func (engine *Engine) SetRoute(route string) {
	engine.mutex.Lock()
	if engine.disposed {
		engine.mutex.Unlock()
		return
	}
	wasEnabled := engine.enabledLocked()
	engine.route = route
	engine.mounted = true
	nowEnabled := engine.enabledLocked()

	var unsubscribe func()
	if wasEnabled && !nowEnabled {
		engine.stopPollLocked()
		unsubscribe = engine.unsubscribeChanges
		engine.unsubscribeChanges = nil
	}
	engine.mutex.Unlock()

	if wasEnabled && !nowEnabled {
		engine.debouncer.Cancel()
		if unsubscribe != nil {
			unsubscribe()
		}
		engine.logger.Debug("status sync disabled on auth route", zap.String("route", route))
	}
	if nowEnabled {
		if !wasEnabled {
			engine.subscribeChanges()
		}
		engine.RefreshStatus()
	}
	engine.notify()
}

// RefreshStatus requests a check and reports whether the request was accepted.
// Requests are ignored while disabled and dropped inside the debounce window.
func (engine *Engine) RefreshStatus() bool {
	engine.mutex.Lock()
	active := engine.enabledLocked()
	engine.mutex.Unlock()
	if !active {
		return false
	}
	return engine.debouncer.Trigger()
}

// Snapshot returns a copy of the current state.
func (engine *Engine) Snapshot() Snapshot {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	return engine.snapshotLocked()
}

// Decision returns a copy of the current decision, or nil.
func (engine *Engine) Decision() *SyncDecision {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	return copyDecision(engine.decision)
}

// OnChange registers a listener invoked after every state transition.
func (engine *Engine) OnChange(listener func(Snapshot)) func() {
	if listener == nil {
		return func() {}
	}
	engine.mutex.Lock()
	engine.nextListenerID++
	listenerID := engine.nextListenerID
	engine.listeners[listenerID] = listener
	engine.mutex.Unlock()
	return func() {
		engine.mutex.Lock()
		delete(engine.listeners, listenerID)
		engine.mutex.Unlock()
	}
}

// Dispose stops timers, removes subscriptions and discards the results of
// checks still in flight. Dispose is idempotent.
func (engine *Engine) Dispose() {
	engine.mutex.Lock()
	if engine.disposed {
		engine.mutex.Unlock()
		return
	}
	engine.disposed = true
	engine.phase = PhaseDisposed
	engine.loading = false
	engine.stopPollLocked()
	unsubscribeChanges := engine.unsubscribeChanges
	engine.unsubscribeChanges = nil
	unsubscribeSession := engine.unsubscribeSession
	engine.unsubscribeSession = nil
	engine.listeners = make(map[uint64]func(Snapshot))
	engine.mutex.Unlock()

	engine.debouncer.Stop()
	engine.cancel()
	if unsubscribeChanges != nil {
		unsubscribeChanges()
	}
	if unsubscribeSession != nil {
		unsubscribeSession()
	}
}

func (engine *Engine) runCheck() {
	engine.mutex.Lock()
	if !engine.enabledLocked() {
		engine.mutex.Unlock()
		return
	}
	engine.phase = PhaseChecking
	engine.loading = true
	engine.checkSequence++
	sequence := engine.checkSequence
	checkContext := engine.ctx
	engine.mutex.Unlock()
	engine.notify()

	defer func() {
		if recovered := recover(); recovered != nil {
			engine.logger.Error("status check panicked",
				zap.String("code", "statussync.check.panic"),
				zap.Any("panic", recovered))
			engine.finishUnchanged(sequence)
		}
	}()
	engine.check(checkContext, sequence)
}

// check resolves the decision for the signed-in user. Only the most recently
// started check may publish; results of superseded checks are discarded.
func (engine *Engine) check(checkContext context.Context, sequence uint64) {
	state := engine.sessions.GetSession(checkContext)
	email := state.Email()
	if !state.IsAuthed() || email == "" {
		engine.resolve(checkContext, sequence, nil)
		return
	}

	engine.mutex.Lock()
	engine.currentEmail = email
	engine.mutex.Unlock()

	result := engine.records.GetRecordByEmail(checkContext, email)
	if result.Kind() == LookupQueryError {
		engine.logger.Warn("access lookup failed; allowing access",
			zap.String("code", "statussync.check.query_error"),
			zap.String("email", email),
			zap.String("error", result.Message()))
		engine.mutex.Lock()
		previous := engine.decision
		engine.mutex.Unlock()
		if previous != nil && previous.Email == email {
			engine.finishUnchanged(sequence)
			return
		}
	}
	decision := DecideFromLookup(email, result)
	engine.resolve(checkContext, sequence, &decision)
}

func (engine *Engine) resolve(checkContext context.Context, sequence uint64, decision *SyncDecision) {
	engine.mutex.Lock()
	if engine.disposed {
		engine.mutex.Unlock()
		return
	}
	if sequence != engine.checkSequence {
		engine.mutex.Unlock()
		engine.logger.Debug("discarding superseded status check", zap.Uint64("sequence", sequence))
		return
	}
	engine.decision = copyDecision(decision)
	engine.phase = PhaseResolved
	engine.loading = false
	engine.checked = true
	enforce := false
	switch {
	case decision == nil:
		engine.errorMessage = ""
		engine.currentEmail = ""
		engine.stopPollLocked()
	case decision.IsSuspended:
		engine.errorMessage = SuspensionMessage(*decision)
		engine.stopPollLocked()
		enforce = true
	default:
		engine.errorMessage = ""
		engine.schedulePollLocked()
	}
	engine.mutex.Unlock()
	engine.notify()

	if enforce {
		engine.enforceSuspension(checkContext, *decision)
	}
}

// enforceSuspension signs out before navigating so no authenticated view
// renders after the redirect.
func (engine *Engine) enforceSuspension(checkContext context.Context, decision SyncDecision) {
	engine.logger.Info("forcing sign-out of suspended user",
		zap.String("code", "statussync.enforce.suspended"),
		zap.String("email", decision.Email))
	if err := engine.sessions.SignOut(checkContext); err != nil {
		engine.logger.Warn("forced sign-out incomplete",
			zap.String("code", "statussync.enforce.signout_failed"),
			zap.Error(err))
	}

	engine.mutex.Lock()
	disposed := engine.disposed
	engine.mutex.Unlock()
	if disposed || engine.navigator == nil {
		return
	}
	engine.navigator.Navigate(engine.signInRoute, NavigationState{
		Suspended: true,
		Reason:    decision.SuspensionReason,
		Email:     decision.Email,
	})
}

func (engine *Engine) finishUnchanged(sequence uint64) {
	engine.mutex.Lock()
	if engine.disposed || sequence != engine.checkSequence {
		engine.mutex.Unlock()
		return
	}
	engine.loading = false
	engine.checked = true
	if engine.decision != nil {
		engine.phase = PhaseResolved
		if !engine.decision.IsSuspended {
			engine.schedulePollLocked()
		}
	} else {
		engine.phase = PhaseIdle
	}
	engine.mutex.Unlock()
	engine.notify()
}

func (engine *Engine) handleSessionEvent(event SessionEvent, state SessionState) {
	switch event {
	case SessionSignedIn, SessionRefreshed:
		engine.mutex.Lock()
		switched := !engine.disposed && engine.decision != nil &&
			engine.decision.Email != NormalizeEmail(state.Email())
		engine.mutex.Unlock()
		if switched {
			engine.forgetDecision()
		}
		engine.RefreshStatus()
	case SessionSignedOut:
		engine.mutex.Lock()
		if engine.disposed || (engine.decision != nil && engine.decision.IsSuspended) {
			engine.mutex.Unlock()
			return
		}
		engine.clearDecisionLocked()
		engine.mutex.Unlock()
		engine.notify()
	}
}

// forgetDecision drops the decision of a previous account and reopens the
// debounce window so the next account is checked on its first request.
func (engine *Engine) forgetDecision() {
	engine.mutex.Lock()
	if engine.disposed {
		engine.mutex.Unlock()
		return
	}
	engine.clearDecisionLocked()
	engine.checked = false
	if engine.phase != PhaseChecking {
		engine.phase = PhaseIdle
	}
	engine.mutex.Unlock()
	engine.debouncer.Reset()
	engine.notify()
}

func (engine *Engine) clearDecisionLocked() {
	engine.decision = nil
	engine.currentEmail = ""
	engine.errorMessage = ""
	engine.stopPollLocked()
}

func (engine *Engine) handleChange(event ChangeEvent) {
	if event.Table != "" && event.Table != AccessControlTable {
		return
	}
	engine.mutex.Lock()
	currentEmail := engine.currentEmail
	active := engine.enabledLocked()
	engine.mutex.Unlock()
	if !active || currentEmail == "" || NormalizeEmail(event.Email) != currentEmail {
		return
	}
	engine.logger.Debug("access record changed", zap.String("email", currentEmail))
	engine.RefreshStatus()
}

func (engine *Engine) subscribeChanges() {
	if engine.changes == nil {
		return
	}
	unsubscribe, err := engine.changes.Subscribe(engine.handleChange)
	if err != nil {
		engine.logger.Warn("change subscription failed",
			zap.String("code", "statussync.changes.subscribe_failed"),
			zap.Error(err))
		return
	}
	engine.mutex.Lock()
	if engine.disposed || !engine.enabledLocked() || engine.unsubscribeChanges != nil {
		engine.mutex.Unlock()
		unsubscribe()
		return
	}
	engine.unsubscribeChanges = unsubscribe
	engine.mutex.Unlock()
}

func (engine *Engine) onPoll() {
	engine.mutex.Lock()
	engine.pollTimer = nil
	engine.mutex.Unlock()
	if engine.RefreshStatus() {
		return
	}
	engine.mutex.Lock()
	if engine.decision != nil && !engine.decision.IsSuspended {
		engine.schedulePollLocked()
	}
	engine.mutex.Unlock()
}

func (engine *Engine) schedulePollLocked() {
	if engine.pollTimer != nil || !engine.enabledLocked() {
		return
	}
	engine.pollTimer = engine.clock.AfterFunc(engine.pollInterval, engine.onPoll)
}

func (engine *Engine) stopPollLocked() {
	if engine.pollTimer != nil {
		engine.pollTimer.Stop()
		engine.pollTimer = nil
	}
}

func (engine *Engine) enabledLocked() bool {
	if !engine.mounted || engine.disposed {
		return false
	}
	_, onAuthRoute := engine.authRoutes[normalizeRoute(engine.route)]
	return !onAuthRoute
}

func (engine *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:        engine.phase,
		Decision:     copyDecision(engine.decision),
		Loading:      engine.loading,
		Checked:      engine.checked,
		ErrorMessage: engine.errorMessage,
		Route:        engine.route,
		Enabled:      engine.enabledLocked(),
	}
}

func (engine *Engine) notify() {
	engine.mutex.Lock()
	snapshot := engine.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(engine.listeners))
	for _, listener := range engine.listeners {
		listeners = append(listeners, listener)
	}
	engine.mutex.Unlock()
	for _, listener := range listeners {
		listener(snapshot)
	}
}

func copyDecision(decision *SyncDecision) *SyncDecision {
	if decision == nil {
		return nil
	}
	clone := *decision
	return &clone
}

func normalizeRoute(route string) string {
	trimmed := strings.TrimSpace(route)
	if parsed, err := url.Parse(trimmed); err == nil {
		trimmed = parsed.Path
	}
	if len(trimmed) > 1 {
		trimmed = strings.TrimRight(trimmed, "/")
	}
	if trimmed == "" {
		return "/"
	}
	return trimmed
}
