package statussync

import (
	"context"
	"sync"
	"time"
)

type manualTimer struct {
	clock    *manualClock
	deadline time.Time
	callback func()
	done     bool
}

func (timer *manualTimer) Stop() bool {
	timer.clock.mutex.Lock()
	defer timer.clock.mutex.Unlock()
	if timer.done {
		return false
	}
	timer.done = true
	return true
}

// manualClock fires timers synchronously from Advance.
type manualClock struct {
	mutex   sync.Mutex
	current time.Time
	timers  []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{current: time.Unix(1700000000, 0).UTC()}
}

func (clock *manualClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *manualClock) AfterFunc(delay time.Duration, callback func()) Timer {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	timer := &manualTimer{clock: clock, deadline: clock.current.Add(delay), callback: callback}
	clock.timers = append(clock.timers, timer)
	return timer
}

func (clock *manualClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	target := clock.current.Add(duration)
	clock.mutex.Unlock()
	for {
		clock.mutex.Lock()
		var next *manualTimer
		for _, timer := range clock.timers {
			if timer.done || timer.deadline.After(target) {
				continue
			}
			if next == nil || timer.deadline.Before(next.deadline) {
				next = timer
			}
		}
		if next == nil {
			if target.After(clock.current) {
				clock.current = target
			}
			clock.mutex.Unlock()
			return
		}
		next.done = true
		if next.deadline.After(clock.current) {
			clock.current = next.deadline
		}
		clock.mutex.Unlock()
		next.callback()
	}
}

func (clock *manualClock) pendingTimers() int {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	pending := 0
	for _, timer := range clock.timers {
		if !timer.done {
			pending++
		}
	}
	return pending
}

// callLog records the order of side effects across fakes.
type callLog struct {
	mutex   sync.Mutex
	entries []string
}

func (log *callLog) add(entry string) {
	log.mutex.Lock()
	defer log.mutex.Unlock()
	log.entries = append(log.entries, entry)
}

func (log *callLog) snapshot() []string {
	log.mutex.Lock()
	defer log.mutex.Unlock()
	return append([]string(nil), log.entries...)
}

type fakeSessions struct {
	mutex          sync.Mutex
	state          SessionState
	storage        Storage
	log            *callLog
	signOutCalls   int
	listeners      map[int]SessionListener
	nextListenerID int
}

func newFakeSessions(storage Storage, log *callLog) *fakeSessions {
	return &fakeSessions{storage: storage, log: log, listeners: make(map[int]SessionListener)}
}

func (sessions *fakeSessions) signIn(email string) {
	state := SessionState{
		Session: &Session{AccessToken: "token-" + email},
		User:    &User{ID: "user-" + email, Email: email},
	}
	sessions.mutex.Lock()
	sessions.state = state
	sessions.mutex.Unlock()
	if sessions.storage != nil {
		_ = sessions.storage.Set(AuthTokenKey, "session-"+email)
	}
	sessions.emit(SessionSignedIn, state)
}

func (sessions *fakeSessions) GetSession(ctx context.Context) SessionState {
	sessions.mutex.Lock()
	defer sessions.mutex.Unlock()
	return sessions.state
}

func (sessions *fakeSessions) OnSessionChange(listener SessionListener) func() {
	sessions.mutex.Lock()
	defer sessions.mutex.Unlock()
	sessions.nextListenerID++
	listenerID := sessions.nextListenerID
	sessions.listeners[listenerID] = listener
	return func() {
		sessions.mutex.Lock()
		defer sessions.mutex.Unlock()
		delete(sessions.listeners, listenerID)
	}
}

func (sessions *fakeSessions) SignOut(ctx context.Context) error {
	sessions.mutex.Lock()
	sessions.signOutCalls++
	sessions.state = SessionState{}
	sessions.mutex.Unlock()
	if sessions.storage != nil {
		_ = ClearSessionKeys(sessions.storage)
	}
	if sessions.log != nil {
		sessions.log.add("signout")
	}
	sessions.emit(SessionSignedOut, SessionState{})
	return nil
}

func (sessions *fakeSessions) Refresh(ctx context.Context) SessionState {
	return sessions.GetSession(ctx)
}

func (sessions *fakeSessions) listenerCount() int {
	sessions.mutex.Lock()
	defer sessions.mutex.Unlock()
	return len(sessions.listeners)
}

func (sessions *fakeSessions) signOutCount() int {
	sessions.mutex.Lock()
	defer sessions.mutex.Unlock()
	return sessions.signOutCalls
}

func (sessions *fakeSessions) emit(event SessionEvent, state SessionState) {
	sessions.mutex.Lock()
	listeners := make([]SessionListener, 0, len(sessions.listeners))
	for _, listener := range sessions.listeners {
		listeners = append(listeners, listener)
	}
	sessions.mutex.Unlock()
	for _, listener := range listeners {
		listener(event, state)
	}
}

type fakeRecords struct {
	mutex   sync.Mutex
	records map[string]AccessControlRecord
	failure string
	calls   int
	onQuery func()
	panics  bool
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: make(map[string]AccessControlRecord)}
}

func (records *fakeRecords) put(record AccessControlRecord) {
	records.mutex.Lock()
	defer records.mutex.Unlock()
	records.records[NormalizeEmail(record.Email)] = record
}

func (records *fakeRecords) fail(message string) {
	records.mutex.Lock()
	defer records.mutex.Unlock()
	records.failure = message
}

func (records *fakeRecords) GetRecordByEmail(ctx context.Context, email string) LookupResult {
	records.mutex.Lock()
	records.calls++
	onQuery := records.onQuery
	failure := records.failure
	panics := records.panics
	record, ok := records.records[NormalizeEmail(email)]
	records.mutex.Unlock()

	if onQuery != nil {
		onQuery()
	}
	if panics {
		panic("record reader exploded")
	}
	if failure != "" {
		return QueryError(failure)
	}
	if !ok {
		return NotFound()
	}
	return Found(record)
}

func (records *fakeRecords) callCount() int {
	records.mutex.Lock()
	defer records.mutex.Unlock()
	return records.calls
}

type fakeFeed struct {
	mutex          sync.Mutex
	listeners      map[int]func(ChangeEvent)
	nextListenerID int
	subscribeCalls int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{listeners: make(map[int]func(ChangeEvent))}
}

func (feed *fakeFeed) Subscribe(listener func(ChangeEvent)) (func(), error) {
	feed.mutex.Lock()
	defer feed.mutex.Unlock()
	feed.subscribeCalls++
	feed.nextListenerID++
	listenerID := feed.nextListenerID
	feed.listeners[listenerID] = listener
	return func() {
		feed.mutex.Lock()
		defer feed.mutex.Unlock()
		delete(feed.listeners, listenerID)
	}, nil
}

func (feed *fakeFeed) publish(event ChangeEvent) {
	feed.mutex.Lock()
	listeners := make([]func(ChangeEvent), 0, len(feed.listeners))
	for _, listener := range feed.listeners {
		listeners = append(listeners, listener)
	}
	feed.mutex.Unlock()
	for _, listener := range listeners {
		listener(event)
	}
}

func (feed *fakeFeed) active() int {
	feed.mutex.Lock()
	defer feed.mutex.Unlock()
	return len(feed.listeners)
}

func (feed *fakeFeed) subscriptions() int {
	feed.mutex.Lock()
	defer feed.mutex.Unlock()
	return feed.subscribeCalls
}

type navigation struct {
	path  string
	state NavigationState
}

type recordingNavigator struct {
	mutex       sync.Mutex
	navigations []navigation
	log         *callLog
	onNavigate  func(path string)
}

func (navigator *recordingNavigator) Navigate(path string, state NavigationState) {
	navigator.mutex.Lock()
	navigator.navigations = append(navigator.navigations, navigation{path: path, state: state})
	onNavigate := navigator.onNavigate
	navigator.mutex.Unlock()
	if navigator.log != nil {
		navigator.log.add("navigate:" + path)
	}
	if onNavigate != nil {
		onNavigate(path)
	}
}

func (navigator *recordingNavigator) last() (navigation, bool) {
	navigator.mutex.Lock()
	defer navigator.mutex.Unlock()
	if len(navigator.navigations) == 0 {
		return navigation{}, false
	}
	return navigator.navigations[len(navigator.navigations)-1], true
}
