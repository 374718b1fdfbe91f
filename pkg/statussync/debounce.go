package statussync

import (
	"sync"
	"time"
)

// Debouncer admits at most one trigger per window and delays each admitted
// trigger by a settle delay so that bursts collapse into a single run.
// Triggers rejected by the window are dropped, not queued.
type Debouncer struct {
	clock  Clock
	window time.Duration
	settle time.Duration
	run    func()

	mutex        sync.Mutex
	lastAccepted time.Time
	hasAccepted  bool
	pending      Timer
	stopped      bool
}

// NewDebouncer constructs a Debouncer that invokes run after each accepted trigger.
func NewDebouncer(clock Clock, window time.Duration, settle time.Duration, run func()) *Debouncer {
	if clock == nil {
		clock = SystemClock()
	}
	return &Debouncer{
		clock:  clock,
		window: window,
		settle: settle,
		run:    run,
	}
}

// Trigger requests a run and reports whether the request was accepted.
func (debouncer *Debouncer) Trigger() bool {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()

	if debouncer.stopped {
		return false
	}
	now := debouncer.clock.Now()
	if debouncer.hasAccepted && now.Sub(debouncer.lastAccepted) < debouncer.window {
		return false
	}
	debouncer.lastAccepted = now
	debouncer.hasAccepted = true
	if debouncer.pending != nil {
		debouncer.pending.Stop()
	}
	debouncer.pending = debouncer.clock.AfterFunc(debouncer.settle, debouncer.fire)
	return true
}

// Pending reports whether an accepted run is waiting for its settle delay.
func (debouncer *Debouncer) Pending() bool {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	return debouncer.pending != nil
}

// Cancel drops a pending run without closing the debouncer.
func (debouncer *Debouncer) Cancel() {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	if debouncer.pending != nil {
		debouncer.pending.Stop()
		debouncer.pending = nil
	}
}

// Reset forgets the last accepted trigger so the next one is admitted. A
// pending run is kept.
func (debouncer *Debouncer) Reset() {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	debouncer.hasAccepted = false
}

// Stop cancels any pending run and rejects future triggers.
func (debouncer *Debouncer) Stop() {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	debouncer.stopped = true
	if debouncer.pending != nil {
		debouncer.pending.Stop()
		debouncer.pending = nil
	}
}

func (debouncer *Debouncer) fire() {
	debouncer.mutex.Lock()
	if debouncer.stopped {
		debouncer.mutex.Unlock()
		return
	}
	debouncer.pending = nil
	debouncer.mutex.Unlock()
	debouncer.run()
}
