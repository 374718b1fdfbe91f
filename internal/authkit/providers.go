package authkit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns the wall clock in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

// GoogleTokenValidator verifies Google ID tokens for an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator constructs the production validator backed by Google's public keys.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

var newGoogleTokenValidator = NewGoogleTokenValidator

var (
	providerMutex           sync.RWMutex
	providedClock           Clock
	providedLogger          *zap.Logger
	providedMetrics         MetricsRecorder
	providedGoogleValidator GoogleTokenValidator
)

// ProvideClock installs the clock used by handlers and stores; nil restores the wall clock.
func ProvideClock(clock Clock) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedClock = clock
}

// ProvideLogger installs the handler logger; nil restores a no-op logger.
func ProvideLogger(logger *zap.Logger) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedLogger = logger
}

// ProvideMetrics installs the metrics recorder; nil disables metrics.
func ProvideMetrics(recorder MetricsRecorder) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedMetrics = recorder
}

// ProvideGoogleTokenValidator installs the Google ID token validator; nil selects the lazy default.
func ProvideGoogleTokenValidator(validator GoogleTokenValidator) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedGoogleValidator = validator
}

func currentClock() Clock {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	if providedClock == nil {
		return systemClock{}
	}
	return providedClock
}

func currentLogger() *zap.Logger {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	if providedLogger == nil {
		return zap.NewNop()
	}
	return providedLogger
}

func recordMetric(event string) {
	providerMutex.RLock()
	recorder := providedMetrics
	providerMutex.RUnlock()
	if recorder != nil {
		recorder.Increment(event)
	}
}

func currentGoogleValidator(ctx context.Context) (GoogleTokenValidator, error) {
	providerMutex.RLock()
	validator := providedGoogleValidator
	providerMutex.RUnlock()
	if validator != nil {
		return validator, nil
	}
	return newGoogleTokenValidator(ctx)
}
