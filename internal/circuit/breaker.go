// Package circuit implements per-dependency circuit breakers. Each breaker is
// a named CLOSED/OPEN/HALF_OPEN machine gating calls to one flaky dependency.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker's current position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// Config tunes one breaker.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Timeout          time.Duration // open window before probing
	MonitoringPeriod time.Duration // stats window (diagnostics only)
}

// DefaultConfig returns the registry-wide defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          60 * time.Second,
		MonitoringPeriod: 5 * time.Minute,
	}
}

// Stats is a snapshot of a breaker's counters.
type Stats struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	FailureCount    int           `json:"failureCount"`
	SuccessCount    int           `json:"successCount"`
	TotalRequests   int64         `json:"totalRequests"`
	TotalFailures   int64         `json:"totalFailures"`
	LastFailureTime *time.Time    `json:"lastFailureTime,omitempty"`
	LastSuccessTime *time.Time    `json:"lastSuccessTime,omitempty"`
	NextAttemptTime *time.Time    `json:"nextAttemptTime,omitempty"`
	Uptime          time.Duration `json:"uptime"`
	DowntimeTotal   time.Duration `json:"downtimeTotal"`
}

// StateChange notifies observers of a breaker flip.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Breaker guards one dependency. All counters live under the breaker's own
// mutex; Execute never holds the lock across the wrapped call.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	totalRequests   int64
	totalFailures   int64
	lastFailure     time.Time
	lastSuccess     time.Time
	nextAttempt     time.Time
	createdAt       time.Time
	openedAt        time.Time
	downtimeTotal   time.Duration
	stateChangeHook func(StateChange)

	now func() time.Time
}

// NewBreaker creates a CLOSED breaker.
func NewBreaker(name string, config Config, logger *zap.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	b := &Breaker{
		name:   name,
		config: config,
		logger: logger.Named("breaker").With(zap.String("breaker", name)),
		state:  StateClosed,
		now:    time.Now,
	}
	b.createdAt = b.now()
	return b
}

// OnStateChange registers a single observer for flips. Invoked outside the
// breaker lock.
func (b *Breaker) OnStateChange(fn func(StateChange)) {
	b.mu.Lock()
	b.stateChangeHook = fn
	b.mu.Unlock()
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn under the breaker. In OPEN before nextAttemptTime the call
// is rejected without invoking fn. The first call at or after nextAttemptTime
// flips to HALF_OPEN and is allowed through as a probe.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	change, err := b.admit()
	if change != nil {
		b.notify(*change)
	}
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	change = b.record(callErr)
	if change != nil {
		b.notify(*change)
	}
	return callErr
}

// admit decides whether a call may proceed.
func (b *Breaker) admit() (*StateChange, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			return nil, fmt.Errorf("%s: %w until %s", b.name, ErrOpen, b.nextAttempt.Format(time.RFC3339))
		}
		change := b.transitionLocked(StateHalfOpen)
		return change, nil
	default:
		return nil, nil
	}
}

// record applies a call outcome to the breaker state.
func (b *Breaker) record(callErr error) *StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	if callErr != nil {
		b.totalFailures++
		b.lastFailure = b.now()
		switch b.state {
		case StateHalfOpen:
			return b.openLocked()
		case StateClosed:
			b.failureCount++
			if b.failureCount >= b.config.FailureThreshold {
				return b.openLocked()
			}
		}
		return nil
	}

	b.lastSuccess = b.now()
	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			change := b.transitionLocked(StateClosed)
			b.failureCount = 0
			b.successCount = 0
			return change
		}
	case StateClosed:
		b.failureCount = 0
	}
	return nil
}

// openLocked flips to OPEN and schedules the next probe window.
func (b *Breaker) openLocked() *StateChange {
	change := b.transitionLocked(StateOpen)
	b.nextAttempt = b.now().Add(b.config.Timeout)
	b.successCount = 0
	return change
}

// transitionLocked records a state flip and its downtime accounting.
func (b *Breaker) transitionLocked(to State) *StateChange {
	from := b.state
	if from == to {
		return nil
	}
	now := b.now()
	if from == StateOpen {
		b.downtimeTotal += now.Sub(b.openedAt)
	}
	if to == StateOpen {
		b.openedAt = now
	}
	b.state = to
	b.logger.Info("breaker state change",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return &StateChange{Name: b.name, From: from, To: to, At: now}
}

func (b *Breaker) notify(change StateChange) {
	b.mu.Lock()
	hook := b.stateChangeHook
	b.mu.Unlock()
	if hook != nil {
		hook(change)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceOpen trips the breaker for operator intervention.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	change := b.openLocked()
	b.mu.Unlock()
	if change != nil {
		b.notify(*change)
	}
}

// Reset returns the breaker to CLOSED with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.transitionLocked(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.nextAttempt = time.Time{}
	b.mu.Unlock()
	if change != nil {
		b.notify(*change)
	}
}

// GetStats returns a snapshot of the counters.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	s := Stats{
		Name:          b.name,
		State:         b.state,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		TotalRequests: b.totalRequests,
		TotalFailures: b.totalFailures,
		Uptime:        now.Sub(b.createdAt),
		DowntimeTotal: b.downtimeTotal,
	}
	if b.state == StateOpen {
		s.DowntimeTotal += now.Sub(b.openedAt)
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureTime = &t
	}
	if !b.lastSuccess.IsZero() {
		t := b.lastSuccess
		s.LastSuccessTime = &t
	}
	if !b.nextAttempt.IsZero() && b.state == StateOpen {
		t := b.nextAttempt
		s.NextAttemptTime = &t
	}
	return s
}

// HealthMetrics derives availability and failure-rate figures from a stats
// snapshot.
type HealthMetrics struct {
	AvailabilityPct float64       `json:"availabilityPct"`
	ErrorRatePct    float64       `json:"errorRatePct"`
	MTBF            time.Duration `json:"mtbf"`
}

// Health computes derived health figures for the breaker.
func (b *Breaker) Health() HealthMetrics {
	s := b.GetStats()
	m := HealthMetrics{AvailabilityPct: 100}
	if s.Uptime > 0 {
		m.AvailabilityPct = 100 * float64(s.Uptime-s.DowntimeTotal) / float64(s.Uptime)
	}
	if s.TotalRequests > 0 {
		m.ErrorRatePct = 100 * float64(s.TotalFailures) / float64(s.TotalRequests)
	}
	if s.TotalFailures > 0 {
		m.MTBF = time.Duration(int64(s.Uptime) / s.TotalFailures)
	}
	return m
}
