// Package recovery maps categorized errors to ordered recovery plans and
// executes them with bounded retries. A secondary per-category breaker stops
// recovery attempts for categories that keep failing.
package recovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/errs"
	"github.com/liquidsnipe/engine/internal/events"
)

// ActionType is one kind of recovery step.
type ActionType string

const (
	ActionReconnect        ActionType = "RECONNECT"
	ActionFailover         ActionType = "FAILOVER"
	ActionRestartComponent ActionType = "RESTART_COMPONENT"
	ActionRetry            ActionType = "RETRY"
	ActionShutdown         ActionType = "SHUTDOWN"
)

// Step is one entry of a recovery plan: try the action up to Attempts times
// with Delay before each try.
type Step struct {
	Action   ActionType
	Attempts int
	Delay    time.Duration
}

// plans maps error categories to their ordered recovery chain.
var plans = map[errs.Category][]Step{
	errs.CategoryConnection: {
		{Action: ActionReconnect, Attempts: 5, Delay: time.Second},
		{Action: ActionFailover, Attempts: 3, Delay: 5 * time.Second},
		{Action: ActionRestartComponent, Attempts: 2, Delay: 10 * time.Second},
	},
	errs.CategoryDatabase: {
		{Action: ActionRetry, Attempts: 3, Delay: 500 * time.Millisecond},
		{Action: ActionRestartComponent, Attempts: 2, Delay: 5 * time.Second},
	},
	errs.CategoryTradingExecution: {
		{Action: ActionRetry, Attempts: 2, Delay: 2 * time.Second},
		{Action: ActionFailover, Attempts: 1, Delay: 5 * time.Second},
	},
	errs.CategorySystem: {
		{Action: ActionRestartComponent, Attempts: 3, Delay: time.Second},
		{Action: ActionShutdown, Attempts: 1, Delay: 30 * time.Second},
	},
}

// Secondary categorical breaker thresholds.
const (
	categoryTripCount  = 5
	categoryTripWindow = 5 * time.Minute
	categoryResetAfter = 10 * time.Minute
)

// Actions is the set of effectors the recovery workflow can invoke. Wired at
// startup to the real adapters.
type Actions interface {
	Reconnect(ctx context.Context) error
	Failover(ctx context.Context) error
	RestartComponent(ctx context.Context, component string) error
	Retry(ctx context.Context, e *errs.TradingError) error
	Shutdown(ctx context.Context) error
}

// categoryBreaker tracks recent error times for one category.
type categoryBreaker struct {
	times    []time.Time
	openedAt time.Time
	open     bool
}

// Coordinator consumes error events and runs recovery plans.
type Coordinator struct {
	logger  *zap.Logger
	bus     *events.Bus
	actions Actions
	handler *errs.Handler

	mu         sync.Mutex
	categories map[errs.Category]*categoryBreaker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewCoordinator creates the recovery coordinator.
func NewCoordinator(logger *zap.Logger, bus *events.Bus, actions Actions, handler *errs.Handler) *Coordinator {
	return &Coordinator{
		logger:     logger.Named("recovery"),
		bus:        bus,
		actions:    actions,
		handler:    handler,
		categories: make(map[errs.Category]*categoryBreaker),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Start subscribes to error events. Recovery for each error runs on its own
// goroutine; per-error plans are independent.
func (c *Coordinator) Start(ctx context.Context) {
	c.bus.Subscribe(events.EventTypeError, func(event events.Event) error {
		ee, ok := event.(events.ErrorEvent)
		if !ok {
			return nil
		}
		te := errs.From(ee.Err, ee.Component, ee.Operation)
		if ee.Err == nil {
			te = errs.Newf(errs.Category(ee.Category), ee.Component, ee.Operation, "%s", ee.Message)
			te.Severity = errs.Severity(ee.Severity)
			te.Recoverable = ee.Recoverable
		}
		go c.Handle(ctx, te)
		return nil
	})
}

// Handle routes one error through dedupe, fatality check, the categorical
// breaker, and the recovery plan.
func (c *Coordinator) Handle(ctx context.Context, te *errs.TradingError) {
	alert := c.handler.Handle(te)

	if errs.IsFatal(te) {
		c.logger.Error("fatal error, requesting shutdown",
			zap.String("category", string(te.Category)),
			zap.String("component", te.Context.Component),
		)
		c.bus.Publish(events.NewEmergencyShutdown(te.Error()))
		return
	}

	if alert {
		c.bus.Publish(events.NotificationEvent{
			BaseEvent: events.BaseEvent{Type: events.EventTypeNotification, Timestamp: c.now()},
			Level:     string(te.Severity),
			Title:     string(te.Category) + " error",
			Message:   te.Error(),
		})
	}

	if !te.Recoverable {
		return
	}

	if c.categoryTripped(te.Category) {
		c.logger.Warn("category breaker open, skipping recovery",
			zap.String("category", string(te.Category)),
		)
		return
	}

	if c.Recover(ctx, te) {
		return
	}

	// Plan exhausted: surface, and shut down when a required component is
	// gone for good.
	c.logger.Error("recovery plan exhausted",
		zap.String("category", string(te.Category)),
		zap.String("component", te.Context.Component),
		zap.Int("attempts", te.Attempts),
	)
	if te.Category == errs.CategoryConnection || te.Category == errs.CategoryDatabase {
		c.bus.Publish(events.NewEmergencyShutdown(
			"required component unrecoverable: " + te.Context.Component))
	}
}

// Recover executes the category's plan. Returns true when any step
// succeeded.
func (c *Coordinator) Recover(ctx context.Context, te *errs.TradingError) bool {
	category := te.Category
	if category == "" {
		category = errs.CategorySystem
	}
	plan, ok := plans[category]
	if !ok {
		return false
	}

	for _, step := range plan {
		for attempt := 1; attempt <= step.Attempts; attempt++ {
			if !c.sleep(ctx, step.Delay) {
				return false
			}
			te.Attempts++
			err := c.execute(ctx, step.Action, te)
			if err == nil {
				c.logger.Info("recovery succeeded",
					zap.String("category", string(category)),
					zap.String("action", string(step.Action)),
					zap.Int("attempt", attempt),
				)
				return true
			}
			c.logger.Warn("recovery attempt failed",
				zap.String("action", string(step.Action)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	return false
}

func (c *Coordinator) execute(ctx context.Context, action ActionType, te *errs.TradingError) error {
	switch action {
	case ActionReconnect:
		return c.actions.Reconnect(ctx)
	case ActionFailover:
		return c.actions.Failover(ctx)
	case ActionRestartComponent:
		return c.actions.RestartComponent(ctx, te.Context.Component)
	case ActionRetry:
		return c.actions.Retry(ctx, te)
	case ActionShutdown:
		return c.actions.Shutdown(ctx)
	default:
		return nil
	}
}

// categoryTripped records the error and reports whether the category's
// secondary breaker is open.
func (c *Coordinator) categoryTripped(category errs.Category) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cb, ok := c.categories[category]
	if !ok {
		cb = &categoryBreaker{}
		c.categories[category] = cb
	}

	if cb.open {
		if now.Sub(cb.openedAt) >= categoryResetAfter {
			cb.open = false
			cb.times = nil
			c.logger.Info("category breaker reset",
				zap.String("category", string(category)),
			)
			c.bus.Publish(events.BreakerEvent{
				BaseEvent: events.BaseEvent{Type: events.EventTypeBreakerReset, Timestamp: now},
				Name:      "category:" + string(category),
				State:     "CLOSED",
			})
		} else {
			return true
		}
	}

	cb.times = append(cb.times, now)
	cutoff := now.Add(-categoryTripWindow)
	i := 0
	for i < len(cb.times) && cb.times[i].Before(cutoff) {
		i++
	}
	cb.times = cb.times[i:]

	if len(cb.times) >= categoryTripCount {
		cb.open = true
		cb.openedAt = now
		c.logger.Warn("category breaker tripped",
			zap.String("category", string(category)),
			zap.Int("errors_in_window", len(cb.times)),
		)
		c.bus.Publish(events.BreakerEvent{
			BaseEvent: events.BaseEvent{Type: events.EventTypeBreakerTripped, Timestamp: now},
			Name:      "category:" + string(category),
			State:     "OPEN",
		})
		return true
	}
	return false
}
