// Package events provides the typed in-process pub/sub broker shared by the
// whole engine. Publication is non-blocking; delivery per event kind
// preserves producer order to each subscriber.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/pkg/types"
)

// EventType defines the category of event.
type EventType string

const (
	EventTypeNewPool        EventType = "newPool"
	EventTypeTradeDecision  EventType = "tradeDecision"
	EventTypeTradeResult    EventType = "tradeResult"
	EventTypePositionUpdate EventType = "positionUpdate"
	EventTypeExitRequest    EventType = "exitRequest"
	EventTypeError          EventType = "error"
	EventTypeSystemStatus   EventType = "systemStatus"
	EventTypeNotification   EventType = "notification"
	EventTypeBreakerTripped EventType = "circuitBreakerTriggered"
	EventTypeBreakerReset   EventType = "circuitBreakerReset"

	// Diagnostics
	EventTypeCycleComplete      EventType = "cycleComplete"
	EventTypeHealthStatusUpdate EventType = "healthStatusUpdate"
	EventTypeAlert              EventType = "alert"
	EventTypeConfigUpdated      EventType = "configUpdated"
	EventTypeEmergencyShutdown  EventType = "emergencyShutdown"
)

// Event is the base interface for everything conveyed on the bus.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
}

// BaseEvent provides common event fields.
type BaseEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) GetType() EventType      { return e.Type }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }

func newBase(t EventType) BaseEvent {
	return BaseEvent{Type: t, Timestamp: time.Now()}
}

// NewPoolEvent wraps a freshly discovered pool.
type NewPoolEvent struct {
	BaseEvent
	Pool types.NewPoolEvent `json:"pool"`
}

// TradeDecisionEvent carries an approved decision toward execution.
type TradeDecisionEvent struct {
	BaseEvent
	WorkflowID string              `json:"workflowId"`
	Decision   types.TradeDecision `json:"decision"`
}

// TradeResultEvent reports an execution outcome.
type TradeResultEvent struct {
	BaseEvent
	WorkflowID string              `json:"workflowId"`
	Decision   types.TradeDecision `json:"decision"`
	Result     types.TradeResult   `json:"result"`
}

// PositionUpdateEvent is published when a position opens, on every monitoring
// tick of a position in MONITORING (whether or not its price changed), and on
// close.
type PositionUpdateEvent struct {
	BaseEvent
	PositionID   string  `json:"positionId"`
	TokenAddress string  `json:"tokenAddress"`
	State        string  `json:"state"`
	CurrentPrice float64 `json:"currentPrice"`
	PnLPercent   float64 `json:"pnlPercent"`
	PnLUSD       float64 `json:"pnlUsd"`
	Closed       bool    `json:"closed"`
}

// ExitRequestEvent asks the position coordinator to close a position.
type ExitRequestEvent struct {
	BaseEvent
	Request types.ExitRequest `json:"request"`
}

// ErrorEvent routes a categorized error to the recovery coordinator.
type ErrorEvent struct {
	BaseEvent
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Component   string `json:"component"`
	Operation   string `json:"operation"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Err         error  `json:"-"`
}

// SystemStatusEvent announces system state machine transitions.
type SystemStatusEvent struct {
	BaseEvent
	State    string `json:"state"`
	Previous string `json:"previous"`
	Reason   string `json:"reason,omitempty"`
}

// NotificationEvent is a user-facing message for external channels.
type NotificationEvent struct {
	BaseEvent
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// BreakerEvent reports a circuit breaker state change.
type BreakerEvent struct {
	BaseEvent
	Name  string `json:"name"`
	State string `json:"state"`
}

// AlertEvent wraps an analytics alert.
type AlertEvent struct {
	BaseEvent
	Alert types.Alert `json:"alert"`
}

// CycleCompleteEvent marks the end of a periodic cycle (monitoring, risk,
// market) for diagnostics.
type CycleCompleteEvent struct {
	BaseEvent
	Cycle    string        `json:"cycle"`
	Duration time.Duration `json:"duration"`
}

// EmergencyShutdownEvent requests an orderly shutdown.
type EmergencyShutdownEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

// Constructors keep timestamps consistent at publish sites.

func NewPool(p types.NewPoolEvent) NewPoolEvent {
	return NewPoolEvent{BaseEvent: newBase(EventTypeNewPool), Pool: p}
}

func NewTradeDecision(workflowID string, d types.TradeDecision) TradeDecisionEvent {
	return TradeDecisionEvent{BaseEvent: newBase(EventTypeTradeDecision), WorkflowID: workflowID, Decision: d}
}

func NewTradeResult(workflowID string, d types.TradeDecision, r types.TradeResult) TradeResultEvent {
	return TradeResultEvent{BaseEvent: newBase(EventTypeTradeResult), WorkflowID: workflowID, Decision: d, Result: r}
}

func NewExitRequest(req types.ExitRequest) ExitRequestEvent {
	return ExitRequestEvent{BaseEvent: newBase(EventTypeExitRequest), Request: req}
}

func NewError(category, severity, component, operation, message string, recoverable bool, err error) ErrorEvent {
	return ErrorEvent{
		BaseEvent:   newBase(EventTypeError),
		Category:    category,
		Severity:    severity,
		Component:   component,
		Operation:   operation,
		Message:     message,
		Recoverable: recoverable,
		Err:         err,
	}
}

func NewAlert(a types.Alert) AlertEvent {
	return AlertEvent{BaseEvent: newBase(EventTypeAlert), Alert: a}
}

func NewEmergencyShutdown(reason string) EmergencyShutdownEvent {
	return EmergencyShutdownEvent{BaseEvent: newBase(EventTypeEmergencyShutdown), Reason: reason}
}

// EventHandler processes one event. A returned error is logged and counted
// but never poisons delivery to the remaining handlers.
type EventHandler func(event Event) error

// Subscription represents an active registration on the bus.
type Subscription struct {
	ID        int64
	EventType EventType
	Handler   EventHandler
	active    atomic.Bool
}

// IsActive returns whether the subscription still receives events.
func (s *Subscription) IsActive() bool { return s.active.Load() }

// Stats tracks bus throughput.
type Stats struct {
	EventsPublished   int64 `json:"eventsPublished"`
	EventsProcessed   int64 `json:"eventsProcessed"`
	EventsDropped     int64 `json:"eventsDropped"`
	ProcessingErrors  int64 `json:"processingErrors"`
	ActiveSubscribers int64 `json:"activeSubscribers"`
}

// Config sizes the per-kind delivery queues.
type Config struct {
	QueueSize int `json:"queueSize"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 4096}
}

// Bus is the central event broker. Each event kind gets its own delivery
// goroutine so producer order is preserved per kind while kinds stay
// independent of each other.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription
	lanes          map[EventType]chan Event
	queueSize      int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewBus creates the event bus and starts no goroutines until the first
// publish of each kind.
func NewBus(logger *zap.Logger, config Config) *Bus {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subscribers: make(map[EventType][]*Subscription),
		lanes:       make(map[EventType]chan Event),
		queueSize:   config.QueueSize,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("event-bus"),
	}
}

var subscriptionCounter atomic.Int64

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:        subscriptionCounter.Add(1),
		EventType: eventType,
		Handler:   handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()

	b.activeSubscribers.Add(1)
	b.logger.Debug("subscription added",
		zap.Int64("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)
	return sub
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:        subscriptionCounter.Add(1),
		EventType: "*",
		Handler:   handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.allSubscribers = append(b.allSubscribers, sub)
	b.mu.Unlock()

	b.activeSubscribers.Add(1)
	return sub
}

// Unsubscribe deactivates a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		b.activeSubscribers.Add(-1)
	}
}

// Publish enqueues an event without blocking. When the kind's queue is full
// the event is dropped and counted.
func (b *Bus) Publish(event Event) {
	lane := b.lane(event.GetType())

	select {
	case lane <- event:
		b.eventsPublished.Add(1)
	case <-b.ctx.Done():
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("event dropped, queue full",
			zap.String("event_type", string(event.GetType())),
		)
	}
}

// PublishSync delivers an event inline, bypassing the queue. Used by tests
// and shutdown paths that need completion before returning.
func (b *Bus) PublishSync(event Event) {
	b.eventsPublished.Add(1)
	b.deliver(event)
}

// lane returns the delivery channel for a kind, creating it and its
// dispatcher goroutine on first use.
func (b *Bus) lane(t EventType) chan Event {
	b.mu.RLock()
	lane, ok := b.lanes[t]
	b.mu.RUnlock()
	if ok {
		return lane
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if lane, ok = b.lanes[t]; ok {
		return lane
	}
	lane = make(chan Event, b.queueSize)
	b.lanes[t] = lane

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case ev := <-lane:
				b.deliver(ev)
			}
		}
	}()
	return lane
}

// deliver routes an event to its subscribers in registration order.
func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	subs := b.subscribers[event.GetType()]
	allSubs := b.allSubscribers
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(sub, event)
	}
	for _, sub := range allSubs {
		b.invoke(sub, event)
	}
	b.eventsProcessed.Add(1)
}

// invoke runs one handler with panic containment.
func (b *Bus) invoke(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.processingErrors.Add(1)
			b.logger.Error("event handler panic",
				zap.Int64("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		b.processingErrors.Add(1)
		b.logger.Warn("event handler error",
			zap.Int64("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

// GetStats returns current throughput counters.
func (b *Bus) GetStats() Stats {
	return Stats{
		EventsPublished:   b.eventsPublished.Load(),
		EventsProcessed:   b.eventsProcessed.Load(),
		EventsDropped:     b.eventsDropped.Load(),
		ProcessingErrors:  b.processingErrors.Load(),
		ActiveSubscribers: b.activeSubscribers.Load(),
	}
}

// Stop shuts the bus down; queued events still in lanes are discarded.
func (b *Bus) Stop() {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("event bus stopped",
			zap.Int64("events_processed", b.eventsProcessed.Load()),
			zap.Int64("events_dropped", b.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		b.logger.Warn("event bus shutdown timed out")
	}
}
