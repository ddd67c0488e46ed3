// Package errs defines the engine's error taxonomy: every failure that
// crosses a subsystem boundary is categorized, graded, and tagged so the
// recovery workflow can pick a plan without string matching.
package errs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category identifies which recovery plan applies to an error.
type Category string

const (
	CategoryConfig           Category = "CONFIG"
	CategoryConnection       Category = "CONNECTION"
	CategoryDatabase         Category = "DATABASE"
	CategoryTradingExecution Category = "TRADING_EXECUTION"
	CategoryStateInvariant   Category = "STATE_INVARIANT"
	CategoryAnalytics        Category = "ANALYTICS"
	CategoryUserInput        Category = "USER_INPUT"
	CategorySystem           Category = "SYSTEM"
)

// Severity grades how bad an error is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Context records where an error happened.
type Context struct {
	Component string         `json:"component"`
	Operation string         `json:"operation"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TradingError is the enriched error carried through the recovery workflow.
type TradingError struct {
	ID          string    `json:"id"`
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`
	Context     Context   `json:"context"`
	Recoverable bool      `json:"recoverable"`
	Tags        []string  `json:"tags,omitempty"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	Attempts    int       `json:"attempts"`
	Err         error     `json:"-"`
	Message     string    `json:"message"`
}

func (e *TradingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s %s.%s: %s", e.Category, e.Severity, e.Context.Component, e.Context.Operation, e.Err)
	}
	return fmt.Sprintf("%s/%s %s.%s: %s", e.Category, e.Severity, e.Context.Component, e.Context.Operation, e.Message)
}

func (e *TradingError) Unwrap() error { return e.Err }

// Option tweaks a TradingError at construction time.
type Option func(*TradingError)

// WithSeverity overrides the default MEDIUM severity.
func WithSeverity(s Severity) Option {
	return func(e *TradingError) { e.Severity = s }
}

// WithMetadata attaches key/value context.
func WithMetadata(md map[string]any) Option {
	return func(e *TradingError) { e.Context.Metadata = md }
}

// WithTags attaches free-form tags.
func WithTags(tags ...string) Option {
	return func(e *TradingError) { e.Tags = append(e.Tags, tags...) }
}

// NotRecoverable marks the error as beyond the recovery plans.
func NotRecoverable() Option {
	return func(e *TradingError) { e.Recoverable = false }
}

// New builds a TradingError wrapping err.
func New(category Category, component, operation string, err error, opts ...Option) *TradingError {
	te := &TradingError{
		ID:       uuid.New().String(),
		Category: category,
		Severity: SeverityMedium,
		Context: Context{
			Component: component,
			Operation: operation,
		},
		Recoverable: defaultRecoverable(category),
		FirstSeenAt: time.Now(),
		Err:         err,
	}
	if err != nil {
		te.Message = err.Error()
	}
	for _, opt := range opts {
		opt(te)
	}
	return te
}

// Newf builds a TradingError from a format string.
func Newf(category Category, component, operation string, format string, args ...any) *TradingError {
	return New(category, component, operation, fmt.Errorf(format, args...))
}

func defaultRecoverable(c Category) bool {
	switch c {
	case CategoryConfig, CategoryStateInvariant, CategoryUserInput:
		return false
	default:
		return true
	}
}

// From coerces any error into a TradingError. Already-categorized errors pass
// through unchanged; everything else lands in SYSTEM.
func From(err error, component, operation string) *TradingError {
	if err == nil {
		return nil
	}
	var te *TradingError
	if errors.As(err, &te) {
		return te
	}
	return New(CategorySystem, component, operation, err)
}

// CategoryOf returns the category of err, or SYSTEM when untyped.
func CategoryOf(err error) Category {
	var te *TradingError
	if errors.As(err, &te) {
		return te.Category
	}
	return CategorySystem
}

// IsFatal reports whether err must trigger an orderly shutdown: a CRITICAL
// non-recoverable CONNECTION or SYSTEM error.
func IsFatal(err error) bool {
	var te *TradingError
	if !errors.As(err, &te) {
		return false
	}
	if te.Severity != SeverityCritical || te.Recoverable {
		return false
	}
	return te.Category == CategoryConnection || te.Category == CategorySystem
}
