package errs

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// dedupeWindow is how long an identical (message, component) pair suppresses
// duplicate alerts.
const dedupeWindow = 5 * time.Minute

// Handler aggregates errors by component and severity and decides which ones
// deserve an alert. One failing component flooding the bus must not storm the
// notification channel.
type Handler struct {
	logger *zap.Logger

	mu          sync.Mutex
	byComponent map[string]int
	bySeverity  map[Severity]int
	lastAlert   map[string]time.Time // key: message|component
	total       int

	now func() time.Time
}

// NewHandler creates an error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger:      logger.Named("error-handler"),
		byComponent: make(map[string]int),
		bySeverity:  make(map[Severity]int),
		lastAlert:   make(map[string]time.Time),
		now:         time.Now,
	}
}

// Handle records the error and reports whether an alert should be raised for
// it (false when deduped within the window).
func (h *Handler) Handle(te *TradingError) bool {
	if te == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	h.byComponent[te.Context.Component]++
	h.bySeverity[te.Severity]++

	h.logger.Error("error handled",
		zap.String("id", te.ID),
		zap.String("category", string(te.Category)),
		zap.String("severity", string(te.Severity)),
		zap.String("component", te.Context.Component),
		zap.String("operation", te.Context.Operation),
		zap.Bool("recoverable", te.Recoverable),
		zap.Error(te.Err),
	)

	key := te.Message + "|" + te.Context.Component
	now := h.now()
	if last, ok := h.lastAlert[key]; ok && now.Sub(last) < dedupeWindow {
		return false
	}
	h.lastAlert[key] = now
	return true
}

// Stats is a snapshot of the rolling error counts.
type Stats struct {
	Total       int              `json:"total"`
	ByComponent map[string]int   `json:"byComponent"`
	BySeverity  map[Severity]int `json:"bySeverity"`
}

// GetStats returns a copy of the aggregated counts.
func (h *Handler) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Stats{
		Total:       h.total,
		ByComponent: make(map[string]int, len(h.byComponent)),
		BySeverity:  make(map[Severity]int, len(h.bySeverity)),
	}
	for k, v := range h.byComponent {
		s.ByComponent[k] = v
	}
	for k, v := range h.bySeverity {
		s.BySeverity[k] = v
	}
	return s
}
