package position

import (
	"math"
	"time"
)

// Context holds the mutable numeric view of a position. All fields are
// written only by the owning Machine under its context mutex; Snapshot hands
// out consistent copies.
type Context struct {
	PositionID     string     `json:"positionId"`
	TokenAddress   string     `json:"tokenAddress"`
	PoolAddress    string     `json:"poolAddress"`
	EntryPrice     float64    `json:"entryPrice"`
	Amount         float64    `json:"amount"`
	EntryTimestamp time.Time  `json:"entryTimestamp"`

	CurrentPrice    float64    `json:"currentPrice,omitempty"`
	LastPriceUpdate *time.Time `json:"lastPriceUpdate,omitempty"`
	PnLPercent      float64    `json:"pnlPercent"`
	PnLUSD          float64    `json:"pnlUsd"`

	ExitReason    string     `json:"exitReason,omitempty"`
	ExitTimestamp *time.Time `json:"exitTimestamp,omitempty"`
	Error         string     `json:"error,omitempty"`

	closed bool
}

// validPrice rejects prices that must never mutate the context.
func validPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

// applyPrice writes the consistent quadruple {currentPrice, lastPriceUpdate,
// pnlPercent, pnlUsd}. Caller holds the context mutex.
func (c *Context) applyPrice(price float64, at time.Time) {
	c.CurrentPrice = price
	t := at
	c.LastPriceUpdate = &t
	if c.EntryPrice > 0 {
		c.PnLPercent = (price - c.EntryPrice) / c.EntryPrice * 100
		c.PnLUSD = c.PnLPercent * c.Amount / 100
	}
}

// HoldingTime returns how long the position has been open as of now.
func (c *Context) HoldingTime(now time.Time) time.Duration {
	return now.Sub(c.EntryTimestamp)
}
