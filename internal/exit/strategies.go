// Package exit implements the pluggable exit-strategy predicates evaluated
// against each position on every monitoring tick. Strategies are pure
// predicates over the position context plus narrow data hooks; the most
// protective family wins ties.
package exit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liquidsnipe/engine/internal/position"
	"github.com/liquidsnipe/engine/pkg/types"
)

// Signal is a strategy's demand to exit a position.
type Signal struct {
	Reason         string            `json:"reason"`
	Urgency        types.ExitUrgency `json:"urgency"`
	PartialExitPct float64           `json:"partialExitPct,omitempty"`
}

// Strategy is one exit predicate. Evaluate returns nil when the strategy does
// not trigger.
type Strategy interface {
	Type() string
	// Priority orders tie-breaks; lower wins. Most protective first:
	// liquidity > loss > developer > time > profit.
	Priority() int
	Evaluate(ctx position.Context, now time.Time) *Signal
}

// LiquidityFn reports (current, initial) pool liquidity in USD. ok=false when
// the pool is unknown.
type LiquidityFn func(poolAddress string) (current, initial float64, ok bool)

// DeveloperActivityFn reports whether suspicious developer activity was
// flagged for a token (external signal).
type DeveloperActivityFn func(tokenAddress string) bool

// Deps are the external data hooks strategies may consult.
type Deps struct {
	Liquidity         LiquidityFn
	DeveloperActivity DeveloperActivityFn
}

// NewFromConfig builds the enabled strategies from config, sorted by
// protection priority.
func NewFromConfig(configs []types.ExitStrategyConfig, deps Deps) ([]Strategy, error) {
	var out []Strategy
	for _, c := range configs {
		if !c.Enabled {
			continue
		}
		switch c.Type {
		case "profit":
			out = append(out, &ProfitStrategy{
				TargetPercent:   param(c.Params, "profitPercentage", 50),
				TrailingPercent: param(c.Params, "trailingStopPercent", 0),
				peaks:           make(map[string]float64),
			})
		case "loss":
			out = append(out, &LossStrategy{
				LossPercent: param(c.Params, "lossPercentage", 20),
			})
		case "time":
			out = append(out, &TimeStrategy{
				MaxHolding: time.Duration(param(c.Params, "maxHoldingMinutes", 1440)) * time.Minute,
			})
		case "liquidity":
			out = append(out, &LiquidityDropStrategy{
				DropPercent: param(c.Params, "dropPercentage", 50),
				liquidity:   deps.Liquidity,
			})
		case "developer-activity":
			out = append(out, &DeveloperActivityStrategy{
				activity: deps.DeveloperActivity,
			})
		default:
			return nil, fmt.Errorf("unknown exit strategy type %q", c.Type)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out, nil
}

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

// Evaluate runs the strategies in priority order and returns the first
// signal, or nil.
func Evaluate(strategies []Strategy, ctx position.Context, now time.Time) *Signal {
	for _, s := range strategies {
		if sig := s.Evaluate(ctx, now); sig != nil {
			return sig
		}
	}
	return nil
}

// ProfitStrategy exits once PnL reaches the target. With a trailing stop it
// arms at the target instead and exits when the price gives back the
// configured percentage from its peak. The trailing stop is checked only
// while PnL is at or above the target; once PnL falls below the target this
// strategy gives no signal.
type ProfitStrategy struct {
	TargetPercent   float64
	TrailingPercent float64

	mu    sync.Mutex
	peaks map[string]float64 // positionID → peak price since target hit
}

func (s *ProfitStrategy) Type() string  { return "profit" }
func (s *ProfitStrategy) Priority() int { return 4 }

func (s *ProfitStrategy) Evaluate(ctx position.Context, _ time.Time) *Signal {
	if ctx.CurrentPrice <= 0 {
		return nil
	}
	if ctx.PnLPercent < s.TargetPercent {
		return nil
	}
	if s.TrailingPercent <= 0 {
		return &Signal{
			Reason:  "profit target",
			Urgency: types.ExitUrgencyMedium,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	peak := s.peaks[ctx.PositionID]
	if ctx.CurrentPrice > peak {
		s.peaks[ctx.PositionID] = ctx.CurrentPrice
		return nil
	}
	if peak <= 0 {
		return nil
	}
	drawback := (peak - ctx.CurrentPrice) / peak * 100
	if drawback >= s.TrailingPercent {
		return &Signal{
			Reason:  fmt.Sprintf("trailing stop: %.1f%% below peak", drawback),
			Urgency: types.ExitUrgencyHigh,
		}
	}
	return nil
}

// Forget drops trailing state for a closed position.
func (s *ProfitStrategy) Forget(positionID string) {
	s.mu.Lock()
	delete(s.peaks, positionID)
	s.mu.Unlock()
}

// LossStrategy exits when the loss reaches or exceeds the configured
// percentage.
type LossStrategy struct {
	LossPercent float64
}

func (s *LossStrategy) Type() string  { return "loss" }
func (s *LossStrategy) Priority() int { return 1 }

func (s *LossStrategy) Evaluate(ctx position.Context, _ time.Time) *Signal {
	if ctx.CurrentPrice <= 0 {
		return nil
	}
	if ctx.PnLPercent <= -s.LossPercent {
		return &Signal{
			Reason:  fmt.Sprintf("stop loss: %.1f%% down", -ctx.PnLPercent),
			Urgency: types.ExitUrgencyHigh,
		}
	}
	return nil
}

// TimeStrategy exits positions held past the maximum holding time.
type TimeStrategy struct {
	MaxHolding time.Duration
}

func (s *TimeStrategy) Type() string  { return "time" }
func (s *TimeStrategy) Priority() int { return 3 }

func (s *TimeStrategy) Evaluate(ctx position.Context, now time.Time) *Signal {
	if s.MaxHolding <= 0 {
		return nil
	}
	if ctx.HoldingTime(now) >= s.MaxHolding {
		return &Signal{
			Reason:  "max holding time reached",
			Urgency: types.ExitUrgencyLow,
		}
	}
	return nil
}

// LiquidityDropStrategy exits immediately when pool liquidity collapses
// relative to its initial level.
type LiquidityDropStrategy struct {
	DropPercent float64
	liquidity   LiquidityFn
}

func (s *LiquidityDropStrategy) Type() string  { return "liquidity" }
func (s *LiquidityDropStrategy) Priority() int { return 0 }

func (s *LiquidityDropStrategy) Evaluate(ctx position.Context, _ time.Time) *Signal {
	if s.liquidity == nil {
		return nil
	}
	current, initial, ok := s.liquidity(ctx.PoolAddress)
	if !ok || initial <= 0 {
		return nil
	}
	drop := (initial - current) / initial * 100
	if drop >= s.DropPercent {
		return &Signal{
			Reason:  fmt.Sprintf("liquidity drained %.1f%% from initial", drop),
			Urgency: types.ExitUrgencyImmediate,
		}
	}
	return nil
}

// DeveloperActivityStrategy exits when the external signal flags the token's
// developer wallets.
type DeveloperActivityStrategy struct {
	activity DeveloperActivityFn
}

func (s *DeveloperActivityStrategy) Type() string  { return "developer-activity" }
func (s *DeveloperActivityStrategy) Priority() int { return 2 }

func (s *DeveloperActivityStrategy) Evaluate(ctx position.Context, _ time.Time) *Signal {
	if s.activity == nil {
		return nil
	}
	if s.activity(ctx.TokenAddress) {
		return &Signal{
			Reason:  "suspicious developer activity",
			Urgency: types.ExitUrgencyHigh,
		}
	}
	return nil
}
