// Package coordinator contains the event-driven workflow coordinators:
// trading (pool → decision → trade), position (price ticks → exit), and data
// management (backup/prune). Coordinators own their state machines;
// everything external is consumed through the interfaces below.
package coordinator

import (
	"context"
	"time"

	"github.com/liquidsnipe/engine/internal/risk"
	"github.com/liquidsnipe/engine/pkg/types"
)

// StrategyEngine evaluates a candidate pool. A nil decision means "pass".
type StrategyEngine interface {
	EvaluatePool(ctx context.Context, pool types.NewPoolEvent) (*types.TradeDecision, error)
}

// TradeExecutor performs the actual swaps. Never called in dry-run mode.
type TradeExecutor interface {
	ExecuteTrade(ctx context.Context, decision types.TradeDecision) (types.TradeResult, error)
	ExecuteExit(ctx context.Context, pos types.Position, urgency types.ExitUrgency) (types.TradeResult, error)
}

// PositionRepository is the narrow persistence surface the coordinators use.
type PositionRepository interface {
	AddPosition(ctx context.Context, pos types.Position) error
	GetPosition(ctx context.Context, id string) (*types.Position, error)
	GetOpenPositions(ctx context.Context) ([]types.Position, error)
	ClosePosition(ctx context.Context, id, exitTradeID string, exitTs time.Time, pnlUSD, pnlPct float64) error
}

// PriceFeed supplies token prices and pool liquidity.
type PriceFeed interface {
	GetTokenPrice(ctx context.Context, tokenAddress string) (*types.PriceData, error)
	GetPoolLiquidity(ctx context.Context, poolAddress string) (*types.PoolData, error)
}

// RiskGate is the slice of the risk manager the trading coordinator needs.
type RiskGate interface {
	AssessTradeRisk(decision types.TradeDecision) risk.TradeGateResult
	RecordTradePnL(pnlUSD float64)
}
