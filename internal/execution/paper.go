// Package execution provides trade executors. The engine core only sees the
// executor interface; this package ships the paper executor, which fills
// orders at the feed price without touching the chain. Live execution plugs
// in behind the same interface.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/slippage"
	"github.com/liquidsnipe/engine/pkg/types"
)

// PriceSource is the slice of the price feed the paper executor fills
// against.
type PriceSource interface {
	GetTokenPrice(ctx context.Context, tokenAddress string) (*types.PriceData, error)
	GetPoolLiquidity(ctx context.Context, poolAddress string) (*types.PoolData, error)
}

// PaperExecutor simulates fills at the current feed price, applying the
// protector's recommended slippage as execution cost.
type PaperExecutor struct {
	logger    *zap.Logger
	feed      PriceSource
	protector *slippage.Protector

	now func() time.Time
}

// NewPaperExecutor creates a paper executor.
func NewPaperExecutor(logger *zap.Logger, feed PriceSource, protector *slippage.Protector) *PaperExecutor {
	return &PaperExecutor{
		logger:    logger.Named("paper-executor"),
		feed:      feed,
		protector: protector,
		now:       time.Now,
	}
}

// ExecuteTrade fills a buy decision.
func (e *PaperExecutor) ExecuteTrade(ctx context.Context, decision types.TradeDecision) (types.TradeResult, error) {
	price, err := e.feed.GetTokenPrice(ctx, decision.TargetToken)
	if err != nil {
		return types.TradeResult{}, fmt.Errorf("paper fill price: %w", err)
	}
	if price == nil || price.PriceUSD <= 0 {
		return types.TradeResult{
			Success:   false,
			Error:     "no price available for paper fill",
			Timestamp: e.now(),
		}, nil
	}

	liquidity := 0.0
	if pool, err := e.feed.GetPoolLiquidity(ctx, decision.PoolAddress); err == nil && pool != nil {
		liquidity = pool.LiquidityUSD
	}
	est := e.protector.Recommend(slippage.Inputs{
		TradeUSD:         decision.TradeAmountUSD,
		PoolLiquidityUSD: liquidity,
	})

	result := types.TradeResult{
		Success:    true,
		Signature:  "PAPER_" + uuid.New().String(),
		TradeID:    uuid.New().String(),
		PositionID: uuid.New().String(),
		Timestamp:  e.now(),
	}
	e.logger.Info("paper trade filled",
		zap.String("token", decision.TargetToken),
		zap.Float64("amount_usd", decision.TradeAmountUSD),
		zap.Float64("fill_price", price.PriceUSD),
		zap.Float64("slippage_pct", est.RecommendedPct),
	)
	return result, nil
}

// ExecuteExit fills a sell for a position.
func (e *PaperExecutor) ExecuteExit(ctx context.Context, pos types.Position, urgency types.ExitUrgency) (types.TradeResult, error) {
	price, err := e.feed.GetTokenPrice(ctx, pos.TokenAddress)
	if err != nil {
		return types.TradeResult{}, fmt.Errorf("paper exit price: %w", err)
	}
	if price == nil || price.PriceUSD <= 0 {
		return types.TradeResult{
			Success:   false,
			Error:     "no price available for paper exit",
			Timestamp: e.now(),
		}, nil
	}

	result := types.TradeResult{
		Success:    true,
		Signature:  "PAPER_" + uuid.New().String(),
		TradeID:    uuid.New().String(),
		PositionID: pos.ID,
		Timestamp:  e.now(),
	}
	e.logger.Info("paper exit filled",
		zap.String("position_id", pos.ID),
		zap.String("urgency", string(urgency)),
		zap.Float64("fill_price", price.PriceUSD),
	)
	return result, nil
}
