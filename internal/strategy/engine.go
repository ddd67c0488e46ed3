// Package strategy implements the default pool-admission strategy: liquidity,
// pool age, base token, and price filters over a fresh candidate, sized by
// the trade config and priced for slippage.
package strategy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/slippage"
	"github.com/liquidsnipe/engine/pkg/types"
)

// PriceSource is the slice of the price feed the engine consults.
type PriceSource interface {
	GetTokenPrice(ctx context.Context, tokenAddress string) (*types.PriceData, error)
	GetPoolLiquidity(ctx context.Context, poolAddress string) (*types.PoolData, error)
}

// Engine evaluates new pools against the trade config.
type Engine struct {
	logger    *zap.Logger
	config    types.TradeConfig
	wallet    types.WalletConfig
	feed      PriceSource
	protector *slippage.Protector

	now func() time.Time
}

// NewEngine creates the strategy engine.
func NewEngine(logger *zap.Logger, config types.TradeConfig, wallet types.WalletConfig, feed PriceSource, protector *slippage.Protector) *Engine {
	return &Engine{
		logger:    logger.Named("strategy"),
		config:    config,
		wallet:    wallet,
		feed:      feed,
		protector: protector,
		now:       time.Now,
	}
}

// EvaluatePool decides whether to buy into a new pool. A nil decision means
// pass.
func (e *Engine) EvaluatePool(ctx context.Context, pool types.NewPoolEvent) (*types.TradeDecision, error) {
	target, base, ok := e.pickTarget(pool)
	if !ok {
		e.logger.Debug("pool has no acceptable base token",
			zap.String("pool", pool.PoolAddress),
		)
		return nil, nil
	}

	for _, excluded := range e.wallet.ExcludedTokens {
		if excluded == target {
			return nil, nil
		}
	}

	if age := e.now().Sub(pool.Timestamp); age < time.Duration(e.config.MinPoolAgeSeconds)*time.Second {
		// Too fresh; rug pulls concentrate in the first seconds.
		return nil, nil
	}

	poolData, err := e.feed.GetPoolLiquidity(ctx, pool.PoolAddress)
	if err != nil {
		return nil, fmt.Errorf("pool liquidity: %w", err)
	}
	if poolData == nil || poolData.LiquidityUSD < e.config.MinLiquidityUSD {
		return nil, nil
	}

	priceData, err := e.feed.GetTokenPrice(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("token price: %w", err)
	}
	if priceData == nil || priceData.PriceUSD <= 0 {
		return nil, nil
	}
	if e.config.MinTokenPrice > 0 && priceData.PriceUSD < e.config.MinTokenPrice {
		return nil, nil
	}

	amount := e.config.DefaultTradeAmountUSD
	if amount > e.config.MaxTradeAmountUSD {
		amount = e.config.MaxTradeAmountUSD
	}

	impact := e.protector.MarketImpact(amount, poolData.LiquidityUSD)
	if impact > e.config.MaxSlippagePercent*2 {
		// Pool too thin for the configured size even before volatility.
		return nil, nil
	}

	return &types.TradeDecision{
		ShouldTrade:       true,
		TargetToken:       target,
		BaseToken:         base,
		PoolAddress:       pool.PoolAddress,
		TradeAmountUSD:    amount,
		ExpectedAmountOut: amount / priceData.PriceUSD,
		Price:             priceData.PriceUSD,
		Reason: fmt.Sprintf("liquidity $%.0f on %s, impact %.2f%%",
			poolData.LiquidityUSD, pool.DEX, impact),
		RiskScore: impact * 5,
	}, nil
}

// pickTarget selects the non-base side of the pair. With required base
// tokens configured, pools without one are skipped.
func (e *Engine) pickTarget(pool types.NewPoolEvent) (target, base string, ok bool) {
	if len(e.config.RequiredBaseTokens) == 0 {
		return pool.TokenA, pool.TokenB, pool.TokenA != ""
	}
	for _, b := range e.config.RequiredBaseTokens {
		if pool.TokenB == b {
			return pool.TokenA, pool.TokenB, pool.TokenA != ""
		}
		if pool.TokenA == b {
			return pool.TokenB, pool.TokenA, pool.TokenB != ""
		}
	}
	return "", "", false
}
