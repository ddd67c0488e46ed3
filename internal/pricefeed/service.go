// Package pricefeed aggregates token prices and pool liquidity from
// prioritized sources with stable fallbacks. Known stablecoins bypass the
// sources entirely with fixed prices.
package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/pkg/types"
)

// Source is one upstream price provider. Sources are consulted in the order
// they were registered.
type Source interface {
	Name() string
	TokenPrice(ctx context.Context, tokenAddress string) (*types.PriceData, error)
	PoolLiquidity(ctx context.Context, poolAddress string) (*types.PoolData, error)
}

// stablecoins maps known mints to their fixed USD price.
var stablecoins = map[string]float64{
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": 1.0, // USDC
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": 1.0, // USDT
}

// cacheTTL is how long a cached quote is served without consulting the
// sources. When every source fails, the last cached quote is served
// whatever its age.
const cacheTTL = 5 * time.Second

type cachedPrice struct {
	data    types.PriceData
	fetched time.Time
}

type cachedPool struct {
	data    types.PoolData
	fetched time.Time
}

// Service is the aggregating price feed.
type Service struct {
	logger  *zap.Logger
	sources []Source

	mu     sync.Mutex
	prices map[string]cachedPrice
	pools  map[string]cachedPool

	now func() time.Time
}

// NewService creates the feed over the given sources, highest priority
// first.
func NewService(logger *zap.Logger, sources ...Source) *Service {
	return &Service{
		logger:  logger.Named("price-feed"),
		sources: sources,
		prices:  make(map[string]cachedPrice),
		pools:   make(map[string]cachedPool),
		now:     time.Now,
	}
}

// GetTokenPrice returns the freshest available quote for a token.
func (s *Service) GetTokenPrice(ctx context.Context, tokenAddress string) (*types.PriceData, error) {
	if price, ok := stablecoins[tokenAddress]; ok {
		return &types.PriceData{
			TokenAddress: tokenAddress,
			PriceUSD:     price,
			Source:       "stablecoin",
			Timestamp:    s.now(),
		}, nil
	}

	s.mu.Lock()
	if cached, ok := s.prices[tokenAddress]; ok && s.now().Sub(cached.fetched) < cacheTTL {
		s.mu.Unlock()
		data := cached.data
		return &data, nil
	}
	s.mu.Unlock()

	var lastErr error
	for _, src := range s.sources {
		data, err := src.TokenPrice(ctx, tokenAddress)
		if err != nil {
			lastErr = err
			s.logger.Debug("price source failed, falling back",
				zap.String("source", src.Name()),
				zap.String("token", tokenAddress),
				zap.Error(err),
			)
			continue
		}
		if data == nil {
			continue
		}
		s.mu.Lock()
		s.prices[tokenAddress] = cachedPrice{data: *data, fetched: s.now()}
		s.mu.Unlock()
		return data, nil
	}

	// Serve a stale cache entry rather than nothing when every source is
	// down.
	s.mu.Lock()
	cached, ok := s.prices[tokenAddress]
	s.mu.Unlock()
	if ok {
		data := cached.data
		return &data, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all price sources failed for %s: %w", tokenAddress, lastErr)
	}
	return nil, nil
}

// GetPoolLiquidity returns pool liquidity with the same fallback chain.
func (s *Service) GetPoolLiquidity(ctx context.Context, poolAddress string) (*types.PoolData, error) {
	s.mu.Lock()
	if cached, ok := s.pools[poolAddress]; ok && s.now().Sub(cached.fetched) < cacheTTL {
		s.mu.Unlock()
		data := cached.data
		return &data, nil
	}
	s.mu.Unlock()

	var lastErr error
	for _, src := range s.sources {
		data, err := src.PoolLiquidity(ctx, poolAddress)
		if err != nil {
			lastErr = err
			continue
		}
		if data == nil {
			continue
		}
		s.mu.Lock()
		s.pools[poolAddress] = cachedPool{data: *data, fetched: s.now()}
		s.mu.Unlock()
		return data, nil
	}

	s.mu.Lock()
	cached, ok := s.pools[poolAddress]
	s.mu.Unlock()
	if ok {
		data := cached.data
		return &data, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all pool sources failed for %s: %w", poolAddress, lastErr)
	}
	return nil, nil
}
