package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/liquidsnipe/engine/pkg/types"
)

// HTTPSource pulls quotes from a DexScreener-style JSON API.
type HTTPSource struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates an HTTP source.
func NewHTTPSource(name, baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Name() string { return s.name }

// TokenPrice fetches /tokens/{address}.
func (s *HTTPSource) TokenPrice(ctx context.Context, tokenAddress string) (*types.PriceData, error) {
	var payload struct {
		PriceUSD float64 `json:"priceUsd"`
	}
	if err := s.get(ctx, s.baseURL+"/tokens/"+tokenAddress, &payload); err != nil {
		return nil, err
	}
	if payload.PriceUSD <= 0 {
		return nil, nil
	}
	return &types.PriceData{
		TokenAddress: tokenAddress,
		PriceUSD:     payload.PriceUSD,
		Source:       s.name,
		Timestamp:    time.Now(),
	}, nil
}

// PoolLiquidity fetches /pairs/{address}.
func (s *HTTPSource) PoolLiquidity(ctx context.Context, poolAddress string) (*types.PoolData, error) {
	var payload struct {
		Liquidity struct {
			USD float64 `json:"usd"`
		} `json:"liquidity"`
		Volume struct {
			H24 float64 `json:"h24"`
		} `json:"volume"`
	}
	if err := s.get(ctx, s.baseURL+"/pairs/"+poolAddress, &payload); err != nil {
		return nil, err
	}
	if payload.Liquidity.USD <= 0 {
		return nil, nil
	}
	return &types.PoolData{
		PoolAddress:  poolAddress,
		LiquidityUSD: payload.Liquidity.USD,
		Volume24hUSD: payload.Volume.H24,
		Timestamp:    time.Now(),
	}, nil
}

func (s *HTTPSource) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", s.name, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
