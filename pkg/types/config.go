// Package types: configuration tree loaded by internal/config.
package types

import (
	"fmt"
	"time"
)

// Config is the full engine configuration.
type Config struct {
	RPC             RPCConfig            `mapstructure:"rpc"`
	Wallet          WalletConfig         `mapstructure:"wallet"`
	TradeConfig     TradeConfig          `mapstructure:"tradeConfig"`
	ExitStrategies  []ExitStrategyConfig `mapstructure:"exitStrategies"`
	CircuitBreaker  CircuitBreakerConfig `mapstructure:"circuitBreaker"`
	Monitoring      MonitoringConfig     `mapstructure:"monitoring"`
	Risk            RiskConfig           `mapstructure:"risk"`
	Slippage        SlippageConfig       `mapstructure:"slippage"`
	Database        DatabaseConfig       `mapstructure:"database"`
	API             APIConfig            `mapstructure:"api"`
	PollingInterval time.Duration        `mapstructure:"pollingInterval"`
	DryRun          bool                 `mapstructure:"dryRun"`
	LogLevel        string               `mapstructure:"logLevel"`
}

// RPCConfig configures the blockchain adapter.
type RPCConfig struct {
	HTTPURL           string          `mapstructure:"httpUrl"`
	WSURL             string          `mapstructure:"wsUrl"`
	ConnectionTimeout time.Duration   `mapstructure:"connectionTimeout"`
	Commitment        string          `mapstructure:"commitment"`
	Reconnect         ReconnectPolicy `mapstructure:"reconnectPolicy"`
	RequestsPerSecond float64         `mapstructure:"requestsPerSecond"`
}

// ReconnectPolicy bounds reconnect attempts with exponential backoff.
type ReconnectPolicy struct {
	MaxRetries int           `mapstructure:"maxRetries"`
	BaseDelay  time.Duration `mapstructure:"baseDelay"`
	MaxDelay   time.Duration `mapstructure:"maxDelay"`
}

// WalletConfig bounds how much of the wallet a single run may risk.
type WalletConfig struct {
	RiskPercent          float64  `mapstructure:"riskPercent"`
	MaxTotalRiskPercent  float64  `mapstructure:"maxTotalRiskPercent"`
	ConfirmationRequired bool     `mapstructure:"confirmationRequired"`
	ExcludedTokens       []string `mapstructure:"excludedTokens"`
}

// TradeConfig governs candidate admission and sizing.
type TradeConfig struct {
	MinLiquidityUSD       float64  `mapstructure:"minLiquidityUsd"`
	MaxSlippagePercent    float64  `mapstructure:"maxSlippagePercent"`
	DefaultTradeAmountUSD float64  `mapstructure:"defaultTradeAmountUsd"`
	MaxTradeAmountUSD     float64  `mapstructure:"maxTradeAmountUsd"`
	MinTokenPrice         float64  `mapstructure:"minTokenPrice"`
	MaxTokenSupply        float64  `mapstructure:"maxTokenSupply"`
	MaxHoldingTimeMinutes int      `mapstructure:"maxHoldingTimeMinutes"`
	RequiredBaseTokens    []string `mapstructure:"requiredBaseTokens"`
	MinPoolAgeSeconds     int      `mapstructure:"minPoolAgeSeconds"`
}

// ExitStrategyConfig is one typed entry in the ordered exit-strategy list.
type ExitStrategyConfig struct {
	Type    string             `mapstructure:"type"` // profit, loss, time, liquidity, developer-activity
	Enabled bool               `mapstructure:"enabled"`
	Params  map[string]float64 `mapstructure:"params"`
}

// CircuitBreakerConfig holds the default thresholds for registry breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failureThreshold"`
	SuccessThreshold int           `mapstructure:"successThreshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MonitoringPeriod time.Duration `mapstructure:"monitoringPeriod"`
}

// MonitoringConfig tunes the market monitor.
type MonitoringConfig struct {
	PriceVolatilityThreshold float64       `mapstructure:"priceVolatilityThreshold"`
	VolumeSpikeMultiplier    float64       `mapstructure:"volumeSpikeMultiplier"`
	LiquidityDropThreshold   float64       `mapstructure:"liquidityDropThreshold"`
	MonitoringInterval       time.Duration `mapstructure:"monitoringInterval"`
	HistoricalDataWindow     time.Duration `mapstructure:"historicalDataWindow"`
	ExpectedSlotTime         time.Duration `mapstructure:"expectedSlotTime"`
}

// RiskConfig tunes the risk manager's scoring and caps.
type RiskConfig struct {
	MaxPortfolioPercentage float64       `mapstructure:"maxPortfolioPercentage"`
	MaxSinglePositionUSD   float64       `mapstructure:"maxSinglePositionUsd"`
	MaxTotalExposureUSD    float64       `mapstructure:"maxTotalExposureUsd"`
	MaxDailyLossUSD        float64       `mapstructure:"maxDailyLossUsd"`
	MaxDrawdownPercent     float64       `mapstructure:"maxDrawdownPercent"`
	ConcentrationThreshold float64       `mapstructure:"concentrationThreshold"`
	CorrelationThreshold   float64       `mapstructure:"correlationThreshold"`
	AssessmentInterval     time.Duration `mapstructure:"assessmentInterval"`
}

// SlippageConfig tunes slippage protection.
type SlippageConfig struct {
	BasePercent          float64 `mapstructure:"basePercent"`
	MaxPercent           float64 `mapstructure:"maxPercent"`
	EmergencyPercent     float64 `mapstructure:"emergencyPercent"`
	VolatilityMultiplier float64 `mapstructure:"volatilityMultiplier"`
	ImpactThreshold      float64 `mapstructure:"impactThreshold"`
	LiquidityThreshold   float64 `mapstructure:"liquidityThreshold"`
}

// DatabaseConfig locates the embedded database.
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	BackupInterval  time.Duration `mapstructure:"backupInterval"`
	PruneInterval   time.Duration `mapstructure:"pruneInterval"`
	EventRetention  time.Duration `mapstructure:"eventRetention"`
	BackupDirectory string        `mapstructure:"backupDirectory"`
}

// APIConfig configures the status HTTP server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// DefaultConfig returns the documented defaults. RPC URLs are required and
// deliberately left empty.
func DefaultConfig() Config {
	return Config{
		RPC: RPCConfig{
			ConnectionTimeout: 30 * time.Second,
			Commitment:        "confirmed",
			Reconnect: ReconnectPolicy{
				MaxRetries: 5,
				BaseDelay:  time.Second,
				MaxDelay:   60 * time.Second,
			},
			RequestsPerSecond: 10,
		},
		Wallet: WalletConfig{
			RiskPercent:         5,
			MaxTotalRiskPercent: 20,
		},
		TradeConfig: TradeConfig{
			MinLiquidityUSD:       1000,
			MaxSlippagePercent:    2,
			DefaultTradeAmountUSD: 100,
			MaxTradeAmountUSD:     1000,
			MaxHoldingTimeMinutes: 1440,
			MinPoolAgeSeconds:     5,
		},
		ExitStrategies: []ExitStrategyConfig{
			{Type: "profit", Enabled: true, Params: map[string]float64{"profitPercentage": 50}},
			{Type: "loss", Enabled: true, Params: map[string]float64{"lossPercentage": 20}},
			{Type: "time", Enabled: true, Params: map[string]float64{"maxHoldingMinutes": 1440}},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			Timeout:          60 * time.Second,
			MonitoringPeriod: 5 * time.Minute,
		},
		Monitoring: MonitoringConfig{
			PriceVolatilityThreshold: 10,
			VolumeSpikeMultiplier:    3,
			LiquidityDropThreshold:   20,
			MonitoringInterval:       30 * time.Second,
			HistoricalDataWindow:     30 * time.Minute,
			ExpectedSlotTime:         400 * time.Millisecond,
		},
		Risk: RiskConfig{
			MaxPortfolioPercentage: 20,
			MaxSinglePositionUSD:   500,
			MaxTotalExposureUSD:    1000,
			MaxDailyLossUSD:        200,
			MaxDrawdownPercent:     25,
			ConcentrationThreshold: 40,
			CorrelationThreshold:   0.7,
			AssessmentInterval:     time.Minute,
		},
		Slippage: SlippageConfig{
			BasePercent:          1,
			MaxPercent:           10,
			EmergencyPercent:     15,
			VolatilityMultiplier: 2,
			ImpactThreshold:      1,
			LiquidityThreshold:   10000,
		},
		Database: DatabaseConfig{
			Path:            "./data/engine.db",
			BackupInterval:  time.Hour,
			PruneInterval:   6 * time.Hour,
			EventRetention:  7 * 24 * time.Hour,
			BackupDirectory: "./data/backups",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    8080,
		},
		PollingInterval: time.Second,
		DryRun:          false,
		LogLevel:        "info",
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.RPC.HTTPURL == "" {
		return fmt.Errorf("rpc.httpUrl is required")
	}
	if c.RPC.WSURL == "" {
		return fmt.Errorf("rpc.wsUrl is required")
	}
	if c.TradeConfig.DefaultTradeAmountUSD <= 0 {
		return fmt.Errorf("tradeConfig.defaultTradeAmountUsd must be positive")
	}
	if c.TradeConfig.MaxTradeAmountUSD < c.TradeConfig.DefaultTradeAmountUSD {
		return fmt.Errorf("tradeConfig.maxTradeAmountUsd must be >= defaultTradeAmountUsd")
	}
	if c.Slippage.MaxPercent < c.Slippage.BasePercent {
		return fmt.Errorf("slippage.maxPercent must be >= basePercent")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 || c.CircuitBreaker.SuccessThreshold <= 0 {
		return fmt.Errorf("circuitBreaker thresholds must be positive")
	}
	if c.PollingInterval <= 0 {
		return fmt.Errorf("pollingInterval must be positive")
	}
	for _, s := range c.ExitStrategies {
		switch s.Type {
		case "profit", "loss", "time", "liquidity", "developer-activity":
		default:
			return fmt.Errorf("unknown exit strategy type %q", s.Type)
		}
	}
	return nil
}
