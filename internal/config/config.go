// Package config loads the engine configuration from YAML and environment
// variables via viper, layered over the documented defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/liquidsnipe/engine/pkg/types"
)

// Load reads configuration from path (optional) and ENGINE_* environment
// variables, validates it, and returns the typed tree.
func Load(path string) (*types.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("engine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := types.DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults mirrors types.DefaultConfig into viper so env overrides land
// on the right keys.
func setDefaults(v *viper.Viper) {
	def := types.DefaultConfig()

	v.SetDefault("rpc.connectionTimeout", def.RPC.ConnectionTimeout)
	v.SetDefault("rpc.commitment", def.RPC.Commitment)
	v.SetDefault("rpc.reconnectPolicy.maxRetries", def.RPC.Reconnect.MaxRetries)
	v.SetDefault("rpc.reconnectPolicy.baseDelay", def.RPC.Reconnect.BaseDelay)
	v.SetDefault("rpc.reconnectPolicy.maxDelay", def.RPC.Reconnect.MaxDelay)
	v.SetDefault("rpc.requestsPerSecond", def.RPC.RequestsPerSecond)

	v.SetDefault("wallet.riskPercent", def.Wallet.RiskPercent)
	v.SetDefault("wallet.maxTotalRiskPercent", def.Wallet.MaxTotalRiskPercent)
	v.SetDefault("wallet.confirmationRequired", def.Wallet.ConfirmationRequired)

	v.SetDefault("tradeConfig.minLiquidityUsd", def.TradeConfig.MinLiquidityUSD)
	v.SetDefault("tradeConfig.maxSlippagePercent", def.TradeConfig.MaxSlippagePercent)
	v.SetDefault("tradeConfig.defaultTradeAmountUsd", def.TradeConfig.DefaultTradeAmountUSD)
	v.SetDefault("tradeConfig.maxTradeAmountUsd", def.TradeConfig.MaxTradeAmountUSD)
	v.SetDefault("tradeConfig.maxHoldingTimeMinutes", def.TradeConfig.MaxHoldingTimeMinutes)
	v.SetDefault("tradeConfig.minPoolAgeSeconds", def.TradeConfig.MinPoolAgeSeconds)

	v.SetDefault("circuitBreaker.failureThreshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuitBreaker.successThreshold", def.CircuitBreaker.SuccessThreshold)
	v.SetDefault("circuitBreaker.timeout", def.CircuitBreaker.Timeout)
	v.SetDefault("circuitBreaker.monitoringPeriod", def.CircuitBreaker.MonitoringPeriod)

	v.SetDefault("monitoring.priceVolatilityThreshold", def.Monitoring.PriceVolatilityThreshold)
	v.SetDefault("monitoring.volumeSpikeMultiplier", def.Monitoring.VolumeSpikeMultiplier)
	v.SetDefault("monitoring.liquidityDropThreshold", def.Monitoring.LiquidityDropThreshold)
	v.SetDefault("monitoring.monitoringInterval", def.Monitoring.MonitoringInterval)
	v.SetDefault("monitoring.historicalDataWindow", def.Monitoring.HistoricalDataWindow)
	v.SetDefault("monitoring.expectedSlotTime", def.Monitoring.ExpectedSlotTime)

	v.SetDefault("risk.maxPortfolioPercentage", def.Risk.MaxPortfolioPercentage)
	v.SetDefault("risk.maxSinglePositionUsd", def.Risk.MaxSinglePositionUSD)
	v.SetDefault("risk.maxTotalExposureUsd", def.Risk.MaxTotalExposureUSD)
	v.SetDefault("risk.maxDailyLossUsd", def.Risk.MaxDailyLossUSD)
	v.SetDefault("risk.maxDrawdownPercent", def.Risk.MaxDrawdownPercent)
	v.SetDefault("risk.concentrationThreshold", def.Risk.ConcentrationThreshold)
	v.SetDefault("risk.correlationThreshold", def.Risk.CorrelationThreshold)
	v.SetDefault("risk.assessmentInterval", def.Risk.AssessmentInterval)

	v.SetDefault("slippage.basePercent", def.Slippage.BasePercent)
	v.SetDefault("slippage.maxPercent", def.Slippage.MaxPercent)
	v.SetDefault("slippage.emergencyPercent", def.Slippage.EmergencyPercent)
	v.SetDefault("slippage.volatilityMultiplier", def.Slippage.VolatilityMultiplier)
	v.SetDefault("slippage.impactThreshold", def.Slippage.ImpactThreshold)
	v.SetDefault("slippage.liquidityThreshold", def.Slippage.LiquidityThreshold)

	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("database.backupInterval", def.Database.BackupInterval)
	v.SetDefault("database.pruneInterval", def.Database.PruneInterval)
	v.SetDefault("database.eventRetention", def.Database.EventRetention)
	v.SetDefault("database.backupDirectory", def.Database.BackupDirectory)

	v.SetDefault("api.enabled", def.API.Enabled)
	v.SetDefault("api.host", def.API.Host)
	v.SetDefault("api.port", def.API.Port)

	v.SetDefault("pollingInterval", def.PollingInterval)
	v.SetDefault("dryRun", def.DryRun)
	v.SetDefault("logLevel", def.LogLevel)

	v.SetDefault("rpc.httpUrl", "")
	v.SetDefault("rpc.wsUrl", "")
}
