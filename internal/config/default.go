package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Default returns a complete, valid backtest configuration for the
// pure_lending_usdt mode. Embedders and tests start from this and override.
func Default() *Config {
	return &Config{
		Mode:              "pure_lending_usdt",
		ShareClass:        "USDT",
		InitialCapital:    decimal.NewFromInt(10000),
		ReportingCurrency: "USD",
		ExecutionMode:     "backtest",
		Environment:       "dev",
		Components: ComponentConfig{
			PositionMonitor: PositionMonitorConfig{
				PositionSubscriptions: []string{
					"wallet:BaseToken:USDT",
					"aave_v3:aToken:aUSDT",
				},
			},
			ExposureMonitor: ExposureMonitorConfig{
				ExposureCurrency: "USD",
				TrackAssets:      []string{"USDT"},
				ConversionMethods: map[string]ConversionConfig{
					"wallet:BaseToken:USDT": {Method: "direct", Underlying: "USDT"},
					"aave_v3:aToken:aUSDT":  {Method: "lending_index", Underlying: "USDT"},
				},
			},
			RiskMonitor: RiskMonitorConfig{
				// a pure stablecoin book is all USDT delta on purpose, so the
				// delta evaluator stays off in the default mode
				EnabledRiskTypes:  []string{},
				RiskLimits:        map[string]decimal.Decimal{},
				WarningThreshold:  decimal.RequireFromString("0.8"),
				CriticalThreshold: decimal.RequireFromString("0.95"),
			},
			PnLMonitor: PnLMonitorConfig{
				AttributionTypes:        []string{"price", "fees", "lending_yield"},
				ReconciliationTolerance: decimal.RequireFromString("0.01"),
			},
			StrategyManager: StrategyManagerConfig{
				StrategyType:               "pure_lending_usdt",
				RebalancingTriggers:        []string{"position_deviation"},
				PositionDeviationThreshold: decimal.RequireFromString("0.02"),
				ReserveRatio:               decimal.RequireFromString("0"),
				HedgeAllocation:            decimal.RequireFromString("0"),
			},
			ExecutionManager: ExecutionManagerConfig{
				SupportedActions: []string{"entry_full", "exit_full"},
				ActionMapping:    map[string]string{"entry_full": "supply", "exit_full": "withdraw"},
				MaxRetries:       3,
				TightLoopTimeout: 30 * time.Second,
				RetryDelay:       100 * time.Millisecond,
			},
		},
		Venues: map[string]VenueConfig{
			"wallet": {
				Enabled:     true,
				Kind:        "wallet",
				Instruments: []string{"wallet:BaseToken:USDT"},
				MinAmount:   decimal.Zero,
			},
			"aave_v3": {
				Enabled:     true,
				Kind:        "lending",
				Instruments: []string{"aave_v3:aToken:aUSDT"},
				CanonicalInstruments: map[string]string{
					"aUSDT": "USDT",
				},
				MinAmount: decimal.NewFromInt(1),
			},
		},
		Logging: LoggingConfig{Dir: "logs", Level: "info"},
		Data:    DataConfig{},
	}
}
