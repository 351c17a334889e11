// Package config defines all configuration the engine consumes.
// Config is loaded from a YAML file with BASIS_* environment overrides for
// the environment selector and execution mode. Validation is fail-fast:
// safety-relevant fields have no silent defaults and missing values surface
// as CONF- coded errors at construction, never mid-run.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"basis-engine/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure; the engine treats it as already validated.
type Config struct {
	Mode              string          `mapstructure:"mode"`
	ShareClass        string          `mapstructure:"share_class"`
	InitialCapital    decimal.Decimal `mapstructure:"initial_capital"`
	ReportingCurrency string          `mapstructure:"reporting_currency"`
	ExecutionMode     string          `mapstructure:"execution_mode"` // backtest | live
	Environment       string          `mapstructure:"environment"`    // dev | staging | prod
	StateDir          string          `mapstructure:"state_dir"`      // live: checkpoint dir, empty disables

	Components ComponentConfig        `mapstructure:"component_config"`
	Venues     map[string]VenueConfig `mapstructure:"venues"`
	Logging    LoggingConfig          `mapstructure:"logging"`
	Data       DataConfig             `mapstructure:"data"`
}

// ComponentConfig groups the per-component sections.
type ComponentConfig struct {
	PositionMonitor  PositionMonitorConfig  `mapstructure:"position_monitor"`
	ExposureMonitor  ExposureMonitorConfig  `mapstructure:"exposure_monitor"`
	RiskMonitor      RiskMonitorConfig      `mapstructure:"risk_monitor"`
	PnLMonitor       PnLMonitorConfig       `mapstructure:"pnl_monitor"`
	StrategyManager  StrategyManagerConfig  `mapstructure:"strategy_manager"`
	ExecutionManager ExecutionManagerConfig `mapstructure:"execution_manager"`
}

// PositionMonitorConfig declares the instrument universe for the run. Every
// key any component touches must be in this list.
type PositionMonitorConfig struct {
	PositionSubscriptions []string `mapstructure:"position_subscriptions"`
}

// ConversionConfig selects how one instrument folds into reporting currency.
type ConversionConfig struct {
	// Method is one of: direct (stable 1:1), usd_price, perp_mark,
	// lending_index (amount/supply_index * underlying price),
	// staking_rate (amount/conversion_rate * underlying price),
	// debt (negative usd_price).
	Method     string `mapstructure:"method"`
	Underlying string `mapstructure:"underlying"` // asset the position is exposure to
}

// ExposureMonitorConfig configures per-instrument valuation.
type ExposureMonitorConfig struct {
	ExposureCurrency  string                      `mapstructure:"exposure_currency"`
	TrackAssets       []string                    `mapstructure:"track_assets"`
	ConversionMethods map[string]ConversionConfig `mapstructure:"conversion_methods"` // keyed by instrument key
}

// RiskMonitorConfig enables evaluators and sets their limits. Thresholds are
// required for every enabled risk type.
type RiskMonitorConfig struct {
	EnabledRiskTypes   []string                   `mapstructure:"enabled_risk_types"` // health_factor, ltv, margin_ratio, delta, funding
	RiskLimits         map[string]decimal.Decimal `mapstructure:"risk_limits"`
	DeltaTolerance     decimal.Decimal            `mapstructure:"delta_tolerance"`
	DeltaTrackingAsset string                     `mapstructure:"delta_tracking_asset"`
	WarningThreshold   decimal.Decimal            `mapstructure:"warning_threshold"`
	CriticalThreshold  decimal.Decimal            `mapstructure:"critical_threshold"`
}

// PnLMonitorConfig selects attribution streams and the reconciliation
// tolerance used by the tight loop.
type PnLMonitorConfig struct {
	AttributionTypes        []string        `mapstructure:"attribution_types"` // price, funding, fees, lending_yield, staking_yield
	ReconciliationTolerance decimal.Decimal `mapstructure:"reconciliation_tolerance"`
}

// StrategyManagerConfig tunes the strategy variant selected by Mode.
type StrategyManagerConfig struct {
	StrategyType               string          `mapstructure:"strategy_type"`
	RebalancingTriggers        []string        `mapstructure:"rebalancing_triggers"`
	PositionDeviationThreshold decimal.Decimal `mapstructure:"position_deviation_threshold"`
	ReserveRatio               decimal.Decimal `mapstructure:"reserve_ratio"`
	HedgeAllocation            decimal.Decimal `mapstructure:"hedge_allocation"`
}

// ExecutionManagerConfig bounds retries and the tight loop.
type ExecutionManagerConfig struct {
	SupportedActions []string          `mapstructure:"supported_actions"`
	ActionMapping    map[string]string `mapstructure:"action_mapping"`
	MaxRetries       int               `mapstructure:"max_retries"`
	TightLoopTimeout time.Duration     `mapstructure:"tight_loop_timeout"`
	RetryDelay       time.Duration     `mapstructure:"retry_delay"`
}

// VenueConfig describes one venue: its kind, tradeable universe, limits, and
// (live mode) endpoints. Credentials never live here; the venue factory reads
// them from the environment keyed by BASIS_ENVIRONMENT.
type VenueConfig struct {
	Enabled              bool              `mapstructure:"enabled"`
	Kind                 string            `mapstructure:"kind"` // cex | lending | staking | dex | transfer | flash_loan | wallet
	Instruments          []string          `mapstructure:"instruments"`
	CanonicalInstruments map[string]string `mapstructure:"canonical_instruments"`
	OrderTypes           []string          `mapstructure:"order_types"`
	MinAmount            decimal.Decimal   `mapstructure:"min_amount"`
	MaxLeverage          decimal.Decimal   `mapstructure:"max_leverage"`
	FeeRate              decimal.Decimal   `mapstructure:"fee_rate"` // taker fee fraction used by the simulator

	RESTBaseURL  string  `mapstructure:"rest_base_url"`
	WSURL        string  `mapstructure:"ws_url"`
	RPCURL       string  `mapstructure:"rpc_url"`
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`

	// on-chain venues only
	ContractAddress string                 `mapstructure:"contract_address"`
	Tokens          map[string]TokenConfig `mapstructure:"tokens"`
}

// TokenConfig locates one ERC-20 an on-chain venue touches.
type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// LoggingConfig holds the informational logging knobs; these may default.
type LoggingConfig struct {
	Dir     string `mapstructure:"dir"`   // run directory root, default "logs"
	Level   string `mapstructure:"level"` // default "info"
	Console bool   `mapstructure:"console"`
}

// DataConfig selects the data provider and live cadences.
type DataConfig struct {
	Source              string        `mapstructure:"source"` // sqlite | live
	SQLitePath          string        `mapstructure:"sqlite_path"`
	FeedURL             string        `mapstructure:"feed_url"`              // live: websocket market feed
	PollURL             string        `mapstructure:"poll_url"`              // live: REST base URL for index polling
	PollInterval        time.Duration `mapstructure:"poll_interval"`         // live: venue feed poll cadence
	TickInterval        time.Duration `mapstructure:"tick_interval"`         // live: engine tick cadence
	RealRefreshInterval time.Duration `mapstructure:"real_refresh_interval"` // live: out-of-band full refresh, 0 = off
}

// Load reads config from a YAML file with env var overrides.
// BASIS_ENVIRONMENT and BASIS_EXECUTION_MODE always win over file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BASIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if env := os.Getenv("BASIS_ENVIRONMENT"); env != "" {
		cfg.Environment = env
	}
	if mode := os.Getenv("BASIS_EXECUTION_MODE"); mode != "" {
		cfg.ExecutionMode = mode
	}

	return &cfg, nil
}

// decodeHook converts YAML scalars into decimal.Decimal and keeps the stock
// duration/slice conversions viper would otherwise apply.
func decodeHook() mapstructure.DecodeHookFunc {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	toDecimal := func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return decimal.NewFromString(val)
		case float64:
			return decimal.NewFromFloat(val), nil
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		default:
			return data, nil
		}
	}
	return mapstructure.ComposeDecodeHookFunc(
		toDecimal,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// recognized enum values for validation
var (
	validKinds = map[string]bool{
		"cex": true, "lending": true, "staking": true, "dex": true,
		"transfer": true, "flash_loan": true, "wallet": true,
	}
	validConversions = map[string]bool{
		"direct": true, "usd_price": true, "perp_mark": true,
		"lending_index": true, "staking_rate": true, "debt": true,
	}
	validRiskTypes = map[string]bool{
		"health_factor": true, "ltv": true, "margin_ratio": true,
		"delta": true, "funding": true,
	}
	validAttributions = map[string]bool{
		"price": true, "funding": true, "fees": true,
		"lending_yield": true, "staking_yield": true,
	}
)

// Validate checks every field the engine reads. Safety-relevant fields must
// be present; only informational fields (logging) may default.
func (c *Config) Validate() error {
	if c.Mode == "" {
		return types.Codedf(types.CodeConfMissingField, "mode is required")
	}
	if !c.InitialCapital.IsPositive() {
		return types.Codedf(types.CodeConfMissingField, "initial_capital must be > 0")
	}
	if c.ReportingCurrency == "" {
		return types.Codedf(types.CodeConfMissingField, "reporting_currency is required")
	}
	switch types.ExecutionMode(c.ExecutionMode) {
	case types.ModeBacktest, types.ModeLive:
	default:
		return types.Codedf(types.CodeConfMissingField,
			"execution_mode must be backtest or live, got %q", c.ExecutionMode)
	}
	switch types.Environment(c.Environment) {
	case types.EnvDev, types.EnvStaging, types.EnvProd:
	default:
		return types.Codedf(types.CodeConfMissingField,
			"environment must be dev, staging, or prod, got %q (set BASIS_ENVIRONMENT)", c.Environment)
	}

	if err := c.validateSubscriptions(); err != nil {
		return err
	}
	if err := c.validateExposure(); err != nil {
		return err
	}
	if err := c.validateRisk(); err != nil {
		return err
	}
	if err := c.validatePnL(); err != nil {
		return err
	}
	if err := c.validateExecution(); err != nil {
		return err
	}
	if err := c.validateVenues(); err != nil {
		return err
	}
	if err := c.validateData(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateSubscriptions() error {
	subs := c.Components.PositionMonitor.PositionSubscriptions
	if len(subs) == 0 {
		return types.Codedf(types.CodeConfMissingField,
			"component_config.position_monitor.position_subscriptions is required")
	}
	for _, s := range subs {
		inst, err := types.ParseInstrument(types.InstrumentKey(s))
		if err != nil {
			return types.Coded(types.CodeConfInvalidKey, err)
		}
		vc, ok := c.Venues[inst.Venue]
		if !ok {
			return types.Codedf(types.CodeConfInvalidKey,
				"subscription %q references venue %q which is not configured", s, inst.Venue)
		}
		if !vc.Enabled {
			return types.Codedf(types.CodeConfInvalidKey,
				"subscription %q references disabled venue %q", s, inst.Venue)
		}
	}
	return nil
}

func (c *Config) validateExposure() error {
	exp := c.Components.ExposureMonitor
	if exp.ExposureCurrency == "" {
		return types.Codedf(types.CodeConfMissingField,
			"component_config.exposure_monitor.exposure_currency is required")
	}
	subscribed := c.SubscribedSet()
	for key, conv := range exp.ConversionMethods {
		if _, err := types.ParseInstrument(types.InstrumentKey(key)); err != nil {
			return types.Coded(types.CodeConfInvalidKey, err)
		}
		if _, ok := subscribed[types.InstrumentKey(key)]; !ok {
			return types.Codedf(types.CodeConfInvalidKey,
				"conversion method for %q: instrument is not subscribed", key)
		}
		if !validConversions[conv.Method] {
			return types.Codedf(types.CodeConfInvalidThreshold,
				"conversion method %q for %q is not recognized", conv.Method, key)
		}
		if conv.Underlying == "" {
			return types.Codedf(types.CodeConfMissingField,
				"conversion method for %q: underlying is required", key)
		}
	}
	// every subscribed instrument needs a conversion entry
	for key := range subscribed {
		if _, ok := exp.ConversionMethods[string(key)]; !ok {
			return types.Codedf(types.CodeConfMissingField,
				"no conversion method configured for subscribed instrument %q", key)
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	rm := c.Components.RiskMonitor
	for _, rt := range rm.EnabledRiskTypes {
		if !validRiskTypes[rt] {
			return types.Codedf(types.CodeConfInvalidThreshold,
				"risk type %q is not recognized", rt)
		}
	}
	if riskTypeEnabled(rm.EnabledRiskTypes, "delta") {
		if !rm.DeltaTolerance.IsPositive() {
			return types.Codedf(types.CodeConfMissingField,
				"risk_monitor.delta_tolerance must be > 0 when delta risk is enabled")
		}
		if rm.DeltaTrackingAsset == "" {
			return types.Codedf(types.CodeConfMissingField,
				"risk_monitor.delta_tracking_asset is required when delta risk is enabled")
		}
	}
	if len(rm.EnabledRiskTypes) > 0 {
		if !rm.WarningThreshold.IsPositive() || !rm.CriticalThreshold.IsPositive() {
			return types.Codedf(types.CodeConfMissingField,
				"risk_monitor warning_threshold and critical_threshold are required")
		}
	}
	return nil
}

func (c *Config) validatePnL() error {
	pm := c.Components.PnLMonitor
	for _, at := range pm.AttributionTypes {
		if !validAttributions[at] {
			return types.Codedf(types.CodeConfInvalidThreshold,
				"attribution type %q is not recognized", at)
		}
	}
	if !pm.ReconciliationTolerance.IsPositive() {
		return types.Codedf(types.CodeConfMissingField,
			"pnl_monitor.reconciliation_tolerance must be > 0")
	}
	return nil
}

func (c *Config) validateExecution() error {
	em := c.Components.ExecutionManager
	if em.MaxRetries < 0 {
		return types.Codedf(types.CodeConfInvalidThreshold,
			"execution_manager.max_retries must be >= 0")
	}
	if em.TightLoopTimeout <= 0 {
		return types.Codedf(types.CodeConfMissingField,
			"execution_manager.tight_loop_timeout is required")
	}
	if em.RetryDelay <= 0 {
		return types.Codedf(types.CodeConfMissingField,
			"execution_manager.retry_delay is required")
	}
	return nil
}

func (c *Config) validateVenues() error {
	if len(c.Venues) == 0 {
		return types.Codedf(types.CodeConfMissingField, "at least one venue must be configured")
	}
	for name, vc := range c.Venues {
		if !vc.Enabled {
			continue
		}
		if !validKinds[vc.Kind] {
			return types.Codedf(types.CodeConfInvalidThreshold,
				"venue %q: kind %q is not recognized", name, vc.Kind)
		}
		if vc.MinAmount.IsNegative() {
			return types.Codedf(types.CodeConfInvalidThreshold,
				"venue %q: min_amount must be >= 0", name)
		}
		if vc.Kind == "cex" && !vc.MaxLeverage.IsPositive() {
			return types.Codedf(types.CodeConfMissingField,
				"venue %q: max_leverage is required for cex venues", name)
		}
		if types.ExecutionMode(c.ExecutionMode) == types.ModeLive {
			switch vc.Kind {
			case "cex":
				if vc.RESTBaseURL == "" {
					return types.Codedf(types.CodeConfMissingField,
						"venue %q: rest_base_url is required in live mode", name)
				}
			case "lending", "staking", "dex", "flash_loan":
				if vc.RPCURL == "" {
					return types.Codedf(types.CodeConfMissingField,
						"venue %q: rpc_url is required in live mode", name)
				}
				if vc.ContractAddress == "" {
					return types.Codedf(types.CodeConfMissingField,
						"venue %q: contract_address is required in live mode", name)
				}
			}
		}
	}
	return nil
}

func (c *Config) validateData() error {
	switch c.Data.Source {
	case "sqlite":
		if c.Data.SQLitePath == "" {
			return types.Codedf(types.CodeConfMissingField,
				"data.sqlite_path is required when data.source is sqlite")
		}
	case "live":
		if c.Data.TickInterval <= 0 {
			return types.Codedf(types.CodeConfMissingField,
				"data.tick_interval is required when data.source is live")
		}
		if c.Data.PollInterval <= 0 {
			return types.Codedf(types.CodeConfMissingField,
				"data.poll_interval is required when data.source is live")
		}
		if c.Data.FeedURL == "" && c.Data.PollURL == "" {
			return types.Codedf(types.CodeConfMissingField,
				"data.feed_url or data.poll_url is required when data.source is live")
		}
	case "":
		// programmatic providers (tests, embedding) supply their own
	default:
		return types.Codedf(types.CodeConfInvalidThreshold,
			"data.source %q is not recognized", c.Data.Source)
	}
	return nil
}

func riskTypeEnabled(enabled []string, want string) bool {
	for _, rt := range enabled {
		if rt == want {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Derived views
// ————————————————————————————————————————————————————————————————————————

// SubscribedSet returns the subscription list as a set of parsed keys.
func (c *Config) SubscribedSet() map[types.InstrumentKey]struct{} {
	out := make(map[types.InstrumentKey]struct{}, len(c.Components.PositionMonitor.PositionSubscriptions))
	for _, s := range c.Components.PositionMonitor.PositionSubscriptions {
		out[types.InstrumentKey(s)] = struct{}{}
	}
	return out
}

// IsBacktest reports whether the run executes against simulated venues.
func (c *Config) IsBacktest() bool {
	return types.ExecutionMode(c.ExecutionMode) == types.ModeBacktest
}

// LogDir returns the run directory root, defaulting to "logs".
func (c *Config) LogDir() string {
	if c.Logging.Dir == "" {
		return "logs"
	}
	return c.Logging.Dir
}
