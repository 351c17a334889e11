package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Event streams
// ————————————————————————————————————————————————————————————————————————

// EventKind names one append-only JSONL stream under the run's events/
// directory. One file per kind, one JSON object per line.
type EventKind string

const (
	EventPositions           EventKind = "positions"
	EventExposures           EventKind = "exposures"
	EventRiskAssessments     EventKind = "risk_assessments"
	EventPnLCalculations     EventKind = "pnl_calculations"
	EventStrategyDecisions   EventKind = "strategy_decisions"
	EventOperationExecutions EventKind = "operation_executions"
	EventAtomicGroups        EventKind = "atomic_groups"
	EventTightLoop           EventKind = "tight_loop"
	EventReconciliation      EventKind = "reconciliation"
)

// EventMeta is embedded in every domain event. Timestamp is engine time
// (simulated in backtest); RealUTCTime is wall clock at emit.
type EventMeta struct {
	CorrelationID string    `json:"correlation_id"`
	PID           int       `json:"pid"`
	Timestamp     time.Time `json:"timestamp"`
	RealUTCTime   time.Time `json:"real_utc_time"`
}

// ————————————————————————————————————————————————————————————————————————
// Snapshot entities
// ————————————————————————————————————————————————————————————————————————

// PositionSnapshot is one view of the position map at a point in time.
type PositionSnapshot struct {
	EventMeta
	View          string          `json:"view"` // "simulated" or "real"
	Positions     DeltaMap        `json:"positions"`
	TotalValueUSD decimal.Decimal `json:"total_value_usd"`
	Trigger       string          `json:"trigger"` // what caused the snapshot (tick, apply_deltas, refresh_real)
}

// AssetExposure is the per-asset slice of an exposure snapshot.
type AssetExposure struct {
	Asset     string          `json:"asset"`
	NetAmount decimal.Decimal `json:"net_amount"`
	ValueUSD  decimal.Decimal `json:"value_usd"`
}

// ExposureSnapshot reports net delta and per-asset exposure in the
// strategy's reporting currency.
type ExposureSnapshot struct {
	EventMeta
	ReportingCurrency string                   `json:"reporting_currency"`
	NetDeltaUSD       decimal.Decimal          `json:"net_delta_usd"`
	Exposures         map[string]AssetExposure `json:"exposures"`
	TotalValueUSD     decimal.Decimal          `json:"total_value_usd"`
}

// RiskFlag is one warning or breach produced by a risk evaluator.
type RiskFlag struct {
	Type     string          `json:"type"` // evaluator name, e.g. "health_factor"
	Message  string          `json:"message"`
	Value    decimal.Decimal `json:"value"`
	Limit    decimal.Decimal `json:"limit"`
	Severity Severity        `json:"severity"`
}

// RiskAssessment is the output of one risk evaluation pass. Metric pointers
// are nil when the corresponding evaluator is disabled for the mode.
type RiskAssessment struct {
	EventMeta
	Level                RiskLevel        `json:"risk_level"`
	HealthFactor         *decimal.Decimal `json:"health_factor,omitempty"`
	LTV                  *decimal.Decimal `json:"ltv,omitempty"`
	LiquidationThreshold *decimal.Decimal `json:"liquidation_threshold,omitempty"`
	MarginUsage          *decimal.Decimal `json:"margin_usage,omitempty"`
	NetDeltaUSD          *decimal.Decimal `json:"net_delta_usd,omitempty"`
	Warnings             []RiskFlag       `json:"warnings"`
	Breaches             []RiskFlag       `json:"breaches"`
}

// PnLCalculation is one P&L computation with attribution. Only attributions
// enabled by configuration appear in the Attribution map.
type PnLCalculation struct {
	EventMeta
	Realized          decimal.Decimal            `json:"realized"`
	Unrealized        decimal.Decimal            `json:"unrealized"`
	Total             decimal.Decimal            `json:"total"`
	Fees              decimal.Decimal            `json:"fees"`
	Funding           decimal.Decimal            `json:"funding"`
	Attribution       map[string]decimal.Decimal `json:"attribution"`
	ByVenue           map[string]decimal.Decimal `json:"by_venue"`
	ByAsset           map[string]decimal.Decimal `json:"by_asset"`
	PortfolioValueUSD decimal.Decimal            `json:"portfolio_value_usd"`
	InitialCapital    decimal.Decimal            `json:"initial_capital"`
}

// OperationExecutionEvent records one order's journey through a venue.
type OperationExecutionEvent struct {
	EventMeta
	OperationID         string          `json:"operation_id"`
	OperationType       OperationType   `json:"operation_type"`
	Venue               string          `json:"venue"`
	Status              HandshakeStatus `json:"status"`
	ExpectedDeltas      []ExpectedDelta `json:"expected_deltas"`
	ActualDeltas        DeltaMap        `json:"actual_deltas"`
	ExecutionDurationMS int64           `json:"execution_duration_ms"`
	ErrorCode           string          `json:"error_code,omitempty"`
}

// AtomicOperationGroupEvent records the outcome of one atomic group.
type AtomicOperationGroupEvent struct {
	EventMeta
	GroupID          string   `json:"group_id"`
	OperationIDs     []string `json:"operation_ids"`
	AllSucceeded     bool     `json:"all_succeeded"`
	RollbackOccurred bool     `json:"rollback_occurred"`
	TotalDurationMS  int64    `json:"total_duration_ms"`
}

// TightLoopExecutionEvent records the timing breakdown of one tight-loop
// pass following an executed order.
type TightLoopExecutionEvent struct {
	EventMeta
	OperationID              string `json:"operation_id"`
	RetryCount               int    `json:"retry_count"`
	ExecutionDurationMS      int64  `json:"execution_duration_ms"`
	ReconciliationDurationMS int64  `json:"reconciliation_duration_ms"`
	ReconciliationSuccess    bool   `json:"reconciliation_success"`
}

// PositionMismatch is one per-key simulated/real divergence beyond tolerance.
type PositionMismatch struct {
	Instrument InstrumentKey   `json:"instrument_key"`
	Simulated  decimal.Decimal `json:"simulated"`
	Real       decimal.Decimal `json:"real"`
	Difference decimal.Decimal `json:"difference"`
	Tolerance  decimal.Decimal `json:"tolerance"`
}

// ReconciliationEvent records one simulated-vs-real comparison pass.
type ReconciliationEvent struct {
	EventMeta
	OperationID  string             `json:"operation_id"`
	Simulated    DeltaMap           `json:"simulated_positions"`
	Real         DeltaMap           `json:"real_positions"`
	Mismatches   []PositionMismatch `json:"mismatches"`
	RetryAttempt int                `json:"retry_attempt"`
	MaxRetries   int                `json:"max_retries"`
	Success      bool               `json:"success"`
}

// StrategyDecision records what the strategy chose to do at a tick.
type StrategyDecision struct {
	EventMeta
	Mode            string   `json:"mode"`
	Trigger         string   `json:"trigger"`
	Action          string   `json:"action"`
	TargetPositions DeltaMap `json:"target_positions,omitempty"`
	OrdersEmitted   []string `json:"orders_emitted"`
	Reason          string   `json:"reason,omitempty"`
}
