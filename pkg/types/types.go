// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — instrument keys,
// orders, execution handshakes, domain events, and the error-code taxonomy.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// PositionType classifies what kind of claim an instrument key represents.
type PositionType string

const (
	PosBaseToken PositionType = "BaseToken" // plain spot balance (wallet or exchange)
	PosAToken    PositionType = "aToken"    // interest-bearing lending receipt
	PosDebtToken PositionType = "debtToken" // borrowed amount, positive magnitude
	PosPerp      PositionType = "Perp"      // perpetual futures position, signed
	PosLST       PositionType = "LST"       // liquid staking token
)

// ValidPositionType reports whether s is one of the recognized position types.
func ValidPositionType(s string) bool {
	switch PositionType(s) {
	case PosBaseToken, PosAToken, PosDebtToken, PosPerp, PosLST:
		return true
	}
	return false
}

// OperationType enumerates every operation a strategy can request.
type OperationType string

const (
	OpSpotTrade   OperationType = "spot_trade"
	OpPerpTrade   OperationType = "perp_trade"
	OpSupply      OperationType = "supply"
	OpBorrow      OperationType = "borrow"
	OpRepay       OperationType = "repay"
	OpWithdraw    OperationType = "withdraw"
	OpStake       OperationType = "stake"
	OpUnstake     OperationType = "unstake"
	OpSwap        OperationType = "swap"
	OpTransfer    OperationType = "transfer"
	OpFlashBorrow OperationType = "flash_borrow"
	OpFlashRepay  OperationType = "flash_repay"
)

// HandshakeStatus is the venue's verdict on a single order.
type HandshakeStatus string

const (
	StatusConfirmed  HandshakeStatus = "confirmed"
	StatusPending    HandshakeStatus = "pending"
	StatusFailed     HandshakeStatus = "failed"
	StatusRolledBack HandshakeStatus = "rolled_back"
)

// ExecutionMode selects the backtest or live code path. The same pipeline
// runs in both; only venue and data-provider implementations differ.
type ExecutionMode string

const (
	ModeBacktest ExecutionMode = "backtest"
	ModeLive     ExecutionMode = "live"
)

// Environment selects a credential/endpoint set.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// RiskLevel is the overall verdict of a risk assessment.
type RiskLevel string

const (
	RiskHealthy  RiskLevel = "healthy"
	RiskWarning  RiskLevel = "warning"
	RiskCritical RiskLevel = "critical"
)

// ————————————————————————————————————————————————————————————————————————
// Instrument keys
// ————————————————————————————————————————————————————————————————————————

// InstrumentKey is the canonical "venue:position_type:symbol" triple that
// uniquely identifies a position slot, e.g. "aave_v3:aToken:aUSDT" or
// "binance:Perp:BTCUSDT". Keys are parsed and validated by ParseInstrument,
// the single validator used across all components.
type InstrumentKey string

// Instrument is the decomposed form of an InstrumentKey.
type Instrument struct {
	Venue  string
	Type   PositionType
	Symbol string
}

// Key reassembles the canonical string form.
func (i Instrument) Key() InstrumentKey {
	return InstrumentKey(i.Venue + ":" + string(i.Type) + ":" + i.Symbol)
}

func (i Instrument) String() string { return string(i.Key()) }

// NewKey builds a canonical instrument key from its parts.
func NewKey(venue string, pt PositionType, symbol string) InstrumentKey {
	return Instrument{Venue: venue, Type: pt, Symbol: symbol}.Key()
}

// ParseInstrument validates and decomposes an instrument key. Every component
// that accepts keys from outside (config, venue reports, strategy params)
// must route them through here rather than splitting ad hoc.
func ParseInstrument(key InstrumentKey) (Instrument, error) {
	parts := strings.Split(string(key), ":")
	if len(parts) != 3 {
		return Instrument{}, fmt.Errorf("instrument key %q: want venue:position_type:symbol", key)
	}
	venue, pt, symbol := parts[0], parts[1], parts[2]
	if venue == "" || symbol == "" {
		return Instrument{}, fmt.Errorf("instrument key %q: empty venue or symbol", key)
	}
	if !ValidPositionType(pt) {
		return Instrument{}, fmt.Errorf("instrument key %q: unknown position type %q", key, pt)
	}
	return Instrument{Venue: venue, Type: PositionType(pt), Symbol: symbol}, nil
}

// Venue returns the venue part of the key, or "" if the key is malformed.
func (k InstrumentKey) Venue() string {
	if i := strings.IndexByte(string(k), ':'); i > 0 {
		return string(k)[:i]
	}
	return ""
}

// ————————————————————————————————————————————————————————————————————————
// Deltas and position maps
// ————————————————————————————————————————————————————————————————————————

// DeltaMap maps instrument keys to signed amount changes (or, equally, holds
// a position view). Amounts are in the instrument's native unit.
type DeltaMap map[InstrumentKey]decimal.Decimal

// Clone returns an independent copy.
func (d DeltaMap) Clone() DeltaMap {
	out := make(DeltaMap, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Negate returns a new map with every amount sign-flipped.
func (d DeltaMap) Negate() DeltaMap {
	out := make(DeltaMap, len(d))
	for k, v := range d {
		out[k] = v.Neg()
	}
	return out
}

// Keys returns the instrument keys in lexical order, for deterministic
// iteration in logs and tests.
func (d DeltaMap) Keys() []InstrumentKey {
	keys := make([]InstrumentKey, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// WithinTolerance reports whether |a-b| <= tol.
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().Cmp(tol) <= 0
}

// ExpectedDelta is one entry of a strategy's precomputed prediction of how
// an operation will move positions.
type ExpectedDelta struct {
	Instrument InstrumentKey   `json:"instrument_key"`
	Delta      decimal.Decimal `json:"delta_amount"`
	Token      string          `json:"token"`
	Venue      string          `json:"venue"`
	Operation  OperationType   `json:"operation_type"`
}

// ExpectedDeltaMap folds an ordered expected-delta list into a DeltaMap,
// summing entries that touch the same key.
func ExpectedDeltaMap(deltas []ExpectedDelta) DeltaMap {
	out := make(DeltaMap, len(deltas))
	for _, d := range deltas {
		out[d.Instrument] = out[d.Instrument].Add(d.Delta)
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Orders and handshakes
// ————————————————————————————————————————————————————————————————————————

// Order is a strategy's intent for one operation. Orders are short-lived:
// produced at a tick, executed, logged, and discarded.
type Order struct {
	OperationID     string          `json:"operation_id"`
	Type            OperationType   `json:"operation_type"`
	SourceVenue     string          `json:"source_venue"`
	TargetVenue     string          `json:"target_venue"`
	SourceToken     string          `json:"source_token"`
	TargetToken     string          `json:"target_token"`
	Amount          decimal.Decimal `json:"amount"`
	ExpectedDeltas  []ExpectedDelta `json:"expected_deltas"`
	Details         map[string]any  `json:"operation_details,omitempty"`
	AtomicGroupID   string          `json:"atomic_group_id,omitempty"`
	SequenceInGroup int             `json:"sequence_in_group,omitempty"`
}

// TouchedKeys returns the instrument keys named by the order's expected
// deltas, deduplicated, in lexical order.
func (o Order) TouchedKeys() []InstrumentKey {
	return ExpectedDeltaMap(o.ExpectedDeltas).Keys()
}

// ExecutionHandshake is the venue's report of what actually happened for one
// order. actual_deltas must cover every instrument key the venue touched;
// fees paid in a distinct currency are reported separately.
type ExecutionHandshake struct {
	OperationID   string          `json:"operation_id"`
	Status        HandshakeStatus `json:"status"`
	ActualDeltas  DeltaMap        `json:"actual_deltas"`
	Details       map[string]any  `json:"execution_details,omitempty"`
	FeeAmount     decimal.Decimal `json:"fee_amount"`
	FeeCurrency   string          `json:"fee_currency,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	ExecutedAt    time.Time       `json:"executed_at"`
	Simulated     bool            `json:"simulated"`
	AtomicGroupID string          `json:"atomic_group_id,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Identifiers
// ————————————————————————————————————————————————————————————————————————

// NewID returns a 32-character lowercase hex identifier, used for
// correlation ids, operation ids, and atomic group ids.
func NewID() string {
	u, err := uuid.NewRandom()
	if err != nil {
		// uuid.NewRandom only fails when the entropy source does; fall back
		// to crypto/rand directly rather than pass the error to every caller.
		var b [16]byte
		_, _ = rand.Read(b[:])
		return hex.EncodeToString(b[:])
	}
	return hex.EncodeToString(u[:])
}
