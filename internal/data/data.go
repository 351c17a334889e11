// Package data supplies market snapshots to the engine.
//
// A Provider answers "what did the world look like at time t" with one
// immutable Snapshot: prices, funding rates, lending indices, staking
// conversion rates, and optional ML predictions. Three providers exist:
//
//   - StaticProvider: in-memory fixture series, used by tests and embedders.
//   - SQLiteProvider: historical data read through sqlx, drives backtests.
//   - LiveProvider:   websocket feed + REST poller caching latest values.
//
// Backtest providers additionally expose the timestamp series the engine
// iterates. All components within a tick observe the same Snapshot value.
package data

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"basis-engine/pkg/types"
)

// Provider is the capability every component consumes.
type Provider interface {
	// Snapshot returns the market state scoped to time t. A missing required
	// field surfaces later as a DATA-001 error from the snapshot accessors;
	// the provider itself only fails when it cannot produce a snapshot at all.
	Snapshot(ctx context.Context, t time.Time) (*Snapshot, error)
}

// SeriesProvider is a Provider that owns a finite timestamp series. The
// backtest engine iterates Timestamps and calls Snapshot once per entry.
type SeriesProvider interface {
	Provider
	Timestamps(ctx context.Context) ([]time.Time, error)
}

// FundingKey builds the "venue:symbol" key funding rates are stored under.
func FundingKey(venue, symbol string) string { return venue + ":" + symbol }

// LendingKey builds the "venue:token" key lending indices are stored under.
func LendingKey(venue, token string) string { return venue + ":" + token }

// Snapshot is one immutable view of the market at a single timestamp.
// Maps may be nil when a data class has no entries at t; accessors turn a
// missing required entry into a coded DATA-001 error.
type Snapshot struct {
	Timestamp time.Time

	// Prices holds USD prices keyed by asset symbol ("BTC", "ETH", "USDT")
	// and perp mark prices keyed by perp symbol ("BTCUSDT").
	Prices map[string]decimal.Decimal

	// FundingRates holds per-interval funding rates keyed by FundingKey.
	FundingRates map[string]decimal.Decimal

	// SupplyIndices and BorrowIndices are lending-pool indices keyed by
	// LendingKey, e.g. "aave_v3:USDT".
	SupplyIndices map[string]decimal.Decimal
	BorrowIndices map[string]decimal.Decimal

	// StakingRates maps an LST symbol to LST units minted per unit of the
	// underlying, e.g. "weETH" → 0.96.
	StakingRates map[string]decimal.Decimal

	// MLPredictions is optional model output keyed by signal name. Absent
	// when the run has no prediction stream.
	MLPredictions map[string]decimal.Decimal
}

// Price returns the USD price (or perp mark) for symbol.
func (s *Snapshot) Price(symbol string) (decimal.Decimal, error) {
	if p, ok := s.Prices[symbol]; ok {
		return p, nil
	}
	return decimal.Zero, types.Codedf(types.CodeDataMissingField,
		"no price for %q at %s", symbol, s.Timestamp.Format(time.RFC3339))
}

// FundingRate returns the funding rate for a venue's perp symbol.
func (s *Snapshot) FundingRate(venue, symbol string) (decimal.Decimal, error) {
	if r, ok := s.FundingRates[FundingKey(venue, symbol)]; ok {
		return r, nil
	}
	return decimal.Zero, types.Codedf(types.CodeDataMissingField,
		"no funding rate for %s:%s at %s", venue, symbol, s.Timestamp.Format(time.RFC3339))
}

// SupplyIndex returns the lending supply index for a venue's token.
func (s *Snapshot) SupplyIndex(venue, token string) (decimal.Decimal, error) {
	if i, ok := s.SupplyIndices[LendingKey(venue, token)]; ok {
		return i, nil
	}
	return decimal.Zero, types.Codedf(types.CodeDataMissingField,
		"no supply index for %s:%s at %s", venue, token, s.Timestamp.Format(time.RFC3339))
}

// BorrowIndex returns the lending borrow index for a venue's token.
func (s *Snapshot) BorrowIndex(venue, token string) (decimal.Decimal, error) {
	if i, ok := s.BorrowIndices[LendingKey(venue, token)]; ok {
		return i, nil
	}
	return decimal.Zero, types.Codedf(types.CodeDataMissingField,
		"no borrow index for %s:%s at %s", venue, token, s.Timestamp.Format(time.RFC3339))
}

// StakingRate returns LST units per unit of underlying for an LST symbol.
func (s *Snapshot) StakingRate(lst string) (decimal.Decimal, error) {
	if r, ok := s.StakingRates[lst]; ok {
		return r, nil
	}
	return decimal.Zero, types.Codedf(types.CodeDataMissingField,
		"no staking rate for %q at %s", lst, s.Timestamp.Format(time.RFC3339))
}

// Prediction returns an ML signal value, with ok=false when the signal (or
// the whole prediction stream) is absent. Predictions are optional, so there
// is no error path.
func (s *Snapshot) Prediction(signal string) (decimal.Decimal, bool) {
	v, ok := s.MLPredictions[signal]
	return v, ok
}
