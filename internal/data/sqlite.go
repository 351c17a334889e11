package data

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"basis-engine/pkg/types"
)

// SQLiteProvider reads historical market data from a SQLite database. The
// schema stores decimals as TEXT and timestamps as unix seconds:
//
//	prices(ts, symbol, price)
//	funding_rates(ts, venue, symbol, rate)
//	lending_indices(ts, venue, token, supply_index, borrow_index)
//	staking_rates(ts, symbol, rate)
//	ml_predictions(ts, signal, value)
//
// The engine's timestamp series is the distinct set of price timestamps. The
// last snapshot is cached: the tight loop re-reads the current tick's
// snapshot repeatedly and must not hit the store each time.
type SQLiteProvider struct {
	db *sqlx.DB

	mu     sync.Mutex
	cached *Snapshot
}

// OpenSQLite opens the backtest store read-only style (WAL keeps concurrent
// writers from seed tooling safe, busy_timeout rides out their locks).
func OpenSQLite(path string) (*SQLiteProvider, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite store %s: %w", path, err)
	}
	return &SQLiteProvider{db: db}, nil
}

// Close releases the database handle.
func (p *SQLiteProvider) Close() error { return p.db.Close() }

// Timestamps returns the distinct price timestamps in ascending order.
func (p *SQLiteProvider) Timestamps(ctx context.Context) ([]time.Time, error) {
	var secs []int64
	if err := p.db.SelectContext(ctx, &secs,
		`SELECT DISTINCT ts FROM prices ORDER BY ts`); err != nil {
		return nil, types.Coded(types.CodeDataStoreQuery,
			fmt.Errorf("select timestamps: %w", err))
	}
	out := make([]time.Time, len(secs))
	for i, s := range secs {
		out[i] = time.Unix(s, 0).UTC()
	}
	return out, nil
}

// Snapshot assembles the full market state at t from all five tables.
func (p *SQLiteProvider) Snapshot(ctx context.Context, t time.Time) (*Snapshot, error) {
	p.mu.Lock()
	if p.cached != nil && p.cached.Timestamp.Equal(t) {
		s := p.cached
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	ts := t.Unix()
	snap := &Snapshot{
		Timestamp:     t,
		Prices:        map[string]decimal.Decimal{},
		FundingRates:  map[string]decimal.Decimal{},
		SupplyIndices: map[string]decimal.Decimal{},
		BorrowIndices: map[string]decimal.Decimal{},
		StakingRates:  map[string]decimal.Decimal{},
	}

	type priceRow struct {
		Symbol string `db:"symbol"`
		Price  string `db:"price"`
	}
	var prices []priceRow
	if err := p.db.SelectContext(ctx, &prices,
		`SELECT symbol, price FROM prices WHERE ts = ?`, ts); err != nil {
		return nil, types.Coded(types.CodeDataStoreQuery,
			fmt.Errorf("select prices at %d: %w", ts, err))
	}
	if len(prices) == 0 {
		return nil, types.Codedf(types.CodeDataMissingField,
			"no prices at %s", t.Format(time.RFC3339))
	}
	for _, r := range prices {
		d, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, types.Coded(types.CodeDataStoreQuery,
				fmt.Errorf("price %s at %d: %w", r.Symbol, ts, err))
		}
		snap.Prices[r.Symbol] = d
	}

	type fundingRow struct {
		Venue  string `db:"venue"`
		Symbol string `db:"symbol"`
		Rate   string `db:"rate"`
	}
	var fundings []fundingRow
	if err := p.db.SelectContext(ctx, &fundings,
		`SELECT venue, symbol, rate FROM funding_rates WHERE ts = ?`, ts); err != nil {
		return nil, types.Coded(types.CodeDataStoreQuery,
			fmt.Errorf("select funding rates at %d: %w", ts, err))
	}
	for _, r := range fundings {
		d, err := decimal.NewFromString(r.Rate)
		if err != nil {
			return nil, types.Coded(types.CodeDataStoreQuery,
				fmt.Errorf("funding %s:%s at %d: %w", r.Venue, r.Symbol, ts, err))
		}
		snap.FundingRates[FundingKey(r.Venue, r.Symbol)] = d
	}

	type lendingRow struct {
		Venue       string `db:"venue"`
		Token       string `db:"token"`
		SupplyIndex string `db:"supply_index"`
		BorrowIndex string `db:"borrow_index"`
	}
	var lendings []lendingRow
	if err := p.db.SelectContext(ctx, &lendings,
		`SELECT venue, token, supply_index, borrow_index FROM lending_indices WHERE ts = ?`, ts); err != nil {
		return nil, types.Coded(types.CodeDataStoreQuery,
			fmt.Errorf("select lending indices at %d: %w", ts, err))
	}
	for _, r := range lendings {
		key := LendingKey(r.Venue, r.Token)
		si, err := decimal.NewFromString(r.SupplyIndex)
		if err != nil {
			return nil, types.Coded(types.CodeDataStoreQuery,
				fmt.Errorf("supply index %s at %d: %w", key, ts, err))
		}
		bi, err := decimal.NewFromString(r.BorrowIndex)
		if err != nil {
			return nil, types.Coded(types.CodeDataStoreQuery,
				fmt.Errorf("borrow index %s at %d: %w", key, ts, err))
		}
		snap.SupplyIndices[key] = si
		snap.BorrowIndices[key] = bi
	}

	type stakingRow struct {
		Symbol string `db:"symbol"`
		Rate   string `db:"rate"`
	}
	var stakings []stakingRow
	if err := p.db.SelectContext(ctx, &stakings,
		`SELECT symbol, rate FROM staking_rates WHERE ts = ?`, ts); err != nil {
		return nil, types.Coded(types.CodeDataStoreQuery,
			fmt.Errorf("select staking rates at %d: %w", ts, err))
	}
	for _, r := range stakings {
		d, err := decimal.NewFromString(r.Rate)
		if err != nil {
			return nil, types.Coded(types.CodeDataStoreQuery,
				fmt.Errorf("staking rate %s at %d: %w", r.Symbol, ts, err))
		}
		snap.StakingRates[r.Symbol] = d
	}

	type predictionRow struct {
		Signal string `db:"signal"`
		Value  string `db:"value"`
	}
	var predictions []predictionRow
	err := p.db.SelectContext(ctx, &predictions,
		`SELECT signal, value FROM ml_predictions WHERE ts = ?`, ts)
	if err != nil && !isMissingTable(err) {
		// runs without a prediction stream may not have the table at all
		return nil, types.Coded(types.CodeDataStoreQuery,
			fmt.Errorf("select ml predictions at %d: %w", ts, err))
	}
	if len(predictions) > 0 {
		snap.MLPredictions = make(map[string]decimal.Decimal, len(predictions))
		for _, r := range predictions {
			d, err := decimal.NewFromString(r.Value)
			if err != nil {
				return nil, types.Coded(types.CodeDataStoreQuery,
					fmt.Errorf("prediction %s at %d: %w", r.Signal, ts, err))
			}
			snap.MLPredictions[r.Signal] = d
		}
	}

	p.mu.Lock()
	p.cached = snap
	p.mu.Unlock()
	return snap, nil
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
