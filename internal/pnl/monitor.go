// Package pnl computes profit and loss with per-source attribution.
//
// The monitor accumulates state from three inputs: execution handshakes
// (fees, perp fills), per-tick accruals (funding, lending and staking yield),
// and the position view at compute time (marked portfolio value). Compute
// caches an immutable calculation; the read methods are O(1) and free of
// side effects, so results consumers can poll them at any rate.
package pnl

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"basis-engine/internal/config"
	"basis-engine/internal/data"
	"basis-engine/internal/runlog"
	"basis-engine/pkg/types"
)

const historyCap = 1024

// perpEntry is the average-entry book for one perp key.
type perpEntry struct {
	qty      decimal.Decimal
	avgPrice decimal.Decimal
}

// Monitor owns the cumulative P&L state for one run.
type Monitor struct {
	cfg            config.PnLMonitorConfig
	util           *data.UtilityManager
	initialCapital decimal.Decimal
	enabled        map[string]bool

	log    *runlog.Logger
	events *runlog.EventLogger

	mu           sync.Mutex
	feesUSD      decimal.Decimal
	fundingUSD   decimal.Decimal
	perpRealized decimal.Decimal
	lendingYield decimal.Decimal
	stakingYield decimal.Decimal
	byVenue      map[string]decimal.Decimal
	byAsset      map[string]decimal.Decimal
	entries      map[types.InstrumentKey]*perpEntry
	prevIdx      map[string]decimal.Decimal // lending indices and staking rates at last accrual
	lastAccrue   time.Time

	latest  *types.PnLCalculation
	history []types.PnLCalculation
}

// New builds the monitor.
func New(cfg config.PnLMonitorConfig, util *data.UtilityManager, initialCapital decimal.Decimal,
	log *runlog.Logger, events *runlog.EventLogger) *Monitor {
	enabled := make(map[string]bool, len(cfg.AttributionTypes))
	for _, at := range cfg.AttributionTypes {
		enabled[at] = true
	}
	return &Monitor{
		cfg:            cfg,
		util:           util,
		initialCapital: initialCapital,
		enabled:        enabled,
		log:            log,
		events:         events,
		byVenue:        make(map[string]decimal.Decimal),
		byAsset:        make(map[string]decimal.Decimal),
		entries:        make(map[types.InstrumentKey]*perpEntry),
		prevIdx:        make(map[string]decimal.Decimal),
	}
}

// RecordFill folds one confirmed handshake into the books: fees convert to
// reporting currency at the snapshot's prices, and perp deltas move the
// average-entry book, realizing P&L on position reductions.
func (m *Monitor) RecordFill(s *data.Snapshot, hs types.ExecutionHandshake) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !hs.FeeAmount.IsZero() && hs.FeeCurrency != "" {
		price, err := m.util.PriceUSD(s, hs.FeeCurrency)
		if err != nil {
			if m.log != nil {
				m.log.Warn().Str("fee_currency", hs.FeeCurrency).Err(err).Msg("fee not converted")
			}
		} else {
			m.feesUSD = m.feesUSD.Add(hs.FeeAmount.Mul(price))
		}
	}

	fillPrice, ok := fillPriceOf(hs)
	if !ok {
		return
	}
	for key, d := range hs.ActualDeltas {
		inst, err := types.ParseInstrument(key)
		if err != nil || inst.Type != types.PosPerp || d.IsZero() {
			continue
		}
		realized := m.applyPerpFill(key, d, fillPrice)
		if !realized.IsZero() {
			m.perpRealized = m.perpRealized.Add(realized)
			m.byVenue[inst.Venue] = m.byVenue[inst.Venue].Add(realized)
			m.byAsset[inst.Symbol] = m.byAsset[inst.Symbol].Add(realized)
		}
	}
}

// applyPerpFill updates one perp entry and returns the realized P&L of any
// closed quantity. Additions in the position's direction move the average
// entry; reductions realize (price - avg) on the closed quantity; a flip
// re-opens the remainder at the fill price.
func (m *Monitor) applyPerpFill(key types.InstrumentKey, d, price decimal.Decimal) decimal.Decimal {
	e, ok := m.entries[key]
	if !ok {
		e = &perpEntry{}
		m.entries[key] = e
	}

	if e.qty.IsZero() || e.qty.Sign() == d.Sign() {
		total := e.qty.Abs().Add(d.Abs())
		e.avgPrice = e.avgPrice.Mul(e.qty.Abs()).Add(price.Mul(d.Abs())).Div(total)
		e.qty = e.qty.Add(d)
		return decimal.Zero
	}

	closed := decimal.Min(e.qty.Abs(), d.Abs())
	direction := decimal.NewFromInt(int64(e.qty.Sign()))
	realized := price.Sub(e.avgPrice).Mul(closed).Mul(direction)

	e.qty = e.qty.Add(d)
	if e.qty.Sign() == d.Sign() && !e.qty.IsZero() {
		// flipped through zero; the surviving quantity opened at this fill
		e.avgPrice = price
	}
	if e.qty.IsZero() {
		e.avgPrice = decimal.Zero
	}
	return realized
}

// Accrue applies the per-tick carry flows: funding on open perps, and yield
// drift on lending and staking positions since the previous accrual. Must be
// called once per engine tick; repeated calls at the same engine time no-op.
func (m *Monitor) Accrue(s *data.Snapshot, positions types.DeltaMap) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Timestamp.Equal(m.lastAccrue) {
		return
	}
	first := m.lastAccrue.IsZero()
	m.lastAccrue = s.Timestamp

	for key, amount := range positions {
		if amount.IsZero() {
			continue
		}
		inst, err := types.ParseInstrument(key)
		if err != nil {
			continue
		}
		switch inst.Type {
		case types.PosPerp:
			m.accrueFunding(s, inst, amount)
		case types.PosAToken:
			m.accrueIndexDrift(s, inst, amount, first, true)
		case types.PosLST:
			m.accrueIndexDrift(s, inst, amount, first, false)
		}
	}
}

// accrueFunding books one interval of funding: longs pay a positive rate,
// shorts earn it.
func (m *Monitor) accrueFunding(s *data.Snapshot, inst types.Instrument, amount decimal.Decimal) {
	rate, err := s.FundingRate(inst.Venue, inst.Symbol)
	if err != nil {
		return
	}
	mark, err := s.Price(inst.Symbol)
	if err != nil {
		return
	}
	m.fundingUSD = m.fundingUSD.Sub(amount.Mul(mark).Mul(rate))
}

// accrueIndexDrift books the value change of an index-bearing position since
// the last accrual: amount * price * (1/idx_now - 1/idx_prev). The first
// observation of an index only records the baseline.
func (m *Monitor) accrueIndexDrift(s *data.Snapshot, inst types.Instrument, amount decimal.Decimal, first, lending bool) {
	var idx decimal.Decimal
	var err error
	var cacheKey string
	underlying := m.util.Underlying(inst.Symbol)

	if lending {
		idx, err = s.SupplyIndex(inst.Venue, underlying)
		cacheKey = "lend:" + data.LendingKey(inst.Venue, underlying)
	} else {
		idx, err = s.StakingRate(inst.Symbol)
		cacheKey = "stake:" + inst.Symbol
	}
	if err != nil || !idx.IsPositive() {
		return
	}

	prev, ok := m.prevIdx[cacheKey]
	m.prevIdx[cacheKey] = idx
	if first || !ok || !prev.IsPositive() || prev.Equal(idx) {
		return
	}
	price, err := m.util.PriceUSD(s, underlying)
	if err != nil {
		return
	}
	one := decimal.NewFromInt(1)
	drift := amount.Mul(price).Mul(one.Div(idx).Sub(one.Div(prev)))
	if lending {
		m.lendingYield = m.lendingYield.Add(drift)
	} else {
		m.stakingYield = m.stakingYield.Add(drift)
	}
}

// Compute marks the book at the snapshot and caches the calculation. Pure in
// the accumulated state: calling it again with the same inputs returns the
// same result.
func (m *Monitor) Compute(s *data.Snapshot, positions types.DeltaMap) (types.PnLCalculation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	portfolio := decimal.Zero
	unrealizedPerp := decimal.Zero

	for key, amount := range positions {
		if amount.IsZero() {
			continue
		}
		inst, err := types.ParseInstrument(key)
		if err != nil {
			return types.PnLCalculation{}, types.Coded(types.CodePnlMissingBaseline, err)
		}
		if inst.Type == types.PosPerp {
			mark, err := s.Price(inst.Symbol)
			if err != nil {
				return types.PnLCalculation{}, types.Coded(types.CodePnlMissingBaseline, err)
			}
			if e, ok := m.entries[key]; ok && !e.qty.IsZero() {
				unrealizedPerp = unrealizedPerp.Add(mark.Sub(e.avgPrice).Mul(e.qty))
			}
			continue
		}
		value, err := m.util.InstrumentValueUSD(s, key, amount)
		if err != nil {
			return types.PnLCalculation{}, types.Coded(types.CodePnlMissingBaseline, err)
		}
		portfolio = portfolio.Add(value)
	}

	portfolio = portfolio.Add(unrealizedPerp).Add(m.perpRealized).Add(m.fundingUSD)
	realized := m.perpRealized.Add(m.fundingUSD)
	total := portfolio.Sub(m.initialCapital)

	calc := types.PnLCalculation{
		Realized:          realized,
		Unrealized:        total.Sub(realized),
		Total:             total,
		Fees:              m.feesUSD,
		Funding:           m.fundingUSD,
		Attribution:       m.attribution(unrealizedPerp),
		ByVenue:           cloneMap(m.byVenue),
		ByAsset:           cloneMap(m.byAsset),
		PortfolioValueUSD: portfolio,
		InitialCapital:    m.initialCapital,
	}
	if m.events != nil {
		calc.EventMeta = m.events.Stamp(s.Timestamp)
		m.events.Emit(types.EventPnLCalculations, calc)
	}

	m.latest = &calc
	m.history = append(m.history, calc)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	return calc, nil
}

// attribution builds the rollup holding only the enabled streams.
func (m *Monitor) attribution(unrealizedPerp decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	if m.enabled["price"] {
		out["price"] = m.perpRealized.Add(unrealizedPerp)
	}
	if m.enabled["funding"] {
		out["funding"] = m.fundingUSD
	}
	if m.enabled["fees"] {
		out["fees"] = m.feesUSD.Neg()
	}
	if m.enabled["lending_yield"] {
		out["lending_yield"] = m.lendingYield
	}
	if m.enabled["staking_yield"] {
		out["staking_yield"] = m.stakingYield
	}
	return out
}

// GetLatest returns the most recent calculation, false before first Compute.
func (m *Monitor) GetLatest() (types.PnLCalculation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return types.PnLCalculation{}, false
	}
	return *m.latest, true
}

// GetHistory returns up to n most recent calculations, oldest first.
func (m *Monitor) GetHistory(n int) []types.PnLCalculation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	out := make([]types.PnLCalculation, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}

// GetAttributionCumulative returns the latest enabled attribution rollup.
func (m *Monitor) GetAttributionCumulative() map[string]decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return map[string]decimal.Decimal{}
	}
	return cloneMap(m.latest.Attribution)
}

func fillPriceOf(hs types.ExecutionHandshake) (decimal.Decimal, bool) {
	raw, ok := hs.Details["price"]
	if !ok {
		return decimal.Decimal{}, false
	}
	str, ok := raw.(string)
	if !ok {
		return decimal.Decimal{}, false
	}
	p, err := decimal.NewFromString(str)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return p, true
}

func cloneMap(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
