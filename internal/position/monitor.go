// Package position maintains the engine's two position views.
//
// The simulated view is the engine's own belief, advanced by applying actual
// deltas from execution handshakes. The real view is what the venues report;
// in backtest it is defined as a copy of the simulated view, in live mode it
// is rebuilt from venue position reads. Reconciliation compares the two.
package position

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"basis-engine/internal/data"
	"basis-engine/internal/runlog"
	"basis-engine/internal/venue"
	"basis-engine/pkg/types"
)

const (
	ViewSimulated = "simulated"
	ViewReal      = "real"
)

// Views is one consistent copy of both position maps.
type Views struct {
	Simulated types.DeltaMap
	Real      types.DeltaMap
}

// Monitor owns the position maps. Both views are pre-initialized to zero for
// every subscribed instrument, so a key's absence can only ever mean "not
// subscribed", never "not traded yet".
type Monitor struct {
	mu        sync.RWMutex
	simulated types.DeltaMap
	real      types.DeltaMap

	subscribed map[types.InstrumentKey]struct{}
	util       *data.UtilityManager
	backtest   bool
	readers    []venue.PositionReader
	tolerance  decimal.Decimal

	log    *runlog.Logger
	events *runlog.EventLogger
}

// New builds the monitor. readers is empty in backtest mode; tolerance bounds
// the simulated/real divergence warned about after a real refresh.
func New(subscribed map[types.InstrumentKey]struct{}, util *data.UtilityManager, backtest bool,
	readers []venue.PositionReader, tolerance decimal.Decimal, log *runlog.Logger, events *runlog.EventLogger) *Monitor {

	m := &Monitor{
		simulated:  make(types.DeltaMap, len(subscribed)),
		real:       make(types.DeltaMap, len(subscribed)),
		subscribed: subscribed,
		util:       util,
		backtest:   backtest,
		readers:    readers,
		tolerance:  tolerance,
		log:        log,
		events:     events,
	}
	for key := range subscribed {
		m.simulated[key] = decimal.Zero
		m.real[key] = decimal.Zero
	}
	return m
}

// ApplyDeltas advances the simulated view by one handshake's actual deltas.
// Every key must be subscribed; an unknown key rejects the whole batch before
// anything is applied, keeping the view consistent.
func (m *Monitor) ApplyDeltas(s *data.Snapshot, deltas types.DeltaMap, trigger string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range deltas {
		if _, ok := m.subscribed[key]; !ok {
			return types.Codedf(types.CodePosUnknownInstrument,
				"delta for unsubscribed instrument %q", key)
		}
	}
	for key, d := range deltas {
		m.simulated[key] = m.simulated[key].Add(d)
	}
	m.emitLocked(s, ViewSimulated, m.simulated, trigger)
	return nil
}

// RefreshReal rebuilds the real view. In backtest the real view is the
// simulated view by definition. In live mode every venue reader is queried
// concurrently and the results are merged; a venue reporting a key outside
// the subscription set fails the whole refresh, never a silent insert.
// Divergence beyond tolerance is warned per key; the reconciler decides
// whether it is fatal.
func (m *Monitor) RefreshReal(ctx context.Context, s *data.Snapshot, trigger string) error {
	if m.backtest {
		m.mu.Lock()
		m.real = m.simulated.Clone()
		m.emitLocked(s, ViewReal, m.real, trigger)
		m.mu.Unlock()
		return nil
	}

	fresh := make(types.DeltaMap, len(m.subscribed))
	for key := range m.subscribed {
		fresh[key] = decimal.Zero
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range m.readers {
		r := r
		g.Go(func() error {
			positions, err := r.Positions(gctx, s.Timestamp)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for key, amt := range positions {
				if _, ok := m.subscribed[key]; !ok {
					return types.Codedf(types.CodePosUnknownInstrument,
						"venue %s reported unsubscribed instrument %q", r.Name(), key)
				}
				fresh[key] = amt
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.real = fresh
	for key, realAmt := range m.real {
		simAmt := m.simulated[key]
		if !types.WithinTolerance(simAmt, realAmt, m.tolerance) && m.log != nil {
			m.log.Warn().
				Str("instrument_key", string(key)).
				Str("simulated", simAmt.String()).
				Str("real", realAmt.String()).
				Str("error_code", types.CodePosViewDivergence).
				Msg("simulated and real views diverge")
		}
	}
	m.emitLocked(s, ViewReal, m.real, trigger)
	return nil
}

// Publish emits snapshot events for both views without modifying them, so the
// positions stream carries a record on every tick, including ticks that trade
// nothing.
func (m *Monitor) Publish(s *data.Snapshot, trigger string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.emitLocked(s, ViewSimulated, m.simulated, trigger)
	m.emitLocked(s, ViewReal, m.real, trigger)
}

// Get returns a consistent copy of both views.
func (m *Monitor) Get() Views {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Views{Simulated: m.simulated.Clone(), Real: m.real.Clone()}
}

// Simulated returns a copy of the simulated view. Venue simulators use this
// as their balance source.
func (m *Monitor) Simulated() types.DeltaMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.simulated.Clone()
}

// emitLocked writes one position snapshot event. Valuation failures on a key
// (for example, no price at t) degrade the total instead of failing the apply.
func (m *Monitor) emitLocked(s *data.Snapshot, view string, positions types.DeltaMap, trigger string) {
	if m.events == nil {
		return
	}
	total := decimal.Zero
	for key, amt := range positions {
		if amt.IsZero() {
			continue
		}
		v, err := m.util.InstrumentValueUSD(s, key, amt)
		if err != nil {
			if m.log != nil {
				m.log.Warn().Str("instrument_key", string(key)).Err(err).Msg("valuation skipped")
			}
			continue
		}
		total = total.Add(v)
	}
	m.events.Emit(types.EventPositions, types.PositionSnapshot{
		EventMeta:     m.events.Stamp(s.Timestamp),
		View:          view,
		Positions:     positions.Clone(),
		TotalValueUSD: total,
		Trigger:       trigger,
	})
}
