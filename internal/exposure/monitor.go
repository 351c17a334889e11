// Package exposure folds raw positions into reporting-currency terms.
//
// Each subscribed instrument carries a configured conversion method; the
// monitor applies it against the tick's snapshot, aggregates per underlying
// asset, and reports net delta over the tracked assets. Perp positions count
// toward net delta but not toward total portfolio value: their notional is
// exchange-margined, not owned capital.
package exposure

import (
	"sync"

	"github.com/shopspring/decimal"

	"basis-engine/internal/config"
	"basis-engine/internal/data"
	"basis-engine/internal/runlog"
	"basis-engine/pkg/types"
)

// converted is one instrument's position expressed in underlying units and
// reporting currency.
type converted struct {
	underlying string
	netAmount  decimal.Decimal
	valueUSD   decimal.Decimal
	perpMargin bool // excluded from total value
}

// Monitor computes and caches exposure snapshots.
type Monitor struct {
	cfg    config.ExposureMonitorConfig
	log    *runlog.Logger
	events *runlog.EventLogger

	mu     sync.RWMutex
	latest *types.ExposureSnapshot
}

// New builds the monitor from the validated exposure section.
func New(cfg config.ExposureMonitorConfig, log *runlog.Logger, events *runlog.EventLogger) *Monitor {
	return &Monitor{cfg: cfg, log: log, events: events}
}

// Compute converts the position view at the snapshot's time, caches the
// result, and emits it to the exposures stream.
func (m *Monitor) Compute(s *data.Snapshot, positions types.DeltaMap) (types.ExposureSnapshot, error) {
	byAsset := make(map[string]types.AssetExposure)
	total := decimal.Zero

	for key, amount := range positions {
		if amount.IsZero() {
			continue
		}
		conv, ok := m.cfg.ConversionMethods[string(key)]
		if !ok {
			return types.ExposureSnapshot{}, types.Codedf(types.CodeExpMissingConversion,
				"no conversion method for instrument %q", key)
		}
		c, err := m.convert(s, key, amount, conv)
		if err != nil {
			return types.ExposureSnapshot{}, err
		}

		agg := byAsset[c.underlying]
		agg.Asset = c.underlying
		agg.NetAmount = agg.NetAmount.Add(c.netAmount)
		agg.ValueUSD = agg.ValueUSD.Add(c.valueUSD)
		byAsset[c.underlying] = agg

		if !c.perpMargin {
			total = total.Add(c.valueUSD)
		}
	}

	netDelta := decimal.Zero
	for _, asset := range m.trackedAssets(byAsset) {
		netDelta = netDelta.Add(byAsset[asset].ValueUSD)
	}

	snap := types.ExposureSnapshot{
		ReportingCurrency: m.cfg.ExposureCurrency,
		NetDeltaUSD:       netDelta,
		Exposures:         byAsset,
		TotalValueUSD:     total,
	}
	if m.events != nil {
		snap.EventMeta = m.events.Stamp(s.Timestamp)
		m.events.Emit(types.EventExposures, snap)
	}

	m.mu.Lock()
	m.latest = &snap
	m.mu.Unlock()
	return snap, nil
}

// Latest returns the most recent snapshot, false before the first Compute.
func (m *Monitor) Latest() (types.ExposureSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return types.ExposureSnapshot{}, false
	}
	return *m.latest, true
}

// trackedAssets resolves which underlyings feed net delta: the configured
// track list, or everything except the reporting currency when unset.
func (m *Monitor) trackedAssets(byAsset map[string]types.AssetExposure) []string {
	if len(m.cfg.TrackAssets) > 0 {
		return m.cfg.TrackAssets
	}
	out := make([]string, 0, len(byAsset))
	for asset := range byAsset {
		if asset != m.cfg.ExposureCurrency {
			out = append(out, asset)
		}
	}
	return out
}

func (m *Monitor) convert(s *data.Snapshot, key types.InstrumentKey, amount decimal.Decimal, conv config.ConversionConfig) (converted, error) {
	inst, err := types.ParseInstrument(key)
	if err != nil {
		return converted{}, types.Coded(types.CodeExpMissingConversion, err)
	}

	switch conv.Method {
	case "direct":
		return converted{underlying: conv.Underlying, netAmount: amount, valueUSD: amount}, nil

	case "usd_price":
		price, err := s.Price(conv.Underlying)
		if err != nil {
			return converted{}, types.Coded(types.CodeExpMissingConversion, err)
		}
		return converted{underlying: conv.Underlying, netAmount: amount, valueUSD: amount.Mul(price)}, nil

	case "perp_mark":
		mark, err := s.Price(inst.Symbol)
		if err != nil {
			return converted{}, types.Coded(types.CodeExpMissingConversion, err)
		}
		return converted{
			underlying: conv.Underlying,
			netAmount:  amount,
			valueUSD:   amount.Mul(mark),
			perpMargin: true,
		}, nil

	case "lending_index":
		idx, err := s.SupplyIndex(inst.Venue, conv.Underlying)
		if err != nil {
			return converted{}, types.Coded(types.CodeExpMissingConversion, err)
		}
		price, err := s.Price(conv.Underlying)
		if err != nil {
			return converted{}, types.Coded(types.CodeExpMissingConversion, err)
		}
		if idx.IsZero() {
			return converted{}, types.Codedf(types.CodeExpMissingConversion,
				"zero supply index for %s:%s", inst.Venue, conv.Underlying)
		}
		underlying := amount.Div(idx)
		return converted{underlying: conv.Underlying, netAmount: underlying, valueUSD: underlying.Mul(price)}, nil

	case "staking_rate":
		rate, err := s.StakingRate(inst.Symbol)
		if err != nil {
			return converted{}, types.Coded(types.CodeExpMissingConversion, err)
		}
		price, err := s.Price(conv.Underlying)
		if err != nil {
			return converted{}, types.Coded(types.CodeExpMissingConversion, err)
		}
		if rate.IsZero() {
			return converted{}, types.Codedf(types.CodeExpMissingConversion,
				"zero staking rate for %q", inst.Symbol)
		}
		underlying := amount.Div(rate)
		return converted{underlying: conv.Underlying, netAmount: underlying, valueUSD: underlying.Mul(price)}, nil

	case "debt":
		price, err := s.Price(conv.Underlying)
		if err != nil {
			return converted{}, types.Coded(types.CodeExpMissingConversion, err)
		}
		return converted{
			underlying: conv.Underlying,
			netAmount:  amount.Neg(),
			valueUSD:   amount.Mul(price).Neg(),
		}, nil
	}
	return converted{}, types.Codedf(types.CodeExpMissingConversion,
		"conversion method %q for %q is not recognized", conv.Method, key)
}
