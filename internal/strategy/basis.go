package strategy

import (
	"github.com/shopspring/decimal"

	"basis-engine/internal/data"
	"basis-engine/pkg/types"
)

// btcBasis holds spot BTC against an equal-size perp short, earning the
// basis and funding while staying flat in BTC terms.
type btcBasis struct {
	base
	keyUSDT types.InstrumentKey
	keyBTC  types.InstrumentKey
	keyPerp types.InstrumentKey
}

func newBTCBasis(p Params) (Strategy, error) {
	v := &btcBasis{
		keyUSDT: types.NewKey("binance", types.PosBaseToken, "USDT"),
		keyBTC:  types.NewKey("binance", types.PosBaseToken, "BTC"),
		keyPerp: types.NewKey("binance", types.PosPerp, "BTCUSDT"),
	}
	b, err := newBase("btc_basis", p, v.RequiredInstruments())
	if err != nil {
		return nil, err
	}
	v.base = b
	return v, nil
}

func (v *btcBasis) RequiredInstruments() []types.InstrumentKey {
	return []types.InstrumentKey{v.keyUSDT, v.keyBTC, v.keyPerp}
}

func (v *btcBasis) Decide(s *data.Snapshot, in Inputs) (Decision, error) {
	usdt := in.Positions[v.keyUSDT]
	btc := in.Positions[v.keyBTC]
	perp := in.Positions[v.keyPerp]

	price, err := s.Price("BTC")
	if err != nil {
		return Decision{}, types.Coded(types.CodeStratDeltaComputation, err)
	}

	if riskBreached(in) && (btc.IsPositive() || !perp.IsZero()) {
		return v.unwind(s, btc, perp)
	}

	if btc.IsZero() && perp.IsZero() {
		spend := v.allocation(usdt)
		if !spend.IsPositive() {
			return hold("no capital to deploy"), nil
		}
		qty := spend.Div(price)
		orders, err := v.orders(s,
			types.Order{
				Type:        types.OpSpotTrade,
				SourceVenue: "binance",
				TargetVenue: "binance",
				SourceToken: "USDT",
				TargetToken: "BTC",
				Amount:      spend,
			},
			types.Order{
				Type:        types.OpPerpTrade,
				TargetVenue: "binance",
				TargetToken: "BTCUSDT",
				Amount:      qty.Neg(),
			},
		)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionEntryFull, Reason: "opening basis position", Orders: orders}, nil
	}

	// hedge drift: spot and perp should net to zero BTC
	net := btc.Add(perp)
	if net.Abs().Mul(price).GreaterThan(v.dustFloor()) {
		orders, err := v.orders(s, types.Order{
			Type:        types.OpPerpTrade,
			TargetVenue: "binance",
			TargetToken: "BTCUSDT",
			Amount:      net.Neg(),
		})
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionRebalance, Reason: "re-hedging spot/perp drift", Orders: orders}, nil
	}

	if perp.IsZero() && btc.IsPositive() && btc.Mul(price).LessThanOrEqual(v.dustFloor()) {
		orders, err := v.orders(s, types.Order{
			Type:        types.OpSpotTrade,
			SourceVenue: "binance",
			TargetVenue: "binance",
			SourceToken: "BTC",
			TargetToken: "USDT",
			Amount:      btc,
		})
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionDustSell, Reason: "sweeping residual spot", Orders: orders}, nil
	}

	return hold("basis position on target"), nil
}

func (v *btcBasis) unwind(s *data.Snapshot, btc, perp decimal.Decimal) (Decision, error) {
	skeletons := make([]types.Order, 0, 2)
	if btc.IsPositive() {
		skeletons = append(skeletons, types.Order{
			Type:        types.OpSpotTrade,
			SourceVenue: "binance",
			TargetVenue: "binance",
			SourceToken: "BTC",
			TargetToken: "USDT",
			Amount:      btc,
		})
	}
	if !perp.IsZero() {
		skeletons = append(skeletons, types.Order{
			Type:        types.OpPerpTrade,
			TargetVenue: "binance",
			TargetToken: "BTCUSDT",
			Amount:      perp.Neg(),
		})
	}
	orders, err := v.orders(s, skeletons...)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Action: ActionRiskExit, Reason: "risk breach, unwinding basis position", Orders: orders}, nil
}

// marketNeutral keeps net USD delta inside a band by adjusting the perp
// hedge against whatever spot book it holds.
type marketNeutral struct {
	base
	keyUSDT types.InstrumentKey
	keyBTC  types.InstrumentKey
	keyPerp types.InstrumentKey
}

func newMarketNeutral(p Params) (Strategy, error) {
	v := &marketNeutral{
		keyUSDT: types.NewKey("binance", types.PosBaseToken, "USDT"),
		keyBTC:  types.NewKey("binance", types.PosBaseToken, "BTC"),
		keyPerp: types.NewKey("binance", types.PosPerp, "BTCUSDT"),
	}
	b, err := newBase("market_neutral", p, v.RequiredInstruments())
	if err != nil {
		return nil, err
	}
	v.base = b
	return v, nil
}

func (v *marketNeutral) RequiredInstruments() []types.InstrumentKey {
	return []types.InstrumentKey{v.keyUSDT, v.keyBTC, v.keyPerp}
}

func (v *marketNeutral) Decide(s *data.Snapshot, in Inputs) (Decision, error) {
	usdt := in.Positions[v.keyUSDT]
	btc := in.Positions[v.keyBTC]
	perp := in.Positions[v.keyPerp]

	if riskBreached(in) && !perp.IsZero() {
		orders, err := v.orders(s, types.Order{
			Type:        types.OpPerpTrade,
			TargetVenue: "binance",
			TargetToken: "BTCUSDT",
			Amount:      perp.Neg(),
		})
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionRiskExit, Reason: "risk breach, flattening hedge", Orders: orders}, nil
	}

	if btc.IsZero() && perp.IsZero() {
		spend := v.allocation(usdt)
		if !spend.IsPositive() {
			return hold("no capital to deploy"), nil
		}
		price, err := s.Price("BTC")
		if err != nil {
			return Decision{}, types.Coded(types.CodeStratDeltaComputation, err)
		}
		orders, err := v.orders(s,
			types.Order{
				Type:        types.OpSpotTrade,
				SourceVenue: "binance",
				TargetVenue: "binance",
				SourceToken: "USDT",
				TargetToken: "BTC",
				Amount:      spend,
			},
			types.Order{
				Type:        types.OpPerpTrade,
				TargetVenue: "binance",
				TargetToken: "BTCUSDT",
				Amount:      spend.Div(price).Neg(),
			},
		)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionEntryFull, Reason: "opening hedged book", Orders: orders}, nil
	}

	// neutrality band: |net delta| as a fraction of book value
	if in.Exposure.TotalValueUSD.IsPositive() {
		fraction := in.Exposure.NetDeltaUSD.Abs().Div(in.Exposure.TotalValueUSD)
		if fraction.GreaterThan(v.cfg.PositionDeviationThreshold) {
			mark, err := s.Price("BTCUSDT")
			if err != nil {
				return Decision{}, types.Coded(types.CodeStratDeltaComputation, err)
			}
			orders, err := v.orders(s, types.Order{
				Type:        types.OpPerpTrade,
				TargetVenue: "binance",
				TargetToken: "BTCUSDT",
				Amount:      in.Exposure.NetDeltaUSD.Div(mark).Neg(),
			})
			if err != nil {
				return Decision{}, err
			}
			return Decision{Action: ActionRebalance, Reason: "net delta outside neutrality band", Orders: orders}, nil
		}
	}

	return hold("book is delta neutral"), nil
}
