package strategy

import (
	"basis-engine/internal/data"
	"basis-engine/pkg/types"
)

// directionSignal is the prediction stream key the variant consumes: a value
// in [-1, 1] where the sign is direction and the magnitude is conviction.
const directionSignal = "direction"

// mlDirectional sizes a perp position from the snapshot's model prediction.
// No prediction means no change; a flat signal flattens the book.
type mlDirectional struct {
	base
	keyUSDT types.InstrumentKey
	keyPerp types.InstrumentKey
}

func newMLDirectional(p Params) (Strategy, error) {
	v := &mlDirectional{
		keyUSDT: types.NewKey("binance", types.PosBaseToken, "USDT"),
		keyPerp: types.NewKey("binance", types.PosPerp, "BTCUSDT"),
	}
	b, err := newBase("ml_directional", p, v.RequiredInstruments())
	if err != nil {
		return nil, err
	}
	v.base = b
	return v, nil
}

func (v *mlDirectional) RequiredInstruments() []types.InstrumentKey {
	return []types.InstrumentKey{v.keyUSDT, v.keyPerp}
}

func (v *mlDirectional) Decide(s *data.Snapshot, in Inputs) (Decision, error) {
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
		return Decision{Action: ActionRiskExit, Reason: "risk breach, flattening", Orders: orders}, nil
	}

	signal, ok := s.Prediction(directionSignal)
	if !ok {
		return hold("no prediction at tick"), nil
	}

	mark, err := s.Price("BTCUSDT")
	if err != nil {
		return Decision{}, types.Coded(types.CodeStratDeltaComputation, err)
	}
	targetNotional := v.allocation(v.capital).Mul(signal)
	targetQty := targetNotional.Div(mark)
	delta := targetQty.Sub(perp)

	if delta.Abs().Mul(mark).LessThanOrEqual(v.dustFloor()) {
		return hold("position within signal band"), nil
	}

	orders, err := v.orders(s, types.Order{
		Type:        types.OpPerpTrade,
		TargetVenue: "binance",
		TargetToken: "BTCUSDT",
		Amount:      delta,
	})
	if err != nil {
		return Decision{}, err
	}
	action := ActionRebalance
	if perp.IsZero() {
		action = ActionEntryFull
	}
	return Decision{Action: action, Reason: "tracking model direction signal", Orders: orders}, nil
}
