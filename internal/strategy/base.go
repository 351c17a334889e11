package strategy

import (
	"github.com/shopspring/decimal"

	"basis-engine/internal/config"
	"basis-engine/internal/data"
	"basis-engine/internal/runlog"
	"basis-engine/internal/venue"
	"basis-engine/pkg/types"
)

// base carries the machinery every variant shares: the subscription check,
// the order builder, and sizing helpers.
type base struct {
	mode    string
	cfg     config.StrategyManagerConfig
	capital decimal.Decimal

	subscribed map[types.InstrumentKey]struct{}
	feeRates   map[string]decimal.Decimal
	util       *data.UtilityManager
	log        *runlog.Logger
}

// newBase validates the variant's required instruments against the
// subscription set. A gap is a construction failure, not a runtime surprise.
func newBase(mode string, p Params, required []types.InstrumentKey) (base, error) {
	for _, key := range required {
		if _, ok := p.Subscribed[key]; !ok {
			return base{}, types.Codedf(types.CodeStratMissingInstrument,
				"mode %q requires instrument %q which is not subscribed", mode, key)
		}
	}
	return base{
		mode:       mode,
		cfg:        p.Config,
		capital:    p.InitialCapital,
		subscribed: p.Subscribed,
		feeRates:   p.FeeRates,
		util:       p.Util,
		log:        p.Log,
	}, nil
}

func (b *base) Mode() string { return b.mode }

// order completes a skeleton order: assigns the operation id, derives the
// expected deltas from the snapshot, and validates every touched key against
// the subscription set.
func (b *base) order(s *data.Snapshot, o types.Order) (types.Order, error) {
	if o.OperationID == "" {
		o.OperationID = types.NewID()
	}
	if !o.Amount.IsPositive() && o.Type != types.OpPerpTrade {
		return types.Order{}, types.Codedf(types.CodeStratInvalidOrder,
			"%s order with non-positive amount %s", o.Type, o.Amount)
	}

	der, err := venue.Derive(s, o, b.feeRate(o))
	if err != nil {
		return types.Order{}, types.Coded(types.CodeStratDeltaComputation, err)
	}
	o.ExpectedDeltas = der.Deltas

	for _, d := range o.ExpectedDeltas {
		if _, ok := b.subscribed[d.Instrument]; !ok {
			return types.Order{}, types.Codedf(types.CodeStratUnknownInstrument,
				"order %s touches unsubscribed instrument %q", o.OperationID, d.Instrument)
		}
	}
	return o, nil
}

// orders completes a batch; group fields must already be set by the caller.
func (b *base) orders(s *data.Snapshot, skeletons ...types.Order) ([]types.Order, error) {
	out := make([]types.Order, 0, len(skeletons))
	for _, skel := range skeletons {
		o, err := b.order(s, skel)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// group stamps a fresh atomic group over the skeletons before completion.
func (b *base) group(s *data.Snapshot, skeletons ...types.Order) ([]types.Order, error) {
	groupID := types.NewID()
	for i := range skeletons {
		skeletons[i].AtomicGroupID = groupID
		skeletons[i].SequenceInGroup = i
	}
	return b.orders(s, skeletons...)
}

func (b *base) feeRate(o types.Order) decimal.Decimal {
	name, err := venue.ExecutingVenue(o)
	if err != nil || name == "" {
		return decimal.Zero
	}
	return b.feeRates[name]
}

// investable is the capital share a variant may deploy after the reserve.
func (b *base) investable(amount decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	return amount.Mul(one.Sub(b.cfg.ReserveRatio))
}

// allocation is the fraction of capital a hedged variant commits to its
// position; hedge_allocation when set, otherwise everything past the reserve.
func (b *base) allocation(amount decimal.Decimal) decimal.Decimal {
	if b.cfg.HedgeAllocation.IsPositive() {
		return amount.Mul(b.cfg.HedgeAllocation)
	}
	return b.investable(amount)
}

// dustFloor is the value below which a residual position is noise: the
// deviation threshold applied to initial capital.
func (b *base) dustFloor() decimal.Decimal {
	return b.capital.Mul(b.cfg.PositionDeviationThreshold)
}

func riskBreached(in Inputs) bool {
	return in.Risk.Level == types.RiskCritical
}
