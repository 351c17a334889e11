package venue

import (
	"github.com/shopspring/decimal"

	"basis-engine/internal/data"
	"basis-engine/pkg/types"
)

// Derivation is the position movement one operation produces, computed from
// a snapshot. Fee is reported separately; for spot and swap it is also
// already deducted from the target delta.
type Derivation struct {
	Deltas      []types.ExpectedDelta
	FeeAmount   decimal.Decimal
	FeeCurrency string
	// Price is the conversion used, recorded into execution details for
	// audit: spot/swap price, supply index, staking rate.
	Price decimal.Decimal
}

// Derive computes the deltas for one order from the snapshot. This is the
// single source of truth for operation semantics: the strategy base calls it
// to populate expected deltas, and the simulated venues call it with the
// same snapshot to produce actual deltas, which is what makes backtest
// reconciliation exact.
//
// Order field conventions per operation:
//
//	spot_trade   amount in source units; buy target with source
//	perp_trade   amount is the signed perp position delta
//	supply       amount in underlying; target token is the aToken symbol
//	borrow       amount in underlying; debt grows on the source venue
//	repay        amount in underlying; debt shrinks on the target venue
//	withdraw     amount in underlying returned to the target venue
//	stake        amount in underlying; target token is the LST symbol
//	unstake      amount in underlying returned; source token is the LST
//	swap         amount in source units, fee in target units
//	transfer     amount moves one-to-one between venues
//	flash_borrow amount lands on the target venue inside an atomic group
//	flash_repay  amount leaves the source venue inside the same group
func Derive(s *data.Snapshot, o types.Order, feeRate decimal.Decimal) (Derivation, error) {
	switch o.Type {
	case types.OpSpotTrade, types.OpSwap:
		return deriveExchange(s, o, feeRate)
	case types.OpPerpTrade:
		return derivePerp(s, o)
	case types.OpSupply:
		return deriveSupply(s, o)
	case types.OpBorrow:
		return deriveBorrow(o)
	case types.OpRepay:
		return deriveRepay(o)
	case types.OpWithdraw:
		return deriveWithdraw(s, o)
	case types.OpStake:
		return deriveStake(s, o)
	case types.OpUnstake:
		return deriveUnstake(s, o)
	case types.OpTransfer:
		return deriveTransfer(o)
	case types.OpFlashBorrow:
		return deriveFlashBorrow(o)
	case types.OpFlashRepay:
		return deriveFlashRepay(o, feeRate)
	}
	return Derivation{}, types.Codedf(types.CodeVenUnsupportedOp,
		"no delta derivation for operation %q", o.Type)
}

func delta(key types.InstrumentKey, amount decimal.Decimal, token, venueName string, op types.OperationType) types.ExpectedDelta {
	return types.ExpectedDelta{Instrument: key, Delta: amount, Token: token, Venue: venueName, Operation: op}
}

// deriveExchange covers spot_trade (CEX) and swap (DEX): source decreases by
// amount, target increases by the converted amount minus the fee taken in
// target units.
func deriveExchange(s *data.Snapshot, o types.Order, feeRate decimal.Decimal) (Derivation, error) {
	srcPrice, err := s.Price(o.SourceToken)
	if err != nil {
		return Derivation{}, err
	}
	dstPrice, err := s.Price(o.TargetToken)
	if err != nil {
		return Derivation{}, err
	}
	if dstPrice.IsZero() {
		return Derivation{}, types.Codedf(types.CodeDataMissingField,
			"zero price for %q", o.TargetToken)
	}
	rate := srcPrice.Div(dstPrice) // target units per source unit
	gross := o.Amount.Mul(rate)
	fee := gross.Mul(feeRate)
	return Derivation{
		Deltas: []types.ExpectedDelta{
			delta(types.NewKey(o.SourceVenue, types.PosBaseToken, o.SourceToken),
				o.Amount.Neg(), o.SourceToken, o.SourceVenue, o.Type),
			delta(types.NewKey(o.TargetVenue, types.PosBaseToken, o.TargetToken),
				gross.Sub(fee), o.TargetToken, o.TargetVenue, o.Type),
		},
		FeeAmount:   fee,
		FeeCurrency: o.TargetToken,
		Price:       rate,
	}, nil
}

// derivePerp moves only the perp key; margin stays in the base account.
func derivePerp(s *data.Snapshot, o types.Order) (Derivation, error) {
	mark, err := s.Price(o.TargetToken)
	if err != nil {
		return Derivation{}, err
	}
	return Derivation{
		Deltas: []types.ExpectedDelta{
			delta(types.NewKey(o.TargetVenue, types.PosPerp, o.TargetToken),
				o.Amount, o.TargetToken, o.TargetVenue, o.Type),
		},
		Price: mark,
	}, nil
}

func deriveSupply(s *data.Snapshot, o types.Order) (Derivation, error) {
	idx, err := s.SupplyIndex(o.TargetVenue, o.SourceToken)
	if err != nil {
		return Derivation{}, err
	}
	return Derivation{
		Deltas: []types.ExpectedDelta{
			delta(types.NewKey(o.SourceVenue, types.PosBaseToken, o.SourceToken),
				o.Amount.Neg(), o.SourceToken, o.SourceVenue, o.Type),
			delta(types.NewKey(o.TargetVenue, types.PosAToken, o.TargetToken),
				o.Amount.Mul(idx), o.TargetToken, o.TargetVenue, o.Type),
		},
		Price: idx,
	}, nil
}

func deriveBorrow(o types.Order) (Derivation, error) {
	return Derivation{
		Deltas: []types.ExpectedDelta{
			delta(types.NewKey(o.SourceVenue, types.PosDebtToken, o.SourceToken),
				o.Amount, o.SourceToken, o.SourceVenue, o.Type),
			delta(types.NewKey(o.TargetVenue, types.PosBaseToken, o.TargetToken),
				o.Amount, o.TargetToken, o.TargetVenue, o.Type),
		},
	}, nil
}

func deriveRepay(o types.Order) (Derivation, error) {
	return Derivation{
		Deltas: []types.ExpectedDelta{
			delta(types.NewKey(o.TargetVenue, types.PosDebtToken, o.TargetToken),
				o.Amount.Neg(), o.TargetToken, o.TargetVenue, o.Type),
			delta(types.NewKey(o.SourceVenue, types.PosBaseToken, o.SourceToken),
				o.Amount.Neg(), o.SourceToken, o.SourceVenue, o.Type),
		},
	}, nil
}

// deriveWithdraw is the inverse of deriveSupply: the aToken burns at the
// current index for the underlying amount returned.
func deriveWithdraw(s *data.Snapshot, o types.Order) (Derivation, error) {
	underlying := o.TargetToken
	idx, err := s.SupplyIndex(o.SourceVenue, underlying)
	if err != nil {
		return Derivation{}, err
	}
	return Derivation{
		Deltas: []types.ExpectedDelta{
			delta(types.NewKey(o.SourceVenue, types.PosAToken, o.SourceToken),
				o.Amount.Mul(idx).Neg(), o.SourceToken, o.SourceVenue, o.Type),
			delta(types.NewKey(o.TargetVenue, types.PosBaseToken, underlying),
				o.Amount, underlying, o.TargetVenue, o.Type),
		},
		Price: idx,
	}, nil
}

func deriveStake(s *data.Snapshot, o types.Order) (Derivation, error) {
	rate, err := s.StakingRate(o.TargetToken)
	if err != nil {
		return Derivation{}, err
	}
	return Derivation{
		Deltas: []types.ExpectedDelta{
			delta(types.NewKey(o.SourceVenue, types.PosBaseToken, o.SourceToken),
				o.Amount.Neg(), o.SourceToken, o.SourceVenue, o.Type),
			delta(types.NewKey(o.TargetVenue, types.PosLST, o.TargetToken),
				o.Amount.Mul(rate), o.TargetToken, o.TargetVenue, o.Type),
		},
		Price: rate,
	}, nil
}

func deriveUnstake(s *data.Snapshot, o types.Order) (Derivation, error) {
	rate, err := s.StakingRate(o.SourceToken)
	if err != nil {
		return Derivation{}, err
	}
	return Derivation{
		Deltas: []types.ExpectedDelta{
			delta(types.NewKey(o.SourceVenue, types.PosLST, o.SourceToken),
				o.Amount.Mul(rate).Neg(), o.SourceToken, o.SourceVenue, o.Type),
			delta(types.NewKey(o.TargetVenue, types.PosBaseToken, o.TargetToken),
				o.Amount, o.TargetToken, o.TargetVenue, o.Type),
		},
		Price: rate,
	}, nil
}

func deriveTransfer(o types.Order) (Derivation, error) {
	if o.SourceVenue == o.TargetVenue {
		return Derivation{}, types.Codedf(types.CodeVenInvalidOrder,
			"transfer within venue %q", o.SourceVenue)
	}
	return Derivation{
		Deltas: []types.ExpectedDelta{
			delta(types.NewKey(o.SourceVenue, types.PosBaseToken, o.SourceToken),
				o.Amount.Neg(), o.SourceToken, o.SourceVenue, o.Type),
			delta(types.NewKey(o.TargetVenue, types.PosBaseToken, o.TargetToken),
				o.Amount, o.TargetToken, o.TargetVenue, o.Type),
		},
	}, nil
}

func deriveFlashBorrow(o types.Order) (Derivation, error) {
	if o.AtomicGroupID == "" {
		return Derivation{}, types.Codedf(types.CodeVenInvalidOrder,
			"flash_borrow outside an atomic group")
	}
	return Derivation{
		Deltas: []types.ExpectedDelta{
			delta(types.NewKey(o.TargetVenue, types.PosBaseToken, o.TargetToken),
				o.Amount, o.TargetToken, o.TargetVenue, o.Type),
		},
	}, nil
}

// deriveFlashRepay returns the borrowed amount; the flash premium is the fee
// and is charged on top of the repaid principal.
func deriveFlashRepay(o types.Order, feeRate decimal.Decimal) (Derivation, error) {
	if o.AtomicGroupID == "" {
		return Derivation{}, types.Codedf(types.CodeVenInvalidOrder,
			"flash_repay outside an atomic group")
	}
	premium := o.Amount.Mul(feeRate)
	return Derivation{
		Deltas: []types.ExpectedDelta{
			delta(types.NewKey(o.SourceVenue, types.PosBaseToken, o.SourceToken),
				o.Amount.Add(premium).Neg(), o.SourceToken, o.SourceVenue, o.Type),
		},
		FeeAmount:   premium,
		FeeCurrency: o.SourceToken,
	}, nil
}
