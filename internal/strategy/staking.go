package strategy

import (
	"github.com/shopspring/decimal"

	"basis-engine/internal/data"
	"basis-engine/pkg/types"
)

// ethStaking stakes the wallet's ETH into the liquid staking token and holds
// it for the staking yield.
type ethStaking struct {
	base
	keyETH types.InstrumentKey
	keyLST types.InstrumentKey
}

func newETHStaking(p Params) (Strategy, error) {
	v := &ethStaking{
		keyETH: types.NewKey("wallet", types.PosBaseToken, "ETH"),
		keyLST: types.NewKey("etherfi", types.PosLST, "weETH"),
	}
	b, err := newBase("eth_staking", p, v.RequiredInstruments())
	if err != nil {
		return nil, err
	}
	v.base = b
	return v, nil
}

func (v *ethStaking) RequiredInstruments() []types.InstrumentKey {
	return []types.InstrumentKey{v.keyETH, v.keyLST}
}

func (v *ethStaking) Decide(s *data.Snapshot, in Inputs) (Decision, error) {
	eth := in.Positions[v.keyETH]
	lst := in.Positions[v.keyLST]

	if riskBreached(in) && lst.IsPositive() {
		rate, err := s.StakingRate("weETH")
		if err != nil {
			return Decision{}, types.Coded(types.CodeStratDeltaComputation, err)
		}
		orders, err := v.orders(s, types.Order{
			Type:        types.OpUnstake,
			SourceVenue: "etherfi",
			TargetVenue: "wallet",
			SourceToken: "weETH",
			TargetToken: "ETH",
			Amount:      lst.Div(rate), // underlying redeeming the full LST balance
		})
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionRiskExit, Reason: "risk breach, unstaking", Orders: orders}, nil
	}

	stake := v.investable(eth)
	if stake.IsPositive() {
		orders, err := v.orders(s, types.Order{
			Type:        types.OpStake,
			SourceVenue: "wallet",
			TargetVenue: "etherfi",
			SourceToken: "ETH",
			TargetToken: "weETH",
			Amount:      stake,
		})
		if err != nil {
			return Decision{}, err
		}
		action := ActionEntryFull
		if lst.IsPositive() {
			action = ActionRebalance
		}
		return Decision{Action: action, Reason: "staking idle ETH", Orders: orders}, nil
	}

	return hold("fully staked"), nil
}

// leveragedStaking opens a leveraged staking position in one atomic group:
// flash-borrow ETH, stake the combined balance, borrow ETH against the LST
// collateral, repay the flash loan. The loop leaves LST exposure larger than
// the wallet's own capital, financed by the lending debt.
type leveragedStaking struct {
	base
	keyETH  types.InstrumentKey
	keyLST  types.InstrumentKey
	keyDebt types.InstrumentKey
}

func newLeveragedStaking(p Params) (Strategy, error) {
	v := &leveragedStaking{
		keyETH:  types.NewKey("wallet", types.PosBaseToken, "ETH"),
		keyLST:  types.NewKey("etherfi", types.PosLST, "weETH"),
		keyDebt: types.NewKey("aave_v3", types.PosDebtToken, "ETH"),
	}
	b, err := newBase("leveraged_staking", p, v.RequiredInstruments())
	if err != nil {
		return nil, err
	}
	v.base = b
	return v, nil
}

func (v *leveragedStaking) RequiredInstruments() []types.InstrumentKey {
	return []types.InstrumentKey{v.keyETH, v.keyLST, v.keyDebt}
}

func (v *leveragedStaking) Decide(s *data.Snapshot, in Inputs) (Decision, error) {
	eth := in.Positions[v.keyETH]
	lst := in.Positions[v.keyLST]
	debt := in.Positions[v.keyDebt]

	if riskBreached(in) && lst.IsPositive() {
		return v.unwind(s, lst, debt)
	}

	capital := v.investable(eth)
	if lst.IsZero() && capital.IsPositive() {
		// hedge_allocation doubles as the leverage borrow factor: borrow
		// capital * factor on top of the wallet's own stake
		borrowed := capital.Mul(v.cfg.HedgeAllocation)
		if !borrowed.IsPositive() {
			return Decision{}, types.Codedf(types.CodeStratInvalidOrder,
				"leveraged_staking requires a positive hedge_allocation leverage factor")
		}
		// the flash venue charges its premium on the repay leg, so that much
		// ETH has to stay liquid in the wallet instead of being staked
		premium := borrowed.Mul(v.feeRates["aave_flash"])
		orders, err := v.group(s,
			types.Order{
				Type:        types.OpFlashBorrow,
				SourceVenue: "aave_flash",
				TargetVenue: "wallet",
				SourceToken: "ETH",
				TargetToken: "ETH",
				Amount:      borrowed,
			},
			types.Order{
				Type:        types.OpStake,
				SourceVenue: "wallet",
				TargetVenue: "etherfi",
				SourceToken: "ETH",
				TargetToken: "weETH",
				Amount:      capital.Add(borrowed).Sub(premium),
			},
			types.Order{
				Type:        types.OpBorrow,
				SourceVenue: "aave_v3",
				TargetVenue: "wallet",
				SourceToken: "ETH",
				TargetToken: "ETH",
				Amount:      borrowed,
			},
			types.Order{
				Type:        types.OpFlashRepay,
				SourceVenue: "wallet",
				TargetVenue: "aave_flash",
				SourceToken: "ETH",
				TargetToken: "ETH",
				Amount:      borrowed,
			},
		)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionEntryFull, Reason: "opening leveraged staking loop", Orders: orders}, nil
	}

	return hold("leveraged position open"), nil
}

// unwind exits sequentially: unstake everything, then repay the debt from
// the redeemed ETH. No flash loan is needed on the way out because the LST
// collateral exceeds the debt.
func (v *leveragedStaking) unwind(s *data.Snapshot, lst, debt decimal.Decimal) (Decision, error) {
	rate, err := s.StakingRate("weETH")
	if err != nil {
		return Decision{}, types.Coded(types.CodeStratDeltaComputation, err)
	}
	skeletons := []types.Order{{
		Type:        types.OpUnstake,
		SourceVenue: "etherfi",
		TargetVenue: "wallet",
		SourceToken: "weETH",
		TargetToken: "ETH",
		Amount:      lst.Div(rate),
	}}
	if debt.IsPositive() {
		skeletons = append(skeletons, types.Order{
			Type:        types.OpRepay,
			SourceVenue: "wallet",
			TargetVenue: "aave_v3",
			SourceToken: "ETH",
			TargetToken: "ETH",
			Amount:      debt,
		})
	}
	orders, err := v.orders(s, skeletons...)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Action: ActionRiskExit, Reason: "risk breach, unwinding leverage", Orders: orders}, nil
}
