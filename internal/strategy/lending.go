package strategy

import (
	"basis-engine/internal/data"
	"basis-engine/pkg/types"
)

// pureLending supplies the full wallet stablecoin balance to the lending
// pool and sits on the position. Exit withdraws everything.
type pureLending struct {
	base
	keyWallet types.InstrumentKey
	keyAToken types.InstrumentKey
}

func newPureLending(p Params) (Strategy, error) {
	keyWallet := types.NewKey("wallet", types.PosBaseToken, "USDT")
	keyAToken := types.NewKey("aave_v3", types.PosAToken, "aUSDT")
	b, err := newBase("pure_lending_usdt", p, []types.InstrumentKey{keyWallet, keyAToken})
	if err != nil {
		return nil, err
	}
	return &pureLending{base: b, keyWallet: keyWallet, keyAToken: keyAToken}, nil
}

func (v *pureLending) RequiredInstruments() []types.InstrumentKey {
	return []types.InstrumentKey{v.keyWallet, v.keyAToken}
}

func (v *pureLending) Decide(s *data.Snapshot, in Inputs) (Decision, error) {
	walletUSDT := in.Positions[v.keyWallet]
	aToken := in.Positions[v.keyAToken]

	if riskBreached(in) && aToken.IsPositive() {
		idx, err := s.SupplyIndex("aave_v3", "USDT")
		if err != nil {
			return Decision{}, types.Coded(types.CodeStratDeltaComputation, err)
		}
		orders, err := v.orders(s, types.Order{
			Type:        types.OpWithdraw,
			SourceVenue: "aave_v3",
			TargetVenue: "wallet",
			SourceToken: "aUSDT",
			TargetToken: "USDT",
			Amount:      aToken.Div(idx), // underlying redeeming the full aToken balance
		})
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionRiskExit, Reason: "risk breach, withdrawing supply", Orders: orders}, nil
	}

	supply := v.investable(walletUSDT)
	if supply.IsPositive() {
		orders, err := v.orders(s, types.Order{
			Type:        types.OpSupply,
			SourceVenue: "wallet",
			TargetVenue: "aave_v3",
			SourceToken: "USDT",
			TargetToken: "aUSDT",
			Amount:      supply,
		})
		if err != nil {
			return Decision{}, err
		}
		action := ActionEntryFull
		if aToken.IsPositive() {
			action = ActionRebalance
		}
		return Decision{Action: action, Reason: "deploying idle wallet balance", Orders: orders}, nil
	}

	return hold("fully deployed"), nil
}
