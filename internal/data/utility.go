package data

import (
	"github.com/shopspring/decimal"

	"basis-engine/pkg/types"
)

// UtilityManager derives per-instrument values from a Snapshot. All methods
// are pure functions over the snapshot; the manager itself holds no state
// beyond the canonical-token mapping loaded at construction.
type UtilityManager struct {
	// canonical maps a derivative token symbol to its underlying, e.g.
	// "aUSDT" → "USDT", "weETH" → "ETH". Populated from the venues'
	// canonical_instruments config.
	canonical map[string]string
}

// NewUtilityManager builds a UtilityManager from the merged
// canonical-instrument maps of every configured venue.
func NewUtilityManager(canonical map[string]string) *UtilityManager {
	if canonical == nil {
		canonical = map[string]string{}
	}
	return &UtilityManager{canonical: canonical}
}

// Underlying resolves a derivative token (aToken, LST) to its base asset.
// Tokens without a canonical mapping are their own underlying.
func (u *UtilityManager) Underlying(token string) string {
	if base, ok := u.canonical[token]; ok {
		return base
	}
	return token
}

// PriceUSD returns the USD price of an asset symbol.
func (u *UtilityManager) PriceUSD(s *Snapshot, asset string) (decimal.Decimal, error) {
	return s.Price(asset)
}

// InstrumentValueUSD values one position amount for an instrument key using
// the position type's natural conversion: base tokens and debt at the symbol
// price, aTokens at price/supply_index, LSTs at price/staking_rate, perps at
// the mark price. Debt is returned as a negative value.
func (u *UtilityManager) InstrumentValueUSD(s *Snapshot, key types.InstrumentKey, amount decimal.Decimal) (decimal.Decimal, error) {
	inst, err := types.ParseInstrument(key)
	if err != nil {
		return decimal.Zero, err
	}
	switch inst.Type {
	case types.PosBaseToken:
		price, err := s.Price(inst.Symbol)
		if err != nil {
			return decimal.Zero, err
		}
		return amount.Mul(price), nil
	case types.PosPerp:
		mark, err := s.Price(inst.Symbol)
		if err != nil {
			return decimal.Zero, err
		}
		return amount.Mul(mark), nil
	case types.PosAToken:
		base := u.Underlying(inst.Symbol)
		price, err := s.Price(base)
		if err != nil {
			return decimal.Zero, err
		}
		idx, err := s.SupplyIndex(inst.Venue, base)
		if err != nil {
			return decimal.Zero, err
		}
		return amount.Div(idx).Mul(price), nil
	case types.PosDebtToken:
		price, err := s.Price(inst.Symbol)
		if err != nil {
			return decimal.Zero, err
		}
		return amount.Mul(price).Neg(), nil
	case types.PosLST:
		base := u.Underlying(inst.Symbol)
		price, err := s.Price(base)
		if err != nil {
			return decimal.Zero, err
		}
		rate, err := s.StakingRate(inst.Symbol)
		if err != nil {
			return decimal.Zero, err
		}
		return amount.Div(rate).Mul(price), nil
	}
	return decimal.Zero, types.Codedf(types.CodeDataMissingField,
		"no valuation rule for position type %q", inst.Type)
}
