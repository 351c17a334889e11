// Package strategy decides what the portfolio should do at each tick.
//
// Every variant shares the same capability surface: a required-instrument
// set checked against the subscription at construction, and a Decide that
// reads positions, exposure, and risk and emits fully specified orders with
// expected deltas attached. Variants are selected from the mode identifier
// through a constructor table, so the engine never branches on mode.
package strategy

import (
	"sort"

	"github.com/shopspring/decimal"

	"basis-engine/internal/config"
	"basis-engine/internal/data"
	"basis-engine/internal/runlog"
	"basis-engine/pkg/types"
)

// Action names the decision a variant took at a tick.
const (
	ActionHold      = "hold"
	ActionEntryFull = "entry_full"
	ActionExitFull  = "exit_full"
	ActionRiskExit  = "risk_exit"
	ActionRebalance = "rebalance"
	ActionDustSell  = "dust_sell"
)

// Inputs is the state a variant reads when deciding.
type Inputs struct {
	Positions types.DeltaMap // simulated view
	Exposure  types.ExposureSnapshot
	Risk      types.RiskAssessment
}

// Decision is one tick's outcome: the action taken, why, and the orders that
// implement it (empty for hold).
type Decision struct {
	Action string
	Reason string
	Orders []types.Order
}

// Strategy is the capability surface every variant implements.
type Strategy interface {
	Mode() string
	RequiredInstruments() []types.InstrumentKey
	Decide(s *data.Snapshot, in Inputs) (Decision, error)
}

// Params carries everything a variant constructor needs.
type Params struct {
	Config         config.StrategyManagerConfig
	InitialCapital decimal.Decimal
	Subscribed     map[types.InstrumentKey]struct{}
	FeeRates       map[string]decimal.Decimal // venue -> taker fee fraction
	Util           *data.UtilityManager
	Log            *runlog.Logger
}

type constructor func(Params) (Strategy, error)

// registry maps mode identifiers to variant constructors.
var registry = map[string]constructor{
	"pure_lending_usdt": newPureLending,
	"btc_basis":         newBTCBasis,
	"eth_staking":       newETHStaking,
	"leveraged_staking": newLeveragedStaking,
	"market_neutral":    newMarketNeutral,
	"ml_directional":    newMLDirectional,
}

// New constructs the variant for a mode.
func New(mode string, p Params) (Strategy, error) {
	ctor, ok := registry[mode]
	if !ok {
		return nil, types.Codedf(types.CodeConfUnknownMode,
			"unknown strategy mode %q (known: %v)", mode, Modes())
	}
	return ctor(p)
}

// Modes lists the registered mode identifiers, sorted.
func Modes() []string {
	out := make([]string, 0, len(registry))
	for mode := range registry {
		out = append(out, mode)
	}
	sort.Strings(out)
	return out
}

func hold(reason string) Decision {
	return Decision{Action: ActionHold, Reason: reason}
}
