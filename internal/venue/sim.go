package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"basis-engine/internal/data"
	"basis-engine/internal/runlog"
	"basis-engine/pkg/types"
)

// opsForKind maps a venue kind to the operations it accepts.
var opsForKind = map[string][]types.OperationType{
	"cex":        {types.OpSpotTrade, types.OpPerpTrade},
	"lending":    {types.OpSupply, types.OpBorrow, types.OpRepay, types.OpWithdraw},
	"staking":    {types.OpStake, types.OpUnstake},
	"dex":        {types.OpSwap},
	"transfer":   {types.OpTransfer},
	"flash_loan": {types.OpFlashBorrow, types.OpFlashRepay},
}

// Simulator executes orders against the data snapshot instead of a real
// venue. Deltas come from the same Derive the strategy used for expected
// deltas, so a correct strategy reconciles exactly. Balance checks run
// against the engine's simulated position view supplied at construction.
type Simulator struct {
	name      string
	kind      string
	feeRate   decimal.Decimal
	minAmount decimal.Decimal
	provider  data.Provider
	balances  func() types.DeltaMap // simulated view; nil disables checks
	log       *runlog.Logger
}

// NewSimulator builds a simulated venue of the given kind.
func NewSimulator(name, kind string, feeRate, minAmount decimal.Decimal, provider data.Provider, balances func() types.DeltaMap, log *runlog.Logger) *Simulator {
	return &Simulator{
		name:      name,
		kind:      kind,
		feeRate:   feeRate,
		minAmount: minAmount,
		provider:  provider,
		balances:  balances,
		log:       log,
	}
}

func (v *Simulator) Name() string { return v.name }

// Execute fills the order from the snapshot at t.
func (v *Simulator) Execute(ctx context.Context, t time.Time, order types.Order) (types.ExecutionHandshake, error) {
	return v.executeWith(ctx, t, order, nil)
}

// executeWith applies an overlay of uncommitted deltas from earlier members
// of an atomic group so balance checks see the group's running state.
func (v *Simulator) executeWith(ctx context.Context, t time.Time, order types.Order, overlay types.DeltaMap) (types.ExecutionHandshake, error) {
	submitted := time.Now().UTC()

	if err := v.accepts(order); err != nil {
		return types.ExecutionHandshake{}, err
	}
	snap, err := v.provider.Snapshot(ctx, t)
	if err != nil {
		return types.ExecutionHandshake{}, newError(v.name, ClassNonRetryableState, err)
	}
	der, err := Derive(snap, order, v.feeRate)
	if err != nil {
		return types.ExecutionHandshake{}, newError(v.name, ClassNonRetryableInvalid, err)
	}
	if err := v.checkBalances(der.Deltas, overlay); err != nil {
		return types.ExecutionHandshake{}, err
	}

	details := map[string]any{
		"venue":     v.name,
		"simulated": true,
	}
	if !der.Price.IsZero() {
		details["price"] = der.Price.String()
	}
	if v.log != nil {
		v.log.Debug().
			Str("operation_id", order.OperationID).
			Str("operation_type", string(order.Type)).
			Str("amount", order.Amount.String()).
			Msg("simulated execution")
	}

	return types.ExecutionHandshake{
		OperationID:   order.OperationID,
		Status:        types.StatusConfirmed,
		ActualDeltas:  types.ExpectedDeltaMap(der.Deltas),
		Details:       details,
		FeeAmount:     der.FeeAmount,
		FeeCurrency:   der.FeeCurrency,
		SubmittedAt:   submitted,
		ExecutedAt:    time.Now().UTC(),
		Simulated:     true,
		AtomicGroupID: order.AtomicGroupID,
	}, nil
}

func (v *Simulator) accepts(order types.Order) error {
	supported := false
	for _, op := range opsForKind[v.kind] {
		if op == order.Type {
			supported = true
			break
		}
	}
	if !supported {
		return newError(v.name, ClassNonRetryableInvalid,
			types.Codedf(types.CodeVenUnsupportedOp,
				"venue kind %q does not support %q", v.kind, order.Type))
	}
	if order.Amount.Abs().LessThan(v.minAmount) {
		return newError(v.name, ClassNonRetryableInvalid,
			types.Codedf(types.CodeVenInvalidOrder,
				"amount %s below venue minimum %s", order.Amount, v.minAmount))
	}
	return nil
}

// checkBalances rejects orders that would drive a spendable balance negative.
// Only negative deltas on non-debt keys are checked; debt keys grow by
// borrowing, and perp keys are signed by design.
func (v *Simulator) checkBalances(deltas []types.ExpectedDelta, overlay types.DeltaMap) error {
	if v.balances == nil {
		return nil
	}
	current := v.balances()
	for _, d := range deltas {
		if !d.Delta.IsNegative() {
			continue
		}
		inst, err := types.ParseInstrument(d.Instrument)
		if err != nil {
			return newError(v.name, ClassNonRetryableInvalid, err)
		}
		if inst.Type == types.PosDebtToken || inst.Type == types.PosPerp {
			continue
		}
		have := current[d.Instrument]
		if overlay != nil {
			have = have.Add(overlay[d.Instrument])
		}
		if have.Add(d.Delta).IsNegative() {
			return newError(v.name, ClassNonRetryableState,
				types.Codedf(types.CodeVenInsufficient,
					"%s: have %s, need %s", d.Instrument, have, d.Delta.Abs()))
		}
	}
	return nil
}

// SimGroup executes atomic groups against simulated venues. Members run in
// sequence order against a scratch overlay; any failure discards the whole
// group and every member reports rolled_back with no deltas.
type SimGroup struct {
	router *Router
	log    *runlog.Logger
}

// NewSimGroup builds the backtest atomic-group executor.
func NewSimGroup(router *Router, log *runlog.Logger) *SimGroup {
	return &SimGroup{router: router, log: log}
}

// ExecuteGroup runs the group indivisibly.
func (g *SimGroup) ExecuteGroup(ctx context.Context, t time.Time, orders []types.Order) ([]types.ExecutionHandshake, error) {
	overlay := make(types.DeltaMap)
	handshakes := make([]types.ExecutionHandshake, 0, len(orders))

	for _, order := range orders {
		exec, err := g.router.Route(order)
		if err != nil {
			return g.rollback(orders, order.OperationID, err), err
		}
		sim, ok := exec.(*Simulator)
		if !ok {
			err := errorf(order.TargetVenue, ClassNonRetryableInvalid,
				"atomic group member routed to non-simulated venue")
			return g.rollback(orders, order.OperationID, err), err
		}
		hs, err := sim.executeWith(ctx, t, order, overlay)
		if err != nil {
			if g.log != nil {
				g.log.Warn().
					Str("group_id", order.AtomicGroupID).
					Str("operation_id", order.OperationID).
					Err(err).
					Msg("atomic group member failed, rolling back")
			}
			return g.rollback(orders, order.OperationID, err), err
		}
		for k, v := range hs.ActualDeltas {
			overlay[k] = overlay[k].Add(v)
		}
		handshakes = append(handshakes, hs)
	}
	return handshakes, nil
}

// rollback builds the all-rolled_back handshake set for a failed group. No
// actual deltas are reported, so nothing is applied to positions.
func (g *SimGroup) rollback(orders []types.Order, failedOp string, cause error) []types.ExecutionHandshake {
	now := time.Now().UTC()
	code := types.CodeExecAtomicGroupRollback
	if ve, ok := AsError(cause); ok {
		code = ve.Code()
	}
	out := make([]types.ExecutionHandshake, len(orders))
	for i, o := range orders {
		msg := "rolled back: group member " + failedOp + " failed"
		out[i] = types.ExecutionHandshake{
			OperationID:   o.OperationID,
			Status:        types.StatusRolledBack,
			ActualDeltas:  types.DeltaMap{},
			ErrorCode:     code,
			ErrorMessage:  msg,
			SubmittedAt:   now,
			ExecutedAt:    now,
			Simulated:     true,
			AtomicGroupID: o.AtomicGroupID,
		}
	}
	return out
}
