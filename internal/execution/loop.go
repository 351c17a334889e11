package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"basis-engine/internal/data"
	"basis-engine/internal/exposure"
	"basis-engine/internal/pnl"
	"basis-engine/internal/position"
	"basis-engine/internal/risk"
	"basis-engine/internal/runlog"
	"basis-engine/pkg/types"
)

// TightLoop is the post-execution pass that keeps the engine's belief
// synchronized with the world before the next order runs: apply the actual
// deltas to the simulated view, refresh the real view, reconcile the two on
// the keys the operation touched, and recompute exposure, risk, and P&L.
type TightLoop struct {
	positions *position.Monitor
	exposure  *exposure.Monitor
	risk      *risk.Monitor
	pnl       *pnl.Monitor

	tolerance  decimal.Decimal
	maxRetries int
	retryDelay time.Duration

	log    *runlog.Logger
	events *runlog.EventLogger
}

// NewTightLoop wires the monitor chain. tolerance is the per-key
// reconciliation tolerance; maxRetries and retryDelay bound the re-read
// attempts when a key diverges (live venues settle asynchronously).
func NewTightLoop(positions *position.Monitor, exposure *exposure.Monitor, risk *risk.Monitor,
	pnl *pnl.Monitor, tolerance decimal.Decimal, maxRetries int, retryDelay time.Duration,
	log *runlog.Logger, events *runlog.EventLogger) *TightLoop {

	return &TightLoop{
		positions:  positions,
		exposure:   exposure,
		risk:       risk,
		pnl:        pnl,
		tolerance:  tolerance,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		log:        log,
		events:     events,
	}
}

// Run processes one confirmed handshake. Actual deltas on keys outside the
// order's expected set are applied anyway and warned about; the venue is the
// authority on what moved. execRetries is the retry count the venue execution
// consumed, recorded on the tight-loop event; reconciliation attempts are
// recorded per-attempt on the reconciliation events. A reconciliation that
// stays outside tolerance after every retry is fatal to the run.
func (tl *TightLoop) Run(ctx context.Context, s *data.Snapshot, o types.Order, hs types.ExecutionHandshake, execDur time.Duration, execRetries int) error {
	expected := types.ExpectedDeltaMap(o.ExpectedDeltas)
	for key := range hs.ActualDeltas {
		if _, ok := expected[key]; !ok && tl.log != nil {
			tl.log.Warn().
				Str("operation_id", o.OperationID).
				Str("instrument_key", string(key)).
				Str("error_code", types.CodeExecUnexpectedDeltaKey).
				Msg("actual delta on key outside expected set")
		}
	}

	if err := tl.positions.ApplyDeltas(s, hs.ActualDeltas, "apply_deltas"); err != nil {
		return err
	}

	recStart := time.Now()
	_, recErr := tl.reconcile(ctx, s, o, hs)
	tl.emitTightLoop(s, o.OperationID, execRetries, execDur, time.Since(recStart), recErr == nil)
	if recErr != nil {
		return recErr
	}

	views := tl.positions.Get()
	exp, err := tl.exposure.Compute(s, views.Simulated)
	if err != nil {
		return err
	}
	if _, err := tl.risk.Evaluate(s, views.Simulated, exp); err != nil {
		return err
	}
	tl.pnl.RecordFill(s, hs)
	if _, err := tl.pnl.Compute(s, views.Simulated); err != nil {
		return err
	}
	return nil
}

// reconcile compares the simulated and real views on every key the operation
// touched, retrying the real refresh while any key stays outside tolerance.
// Returns the number of retries consumed.
func (tl *TightLoop) reconcile(ctx context.Context, s *data.Snapshot, o types.Order, hs types.ExecutionHandshake) (int, error) {
	touched := types.ExpectedDeltaMap(o.ExpectedDeltas)
	for key := range hs.ActualDeltas {
		touched[key] = hs.ActualDeltas[key]
	}
	keys := touched.Keys()

	for attempt := 0; ; attempt++ {
		if err := tl.positions.RefreshReal(ctx, s, "reconcile"); err != nil {
			return attempt, err
		}
		views := tl.positions.Get()

		var mismatches []types.PositionMismatch
		for _, key := range keys {
			sim, real := views.Simulated[key], views.Real[key]
			if !types.WithinTolerance(sim, real, tl.tolerance) {
				mismatches = append(mismatches, types.PositionMismatch{
					Instrument: key,
					Simulated:  sim,
					Real:       real,
					Difference: sim.Sub(real),
					Tolerance:  tl.tolerance,
				})
			}
		}
		tl.emitReconciliation(s, o.OperationID, views, mismatches, attempt)

		if len(mismatches) == 0 {
			return attempt, nil
		}
		if attempt >= tl.maxRetries {
			return attempt, types.Codedf(types.CodeExecReconciliationTimeout,
				"operation %s: %d keys outside tolerance %s after %d retries",
				o.OperationID, len(mismatches), tl.tolerance, attempt)
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(tl.retryDelay):
		}
	}
}

func (tl *TightLoop) emitTightLoop(s *data.Snapshot, opID string, retries int, execDur, recDur time.Duration, success bool) {
	if tl.events == nil {
		return
	}
	tl.events.Emit(types.EventTightLoop, types.TightLoopExecutionEvent{
		EventMeta:                tl.events.Stamp(s.Timestamp),
		OperationID:              opID,
		RetryCount:               retries,
		ExecutionDurationMS:      execDur.Milliseconds(),
		ReconciliationDurationMS: recDur.Milliseconds(),
		ReconciliationSuccess:    success,
	})
}

func (tl *TightLoop) emitReconciliation(s *data.Snapshot, opID string, views position.Views, mismatches []types.PositionMismatch, attempt int) {
	if tl.events == nil {
		return
	}
	tl.events.Emit(types.EventReconciliation, types.ReconciliationEvent{
		EventMeta:    tl.events.Stamp(s.Timestamp),
		OperationID:  opID,
		Simulated:    views.Simulated,
		Real:         views.Real,
		Mismatches:   mismatches,
		RetryAttempt: attempt,
		MaxRetries:   tl.maxRetries,
		Success:      len(mismatches) == 0,
	})
}
