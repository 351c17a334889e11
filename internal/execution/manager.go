// Package execution turns a tick's order batch into executed operations.
//
// The manager routes each order to its venue executor, retries retryable
// venue failures with exponential backoff, and runs atomic groups through
// the group executor so they commit or roll back as one. After every
// confirmed operation the tight loop applies the actual deltas, reconciles
// the simulated view against the real one, and recomputes the monitor chain
// before the next order is allowed to run.
package execution

import (
	"context"
	"time"

	"basis-engine/internal/config"
	"basis-engine/internal/data"
	"basis-engine/internal/runlog"
	"basis-engine/internal/venue"
	"basis-engine/pkg/types"
)

// Manager executes order batches.
type Manager struct {
	cfg    config.ExecutionManagerConfig
	router *venue.Router
	groups venue.GroupExecutor
	loop   *TightLoop

	log    *runlog.Logger
	events *runlog.EventLogger
}

// New builds the manager. groups may be nil when the run's strategy never
// emits atomic groups.
func New(cfg config.ExecutionManagerConfig, router *venue.Router, groups venue.GroupExecutor,
	loop *TightLoop, log *runlog.Logger, events *runlog.EventLogger) *Manager {

	return &Manager{
		cfg:    cfg,
		router: router,
		groups: groups,
		loop:   loop,
		log:    log,
		events: events,
	}
}

// Process executes the batch in order. Orders sharing an atomic group id run
// indivisibly; everything else runs one at a time. A venue rejection becomes
// a failed handshake and the batch continues; errors from the tight loop
// propagate so the engine can grade them. The returned handshakes cover every
// order processed before a severe failure stopped the batch.
func (m *Manager) Process(ctx context.Context, s *data.Snapshot, orders []types.Order) ([]types.ExecutionHandshake, error) {
	out := make([]types.ExecutionHandshake, 0, len(orders))

	for i := 0; i < len(orders); {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		if gid := orders[i].AtomicGroupID; gid != "" {
			j := i
			for j < len(orders) && orders[j].AtomicGroupID == gid {
				j++
			}
			handshakes, err := m.processGroup(ctx, s, orders[i:j])
			out = append(out, handshakes...)
			if err != nil {
				return out, err
			}
			i = j
			continue
		}

		hs, err := m.processSingle(ctx, s, orders[i])
		out = append(out, hs)
		if err != nil {
			return out, err
		}
		i++
	}
	return out, nil
}

// processSingle executes one order end to end: route, execute with retries,
// record the event, and run the tight loop on success.
func (m *Manager) processSingle(ctx context.Context, s *data.Snapshot, o types.Order) (types.ExecutionHandshake, error) {
	started := time.Now()

	exec, err := m.router.Route(o)
	if err != nil {
		hs := failedHandshake(o, err, started)
		m.emitExecution(s, o, hs, time.Since(started))
		return hs, err // EXEC-001, the engine aborts the tick
	}

	hs, retries, execErr := m.executeWithRetry(ctx, s.Timestamp, exec, o)
	m.emitExecution(s, o, hs, time.Since(started))
	if execErr != nil {
		return hs, execErr // only context cancellation surfaces here
	}
	if hs.Status != types.StatusConfirmed {
		if m.log != nil {
			m.log.Warn().
				Str("operation_id", o.OperationID).
				Str("error_code", hs.ErrorCode).
				Str("error_message", hs.ErrorMessage).
				Msg("operation failed, continuing batch")
		}
		return hs, nil
	}

	if err := m.loop.Run(ctx, s, o, hs, time.Since(started), retries); err != nil {
		return hs, err
	}
	return hs, nil
}

// executeWithRetry retries retryable venue failures with exponential backoff
// starting at retry_delay, up to max_retries. Non-retryable failures and
// exhausted retries become failed handshakes, never errors. The second return
// is the number of retries consumed, recorded in the tight-loop event.
func (m *Manager) executeWithRetry(ctx context.Context, t time.Time, exec venue.Executor, o types.Order) (types.ExecutionHandshake, int, error) {
	submitted := time.Now()
	delay := m.cfg.RetryDelay

	var lastErr error
	for attempt := 0; ; attempt++ {
		hs, err := exec.Execute(ctx, t, o)
		if err == nil {
			return hs, attempt, nil
		}
		lastErr = err

		if !venue.Retryable(err) {
			return failedHandshake(o, err, submitted), attempt, nil
		}
		if attempt >= m.cfg.MaxRetries {
			exhausted := types.Codedf(types.CodeExecRetriesExhausted,
				"operation %s failed after %d retries: %v", o.OperationID, m.cfg.MaxRetries, lastErr)
			return failedHandshake(o, exhausted, submitted), attempt, nil
		}
		if m.log != nil {
			m.log.Warn().
				Str("operation_id", o.OperationID).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Err(err).
				Msg("retrying operation")
		}
		select {
		case <-ctx.Done():
			return failedHandshake(o, ctx.Err(), submitted), attempt, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// processGroup runs one atomic group. A rollback is not an engine failure:
// every member reports rolled_back, the group event records it, and the
// batch continues.
func (m *Manager) processGroup(ctx context.Context, s *data.Snapshot, group []types.Order) ([]types.ExecutionHandshake, error) {
	started := time.Now()

	if m.groups == nil {
		err := types.Codedf(types.CodeExecRoutingFailed,
			"atomic group %s: no group executor registered", group[0].AtomicGroupID)
		out := make([]types.ExecutionHandshake, len(group))
		for i, o := range group {
			out[i] = failedHandshake(o, err, started)
			m.emitExecution(s, o, out[i], time.Since(started))
		}
		return out, err
	}

	handshakes, gerr := m.groups.ExecuteGroup(ctx, s.Timestamp, group)
	for i, hs := range handshakes {
		if i < len(group) {
			m.emitExecution(s, group[i], hs, time.Since(started))
		}
	}
	m.emitGroup(s, group, gerr == nil, time.Since(started))

	if gerr != nil {
		if m.log != nil {
			m.log.Warn().
				Str("group_id", group[0].AtomicGroupID).
				Str("error_code", types.CodeExecAtomicGroupRollback).
				Err(gerr).
				Msg("atomic group rolled back")
		}
		return handshakes, nil
	}

	for i, hs := range handshakes {
		if err := m.loop.Run(ctx, s, group[i], hs, time.Since(started), 0); err != nil {
			return handshakes, err
		}
	}
	return handshakes, nil
}

func (m *Manager) emitExecution(s *data.Snapshot, o types.Order, hs types.ExecutionHandshake, dur time.Duration) {
	if m.events == nil {
		return
	}
	name, err := venue.ExecutingVenue(o)
	if err != nil || name == "" {
		name = o.TargetVenue
	}
	m.events.Emit(types.EventOperationExecutions, types.OperationExecutionEvent{
		EventMeta:           m.events.Stamp(s.Timestamp),
		OperationID:         o.OperationID,
		OperationType:       o.Type,
		Venue:               name,
		Status:              hs.Status,
		ExpectedDeltas:      o.ExpectedDeltas,
		ActualDeltas:        hs.ActualDeltas,
		ExecutionDurationMS: dur.Milliseconds(),
		ErrorCode:           hs.ErrorCode,
	})
}

func (m *Manager) emitGroup(s *data.Snapshot, group []types.Order, succeeded bool, dur time.Duration) {
	if m.events == nil {
		return
	}
	ids := make([]string, len(group))
	for i, o := range group {
		ids[i] = o.OperationID
	}
	m.events.Emit(types.EventAtomicGroups, types.AtomicOperationGroupEvent{
		EventMeta:        m.events.Stamp(s.Timestamp),
		GroupID:          group[0].AtomicGroupID,
		OperationIDs:     ids,
		AllSucceeded:     succeeded,
		RollbackOccurred: !succeeded,
		TotalDurationMS:  dur.Milliseconds(),
	})
}

// failedHandshake converts an execution error into the handshake the batch
// records for the order. Venue errors keep their VEN- code; coded errors keep
// their own code.
func failedHandshake(o types.Order, err error, submitted time.Time) types.ExecutionHandshake {
	code := ""
	if ve, ok := venue.AsError(err); ok {
		code = ve.Code()
	} else if ce, ok := types.AsCoded(err); ok {
		code = ce.Code
	}
	return types.ExecutionHandshake{
		OperationID:   o.OperationID,
		Status:        types.StatusFailed,
		ActualDeltas:  types.DeltaMap{},
		ErrorCode:     code,
		ErrorMessage:  err.Error(),
		SubmittedAt:   submitted,
		ExecutedAt:    time.Now(),
		AtomicGroupID: o.AtomicGroupID,
	}
}
