// Package venue implements the execution and position-read interfaces the
// engine routes orders through.
//
// One Executor exists per venue kind: CEX (spot/perp), on-chain lending
// (supply/borrow/repay/withdraw), staking (stake/unstake), DEX (swap),
// cross-venue transfer, and flash loan. Each returns an ExecutionHandshake
// reporting the actual position deltas. In backtest, simulated venues derive
// deltas from the data snapshot with the exact formulas the strategy uses
// for expected deltas, so a correct strategy reconciles exactly. In live
// mode, executors talk to the real venue behind a per-venue rate limiter and
// a circuit breaker, and PositionReaders requery real balances for the
// tight loop's reconciliation.
package venue

import (
	"context"
	"time"

	"basis-engine/pkg/types"
)

// Executor executes one order against a venue.
type Executor interface {
	// Name returns the venue identifier used in instrument keys.
	Name() string
	// Execute performs the order and reports actual deltas. A returned error
	// is a classified *Error; the execution manager converts it into a
	// failed handshake and decides whether to retry.
	Execute(ctx context.Context, t time.Time, order types.Order) (types.ExecutionHandshake, error)
}

// PositionReader reads a venue's authoritative positions, keyed by
// instrument key. Live mode queries the venue; backtest has no readers
// (real ≡ simulated by construction).
type PositionReader interface {
	Name() string
	Positions(ctx context.Context, t time.Time) (types.DeltaMap, error)
}

// GroupExecutor executes an atomic order group indivisibly: either every
// member confirms or every member reports rolled_back with no deltas.
type GroupExecutor interface {
	ExecuteGroup(ctx context.Context, t time.Time, orders []types.Order) ([]types.ExecutionHandshake, error)
}

// ReaderFunc adapts a function to the PositionReader interface.
type ReaderFunc struct {
	VenueName string
	Fn        func(ctx context.Context, t time.Time) (types.DeltaMap, error)
}

func (r ReaderFunc) Name() string { return r.VenueName }

func (r ReaderFunc) Positions(ctx context.Context, t time.Time) (types.DeltaMap, error) {
	return r.Fn(ctx, t)
}
