package execution

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basis-engine/internal/config"
	"basis-engine/internal/data"
	"basis-engine/internal/exposure"
	"basis-engine/internal/pnl"
	"basis-engine/internal/position"
	"basis-engine/internal/risk"
	"basis-engine/internal/runlog"
	"basis-engine/internal/venue"
	"basis-engine/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var (
	keyWalletUSDT = types.NewKey("wallet", types.PosBaseToken, "USDT")
	keyAaveAUSDT  = types.NewKey("aave_v3", types.PosAToken, "aUSDT")
)

var tickAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testSnapshot() *data.Snapshot {
	return &data.Snapshot{
		Timestamp: tickAt,
		Prices: map[string]decimal.Decimal{
			"USDT": dec("1"),
		},
		SupplyIndices: map[string]decimal.Decimal{
			data.LendingKey("aave_v3", "USDT"): dec("1.05"),
		},
	}
}

func subscribed() map[types.InstrumentKey]struct{} {
	return map[types.InstrumentKey]struct{}{
		keyWalletUSDT: {},
		keyAaveAUSDT:  {},
	}
}

// harness wires a full backtest pipeline around one snapshot: position,
// exposure, risk, and P&L monitors, a router of simulated venues, and the
// execution manager with its tight loop.
type harness struct {
	snap      *data.Snapshot
	positions *position.Monitor
	pnl       *pnl.Monitor
	router    *venue.Router
	manager   *Manager
}

func newHarness(t *testing.T, backtest bool, readers []venue.PositionReader) *harness {
	t.Helper()
	snap := testSnapshot()
	util := data.NewUtilityManager(map[string]string{"aUSDT": "USDT"})
	provider := data.NewStaticProvider(snap)

	positions := position.New(subscribed(), util, backtest, readers, dec("0.000001"), nil, nil)

	expCfg := config.ExposureMonitorConfig{
		ExposureCurrency: "USDT",
		ConversionMethods: map[string]config.ConversionConfig{
			string(keyWalletUSDT): {Method: "direct", Underlying: "USDT"},
			string(keyAaveAUSDT):  {Method: "lending_index", Underlying: "USDT"},
		},
	}
	expMon := exposure.New(expCfg, nil, nil)
	riskMon := risk.New(config.RiskMonitorConfig{}, util, nil, nil, nil)
	pnlMon := pnl.New(config.PnLMonitorConfig{ReconciliationTolerance: dec("0.000001")},
		util, dec("10000"), nil, nil)

	router := venue.NewRouter()
	router.Register(venue.NewSimulator("aave_v3", "lending", decimal.Zero, decimal.Zero,
		provider, positions.Simulated, nil))
	router.Register(venue.NewSimulator("aave_flash", "flash_loan", decimal.Zero, decimal.Zero,
		provider, positions.Simulated, nil))

	loop := NewTightLoop(positions, expMon, riskMon, pnlMon,
		dec("0.000001"), 1, time.Millisecond, nil, nil)
	manager := New(config.ExecutionManagerConfig{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, router, venue.NewSimGroup(router, nil), loop, nil, nil)

	return &harness{snap: snap, positions: positions, pnl: pnlMon, router: router, manager: manager}
}

func (h *harness) fund(t *testing.T, key types.InstrumentKey, amount string) {
	t.Helper()
	require.NoError(t, h.positions.ApplyDeltas(h.snap, types.DeltaMap{key: dec(amount)}, "seed"))
}

// completedOrder fills in the id and expected deltas the strategy layer
// would normally attach.
func completedOrder(t *testing.T, s *data.Snapshot, o types.Order) types.Order {
	t.Helper()
	o.OperationID = types.NewID()
	der, err := venue.Derive(s, o, decimal.Zero)
	require.NoError(t, err)
	o.ExpectedDeltas = der.Deltas
	return o
}

func supplyOrder(t *testing.T, s *data.Snapshot, amount string) types.Order {
	return completedOrder(t, s, types.Order{
		Type:        types.OpSupply,
		SourceVenue: "wallet",
		TargetVenue: "aave_v3",
		SourceToken: "USDT",
		TargetToken: "aUSDT",
		Amount:      dec(amount),
	})
}

func TestProcessConfirmsAndReconciles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	h.fund(t, keyWalletUSDT, "10000")

	handshakes, err := h.manager.Process(context.Background(), h.snap,
		[]types.Order{supplyOrder(t, h.snap, "10000")})
	require.NoError(t, err)
	require.Len(t, handshakes, 1)

	hs := handshakes[0]
	assert.Equal(t, types.StatusConfirmed, hs.Status)
	assert.True(t, hs.ActualDeltas[keyWalletUSDT].Equal(dec("-10000")))
	assert.True(t, hs.ActualDeltas[keyAaveAUSDT].Equal(dec("10500")))

	views := h.positions.Get()
	assert.True(t, views.Simulated[keyWalletUSDT].IsZero())
	assert.True(t, views.Simulated[keyAaveAUSDT].Equal(dec("10500")))
	// backtest reconciliation is exact: real is a copy of simulated
	assert.True(t, views.Real[keyAaveAUSDT].Equal(dec("10500")))

	calc, ok := h.pnl.GetLatest()
	require.True(t, ok)
	assert.True(t, calc.PortfolioValueUSD.Equal(dec("10000")))
}

func TestProcessFailedOrderContinuesBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	h.fund(t, keyWalletUSDT, "10000")

	// first order overdraws the wallet and is rejected; second succeeds
	handshakes, err := h.manager.Process(context.Background(), h.snap, []types.Order{
		supplyOrder(t, h.snap, "20000"),
		supplyOrder(t, h.snap, "4000"),
	})
	require.NoError(t, err)
	require.Len(t, handshakes, 2)

	assert.Equal(t, types.StatusFailed, handshakes[0].Status)
	assert.Equal(t, types.CodeVenInsufficient, handshakes[0].ErrorCode)
	assert.Empty(t, handshakes[0].ActualDeltas)

	assert.Equal(t, types.StatusConfirmed, handshakes[1].Status)

	views := h.positions.Get()
	assert.True(t, views.Simulated[keyWalletUSDT].Equal(dec("6000")))
	assert.True(t, views.Simulated[keyAaveAUSDT].Equal(dec("4200")))
}

func TestProcessRoutingFailureAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	h.fund(t, keyWalletUSDT, "10000")

	o := supplyOrder(t, h.snap, "1000")
	o.TargetVenue = "nowhere"

	handshakes, err := h.manager.Process(context.Background(), h.snap, []types.Order{o})
	require.Error(t, err)
	ce, ok := types.AsCoded(err)
	require.True(t, ok)
	assert.Equal(t, types.CodeExecRoutingFailed, ce.Code)
	require.Len(t, handshakes, 1)
	assert.Equal(t, types.StatusFailed, handshakes[0].Status)
}

// stubExec fails a fixed number of times with a retryable timeout, then
// confirms with the configured deltas.
type stubExec struct {
	name   string
	fails  int
	calls  int
	deltas types.DeltaMap
}

func (e *stubExec) Name() string { return e.name }

func (e *stubExec) Execute(ctx context.Context, t time.Time, o types.Order) (types.ExecutionHandshake, error) {
	e.calls++
	if e.calls <= e.fails {
		return types.ExecutionHandshake{}, venue.Classify(e.name, context.DeadlineExceeded)
	}
	return types.ExecutionHandshake{
		OperationID:  o.OperationID,
		Status:       types.StatusConfirmed,
		ActualDeltas: e.deltas.Clone(),
		SubmittedAt:  t,
		ExecutedAt:   t,
		Simulated:    true,
	}, nil
}

// stubOrder routes to the wallet venue with preset expected deltas, skipping
// Derive so the stub's deltas line up with expectations.
func stubOrder(amount string) types.Order {
	return types.Order{
		OperationID: types.NewID(),
		Type:        types.OpSpotTrade,
		SourceVenue: "wallet",
		TargetVenue: "wallet",
		SourceToken: "USDT",
		TargetToken: "USDT",
		Amount:      dec(amount),
		ExpectedDeltas: []types.ExpectedDelta{{
			Instrument: keyWalletUSDT,
			Delta:      dec(amount),
			Token:      "USDT",
			Venue:      "wallet",
			Operation:  types.OpSpotTrade,
		}},
	}
}

func TestProcessRetriesRetryableFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	stub := &stubExec{name: "wallet", fails: 2, deltas: types.DeltaMap{keyWalletUSDT: dec("5")}}
	h.router.Register(stub)

	handshakes, err := h.manager.Process(context.Background(), h.snap,
		[]types.Order{stubOrder("5")})
	require.NoError(t, err)
	require.Len(t, handshakes, 1)
	assert.Equal(t, types.StatusConfirmed, handshakes[0].Status)
	assert.Equal(t, 3, stub.calls)

	views := h.positions.Get()
	assert.True(t, views.Simulated[keyWalletUSDT].Equal(dec("5")))
}

func TestProcessRetriesExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	stub := &stubExec{name: "wallet", fails: 10}
	h.router.Register(stub)

	handshakes, err := h.manager.Process(context.Background(), h.snap,
		[]types.Order{stubOrder("5")})
	require.NoError(t, err)
	require.Len(t, handshakes, 1)
	assert.Equal(t, types.StatusFailed, handshakes[0].Status)
	assert.Equal(t, types.CodeExecRetriesExhausted, handshakes[0].ErrorCode)
	assert.Equal(t, 3, stub.calls) // initial attempt plus max_retries

	views := h.positions.Get()
	assert.True(t, views.Simulated[keyWalletUSDT].IsZero())
}

func flashGroup(t *testing.T, s *data.Snapshot, repay string) []types.Order {
	t.Helper()
	groupID := types.NewID()
	borrow := types.Order{
		Type:          types.OpFlashBorrow,
		SourceVenue:   "aave_flash",
		TargetVenue:   "wallet",
		SourceToken:   "USDT",
		TargetToken:   "USDT",
		Amount:        dec("1000"),
		AtomicGroupID: groupID,
	}
	pay := types.Order{
		Type:            types.OpFlashRepay,
		SourceVenue:     "wallet",
		TargetVenue:     "aave_flash",
		SourceToken:     "USDT",
		TargetToken:     "USDT",
		Amount:          dec(repay),
		AtomicGroupID:   groupID,
		SequenceInGroup: 1,
	}
	return []types.Order{completedOrder(t, s, borrow), completedOrder(t, s, pay)}
}

func TestProcessGroupCommit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	h.fund(t, keyWalletUSDT, "500")

	handshakes, err := h.manager.Process(context.Background(), h.snap,
		flashGroup(t, h.snap, "1000"))
	require.NoError(t, err)
	require.Len(t, handshakes, 2)
	for _, hs := range handshakes {
		assert.Equal(t, types.StatusConfirmed, hs.Status)
	}

	// borrow and repay cancel out
	views := h.positions.Get()
	assert.True(t, views.Simulated[keyWalletUSDT].Equal(dec("500")))
}

func TestProcessGroupRollbackAppliesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	h.fund(t, keyWalletUSDT, "500")

	// repaying more than borrowed plus balance fails the second member
	handshakes, err := h.manager.Process(context.Background(), h.snap,
		flashGroup(t, h.snap, "2000"))
	require.NoError(t, err)
	require.Len(t, handshakes, 2)
	for _, hs := range handshakes {
		assert.Equal(t, types.StatusRolledBack, hs.Status)
		assert.Empty(t, hs.ActualDeltas)
	}

	views := h.positions.Get()
	assert.True(t, views.Simulated[keyWalletUSDT].Equal(dec("500")))
}

func TestTightLoopAppliesUnexpectedKeys(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	// the venue reports movement on a subscribed key the order never named
	stub := &stubExec{name: "wallet", deltas: types.DeltaMap{
		keyWalletUSDT: dec("5"),
		keyAaveAUSDT:  dec("1"),
	}}
	h.router.Register(stub)

	handshakes, err := h.manager.Process(context.Background(), h.snap,
		[]types.Order{stubOrder("5")})
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, handshakes[0].Status)

	views := h.positions.Get()
	assert.True(t, views.Simulated[keyAaveAUSDT].Equal(dec("1")))
}

func TestReconciliationConvergesOnRetry(t *testing.T) {
	t.Parallel()

	// live-mode reader that observes the fill only on its third read, so the
	// first two reconciliation attempts diverge and the third converges
	reads := 0
	reader := venue.ReaderFunc{
		VenueName: "wallet",
		Fn: func(ctx context.Context, at time.Time) (types.DeltaMap, error) {
			reads++
			if reads <= 2 {
				return types.DeltaMap{keyWalletUSDT: decimal.Zero}, nil
			}
			return types.DeltaMap{keyWalletUSDT: dec("5")}, nil
		},
	}

	snap := testSnapshot()
	util := data.NewUtilityManager(map[string]string{"aUSDT": "USDT"})
	positions := position.New(subscribed(), util, false,
		[]venue.PositionReader{reader}, dec("0.000001"), nil, nil)
	expMon := exposure.New(config.ExposureMonitorConfig{
		ExposureCurrency: "USDT",
		ConversionMethods: map[string]config.ConversionConfig{
			string(keyWalletUSDT): {Method: "direct", Underlying: "USDT"},
			string(keyAaveAUSDT):  {Method: "lending_index", Underlying: "USDT"},
		},
	}, nil, nil)
	riskMon := risk.New(config.RiskMonitorConfig{}, util, nil, nil, nil)
	pnlMon := pnl.New(config.PnLMonitorConfig{ReconciliationTolerance: dec("0.000001")},
		util, dec("10000"), nil, nil)

	dir := t.TempDir()
	events := runlog.NewEventLogger(dir, "run-reconcile-converge", 1, nil)

	router := venue.NewRouter()
	// one execution-level retry before the venue confirms
	stub := &stubExec{name: "wallet", fails: 1, deltas: types.DeltaMap{keyWalletUSDT: dec("5")}}
	router.Register(stub)

	loop := NewTightLoop(positions, expMon, riskMon, pnlMon,
		dec("0.000001"), 3, time.Millisecond, nil, events)
	manager := New(config.ExecutionManagerConfig{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, router, nil, loop, nil, events)

	handshakes, err := manager.Process(context.Background(), snap,
		[]types.Order{stubOrder("5")})
	require.NoError(t, err)
	require.Len(t, handshakes, 1)
	assert.Equal(t, types.StatusConfirmed, handshakes[0].Status)
	assert.Equal(t, 3, reads)
	require.NoError(t, events.Close())

	recs := readEventLines[types.ReconciliationEvent](t, filepath.Join(dir, "reconciliation.jsonl"))
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, i, rec.RetryAttempt)
		assert.Equal(t, 3, rec.MaxRetries)
		assert.Equal(t, i == 2, rec.Success)
	}

	// the tight-loop event records the venue execution retries, not the
	// reconciliation attempts
	loops := readEventLines[types.TightLoopExecutionEvent](t, filepath.Join(dir, "tight_loop.jsonl"))
	require.Len(t, loops, 1)
	assert.Equal(t, 1, loops[0].RetryCount)
	assert.True(t, loops[0].ReconciliationSuccess)
}

func readEventLines[T any](t *testing.T, path string) []T {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []T
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var ev T
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		out = append(out, ev)
	}
	return out
}

func TestReconciliationFailureIsCritical(t *testing.T) {
	t.Parallel()

	// live-mode monitor whose venue reader never observes the fill
	reader := venue.ReaderFunc{
		VenueName: "wallet",
		Fn: func(ctx context.Context, at time.Time) (types.DeltaMap, error) {
			return types.DeltaMap{keyWalletUSDT: decimal.Zero}, nil
		},
	}
	h := newHarness(t, false, []venue.PositionReader{reader})
	stub := &stubExec{name: "wallet", deltas: types.DeltaMap{keyWalletUSDT: dec("5")}}
	h.router.Register(stub)

	_, err := h.manager.Process(context.Background(), h.snap,
		[]types.Order{stubOrder("5")})
	require.Error(t, err)
	ce, ok := types.AsCoded(err)
	require.True(t, ok)
	assert.Equal(t, types.CodeExecReconciliationTimeout, ce.Code)
	assert.Equal(t, types.SeverityCritical, ce.Severity)
}

func TestProcessContextCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	h.fund(t, keyWalletUSDT, "10000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handshakes, err := h.manager.Process(ctx, h.snap,
		[]types.Order{supplyOrder(t, h.snap, "1000")})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, handshakes)
}
