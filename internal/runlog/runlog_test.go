package runlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basis-engine/pkg/types"
)

func testDirManager(t *testing.T) *DirManager {
	t.Helper()
	dm, err := NewDirManager(t.TempDir(), RunMetadata{
		CorrelationID:  "deadbeefdeadbeefdeadbeefdeadbeef",
		PID:            4242,
		Mode:           "pure_lending_usdt",
		ExecutionMode:  "backtest",
		Environment:    "dev",
		InitialCapital: decimal.NewFromInt(10000),
		StartedAt:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return dm
}

func TestDirManagerCreatesTree(t *testing.T) {
	t.Parallel()

	dm := testDirManager(t)

	info, err := os.Stat(dm.EventsDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, strings.HasSuffix(dm.RunDir(), filepath.Join("deadbeefdeadbeefdeadbeefdeadbeef", "4242")))

	data, err := os.ReadFile(filepath.Join(dm.RunDir(), "run_metadata.json"))
	require.NoError(t, err)

	var meta RunMetadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "pure_lending_usdt", meta.Mode)
	assert.Equal(t, 4242, meta.PID)
	assert.Empty(t, meta.ExitStatus, "exit status set only at finalize")
}

func TestDirManagerFinalize(t *testing.T) {
	t.Parallel()

	dm := testDirManager(t)
	finished := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, dm.Finalize("completed", finished, map[string]any{"ticks": 10}))

	data, err := os.ReadFile(filepath.Join(dm.RunDir(), "run_metadata.json"))
	require.NoError(t, err)

	var meta RunMetadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "completed", meta.ExitStatus)
	require.NotNil(t, meta.FinishedAt)
	assert.True(t, meta.FinishedAt.Equal(finished))
	assert.EqualValues(t, 10, meta.Summary["ticks"])
}

func TestComponentLoggerRecordShape(t *testing.T) {
	t.Parallel()

	dm := testDirManager(t)
	clock := types.NewSimClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	f := NewFactory(dm, clock, "deadbeefdeadbeefdeadbeefdeadbeef", 4242, "debug")

	lg, err := f.Component("position_monitor")
	require.NoError(t, err)

	lg.Info().Str("view", "simulated").Msg("snapshot")
	lg.Warn().Str("instrument", "wallet:BaseToken:USDT").Msg("drift")
	lg.Err(types.Codedf(types.CodePosUnknownInstrument, "key %q not subscribed", "bybit:Perp:ETHUSDT")).Msg("rejected")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(dm.ComponentLogPath("position_monitor"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	for i, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec), "line %d", i)
		assert.Equal(t, "position_monitor", rec["component"])
		assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeef", rec["correlation_id"])
		assert.EqualValues(t, 4242, rec["pid"])
		assert.NotEmpty(t, rec["timestamp"])
		assert.NotEmpty(t, rec["real_utc_time"])
		assert.NotEmpty(t, rec["severity"])
	}

	var errRec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &errRec))
	assert.Equal(t, "POS-001", errRec["error_code"])
	assert.Equal(t, "HIGH", errRec["severity"])
	assert.NotEmpty(t, errRec["stack"], "HIGH records carry a stack trace")
}

func TestComponentLoggerEngineTimestamp(t *testing.T) {
	t.Parallel()

	dm := testDirManager(t)
	engineTime := time.Date(2021, 6, 15, 8, 0, 0, 0, time.UTC)
	f := NewFactory(dm, types.NewSimClock(engineTime), "cid", 1, "info")

	lg, err := f.Component("engine")
	require.NoError(t, err)
	lg.Info().Msg("tick")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(dm.ComponentLogPath("engine"))
	require.NoError(t, err)

	var rec struct {
		Timestamp   time.Time `json:"timestamp"`
		RealUTCTime time.Time `json:"real_utc_time"`
	}
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &rec))
	assert.True(t, rec.Timestamp.Equal(engineTime), "timestamp is engine time, not wall clock")
	assert.WithinDuration(t, time.Now().UTC(), rec.RealUTCTime, time.Minute)
}

func TestEventLoggerStreams(t *testing.T) {
	t.Parallel()

	dm := testDirManager(t)
	el := NewEventLogger(dm.EventsDir(), "deadbeefdeadbeefdeadbeefdeadbeef", 4242, nil)

	engineTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		el.Emit(types.EventPositions, types.PositionSnapshot{
			EventMeta: el.Stamp(engineTime),
			View:      "simulated",
			Positions: types.DeltaMap{"wallet:BaseToken:USDT": decimal.NewFromInt(int64(i))},
			Trigger:   "tick",
		})
	}
	el.Emit(types.EventTightLoop, types.TightLoopExecutionEvent{
		EventMeta:             el.Stamp(engineTime),
		OperationID:           "op1",
		ReconciliationSuccess: true,
	})
	require.NoError(t, el.Flush())

	// every line parses and carries the required meta fields
	for _, kind := range []types.EventKind{types.EventPositions, types.EventTightLoop} {
		path := filepath.Join(dm.EventsDir(), string(kind)+".jsonl")
		file, err := os.Open(path)
		require.NoError(t, err)
		scanner := bufio.NewScanner(file)
		n := 0
		for scanner.Scan() {
			var rec map[string]any
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec), "stream %s line %d", kind, n)
			assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeef", rec["correlation_id"])
			assert.EqualValues(t, 4242, rec["pid"])
			assert.NotEmpty(t, rec["timestamp"])
			assert.NotEmpty(t, rec["real_utc_time"])
			n++
		}
		require.NoError(t, file.Close())
		if kind == types.EventPositions {
			assert.Equal(t, 5, n)
		} else {
			assert.Equal(t, 1, n)
		}
	}
	require.NoError(t, el.Close())
}

func TestEventLoggerPreservesEmitOrder(t *testing.T) {
	t.Parallel()

	dm := testDirManager(t)
	el := NewEventLogger(dm.EventsDir(), "cid", 1, nil)
	engineTime := time.Now().UTC()

	const n = 100
	for i := 0; i < n; i++ {
		el.Emit(types.EventStrategyDecisions, types.StrategyDecision{
			EventMeta: el.Stamp(engineTime),
			Mode:      "btc_basis",
			Action:    strconv.Itoa(i),
		})
	}
	require.NoError(t, el.Close())

	data, err := os.ReadFile(filepath.Join(dm.EventsDir(), "strategy_decisions.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, n)
	for i, line := range lines {
		var rec types.StrategyDecision
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.Equal(t, strconv.Itoa(i), rec.Action, "events must appear in emit order")
	}
}

func TestEventLoggerEmitAfterCloseDoesNotPanic(t *testing.T) {
	t.Parallel()

	dm := testDirManager(t)
	el := NewEventLogger(dm.EventsDir(), "cid", 1, nil)
	require.NoError(t, el.Close())
	require.NoError(t, el.Close(), "close is idempotent")

	assert.NotPanics(t, func() {
		el.Emit(types.EventPositions, types.PositionSnapshot{EventMeta: el.Stamp(time.Now())})
	})
	assert.NoError(t, el.Flush())
}

func TestDirManagerBadRoot(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := NewDirManager(file, RunMetadata{CorrelationID: "cid", PID: 1})
	require.Error(t, err)
	ce, ok := types.AsCoded(err)
	require.True(t, ok)
	assert.Equal(t, types.CodeLogDirectoryCreate, ce.Code)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}
