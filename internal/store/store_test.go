package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basis-engine/pkg/types"
)

func TestSaveAndLoadCheckpoint(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	cp := Checkpoint{
		Mode:          "btc_basis",
		CorrelationID: "abc123",
		Timestamp:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Positions: types.DeltaMap{
			types.NewKey("binance", types.PosBaseToken, "BTC"): decimal.RequireFromString("0.5"),
			types.NewKey("binance", types.PosPerp, "BTCUSDT"):  decimal.RequireFromString("-0.5"),
		},
	}
	require.NoError(t, s.Save(cp))

	loaded, err := s.Load("btc_basis")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, cp.Mode, loaded.Mode)
	assert.Equal(t, cp.CorrelationID, loaded.CorrelationID)
	assert.True(t, cp.Timestamp.Equal(loaded.Timestamp))
	require.Len(t, loaded.Positions, 2)
	for key, want := range cp.Positions {
		assert.True(t, loaded.Positions[key].Equal(want), "key %s", key)
	}
}

func TestLoadCheckpointMissing(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	loaded, err := s.Load("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSaveCheckpointOverwrites(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	key := types.NewKey("wallet", types.PosBaseToken, "USDT")
	first := Checkpoint{Mode: "pure_lending_usdt", Positions: types.DeltaMap{key: decimal.NewFromInt(10)}}
	second := Checkpoint{Mode: "pure_lending_usdt", Positions: types.DeltaMap{key: decimal.NewFromInt(20)}}

	require.NoError(t, s.Save(first))
	require.NoError(t, s.Save(second))

	loaded, err := s.Load("pure_lending_usdt")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.Positions[key].Equal(decimal.NewFromInt(20)))
}
