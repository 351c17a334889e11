package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basis-engine/internal/data"
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

var tickAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	keyWalletUSDT  = types.NewKey("wallet", types.PosBaseToken, "USDT")
	keyAaveAUSDT   = types.NewKey("aave_v3", types.PosAToken, "aUSDT")
	keyBinancePerp = types.NewKey("binance", types.PosPerp, "BTCUSDT")
)

func subscription() map[types.InstrumentKey]struct{} {
	return map[types.InstrumentKey]struct{}{
		keyWalletUSDT:  {},
		keyAaveAUSDT:   {},
		keyBinancePerp: {},
	}
}

func snapshot() *data.Snapshot {
	return &data.Snapshot{
		Timestamp: tickAt,
		Prices: map[string]decimal.Decimal{
			"USDT":    dec("1"),
			"BTCUSDT": dec("50000"),
		},
		SupplyIndices: map[string]decimal.Decimal{
			data.LendingKey("aave_v3", "USDT"): dec("1.05"),
		},
	}
}

func util() *data.UtilityManager {
	return data.NewUtilityManager(map[string]string{"aUSDT": "USDT"})
}

func TestNewInitializesSubscribedKeysAtZero(t *testing.T) {
	t.Parallel()

	m := New(subscription(), util(), true, nil, dec("0.0001"), nil, nil)
	views := m.Get()

	require.Len(t, views.Simulated, 3)
	require.Len(t, views.Real, 3)
	for key := range subscription() {
		amt, ok := views.Simulated[key]
		require.True(t, ok, string(key))
		assert.True(t, amt.IsZero())
	}
}

func TestApplyDeltas(t *testing.T) {
	t.Parallel()

	m := New(subscription(), util(), true, nil, dec("0.0001"), nil, nil)
	err := m.ApplyDeltas(snapshot(), types.DeltaMap{
		keyWalletUSDT: dec("-10000"),
		keyAaveAUSDT:  dec("10500"),
	}, "apply_deltas")
	require.NoError(t, err)

	views := m.Get()
	assert.True(t, views.Simulated[keyWalletUSDT].Equal(dec("-10000")))
	assert.True(t, views.Simulated[keyAaveAUSDT].Equal(dec("10500")))
	// the real view only moves on refresh
	assert.True(t, views.Real[keyAaveAUSDT].IsZero())
}

func TestApplyDeltasRejectsUnsubscribedKey(t *testing.T) {
	t.Parallel()

	m := New(subscription(), util(), true, nil, dec("0.0001"), nil, nil)
	err := m.ApplyDeltas(snapshot(), types.DeltaMap{
		keyWalletUSDT: dec("-10000"),
		types.NewKey("kraken", types.PosBaseToken, "XRP"): dec("1"),
	}, "apply_deltas")
	require.Error(t, err)

	ce, ok := types.AsCoded(err)
	require.True(t, ok)
	assert.Equal(t, types.CodePosUnknownInstrument, ce.Code)

	// the rejected batch must not partially apply
	assert.True(t, m.Get().Simulated[keyWalletUSDT].IsZero())
}

func TestRefreshRealBacktestCopiesSimulated(t *testing.T) {
	t.Parallel()

	m := New(subscription(), util(), true, nil, dec("0.0001"), nil, nil)
	require.NoError(t, m.ApplyDeltas(snapshot(), types.DeltaMap{keyWalletUSDT: dec("123.45")}, "apply_deltas"))
	require.NoError(t, m.RefreshReal(context.Background(), snapshot(), "refresh_real"))

	views := m.Get()
	assert.True(t, views.Real[keyWalletUSDT].Equal(dec("123.45")))

	// the copy is detached from later simulated changes
	require.NoError(t, m.ApplyDeltas(snapshot(), types.DeltaMap{keyWalletUSDT: dec("1")}, "apply_deltas"))
	assert.True(t, m.Get().Real[keyWalletUSDT].Equal(dec("123.45")))
}

func TestRefreshRealLiveMergesReaders(t *testing.T) {
	t.Parallel()

	readers := []venue.PositionReader{
		venue.ReaderFunc{VenueName: "wallet", Fn: func(ctx context.Context, at time.Time) (types.DeltaMap, error) {
			return types.DeltaMap{keyWalletUSDT: dec("500")}, nil
		}},
		venue.ReaderFunc{VenueName: "binance", Fn: func(ctx context.Context, at time.Time) (types.DeltaMap, error) {
			return types.DeltaMap{keyBinancePerp: dec("-0.2")}, nil
		}},
	}
	m := New(subscription(), util(), false, readers, dec("0.0001"), nil, nil)
	require.NoError(t, m.RefreshReal(context.Background(), snapshot(), "refresh_real"))

	views := m.Get()
	require.Len(t, views.Real, 3)
	assert.True(t, views.Real[keyWalletUSDT].Equal(dec("500")))
	assert.True(t, views.Real[keyBinancePerp].Equal(dec("-0.2")))
	assert.True(t, views.Real[keyAaveAUSDT].IsZero())
}

func TestRefreshRealLiveRejectsUnsubscribedReport(t *testing.T) {
	t.Parallel()

	readers := []venue.PositionReader{
		venue.ReaderFunc{VenueName: "wallet", Fn: func(ctx context.Context, at time.Time) (types.DeltaMap, error) {
			return types.DeltaMap{
				keyWalletUSDT: dec("500"),
				types.NewKey("wallet", types.PosBaseToken, "DOGE"): dec("9000"),
			}, nil
		}},
	}
	m := New(subscription(), util(), false, readers, dec("0.0001"), nil, nil)

	err := m.RefreshReal(context.Background(), snapshot(), "refresh_real")
	require.Error(t, err)
	ce, ok := types.AsCoded(err)
	require.True(t, ok)
	assert.Equal(t, types.CodePosUnknownInstrument, ce.Code)

	// the failed refresh inserts nothing into the real view
	views := m.Get()
	require.Len(t, views.Real, 3)
	assert.True(t, views.Real[keyWalletUSDT].IsZero())
}

func TestRefreshRealLiveReaderFailure(t *testing.T) {
	t.Parallel()

	readers := []venue.PositionReader{
		venue.ReaderFunc{VenueName: "wallet", Fn: func(ctx context.Context, at time.Time) (types.DeltaMap, error) {
			return nil, errors.New("venue unreachable")
		}},
	}
	m := New(subscription(), util(), false, readers, dec("0.0001"), nil, nil)
	require.NoError(t, m.ApplyDeltas(snapshot(), types.DeltaMap{keyWalletUSDT: dec("42")}, "apply_deltas"))

	err := m.RefreshReal(context.Background(), snapshot(), "refresh_real")
	require.Error(t, err)

	// a failed refresh leaves the previous real view intact
	assert.True(t, m.Get().Real[keyWalletUSDT].IsZero())
}

func TestSimulatedReturnsDetachedCopy(t *testing.T) {
	t.Parallel()

	m := New(subscription(), util(), true, nil, dec("0.0001"), nil, nil)
	view := m.Simulated()
	view[keyWalletUSDT] = dec("999")

	assert.True(t, m.Get().Simulated[keyWalletUSDT].IsZero())
}
