package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basis-engine/internal/data"
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

func testSnapshot() *data.Snapshot {
	return &data.Snapshot{
		Timestamp: tickAt,
		Prices: map[string]decimal.Decimal{
			"USDT":    dec("1"),
			"BTC":     dec("50000"),
			"ETH":     dec("3000"),
			"BTCUSDT": dec("50100"),
		},
		FundingRates: map[string]decimal.Decimal{
			data.FundingKey("binance", "BTCUSDT"): dec("0.0001"),
		},
		SupplyIndices: map[string]decimal.Decimal{
			data.LendingKey("aave_v3", "USDT"): dec("1.05"),
		},
		BorrowIndices: map[string]decimal.Decimal{
			data.LendingKey("aave_v3", "USDT"): dec("1.08"),
		},
		StakingRates: map[string]decimal.Decimal{
			"weETH": dec("0.96"),
		},
	}
}

func deltasByKey(deltas []types.ExpectedDelta) types.DeltaMap {
	return types.ExpectedDeltaMap(deltas)
}

func TestDeriveSpotTrade(t *testing.T) {
	t.Parallel()

	order := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpSpotTrade,
		SourceVenue: "binance",
		TargetVenue: "binance",
		SourceToken: "USDT",
		TargetToken: "BTC",
		Amount:      dec("50000"),
	}
	der, err := Derive(testSnapshot(), order, dec("0.001"))
	require.NoError(t, err)

	got := deltasByKey(der.Deltas)
	assert.True(t, got[types.NewKey("binance", types.PosBaseToken, "USDT")].Equal(dec("-50000")))
	// 50000 USDT buys 1 BTC gross, 0.1% fee in BTC
	assert.True(t, got[types.NewKey("binance", types.PosBaseToken, "BTC")].Equal(dec("0.999")))
	assert.True(t, der.FeeAmount.Equal(dec("0.001")))
	assert.Equal(t, "BTC", der.FeeCurrency)
}

func TestDerivePerpTrade(t *testing.T) {
	t.Parallel()

	order := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpPerpTrade,
		TargetVenue: "binance",
		TargetToken: "BTCUSDT",
		Amount:      dec("-0.5"),
	}
	der, err := Derive(testSnapshot(), order, decimal.Zero)
	require.NoError(t, err)
	require.Len(t, der.Deltas, 1)

	d := der.Deltas[0]
	assert.Equal(t, types.NewKey("binance", types.PosPerp, "BTCUSDT"), d.Instrument)
	assert.True(t, d.Delta.Equal(dec("-0.5")))
	assert.True(t, der.Price.Equal(dec("50100")))
}

func TestDeriveSupplyWithdrawRoundTrip(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	supply := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpSupply,
		SourceVenue: "wallet",
		TargetVenue: "aave_v3",
		SourceToken: "USDT",
		TargetToken: "aUSDT",
		Amount:      dec("10000"),
	}
	der, err := Derive(snap, supply, decimal.Zero)
	require.NoError(t, err)
	got := deltasByKey(der.Deltas)
	assert.True(t, got[types.NewKey("wallet", types.PosBaseToken, "USDT")].Equal(dec("-10000")))
	assert.True(t, got[types.NewKey("aave_v3", types.PosAToken, "aUSDT")].Equal(dec("10500")))

	withdraw := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpWithdraw,
		SourceVenue: "aave_v3",
		TargetVenue: "wallet",
		SourceToken: "aUSDT",
		TargetToken: "USDT",
		Amount:      dec("10000"),
	}
	der, err = Derive(snap, withdraw, decimal.Zero)
	require.NoError(t, err)
	got = deltasByKey(der.Deltas)

	// at an unchanged index the withdraw exactly reverses the supply
	assert.True(t, got[types.NewKey("aave_v3", types.PosAToken, "aUSDT")].Equal(dec("-10500")))
	assert.True(t, got[types.NewKey("wallet", types.PosBaseToken, "USDT")].Equal(dec("10000")))
}

func TestDeriveBorrowRepay(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	borrow := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpBorrow,
		SourceVenue: "aave_v3",
		TargetVenue: "wallet",
		SourceToken: "USDT",
		TargetToken: "USDT",
		Amount:      dec("5000"),
	}
	der, err := Derive(snap, borrow, decimal.Zero)
	require.NoError(t, err)
	got := deltasByKey(der.Deltas)
	assert.True(t, got[types.NewKey("aave_v3", types.PosDebtToken, "USDT")].Equal(dec("5000")))
	assert.True(t, got[types.NewKey("wallet", types.PosBaseToken, "USDT")].Equal(dec("5000")))

	repay := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpRepay,
		SourceVenue: "wallet",
		TargetVenue: "aave_v3",
		SourceToken: "USDT",
		TargetToken: "USDT",
		Amount:      dec("5000"),
	}
	der, err = Derive(snap, repay, decimal.Zero)
	require.NoError(t, err)
	got = deltasByKey(der.Deltas)
	assert.True(t, got[types.NewKey("aave_v3", types.PosDebtToken, "USDT")].Equal(dec("-5000")))
	assert.True(t, got[types.NewKey("wallet", types.PosBaseToken, "USDT")].Equal(dec("-5000")))
}

func TestDeriveStakeUnstake(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	stake := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpStake,
		SourceVenue: "wallet",
		TargetVenue: "etherfi",
		SourceToken: "ETH",
		TargetToken: "weETH",
		Amount:      dec("10"),
	}
	der, err := Derive(snap, stake, decimal.Zero)
	require.NoError(t, err)
	got := deltasByKey(der.Deltas)
	assert.True(t, got[types.NewKey("wallet", types.PosBaseToken, "ETH")].Equal(dec("-10")))
	assert.True(t, got[types.NewKey("etherfi", types.PosLST, "weETH")].Equal(dec("9.6")))

	unstake := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpUnstake,
		SourceVenue: "etherfi",
		TargetVenue: "wallet",
		SourceToken: "weETH",
		TargetToken: "ETH",
		Amount:      dec("10"),
	}
	der, err = Derive(snap, unstake, decimal.Zero)
	require.NoError(t, err)
	got = deltasByKey(der.Deltas)
	assert.True(t, got[types.NewKey("etherfi", types.PosLST, "weETH")].Equal(dec("-9.6")))
	assert.True(t, got[types.NewKey("wallet", types.PosBaseToken, "ETH")].Equal(dec("10")))
}

func TestDeriveFlashOutsideGroupRejected(t *testing.T) {
	t.Parallel()

	for _, op := range []types.OperationType{types.OpFlashBorrow, types.OpFlashRepay} {
		order := types.Order{
			OperationID: types.NewID(),
			Type:        op,
			SourceVenue: "aave_flash",
			TargetVenue: "wallet",
			SourceToken: "USDT",
			TargetToken: "USDT",
			Amount:      dec("1000"),
		}
		_, err := Derive(testSnapshot(), order, decimal.Zero)
		require.Error(t, err, string(op))
		ce, ok := types.AsCoded(err)
		require.True(t, ok)
		assert.Equal(t, types.CodeVenInvalidOrder, ce.Code)
	}
}

func TestDeriveTransferSameVenueRejected(t *testing.T) {
	t.Parallel()

	order := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpTransfer,
		SourceVenue: "wallet",
		TargetVenue: "wallet",
		SourceToken: "USDT",
		TargetToken: "USDT",
		Amount:      dec("100"),
	}
	_, err := Derive(testSnapshot(), order, decimal.Zero)
	require.Error(t, err)
}

func TestExecutingVenue(t *testing.T) {
	t.Parallel()

	cases := []struct {
		op   types.OperationType
		want string
	}{
		{types.OpSpotTrade, "tgt"},
		{types.OpPerpTrade, "tgt"},
		{types.OpSupply, "tgt"},
		{types.OpBorrow, "src"},
		{types.OpRepay, "tgt"},
		{types.OpWithdraw, "src"},
		{types.OpStake, "tgt"},
		{types.OpUnstake, "src"},
		{types.OpSwap, "tgt"},
		{types.OpFlashBorrow, "src"},
		{types.OpFlashRepay, "tgt"},
		{types.OpTransfer, ""},
	}
	for _, tc := range cases {
		got, err := ExecutingVenue(types.Order{Type: tc.op, SourceVenue: "src", TargetVenue: "tgt"})
		require.NoError(t, err, string(tc.op))
		assert.Equal(t, tc.want, got, string(tc.op))
	}

	_, err := ExecutingVenue(types.Order{Type: types.OperationType("warp")})
	require.Error(t, err)
	ce, ok := types.AsCoded(err)
	require.True(t, ok)
	assert.Equal(t, types.CodeExecRoutingFailed, ce.Code)
}

func TestRouterUnknownVenue(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	_, err := r.Route(types.Order{Type: types.OpSpotTrade, TargetVenue: "binance"})
	require.Error(t, err)
	ce, ok := types.AsCoded(err)
	require.True(t, ok)
	assert.Equal(t, types.CodeExecRoutingFailed, ce.Code)

	_, err = r.Route(types.Order{Type: types.OpTransfer, SourceVenue: "a", TargetVenue: "b"})
	require.Error(t, err)
}

func TestSimulatorMatchesDerivation(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	provider := data.NewStaticProvider(snap)
	sim := NewSimulator("binance", "cex", dec("0.001"), dec("0.0001"), provider, nil, nil)

	order := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpSpotTrade,
		SourceVenue: "binance",
		TargetVenue: "binance",
		SourceToken: "USDT",
		TargetToken: "BTC",
		Amount:      dec("25000"),
	}
	hs, err := sim.Execute(context.Background(), tickAt, order)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, hs.Status)
	assert.True(t, hs.Simulated)

	der, err := Derive(snap, order, dec("0.001"))
	require.NoError(t, err)
	want := deltasByKey(der.Deltas)
	require.Len(t, hs.ActualDeltas, len(want))
	for key, amt := range want {
		assert.True(t, hs.ActualDeltas[key].Equal(amt), string(key))
	}
	assert.True(t, hs.FeeAmount.Equal(der.FeeAmount))
}

func TestSimulatorRejectsUnsupportedOp(t *testing.T) {
	t.Parallel()

	sim := NewSimulator("binance", "cex", decimal.Zero, decimal.Zero, data.NewStaticProvider(testSnapshot()), nil, nil)
	order := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpSupply,
		SourceVenue: "wallet",
		TargetVenue: "binance",
		SourceToken: "USDT",
		TargetToken: "aUSDT",
		Amount:      dec("100"),
	}
	_, err := sim.Execute(context.Background(), tickAt, order)
	require.Error(t, err)

	ve, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ClassNonRetryableInvalid, ve.Class)
	assert.False(t, ve.Retryable())
	ce, ok := types.AsCoded(err)
	require.True(t, ok)
	assert.Equal(t, types.CodeVenUnsupportedOp, ce.Code)
}

func TestSimulatorRejectsBelowMinimum(t *testing.T) {
	t.Parallel()

	sim := NewSimulator("binance", "cex", decimal.Zero, dec("10"), data.NewStaticProvider(testSnapshot()), nil, nil)
	order := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpSpotTrade,
		SourceVenue: "binance",
		TargetVenue: "binance",
		SourceToken: "USDT",
		TargetToken: "BTC",
		Amount:      dec("5"),
	}
	_, err := sim.Execute(context.Background(), tickAt, order)
	require.Error(t, err)
	ce, ok := types.AsCoded(err)
	require.True(t, ok)
	assert.Equal(t, types.CodeVenInvalidOrder, ce.Code)
}

func TestSimulatorBalanceCheck(t *testing.T) {
	t.Parallel()

	view := types.DeltaMap{
		types.NewKey("binance", types.PosBaseToken, "USDT"): dec("1000"),
	}
	sim := NewSimulator("binance", "cex", decimal.Zero, decimal.Zero,
		data.NewStaticProvider(testSnapshot()), func() types.DeltaMap { return view }, nil)

	order := types.Order{
		OperationID: types.NewID(),
		Type:        types.OpSpotTrade,
		SourceVenue: "binance",
		TargetVenue: "binance",
		SourceToken: "USDT",
		TargetToken: "BTC",
		Amount:      dec("2000"),
	}
	_, err := sim.Execute(context.Background(), tickAt, order)
	require.Error(t, err)

	ve, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ClassNonRetryableState, ve.Class)
	ce, ok := types.AsCoded(err)
	require.True(t, ok)
	assert.Equal(t, types.CodeVenInsufficient, ce.Code)

	// within balance it fills
	order.Amount = dec("1000")
	hs, err := sim.Execute(context.Background(), tickAt, order)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, hs.Status)
}

func flashGroup(repayAmount string) []types.Order {
	groupID := types.NewID()
	return []types.Order{
		{
			OperationID:     types.NewID(),
			Type:            types.OpFlashBorrow,
			SourceVenue:     "aave_flash",
			TargetVenue:     "wallet",
			SourceToken:     "USDT",
			TargetToken:     "USDT",
			Amount:          dec("1000"),
			AtomicGroupID:   groupID,
			SequenceInGroup: 0,
		},
		{
			OperationID:     types.NewID(),
			Type:            types.OpFlashRepay,
			SourceVenue:     "wallet",
			TargetVenue:     "aave_flash",
			SourceToken:     "USDT",
			TargetToken:     "USDT",
			Amount:          dec(repayAmount),
			AtomicGroupID:   groupID,
			SequenceInGroup: 1,
		},
	}
}

func newFlashRouter(view types.DeltaMap) *Router {
	sim := NewSimulator("aave_flash", "flash_loan", decimal.Zero, decimal.Zero,
		data.NewStaticProvider(testSnapshot()), func() types.DeltaMap { return view }, nil)
	r := NewRouter()
	r.Register(sim)
	return r
}

func TestSimGroupCommit(t *testing.T) {
	t.Parallel()

	// no wallet funds; the repay is covered entirely by the borrowed amount
	// visible through the group overlay
	g := NewSimGroup(newFlashRouter(types.DeltaMap{}), nil)
	handshakes, err := g.ExecuteGroup(context.Background(), tickAt, flashGroup("1000"))
	require.NoError(t, err)
	require.Len(t, handshakes, 2)

	net := make(types.DeltaMap)
	for _, hs := range handshakes {
		assert.Equal(t, types.StatusConfirmed, hs.Status)
		for k, v := range hs.ActualDeltas {
			net[k] = net[k].Add(v)
		}
	}
	// a zero-premium flash loan is net-zero on the wallet
	assert.True(t, net[types.NewKey("wallet", types.PosBaseToken, "USDT")].IsZero())
}

func TestSimGroupRollback(t *testing.T) {
	t.Parallel()

	g := NewSimGroup(newFlashRouter(types.DeltaMap{}), nil)
	handshakes, err := g.ExecuteGroup(context.Background(), tickAt, flashGroup("2000"))
	require.Error(t, err)
	require.Len(t, handshakes, 2)

	for _, hs := range handshakes {
		assert.Equal(t, types.StatusRolledBack, hs.Status)
		assert.Empty(t, hs.ActualDeltas)
		assert.Equal(t, types.CodeVenInsufficient, hs.ErrorCode)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		class     ErrorClass
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, ClassTimeout, true},
		{"net timeout", &net.DNSError{IsTimeout: true}, ClassTimeout, true},
		{"net other", &net.DNSError{}, ClassRetryableNetwork, true},
		{"plain", errors.New("boom"), ClassNonRetryableState, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ve := Classify("binance", tc.err)
			assert.Equal(t, tc.class, ve.Class)
			assert.Equal(t, tc.retryable, ve.Retryable())
		})
	}

	// already-classified errors pass through unchanged
	orig := newError("binance", ClassRetryableRateLimit, errors.New("429"))
	assert.Same(t, orig, Classify("binance", orig))
	assert.True(t, Retryable(orig))
}

func TestRateLimitersWait(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiters(map[string]float64{"binance": 100})
	require.NoError(t, rl.Wait(context.Background(), "binance"))
	// unknown venue falls back to the default budget
	require.NoError(t, rl.Wait(context.Background(), "aave_v3"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, rl.Wait(ctx, "binance"))
}

func TestCEXRequestSigning(t *testing.T) {
	t.Parallel()

	creds := CEXCredentials{APIKey: "key", APISecret: "secret"}
	v := NewLiveCEX("binance", "https://example.test", creds, nil, nil, nil)

	headers := v.headers("POST", "/api/v1/order", `{"amount":"1"}`)
	assert.Equal(t, "key", headers["X-API-KEY"])

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(headers["X-TIMESTAMP"] + "POST" + "/api/v1/order" + `{"amount":"1"}`))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), headers["X-SIGNATURE"])
}
