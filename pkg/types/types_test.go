package types

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstrument(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key     InstrumentKey
		want    Instrument
		wantErr bool
	}{
		{"wallet:BaseToken:USDT", Instrument{"wallet", PosBaseToken, "USDT"}, false},
		{"aave_v3:aToken:aUSDT", Instrument{"aave_v3", PosAToken, "aUSDT"}, false},
		{"aave_v3:debtToken:WETH", Instrument{"aave_v3", PosDebtToken, "WETH"}, false},
		{"binance:Perp:BTCUSDT", Instrument{"binance", PosPerp, "BTCUSDT"}, false},
		{"etherfi:LST:weETH", Instrument{"etherfi", PosLST, "weETH"}, false},
		{"binance:BTCUSDT", Instrument{}, true},              // two parts
		{"binance:Perp:BTCUSDT:extra", Instrument{}, true},   // four parts
		{"binance:Spot:BTCUSDT", Instrument{}, true},         // unknown position type
		{":BaseToken:USDT", Instrument{}, true},              // empty venue
		{"wallet:BaseToken:", Instrument{}, true},            // empty symbol
	}

	for _, tt := range tests {
		got, err := ParseInstrument(tt.key)
		if tt.wantErr {
			assert.Error(t, err, "key %q", tt.key)
			continue
		}
		require.NoError(t, err, "key %q", tt.key)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.key, got.Key(), "round trip")
	}
}

func TestInstrumentKeyVenue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "binance", InstrumentKey("binance:Perp:BTCUSDT").Venue())
	assert.Equal(t, "", InstrumentKey("nocolons").Venue())
}

func TestDeltaMapNegateRoundTrip(t *testing.T) {
	t.Parallel()

	d := DeltaMap{
		"wallet:BaseToken:USDT": decimal.NewFromInt(-10000),
		"aave_v3:aToken:aUSDT":  decimal.NewFromInt(10500),
	}
	n := d.Negate()
	for k, v := range d {
		assert.True(t, v.Neg().Equal(n[k]), "key %s", k)
	}

	// applying a map and its negation must cancel
	sum := d.Clone()
	for k, v := range n {
		sum[k] = sum[k].Add(v)
	}
	for k, v := range sum {
		assert.True(t, v.IsZero(), "key %s residual %s", k, v)
	}
}

func TestDeltaMapCloneIsIndependent(t *testing.T) {
	t.Parallel()

	d := DeltaMap{"wallet:BaseToken:USDT": decimal.NewFromInt(1)}
	c := d.Clone()
	c["wallet:BaseToken:USDT"] = decimal.NewFromInt(99)
	assert.True(t, d["wallet:BaseToken:USDT"].Equal(decimal.NewFromInt(1)))
}

func TestExpectedDeltaMapSumsDuplicateKeys(t *testing.T) {
	t.Parallel()

	deltas := []ExpectedDelta{
		{Instrument: "wallet:BaseToken:ETH", Delta: decimal.NewFromInt(-100)},
		{Instrument: "wallet:BaseToken:ETH", Delta: decimal.NewFromInt(100)},
		{Instrument: "etherfi:LST:weETH", Delta: decimal.NewFromInt(96)},
	}
	m := ExpectedDeltaMap(deltas)
	assert.True(t, m["wallet:BaseToken:ETH"].IsZero())
	assert.True(t, m["etherfi:LST:weETH"].Equal(decimal.NewFromInt(96)))
}

func TestWithinTolerance(t *testing.T) {
	t.Parallel()

	tol := decimal.RequireFromString("0.01")
	tests := []struct {
		a, b string
		want bool
	}{
		{"10500", "10500", true},
		{"10500", "10499.995", true},
		{"10500", "10499.5", false},
		{"0", "0.01", true},
		{"0", "0.0100001", false},
	}
	for _, tt := range tests {
		a := decimal.RequireFromString(tt.a)
		b := decimal.RequireFromString(tt.b)
		assert.Equal(t, tt.want, WithinTolerance(a, b, tol), "|%s-%s| vs 0.01", tt.a, tt.b)
	}
}

func TestNewIDShape(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		id := NewID()
		require.Len(t, id, 32)
		for _, c := range id {
			assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'), "non-hex char %q in %s", c, id)
		}
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestOrderTouchedKeys(t *testing.T) {
	t.Parallel()

	o := Order{
		ExpectedDeltas: []ExpectedDelta{
			{Instrument: "binance:BaseToken:USDT", Delta: decimal.NewFromInt(-50000)},
			{Instrument: "binance:BaseToken:BTC", Delta: decimal.NewFromInt(1)},
		},
	}
	keys := o.TouchedKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, InstrumentKey("binance:BaseToken:BTC"), keys[0])
	assert.Equal(t, InstrumentKey("binance:BaseToken:USDT"), keys[1])
}
