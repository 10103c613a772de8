package pricing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSymbolMapping(t *testing.T) {
	assert.Equal(t, "BTCUSDT", Symbol("BTC"))
	assert.Equal(t, "ETHUSDT", Symbol("eth"))
}

func TestMemoryCurrentAndHistory(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()

	_, err := m.Current(ctx, "BTC")
	assert.ErrorIs(t, err, ErrUnavailable)

	m.Append("BTC", d("100"))
	m.Append("BTC", d("101"))
	m.Append("BTC", d("102"))
	m.Append("BTC", d("103"))

	cur, err := m.Current(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, cur.Equal(d("103")))

	// Window is capped at maxLen, oldest dropped first.
	hist, err := m.History(ctx, "BTC", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.True(t, hist[0].Equal(d("101")))

	// A short request takes the newest tail.
	hist, err = m.History(ctx, "BTC", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Equal(d("102")))
}

func TestMemoryHistoryIsACopy(t *testing.T) {
	m := NewMemory(10)
	m.Set("ETH", []decimal.Decimal{d("1"), d("2")})

	hist, err := m.History(context.Background(), "ETH", 0)
	require.NoError(t, err)
	hist[0] = d("999")

	again, err := m.History(context.Background(), "ETH", 0)
	require.NoError(t, err)
	assert.True(t, again[0].Equal(d("1")))
}

func TestParseMiniTicker(t *testing.T) {
	asset, price, err := parseMiniTicker([]byte(`{"e":"24hrMiniTicker","s":"BTCUSDT","c":"50000.25"}`))
	require.NoError(t, err)
	assert.Equal(t, "BTC", asset)
	assert.True(t, price.Equal(d("50000.25")))

	_, _, err = parseMiniTicker([]byte(`{"s":"","c":""}`))
	assert.Error(t, err)

	_, _, err = parseMiniTicker([]byte(`{"s":"BTCUSDT","c":"not-a-number"}`))
	assert.Error(t, err)
}
