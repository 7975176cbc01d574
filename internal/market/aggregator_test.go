package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/storage/storagetest"
)

type fakeSource struct {
	name    string
	quotes  map[string]Quote
	points  []PricePoint
	err     error
	calls   int
	history int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Prices(context.Context, []string) (map[string]Quote, error) {
	f.calls++
	return f.quotes, f.err
}

func (f *fakeSource) History(context.Context, string, int) ([]PricePoint, error) {
	f.history++
	return f.points, f.err
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestAggregator(t *testing.T, mem *storagetest.Memory, sources ...*fakeSource) (*Aggregator, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	cache := NewCache(context.Background(), mem, logger.Nop())
	cache.now = clk.now

	prices := make([]PriceSource, len(sources))
	history := make([]HistorySource, len(sources))
	for i, s := range sources {
		prices[i] = s
		history[i] = s
	}
	cfg := config.Default().Market
	return NewAggregator(cache, NewLimiters(nil), prices, history, cfg, logger.Nop()), clk
}

func quotes(prices map[string]float64) map[string]Quote {
	out := make(map[string]Quote, len(prices))
	for c, p := range prices {
		out[c] = Quote{Coin: c, Price: p}
	}
	return out
}

func TestGetCurrentPrices_Waterfall(t *testing.T) {
	mem := storagetest.NewMemory()
	down := &fakeSource{name: "binance", err: ErrSourceUnavailable}
	partial := &fakeSource{name: "coingecko", quotes: quotes(map[string]float64{"BTC": 50000})}
	full := &fakeSource{name: "coincap", quotes: quotes(map[string]float64{"BTC": 50100, "ETH": 3000})}
	agg, _ := newTestAggregator(t, mem, down, partial, full)

	got := agg.GetCurrentPrices(context.Background(), []string{"BTC", "ETH"})

	assert.Equal(t, 50100.0, got["BTC"].Price)
	assert.Equal(t, 1, down.calls)
	assert.Equal(t, 1, partial.calls)
	assert.Equal(t, 1, full.calls)

	entries, err := mem.LoadMarketCache(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "prices_BTC_ETH", entries[0].Key)
}

func TestGetCurrentPrices_FreshCacheSkipsSources(t *testing.T) {
	src := &fakeSource{name: "binance", quotes: quotes(map[string]float64{"BTC": 50000})}
	agg, clk := newTestAggregator(t, storagetest.NewMemory(), src)
	ctx := context.Background()

	agg.GetCurrentPrices(ctx, []string{"BTC"})
	clk.t = clk.t.Add(2 * time.Second)
	got := agg.GetCurrentPrices(ctx, []string{"BTC", "BTC"})

	assert.Equal(t, 50000.0, got["BTC"].Price)
	assert.Equal(t, 1, src.calls)

	clk.t = clk.t.Add(10 * time.Second)
	agg.GetCurrentPrices(ctx, []string{"BTC"})
	assert.Equal(t, 2, src.calls)
}

func TestGetCurrentPrices_StaleFallback(t *testing.T) {
	src := &fakeSource{name: "binance", quotes: quotes(map[string]float64{"BTC": 50000})}
	agg, clk := newTestAggregator(t, storagetest.NewMemory(), src)
	ctx := context.Background()
	agg.GetCurrentPrices(ctx, []string{"BTC"})

	src.err, src.quotes = errors.New("connection refused"), nil
	clk.t = clk.t.Add(time.Hour)
	got := agg.GetCurrentPrices(ctx, []string{"BTC"})
	assert.Equal(t, 50000.0, got["BTC"].Price)

	clk.t = clk.t.Add(31 * 24 * time.Hour)
	assert.Empty(t, agg.GetCurrentPrices(ctx, []string{"BTC"}))
}

func TestGetCurrentPrices_Empty(t *testing.T) {
	src := &fakeSource{name: "binance"}
	agg, _ := newTestAggregator(t, storagetest.NewMemory(), src)

	assert.Empty(t, agg.GetCurrentPrices(context.Background(), nil))
	assert.Zero(t, src.calls)
}

func TestGetHistoricalPrices_SkipsEmptySeries(t *testing.T) {
	series := []PricePoint{{Timestamp: 1, Price: 100}, {Timestamp: 2, Price: 101}}
	empty := &fakeSource{name: "binance"}
	good := &fakeSource{name: "coingecko", points: series}
	agg, _ := newTestAggregator(t, storagetest.NewMemory(), empty, good)
	ctx := context.Background()

	assert.Equal(t, series, agg.GetHistoricalPrices(ctx, "BTC", 30))
	assert.Equal(t, series, agg.GetHistoricalPrices(ctx, "BTC", 30))
	assert.Equal(t, 1, empty.history)
	assert.Equal(t, 1, good.history)
}

func TestGetHistoricalPrices_NothingAvailable(t *testing.T) {
	src := &fakeSource{name: "binance", err: ErrSourceUnavailable}
	agg, _ := newTestAggregator(t, storagetest.NewMemory(), src)

	assert.Nil(t, agg.GetHistoricalPrices(context.Background(), "BTC", 30))
}

func TestCache_LoadsPersistedEntries(t *testing.T) {
	mem := storagetest.NewMemory()
	ctx := context.Background()
	first := NewCache(ctx, mem, logger.Nop())
	first.Put(ctx, "prices_BTC", quotes(map[string]float64{"BTC": 42}))

	second := NewCache(ctx, mem, logger.Nop())
	var got map[string]Quote
	_, ok := second.Get("prices_BTC", time.Hour, &got)
	require.True(t, ok)
	assert.Equal(t, 42.0, got["BTC"].Price)
}

func TestCache_PersistFailureKeepsMemory(t *testing.T) {
	mem := storagetest.NewMemory()
	mem.Fail["SaveMarketCache"] = errors.New("readonly database")
	ctx := context.Background()
	c := NewCache(ctx, mem, logger.Nop())

	c.Put(ctx, "k", []int{1, 2})
	var got []int
	_, ok := c.Get("k", time.Hour, &got)
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2}, got)
}

func TestLimiters_SpacesCalls(t *testing.T) {
	l := NewLimiters(map[string]time.Duration{"coingecko": 50 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "coingecko"))
	require.NoError(t, l.Wait(ctx, "coingecko"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	require.NoError(t, l.Wait(ctx, "unknown"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, l.Wait(cancelled, "coingecko"))
}
