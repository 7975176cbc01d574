package backtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/coin-arena/internal/ai"
	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/ledger"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/market"
	"github.com/camuig/coin-arena/internal/storage"
)

const day = int64(24 * time.Hour / time.Millisecond)

type fakeHistory map[string][]market.PricePoint

func (f fakeHistory) GetHistoricalPrices(_ context.Context, coin string, _ int) []market.PricePoint {
	return f[coin]
}

func linear(n int, start, step float64) []market.PricePoint {
	points := make([]market.PricePoint, n)
	for i := range points {
		points[i] = market.PricePoint{Timestamp: int64(i) * day, Price: start + step*float64(i)}
	}
	return points
}

// scriptedProvider returns the decisions scripted for each call, in order.
type scriptedProvider struct {
	mu     sync.Mutex
	script []map[string]ai.Decision
	calls  int
	states []ai.MarketState
	cash   []float64
}

func (p *scriptedProvider) Decide(_ context.Context, _ *storage.Model, state ai.MarketState, view *ledger.Portfolio, _ ai.AccountInfo) (map[string]ai.Decision, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
	p.cash = append(p.cash, view.Cash)
	defer func() { p.calls++ }()
	if p.calls < len(p.script) && p.script[p.calls] != nil {
		return p.script[p.calls], "{}"
	}
	return map[string]ai.Decision{}, ""
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Backtest.Warmup = 3
	return cfg
}

func TestRun_ReplaysDecisionsOnScratchLedger(t *testing.T) {
	history := fakeHistory{
		"BTC": linear(10, 1000, 10),
		"ETH": linear(20, 100, 1),
	}
	provider := &scriptedProvider{script: []map[string]ai.Decision{
		{"BTC": {Signal: ai.SignalBuyToEnter, Quantity: 1, Leverage: 1}},
		{"BTC": {Signal: ai.SignalHold}},
		{"BTC": {Signal: ai.SignalClosePosition}},
	}}
	bt := NewBacktester(history, provider, testConfig(), logger.Nop())

	res, err := bt.Run(context.Background(), Request{
		Model:          &storage.Model{Name: "alpha"},
		Coins:          []string{"ETH", "BTC"},
		InitialCapital: 10000,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC", "ETH"}, res.Coins)
	assert.Equal(t, 7, res.Steps)
	assert.Equal(t, 7, provider.calls)
	assert.Equal(t, time.UnixMilli(3*day).UTC(), res.StartTime)
	assert.Equal(t, time.UnixMilli(9*day).UTC(), res.EndTime)

	require.Len(t, res.Fills, 2)
	assert.Equal(t, "buy_to_enter", res.Fills[0].Signal)
	assert.Equal(t, 1030.0, res.Fills[0].Price)
	assert.Equal(t, "close_position", res.Fills[1].Signal)
	assert.InDelta(t, 20.0, res.Fills[1].PnL, 1e-9)

	assert.InDelta(t, 10000-1030.0, provider.cash[1], 1e-9)
	assert.InDelta(t, 10020.0, res.FinalValue, 1e-9)
	assert.InDelta(t, 0.2, res.TotalReturn, 1e-9)
	require.Len(t, res.Values, 7)
	assert.Equal(t, 1, res.Values[0].Positions)
	assert.Zero(t, res.Values[6].Positions)

	assert.Equal(t, 2, res.Performance.Trading.TotalTrades)
	assert.Equal(t, 1, res.Performance.Trading.WinningTrades)
	assert.InDelta(t, 10020.0, res.Performance.Overview.CurrentValue, 1e-9)

	first := provider.states[0]
	require.Contains(t, first, "ETH")
	assert.Equal(t, 113.0, first["ETH"].Price, "series are aligned on their common tail")
	require.NotNil(t, first["BTC"].Indicators)
	assert.Equal(t, 1030.0, first["BTC"].Indicators.CurrentPrice)
	assert.InDelta(t, 10.0/1020*100, first["BTC"].Change24h, 1e-9)
}

func TestRun_StopLossFiresBetweenDecisions(t *testing.T) {
	stop := 1005.0
	history := fakeHistory{"BTC": append(linear(6, 1000, 10), market.PricePoint{Timestamp: 6 * day, Price: 1000})}
	provider := &scriptedProvider{script: []map[string]ai.Decision{
		{"BTC": {Signal: ai.SignalBuyToEnter, Quantity: 1, Leverage: 2, StopLoss: &stop}},
	}}
	bt := NewBacktester(history, provider, testConfig(), logger.Nop())

	res, err := bt.Run(context.Background(), Request{Model: &storage.Model{Name: "alpha"}, Coins: []string{"BTC"}})
	require.NoError(t, err)

	require.Len(t, res.Fills, 2)
	assert.Equal(t, "auto_close", res.Fills[1].Signal)
	assert.InDelta(t, -30.0, res.Fills[1].PnL, 1e-9)
	assert.Equal(t, 10000.0, res.InitialCapital)
}

func TestRun_RunsAreIsolated(t *testing.T) {
	history := fakeHistory{"BTC": linear(8, 1000, 10)}
	buy := map[string]ai.Decision{"BTC": {Signal: ai.SignalBuyToEnter, Quantity: 1, Leverage: 1}}
	cfg := testConfig()
	ctx := context.Background()

	first, err := NewBacktester(history, &scriptedProvider{script: []map[string]ai.Decision{buy}}, cfg, logger.Nop()).
		Run(ctx, Request{Model: &storage.Model{Name: "alpha"}, Coins: []string{"BTC"}})
	require.NoError(t, err)
	second, err := NewBacktester(history, &scriptedProvider{}, cfg, logger.Nop()).
		Run(ctx, Request{Model: &storage.Model{Name: "alpha"}, Coins: []string{"BTC"}})
	require.NoError(t, err)

	assert.Len(t, first.Fills, 1)
	assert.Empty(t, second.Fills)
	assert.Equal(t, 10000.0, second.FinalValue)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRun_Validation(t *testing.T) {
	bt := NewBacktester(fakeHistory{}, &scriptedProvider{}, testConfig(), logger.Nop())
	ctx := context.Background()
	model := &storage.Model{Name: "alpha"}

	cases := []struct {
		name string
		req  Request
	}{
		{"no model", Request{}},
		{"too many days", Request{Model: model, Days: 365}},
		{"negative days", Request{Model: model, Days: -1}},
		{"unsupported coin", Request{Model: model, Coins: []string{"PEPE"}}},
		{"negative capital", Request{Model: model, InitialCapital: -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := bt.Run(ctx, tc.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestRun_NoHistory(t *testing.T) {
	history := fakeHistory{"BTC": linear(3, 1000, 10)}
	bt := NewBacktester(history, &scriptedProvider{}, testConfig(), logger.Nop())

	_, err := bt.Run(context.Background(), Request{Model: &storage.Model{Name: "alpha"}, Coins: []string{"BTC", "ETH"}})
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestRun_Cancelled(t *testing.T) {
	history := fakeHistory{"BTC": linear(10, 1000, 10)}
	bt := NewBacktester(history, &scriptedProvider{}, testConfig(), logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := bt.Run(ctx, Request{Model: &storage.Model{Name: "alpha"}, Coins: []string{"BTC"}})
	assert.ErrorIs(t, err, context.Canceled)
}
