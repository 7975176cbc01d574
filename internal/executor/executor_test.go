package executor

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/camuig/coin-arena/internal/ai"
	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/ledger"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/storage"
	"github.com/camuig/coin-arena/internal/storage/storagetest"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyOpen(model, coin, side string, quantity, price float64, leverage int) {
	m.Called(model, coin, side, quantity, price, leverage)
}

func (m *MockNotifier) NotifyClose(model, coin, side, signal string, price, pnl float64) {
	m.Called(model, coin, side, signal, price, pnl)
}

type fixture struct {
	mem  *storagetest.Memory
	book *ledger.Ledger
	exec *Executor
}

func newFixture(t *testing.T, notifier Notifier) *fixture {
	t.Helper()
	mem := storagetest.NewMemory()
	m := &storage.Model{Name: "alpha", InitialCapital: 10000, Active: true}
	require.NoError(t, mem.CreateModel(context.Background(), m))
	return &fixture{
		mem:  mem,
		book: ledger.New(mem, m.ID),
		exec: NewExecutor(notifier, config.Default().Trading, logger.Nop()),
	}
}

func (f *fixture) request(t *testing.T, decisions map[string]ai.Decision, prices map[string]float64) Request {
	t.Helper()
	view, err := f.book.Snapshot(context.Background(), prices)
	require.NoError(t, err)
	return Request{ModelName: "alpha", Book: f.book, Decisions: decisions, Prices: prices, Portfolio: view}
}

func byCoin(results []Execution) map[string]Execution {
	out := make(map[string]Execution, len(results))
	for _, r := range results {
		out[r.Coin] = r
	}
	return out
}

func TestExecute_OpenLongRecordsTrade(t *testing.T) {
	ctx := context.Background()
	notifier := new(MockNotifier)
	notifier.On("NotifyOpen", "alpha", "BTC", ledger.SideLong, 0.1, 50000.0, 10).Once()
	f := newFixture(t, notifier)

	sl := 48000.0
	results := f.exec.Execute(ctx, f.request(t,
		map[string]ai.Decision{"BTC": {Signal: ai.SignalBuyToEnter, Quantity: 0.1, Leverage: 10, StopLoss: &sl}},
		map[string]float64{"BTC": 50000},
	))

	require.Len(t, results, 1)
	assert.True(t, results[0].Success, results[0].Error)
	notifier.AssertExpectations(t)

	pos, err := f.mem.GetPosition(ctx, f.book.ModelID(), "BTC", ledger.SideLong)
	require.NoError(t, err)
	assert.Equal(t, 10, pos.Leverage)
	require.NotNil(t, pos.StopLoss)
	assert.Equal(t, 48000.0, *pos.StopLoss)

	trades, err := f.mem.ListTrades(ctx, f.book.ModelID(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, string(ai.SignalBuyToEnter), trades[0].Signal)
	assert.Equal(t, 0.0, trades[0].PnL)
}

func TestExecute_IndependentPerCoin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	results := byCoin(f.exec.Execute(ctx, f.request(t,
		map[string]ai.Decision{
			"BTC": {Signal: ai.SignalBuyToEnter, Quantity: 2000, Leverage: 10},
			"ETH": {Signal: ai.SignalSellToEnter, Quantity: 1, Leverage: 5},
		},
		map[string]float64{"BTC": 50000, "ETH": 3000},
	)))

	var verr *ValidationError
	require.ErrorAs(t, results["BTC"].Err, &verr)
	assert.Equal(t, "quantity", verr.Field)
	assert.True(t, results["ETH"].Success, results["ETH"].Error)

	view, err := f.book.Snapshot(ctx, nil)
	require.NoError(t, err)
	require.Len(t, view.Positions, 1)
	assert.Equal(t, "ETH", view.Positions[0].Coin)
	assert.Equal(t, ledger.SideShort, view.Positions[0].Side)
}

func TestExecute_Validation(t *testing.T) {
	cases := []struct {
		name  string
		coin  string
		d     ai.Decision
		field string
	}{
		{"unsupported coin", "PEPE", ai.Decision{Signal: ai.SignalBuyToEnter, Quantity: 1, Leverage: 1}, "coin"},
		{"zero quantity", "BTC", ai.Decision{Signal: ai.SignalBuyToEnter, Quantity: 0, Leverage: 1}, "quantity"},
		{"negative quantity", "BTC", ai.Decision{Signal: ai.SignalSellToEnter, Quantity: -1, Leverage: 1}, "quantity"},
		{"infinite quantity", "BTC", ai.Decision{Signal: ai.SignalBuyToEnter, Quantity: math.Inf(1), Leverage: 1}, "quantity"},
		{"NaN quantity", "BTC", ai.Decision{Signal: ai.SignalBuyToEnter, Quantity: math.NaN(), Leverage: 1}, "quantity"},
		{"fractional leverage", "BTC", ai.Decision{Signal: ai.SignalBuyToEnter, Quantity: 0.01, Leverage: 2.5}, "leverage"},
		{"leverage too high", "BTC", ai.Decision{Signal: ai.SignalBuyToEnter, Quantity: 0.01, Leverage: 21}, "leverage"},
		{"leverage too low", "BTC", ai.Decision{Signal: ai.SignalBuyToEnter, Quantity: 0.01, Leverage: 0}, "leverage"},
		{"no price", "ETH", ai.Decision{Signal: ai.SignalBuyToEnter, Quantity: 1, Leverage: 1}, "price"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			results := f.exec.Execute(context.Background(), f.request(t,
				map[string]ai.Decision{tc.coin: tc.d},
				map[string]float64{"BTC": 50000},
			))

			require.Len(t, results, 1)
			assert.False(t, results[0].Success)
			var verr *ValidationError
			require.ErrorAs(t, results[0].Err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestExecute_InsufficientFundsTracksRunningCash(t *testing.T) {
	f := newFixture(t, nil)

	// each open needs 6000 margin out of 10000 cash
	results := byCoin(f.exec.Execute(context.Background(), f.request(t,
		map[string]ai.Decision{
			"BTC": {Signal: ai.SignalBuyToEnter, Quantity: 0.12, Leverage: 1},
			"ETH": {Signal: ai.SignalBuyToEnter, Quantity: 2, Leverage: 1},
		},
		map[string]float64{"BTC": 50000, "ETH": 3000},
	)))

	assert.True(t, results["BTC"].Success, results["BTC"].Error)
	assert.ErrorIs(t, results["ETH"].Err, ErrInsufficientFunds)
	var verr *ValidationError
	assert.ErrorAs(t, results["ETH"].Err, &verr)
}

func TestExecute_ClosePosition(t *testing.T) {
	ctx := context.Background()
	notifier := new(MockNotifier)
	notifier.On("NotifyClose", "alpha", "SOL", ledger.SideLong, string(ai.SignalClosePosition), 110.0, 100.0).Once()
	f := newFixture(t, notifier)
	require.NoError(t, f.book.OpenOrAdd(ctx, "SOL", ledger.SideLong, 10, 100, 2, nil, nil))

	results := f.exec.Execute(ctx, f.request(t,
		map[string]ai.Decision{"SOL": {Signal: ai.SignalClosePosition}},
		map[string]float64{"SOL": 110},
	))

	require.Len(t, results, 1)
	assert.True(t, results[0].Success, results[0].Error)
	assert.Equal(t, 100.0, results[0].PnL)
	notifier.AssertExpectations(t)

	view, err := f.book.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, view.Positions)
	assert.Equal(t, 100.0, view.RealizedPnL)
}

func TestExecute_CloseWithoutPosition(t *testing.T) {
	f := newFixture(t, nil)

	results := f.exec.Execute(context.Background(), f.request(t,
		map[string]ai.Decision{"BTC": {Signal: ai.SignalClosePosition}},
		map[string]float64{"BTC": 50000},
	))

	require.Len(t, results, 1)
	assert.True(t, ledger.IsNotFound(results[0].Err))
}

func TestExecute_HoldAndUnknown(t *testing.T) {
	f := newFixture(t, nil)

	results := byCoin(f.exec.Execute(context.Background(), f.request(t,
		map[string]ai.Decision{
			"BTC": {Signal: ai.SignalHold},
			"ETH": {Signal: ai.SignalUnknown, RawSignal: "moon"},
		},
		map[string]float64{"BTC": 50000, "ETH": 3000},
	)))

	assert.True(t, results["BTC"].Success)
	assert.ErrorIs(t, results["ETH"].Err, ErrUnknownSignal)
	assert.Equal(t, "moon", results["ETH"].Signal)
}

type panickyBook struct{ Book }

func (panickyBook) OpenOrAdd(context.Context, string, string, float64, float64, int, *float64, *float64) error {
	panic("disk on fire")
}

func TestExecute_RecoversPerCoin(t *testing.T) {
	f := newFixture(t, nil)
	req := f.request(t,
		map[string]ai.Decision{
			"BTC": {Signal: ai.SignalBuyToEnter, Quantity: 0.01, Leverage: 1},
			"ETH": {Signal: ai.SignalHold},
		},
		map[string]float64{"BTC": 50000, "ETH": 3000},
	)
	req.Book = panickyBook{Book: f.book}

	results := byCoin(f.exec.Execute(context.Background(), req))
	assert.False(t, results["BTC"].Success)
	assert.Contains(t, results["BTC"].Error, "panic")
	assert.True(t, results["ETH"].Success)
}

func TestExecute_StoreFailureIsPerCoin(t *testing.T) {
	f := newFixture(t, nil)
	f.mem.Fail["UpsertPosition"] = errors.New("database is locked")

	results := f.exec.Execute(context.Background(), f.request(t,
		map[string]ai.Decision{"BTC": {Signal: ai.SignalBuyToEnter, Quantity: 0.01, Leverage: 1}},
		map[string]float64{"BTC": 50000},
	))
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "database is locked")
}

func TestExecute_TradeLogFailureFailsOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.mem.Fail["AddTrade"] = errors.New("disk full")

	results := f.exec.Execute(ctx, f.request(t,
		map[string]ai.Decision{"BTC": {Signal: ai.SignalBuyToEnter, Quantity: 0.01, Leverage: 1}},
		map[string]float64{"BTC": 50000},
	))

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "disk full")

	view, err := f.book.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, view.Positions)

	delete(f.mem.Fail, "AddTrade")
	trades, err := f.mem.ListTrades(ctx, f.book.ModelID(), 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}
