package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/coin-arena/internal/ai"
	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/executor"
	"github.com/camuig/coin-arena/internal/indicator"
	"github.com/camuig/coin-arena/internal/ledger"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/market"
	"github.com/camuig/coin-arena/internal/storage"
	"github.com/camuig/coin-arena/internal/storage/storagetest"
)

type fakeMarket struct {
	quotes map[string]market.Quote
}

func (f *fakeMarket) GetCurrentPrices(_ context.Context, coins []string) map[string]market.Quote {
	out := make(map[string]market.Quote)
	for _, c := range coins {
		if q, ok := f.quotes[c]; ok {
			out[c] = q
		}
	}
	return out
}

type fakeIndicators struct{}

func (fakeIndicators) Compute(_ context.Context, coin string) *indicator.Set {
	return &indicator.Set{RSI14: 50}
}

type fakeProvider struct {
	mu        sync.Mutex
	decisions map[string]ai.Decision
	raw       string
	calls     int
	seen      *ledger.Portfolio
	market    ai.MarketState
	started   chan struct{}
	block     chan struct{}
}

func (f *fakeProvider) Decide(_ context.Context, _ *storage.Model, state ai.MarketState, view *ledger.Portfolio, _ ai.AccountInfo) (map[string]ai.Decision, string) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = view
	f.market = state
	if f.decisions == nil {
		return map[string]ai.Decision{}, f.raw
	}
	return f.decisions, f.raw
}

type fakeRisk struct {
	pause  bool
	reason string
}

func (f fakeRisk) ShouldPause(context.Context, uint, *ledger.Portfolio) (bool, string) {
	return f.pause, f.reason
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) add(e string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) NotifyOpen(_, coin, side string, _, _ float64, _ int) {
	n.add("open " + coin + " " + side)
}

func (n *recordingNotifier) NotifyClose(_, coin, _, signal string, _, _ float64) {
	n.add("close " + coin + " " + signal)
}

func (n *recordingNotifier) NotifyPause(_, reason string) { n.add("pause " + reason) }

func (n *recordingNotifier) NotifyError(string, error) { n.add("error") }

type harness struct {
	mem      *storagetest.Memory
	market   *fakeMarket
	provider *fakeProvider
	notifier *recordingNotifier
	cfg      *config.Config
	modelID  uint
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := storagetest.NewMemory()
	m := &storage.Model{Name: "alpha", InitialCapital: 10000, Active: true}
	require.NoError(t, mem.CreateModel(context.Background(), m))
	return &harness{
		mem: mem,
		market: &fakeMarket{quotes: map[string]market.Quote{
			"BTC": {Coin: "BTC", Price: 50000, Change24h: 1},
			"ETH": {Coin: "ETH", Price: 3000, Change24h: -2},
		}},
		provider: &fakeProvider{},
		notifier: &recordingNotifier{},
		cfg:      config.Default(),
		modelID:  m.ID,
	}
}

func (h *harness) orchestrator(risk RiskGate) *Orchestrator {
	log := logger.Nop()
	exec := executor.NewExecutor(h.notifier, h.cfg.Trading, log)
	return NewOrchestrator(h.mem, h.market, fakeIndicators{}, h.provider, risk, exec, h.notifier, h.cfg, log)
}

func (h *harness) book() *ledger.Ledger {
	return ledger.New(h.mem, h.modelID)
}

func TestRunCycle_ExecutesDecisionsAndReconciles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.decisions = map[string]ai.Decision{
		"BTC": {Signal: ai.SignalBuyToEnter, Quantity: 2000, Leverage: 10},
		"ETH": {Signal: ai.SignalBuyToEnter, Quantity: 1, Leverage: 2},
	}
	h.provider.raw = strings.Repeat("x", 3000)

	res := h.orchestrator(fakeRisk{}).RunCycle(ctx, h.modelID)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, StateDone, res.State)
	assert.NotEmpty(t, res.CycleID)
	require.Len(t, res.Executions, 2)

	var btcErr, ethErr error
	for _, x := range res.Executions {
		switch x.Coin {
		case "BTC":
			btcErr = x.Err
		case "ETH":
			ethErr = x.Err
		}
	}
	var verr *ValidationError
	assert.ErrorAs(t, btcErr, &verr)
	assert.NoError(t, ethErr)

	require.NotNil(t, res.Portfolio)
	require.Len(t, res.Portfolio.Positions, 1)
	assert.Equal(t, "ETH", res.Portfolio.Positions[0].Coin)

	values, err := h.mem.ListAccountValues(ctx, h.modelID, 10)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.InDelta(t, res.Portfolio.TotalValue, values[0].TotalValue, 1e-9)

	convs, err := h.mem.ListConversations(ctx, h.modelID, 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, res.CycleID, convs[0].CycleID)
	assert.Len(t, convs[0].CoTTrace, h.cfg.Trading.TraceLimit)
	assert.Contains(t, convs[0].AIResponse, "buy_to_enter")

	require.NotNil(t, h.provider.market["BTC"].Indicators)
}

func TestRunCycle_StopLossClosesBeforeDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sl := 51000.0
	require.NoError(t, h.book().OpenOrAdd(ctx, "BTC", ledger.SideLong, 0.1, 52000, 5, &sl, nil))

	res := h.orchestrator(fakeRisk{}).RunCycle(ctx, h.modelID)

	require.True(t, res.Success, res.Error)
	require.Len(t, res.Exits, 1)
	assert.Equal(t, executor.SignalAutoClose, res.Exits[0].Signal)

	require.Equal(t, 1, h.provider.calls)
	assert.Empty(t, h.provider.seen.Positions, "provider sees the post-exit portfolio")
	assert.InDelta(t, -200.0, h.provider.seen.RealizedPnL, 1e-9)
	assert.Contains(t, h.notifier.events, "close BTC auto_close")
}

func TestRunCycle_EmptyDecisionStillReconciles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res := h.orchestrator(fakeRisk{}).RunCycle(ctx, h.modelID)

	require.True(t, res.Success, res.Error)
	assert.Empty(t, res.Decisions)
	convs, err := h.mem.ListConversations(ctx, h.modelID, 10)
	require.NoError(t, err)
	assert.Empty(t, convs)

	values, err := h.mem.ListAccountValues(ctx, h.modelID, 10)
	require.NoError(t, err)
	assert.Len(t, values, 1)
}

func TestRunCycle_NoMarketDataFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.market.quotes = nil

	res := h.orchestrator(fakeRisk{}).RunCycle(ctx, h.modelID)

	assert.False(t, res.Success)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateFetchMarket, res.FailedAt)
	assert.ErrorIs(t, res.Err, ErrCycleFatal)
	assert.Contains(t, res.Error, "no market data")
	assert.Zero(t, h.provider.calls)
	assert.Contains(t, h.notifier.events, "error")
}

func TestRunCycle_UnknownModelFails(t *testing.T) {
	h := newHarness(t)

	res := h.orchestrator(fakeRisk{}).RunCycle(context.Background(), 999)

	assert.False(t, res.Success)
	assert.True(t, ledger.IsNotFound(res.Err))
}

func TestRunCycle_PauseSkipsDecisionButReconciles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cfg.Risk.EnforcePause = true

	res := h.orchestrator(fakeRisk{pause: true, reason: "losing streak: last 5 trades lost money"}).RunCycle(ctx, h.modelID)

	require.True(t, res.Success, res.Error)
	assert.True(t, res.Paused)
	assert.Zero(t, h.provider.calls)
	assert.Contains(t, h.notifier.events, "pause losing streak: last 5 trades lost money")

	values, err := h.mem.ListAccountValues(ctx, h.modelID, 10)
	require.NoError(t, err)
	assert.Len(t, values, 1)
}

func TestRunCycle_PauseIgnoredUnlessEnforced(t *testing.T) {
	h := newHarness(t)

	res := h.orchestrator(fakeRisk{pause: true, reason: "low cash"}).RunCycle(context.Background(), h.modelID)

	require.True(t, res.Success, res.Error)
	assert.False(t, res.Paused)
	assert.Equal(t, 1, h.provider.calls)
}

func TestRunCycle_ReconcileFailureFailsCycle(t *testing.T) {
	h := newHarness(t)
	h.mem.Fail["AddAccountValue"] = errors.New("disk full")

	res := h.orchestrator(fakeRisk{}).RunCycle(context.Background(), h.modelID)

	assert.False(t, res.Success)
	assert.Equal(t, StateReconcile, res.FailedAt)
}

func TestRunCycle_ReconcileSurvivesCancellation(t *testing.T) {
	h := newHarness(t)
	h.provider.decisions = map[string]ai.Decision{"ETH": {Signal: ai.SignalSellToEnter, Quantity: 1, Leverage: 1}}
	h.provider.started = make(chan struct{}, 1)
	h.provider.block = make(chan struct{})
	o := h.orchestrator(fakeRisk{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() { done <- o.RunCycle(ctx, h.modelID) }()

	<-h.provider.started
	cancel()
	close(h.provider.block)

	res := <-done
	require.True(t, res.Success, res.Error)
	values, err := h.mem.ListAccountValues(context.Background(), h.modelID, 10)
	require.NoError(t, err)
	assert.Len(t, values, 1)
}

func TestRunCycle_SerializesPerModel(t *testing.T) {
	h := newHarness(t)
	h.provider.block = make(chan struct{})
	o := h.orchestrator(fakeRisk{})

	first := make(chan *Result, 1)
	go func() { first <- o.RunCycle(context.Background(), h.modelID) }()

	require.Eventually(t, func() bool { return len(o.lock(h.modelID)) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	second := o.RunCycle(ctx, h.modelID)
	assert.False(t, second.Success)
	assert.ErrorIs(t, second.Err, context.DeadlineExceeded)

	close(h.provider.block)
	res := <-first
	assert.True(t, res.Success, res.Error)
}

func TestCloseAll_ClosesUnderModelLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.book().OpenOrAdd(ctx, "BTC", ledger.SideLong, 0.1, 48000, 5, nil, nil))
	require.NoError(t, h.book().OpenOrAdd(ctx, "ETH", ledger.SideShort, 1, 3100, 2, nil, nil))
	o := h.orchestrator(fakeRisk{})

	l := o.lock(h.modelID)
	l <- struct{}{}
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := o.CloseAll(waitCtx, h.modelID, "manual_close")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-l

	view, err := h.book().Snapshot(ctx, nil)
	require.NoError(t, err)
	require.Len(t, view.Positions, 2, "nothing closes while a cycle holds the lock")

	out, err := o.CloseAll(ctx, h.modelID, "manual_close")
	require.NoError(t, err)
	require.Len(t, out.Closed, 2)
	for _, x := range out.Closed {
		assert.True(t, x.Success, x.Error)
	}
	require.NotNil(t, out.Portfolio)
	assert.Empty(t, out.Portfolio.Positions)
	assert.InDelta(t, 200.0+100.0, out.Portfolio.RealizedPnL, 1e-9)

	values, err := h.mem.ListAccountValues(ctx, h.modelID, 10)
	require.NoError(t, err)
	assert.Len(t, values, 1)
	assert.Len(t, h.notifier.events, 2)

	_, err = o.CloseAll(ctx, 42, "manual_close")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 0))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "日本", truncate("日本語", 2))
}
