// Package engine runs one trading cycle for one model:
// FetchMarket → EvaluateExits → RequestDecision → ValidateAndExecute → Reconcile.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/camuig/coin-arena/internal/ai"
	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/executor"
	"github.com/camuig/coin-arena/internal/indicator"
	"github.com/camuig/coin-arena/internal/ledger"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/market"
	"github.com/camuig/coin-arena/internal/storage"
)

// ErrCycleFatal wraps whatever stopped a cycle before per-coin work.
var ErrCycleFatal = errors.New("cycle failed")

var (
	ErrInsufficientFunds = executor.ErrInsufficientFunds
	ErrUnknownSignal     = executor.ErrUnknownSignal
	ErrDecisionProvider  = ai.ErrDecisionProvider
)

type ValidationError = executor.ValidationError

type State string

const (
	StateFetchMarket      State = "fetch_market"
	StateEvaluateExits    State = "evaluate_exits"
	StateRequestDecision  State = "request_decision"
	StateValidateExecute  State = "validate_and_execute"
	StateReconcile        State = "reconcile"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

type MarketData interface {
	GetCurrentPrices(ctx context.Context, coins []string) map[string]market.Quote
}

type Indicators interface {
	Compute(ctx context.Context, coin string) *indicator.Set
}

type DecisionProvider interface {
	Decide(ctx context.Context, model *storage.Model, market ai.MarketState, portfolio *ledger.Portfolio, account ai.AccountInfo) (map[string]ai.Decision, string)
}

type RiskGate interface {
	ShouldPause(ctx context.Context, modelID uint, view *ledger.Portfolio) (bool, string)
}

type Store interface {
	ledger.Store
	AddConversation(ctx context.Context, c *storage.Conversation) error
}

type Notifier interface {
	executor.Notifier
	NotifyPause(model, reason string)
	NotifyError(context string, err error)
}

type Result struct {
	CycleID     string                 `json:"cycle_id"`
	ModelID     uint                   `json:"model_id"`
	State       State                  `json:"state"`
	FailedAt    State                  `json:"failed_at,omitempty"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Paused      bool                   `json:"paused"`
	PauseReason string                 `json:"pause_reason,omitempty"`
	Decisions   map[string]ai.Decision `json:"decisions"`
	Exits       []executor.Execution   `json:"exits"`
	Executions  []executor.Execution   `json:"executions"`
	Portfolio   *ledger.Portfolio      `json:"portfolio,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	Duration    time.Duration          `json:"duration"`

	Err error `json:"-"`
}

func (r *Result) fail(stage State, err error) {
	r.State = StateFailed
	r.FailedAt = stage
	r.Success = false
	r.Err = fmt.Errorf("%w: %s: %w", ErrCycleFatal, stage, err)
	r.Error = r.Err.Error()
}

type Orchestrator struct {
	store      Store
	market     MarketData
	indicators Indicators
	provider   DecisionProvider
	risk       RiskGate
	executor   *executor.Executor
	notifier   Notifier
	cfg        *config.Config
	logger     *logger.Logger
	now        func() time.Time

	mu    sync.Mutex
	locks map[uint]chan struct{}
}

func NewOrchestrator(
	store Store,
	marketData MarketData,
	indicators Indicators,
	provider DecisionProvider,
	risk RiskGate,
	exec *executor.Executor,
	notifier Notifier,
	cfg *config.Config,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:      store,
		market:     marketData,
		indicators: indicators,
		provider:   provider,
		risk:       risk,
		executor:   exec,
		notifier:   notifier,
		cfg:        cfg,
		logger:     log,
		now:        time.Now,
		locks:      make(map[uint]chan struct{}),
	}
}

// lock returns the model's single-slot semaphore.
func (o *Orchestrator) lock(modelID uint) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[modelID]
	if !ok {
		l = make(chan struct{}, 1)
		o.locks[modelID] = l
	}
	return l
}

// RunCycle executes one full cycle for the model. Cycles of the same model are
// serialized; different models run independently. The result is never nil.
func (o *Orchestrator) RunCycle(ctx context.Context, modelID uint) (res *Result) {
	res = &Result{
		CycleID:   uuid.NewString(),
		ModelID:   modelID,
		State:     StateFetchMarket,
		Decisions: map[string]ai.Decision{},
		StartedAt: o.now(),
	}
	log := o.logger.With("model_id", modelID, "cycle_id", res.CycleID)

	l := o.lock(modelID)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		res.fail(StateFetchMarket, fmt.Errorf("wait for model lock: %w", ctx.Err()))
		return res
	}
	defer func() { <-l }()

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in trading cycle", "state", res.State, "panic", fmt.Sprint(r))
			res.fail(res.State, fmt.Errorf("panic: %v", r))
			o.notifyError(modelID, res.Err)
		}
		res.Duration = o.now().Sub(res.StartedAt)
	}()

	o.run(ctx, res, log)
	if res.Err != nil {
		log.Error("trading cycle failed", "state", res.FailedAt, "error", res.Err)
		o.notifyError(modelID, res.Err)
	} else {
		log.Info("trading cycle completed",
			"decisions", len(res.Decisions), "executions", len(res.Executions), "exits", len(res.Exits), "paused", res.Paused)
	}
	return res
}

func (o *Orchestrator) run(ctx context.Context, res *Result, log *logger.Logger) {
	// Writes must not be torn by shutdown once they start.
	writeCtx := context.WithoutCancel(ctx)

	model, err := o.store.GetModel(ctx, res.ModelID)
	if err != nil {
		res.fail(StateFetchMarket, fmt.Errorf("get model: %w", err))
		return
	}
	book := ledger.New(o.store, model.ID)

	state, err := o.fetchMarket(ctx)
	if err != nil {
		res.fail(StateFetchMarket, err)
		return
	}
	prices := state.Prices()

	res.State = StateEvaluateExits
	view, err := book.Snapshot(ctx, prices)
	if err != nil {
		res.fail(StateEvaluateExits, fmt.Errorf("snapshot portfolio: %w", err))
		return
	}
	res.Exits = o.executor.EvaluateExits(writeCtx, model.Name, book, view, prices)
	if len(res.Exits) > 0 {
		if view, err = book.Snapshot(writeCtx, prices); err != nil {
			res.fail(StateEvaluateExits, fmt.Errorf("snapshot after exits: %w", err))
			return
		}
	}

	if o.cfg.Risk.EnforcePause {
		if pause, reason := o.risk.ShouldPause(ctx, model.ID, view); pause {
			res.Paused = true
			res.PauseReason = reason
			log.Warn("trading paused by risk manager", "reason", reason)
			if o.notifier != nil {
				o.notifier.NotifyPause(model.Name, reason)
			}
		}
	}

	if !res.Paused {
		res.State = StateRequestDecision
		account := ai.AccountInfo{
			CurrentTime:    o.now().Format("2006-01-02 15:04:05"),
			InitialCapital: view.InitialCapital,
		}
		if view.InitialCapital > 0 {
			account.TotalReturn = (view.TotalValue - view.InitialCapital) / view.InitialCapital * 100
		}

		decisions, raw := o.provider.Decide(ctx, model, state, view, account)
		res.Decisions = decisions
		if len(decisions) > 0 {
			o.saveConversation(writeCtx, res.CycleID, model.ID, state, view, decisions, raw, log)
		} else {
			log.Warn("AI returned empty decision, skipping conversation storage", "raw_preview", truncate(raw, 200))
		}

		res.State = StateValidateExecute
		res.Executions = o.executor.Execute(writeCtx, executor.Request{
			ModelName: model.Name,
			Book:      book,
			Decisions: decisions,
			Prices:    prices,
			Portfolio: view,
		})
	}

	res.State = StateReconcile
	final, err := o.reconcile(writeCtx, book, prices)
	if err != nil {
		res.fail(StateReconcile, err)
		return
	}
	res.Portfolio = final
	res.State = StateDone
	res.Success = true
}

// Liquidation is the outcome of closing every position of one model.
type Liquidation struct {
	ModelID   uint                 `json:"model_id"`
	Closed    []executor.Execution `json:"closed"`
	Portfolio *ledger.Portfolio    `json:"portfolio,omitempty"`
}

// CloseAll closes every open position of the model at current prices and records a
// snapshot. It holds the model's lock, so it never interleaves with a cycle.
func (o *Orchestrator) CloseAll(ctx context.Context, modelID uint, signal string) (*Liquidation, error) {
	l := o.lock(modelID)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for model lock: %w", ctx.Err())
	}
	defer func() { <-l }()

	model, err := o.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	book := ledger.New(o.store, model.ID)

	prices := make(map[string]float64)
	for coin, q := range o.market.GetCurrentPrices(ctx, o.cfg.Trading.Coins) {
		if q.Price > 0 {
			prices[coin] = q.Price
		}
	}
	view, err := book.Snapshot(ctx, prices)
	if err != nil {
		return nil, fmt.Errorf("snapshot portfolio: %w", err)
	}

	writeCtx := context.WithoutCancel(ctx)
	out := &Liquidation{ModelID: model.ID}
	out.Closed = o.executor.CloseAll(writeCtx, model.Name, book, view, prices, signal)
	if out.Portfolio, err = o.reconcile(writeCtx, book, prices); err != nil {
		return out, err
	}
	o.logger.Info("positions liquidated", "model_id", model.ID, "positions", len(out.Closed), "signal", signal)
	return out, nil
}

// fetchMarket prices every configured coin and computes indicators for the priced ones.
func (o *Orchestrator) fetchMarket(ctx context.Context) (ai.MarketState, error) {
	quotes := o.market.GetCurrentPrices(ctx, o.cfg.Trading.Coins)
	if len(quotes) == 0 {
		return nil, errors.New("no market data")
	}

	var mu sync.Mutex
	state := make(ai.MarketState, len(quotes))
	g, gctx := errgroup.WithContext(ctx)
	for coin, q := range quotes {
		if q.Price <= 0 {
			continue
		}
		g.Go(func() error {
			set := o.indicators.Compute(gctx, coin)
			mu.Lock()
			state[coin] = ai.CoinMarket{Price: q.Price, Change24h: q.Change24h, Indicators: set}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute indicators: %w", err)
	}
	if len(state) == 0 {
		return nil, errors.New("no market data")
	}
	return state, nil
}

func (o *Orchestrator) reconcile(ctx context.Context, book *ledger.Ledger, prices map[string]float64) (*ledger.Portfolio, error) {
	view, err := book.Snapshot(ctx, prices)
	if err != nil {
		return nil, fmt.Errorf("snapshot portfolio: %w", err)
	}
	if err := book.RecordSnapshot(ctx, view.TotalValue, view.Cash, view.PositionsValue); err != nil {
		return view, fmt.Errorf("record account value: %w", err)
	}
	return view, nil
}

func (o *Orchestrator) saveConversation(ctx context.Context, cycleID string, modelID uint, state ai.MarketState, view *ledger.Portfolio, decisions map[string]ai.Decision, raw string, log *logger.Logger) {
	c := &storage.Conversation{
		ModelID:    modelID,
		CycleID:    cycleID,
		UserPrompt: fmt.Sprintf("Market State: %d coins, Portfolio: %d positions", len(state), len(view.Positions)),
		AIResponse: ai.DecisionsJSON(decisions),
		CoTTrace:   truncate(raw, o.cfg.Trading.TraceLimit),
	}
	if err := o.store.AddConversation(ctx, c); err != nil {
		log.Error("save conversation", "error", err)
		return
	}
	log.Info("AI decision stored", "coins", len(decisions))
}

func (o *Orchestrator) notifyError(modelID uint, err error) {
	if o.notifier != nil {
		o.notifier.NotifyError(fmt.Sprintf("model %d", modelID), err)
	}
}

// truncate cuts s to at most n runes; n <= 0 means no limit.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
