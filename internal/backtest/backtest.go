// Package backtest replays a decision provider over historical closes on a scratch ledger.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/camuig/coin-arena/internal/ai"
	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/executor"
	"github.com/camuig/coin-arena/internal/indicator"
	"github.com/camuig/coin-arena/internal/ledger"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/market"
	"github.com/camuig/coin-arena/internal/risk"
	"github.com/camuig/coin-arena/internal/storage"
)

var (
	ErrInvalidRequest = errors.New("invalid backtest request")
	ErrNoHistory      = errors.New("not enough price history")
)

type History interface {
	GetHistoricalPrices(ctx context.Context, coin string, days int) []market.PricePoint
}

type DecisionProvider interface {
	Decide(ctx context.Context, model *storage.Model, market ai.MarketState, portfolio *ledger.Portfolio, account ai.AccountInfo) (map[string]ai.Decision, string)
}

type Request struct {
	// Model supplies the provider settings and system prompt; its ID is ignored.
	Model          *storage.Model
	Coins          []string
	Days           int
	InitialCapital float64
}

type Fill struct {
	Time time.Time `json:"time"`
	executor.Execution
}

type Point struct {
	Time       time.Time `json:"time"`
	TotalValue float64   `json:"total_value"`
	Cash       float64   `json:"cash"`
	Positions  int       `json:"positions"`
}

type Result struct {
	ID             string      `json:"id"`
	ModelName      string      `json:"model_name"`
	Coins          []string    `json:"coins"`
	Days           int         `json:"days"`
	Steps          int         `json:"steps"`
	StartTime      time.Time   `json:"start_time"`
	EndTime        time.Time   `json:"end_time"`
	InitialCapital float64     `json:"initial_capital"`
	FinalValue     float64     `json:"final_value"`
	TotalReturn    float64     `json:"total_return"`
	Fills          []Fill      `json:"trades"`
	Values         []Point     `json:"daily_values"`
	Performance    risk.Report `json:"performance"`
}

type Backtester struct {
	history  History
	provider DecisionProvider
	cfg      *config.Config
	logger   *logger.Logger
	sem      chan struct{}
}

func NewBacktester(history History, provider DecisionProvider, cfg *config.Config, log *logger.Logger) *Backtester {
	return &Backtester{
		history:  history,
		provider: provider,
		cfg:      cfg,
		logger:   log,
		sem:      make(chan struct{}, max(cfg.Backtest.MaxConcurrent, 1)),
	}
}

func (b *Backtester) normalize(req Request) (Request, error) {
	if req.Model == nil {
		return req, fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if req.Days == 0 {
		req.Days = b.cfg.Backtest.DefaultDays
	}
	if req.Days < 1 || req.Days > b.cfg.Backtest.MaxDays {
		return req, fmt.Errorf("%w: days must be within [1, %d]", ErrInvalidRequest, b.cfg.Backtest.MaxDays)
	}
	if len(req.Coins) == 0 {
		req.Coins = b.cfg.Trading.Coins
	}
	req.Coins = lo.Uniq(req.Coins)
	for _, c := range req.Coins {
		if !b.cfg.IsSupported(c) {
			return req, fmt.Errorf("%w: unsupported coin %q", ErrInvalidRequest, c)
		}
	}
	if req.InitialCapital == 0 {
		req.InitialCapital = b.cfg.Trading.InitialCapital
	}
	if req.InitialCapital < 0 || math.IsNaN(req.InitialCapital) || math.IsInf(req.InitialCapital, 0) {
		return req, fmt.Errorf("%w: initial capital must be positive", ErrInvalidRequest)
	}
	return req, nil
}

// Run replays one decision per historical step. Runs beyond the configured concurrency
// wait for a slot.
func (b *Backtester) Run(ctx context.Context, req Request) (*Result, error) {
	req, err := b.normalize(req)
	if err != nil {
		return nil, err
	}

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for backtest slot: %w", ctx.Err())
	}
	defer func() { <-b.sem }()

	series, err := b.loadSeries(ctx, req.Coins, req.Days)
	if err != nil {
		return nil, err
	}

	res := &Result{
		ID:             uuid.NewString(),
		ModelName:      req.Model.Name,
		Coins:          slices.Sorted(maps.Keys(series)),
		Days:           req.Days,
		InitialCapital: req.InitialCapital,
	}
	log := b.logger.With("backtest_id", res.ID, "model", req.Model.Name)
	log.Info("backtest started", "coins", len(series), "days", req.Days)

	db, err := storage.NewMemoryDatabase("backtest-" + res.ID)
	if err != nil {
		return nil, fmt.Errorf("open scratch ledger: %w", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	repo := storage.NewRepository(db)

	if err := b.replay(ctx, repo, req, series, res); err != nil {
		log.Error("backtest failed", "steps", res.Steps, "error", err)
		return nil, err
	}
	log.Info("backtest finished", "steps", res.Steps, "fills", len(res.Fills), "total_return", res.TotalReturn)
	return res, nil
}

// loadSeries fetches every coin's closes and trims them to a common tail, so index i is the
// same step for all coins. Coins without enough history are dropped.
func (b *Backtester) loadSeries(ctx context.Context, coins []string, days int) (map[string][]market.PricePoint, error) {
	var mu sync.Mutex
	series := make(map[string][]market.PricePoint, len(coins))
	g, gctx := errgroup.WithContext(ctx)
	for _, coin := range coins {
		g.Go(func() error {
			points := b.history.GetHistoricalPrices(gctx, coin, days)
			if len(points) <= b.cfg.Backtest.Warmup {
				b.logger.Warn("skipping coin without enough history", "coin", coin, "points", len(points))
				return nil
			}
			mu.Lock()
			series[coin] = points
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(series) == 0 {
		return nil, ErrNoHistory
	}

	n := lo.Min(lo.MapToSlice(series, func(_ string, p []market.PricePoint) int { return len(p) }))
	for coin, points := range series {
		series[coin] = points[len(points)-n:]
	}
	return series, nil
}

func (b *Backtester) replay(ctx context.Context, repo *storage.Repository, req Request, series map[string][]market.PricePoint, res *Result) error {
	model := &storage.Model{Name: req.Model.Name, InitialCapital: req.InitialCapital}
	if err := repo.CreateModel(ctx, model); err != nil {
		return fmt.Errorf("create scratch model: %w", err)
	}
	book := ledger.New(repo, model.ID)
	exec := executor.NewExecutor(nil, b.cfg.Trading, b.logger)

	clock := series[res.Coins[0]]
	for i := b.cfg.Backtest.Warmup; i < len(clock); i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("backtest cancelled at step %d: %w", res.Steps, err)
		}
		at := time.UnixMilli(clock[i].Timestamp).UTC()
		if res.Steps == 0 {
			res.StartTime = at
		}
		res.EndTime = at

		state := b.marketAt(series, i)
		prices := state.Prices()

		view, err := book.Snapshot(ctx, prices)
		if err != nil {
			return fmt.Errorf("snapshot at step %d: %w", res.Steps, err)
		}
		exits := exec.EvaluateExits(ctx, model.Name, book, view, prices)
		if len(exits) > 0 {
			if view, err = book.Snapshot(ctx, prices); err != nil {
				return fmt.Errorf("snapshot after exits: %w", err)
			}
		}

		account := ai.AccountInfo{
			CurrentTime:    at.Format("2006-01-02 15:04:05"),
			InitialCapital: req.InitialCapital,
			TotalReturn:    (view.TotalValue - req.InitialCapital) / req.InitialCapital * 100,
		}
		decisions, _ := b.provider.Decide(ctx, req.Model, state, view, account)
		executions := exec.Execute(ctx, executor.Request{
			ModelName: model.Name,
			Book:      book,
			Decisions: decisions,
			Prices:    prices,
			Portfolio: view,
		})

		for _, x := range append(exits, executions...) {
			if x.Success && x.Signal != string(ai.SignalHold) {
				res.Fills = append(res.Fills, Fill{Time: at, Execution: x})
			}
		}

		final, err := book.Snapshot(ctx, prices)
		if err != nil {
			return fmt.Errorf("snapshot at step %d: %w", res.Steps, err)
		}
		// Stamped with the replayed time so the monthly breakdown follows the history.
		if err := repo.AddAccountValue(ctx, &storage.AccountValue{
			ModelID:        model.ID,
			CreatedAt:      at,
			TotalValue:     final.TotalValue,
			Cash:           final.Cash,
			PositionsValue: final.PositionsValue,
		}); err != nil {
			return fmt.Errorf("record account value: %w", err)
		}
		res.Values = append(res.Values, Point{Time: at, TotalValue: final.TotalValue, Cash: final.Cash, Positions: len(final.Positions)})
		res.Steps++
	}

	if res.Steps == 0 {
		return ErrNoHistory
	}
	res.FinalValue = res.Values[len(res.Values)-1].TotalValue
	res.TotalReturn = (res.FinalValue - req.InitialCapital) / req.InitialCapital * 100

	trades, err := repo.ListTrades(ctx, model.ID, math.MaxInt32)
	if err != nil {
		return fmt.Errorf("list trades: %w", err)
	}
	values, err := repo.ListAccountValues(ctx, model.ID, res.Steps)
	if err != nil {
		return fmt.Errorf("list account values: %w", err)
	}
	res.Performance = risk.Analyze(trades, values, req.InitialCapital)
	return nil
}

// marketAt builds the market state a live cycle would have seen at step i.
func (b *Backtester) marketAt(series map[string][]market.PricePoint, i int) ai.MarketState {
	state := make(ai.MarketState, len(series))
	for coin, points := range series {
		closes := lo.Map(points[:i+1], func(p market.PricePoint, _ int) float64 { return p.Price })
		cm := ai.CoinMarket{Price: closes[i], Indicators: indicator.Calculate(closes, b.cfg.Indicators.MACDSignal)}
		if i > 0 && closes[i-1] > 0 {
			cm.Change24h = (closes[i] - closes[i-1]) / closes[i-1] * 100
		}
		state[coin] = cm
	}
	return state
}
