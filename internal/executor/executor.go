package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/camuig/coin-arena/internal/ai"
	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/ledger"
	"github.com/camuig/coin-arena/internal/logger"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownSignal     = errors.New("unknown signal")
)

// ValidationError rejects a single coin's decision. Err, when set, is a more specific
// sentinel such as ErrInsufficientFunds.
type ValidationError struct {
	Coin   string
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s for %s: %s", e.Field, e.Coin, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Book is the per-model ledger the executor writes to.
type Book interface {
	OpenOrAdd(ctx context.Context, coin, side string, quantity, price float64, leverage int, stopLoss, takeProfit *float64) error
	Close(ctx context.Context, coin, side string, price float64, signal string) (float64, error)
}

type Notifier interface {
	NotifyOpen(model, coin, side string, quantity, price float64, leverage int)
	NotifyClose(model, coin, side, signal string, price, pnl float64)
}

type Execution struct {
	Coin     string  `json:"coin"`
	Signal   string  `json:"signal"`
	Success  bool    `json:"success"`
	Error    string  `json:"error,omitempty"`
	Side     string  `json:"side,omitempty"`
	Quantity float64 `json:"quantity,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Leverage int     `json:"leverage,omitempty"`
	PnL      float64 `json:"pnl,omitempty"`
	Message  string  `json:"message,omitempty"`

	Err error `json:"-"`
}

func (x *Execution) fail(err error) {
	x.Success = false
	x.Err = err
	x.Error = err.Error()
}

// Request is one model's decision batch. Portfolio is the view the provider saw; its
// cash is the budget for new margin.
type Request struct {
	ModelName string
	Book      Book
	Decisions map[string]ai.Decision
	Prices    map[string]float64
	Portfolio *ledger.Portfolio
}

type Executor struct {
	notifier Notifier
	cfg      config.TradingConfig
	logger   *logger.Logger
}

func NewExecutor(notifier Notifier, cfg config.TradingConfig, log *logger.Logger) *Executor {
	return &Executor{notifier: notifier, cfg: cfg, logger: log}
}

// Execute validates and applies each coin's decision independently, in coin order. A
// rejected or panicking coin never affects the others.
func (e *Executor) Execute(ctx context.Context, req Request) []Execution {
	coins := lo.Keys(req.Decisions)
	sort.Strings(coins)

	cash := req.Portfolio.Cash
	results := make([]Execution, 0, len(coins))
	for _, coin := range coins {
		d := req.Decisions[coin]
		x := Execution{Coin: coin, Signal: string(d.Signal)}
		if d.Signal == ai.SignalUnknown {
			x.Signal = d.RawSignal
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("panic in executor", "coin", coin, "panic", fmt.Sprint(r))
					x.fail(fmt.Errorf("panic: %v", r))
				}
			}()
			cash = e.executeOne(ctx, req, coin, d, cash, &x)
		}()

		if x.Err != nil {
			e.logger.Warn("decision rejected", "model", req.ModelName, "coin", coin, "signal", x.Signal, "error", x.Err)
		}
		results = append(results, x)
	}
	return results
}

// executeOne returns the cash left after the decision.
func (e *Executor) executeOne(ctx context.Context, req Request, coin string, d ai.Decision, cash float64, x *Execution) float64 {
	if !lo.Contains(e.cfg.Coins, coin) {
		x.fail(&ValidationError{Coin: coin, Field: "coin", Reason: "unsupported coin"})
		return cash
	}

	switch d.Signal {
	case ai.SignalHold:
		x.Success = true
		x.Message = "hold"
		e.logger.Info("HOLD decision", "model", req.ModelName, "coin", coin, "justification", d.Justification)
		return cash
	case ai.SignalBuyToEnter:
		return e.open(ctx, req, coin, ledger.SideLong, d, cash, x)
	case ai.SignalSellToEnter:
		return e.open(ctx, req, coin, ledger.SideShort, d, cash, x)
	case ai.SignalClosePosition:
		return e.close(ctx, req, coin, cash, x)
	default:
		x.fail(fmt.Errorf("%w %q for %s", ErrUnknownSignal, d.RawSignal, coin))
		return cash
	}
}

func (e *Executor) validateEntry(coin string, d ai.Decision) (int, error) {
	q := d.Quantity
	if math.IsNaN(q) || math.IsInf(q, 0) || q <= 0 {
		return 0, &ValidationError{Coin: coin, Field: "quantity", Reason: fmt.Sprintf("%v must be a positive number", q)}
	}
	if q > e.cfg.MaxQuantity {
		return 0, &ValidationError{Coin: coin, Field: "quantity", Reason: fmt.Sprintf("%v exceeds maximum %v", q, e.cfg.MaxQuantity)}
	}

	lev := d.Leverage
	if math.IsNaN(lev) || lev != math.Trunc(lev) {
		return 0, &ValidationError{Coin: coin, Field: "leverage", Reason: fmt.Sprintf("%v is not an integer", lev)}
	}
	if lev < float64(e.cfg.MinLeverage) || lev > float64(e.cfg.MaxLeverage) {
		return 0, &ValidationError{
			Coin:   coin,
			Field:  "leverage",
			Reason: fmt.Sprintf("%v outside [%d, %d]", lev, e.cfg.MinLeverage, e.cfg.MaxLeverage),
		}
	}
	return int(lev), nil
}

func (e *Executor) open(ctx context.Context, req Request, coin, side string, d ai.Decision, cash float64, x *Execution) float64 {
	leverage, err := e.validateEntry(coin, d)
	if err != nil {
		x.fail(err)
		return cash
	}

	price, ok := req.Prices[coin]
	if !ok || price <= 0 {
		x.fail(&ValidationError{Coin: coin, Field: "price", Reason: "no market price this cycle"})
		return cash
	}

	margin := d.Quantity * price / float64(leverage)
	if margin > cash {
		x.fail(&ValidationError{
			Coin:   coin,
			Field:  "margin",
			Reason: fmt.Sprintf("required %.2f exceeds available cash %.2f", margin, cash),
			Err:    ErrInsufficientFunds,
		})
		return cash
	}

	if err := req.Book.OpenOrAdd(ctx, coin, side, d.Quantity, price, leverage, d.StopLoss, d.ProfitTarget); err != nil {
		x.fail(fmt.Errorf("open position: %w", err))
		return cash
	}

	x.Success = true
	x.Side = side
	x.Quantity = d.Quantity
	x.Price = price
	x.Leverage = leverage
	x.Message = fmt.Sprintf("opened %s %.4f %s @ $%.2f", side, d.Quantity, coin, price)

	if e.notifier != nil {
		e.notifier.NotifyOpen(req.ModelName, coin, side, d.Quantity, price, leverage)
	}
	e.logger.Info("position opened",
		"model", req.ModelName, "coin", coin, "side", side,
		"quantity", d.Quantity, "price", price, "leverage", leverage, "margin", margin)
	return cash - margin
}

func (e *Executor) close(ctx context.Context, req Request, coin string, cash float64, x *Execution) float64 {
	pos, ok := req.Portfolio.Position(coin)
	if !ok {
		x.fail(fmt.Errorf("close %s: position %w", coin, ledger.ErrNotFound))
		return cash
	}
	price, ok := req.Prices[coin]
	if !ok || price <= 0 {
		x.fail(&ValidationError{Coin: coin, Field: "price", Reason: "no market price this cycle"})
		return cash
	}

	pnl, err := req.Book.Close(ctx, coin, pos.Side, price, string(ai.SignalClosePosition))
	if err != nil {
		x.fail(fmt.Errorf("close position: %w", err))
		return cash
	}

	x.Success = true
	x.Side = pos.Side
	x.Quantity = pos.Quantity
	x.Price = price
	x.Leverage = pos.Leverage
	x.PnL = pnl
	x.Message = fmt.Sprintf("closed %s %s, pnl $%.2f", pos.Side, coin, pnl)

	if e.notifier != nil {
		e.notifier.NotifyClose(req.ModelName, coin, pos.Side, string(ai.SignalClosePosition), price, pnl)
	}
	e.logger.Info("position closed",
		"model", req.ModelName, "coin", coin, "side", pos.Side, "price", price, "pnl", pnl)
	return cash + pos.Margin + pnl
}
