package executor

import (
	"context"
	"fmt"

	"github.com/camuig/coin-arena/internal/ledger"
)

const SignalAutoClose = "auto_close"

const (
	TriggerStopLoss   = "stop_loss"
	TriggerTakeProfit = "take_profit"
)

// ExitTrigger reports whether the position's stop or target is hit at price. The stop
// is checked first.
func ExitTrigger(p ledger.PositionView, price float64) (string, bool) {
	if price <= 0 {
		return "", false
	}
	long := p.Side == ledger.SideLong
	if sl := p.StopLoss; sl != nil && *sl > 0 {
		if (long && price <= *sl) || (!long && price >= *sl) {
			return TriggerStopLoss, true
		}
	}
	if tp := p.TakeProfit; tp != nil && *tp > 0 {
		if (long && price >= *tp) || (!long && price <= *tp) {
			return TriggerTakeProfit, true
		}
	}
	return "", false
}

// EvaluateExits closes every position whose stop-loss or take-profit is hit at the
// current prices. Positions without a price are left alone.
func (e *Executor) EvaluateExits(ctx context.Context, modelName string, book Book, view *ledger.Portfolio, prices map[string]float64) []Execution {
	var results []Execution
	for _, p := range view.Positions {
		price, ok := prices[p.Coin]
		if !ok {
			continue
		}
		trigger, hit := ExitTrigger(p, price)
		if !hit {
			continue
		}

		x := Execution{Coin: p.Coin, Signal: SignalAutoClose, Side: p.Side, Quantity: p.Quantity, Price: price, Leverage: p.Leverage}
		pnl, err := book.Close(ctx, p.Coin, p.Side, price, SignalAutoClose)
		if err != nil {
			x.fail(fmt.Errorf("auto close %s %s: %w", p.Side, p.Coin, err))
			e.logger.Error("auto close failed", "model", modelName, "coin", p.Coin, "side", p.Side, "error", err)
			results = append(results, x)
			continue
		}

		x.Success = true
		x.PnL = pnl
		x.Message = fmt.Sprintf("%s hit at $%.2f", trigger, price)
		if e.notifier != nil {
			e.notifier.NotifyClose(modelName, p.Coin, p.Side, SignalAutoClose, price, pnl)
		}
		e.logger.Info("position auto-closed",
			"model", modelName, "coin", p.Coin, "side", p.Side, "trigger", trigger, "price", price, "pnl", pnl)
		results = append(results, x)
	}
	return results
}

// CloseAll closes every position in view at the current prices with the given signal.
// Positions without a price are reported as failed and left open.
func (e *Executor) CloseAll(ctx context.Context, modelName string, book Book, view *ledger.Portfolio, prices map[string]float64, signal string) []Execution {
	results := make([]Execution, 0, len(view.Positions))
	for _, p := range view.Positions {
		x := Execution{Coin: p.Coin, Signal: signal, Side: p.Side, Quantity: p.Quantity, Leverage: p.Leverage}
		price, ok := prices[p.Coin]
		if !ok || price <= 0 {
			x.fail(&ValidationError{Coin: p.Coin, Field: "price", Reason: "no current price"})
			results = append(results, x)
			continue
		}
		x.Price = price

		pnl, err := book.Close(ctx, p.Coin, p.Side, price, signal)
		if err != nil {
			x.fail(fmt.Errorf("close %s %s: %w", p.Side, p.Coin, err))
			e.logger.Error("close failed", "model", modelName, "coin", p.Coin, "side", p.Side, "error", err)
			results = append(results, x)
			continue
		}

		x.Success = true
		x.PnL = pnl
		x.Message = fmt.Sprintf("closed %s %s @ $%.2f, pnl $%.2f", p.Side, p.Coin, price, pnl)
		if e.notifier != nil {
			e.notifier.NotifyClose(modelName, p.Coin, p.Side, signal, price, pnl)
		}
		e.logger.Info("position closed", "model", modelName, "coin", p.Coin, "side", p.Side, "signal", signal, "price", price, "pnl", pnl)
		results = append(results, x)
	}
	return results
}
