// Package ledger turns trade intents into position, trade and account-value rows for
// one model and derives the portfolio view from them.
//
// The view obeys:
//
//	margin_used = Σ quantity·avg_price/leverage
//	cash        = initial_capital + realized_pnl − margin_used
//	total_value = initial_capital + realized_pnl + unrealized_pnl
//
// Realized P&L is always summed from the trade log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camuig/coin-arena/internal/storage"
)

const (
	SideLong  = "long"
	SideShort = "short"
)

// Opening trades are logged under the entry signal of their side.
const (
	SignalBuyToEnter  = "buy_to_enter"
	SignalSellToEnter = "sell_to_enter"
)

func entrySignal(side string) string {
	if side == SideShort {
		return SignalSellToEnter
	}
	return SignalBuyToEnter
}

// ErrNotFound is returned when the model or position does not exist.
var ErrNotFound = storage.ErrNotFound

// Store is the persistence the ledger needs.
type Store interface {
	GetModel(ctx context.Context, id uint) (*storage.Model, error)
	ListPositions(ctx context.Context, modelID uint) ([]storage.Position, error)
	GetPosition(ctx context.Context, modelID uint, coin, side string) (*storage.Position, error)
	UpsertPosition(ctx context.Context, p *storage.Position) error
	DeletePosition(ctx context.Context, modelID uint, coin, side string) error
	AddTrade(ctx context.Context, t *storage.Trade) error
	SumRealizedPnL(ctx context.Context, modelID uint) (float64, error)
	AddAccountValue(ctx context.Context, v *storage.AccountValue) error
	Transact(ctx context.Context, fn func(storage.Writer) error) error
}

type PositionView struct {
	Coin         string    `json:"coin"`
	Side         string    `json:"side"`
	Quantity     float64   `json:"quantity"`
	AvgPrice     float64   `json:"avg_price"`
	Leverage     int       `json:"leverage"`
	StopLoss     *float64  `json:"stop_loss"`
	TakeProfit   *float64  `json:"take_profit"`
	CurrentPrice *float64  `json:"current_price"`
	PnL          float64   `json:"pnl"`
	Margin       float64   `json:"margin"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Portfolio struct {
	ModelID        uint           `json:"model_id"`
	InitialCapital float64        `json:"initial_capital"`
	Cash           float64        `json:"cash"`
	PositionsValue float64        `json:"positions_value"`
	MarginUsed     float64        `json:"margin_used"`
	TotalValue     float64        `json:"total_value"`
	RealizedPnL    float64        `json:"realized_pnl"`
	UnrealizedPnL  float64        `json:"unrealized_pnl"`
	Positions      []PositionView `json:"positions"`
}

// Position returns the open position for coin, if any. A model holds at most one side per
// coin in practice; long is preferred when both exist.
func (p *Portfolio) Position(coin string) (PositionView, bool) {
	var found *PositionView
	for i := range p.Positions {
		if p.Positions[i].Coin != coin {
			continue
		}
		if found == nil || p.Positions[i].Side == SideLong {
			found = &p.Positions[i]
		}
	}
	if found == nil {
		return PositionView{}, false
	}
	return *found, true
}

// Sign is +1 for long and −1 for short.
func Sign(side string) float64 {
	if side == SideShort {
		return -1
	}
	return 1
}

func ValidSide(side string) bool {
	return side == SideLong || side == SideShort
}

// PnL is the signed profit of moving quantity from entry to exit.
func PnL(side string, entry, exit, quantity float64) float64 {
	return Sign(side) * (exit - entry) * quantity
}

type Ledger struct {
	store   Store
	modelID uint
}

func New(store Store, modelID uint) *Ledger {
	return &Ledger{store: store, modelID: modelID}
}

func (l *Ledger) ModelID() uint { return l.modelID }

// Snapshot builds the portfolio view at prices. Positions without a price report a nil
// current price and add nothing to unrealized P&L.
func (l *Ledger) Snapshot(ctx context.Context, prices map[string]float64) (*Portfolio, error) {
	model, err := l.store.GetModel(ctx, l.modelID)
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	positions, err := l.store.ListPositions(ctx, l.modelID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	realized, err := l.store.SumRealizedPnL(ctx, l.modelID)
	if err != nil {
		return nil, fmt.Errorf("sum realized pnl: %w", err)
	}

	view := &Portfolio{
		ModelID:        l.modelID,
		InitialCapital: model.InitialCapital,
		RealizedPnL:    realized,
		Positions:      make([]PositionView, 0, len(positions)),
	}
	for _, p := range positions {
		pv := PositionView{
			Coin:       p.Coin,
			Side:       p.Side,
			Quantity:   p.Quantity,
			AvgPrice:   p.AvgPrice,
			Leverage:   p.Leverage,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
			Margin:     margin(p.Quantity, p.AvgPrice, p.Leverage),
			UpdatedAt:  p.UpdatedAt,
		}
		if price, ok := prices[p.Coin]; ok && price > 0 {
			cur := price
			pv.CurrentPrice = &cur
			pv.PnL = PnL(p.Side, p.AvgPrice, price, p.Quantity)
			view.UnrealizedPnL += pv.PnL
		}
		view.MarginUsed += pv.Margin
		view.PositionsValue += p.Quantity * p.AvgPrice
		view.Positions = append(view.Positions, pv)
	}

	view.Cash = view.InitialCapital + view.RealizedPnL - view.MarginUsed
	view.TotalValue = view.InitialCapital + view.RealizedPnL + view.UnrealizedPnL
	return view, nil
}

func margin(quantity, price float64, leverage int) float64 {
	if leverage < 1 {
		leverage = 1
	}
	return quantity * price / float64(leverage)
}

// OpenOrAdd writes the position for (coin, side) and logs the opening trade with zero
// pnl in the same transaction. An existing row is replaced outright; its cost basis is
// not blended with the new entry.
func (l *Ledger) OpenOrAdd(ctx context.Context, coin, side string, quantity, price float64, leverage int, stopLoss, takeProfit *float64) error {
	if !ValidSide(side) {
		return fmt.Errorf("invalid side %q", side)
	}
	if quantity <= 0 || price <= 0 || leverage < 1 {
		return fmt.Errorf("invalid position %s %s: quantity=%v price=%v leverage=%d", coin, side, quantity, price, leverage)
	}
	if _, err := l.store.GetModel(ctx, l.modelID); err != nil {
		return fmt.Errorf("get model: %w", err)
	}

	pos := &storage.Position{
		ModelID:    l.modelID,
		Coin:       coin,
		Side:       side,
		Quantity:   quantity,
		AvgPrice:   price,
		Leverage:   leverage,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}
	trade := &storage.Trade{
		ModelID:  l.modelID,
		Coin:     coin,
		Signal:   entrySignal(side),
		Quantity: quantity,
		Price:    price,
		Leverage: leverage,
		Side:     side,
	}
	return l.store.Transact(ctx, func(w storage.Writer) error {
		if err := w.UpsertPosition(ctx, pos); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
		if err := w.AddTrade(ctx, trade); err != nil {
			return fmt.Errorf("record opening trade: %w", err)
		}
		return nil
	})
}

// Close realizes the position at price, deletes it and appends the closing trade under
// signal. Both writes commit together, so realized P&L is never lost.
func (l *Ledger) Close(ctx context.Context, coin, side string, price float64, signal string) (float64, error) {
	pos, err := l.store.GetPosition(ctx, l.modelID, coin, side)
	if err != nil {
		return 0, fmt.Errorf("get position: %w", err)
	}

	pnl := PnL(side, pos.AvgPrice, price, pos.Quantity)
	trade := &storage.Trade{
		ModelID:  l.modelID,
		Coin:     coin,
		Signal:   signal,
		Quantity: pos.Quantity,
		Price:    price,
		Leverage: pos.Leverage,
		Side:     side,
		PnL:      pnl,
	}
	err = l.store.Transact(ctx, func(w storage.Writer) error {
		if err := w.DeletePosition(ctx, l.modelID, coin, side); err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
		if err := w.AddTrade(ctx, trade); err != nil {
			return fmt.Errorf("record closing trade: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pnl, nil
}

func (l *Ledger) RecordTrade(ctx context.Context, t storage.Trade) error {
	t.ID = 0
	t.ModelID = l.modelID
	if err := l.store.AddTrade(ctx, &t); err != nil {
		return fmt.Errorf("add trade: %w", err)
	}
	return nil
}

func (l *Ledger) RecordSnapshot(ctx context.Context, totalValue, cash, positionsValue float64) error {
	v := &storage.AccountValue{
		ModelID:        l.modelID,
		TotalValue:     totalValue,
		Cash:           cash,
		PositionsValue: positionsValue,
	}
	if err := l.store.AddAccountValue(ctx, v); err != nil {
		return fmt.Errorf("add account value: %w", err)
	}
	return nil
}

// IsNotFound reports whether err means a missing model or position.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
