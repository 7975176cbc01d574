package risk

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/ledger"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/storage"
)

const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// Pause reasons, used as the prefix of ShouldPause messages.
const (
	ReasonCriticalDrawdown = "critical drawdown"
	ReasonLosingStreak     = "losing streak"
	ReasonLowCash          = "low cash"
)

// History is the read side of the store the manager depends on. Both methods return
// newest first.
type History interface {
	ListAccountValues(ctx context.Context, modelID uint, limit int) ([]storage.AccountValue, error)
	ListTrades(ctx context.Context, modelID uint, limit int) ([]storage.Trade, error)
}

type Assessment struct {
	Score       int      `json:"score"`
	Level       string   `json:"level"`
	Warnings    []string `json:"warnings"`
	MaxDrawdown float64  `json:"max_drawdown"`
}

type Metrics struct {
	Assessment
	ShouldPause bool   `json:"should_pause"`
	PauseReason string `json:"pause_reason"`
}

type SizeCheck struct {
	Allowed           bool    `json:"allowed"`
	Reason            string  `json:"reason"`
	SuggestedQuantity float64 `json:"suggested_quantity"`
}

// Manager scores exposure and decides when a model should stop trading. It never
// mutates state.
type Manager struct {
	history History
	cfg     config.RiskConfig
	logger  *logger.Logger
}

func NewManager(history History, cfg config.RiskConfig, log *logger.Logger) *Manager {
	return &Manager{history: history, cfg: cfg, logger: log}
}

func (m *Manager) Score(ctx context.Context, view *ledger.Portfolio) Assessment {
	a := Assessment{Warnings: []string{}}

	if view.TotalValue > 0 {
		for _, p := range view.Positions {
			ratio := p.Quantity * p.AvgPrice / view.TotalValue
			if ratio > m.cfg.MaxPositionRatio {
				a.Score += 30
				a.Warnings = append(a.Warnings, fmt.Sprintf("%s position is %.1f%% of account value", p.Coin, ratio*100))
				break
			}
		}
	}

	if n := len(view.Positions); n > 0 {
		avgLev := lo.SumBy(view.Positions, func(p ledger.PositionView) float64 { return float64(p.Leverage) }) / float64(n)
		if avgLev > m.cfg.MaxAvgLeverage {
			a.Score += 25
			a.Warnings = append(a.Warnings, fmt.Sprintf("average leverage %.1fx is too high", avgLev))
		}
		if n > m.cfg.MaxPositions {
			a.Score += 15
			a.Warnings = append(a.Warnings, fmt.Sprintf("%d open positions", n))
		}
	}

	if view.UnrealizedPnL < 0 && view.TotalValue > 0 {
		lossRatio := -view.UnrealizedPnL / view.TotalValue
		if lossRatio > m.cfg.MaxUnrealizedLoss {
			a.Score += 20
			a.Warnings = append(a.Warnings, fmt.Sprintf("unrealized loss is %.1f%% of account value", lossRatio*100))
		}
	}

	a.MaxDrawdown = m.drawdown(ctx, view.ModelID)
	if a.MaxDrawdown > m.cfg.DrawdownWarning {
		a.Score += 30
		a.Warnings = append(a.Warnings, fmt.Sprintf("max drawdown %.1f%%", a.MaxDrawdown*100))
	}

	a.Score = min(a.Score, 100)
	switch {
	case a.Score >= 70:
		a.Level = LevelHigh
	case a.Score >= 40:
		a.Level = LevelMedium
	default:
		a.Level = LevelLow
	}
	return a
}

// drawdown reads the model's account-value history; a read failure counts as no drawdown.
func (m *Manager) drawdown(ctx context.Context, modelID uint) float64 {
	history, err := m.history.ListAccountValues(ctx, modelID, m.cfg.HistoryLimit)
	if err != nil {
		m.logger.Warn("load account value history", "model_id", modelID, "error", err)
		return 0
	}
	values := make([]float64, len(history))
	for i, h := range history {
		values[len(history)-1-i] = h.TotalValue
	}
	return MaxDrawdown(values)
}

// MaxDrawdown expects values ordered oldest to newest.
func MaxDrawdown(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	peak := values[0]
	var maxDD float64
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			maxDD = max(maxDD, (peak-v)/peak)
		}
	}
	return maxDD
}

func (m *Manager) ShouldPause(ctx context.Context, modelID uint, view *ledger.Portfolio) (bool, string) {
	if dd := m.drawdown(ctx, modelID); dd > m.cfg.DrawdownCritical {
		return true, fmt.Sprintf("%s: %.1f%% exceeds %.0f%%", ReasonCriticalDrawdown, dd*100, m.cfg.DrawdownCritical*100)
	}

	streak := m.cfg.LosingStreak
	trades, err := m.history.ListTrades(ctx, modelID, streak)
	if err != nil {
		m.logger.Warn("load recent trades", "model_id", modelID, "error", err)
	} else if len(trades) >= streak && lo.EveryBy(trades[:streak], func(t storage.Trade) bool { return t.PnL < 0 }) {
		return true, fmt.Sprintf("%s: last %d trades lost money", ReasonLosingStreak, streak)
	}

	if view.Cash < view.TotalValue*m.cfg.MinCashRatio {
		return true, fmt.Sprintf("%s: %.2f is below %.0f%% of account value", ReasonLowCash, view.Cash, m.cfg.MinCashRatio*100)
	}
	return false, ""
}

func (m *Manager) Metrics(ctx context.Context, view *ledger.Portfolio) Metrics {
	pause, reason := m.ShouldPause(ctx, view.ModelID, view)
	return Metrics{
		Assessment:  m.Score(ctx, view),
		ShouldPause: pause,
		PauseReason: reason,
	}
}

// CheckPositionSize caps a new position's notional at the configured share of account value.
func (m *Manager) CheckPositionSize(view *ledger.Portfolio, quantity, price float64) SizeCheck {
	if view.TotalValue <= 0 || price <= 0 {
		return SizeCheck{Allowed: false, Reason: "account value is zero"}
	}
	ratio := quantity * price / view.TotalValue
	if ratio > m.cfg.MaxPositionRatio {
		return SizeCheck{
			Allowed:           false,
			Reason:            fmt.Sprintf("single position may not exceed %.0f%% of account value", m.cfg.MaxPositionRatio*100),
			SuggestedQuantity: view.TotalValue * m.cfg.MaxPositionRatio / price,
		}
	}
	return SizeCheck{Allowed: true, Reason: "ok", SuggestedQuantity: quantity}
}

// OptimalPositionSize is the notional a fixed-fraction risk model allows; riskPerTrade <= 0
// uses the configured default.
func (m *Manager) OptimalPositionSize(view *ledger.Portfolio, riskPerTrade float64) float64 {
	if riskPerTrade <= 0 {
		riskPerTrade = m.cfg.MaxRiskPerTrade
	}
	return view.TotalValue * riskPerTrade
}
