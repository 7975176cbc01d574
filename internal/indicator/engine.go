package indicator

import (
	"context"

	cinar "github.com/cinar/indicator"
	"github.com/samber/lo"

	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/market"
)

type Set struct {
	SMA7          float64 `json:"sma_7"`
	SMA14         float64 `json:"sma_14"`
	SMA30         float64 `json:"sma_30"`
	EMA12         float64 `json:"ema_12"`
	EMA26         float64 `json:"ema_26"`
	MACD          float64 `json:"macd"`
	MACDSignal    float64 `json:"macd_signal"`
	MACDHistogram float64 `json:"macd_histogram"`
	RSI14         float64 `json:"rsi_14"`
	BBUpper       float64 `json:"bb_upper"`
	BBMiddle      float64 `json:"bb_middle"`
	BBLower       float64 `json:"bb_lower"`
	BBPosition    float64 `json:"bb_position"`
	Volatility    float64 `json:"volatility"`
	CurrentPrice  float64 `json:"current_price"`
	PriceChange7D float64 `json:"price_change_7d"`
}

type History interface {
	GetHistoricalPrices(ctx context.Context, coin string, days int) []market.PricePoint
}

type Engine struct {
	history History
	cfg     config.IndicatorConfig
	logger  *logger.Logger
}

func NewEngine(history History, cfg config.IndicatorConfig, log *logger.Logger) *Engine {
	return &Engine{history: history, cfg: cfg, logger: log}
}

// Compute returns nil when the history is too short to be meaningful.
func (e *Engine) Compute(ctx context.Context, coin string) *Set {
	points := e.history.GetHistoricalPrices(ctx, coin, e.cfg.HistoryDays)
	if len(points) < e.cfg.MinPoints {
		e.logger.Debug("not enough history for indicators", "coin", coin, "points", len(points))
		return nil
	}
	prices := lo.Map(points, func(p market.PricePoint, _ int) float64 { return p.Price })
	return Calculate(prices, e.cfg.MACDSignal)
}

// Calculate derives the indicator set from closes ordered oldest to newest.
func Calculate(prices []float64, macdSignal string) *Set {
	if len(prices) == 0 {
		return nil
	}
	last := prices[len(prices)-1]

	s := &Set{
		SMA7:         SMA(prices, 7),
		SMA14:        SMA(prices, 14),
		SMA30:        SMA(prices, 30),
		EMA12:        EMA(prices, 12),
		EMA26:        EMA(prices, 26),
		RSI14:        RSI(prices, 14),
		CurrentPrice: last,
	}

	s.MACD = s.EMA12 - s.EMA26
	s.MACDSignal = s.MACD
	if macdSignal == config.MACDSignalRolling {
		if series := macdSeries(prices); len(series) >= 9 {
			s.MACDSignal = lo.LastOrEmpty(cinar.Ema(9, series))
		}
	}
	s.MACDHistogram = s.MACD - s.MACDSignal

	var std20 float64
	s.BBMiddle = last
	if len(prices) >= 20 {
		window := prices[len(prices)-20:]
		s.BBMiddle = SMA(window, 20)
		std20 = StdDev(window)
	}
	s.BBUpper = s.BBMiddle + 2*std20
	s.BBLower = s.BBMiddle - 2*std20
	s.BBPosition = 0.5
	if width := s.BBUpper - s.BBLower; width > 0 {
		s.BBPosition = (last - s.BBLower) / width
	}
	if s.BBMiddle > 0 {
		s.Volatility = std20 / s.BBMiddle
	}

	if prices[0] > 0 {
		s.PriceChange7D = (last - prices[0]) / prices[0] * 100
	}
	return s
}

// macdSeries is EMA12 - EMA26 at every point where both are defined.
func macdSeries(prices []float64) []float64 {
	fast := emaSeries(prices, 12)
	slow := emaSeries(prices, 26)
	if len(slow) == 0 {
		return nil
	}
	offset := len(fast) - len(slow)
	out := make([]float64, len(slow))
	for i := range slow {
		out[i] = fast[i+offset] - slow[i]
	}
	return out
}
