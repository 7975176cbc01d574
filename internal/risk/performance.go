package risk

import (
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/camuig/coin-arena/internal/storage"
)

const tradingDaysPerYear = 252

type Overview struct {
	TotalReturn    float64 `json:"total_return"`
	TotalPnL       float64 `json:"total_pnl"`
	CurrentValue   float64 `json:"current_value"`
	InitialCapital float64 `json:"initial_capital"`
	DaysTrading    int     `json:"days_trading"`
}

type Returns struct {
	AvgReturn        float64 `json:"avg_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	CumulativeReturn float64 `json:"cumulative_return"`
}

type RiskRatios struct {
	MaxDrawdown  float64 `json:"max_drawdown"`
	Volatility   float64 `json:"volatility"`
	SharpeRatio  float64 `json:"sharpe_ratio"`
	SortinoRatio float64 `json:"sortino_ratio"`
	CalmarRatio  float64 `json:"calmar_ratio"`
}

type TradingStats struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"`
	ProfitFactor  float64 `json:"profit_factor"`
	MaxWin        float64 `json:"max_win"`
	MaxLoss       float64 `json:"max_loss"`
}

type CoinStats struct {
	Coin          string  `json:"coin"`
	TotalTrades   int     `json:"total_trades"`
	TotalPnL      float64 `json:"total_pnl"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
}

type MonthStats struct {
	Month      string  `json:"month"`
	Return     float64 `json:"return"`
	StartValue float64 `json:"start_value"`
	EndValue   float64 `json:"end_value"`
}

type Report struct {
	Overview Overview     `json:"overview"`
	Returns  Returns      `json:"returns"`
	Risk     RiskRatios   `json:"risk_metrics"`
	Trading  TradingStats `json:"trading_stats"`
	Monthly  []MonthStats `json:"monthly_performance"`
	Coins    []CoinStats  `json:"coin_performance"`
}

// Analyze builds a performance report. trades and history are newest first, as the
// store returns them. Return figures are percentages; ratios are annualized per snapshot.
func Analyze(trades []storage.Trade, history []storage.AccountValue, initialCapital float64) Report {
	oldestFirst := make([]storage.AccountValue, len(history))
	for i, h := range history {
		oldestFirst[len(history)-1-i] = h
	}
	values := lo.Map(oldestFirst, func(h storage.AccountValue, _ int) float64 { return h.TotalValue })

	return Report{
		Overview: overview(oldestFirst, initialCapital),
		Returns:  returns(values, initialCapital),
		Risk:     ratios(values),
		Trading:  tradingStats(trades),
		Monthly:  monthly(oldestFirst),
		Coins:    coinStats(trades),
	}
}

func overview(history []storage.AccountValue, initialCapital float64) Overview {
	o := Overview{CurrentValue: initialCapital, InitialCapital: initialCapital}
	if len(history) == 0 {
		return o
	}
	o.CurrentValue = history[len(history)-1].TotalValue
	o.TotalPnL = o.CurrentValue - initialCapital
	if initialCapital > 0 {
		o.TotalReturn = o.TotalPnL / initialCapital * 100
	}
	if len(history) > 1 {
		o.DaysTrading = int(history[len(history)-1].CreatedAt.Sub(history[0].CreatedAt).Hours() / 24)
	}
	return o
}

func periodReturns(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for i := 1; i < len(values); i++ {
		var r float64
		if values[i-1] > 0 {
			r = (values[i] - values[i-1]) / values[i-1]
		}
		out = append(out, r)
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return lo.Sum(values) / float64(len(values))
}

func returns(values []float64, initialCapital float64) Returns {
	if len(values) == 0 {
		return Returns{}
	}
	avg := mean(periodReturns(values))
	r := Returns{
		AvgReturn:        avg * 100,
		AnnualizedReturn: avg * tradingDaysPerYear * 100,
	}
	if initialCapital > 0 {
		r.CumulativeReturn = (values[len(values)-1] - initialCapital) / initialCapital * 100
	}
	return r
}

func ratios(values []float64) RiskRatios {
	if len(values) == 0 {
		return RiskRatios{}
	}
	rets := periodReturns(values)
	avg := mean(rets)
	vol := stdDev(rets)
	dd := MaxDrawdown(values)
	annualizer := math.Sqrt(tradingDaysPerYear)

	out := RiskRatios{
		MaxDrawdown: dd * 100,
		Volatility:  vol * annualizer * 100,
	}
	if vol > 0 {
		out.SharpeRatio = avg / vol * annualizer
	}
	downside := lo.Filter(rets, func(r float64, _ int) bool { return r < 0 })
	if len(downside) > 0 {
		downsideDev := math.Sqrt(mean(lo.Map(downside, func(r float64, _ int) float64 { return r * r })))
		if downsideDev > 0 {
			out.SortinoRatio = avg / downsideDev * annualizer
		}
	}
	if dd > 0 {
		out.CalmarRatio = avg * tradingDaysPerYear / dd
	}
	return out
}

func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	return math.Sqrt(mean(lo.Map(values, func(v float64, _ int) float64 { return (v - m) * (v - m) })))
}

func tradingStats(trades []storage.Trade) TradingStats {
	s := TradingStats{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return s
	}
	wins := lo.Filter(trades, func(t storage.Trade, _ int) bool { return t.PnL > 0 })
	losses := lo.Filter(trades, func(t storage.Trade, _ int) bool { return t.PnL < 0 })
	pnl := func(t storage.Trade) float64 { return t.PnL }

	s.WinningTrades = len(wins)
	s.LosingTrades = len(losses)
	s.WinRate = float64(len(wins)) / float64(len(trades)) * 100
	if len(wins) > 0 {
		s.AvgWin = lo.SumBy(wins, pnl) / float64(len(wins))
	}
	if len(losses) > 0 {
		s.AvgLoss = lo.SumBy(losses, pnl) / float64(len(losses))
	}
	if s.AvgLoss != 0 {
		s.ProfitFactor = math.Abs(s.AvgWin / s.AvgLoss)
	}
	s.MaxWin = max(0, lo.MaxBy(trades, func(a, b storage.Trade) bool { return a.PnL > b.PnL }).PnL)
	s.MaxLoss = min(0, lo.MinBy(trades, func(a, b storage.Trade) bool { return a.PnL < b.PnL }).PnL)
	return s
}

func coinStats(trades []storage.Trade) []CoinStats {
	byCoin := make(map[string]*CoinStats)
	for _, t := range trades {
		cs, ok := byCoin[t.Coin]
		if !ok {
			cs = &CoinStats{Coin: t.Coin}
			byCoin[t.Coin] = cs
		}
		cs.TotalTrades++
		cs.TotalPnL += t.PnL
		if t.PnL > 0 {
			cs.WinningTrades++
		} else if t.PnL < 0 {
			cs.LosingTrades++
		}
	}

	out := make([]CoinStats, 0, len(byCoin))
	for _, cs := range byCoin {
		cs.WinRate = float64(cs.WinningTrades) / float64(cs.TotalTrades) * 100
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalPnL > out[j].TotalPnL })
	return out
}

func monthly(history []storage.AccountValue) []MonthStats {
	type bucket struct{ first, last float64 }
	var order []string
	buckets := make(map[string]*bucket)
	for _, h := range history {
		key := h.CreatedAt.Format("2006-01")
		b, ok := buckets[key]
		if !ok {
			b = &bucket{first: h.TotalValue}
			buckets[key] = b
			order = append(order, key)
		}
		b.last = h.TotalValue
	}

	sort.Strings(order)
	out := make([]MonthStats, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		m := MonthStats{Month: key, StartValue: b.first, EndValue: b.last}
		if b.first > 0 {
			m.Return = (b.last - b.first) / b.first * 100
		}
		out = append(out, m)
	}
	return out
}
