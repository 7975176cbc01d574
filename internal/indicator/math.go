package indicator

import (
	"math"

	"github.com/samber/lo"
)

// SMA is the mean of the last n prices, or the last price when fewer than n exist.
func SMA(prices []float64, n int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < n {
		return prices[len(prices)-1]
	}
	return lo.Sum(prices[len(prices)-n:]) / float64(n)
}

// EMA is seeded with the SMA of the first n prices and rolled over the rest.
func EMA(prices []float64, n int) float64 {
	series := emaSeries(prices, n)
	if len(series) == 0 {
		if len(prices) == 0 {
			return 0
		}
		return prices[len(prices)-1]
	}
	return series[len(series)-1]
}

// emaSeries returns the EMA after each price from index n-1 on.
func emaSeries(prices []float64, n int) []float64 {
	if n <= 0 || len(prices) < n {
		return nil
	}
	k := 2 / float64(n+1)
	ema := lo.Sum(prices[:n]) / float64(n)
	out := make([]float64, 0, len(prices)-n+1)
	out = append(out, ema)
	for _, p := range prices[n:] {
		ema = (p-ema)*k + ema
		out = append(out, ema)
	}
	return out
}

// RSI averages the last n gains and losses over a fixed divisor of n.
func RSI(prices []float64, n int) float64 {
	var gains, losses []float64
	for i := 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		gains = append(gains, math.Max(d, 0))
		losses = append(losses, math.Max(-d, 0))
	}
	if len(gains) > n {
		gains = gains[len(gains)-n:]
		losses = losses[len(losses)-n:]
	}

	avgGain := lo.Sum(gains) / float64(n)
	avgLoss := lo.Sum(losses) / float64(n)
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// StdDev is the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := lo.Sum(values) / float64(len(values))
	variance := lo.SumBy(values, func(v float64) float64 { return (v - mean) * (v - mean) })
	return math.Sqrt(variance / float64(len(values)))
}
