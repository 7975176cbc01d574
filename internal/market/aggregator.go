package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/logger"
)

// Aggregator serves quotes and history from an ordered list of sources, with a fresh
// cache in front and the persisted cache as a last resort. It never returns an error:
// an empty result means no data is available.
type Aggregator struct {
	priceSources   []PriceSource
	historySources []HistorySource
	cache          *Cache
	limiters       *Limiters
	cfg            config.MarketConfig
	logger         *logger.Logger
}

func NewAggregator(
	cache *Cache,
	limiters *Limiters,
	priceSources []PriceSource,
	historySources []HistorySource,
	cfg config.MarketConfig,
	log *logger.Logger,
) *Aggregator {
	return &Aggregator{
		priceSources:   priceSources,
		historySources: historySources,
		cache:          cache,
		limiters:       limiters,
		cfg:            cfg,
		logger:         log,
	}
}

// NewSources builds the enabled sources in waterfall order and their limiters.
func NewSources(cfg config.MarketConfig) ([]PriceSource, []HistorySource, *Limiters) {
	var (
		prices    []PriceSource
		history   []HistorySource
		intervals = make(map[string]time.Duration)
	)

	if !cfg.Binance.Disabled {
		b := NewBinanceSource(cfg.Binance)
		prices, history = append(prices, b), append(history, b)
		intervals[b.Name()] = cfg.Binance.MinInterval
	}
	if !cfg.CoinGecko.Disabled {
		g := NewCoinGeckoSource(cfg.CoinGecko)
		prices, history = append(prices, g), append(history, g)
		intervals[g.Name()] = cfg.CoinGecko.MinInterval
	}
	if !cfg.CoinCap.Disabled {
		c := NewCoinCapSource(cfg.CoinCap)
		prices, history = append(prices, c), append(history, c)
		intervals[c.Name()] = cfg.CoinCap.MinInterval
	}
	if !cfg.CryptoCompare.Disabled {
		cc := NewCryptoCompareSource(cfg.CryptoCompare)
		prices = append(prices, cc)
		intervals[cc.Name()] = cfg.CryptoCompare.MinInterval
	}
	return prices, history, NewLimiters(intervals)
}

func pricesKey(coins []string) string {
	sorted := append([]string(nil), coins...)
	sort.Strings(sorted)
	return "prices_" + strings.Join(sorted, "_")
}

func historyKey(coin string, days int) string {
	return fmt.Sprintf("historical_%s_%d", coin, days)
}

func (a *Aggregator) GetCurrentPrices(ctx context.Context, coins []string) map[string]Quote {
	coins = lo.Uniq(coins)
	if len(coins) == 0 {
		return map[string]Quote{}
	}
	key := pricesKey(coins)

	var cached map[string]Quote
	if _, ok := a.cache.Get(key, a.cfg.PriceTTL, &cached); ok {
		return cached
	}

	for _, src := range a.priceSources {
		if err := a.limiters.Wait(ctx, src.Name()); err != nil {
			a.logger.Warn("rate limiter wait aborted", "source", src.Name(), "error", err)
			break
		}
		quotes, err := src.Prices(ctx, coins)
		if err != nil {
			a.logger.Warn("price source failed", "source", src.Name(), "error", err)
			continue
		}
		if missing := missingCoins(coins, quotes); len(missing) > 0 {
			a.logger.Warn("price source returned partial data", "source", src.Name(), "missing", missing)
			continue
		}
		a.cache.Put(ctx, key, quotes)
		return quotes
	}

	if age, ok := a.cache.Get(key, a.cfg.StaleAfter, &cached); ok {
		a.logger.Warn("all price sources failed, serving cached prices", "age", age.Round(time.Second).String())
		return cached
	}
	a.logger.Error("all price sources failed and no usable cache", "coins", coins)
	return map[string]Quote{}
}

func (a *Aggregator) GetHistoricalPrices(ctx context.Context, coin string, days int) []PricePoint {
	key := historyKey(coin, days)

	var cached []PricePoint
	if _, ok := a.cache.Get(key, a.cfg.HistoryTTL, &cached); ok {
		return cached
	}

	for _, src := range a.historySources {
		if err := a.limiters.Wait(ctx, src.Name()); err != nil {
			a.logger.Warn("rate limiter wait aborted", "source", src.Name(), "error", err)
			break
		}
		points, err := src.History(ctx, coin, days)
		if err != nil {
			a.logger.Warn("history source failed", "source", src.Name(), "coin", coin, "error", err)
			continue
		}
		if len(points) == 0 {
			continue
		}
		a.cache.Put(ctx, key, points)
		return points
	}

	if age, ok := a.cache.Get(key, a.cfg.StaleAfter, &cached); ok {
		a.logger.Warn("all history sources failed, serving cached series",
			"coin", coin, "age", age.Round(time.Second).String())
		return cached
	}
	a.logger.Error("all history sources failed and no usable cache", "coin", coin)
	return nil
}

func missingCoins(coins []string, quotes map[string]Quote) []string {
	return lo.Filter(coins, func(c string, _ int) bool {
		q, ok := quotes[c]
		return !ok || q.Price <= 0
	})
}
