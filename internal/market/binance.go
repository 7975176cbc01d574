package market

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/camuig/coin-arena/internal/config"
)

type BinanceSource struct {
	client *binance.Client
	cfg    config.SourceConfig
}

func NewBinanceSource(cfg config.SourceConfig) *BinanceSource {
	// Public market endpoints need no credentials.
	client := binance.NewClient("", "")
	client.BaseURL = cfg.BaseURL
	client.HTTPClient = newHTTPClient(cfg.HistoryTimeout)
	return &BinanceSource{client: client, cfg: cfg}
}

func (b *BinanceSource) Name() string { return "binance" }

func (b *BinanceSource) Prices(ctx context.Context, coins []string) (map[string]Quote, error) {
	symbols := make([]string, 0, len(coins))
	for _, coin := range coins {
		if s, ok := BinanceSymbol(coin); ok {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		return nil, ErrUnsupportedCoin
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.PriceTimeout)
	defer cancel()

	stats, err := b.client.NewListPriceChangeStatsService().Symbols(symbols).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: binance 24hr ticker: %v", ErrSourceUnavailable, err)
	}

	quotes := make(map[string]Quote, len(stats))
	for _, s := range stats {
		coin, ok := coinForBinanceSymbol(s.Symbol)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(s.LastPrice)
		if err != nil || !price.IsPositive() {
			continue
		}
		change, _ := decimal.NewFromString(s.PriceChangePercent)
		quotes[coin] = Quote{
			Coin:      coin,
			Price:     price.InexactFloat64(),
			Change24h: change.InexactFloat64(),
		}
	}
	return quotes, nil
}

// History uses daily klines for lookbacks above a week and hourly klines otherwise.
func (b *BinanceSource) History(ctx context.Context, coin string, days int) ([]PricePoint, error) {
	symbol, ok := BinanceSymbol(coin)
	if !ok {
		return nil, ErrUnsupportedCoin
	}

	interval, limit := "1h", days*24
	if days > 7 {
		interval, limit = "1d", days
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.HistoryTimeout)
	defer cancel()

	klines, err := b.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: binance klines: %v", ErrSourceUnavailable, err)
	}

	points := make([]PricePoint, 0, len(klines))
	for _, k := range klines {
		closePrice, err := decimal.NewFromString(k.Close)
		if err != nil {
			continue
		}
		points = append(points, PricePoint{Timestamp: k.OpenTime, Price: closePrice.InexactFloat64()})
	}
	return points, nil
}
