package market

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	json "github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"github.com/camuig/coin-arena/internal/config"
)

type coincapAsset struct {
	Data *struct {
		PriceUsd          string `json:"priceUsd"`
		ChangePercent24Hr string `json:"changePercent24Hr"`
	} `json:"data"`
}

type coincapHistory struct {
	Data []struct {
		PriceUsd string `json:"priceUsd"`
		Time     int64  `json:"time"`
	} `json:"data"`
}

// CoinCapSource has no batch endpoint, so Prices issues one request per coin.
type CoinCapSource struct {
	httpClient *http.Client
	cfg        config.SourceConfig
}

func NewCoinCapSource(cfg config.SourceConfig) *CoinCapSource {
	return &CoinCapSource{httpClient: newHTTPClient(cfg.HistoryTimeout), cfg: cfg}
}

func (c *CoinCapSource) Name() string { return "coincap" }

func (c *CoinCapSource) Prices(ctx context.Context, coins []string) (map[string]Quote, error) {
	quotes := make(map[string]Quote, len(coins))
	for _, coin := range coins {
		endpoint := fmt.Sprintf("%s/assets/%s", c.cfg.BaseURL, url.PathEscape(CoinCapID(coin)))
		body, err := getJSON(ctx, c.httpClient, c.cfg.PriceTimeout, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("coincap asset %s: %w", coin, err)
		}

		var asset coincapAsset
		if err := json.Unmarshal(body, &asset); err != nil {
			return nil, fmt.Errorf("parse coincap asset: %w", err)
		}
		if asset.Data == nil {
			continue
		}
		price, err := decimal.NewFromString(asset.Data.PriceUsd)
		if err != nil || !price.IsPositive() {
			continue
		}
		change, _ := decimal.NewFromString(asset.Data.ChangePercent24Hr)
		quotes[coin] = Quote{Coin: coin, Price: price.InexactFloat64(), Change24h: change.InexactFloat64()}
	}
	return quotes, nil
}

// History keeps the most recent days*24 samples of the d1/h1 series.
func (c *CoinCapSource) History(ctx context.Context, coin string, days int) ([]PricePoint, error) {
	interval := "h1"
	if days > 7 {
		interval = "d1"
	}
	endpoint := fmt.Sprintf("%s/assets/%s/history", c.cfg.BaseURL, url.PathEscape(CoinCapID(coin)))
	body, err := getJSON(ctx, c.httpClient, c.cfg.HistoryTimeout, endpoint, url.Values{"interval": {interval}})
	if err != nil {
		return nil, fmt.Errorf("coincap history: %w", err)
	}

	var hist coincapHistory
	if err := json.Unmarshal(body, &hist); err != nil {
		return nil, fmt.Errorf("parse coincap history: %w", err)
	}

	rows := hist.Data
	if keep := days * 24; len(rows) > keep {
		rows = rows[len(rows)-keep:]
	}
	points := make([]PricePoint, 0, len(rows))
	for _, row := range rows {
		price, err := decimal.NewFromString(row.PriceUsd)
		if err != nil {
			continue
		}
		points = append(points, PricePoint{Timestamp: row.Time, Price: price.InexactFloat64()})
	}
	return points, nil
}
