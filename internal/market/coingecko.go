package market

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/camuig/coin-arena/internal/config"
)

type CoinGeckoSource struct {
	httpClient *http.Client
	cfg        config.SourceConfig
}

func NewCoinGeckoSource(cfg config.SourceConfig) *CoinGeckoSource {
	return &CoinGeckoSource{httpClient: newHTTPClient(cfg.HistoryTimeout), cfg: cfg}
}

func (c *CoinGeckoSource) Name() string { return "coingecko" }

func (c *CoinGeckoSource) Prices(ctx context.Context, coins []string) (map[string]Quote, error) {
	ids := make([]string, len(coins))
	for i, coin := range coins {
		ids[i] = CoinGeckoID(coin)
	}

	body, err := getJSON(ctx, c.httpClient, c.cfg.PriceTimeout, c.cfg.BaseURL+"/simple/price", url.Values{
		"ids":                 {strings.Join(ids, ",")},
		"vs_currencies":       {"usd"},
		"include_24hr_change": {"true"},
	})
	if err != nil {
		return nil, fmt.Errorf("coingecko simple price: %w", err)
	}

	quotes := make(map[string]Quote, len(coins))
	for i, coin := range coins {
		entry := gjson.GetBytes(body, gjson.Escape(ids[i]))
		price := entry.Get("usd")
		if !price.Exists() || price.Float() <= 0 {
			continue
		}
		quotes[coin] = Quote{
			Coin:      coin,
			Price:     price.Float(),
			Change24h: entry.Get("usd_24h_change").Float(),
		}
	}
	return quotes, nil
}

func (c *CoinGeckoSource) History(ctx context.Context, coin string, days int) ([]PricePoint, error) {
	endpoint := fmt.Sprintf("%s/coins/%s/market_chart", c.cfg.BaseURL, url.PathEscape(CoinGeckoID(coin)))
	body, err := getJSON(ctx, c.httpClient, c.cfg.HistoryTimeout, endpoint, url.Values{
		"vs_currency": {"usd"},
		"days":        {strconv.Itoa(days)},
	})
	if err != nil {
		return nil, fmt.Errorf("coingecko market chart: %w", err)
	}

	var points []PricePoint
	gjson.GetBytes(body, "prices").ForEach(func(_, row gjson.Result) bool {
		pair := row.Array()
		if len(pair) < 2 {
			return true
		}
		points = append(points, PricePoint{Timestamp: pair[0].Int(), Price: pair[1].Float()})
		return true
	})
	return points, nil
}
