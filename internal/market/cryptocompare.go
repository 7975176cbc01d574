package market

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/camuig/coin-arena/internal/config"
)

// CryptoCompareSource is price-only; it uses plain tickers as symbols.
type CryptoCompareSource struct {
	httpClient *http.Client
	cfg        config.SourceConfig
}

func NewCryptoCompareSource(cfg config.SourceConfig) *CryptoCompareSource {
	return &CryptoCompareSource{httpClient: newHTTPClient(cfg.PriceTimeout), cfg: cfg}
}

func (c *CryptoCompareSource) Name() string { return "cryptocompare" }

func (c *CryptoCompareSource) Prices(ctx context.Context, coins []string) (map[string]Quote, error) {
	body, err := getJSON(ctx, c.httpClient, c.cfg.PriceTimeout, c.cfg.BaseURL+"/pricemultifull", url.Values{
		"fsyms": {strings.Join(coins, ",")},
		"tsyms": {"USD"},
	})
	if err != nil {
		return nil, fmt.Errorf("cryptocompare pricemultifull: %w", err)
	}

	raw := gjson.GetBytes(body, "RAW")
	if !raw.Exists() {
		return nil, fmt.Errorf("%w: cryptocompare response has no RAW section", ErrSourceUnavailable)
	}

	quotes := make(map[string]Quote, len(coins))
	for _, coin := range coins {
		usd := raw.Get(gjson.Escape(coin) + ".USD")
		price := usd.Get("PRICE").Float()
		if price <= 0 {
			continue
		}
		quotes[coin] = Quote{Coin: coin, Price: price, Change24h: usd.Get("CHANGEPCT24HOUR").Float()}
	}
	return quotes, nil
}
