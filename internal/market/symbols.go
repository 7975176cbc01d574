package market

import "strings"

var binanceSymbols = map[string]string{
	"BTC":  "BTCUSDT",
	"ETH":  "ETHUSDT",
	"SOL":  "SOLUSDT",
	"BNB":  "BNBUSDT",
	"XRP":  "XRPUSDT",
	"DOGE": "DOGEUSDT",
}

var coingeckoIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"BNB":  "binancecoin",
	"XRP":  "ripple",
	"DOGE": "dogecoin",
}

var coincapIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"BNB":  "binance-coin",
	"XRP":  "xrp",
	"DOGE": "dogecoin",
}

// BinanceSymbol maps a coin to its USDT spot pair.
func BinanceSymbol(coin string) (string, bool) {
	s, ok := binanceSymbols[coin]
	return s, ok
}

// CoinGeckoID falls back to the lowercased ticker for coins without an explicit mapping.
func CoinGeckoID(coin string) string {
	if id, ok := coingeckoIDs[coin]; ok {
		return id
	}
	return strings.ToLower(coin)
}

func CoinCapID(coin string) string {
	if id, ok := coincapIDs[coin]; ok {
		return id
	}
	return strings.ToLower(coin)
}

// coinForBinanceSymbol is the reverse of BinanceSymbol.
func coinForBinanceSymbol(symbol string) (string, bool) {
	for coin, s := range binanceSymbols {
		if s == symbol {
			return coin, true
		}
	}
	return "", false
}
