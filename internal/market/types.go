package market

import (
	"context"
	"errors"
)

type Quote struct {
	Coin      string  `json:"coin"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change_24h"`
}

// PricePoint is one close of a history series; Timestamp is unix milliseconds.
type PricePoint struct {
	Timestamp int64   `json:"timestamp"`
	Price     float64 `json:"price"`
}

// PriceSource returns current quotes for a set of coins. Partial results are allowed;
// the aggregator decides whether they are enough.
type PriceSource interface {
	Name() string
	Prices(ctx context.Context, coins []string) (map[string]Quote, error)
}

// HistorySource returns a close series ordered oldest to newest.
type HistorySource interface {
	Name() string
	History(ctx context.Context, coin string, days int) ([]PricePoint, error)
}

// ErrSourceUnavailable marks a source that cannot serve a request; the aggregator
// moves on to the next source.
var ErrSourceUnavailable = errors.New("source unavailable")

// ErrUnsupportedCoin is returned by sources that have no symbol for a coin.
var ErrUnsupportedCoin = errors.New("unsupported coin")
