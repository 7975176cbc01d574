package ai

import (
	"strings"

	"github.com/camuig/coin-arena/internal/indicator"
)

type Signal string

const (
	SignalBuyToEnter    Signal = "buy_to_enter"
	SignalSellToEnter   Signal = "sell_to_enter"
	SignalClosePosition Signal = "close_position"
	SignalHold          Signal = "hold"
	SignalUnknown       Signal = "unknown"
)

// ParseSignal maps provider text onto a known signal; anything else is SignalUnknown.
func ParseSignal(s string) Signal {
	switch sig := Signal(strings.ToLower(strings.TrimSpace(s))); sig {
	case SignalBuyToEnter, SignalSellToEnter, SignalClosePosition, SignalHold:
		return sig
	default:
		return SignalUnknown
	}
}

type Decision struct {
	Signal Signal `json:"signal"`
	// RawSignal keeps the provider's text so unknown signals can be reported verbatim.
	RawSignal     string   `json:"raw_signal,omitempty"`
	Quantity      float64  `json:"quantity"`
	Leverage      float64  `json:"leverage"`
	ProfitTarget  *float64 `json:"profit_target,omitempty"`
	StopLoss      *float64 `json:"stop_loss,omitempty"`
	Confidence    float64  `json:"confidence"`
	Justification string   `json:"justification,omitempty"`
	Reasoning     string   `json:"reasoning,omitempty"`
}

type CoinMarket struct {
	Price      float64        `json:"price"`
	Change24h  float64        `json:"change_24h"`
	Indicators *indicator.Set `json:"indicators,omitempty"`
}

// MarketState holds only coins that were priced this cycle.
type MarketState map[string]CoinMarket

func (m MarketState) Prices() map[string]float64 {
	out := make(map[string]float64, len(m))
	for coin, cm := range m {
		out[coin] = cm.Price
	}
	return out
}

type AccountInfo struct {
	CurrentTime    string  `json:"current_time"`
	TotalReturn    float64 `json:"total_return"`
	InitialCapital float64 `json:"initial_capital"`
}
