package ai

import (
	"fmt"
	"sort"
	"strings"

	"github.com/camuig/coin-arena/internal/ledger"
)

const chatSystemMessage = "You are a professional cryptocurrency trader. Output JSON format only."

const DefaultStrategyPrompt = `You are a professional cryptocurrency trader. Analyze the market and make trading decisions.

TRADING RULES:
1. Signals: buy_to_enter (long), sell_to_enter (short), close_position, hold
2. Risk Management:
   - Max 3 positions
   - Risk 1-5% per trade
   - Use appropriate leverage (1-20x)
3. Position Sizing:
   - Conservative: 1-2% risk
   - Moderate: 2-4% risk
   - Aggressive: 4-5% risk
4. Exit Strategy:
   - Close losing positions quickly
   - Let winners run
   - Use technical indicators

Provide detailed reasoning for each decision. Analyze and output JSON only.`

const outputFormat = "OUTPUT FORMAT (JSON only):\n```json\n" + `{
  "COIN": {
    "signal": "buy_to_enter|sell_to_enter|hold|close_position",
    "quantity": 0.5,
    "leverage": 10,
    "profit_target": 45000.0,
    "stop_loss": 42000.0,
    "confidence": 0.75,
    "reasoning": {
      "market_analysis": "Detailed market trend analysis",
      "technical_signals": "Key technical indicators analysis",
      "risk_assessment": "Risk evaluation",
      "decision_rationale": "Why this decision was made"
    },
    "justification": "Brief summary"
  }
}
` + "```\n"

// BuildUserPrompt renders the market, account and positions for one decision request.
// An empty strategy falls back to DefaultStrategyPrompt.
func BuildUserPrompt(strategy string, market MarketState, portfolio *ledger.Portfolio, account AccountInfo) string {
	if strings.TrimSpace(strategy) == "" {
		strategy = DefaultStrategyPrompt
	}

	var sb strings.Builder
	sb.WriteString(strategy)
	sb.WriteString("\n\nMARKET DATA:\n")

	coins := make([]string, 0, len(market))
	for coin := range market {
		coins = append(coins, coin)
	}
	sort.Strings(coins)

	for _, coin := range coins {
		cm := market[coin]
		sb.WriteString(fmt.Sprintf("%s: $%.2f (%+.2f%%)\n", coin, cm.Price, cm.Change24h))
		if ind := cm.Indicators; ind != nil {
			sb.WriteString(fmt.Sprintf("  SMA7: $%.2f, SMA14: $%.2f, RSI: %.1f\n", ind.SMA7, ind.SMA14, ind.RSI14))
			sb.WriteString(fmt.Sprintf("  MACD: %.4f, Bollinger: %.2f-%.2f (pos %.2f), 7d: %+.2f%%\n",
				ind.MACD, ind.BBLower, ind.BBUpper, ind.BBPosition, ind.PriceChange7D))
		}
	}

	sb.WriteString("\nACCOUNT STATUS:\n")
	sb.WriteString(fmt.Sprintf("- Current Time: %s\n", account.CurrentTime))
	sb.WriteString(fmt.Sprintf("- Initial Capital: $%.2f\n", account.InitialCapital))
	sb.WriteString(fmt.Sprintf("- Total Value: $%.2f\n", portfolio.TotalValue))
	sb.WriteString(fmt.Sprintf("- Cash: $%.2f\n", portfolio.Cash))
	sb.WriteString(fmt.Sprintf("- Total Return: %.2f%%\n", account.TotalReturn))

	sb.WriteString("\nCURRENT POSITIONS:\n")
	if len(portfolio.Positions) == 0 {
		sb.WriteString("None\n")
	}
	for _, p := range portfolio.Positions {
		sb.WriteString(fmt.Sprintf("- %s %s: %.4f @ $%.2f (%dx)", p.Coin, p.Side, p.Quantity, p.AvgPrice, p.Leverage))
		if p.StopLoss != nil {
			sb.WriteString(fmt.Sprintf(" SL $%.2f", *p.StopLoss))
		}
		if p.TakeProfit != nil {
			sb.WriteString(fmt.Sprintf(" TP $%.2f", *p.TakeProfit))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(outputFormat)
	sb.WriteString("\nProvide detailed reasoning for each decision. Analyze and output JSON only.\n")
	return sb.String()
}
