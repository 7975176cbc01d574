package ai

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"
)

var (
	thinkTagRegex  = regexp.MustCompile(`(?s)<think>.*?</think>`)
	codeFenceRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// StripThinkTags removes reasoning-model <think> blocks from the response.
func StripThinkTags(text string) string {
	return strings.TrimSpace(thinkTagRegex.ReplaceAllString(text, ""))
}

// ParseDecisions extracts the coin-keyed decision map from a provider response.
// It handles think tags, markdown fences, prose around the JSON and minor JSON damage.
func ParseDecisions(text string) (map[string]Decision, error) {
	cleaned := StripThinkTags(text)
	if m := codeFenceRegex.FindStringSubmatch(cleaned); m != nil {
		cleaned = strings.TrimSpace(m[1])
	}
	if cleaned == "" || cleaned == "{}" {
		return map[string]Decision{}, nil
	}

	if start, end := strings.Index(cleaned, "{"), strings.LastIndex(cleaned, "}"); start >= 0 && end > start {
		cleaned = cleaned[start : end+1]
	}

	if !gjson.Valid(cleaned) {
		repaired, err := jsonrepair.JSONRepair(cleaned)
		if err != nil {
			return nil, fmt.Errorf("repair JSON: %w", err)
		}
		cleaned = repaired
	}

	root := gjson.Parse(cleaned)
	if !root.IsObject() {
		return nil, fmt.Errorf("decision payload is not an object: %.200s", cleaned)
	}

	decisions := make(map[string]Decision)
	root.ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			return true
		}
		coin := strings.ToUpper(strings.TrimSpace(key.String()))
		decisions[coin] = decodeDecision(value)
		return true
	})
	return decisions, nil
}

func decodeDecision(v gjson.Result) Decision {
	raw := v.Get("signal").String()
	d := Decision{
		Signal:        ParseSignal(raw),
		RawSignal:     raw,
		Quantity:      v.Get("quantity").Float(),
		Leverage:      1,
		Confidence:    v.Get("confidence").Float(),
		Justification: v.Get("justification").String(),
	}
	if lev := v.Get("leverage"); lev.Exists() && lev.Type != gjson.Null {
		d.Leverage = lev.Float()
	}
	d.StopLoss = optionalPrice(v.Get("stop_loss"))
	d.ProfitTarget = optionalPrice(v.Get("profit_target"))
	if d.ProfitTarget == nil {
		d.ProfitTarget = optionalPrice(v.Get("take_profit"))
	}

	switch r := v.Get("reasoning"); {
	case !r.Exists():
	case r.Type == gjson.String:
		d.Reasoning = r.String()
	default:
		d.Reasoning = r.Raw
	}
	return d
}

// optionalPrice treats missing, null and non-positive values as unset.
func optionalPrice(r gjson.Result) *float64 {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	f := r.Float()
	if f <= 0 {
		return nil
	}
	return &f
}
