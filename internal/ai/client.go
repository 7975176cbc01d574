package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	json "github.com/bytedance/sonic"
	openai "github.com/sashabaranov/go-openai"

	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/ledger"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/storage"
)

// ErrDecisionProvider marks a failed provider call or an unusable response. Decide
// logs it and never returns it.
var ErrDecisionProvider = errors.New("decision provider")

// ChatCompleter is the part of the OpenAI client the provider uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ClientFactory builds a chat client for one endpoint and key.
type ClientFactory func(baseURL, apiKey string) ChatCompleter

func NewOpenAIClient(baseURL, apiKey string) ChatCompleter {
	ocfg := openai.DefaultConfig(apiKey)
	ocfg.BaseURL = baseURL
	return openai.NewClientWithConfig(ocfg)
}

// Provider asks each model's LLM endpoint for coin-keyed trading decisions.
type Provider struct {
	cfg       config.AIConfig
	newClient ClientFactory
	logger    *logger.Logger

	mu      sync.Mutex
	clients map[string]ChatCompleter
}

// NewProvider uses NewOpenAIClient when factory is nil.
func NewProvider(cfg config.AIConfig, factory ClientFactory, log *logger.Logger) *Provider {
	if factory == nil {
		factory = NewOpenAIClient
	}
	return &Provider{
		cfg:       cfg,
		newClient: factory,
		logger:    log,
		clients:   make(map[string]ChatCompleter),
	}
}

// NormalizeBaseURL makes sure the endpoint ends in /v1, cutting anything after an
// embedded /v1.
func NormalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	if i := strings.Index(base, "/v1"); i >= 0 {
		return base[:i] + "/v1"
	}
	return base + "/v1"
}

func (p *Provider) client(model *storage.Model) ChatCompleter {
	baseURL := model.APIURL
	if baseURL == "" {
		baseURL = p.cfg.BaseURL
	}
	baseURL = NormalizeBaseURL(baseURL)
	apiKey := model.APIKey
	if apiKey == "" {
		apiKey = p.cfg.APIKey
	}

	key := baseURL + "|" + apiKey
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[key]
	if !ok {
		c = p.newClient(baseURL, apiKey)
		p.clients[key] = c
	}
	return c
}

// Decide returns the parsed decisions and the last raw response. Failed or empty
// attempts are retried; after the last attempt an empty map is returned.
func (p *Provider) Decide(ctx context.Context, model *storage.Model, market MarketState, portfolio *ledger.Portfolio, account AccountInfo) (map[string]Decision, string) {
	log := p.logger.With("model_id", model.ID, "model", model.Name)
	prompt := BuildUserPrompt(model.SystemPrompt, market, portfolio, account)

	attempts := max(p.cfg.MaxAttempts, 1)
	var lastRaw string
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			log.Warn("decision request cancelled", "attempt", attempt, "error", ctx.Err())
			break
		}

		raw, err := p.complete(ctx, model, prompt)
		if raw != "" {
			lastRaw = raw
		}
		if err != nil {
			log.Error("AI call failed", "attempt", attempt, "max_attempts", attempts, "error", err)
			continue
		}

		decisions, err := ParseDecisions(raw)
		if err != nil {
			log.Warn("parse AI response", "attempt", attempt, "error", err)
			continue
		}
		if len(decisions) > 0 {
			log.Info("received AI decisions", "coins", len(decisions), "attempt", attempt)
			return decisions, raw
		}
		log.Warn("AI returned empty decision, retrying", "attempt", attempt, "max_attempts", attempts)
	}

	log.Error("AI decision failed", "attempts", attempts)
	return map[string]Decision{}, lastRaw
}

func (p *Provider) complete(ctx context.Context, model *storage.Model, prompt string) (string, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	modelName := model.ModelName
	if modelName == "" {
		modelName = p.cfg.Model
	}

	resp, err := p.client(model).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: modelName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: chatSystemMessage},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: API error (%d): %s", ErrDecisionProvider, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("%w: chat completion: %v", ErrDecisionProvider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrDecisionProvider)
	}
	return resp.Choices[0].Message.Content, nil
}

// DecisionsJSON is the stored form of a decision map.
func DecisionsJSON(decisions map[string]Decision) string {
	b, err := json.Marshal(decisions)
	if err != nil {
		return "{}"
	}
	return string(b)
}
