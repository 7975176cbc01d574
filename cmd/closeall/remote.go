package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/camuig/coin-arena/internal/engine"
	"github.com/camuig/coin-arena/internal/ledger"
	"github.com/camuig/coin-arena/internal/storage"
)

var errBotDown = errors.New("bot api not reachable")

// botClient closes positions through a running bot, so each close takes that model's
// cycle lock instead of racing the scheduler on the database.
type botClient struct {
	baseURL string
	client  *http.Client
}

func newBotClient(baseURL string, timeout time.Duration) *botClient {
	return &botClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// Models lists the bot's models. It returns errBotDown when nothing answers at baseURL.
func (b *botClient) Models(ctx context.Context) ([]storage.Model, error) {
	var models []storage.Model
	if err := b.call(ctx, http.MethodGet, "/api/models", &models); err != nil {
		return nil, err
	}
	return models, nil
}

func (b *botClient) Portfolio(ctx context.Context, modelID uint) (*ledger.Portfolio, error) {
	var view ledger.Portfolio
	if err := b.call(ctx, http.MethodGet, fmt.Sprintf("/api/models/%d/portfolio", modelID), &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (b *botClient) CloseAll(ctx context.Context, modelID uint) (*engine.Liquidation, error) {
	var out engine.Liquidation
	if err := b.call(ctx, http.MethodPost, fmt.Sprintf("/api/models/%d/close-all", modelID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *botClient) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errBotDown, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, storage.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, body)
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
