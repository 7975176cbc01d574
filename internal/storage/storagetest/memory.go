// Package storagetest provides an in-memory store with the same semantics as storage.Repository.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/camuig/coin-arena/internal/storage"
)

type Memory struct {
	mu   sync.Mutex
	txMu sync.Mutex

	models        map[uint]storage.Model
	positions     map[string]storage.Position
	trades        []storage.Trade
	accountValues []storage.AccountValue
	conversations []storage.Conversation
	cache         map[string]storage.MarketCacheEntry
	nextID        uint

	// Fail makes the named method return the given error.
	Fail map[string]error
	// Now stamps created rows; defaults to time.Now.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		models:    make(map[uint]storage.Model),
		positions: make(map[string]storage.Position),
		cache:     make(map[string]storage.MarketCacheEntry),
		Fail:      make(map[string]error),
	}
}

func (m *Memory) fail(method string) error {
	return m.Fail[method]
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) id() uint {
	m.nextID++
	return m.nextID
}

func positionKey(modelID uint, coin, side string) string {
	return fmt.Sprintf("%d/%s/%s", modelID, coin, side)
}

func (m *Memory) CreateModel(_ context.Context, model *storage.Model) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateModel"); err != nil {
		return err
	}
	if model.ID == 0 {
		model.ID = m.id()
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = m.now()
	}
	m.models[model.ID] = *model
	return nil
}

func (m *Memory) GetModel(_ context.Context, id uint) (*storage.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetModel"); err != nil {
		return nil, err
	}
	model, ok := m.models[id]
	if !ok {
		return nil, fmt.Errorf("model %d: %w", id, storage.ErrNotFound)
	}
	return &model, nil
}

func (m *Memory) ListModels(_ context.Context) ([]storage.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListModels"); err != nil {
		return nil, err
	}
	out := make([]storage.Model, 0, len(m.models))
	for _, model := range m.models {
		out = append(out, model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListActiveModels(ctx context.Context) ([]storage.Model, error) {
	if err := m.fail("ListActiveModels"); err != nil {
		return nil, err
	}
	all, err := m.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, model := range all {
		if model.Active {
			active = append(active, model)
		}
	}
	return active, nil
}

func (m *Memory) SetModelActive(_ context.Context, id uint, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetModelActive"); err != nil {
		return err
	}
	model, ok := m.models[id]
	if !ok {
		return fmt.Errorf("model %d: %w", id, storage.ErrNotFound)
	}
	model.Active = active
	m.models[id] = model
	return nil
}

func (m *Memory) UpdateModel(_ context.Context, id uint, changes storage.ModelChanges) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateModel"); err != nil {
		return err
	}
	model, ok := m.models[id]
	if !ok {
		return fmt.Errorf("model %d: %w", id, storage.ErrNotFound)
	}
	for _, f := range []struct {
		dst *string
		src *string
	}{
		{&model.Name, changes.Name},
		{&model.APIKey, changes.APIKey},
		{&model.APIURL, changes.APIURL},
		{&model.ModelName, changes.ModelName},
		{&model.SystemPrompt, changes.SystemPrompt},
	} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}
	m.models[id] = model
	return nil
}

func (m *Memory) DeleteModel(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DeleteModel"); err != nil {
		return err
	}
	if _, ok := m.models[id]; !ok {
		return fmt.Errorf("model %d: %w", id, storage.ErrNotFound)
	}
	delete(m.models, id)
	for k, p := range m.positions {
		if p.ModelID == id {
			delete(m.positions, k)
		}
	}
	m.trades = keep(m.trades, func(t storage.Trade) bool { return t.ModelID != id })
	m.accountValues = keep(m.accountValues, func(v storage.AccountValue) bool { return v.ModelID != id })
	m.conversations = keep(m.conversations, func(c storage.Conversation) bool { return c.ModelID != id })
	return nil
}

func keep[T any](rows []T, ok func(T) bool) []T {
	out := rows[:0]
	for _, r := range rows {
		if ok(r) {
			out = append(out, r)
		}
	}
	return out
}

// Transact restores positions and appended rows when fn fails. Transactions are serialized
// with each other but not with plain writes.
func (m *Memory) Transact(_ context.Context, fn func(storage.Writer) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := m.fail("Transact"); err != nil {
		return err
	}

	m.mu.Lock()
	positions := make(map[string]storage.Position, len(m.positions))
	for k, p := range m.positions {
		positions[k] = p
	}
	trades := len(m.trades)
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.positions = positions
		m.trades = m.trades[:trades]
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) ListPositions(_ context.Context, modelID uint) ([]storage.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListPositions"); err != nil {
		return nil, err
	}
	var out []storage.Position
	for _, p := range m.positions {
		if p.ModelID == modelID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Coin != out[j].Coin {
			return out[i].Coin < out[j].Coin
		}
		return out[i].Side < out[j].Side
	})
	return out, nil
}

func (m *Memory) GetPosition(_ context.Context, modelID uint, coin, side string) (*storage.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionKey(modelID, coin, side)]
	if !ok {
		return nil, fmt.Errorf("position %s %s: %w", coin, side, storage.ErrNotFound)
	}
	return &p, nil
}

func (m *Memory) UpsertPosition(_ context.Context, p *storage.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpsertPosition"); err != nil {
		return err
	}
	key := positionKey(p.ModelID, p.Coin, p.Side)
	now := m.now()
	if existing, ok := m.positions[key]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		p.ID = m.id()
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.positions[key] = *p
	return nil
}

func (m *Memory) DeletePosition(_ context.Context, modelID uint, coin, side string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DeletePosition"); err != nil {
		return err
	}
	key := positionKey(modelID, coin, side)
	if _, ok := m.positions[key]; !ok {
		return fmt.Errorf("position %s %s: %w", coin, side, storage.ErrNotFound)
	}
	delete(m.positions, key)
	return nil
}

func (m *Memory) AddTrade(_ context.Context, t *storage.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddTrade"); err != nil {
		return err
	}
	t.ID = m.id()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	m.trades = append(m.trades, *t)
	return nil
}

// ListTrades returns newest first.
func (m *Memory) ListTrades(_ context.Context, modelID uint, limit int) ([]storage.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListTrades"); err != nil {
		return nil, err
	}
	var out []storage.Trade
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if m.trades[i].ModelID == modelID {
			out = append(out, m.trades[i])
		}
	}
	return out, nil
}

func (m *Memory) SumRealizedPnL(_ context.Context, modelID uint) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SumRealizedPnL"); err != nil {
		return 0, err
	}
	var total float64
	for _, t := range m.trades {
		if t.ModelID == modelID {
			total += t.PnL
		}
	}
	return total, nil
}

func (m *Memory) AddAccountValue(_ context.Context, v *storage.AccountValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddAccountValue"); err != nil {
		return err
	}
	v.ID = m.id()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = m.now()
	}
	m.accountValues = append(m.accountValues, *v)
	return nil
}

// ListAccountValues returns newest first.
func (m *Memory) ListAccountValues(_ context.Context, modelID uint, limit int) ([]storage.AccountValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListAccountValues"); err != nil {
		return nil, err
	}
	var out []storage.AccountValue
	for i := len(m.accountValues) - 1; i >= 0 && len(out) < limit; i-- {
		if m.accountValues[i].ModelID == modelID {
			out = append(out, m.accountValues[i])
		}
	}
	return out, nil
}

func (m *Memory) AddConversation(_ context.Context, c *storage.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddConversation"); err != nil {
		return err
	}
	c.ID = m.id()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.conversations = append(m.conversations, *c)
	return nil
}

func (m *Memory) ListConversations(_ context.Context, modelID uint, limit int) ([]storage.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Conversation
	for i := len(m.conversations) - 1; i >= 0 && len(out) < limit; i-- {
		if m.conversations[i].ModelID == modelID {
			out = append(out, m.conversations[i])
		}
	}
	return out, nil
}

func (m *Memory) LoadMarketCache(_ context.Context) ([]storage.MarketCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LoadMarketCache"); err != nil {
		return nil, err
	}
	out := make([]storage.MarketCacheEntry, 0, len(m.cache))
	for _, e := range m.cache {
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) SaveMarketCache(_ context.Context, e *storage.MarketCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveMarketCache"); err != nil {
		return err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = m.now()
	}
	m.cache[e.Key] = *e
	return nil
}
