package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a model or position does not exist.
var ErrNotFound = errors.New("not found")

// Writer is the part of the store used inside a transaction.
type Writer interface {
	UpsertPosition(ctx context.Context, p *Position) error
	DeletePosition(ctx context.Context, modelID uint, coin, side string) error
	AddTrade(ctx context.Context, t *Trade) error
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// Transact runs fn in one database transaction; any error rolls every write back.
func (r *Repository) Transact(ctx context.Context, fn func(Writer) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// Models

func (r *Repository) CreateModel(ctx context.Context, m *Model) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repository) GetModel(ctx context.Context, id uint) (*Model, error) {
	var m Model
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("model %d", id))
	}
	return &m, nil
}

func (r *Repository) GetModelByName(ctx context.Context, name string) (*Model, error) {
	var m Model
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&m).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("model %q", name))
	}
	return &m, nil
}

func (r *Repository) ListModels(ctx context.Context) ([]Model, error) {
	var models []Model
	err := r.db.WithContext(ctx).Order("id").Find(&models).Error
	return models, err
}

func (r *Repository) ListActiveModels(ctx context.Context) ([]Model, error) {
	var models []Model
	err := r.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&models).Error
	return models, err
}

func (r *Repository) SetModelActive(ctx context.Context, id uint, active bool) error {
	res := r.db.WithContext(ctx).Model(&Model{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("model %d: %w", id, ErrNotFound)
	}
	return nil
}

// ModelChanges lists the editable model fields; nil fields are left as they are.
type ModelChanges struct {
	Name         *string `json:"name"`
	APIKey       *string `json:"api_key"`
	APIURL       *string `json:"api_url"`
	ModelName    *string `json:"model_name"`
	SystemPrompt *string `json:"system_prompt"`
}

// Columns maps the set fields onto their column names.
func (c ModelChanges) Columns() map[string]any {
	cols := make(map[string]any)
	for col, v := range map[string]*string{
		"name":          c.Name,
		"api_key":       c.APIKey,
		"api_url":       c.APIURL,
		"model_name":    c.ModelName,
		"system_prompt": c.SystemPrompt,
	} {
		if v != nil {
			cols[col] = *v
		}
	}
	return cols
}

func (r *Repository) UpdateModel(ctx context.Context, id uint, changes ModelChanges) error {
	cols := changes.Columns()
	if len(cols) == 0 {
		_, err := r.GetModel(ctx, id)
		return err
	}
	res := r.db.WithContext(ctx).Model(&Model{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("model %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteModel removes the model and everything recorded for it.
func (r *Repository) DeleteModel(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range []any{&Position{}, &Trade{}, &AccountValue{}, &Conversation{}} {
			if err := tx.Where("model_id = ?", id).Delete(table).Error; err != nil {
				return err
			}
		}
		res := tx.Delete(&Model{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("model %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// Positions

func (r *Repository) ListPositions(ctx context.Context, modelID uint) ([]Position, error) {
	var positions []Position
	err := r.db.WithContext(ctx).Where("model_id = ?", modelID).Order("coin, side").Find(&positions).Error
	return positions, err
}

func (r *Repository) GetPosition(ctx context.Context, modelID uint, coin, side string) (*Position, error) {
	var p Position
	err := r.db.WithContext(ctx).
		Where("model_id = ? AND coin = ? AND side = ?", modelID, coin, side).
		First(&p).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("position %s %s", coin, side))
	}
	return &p, nil
}

// UpsertPosition replaces the row for (model, coin, side) when it exists.
func (r *Repository) UpsertPosition(ctx context.Context, p *Position) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "model_id"}, {Name: "coin"}, {Name: "side"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"quantity", "avg_price", "leverage", "stop_loss", "take_profit", "updated_at",
		}),
	}).Create(p).Error
}

func (r *Repository) DeletePosition(ctx context.Context, modelID uint, coin, side string) error {
	res := r.db.WithContext(ctx).
		Where("model_id = ? AND coin = ? AND side = ?", modelID, coin, side).
		Delete(&Position{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("position %s %s: %w", coin, side, ErrNotFound)
	}
	return nil
}

// Trades

func (r *Repository) AddTrade(ctx context.Context, t *Trade) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repository) ListTrades(ctx context.Context, modelID uint, limit int) ([]Trade, error) {
	var trades []Trade
	err := r.db.WithContext(ctx).Where("model_id = ?", modelID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

func (r *Repository) SumRealizedPnL(ctx context.Context, modelID uint) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).Model(&Trade{}).
		Where("model_id = ?", modelID).
		Select("COALESCE(SUM(pnl), 0)").Scan(&total).Error
	return total, err
}

// Account values

func (r *Repository) AddAccountValue(ctx context.Context, v *AccountValue) error {
	return r.db.WithContext(ctx).Create(v).Error
}

func (r *Repository) ListAccountValues(ctx context.Context, modelID uint, limit int) ([]AccountValue, error) {
	var values []AccountValue
	err := r.db.WithContext(ctx).Where("model_id = ?", modelID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&values).Error
	return values, err
}

// Conversations

func (r *Repository) AddConversation(ctx context.Context, c *Conversation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repository) ListConversations(ctx context.Context, modelID uint, limit int) ([]Conversation, error) {
	var conversations []Conversation
	err := r.db.WithContext(ctx).Where("model_id = ?", modelID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&conversations).Error
	return conversations, err
}

// Market cache

func (r *Repository) LoadMarketCache(ctx context.Context) ([]MarketCacheEntry, error) {
	var entries []MarketCacheEntry
	err := r.db.WithContext(ctx).Find(&entries).Error
	return entries, err
}

func (r *Repository) SaveMarketCache(ctx context.Context, e *MarketCacheEntry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(e).Error
}
