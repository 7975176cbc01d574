package storage

import "time"

type Model struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name           string  `gorm:"uniqueIndex;not null" json:"name"`
	APIKey         string  `json:"-"`
	APIURL         string  `json:"api_url"`
	ModelName      string  `json:"model_name"`
	InitialCapital float64 `gorm:"not null;default:10000" json:"initial_capital"`
	SystemPrompt   string  `gorm:"type:text" json:"system_prompt,omitempty"`
	Active         bool    `gorm:"not null" json:"active"`
}

// Position is the single open position for (model, coin, side). Closing deletes the row.
type Position struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ModelID    uint     `gorm:"uniqueIndex:idx_position_key;not null" json:"model_id"`
	Coin       string   `gorm:"uniqueIndex:idx_position_key;not null" json:"coin"`
	Side       string   `gorm:"uniqueIndex:idx_position_key;not null" json:"side"` // long or short
	Quantity   float64  `gorm:"not null" json:"quantity"`
	AvgPrice   float64  `gorm:"not null" json:"avg_price"`
	Leverage   int      `gorm:"not null;default:1" json:"leverage"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
}

// Trade rows are append-only; realized P&L is the sum of their pnl column.
type Trade struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	ModelID  uint    `gorm:"index;not null" json:"model_id"`
	Coin     string  `gorm:"not null" json:"coin"`
	Signal   string  `gorm:"not null" json:"signal"`
	Quantity float64 `gorm:"not null" json:"quantity"`
	Price    float64 `gorm:"not null" json:"price"`
	Leverage int     `gorm:"not null" json:"leverage"`
	Side     string  `gorm:"not null" json:"side"`
	PnL      float64 `gorm:"column:pnl;not null;default:0" json:"pnl"`
}

type AccountValue struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	ModelID        uint    `gorm:"index;not null" json:"model_id"`
	TotalValue     float64 `gorm:"not null" json:"total_value"`
	Cash           float64 `gorm:"not null" json:"cash"`
	PositionsValue float64 `gorm:"not null" json:"positions_value"`
}

type Conversation struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	ModelID    uint   `gorm:"index;not null" json:"model_id"`
	CycleID    string `json:"cycle_id"`
	UserPrompt string `gorm:"type:text" json:"user_prompt"`
	AIResponse string `gorm:"type:text" json:"ai_response"`
	CoTTrace   string `gorm:"type:text" json:"cot_trace"`
}

// MarketCacheEntry is the persisted tier of the market-data cache.
type MarketCacheEntry struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}
