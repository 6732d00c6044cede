package models

import (
	"time"

	"gorm.io/gorm"
)

// Position statuses.
const (
	PositionStatusOpen   = "OPEN"
	PositionStatusClosed = "CLOSED"
)

// Position is our record of a live or historical position at the venue.
// The Magic field is the correlation identifier that separates this
// system's positions from manual activity on the same account; at most
// one OPEN row may exist per (instrument, magic).
type Position struct {
	gorm.Model
	Instrument  string  `gorm:"index;not null" json:"instrument"`
	Direction   string  `gorm:"not null" json:"direction"`
	Volume      float64 `json:"volume"`
	EntryPrice  float64 `json:"entry_price"`
	StopLoss    float64 `json:"stop_loss"`
	TakeProfit  float64 `json:"take_profit"`
	Profit      float64 `json:"profit"`
	Ticket      int64   `gorm:"index" json:"ticket"`
	Magic       int64   `gorm:"index" json:"magic"`
	Status      string  `gorm:"index;default:OPEN" json:"status"`
	CloseReason string  `json:"close_reason,omitempty"`
	TradeIdeaID uint    `json:"trade_idea_id"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}
