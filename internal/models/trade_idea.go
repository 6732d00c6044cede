package models

import (
	"time"

	"gorm.io/gorm"
)

// Trade directions as reported by the analysis service.
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// TradeIdea lifecycle statuses.
const (
	IdeaStatusPending  = "PENDING"
	IdeaStatusApproved = "APPROVED"
	IdeaStatusRejected = "REJECTED"
	IdeaStatusExpired  = "EXPIRED"
	IdeaStatusExecuted = "EXECUTED"
)

// TradeIdea is a candidate trade proposed by the analysis service.
// It is persisted on creation and on every status change for audit.
// Once EXECUTED or REJECTED it is never mutated again.
type TradeIdea struct {
	gorm.Model
	Instrument      string  `gorm:"index;not null" json:"instrument"`
	Direction       string  `gorm:"not null" json:"direction"` // LONG or SHORT
	EntryPrice      float64 `json:"entry_price"`
	StopLoss        float64 `json:"stop_loss"`
	TakeProfit      float64 `json:"take_profit"`
	Confidence      float64 `json:"confidence"`
	Justification   string  `json:"justification"`
	Status          string  `gorm:"index;default:PENDING" json:"status"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
	ValidUntil      *time.Time `json:"valid_until,omitempty"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
}

// Terminal reports whether the idea may no longer change status.
func (t *TradeIdea) Terminal() bool {
	return t.Status == IdeaStatusExecuted || t.Status == IdeaStatusRejected
}
