package database

import (
	"errors"
	"fmt"
	"time"

	"mt5-trade-agent-go/internal/models"

	"gorm.io/gorm"
)

// Store wraps the read and append operations the decision pipeline needs.
// Writes are append-only except for status transitions on existing rows.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on top of an open gorm connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for migrations and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// SaveTradeIdea persists a new trade idea for audit.
func (s *Store) SaveTradeIdea(idea *models.TradeIdea) error {
	if err := s.db.Create(idea).Error; err != nil {
		return fmt.Errorf("failed to save trade idea: %w", err)
	}
	return nil
}

// UpdateTradeIdeaStatus records a status transition. Terminal ideas
// (EXECUTED, REJECTED) are immutable.
func (s *Store) UpdateTradeIdeaStatus(id uint, status, reason string) error {
	var idea models.TradeIdea
	if err := s.db.First(&idea, id).Error; err != nil {
		return fmt.Errorf("trade idea %d not found: %w", id, err)
	}
	if idea.Terminal() {
		return fmt.Errorf("trade idea %d is already terminal (%s)", id, idea.Status)
	}

	updates := map[string]any{"status": status}
	if reason != "" {
		updates["rejection_reason"] = reason
	}
	if status == models.IdeaStatusExecuted {
		now := time.Now()
		updates["executed_at"] = &now
	}

	if err := s.db.Model(&idea).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update trade idea %d: %w", id, err)
	}
	return nil
}

// ExpireStaleIdeas marks PENDING ideas past their validity window as
// EXPIRED and returns how many were swept.
func (s *Store) ExpireStaleIdeas(now time.Time) (int64, error) {
	result := s.db.Model(&models.TradeIdea{}).
		Where("status = ? AND valid_until IS NOT NULL AND valid_until < ?", models.IdeaStatusPending, now).
		Updates(map[string]any{
			"status":           models.IdeaStatusExpired,
			"rejection_reason": "validity window elapsed",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire stale trade ideas: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CreatePosition records a confirmed fill.
func (s *Store) CreatePosition(pos *models.Position) error {
	if err := s.db.Create(pos).Error; err != nil {
		return fmt.Errorf("failed to create position record: %w", err)
	}
	return nil
}

// UpdatePosition refreshes mutable fields (profit, stop-loss, take-profit)
// on an open position.
func (s *Store) UpdatePosition(pos *models.Position) error {
	if err := s.db.Save(pos).Error; err != nil {
		return fmt.Errorf("failed to update position %d: %w", pos.ID, err)
	}
	return nil
}

// ClosePosition marks a position CLOSED with its realized profit.
func (s *Store) ClosePosition(id uint, profit float64, reason string, closedAt time.Time) error {
	result := s.db.Model(&models.Position{}).
		Where("id = ? AND status = ?", id, models.PositionStatusOpen).
		Updates(map[string]any{
			"status":       models.PositionStatusClosed,
			"profit":       profit,
			"close_reason": reason,
			"closed_at":    &closedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to close position %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("position %d is not open", id)
	}
	return nil
}

// OpenPosition returns the OPEN position for an instrument under the given
// magic number, or nil when there is none. At most one such row exists.
func (s *Store) OpenPosition(instrument string, magic int64) (*models.Position, error) {
	var pos models.Position
	err := s.db.Where("instrument = ? AND magic = ? AND status = ?",
		instrument, magic, models.PositionStatusOpen).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open position for %s: %w", instrument, err)
	}
	return &pos, nil
}

// OpenPositions returns all OPEN positions owned by the given magic number.
func (s *Store) OpenPositions(magic int64) ([]models.Position, error) {
	var positions []models.Position
	err := s.db.Where("magic = ? AND status = ?", magic, models.PositionStatusOpen).
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	return positions, nil
}

// PositionsForDay returns every position opened on the given trading day
// (UTC) under the given magic number, open or closed. The daily risk budget
// is recomputed from these rows on every query.
func (s *Store) PositionsForDay(day time.Time, magic int64) ([]models.Position, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	var positions []models.Position
	err := s.db.Where("magic = ? AND opened_at >= ? AND opened_at < ?", magic, start, end).
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query positions for day: %w", err)
	}
	return positions, nil
}

// LogEvent appends an audit record. Failures are returned but callers
// generally log and continue; audit writes never gate the pipeline.
func (s *Store) LogEvent(level, module, instrument, message string) error {
	event := models.EventLog{
		Level:      level,
		Module:     module,
		Instrument: instrument,
		Message:    message,
	}
	if err := s.db.Create(&event).Error; err != nil {
		return fmt.Errorf("failed to append event log: %w", err)
	}
	return nil
}
