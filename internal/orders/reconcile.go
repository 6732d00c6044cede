package orders

import (
	"time"

	"mt5-trade-agent-go/internal/channel"
	"mt5-trade-agent-go/internal/models"

	"go.uber.org/zap"
)

// Reconcile folds the latest status snapshot for one instrument into the
// lifecycle state machine. The channel gives no delivery acknowledgment, so
// this is the only place fills, venue rejections, timeouts and external
// closes are detected. It never emits commands.
func (m *Manager) Reconcile(report *channel.StatusReport) {
	instrument := report.Instrument
	l := m.logger.With(zap.String("instrument", instrument))

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateOf(instrument)
	venuePos, held := report.PositionFor(instrument, m.cfg.Trading.MagicNumber)

	switch st.state {
	case StatePendingOpen:
		m.reconcilePendingOpen(st, report, venuePos, held, l)
	case StateOpen:
		m.reconcileOpen(st, venuePos, held, l)
	case StatePendingClose:
		m.reconcilePendingClose(st, venuePos, held, l)
	case StateIdle:
		if held {
			// A venue position with our magic that we do not track, e.g.
			// opened before a crash that lost the local state. Adopt it so
			// the invariant and the risk budget see it.
			m.adoptPosition(venuePos, l)
		}
	}
}

func (m *Manager) reconcilePendingOpen(st *instrumentState, report *channel.StatusReport, venuePos channel.PositionStatus, held bool, l *zap.Logger) {
	// An explicit venue refusal of our command ends the attempt.
	if lc := report.LastCommand; lc != nil && lc.CommandID == st.commandID && lc.Status == channel.ResultRejected {
		l.Warn("Venue rejected the open command",
			zap.String("command_id", st.commandID),
			zap.String("message", lc.Message))
		m.logEvent("WARN", venueRejectedMessage(st, lc), report.Instrument)
		m.rejectIdea(st, "venue rejected: "+lc.Message, l)
		m.resetToIdle(st)
		return
	}

	if held {
		// Fill confirmed: the venue holds a position with our magic.
		pos := &models.Position{
			Instrument: venuePos.Instrument,
			Direction:  st.order.Idea.Direction,
			Volume:     venuePos.Volume,
			EntryPrice: venuePos.OpenPrice,
			StopLoss:   venuePos.StopLoss,
			TakeProfit: venuePos.TakeProfit,
			Profit:     venuePos.Profit,
			Ticket:     venuePos.Ticket,
			Magic:      m.cfg.Trading.MagicNumber,
			Status:     models.PositionStatusOpen,
			TradeIdeaID: st.order.Idea.ID,
			OpenedAt:   m.now().UTC(),
		}
		if err := m.store.CreatePosition(pos); err != nil {
			l.Error("Failed to persist confirmed position", zap.Error(err))
			// Keep waiting; the next reconcile retries the write.
			return
		}
		if err := m.store.UpdateTradeIdeaStatus(st.order.Idea.ID, models.IdeaStatusExecuted, ""); err != nil {
			l.Error("Failed to mark trade idea executed", zap.Error(err))
		}
		l.Info("Fill confirmed",
			zap.Int64("ticket", venuePos.Ticket),
			zap.Float64("volume", venuePos.Volume))

		st.state = StateOpen
		st.positionID = pos.ID
		st.lastProfit = venuePos.Profit
		st.order = nil
		st.commandID = ""
		return
	}

	if m.now().After(st.deadline) {
		// Failed open: no confirmation arrived in time. Logged, not retried
		// automatically; a fresh trade idea is required.
		l.Warn("Open command not confirmed within timeout",
			zap.String("command_id", st.commandID))
		m.logEvent("WARN", "open command not confirmed within timeout", report.Instrument)
		m.expireIdea(st, l)
		m.resetToIdle(st)
	}
}

func (m *Manager) reconcileOpen(st *instrumentState, venuePos channel.PositionStatus, held bool, l *zap.Logger) {
	if held {
		// Refresh profit and levels from the venue snapshot.
		pos, err := m.store.OpenPosition(venuePos.Instrument, m.cfg.Trading.MagicNumber)
		if err != nil || pos == nil {
			l.Error("Open state without a persisted position row", zap.Error(err))
			return
		}
		pos.Profit = venuePos.Profit
		pos.StopLoss = venuePos.StopLoss
		pos.TakeProfit = venuePos.TakeProfit
		if err := m.store.UpdatePosition(pos); err != nil {
			l.Error("Failed to refresh position", zap.Error(err))
			return
		}
		st.lastProfit = venuePos.Profit
		return
	}

	// Position gone at the venue without a close command from us: closed
	// externally (stop hit, take-profit, manual close).
	l.Info("Position closed at the venue", zap.Float64("last_known_profit", st.lastProfit))
	m.closeRecord(st, "closed at venue", l)
	m.resetToIdle(st)
}

func (m *Manager) reconcilePendingClose(st *instrumentState, venuePos channel.PositionStatus, held bool, l *zap.Logger) {
	if !held {
		l.Info("Close confirmed", zap.Float64("last_known_profit", st.lastProfit))
		m.closeRecord(st, st.reason, l)
		m.resetToIdle(st)
		return
	}

	// Keep the profit fresh while the close is in flight.
	st.lastProfit = venuePos.Profit

	if m.now().After(st.deadline) {
		// The close was not confirmed; fall back to OPEN so monitoring
		// continues and the close can be reissued deliberately.
		l.Warn("Close command not confirmed within timeout, reverting to OPEN")
		m.logEvent("WARN", "close command not confirmed within timeout", venuePos.Instrument)
		st.state = StateOpen
		st.commandID = ""
		st.reason = ""
	}
}

// adoptPosition records a venue position we have no row for.
func (m *Manager) adoptPosition(venuePos channel.PositionStatus, l *zap.Logger) {
	existing, err := m.store.OpenPosition(venuePos.Instrument, m.cfg.Trading.MagicNumber)
	if err != nil {
		l.Error("Failed to look up position for adoption", zap.Error(err))
		return
	}

	st := m.stateOf(venuePos.Instrument)
	if existing == nil {
		pos := &models.Position{
			Instrument: venuePos.Instrument,
			Direction:  venuePos.Direction,
			Volume:     venuePos.Volume,
			EntryPrice: venuePos.OpenPrice,
			StopLoss:   venuePos.StopLoss,
			TakeProfit: venuePos.TakeProfit,
			Profit:     venuePos.Profit,
			Ticket:     venuePos.Ticket,
			Magic:      m.cfg.Trading.MagicNumber,
			Status:     models.PositionStatusOpen,
			OpenedAt:   m.now().UTC(),
		}
		if err := m.store.CreatePosition(pos); err != nil {
			l.Error("Failed to adopt venue position", zap.Error(err))
			return
		}
		st.positionID = pos.ID
		l.Warn("Adopted untracked venue position", zap.Int64("ticket", venuePos.Ticket))
	} else {
		st.positionID = existing.ID
	}
	st.state = StateOpen
	st.lastProfit = venuePos.Profit
}

// closeRecord marks the persisted position CLOSED with the last profit the
// venue reported.
func (m *Manager) closeRecord(st *instrumentState, reason string, l *zap.Logger) {
	if st.positionID == 0 {
		return
	}
	if err := m.store.ClosePosition(st.positionID, st.lastProfit, reason, m.now().UTC()); err != nil {
		l.Error("Failed to close position record", zap.Error(err))
	}
}

// rejectIdea marks the pending idea REJECTED with the venue's reason.
func (m *Manager) rejectIdea(st *instrumentState, reason string, l *zap.Logger) {
	if st.order == nil {
		return
	}
	if err := m.store.UpdateTradeIdeaStatus(st.order.Idea.ID, models.IdeaStatusRejected, reason); err != nil {
		l.Error("Failed to mark trade idea rejected", zap.Error(err))
	}
}

// expireIdea marks the pending idea EXPIRED after an unconfirmed open.
func (m *Manager) expireIdea(st *instrumentState, l *zap.Logger) {
	if st.order == nil {
		return
	}
	if err := m.store.UpdateTradeIdeaStatus(st.order.Idea.ID, models.IdeaStatusExpired, "open not confirmed within timeout"); err != nil {
		l.Error("Failed to mark trade idea expired", zap.Error(err))
	}
}

func (m *Manager) resetToIdle(st *instrumentState) {
	st.state = StateIdle
	st.order = nil
	st.commandID = ""
	st.deadline = time.Time{}
	st.positionID = 0
	st.lastProfit = 0
	st.reason = ""
}

func (m *Manager) logEvent(level, message, instrument string) {
	if err := m.store.LogEvent(level, "orders", instrument, message); err != nil {
		m.logger.Warn("Failed to append event log", zap.Error(err))
	}
}

func venueRejectedMessage(st *instrumentState, lc *channel.CommandResult) string {
	return "venue rejected command " + st.commandID + ": " + lc.Message
}
