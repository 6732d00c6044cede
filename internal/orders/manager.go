package orders

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"mt5-trade-agent-go/internal/channel"
	"mt5-trade-agent-go/internal/config"
	"mt5-trade-agent-go/internal/database"
	"mt5-trade-agent-go/internal/models"
	"mt5-trade-agent-go/internal/risk"

	"go.uber.org/zap"
)

// Per-instrument lifecycle states.
const (
	StateIdle         = "IDLE"
	StatePendingOpen  = "PENDING_OPEN"
	StateOpen         = "OPEN"
	StatePendingClose = "PENDING_CLOSE"
)

var (
	// ErrAlreadyOpen is returned when an open or in-flight position already
	// exists for the instrument. The caller should drop the idea.
	ErrAlreadyOpen = errors.New("orders: position already open for instrument")

	// ErrChannelUnavailable is returned when the signal channel rejected the
	// write because a prior command is still pending. The caller may retry
	// with backoff up to a bounded attempt count.
	ErrChannelUnavailable = errors.New("orders: signal channel has a pending command")

	// ErrNotOpen is returned by close/modify operations when the instrument
	// has no open position in this manager.
	ErrNotOpen = errors.New("orders: no open position for instrument")
)

// instrumentState tracks one instrument's position lifecycle. It replaces
// the ambient "current signal" of older designs: all mutable state is owned
// here, keyed by instrument.
type instrumentState struct {
	state      string
	order      *risk.SizedOrder
	commandID  string
	deadline   time.Time
	positionID uint
	lastProfit float64
	reason     string
}

// CloseOutcome reports the result of closing one position. Partial failure
// across positions is reported per position, never collapsed into a single
// boolean.
type CloseOutcome struct {
	Ticket int64
	Err    error
}

// Manager issues, tracks and closes orders against the execution venue. It
// enforces the single-open-position-per-instrument invariant and the
// single-writer discipline on the channel's command slot: it never issues a
// second command for an instrument while one is pending.
type Manager struct {
	cfg     *config.Config
	store   *database.Store
	channel channel.Channel
	logger  *zap.Logger

	mu     sync.Mutex
	states map[string]*instrumentState

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates an order lifecycle manager.
func NewManager(cfg *config.Config, store *database.Store, ch channel.Channel, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		channel: ch,
		logger:  logger.Named("orders"),
		states:  make(map[string]*instrumentState),
		now:     time.Now,
	}
}

// Restore rebuilds lifecycle state from persisted open positions, typically
// after a restart. Positions the venue still holds resume in OPEN.
func (m *Manager) Restore() error {
	positions, err := m.store.OpenPositions(m.cfg.Trading.MagicNumber)
	if err != nil {
		return fmt.Errorf("could not restore open positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range positions {
		m.states[pos.Instrument] = &instrumentState{
			state:      StateOpen,
			positionID: pos.ID,
			lastProfit: pos.Profit,
		}
		m.logger.Info("Restored open position",
			zap.String("instrument", pos.Instrument),
			zap.Int64("ticket", pos.Ticket))
	}
	return nil
}

// State returns the current lifecycle state for an instrument.
func (m *Manager) State(instrument string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateOf(instrument).state
}

// stateOf returns the instrument's state entry, creating an IDLE one on
// first use. Callers must hold m.mu.
func (m *Manager) stateOf(instrument string) *instrumentState {
	st, ok := m.states[instrument]
	if !ok {
		st = &instrumentState{state: StateIdle}
		m.states[instrument] = st
	}
	return st
}

// ExecuteTradeIdea emits an OPEN command for a sized, risk-approved order
// and moves the instrument to PENDING_OPEN. The fill is confirmed
// asynchronously by Reconcile. Failure modes are surfaced distinctly:
// ErrAlreadyOpen (drop the idea), ErrChannelUnavailable (bounded retry) or
// an underlying channel error.
func (m *Manager) ExecuteTradeIdea(order *risk.SizedOrder) error {
	instrument := order.Idea.Instrument

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateOf(instrument)
	if st.state != StateIdle {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyOpen, instrument, st.state)
	}

	// The state machine is authoritative, but a persisted OPEN row (for
	// example after a partial restart) must also block a duplicate open.
	existing, err := m.store.OpenPosition(instrument, m.cfg.Trading.MagicNumber)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s has persisted open position (ticket %d)", ErrAlreadyOpen, instrument, existing.Ticket)
	}

	action := channel.ActionOpenLong
	if order.Idea.Direction == models.DirectionShort {
		action = channel.ActionOpenShort
	}

	now := m.now()
	cmd := channel.Command{
		ID:         m.commandID(instrument, now),
		Action:     action,
		Instrument: instrument,
		Volume:     order.Volume,
		Price:      order.Idea.EntryPrice,
		StopLoss:   order.Idea.StopLoss,
		TakeProfit: order.Idea.TakeProfit,
		Magic:      m.cfg.Trading.MagicNumber,
		Comment:    fmt.Sprintf("idea:%d", order.Idea.ID),
		IssuedAt:   now,
	}

	if err := m.channel.PublishCommand(cmd); err != nil {
		if errors.Is(err, channel.ErrCommandPending) {
			return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
		}
		return fmt.Errorf("could not publish open command for %s: %w", instrument, err)
	}

	st.state = StatePendingOpen
	st.order = order
	st.commandID = cmd.ID
	st.deadline = now.Add(time.Duration(m.cfg.Trading.OpenTimeoutSeconds) * time.Second)

	m.logger.Info("Open command published",
		zap.String("instrument", instrument),
		zap.String("action", action),
		zap.Float64("volume", order.Volume),
		zap.String("command_id", cmd.ID))
	return nil
}

// ClosePosition emits a CLOSE command for the instrument's open position
// and moves it to PENDING_CLOSE.
func (m *Manager) ClosePosition(instrument, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(instrument, reason)
}

func (m *Manager) closeLocked(instrument, reason string) error {
	st := m.stateOf(instrument)
	if st.state != StateOpen {
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, instrument, st.state)
	}

	pos, err := m.store.OpenPosition(instrument, m.cfg.Trading.MagicNumber)
	if err != nil {
		return err
	}
	if pos == nil {
		// The row vanished under us; reconciliation will settle the state.
		return fmt.Errorf("%w: %s has no persisted open position", ErrNotOpen, instrument)
	}

	now := m.now()
	cmd := channel.Command{
		ID:         m.commandID(instrument, now),
		Action:     channel.ActionClose,
		Instrument: instrument,
		Ticket:     pos.Ticket,
		Magic:      m.cfg.Trading.MagicNumber,
		Comment:    reason,
		IssuedAt:   now,
	}

	if err := m.channel.PublishCommand(cmd); err != nil {
		if errors.Is(err, channel.ErrCommandPending) {
			return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
		}
		return fmt.Errorf("could not publish close command for %s: %w", instrument, err)
	}

	st.state = StatePendingClose
	st.commandID = cmd.ID
	st.deadline = now.Add(time.Duration(m.cfg.Trading.OpenTimeoutSeconds) * time.Second)
	st.reason = reason

	m.logger.Info("Close command published",
		zap.String("instrument", instrument),
		zap.Int64("ticket", pos.Ticket),
		zap.String("reason", reason))
	return nil
}

// CloseAllForInstrument closes every open position this system owns on the
// instrument and reports a per-position outcome list. With the
// one-position-per-instrument invariant this is normally a single entry,
// but the venue is not trusted to uphold our invariant.
func (m *Manager) CloseAllForInstrument(instrument, reason string) []CloseOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions, err := m.store.OpenPositions(m.cfg.Trading.MagicNumber)
	if err != nil {
		return []CloseOutcome{{Err: err}}
	}

	var outcomes []CloseOutcome
	for _, pos := range positions {
		if pos.Instrument != instrument {
			continue
		}
		outcomes = append(outcomes, CloseOutcome{
			Ticket: pos.Ticket,
			Err:    m.closeLocked(instrument, reason),
		})
	}
	return outcomes
}

// ModifyPosition emits a MODIFY command adjusting the stop-loss and/or
// take-profit of the instrument's open position. Zero leaves a level
// unchanged.
func (m *Manager) ModifyPosition(instrument string, newStopLoss, newTakeProfit float64) error {
	if newStopLoss == 0 && newTakeProfit == 0 {
		return fmt.Errorf("orders: nothing to modify for %s", instrument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateOf(instrument)
	if st.state != StateOpen {
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, instrument, st.state)
	}

	pos, err := m.store.OpenPosition(instrument, m.cfg.Trading.MagicNumber)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("%w: %s has no persisted open position", ErrNotOpen, instrument)
	}

	now := m.now()
	cmd := channel.Command{
		ID:         m.commandID(instrument, now),
		Action:     channel.ActionModify,
		Instrument: instrument,
		Ticket:     pos.Ticket,
		StopLoss:   newStopLoss,
		TakeProfit: newTakeProfit,
		Magic:      m.cfg.Trading.MagicNumber,
		IssuedAt:   now,
	}

	if err := m.channel.PublishCommand(cmd); err != nil {
		if errors.Is(err, channel.ErrCommandPending) {
			return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
		}
		return fmt.Errorf("could not publish modify command for %s: %w", instrument, err)
	}

	m.logger.Info("Modify command published",
		zap.String("instrument", instrument),
		zap.Int64("ticket", pos.Ticket),
		zap.Float64("stop_loss", newStopLoss),
		zap.Float64("take_profit", newTakeProfit))
	return nil
}

func (m *Manager) commandID(instrument string, now time.Time) string {
	return fmt.Sprintf("%s-%d", instrument, now.UnixNano())
}
