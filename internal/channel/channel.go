package channel

import (
	"errors"
	"time"
)

// Command actions understood by the execution terminal.
const (
	ActionOpenLong  = "OPEN_LONG"
	ActionOpenShort = "OPEN_SHORT"
	ActionClose     = "CLOSE"
	ActionModify    = "MODIFY"
)

var (
	// ErrCommandPending is returned by PublishCommand while a previously
	// published command has not been consumed by the execution side. The
	// channel holds at most one pending command.
	ErrCommandPending = errors.New("channel: a command is already pending")

	// ErrNoStatus is returned by ReadStatus when the execution side has
	// never published a status snapshot.
	ErrNoStatus = errors.New("channel: no status report available")

	// ErrStatusStale is returned by ReadStatus when the latest snapshot is
	// older than the staleness threshold. Callers must treat the terminal
	// as unavailable, not use the stale values as current truth.
	ErrStatusStale = errors.New("channel: status report is stale")
)

// Command is an instruction from the decision side to the execution
// terminal. Delivery is at-most-once: the terminal removes the command
// from the channel before acting on it.
type Command struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Instrument string    `json:"instrument"`
	Volume     float64   `json:"volume,omitempty"`
	Price      float64   `json:"price,omitempty"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	Ticket     int64     `json:"ticket,omitempty"`
	Magic      int64     `json:"magic"`
	Comment    string    `json:"comment,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
}

// PositionStatus is the venue's view of one open position, included in
// every status snapshot so the decision side can confirm fills and detect
// externally closed positions.
type PositionStatus struct {
	Ticket     int64   `json:"ticket"`
	Instrument string  `json:"instrument"`
	Direction  string  `json:"direction"`
	Volume     float64 `json:"volume"`
	OpenPrice  float64 `json:"open_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Profit     float64 `json:"profit"`
	Magic      int64   `json:"magic"`
}

// Command outcome statuses reported by the execution terminal.
const (
	ResultExecuted = "EXECUTED"
	ResultRejected = "REJECTED"
)

// CommandResult is the terminal's verdict on the most recent command it
// consumed for an instrument. A REJECTED result means the venue refused
// the order (for example a stop too close to market), which is distinct
// from the command simply not having been consumed yet.
type CommandResult struct {
	CommandID string    `json:"command_id"`
	Status    string    `json:"status"`
	Ticket    int64     `json:"ticket,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusReport is a periodic per-instrument snapshot from the execution
// terminal. Each report supersedes the prior one for its instrument; there
// is no ordering guarantee beyond latest-wins.
type StatusReport struct {
	Instrument    string           `json:"instrument"`
	Bid           float64          `json:"bid"`
	Ask           float64          `json:"ask"`
	Balance       float64          `json:"balance"`
	Equity        float64          `json:"equity"`
	OpenPositions []PositionStatus `json:"open_positions"`
	LastCommand   *CommandResult   `json:"last_command,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// PositionFor returns the venue position for the given instrument owned by
// the given magic number, if the snapshot contains one.
func (r *StatusReport) PositionFor(instrument string, magic int64) (PositionStatus, bool) {
	for _, p := range r.OpenPositions {
		if p.Instrument == instrument && p.Magic == magic {
			return p, true
		}
	}
	return PositionStatus{}, false
}

// Channel is the asynchronous single-slot exchange between the decision
// process and the execution terminal. The command slot holds at most one
// unconsumed command; the status slot holds the latest snapshot only.
// Implementations must tolerate either side being offline.
type Channel interface {
	// PublishCommand writes a command for exactly one execution-side poll
	// cycle to observe. It fails with ErrCommandPending while a prior
	// command is unconsumed.
	PublishCommand(cmd Command) error

	// ConsumeCommand removes and returns the pending command, or (nil, nil)
	// when the slot is empty. Removal happens before the caller acts, so a
	// crash after removal loses the command (at-most-once).
	ConsumeCommand() (*Command, error)

	// CommandPending reports whether an unconsumed command occupies the slot
	// without disturbing it.
	CommandPending() (bool, error)

	// PublishStatus overwrites the instrument's status slot with the latest
	// snapshot.
	PublishStatus(report StatusReport) error

	// ReadStatus returns the latest snapshot for an instrument. It fails
	// with ErrNoStatus when none exists and ErrStatusStale when the snapshot
	// is older than the staleness threshold.
	ReadStatus(instrument string) (*StatusReport, error)
}
