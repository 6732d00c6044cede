package channel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const commandFileName = "command.json"

// FileDrop implements Channel over a directory shared with the execution
// terminal. Each slot is a single JSON file: the presence of command.json
// is the "pending" state, and status_<SYMBOL>.json always holds the latest
// snapshot for that instrument. Writes go through a temp file and rename so
// a reader never observes a partial document.
type FileDrop struct {
	dir       string
	staleness time.Duration
	logger    *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// ensure FileDrop implements the interface
var _ Channel = (*FileDrop)(nil)

// NewFileDrop creates a file-backed channel rooted at dir. A status report
// older than staleness is treated as unknown rather than current truth.
func NewFileDrop(dir string, staleness time.Duration, logger *zap.Logger) (*FileDrop, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create channel directory %s: %w", dir, err)
	}
	return &FileDrop{
		dir:       dir,
		staleness: staleness,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (f *FileDrop) commandPath() string { return filepath.Join(f.dir, commandFileName) }

func (f *FileDrop) statusPath(instrument string) string {
	return filepath.Join(f.dir, fmt.Sprintf("status_%s.json", instrument))
}

// PublishCommand writes the command into the single pending slot.
func (f *FileDrop) PublishCommand(cmd Command) error {
	pending, err := f.CommandPending()
	if err != nil {
		return err
	}
	if pending {
		return ErrCommandPending
	}

	if err := f.writeAtomic(f.commandPath(), cmd); err != nil {
		return fmt.Errorf("could not publish command: %w", err)
	}
	f.logger.Debug("Published command",
		zap.String("action", cmd.Action),
		zap.String("instrument", cmd.Instrument),
		zap.String("command_id", cmd.ID))
	return nil
}

// ConsumeCommand removes the pending command before returning it. A crash
// between the remove and the caller acting loses the command; a crash
// before the remove redelivers it on the next poll.
func (f *FileDrop) ConsumeCommand() (*Command, error) {
	data, err := os.ReadFile(f.commandPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read command slot: %w", err)
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		// A corrupt slot would block the channel forever; clear it.
		f.logger.Warn("Discarding unparseable command slot", zap.Error(err))
		_ = os.Remove(f.commandPath())
		return nil, fmt.Errorf("could not decode command: %w", err)
	}

	if err := os.Remove(f.commandPath()); err != nil {
		return nil, fmt.Errorf("could not clear command slot: %w", err)
	}
	return &cmd, nil
}

// CommandPending reports whether the command slot is occupied.
func (f *FileDrop) CommandPending() (bool, error) {
	_, err := os.Stat(f.commandPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not stat command slot: %w", err)
	}
	return true, nil
}

// PublishStatus overwrites the instrument's status slot; the previous
// snapshot is superseded.
func (f *FileDrop) PublishStatus(report StatusReport) error {
	if report.Instrument == "" {
		return fmt.Errorf("status report has no instrument")
	}
	if err := f.writeAtomic(f.statusPath(report.Instrument), report); err != nil {
		return fmt.Errorf("could not publish status: %w", err)
	}
	return nil
}

// ReadStatus returns the latest snapshot for an instrument, or
// ErrStatusStale once it has outlived the staleness threshold.
func (f *FileDrop) ReadStatus(instrument string) (*StatusReport, error) {
	data, err := os.ReadFile(f.statusPath(instrument))
	if os.IsNotExist(err) {
		return nil, ErrNoStatus
	}
	if err != nil {
		return nil, fmt.Errorf("could not read status slot: %w", err)
	}

	var report StatusReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("could not decode status report: %w", err)
	}

	if f.staleness > 0 && f.now().Sub(report.Timestamp) > f.staleness {
		return &report, ErrStatusStale
	}
	return &report, nil
}

// writeAtomic serializes v and renames it into place so concurrent readers
// see either the old document or the new one, never a torn write.
func (f *FileDrop) writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, ".slot-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
