package orders

import (
	"testing"
	"time"

	"mt5-trade-agent-go/internal/channel"
	"mt5-trade-agent-go/internal/config"
	"mt5-trade-agent-go/internal/database"
	"mt5-trade-agent-go/internal/models"
	"mt5-trade-agent-go/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testMagic = int64(123456)

func testConfig() *config.Config {
	return &config.Config{
		Trading: config.Trading{
			Instruments: []config.Instrument{{
				Symbol: "EURUSD", PipSize: 0.0001, PipValuePerLot: 10,
				MinLot: 0.01, MaxLot: 100, LotStep: 0.01, MinStopPips: 5,
			}},
			MagicNumber:        testMagic,
			OpenTimeoutSeconds: 30,
		},
		Channel: config.Channel{StatusIntervalSeconds: 5, StalenessFactor: 2},
	}
}

// setupTest builds a manager over an in-memory database and a file-drop
// channel rooted in a temp directory.
func setupTest(t *testing.T) (*Manager, *database.Store, *channel.FileDrop) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	store := database.NewStore(db)

	ch, err := channel.NewFileDrop(t.TempDir(), 10*time.Second, zap.NewNop())
	require.NoError(t, err)

	return NewManager(testConfig(), store, ch, zap.NewNop()), store, ch
}

// sizedOrder persists a trade idea and wraps it like the risk engine would.
func sizedOrder(t *testing.T, store *database.Store) *risk.SizedOrder {
	idea := &models.TradeIdea{
		Instrument: "EURUSD",
		Direction:  models.DirectionLong,
		EntryPrice: 1.1000,
		StopLoss:   1.0950,
		TakeProfit: 1.1100,
		Status:     models.IdeaStatusPending,
	}
	require.NoError(t, store.SaveTradeIdea(idea))
	return &risk.SizedOrder{
		Idea:       idea,
		Volume:     0.2,
		RiskAmount: 100,
		RiskPips:   50,
	}
}

func report(positions ...channel.PositionStatus) *channel.StatusReport {
	return &channel.StatusReport{
		Instrument:    "EURUSD",
		Bid:           1.1000,
		Ask:           1.1002,
		Balance:       10000,
		Equity:        10000,
		OpenPositions: positions,
		Timestamp:     time.Now(),
	}
}

func venuePosition(ticket int64) channel.PositionStatus {
	return channel.PositionStatus{
		Ticket:     ticket,
		Instrument: "EURUSD",
		Direction:  models.DirectionLong,
		Volume:     0.2,
		OpenPrice:  1.1001,
		StopLoss:   1.0950,
		TakeProfit: 1.1100,
		Profit:     0,
		Magic:      testMagic,
	}
}

func TestExecuteTradeIdea_PublishesOpenCommand(t *testing.T) {
	m, store, ch := setupTest(t)
	order := sizedOrder(t, store)

	require.NoError(t, m.ExecuteTradeIdea(order))
	assert.Equal(t, StatePendingOpen, m.State("EURUSD"))

	cmd, err := ch.ConsumeCommand()
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, channel.ActionOpenLong, cmd.Action)
	assert.Equal(t, "EURUSD", cmd.Instrument)
	assert.Equal(t, 0.2, cmd.Volume)
	assert.Equal(t, testMagic, cmd.Magic)
}

func TestExecuteTradeIdea_AlreadyOpen(t *testing.T) {
	m, store, ch := setupTest(t)

	require.NoError(t, m.ExecuteTradeIdea(sizedOrder(t, store)))
	_, err := ch.ConsumeCommand() // free the command slot
	require.NoError(t, err)

	// A second execute for the same instrument while one is in flight must
	// fail without emitting a command.
	err = m.ExecuteTradeIdea(sizedOrder(t, store))
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	pending, err := ch.CommandPending()
	require.NoError(t, err)
	assert.False(t, pending, "no second command may be emitted")
}

func TestExecuteTradeIdea_ChannelUnavailable(t *testing.T) {
	m, store, ch := setupTest(t)

	// Occupy the single command slot with an unrelated command.
	require.NoError(t, ch.PublishCommand(channel.Command{ID: "other", Action: channel.ActionClose, Instrument: "GBPUSD"}))

	err := m.ExecuteTradeIdea(sizedOrder(t, store))
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Equal(t, StateIdle, m.State("EURUSD"))
}

func TestReconcile_FillConfirmed(t *testing.T) {
	m, store, ch := setupTest(t)
	order := sizedOrder(t, store)

	require.NoError(t, m.ExecuteTradeIdea(order))
	_, err := ch.ConsumeCommand()
	require.NoError(t, err)

	m.Reconcile(report(venuePosition(42)))

	assert.Equal(t, StateOpen, m.State("EURUSD"))

	pos, err := store.OpenPosition("EURUSD", testMagic)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(42), pos.Ticket)
	assert.Equal(t, 1.1001, pos.EntryPrice)
	assert.Equal(t, order.Idea.ID, pos.TradeIdeaID)

	var idea models.TradeIdea
	require.NoError(t, store.DB().First(&idea, order.Idea.ID).Error)
	assert.Equal(t, models.IdeaStatusExecuted, idea.Status)
}

func TestReconcile_VenueRejected(t *testing.T) {
	m, store, ch := setupTest(t)
	order := sizedOrder(t, store)

	require.NoError(t, m.ExecuteTradeIdea(order))
	cmd, err := ch.ConsumeCommand()
	require.NoError(t, err)

	rep := report()
	rep.LastCommand = &channel.CommandResult{
		CommandID: cmd.ID,
		Status:    channel.ResultRejected,
		Message:   "stop too close to market",
		Timestamp: time.Now(),
	}
	m.Reconcile(rep)

	assert.Equal(t, StateIdle, m.State("EURUSD"))

	var idea models.TradeIdea
	require.NoError(t, store.DB().First(&idea, order.Idea.ID).Error)
	assert.Equal(t, models.IdeaStatusRejected, idea.Status)
	assert.Contains(t, idea.RejectionReason, "stop too close")
}

func TestReconcile_OpenTimeout(t *testing.T) {
	m, store, ch := setupTest(t)
	order := sizedOrder(t, store)

	require.NoError(t, m.ExecuteTradeIdea(order))
	_, err := ch.ConsumeCommand()
	require.NoError(t, err)

	// Jump past the confirmation deadline.
	m.now = func() time.Time { return time.Now().Add(time.Minute) }
	m.Reconcile(report())

	// Failed open: back to IDLE, idea expired, no position created.
	assert.Equal(t, StateIdle, m.State("EURUSD"))

	pos, err := store.OpenPosition("EURUSD", testMagic)
	require.NoError(t, err)
	assert.Nil(t, pos)

	var idea models.TradeIdea
	require.NoError(t, store.DB().First(&idea, order.Idea.ID).Error)
	assert.Equal(t, models.IdeaStatusExpired, idea.Status)
}

func TestReconcile_ExternalClose(t *testing.T) {
	m, store, ch := setupTest(t)
	order := sizedOrder(t, store)

	require.NoError(t, m.ExecuteTradeIdea(order))
	_, err := ch.ConsumeCommand()
	require.NoError(t, err)
	m.Reconcile(report(venuePosition(42)))
	require.Equal(t, StateOpen, m.State("EURUSD"))

	// Profit refresh while open.
	withProfit := venuePosition(42)
	withProfit.Profit = -35.5
	m.Reconcile(report(withProfit))

	// The venue no longer holds the position: stop hit or manual close.
	m.Reconcile(report())

	assert.Equal(t, StateIdle, m.State("EURUSD"))
	pos, err := store.OpenPosition("EURUSD", testMagic)
	require.NoError(t, err)
	assert.Nil(t, pos)

	var closed models.Position
	require.NoError(t, store.DB().Where("ticket = ?", 42).First(&closed).Error)
	assert.Equal(t, models.PositionStatusClosed, closed.Status)
	assert.Equal(t, -35.5, closed.Profit)
	assert.Equal(t, "closed at venue", closed.CloseReason)
}

func TestClosePosition_FullCycle(t *testing.T) {
	m, store, ch := setupTest(t)

	require.NoError(t, m.ExecuteTradeIdea(sizedOrder(t, store)))
	_, err := ch.ConsumeCommand()
	require.NoError(t, err)
	m.Reconcile(report(venuePosition(42)))
	require.Equal(t, StateOpen, m.State("EURUSD"))

	require.NoError(t, m.ClosePosition("EURUSD", "risk ceiling breach"))
	assert.Equal(t, StatePendingClose, m.State("EURUSD"))

	cmd, err := ch.ConsumeCommand()
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, channel.ActionClose, cmd.Action)
	assert.Equal(t, int64(42), cmd.Ticket)

	// Confirmation: the venue no longer reports the position.
	m.Reconcile(report())
	assert.Equal(t, StateIdle, m.State("EURUSD"))

	var closed models.Position
	require.NoError(t, store.DB().Where("ticket = ?", 42).First(&closed).Error)
	assert.Equal(t, models.PositionStatusClosed, closed.Status)
	assert.Equal(t, "risk ceiling breach", closed.CloseReason)
}

func TestClosePosition_NotOpen(t *testing.T) {
	m, _, _ := setupTest(t)
	err := m.ClosePosition("EURUSD", "nothing there")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestCloseAllForInstrument_ReportsPerPositionOutcomes(t *testing.T) {
	m, store, ch := setupTest(t)

	require.NoError(t, m.ExecuteTradeIdea(sizedOrder(t, store)))
	_, err := ch.ConsumeCommand()
	require.NoError(t, err)
	m.Reconcile(report(venuePosition(42)))

	outcomes := m.CloseAllForInstrument("EURUSD", "shutdown")
	require.Len(t, outcomes, 1)
	assert.Equal(t, int64(42), outcomes[0].Ticket)
	assert.NoError(t, outcomes[0].Err)

	outcomes = m.CloseAllForInstrument("GBPUSD", "shutdown")
	assert.Empty(t, outcomes)
}

func TestModifyPosition(t *testing.T) {
	m, store, ch := setupTest(t)

	require.NoError(t, m.ExecuteTradeIdea(sizedOrder(t, store)))
	_, err := ch.ConsumeCommand()
	require.NoError(t, err)
	m.Reconcile(report(venuePosition(42)))

	require.NoError(t, m.ModifyPosition("EURUSD", 1.0980, 0))

	cmd, err := ch.ConsumeCommand()
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, channel.ActionModify, cmd.Action)
	assert.Equal(t, 1.0980, cmd.StopLoss)
	assert.Equal(t, int64(42), cmd.Ticket)

	// Modifying without an open position is an error.
	err = m.ModifyPosition("GBPUSD", 1.2500, 0)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestRestore_ResumesOpenState(t *testing.T) {
	m, store, _ := setupTest(t)

	require.NoError(t, store.CreatePosition(&models.Position{
		Instrument: "EURUSD", Direction: models.DirectionLong, Volume: 0.2,
		EntryPrice: 1.1000, StopLoss: 1.0950, Ticket: 42, Magic: testMagic,
		Status: models.PositionStatusOpen, OpenedAt: time.Now().UTC(),
	}))

	require.NoError(t, m.Restore())
	assert.Equal(t, StateOpen, m.State("EURUSD"))
}

func TestReconcile_AdoptsUntrackedVenuePosition(t *testing.T) {
	m, store, _ := setupTest(t)

	// IDLE, but the venue reports a position carrying our magic.
	m.Reconcile(report(venuePosition(77)))

	assert.Equal(t, StateOpen, m.State("EURUSD"))
	pos, err := store.OpenPosition("EURUSD", testMagic)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(77), pos.Ticket)
}
