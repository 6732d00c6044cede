package agent

import (
	"context"
	"testing"
	"time"

	"mt5-trade-agent-go/internal/analysis"
	"mt5-trade-agent-go/internal/channel"
	"mt5-trade-agent-go/internal/config"
	"mt5-trade-agent-go/internal/database"
	"mt5-trade-agent-go/internal/models"
	"mt5-trade-agent-go/internal/orders"
	"mt5-trade-agent-go/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testMagic = int64(123456)

// MockAnalyst is a mock implementation of the analysis ClientInterface.
type MockAnalyst struct {
	mock.Mock
}

func (m *MockAnalyst) RequestIdea(ctx context.Context, snapshot analysis.Snapshot) (*analysis.Recommendation, error) {
	args := m.Called(snapshot.Instrument)
	if rec := args.Get(0); rec != nil {
		return rec.(*analysis.Recommendation), args.Error(1)
	}
	return nil, args.Error(1)
}

func testConfig() *config.Config {
	return &config.Config{
		Trading: config.Trading{
			Instruments: []config.Instrument{{
				Symbol: "EURUSD", PipSize: 0.0001, PipValuePerLot: 10,
				MinLot: 0.01, MaxLot: 100, LotStep: 0.01, MinStopPips: 5,
			}},
			MagicNumber:             testMagic,
			RiskPercentage:          1.0,
			DailyRiskCeilingPct:     5.0,
			MinRewardRisk:           1.0,
			TickInterval:            1,
			AnalysisIntervalSeconds: 300,
			OpenTimeoutSeconds:      30,
			IdeaTTLMinutes:          60,
		},
		Channel: config.Channel{
			StatusIntervalSeconds:  5,
			StalenessFactor:        2,
			PublishRetryAttempts:   2,
			PublishRetryBaseMillis: 1,
		},
	}
}

// setupTest builds a full coordinator over an in-memory database, a file-drop
// channel in a temp directory and a mocked analysis service.
func setupTest(t *testing.T) (*Agent, *MockAnalyst, *database.Store, *channel.FileDrop) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	store := database.NewStore(db)

	ch, err := channel.NewFileDrop(t.TempDir(), 10*time.Second, zap.NewNop())
	require.NoError(t, err)

	cfg := testConfig()
	analyst := new(MockAnalyst)
	riskEngine := risk.NewEngine(cfg, store, zap.NewNop())
	orderManager := orders.NewManager(cfg, store, ch, zap.NewNop())

	return NewAgent(zap.NewNop(), cfg, store, ch, analyst, riskEngine, orderManager), analyst, store, ch
}

func publishStatus(t *testing.T, ch *channel.FileDrop, positions ...channel.PositionStatus) {
	require.NoError(t, ch.PublishStatus(channel.StatusReport{
		Instrument:    "EURUSD",
		Bid:           1.1000,
		Ask:           1.1002,
		Balance:       10000,
		Equity:        10000,
		OpenPositions: positions,
		Timestamp:     time.Now(),
	}))
}

func enterRecommendation() *analysis.Recommendation {
	return &analysis.Recommendation{
		Action:        analysis.ActionEnter,
		Direction:     models.DirectionLong,
		EntryPrice:    1.1000,
		StopLoss:      1.0950,
		TakeProfit:    1.1100,
		Confidence:    0.8,
		Justification: "bullish continuation",
	}
}

func TestRunCycle_ExecutesApprovedIdea(t *testing.T) {
	a, analyst, store, ch := setupTest(t)
	publishStatus(t, ch)
	analyst.On("RequestIdea", "EURUSD").Return(enterRecommendation(), nil)

	a.runCycle(context.Background())

	// Sized by risk: 1% of 10000 over 50 pips at 10/pip/lot = 0.20 lots.
	cmd, err := ch.ConsumeCommand()
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, channel.ActionOpenLong, cmd.Action)
	assert.Equal(t, "EURUSD", cmd.Instrument)
	assert.InDelta(t, 0.20, cmd.Volume, 1e-9)
	assert.Equal(t, testMagic, cmd.Magic)

	assert.Equal(t, orders.StatePendingOpen, a.orders.State("EURUSD"))

	var idea models.TradeIdea
	require.NoError(t, store.DB().First(&idea).Error)
	assert.Equal(t, models.IdeaStatusApproved, idea.Status)
	require.NotNil(t, idea.ValidUntil)

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.Cycles)
	assert.Equal(t, uint64(1), stats.IdeasGenerated)
	assert.Equal(t, uint64(1), stats.IdeasExecuted)
	analyst.AssertExpectations(t)
}

func TestRunCycle_NoSignal(t *testing.T) {
	a, analyst, store, ch := setupTest(t)
	publishStatus(t, ch)
	analyst.On("RequestIdea", "EURUSD").Return(nil, nil)

	a.runCycle(context.Background())

	pending, err := ch.CommandPending()
	require.NoError(t, err)
	assert.False(t, pending)

	var count int64
	require.NoError(t, store.DB().Model(&models.TradeIdea{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, uint64(1), a.Stats().NoSignal)
}

func TestRunCycle_AnalysisFailureIsNotFatal(t *testing.T) {
	a, analyst, store, ch := setupTest(t)
	publishStatus(t, ch)
	analyst.On("RequestIdea", "EURUSD").Return(nil, assert.AnError)

	a.runCycle(context.Background())

	var count int64
	require.NoError(t, store.DB().Model(&models.TradeIdea{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, uint64(1), a.Stats().NoSignal)
	assert.False(t, a.Suspended("EURUSD"))
}

func TestRunCycle_RejectsIdeaFailingValidation(t *testing.T) {
	a, analyst, store, ch := setupTest(t)
	publishStatus(t, ch)

	// Reward/risk below the 1.0 minimum: 30 pips reward over 50 pips risk.
	rec := enterRecommendation()
	rec.TakeProfit = 1.1030
	analyst.On("RequestIdea", "EURUSD").Return(rec, nil)

	a.runCycle(context.Background())

	pending, err := ch.CommandPending()
	require.NoError(t, err)
	assert.False(t, pending, "rejected ideas must not reach the channel")

	var idea models.TradeIdea
	require.NoError(t, store.DB().First(&idea).Error)
	assert.Equal(t, models.IdeaStatusRejected, idea.Status)
	assert.Contains(t, idea.RejectionReason, risk.ReasonInsufficientRewardRisk)
	assert.Equal(t, uint64(1), a.Stats().IdeasRejected)
}

func TestRunCycle_StaleStatusSuspendsIssuance(t *testing.T) {
	a, analyst, _, ch := setupTest(t)

	// A snapshot older than the staleness threshold: execution unavailable.
	require.NoError(t, ch.PublishStatus(channel.StatusReport{
		Instrument: "EURUSD",
		Balance:    10000,
		Timestamp:  time.Now().Add(-time.Minute),
	}))

	a.runCycle(context.Background())

	assert.True(t, a.Suspended("EURUSD"))
	analyst.AssertNotCalled(t, "RequestIdea", "EURUSD")

	pending, err := ch.CommandPending()
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, uint64(1), a.Stats().Suspensions)
}

func TestRunCycle_UnconsumedCommandThenStaleStatus(t *testing.T) {
	a, analyst, _, ch := setupTest(t)
	publishStatus(t, ch)
	analyst.On("RequestIdea", "EURUSD").Return(enterRecommendation(), nil)

	// First cycle publishes a command that nobody consumes.
	a.runCycle(context.Background())
	pending, err := ch.CommandPending()
	require.NoError(t, err)
	require.True(t, pending)

	// The terminal also stopped reporting; the next cycle must suspend and
	// must not stack a second command behind the first.
	require.NoError(t, ch.PublishStatus(channel.StatusReport{
		Instrument: "EURUSD",
		Balance:    10000,
		Timestamp:  time.Now().Add(-time.Minute),
	}))
	a.runCycle(context.Background())

	assert.True(t, a.Suspended("EURUSD"))
	cmd, err := ch.ConsumeCommand()
	require.NoError(t, err)
	require.NotNil(t, cmd, "the original command must still be the only one")

	pending, err = ch.CommandPending()
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestRunCycle_BusyChannelRetriesThenSuspends(t *testing.T) {
	a, analyst, store, ch := setupTest(t)
	publishStatus(t, ch)

	// Occupy the single command slot with an unrelated command.
	require.NoError(t, ch.PublishCommand(channel.Command{
		ID: "other", Action: channel.ActionClose, Instrument: "GBPUSD",
	}))
	analyst.On("RequestIdea", "EURUSD").Return(enterRecommendation(), nil)

	a.runCycle(context.Background())

	assert.True(t, a.Suspended("EURUSD"))
	assert.Zero(t, a.Stats().IdeasExecuted)

	// The idea stays APPROVED; it was valid, only undeliverable.
	var idea models.TradeIdea
	require.NoError(t, store.DB().First(&idea).Error)
	assert.Equal(t, models.IdeaStatusApproved, idea.Status)
}

func TestRunCycle_AnalysisIntervalGating(t *testing.T) {
	a, analyst, _, ch := setupTest(t)
	publishStatus(t, ch)
	analyst.On("RequestIdea", "EURUSD").Return(nil, nil)

	a.runCycle(context.Background())
	a.runCycle(context.Background())

	// The 300s interval has not elapsed between the two cycles.
	analyst.AssertNumberOfCalls(t, "RequestIdea", 1)

	// Once the interval elapses, analysis runs again.
	a.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	a.runCycle(context.Background())
	analyst.AssertNumberOfCalls(t, "RequestIdea", 2)
}

func TestRunCycle_DryRunApprovesWithoutIssuing(t *testing.T) {
	a, analyst, store, ch := setupTest(t)
	a.cfg.Trading.DryRun = true
	publishStatus(t, ch)
	analyst.On("RequestIdea", "EURUSD").Return(enterRecommendation(), nil)

	a.runCycle(context.Background())

	pending, err := ch.CommandPending()
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, orders.StateIdle, a.orders.State("EURUSD"))

	var idea models.TradeIdea
	require.NoError(t, store.DB().First(&idea).Error)
	assert.Equal(t, models.IdeaStatusApproved, idea.Status)
}

func TestRunCycle_SweepsExpiredIdeas(t *testing.T) {
	a, _, store, _ := setupTest(t)

	past := time.Now().Add(-time.Hour)
	idea := &models.TradeIdea{
		Instrument: "EURUSD",
		Direction:  models.DirectionLong,
		Status:     models.IdeaStatusPending,
		ValidUntil: &past,
	}
	require.NoError(t, store.SaveTradeIdea(idea))

	// No status was ever published: the instrument suspends, but the sweep
	// still runs.
	a.runCycle(context.Background())

	var swept models.TradeIdea
	require.NoError(t, store.DB().First(&swept, idea.ID).Error)
	assert.Equal(t, models.IdeaStatusExpired, swept.Status)
	assert.Equal(t, uint64(1), a.Stats().IdeasExpired)
	assert.True(t, a.Suspended("EURUSD"))
}

func TestRunCycle_ReconcilesBeforeAnalyzing(t *testing.T) {
	a, analyst, store, ch := setupTest(t)

	// The venue reports a position carrying our magic that we do not track.
	publishStatus(t, ch, channel.PositionStatus{
		Ticket: 77, Instrument: "EURUSD", Direction: models.DirectionLong,
		Volume: 0.2, OpenPrice: 1.1001, StopLoss: 1.0950, TakeProfit: 1.1100,
		Magic: testMagic,
	})
	analyst.On("RequestIdea", "EURUSD").Return(enterRecommendation(), nil)

	a.runCycle(context.Background())

	// Adopted first, so the new idea is rejected against the open position.
	assert.Equal(t, orders.StateOpen, a.orders.State("EURUSD"))

	pending, err := ch.CommandPending()
	require.NoError(t, err)
	assert.False(t, pending)

	var idea models.TradeIdea
	require.NoError(t, store.DB().Order("id desc").First(&idea).Error)
	assert.Equal(t, models.IdeaStatusRejected, idea.Status)
	assert.Contains(t, idea.RejectionReason, risk.ReasonAlreadyOpen)
	pos, err := store.OpenPosition("EURUSD", testMagic)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(77), pos.Ticket)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a, _, _, _ := setupTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop on context cancellation")
	}
}
