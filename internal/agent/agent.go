package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"mt5-trade-agent-go/internal/analysis"
	"mt5-trade-agent-go/internal/channel"
	"mt5-trade-agent-go/internal/config"
	"mt5-trade-agent-go/internal/database"
	"mt5-trade-agent-go/internal/models"
	"mt5-trade-agent-go/internal/orders"
	"mt5-trade-agent-go/internal/risk"

	"go.uber.org/zap"
)

// Stats are the coordinator's running counters, exposed on the status API.
type Stats struct {
	Cycles         uint64 `json:"cycles"`
	IdeasGenerated uint64 `json:"ideas_generated"`
	IdeasRejected  uint64 `json:"ideas_rejected"`
	IdeasExecuted  uint64 `json:"ideas_executed"`
	NoSignal       uint64 `json:"no_signal"`
	Suspensions    uint64 `json:"suspensions"`
	IdeasExpired   uint64 `json:"ideas_expired"`
}

// Agent is the top-level coordinator: a fixed-interval control loop that
// sequences analysis, risk validation, execution and reconciliation per
// instrument. Instruments are processed concurrently and share only the
// store and the derived risk computation; a failure in one instrument's
// pipeline never stops the others.
type Agent struct {
	logger  *zap.Logger
	cfg     *config.Config
	store   *database.Store
	channel channel.Channel
	analyst analysis.ClientInterface
	riskEng *risk.Engine
	orders  *orders.Manager

	StartTime time.Time

	mu           sync.Mutex
	lastAnalysis map[string]time.Time
	suspended    map[string]bool
	stats        Stats

	// now is swappable for tests.
	now func() time.Time
}

// NewAgent creates the coordinator.
func NewAgent(
	logger *zap.Logger,
	cfg *config.Config,
	store *database.Store,
	ch channel.Channel,
	analyst analysis.ClientInterface,
	riskEngine *risk.Engine,
	orderManager *orders.Manager,
) *Agent {
	return &Agent{
		logger:       logger.Named("agent"),
		cfg:          cfg,
		store:        store,
		channel:      ch,
		analyst:      analyst,
		riskEng:      riskEngine,
		orders:       orderManager,
		StartTime:    time.Now(),
		lastAnalysis: make(map[string]time.Time),
		suspended:    make(map[string]bool),
		now:          time.Now,
	}
}

// Run starts the coordinator's main loop. Stopping is cooperative: the
// current cycle finishes and an already issued command stays pending on the
// channel for the execution side to consume.
func (a *Agent) Run(ctx context.Context) {
	a.logger.Info("Initializing coordinator...")
	if err := a.orders.Restore(); err != nil {
		a.logger.Fatal("Failed to restore order lifecycle state", zap.Error(err))
	}

	interval := time.Duration(a.cfg.Trading.TickInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("Starting decision loop",
		zap.Duration("interval", interval),
		zap.Int("instruments", len(a.cfg.Trading.Instruments)),
		zap.Bool("dry_run", a.cfg.Trading.DryRun))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Stopping coordinator...")
			return
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}

// runCycle executes one full pass over all instruments.
func (a *Agent) runCycle(ctx context.Context) {
	cycle := a.beginCycle()

	if swept, err := a.store.ExpireStaleIdeas(a.now()); err != nil {
		a.logger.Error("Failed to sweep expired trade ideas", zap.Error(err), zap.Uint64("cycle", cycle))
	} else if swept > 0 {
		a.addExpired(uint64(swept))
		a.logger.Info("Swept expired trade ideas", zap.Int64("count", swept), zap.Uint64("cycle", cycle))
	}

	var wg sync.WaitGroup
	for _, inst := range a.cfg.Trading.Instruments {
		wg.Add(1)
		go func(inst config.Instrument) {
			defer wg.Done()
			a.processInstrument(ctx, inst, cycle)
		}(inst)
	}
	wg.Wait()
}

// processInstrument runs the decision pipeline for one instrument and one
// cycle. Every failure is attributed to the instrument and cycle, logged,
// and contained: a failing step degrades to monitoring-only for this cycle.
func (a *Agent) processInstrument(ctx context.Context, inst config.Instrument, cycle uint64) {
	l := a.logger.With(zap.String("instrument", inst.Symbol), zap.Uint64("cycle", cycle))

	// (1) market snapshot: the latest status report from the terminal.
	report, err := a.channel.ReadStatus(inst.Symbol)
	switch {
	case errors.Is(err, channel.ErrNoStatus):
		l.Warn("Execution terminal has never reported; suspending issuance")
		a.suspend(inst.Symbol, "no status report from execution terminal")
		return
	case errors.Is(err, channel.ErrStatusStale):
		// ExecutionUnavailable: recoverable. No new orders, no conclusions
		// drawn from the stale snapshot; monitoring resumes when the
		// terminal publishes again.
		l.Warn("Status report is stale; execution unavailable",
			zap.Time("last_report", report.Timestamp))
		a.suspend(inst.Symbol, "execution unavailable: stale status report")
		return
	case err != nil:
		l.Error("Failed to read status report", zap.Error(err))
		a.suspend(inst.Symbol, "status read failure")
		return
	}
	a.resume(inst.Symbol)

	// (5) reconcile lifecycle state against the snapshot first, so the
	// validation below sees confirmed fills and detected closes.
	a.orders.Reconcile(report)

	// (2) if due, ask the analysis service for a recommendation.
	if !a.analysisDue(inst.Symbol) {
		return
	}
	rec, err := a.analyst.RequestIdea(ctx, analysis.Snapshot{
		Instrument: inst.Symbol,
		Bid:        report.Bid,
		Ask:        report.Ask,
		Balance:    report.Balance,
		Equity:     report.Equity,
		Timestamp:  report.Timestamp,
	})
	a.markAnalyzed(inst.Symbol)
	if err != nil {
		// Best-effort collaborator: a timeout is "no signal this cycle".
		l.Info("No signal from analysis service this cycle", zap.Error(err))
		a.addNoSignal()
		return
	}
	if rec == nil {
		l.Debug("Analysis service reports no actionable setup")
		a.addNoSignal()
		return
	}

	idea := a.ideaFromRecommendation(inst.Symbol, rec)
	if err := a.store.SaveTradeIdea(idea); err != nil {
		l.Error("Failed to persist trade idea", zap.Error(err))
		return
	}
	a.addIdea()
	l.Info("Trade idea received",
		zap.String("direction", idea.Direction),
		zap.Float64("entry", idea.EntryPrice),
		zap.Float64("stop_loss", idea.StopLoss),
		zap.Float64("take_profit", idea.TakeProfit),
		zap.Float64("confidence", idea.Confidence))

	// (3) risk validation and sizing.
	sized, err := a.riskEng.ValidateTradeIdea(idea, report.Balance)
	if err != nil {
		if rej, ok := risk.AsRejection(err); ok {
			// Expected outcome: info level, persisted, never retried.
			l.Info("Trade idea rejected",
				zap.String("reason", rej.Reason),
				zap.String("detail", rej.Detail))
			a.recordRejection(idea, rej, inst.Symbol)
			return
		}
		l.Error("Risk validation failed", zap.Error(err))
		return
	}
	if err := a.store.UpdateTradeIdeaStatus(idea.ID, models.IdeaStatusApproved, ""); err != nil {
		l.Error("Failed to mark trade idea approved", zap.Error(err))
	}

	if a.cfg.Trading.DryRun {
		l.Warn("Dry run enabled; order will not be issued",
			zap.Float64("volume", sized.Volume))
		return
	}

	// (4) execution with bounded retry on a busy channel.
	a.executeSizedOrder(ctx, sized, l)
}

// executeSizedOrder hands the order to the lifecycle manager. A busy
// channel is retried with exponential backoff up to a bounded attempt
// count, then the instrument is suspended until the next full cycle. An
// AlreadyOpen verdict drops the idea without a retry.
func (a *Agent) executeSizedOrder(ctx context.Context, sized *risk.SizedOrder, l *zap.Logger) {
	instrument := sized.Idea.Instrument
	attempts := a.cfg.Channel.PublishRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(a.cfg.Channel.PublishRetryBaseMillis) * time.Millisecond

	for attempt := 1; ; attempt++ {
		err := a.orders.ExecuteTradeIdea(sized)
		if err == nil {
			a.addExecuted()
			l.Info("Order handed to execution",
				zap.Float64("volume", sized.Volume),
				zap.Float64("risk_amount", sized.RiskAmount))
			return
		}

		if errors.Is(err, orders.ErrAlreadyOpen) {
			l.Info("Dropping idea: position already open or in flight")
			if uerr := a.store.UpdateTradeIdeaStatus(sized.Idea.ID, models.IdeaStatusRejected, "position already open"); uerr != nil {
				l.Error("Failed to mark trade idea rejected", zap.Error(uerr))
			}
			return
		}

		if !errors.Is(err, orders.ErrChannelUnavailable) {
			l.Error("Order execution failed", zap.Error(err))
			return
		}

		if attempt >= attempts {
			l.Warn("Channel still busy after bounded retries; suspending issuance",
				zap.Int("attempts", attempts))
			a.suspend(instrument, "signal channel busy")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// ideaFromRecommendation converts the service's answer into a persistent
// pending trade idea with a validity window.
func (a *Agent) ideaFromRecommendation(instrument string, rec *analysis.Recommendation) *models.TradeIdea {
	direction := models.DirectionLong
	if rec.Direction == models.DirectionShort || rec.Direction == "SELL" {
		direction = models.DirectionShort
	}
	validUntil := a.now().Add(time.Duration(a.cfg.Trading.IdeaTTLMinutes) * time.Minute)
	return &models.TradeIdea{
		Instrument:    instrument,
		Direction:     direction,
		EntryPrice:    rec.EntryPrice,
		StopLoss:      rec.StopLoss,
		TakeProfit:    rec.TakeProfit,
		Confidence:    rec.Confidence,
		Justification: rec.Justification,
		Status:        models.IdeaStatusPending,
		ValidUntil:    &validUntil,
	}
}

// recordRejection persists a typed rejection and its audit trail.
func (a *Agent) recordRejection(idea *models.TradeIdea, rej *risk.Rejection, instrument string) {
	if err := a.store.UpdateTradeIdeaStatus(idea.ID, models.IdeaStatusRejected, rej.Reason+": "+rej.Detail); err != nil {
		a.logger.Error("Failed to mark trade idea rejected", zap.Error(err))
	}
	if err := a.store.LogEvent("INFO", "risk", instrument, rej.Error()); err != nil {
		a.logger.Warn("Failed to append event log", zap.Error(err))
	}
	a.addRejected()
}

// analysisDue reports whether the instrument's analysis interval elapsed.
func (a *Agent) analysisDue(instrument string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastAnalysis[instrument]
	if !ok {
		return true
	}
	interval := time.Duration(a.cfg.Trading.AnalysisIntervalSeconds) * time.Second
	return a.now().Sub(last) >= interval
}

func (a *Agent) markAnalyzed(instrument string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastAnalysis[instrument] = a.now()
}

// suspend flags an instrument as issuance-suspended and records why.
func (a *Agent) suspend(instrument, reason string) {
	a.mu.Lock()
	already := a.suspended[instrument]
	a.suspended[instrument] = true
	if !already {
		a.stats.Suspensions++
	}
	a.mu.Unlock()

	if !already {
		if err := a.store.LogEvent("WARN", "agent", instrument, reason); err != nil {
			a.logger.Warn("Failed to append event log", zap.Error(err))
		}
	}
}

func (a *Agent) resume(instrument string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.suspended, instrument)
}

// Suspended reports whether new issuance is currently suspended for the
// instrument.
func (a *Agent) Suspended(instrument string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.suspended[instrument]
}

// Stats returns a copy of the running counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Agent) beginCycle() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Cycles++
	return a.stats.Cycles
}

func (a *Agent) addIdea()     { a.mu.Lock(); a.stats.IdeasGenerated++; a.mu.Unlock() }
func (a *Agent) addRejected() { a.mu.Lock(); a.stats.IdeasRejected++; a.mu.Unlock() }
func (a *Agent) addExecuted() { a.mu.Lock(); a.stats.IdeasExecuted++; a.mu.Unlock() }
func (a *Agent) addNoSignal() { a.mu.Lock(); a.stats.NoSignal++; a.mu.Unlock() }

func (a *Agent) addExpired(n uint64) {
	a.mu.Lock()
	a.stats.IdeasExpired += n
	a.mu.Unlock()
}
