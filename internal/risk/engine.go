package risk

import (
	"fmt"
	"math"
	"time"

	"mt5-trade-agent-go/internal/config"
	"mt5-trade-agent-go/internal/database"
	"mt5-trade-agent-go/internal/models"

	"go.uber.org/zap"
)

// PositionSize is the result of the sizing calculation.
type PositionSize struct {
	Volume     float64 // lots, floored to the venue's lot step
	RiskAmount float64 // account currency actually at risk after flooring
	RiskPips   float64 // entry-to-stop distance in pips
}

// SizedOrder is a validated trade idea plus its computed volume and the
// risk it consumes. It exists only within a single validation-to-execution
// pass and is never persisted independently of its parent idea.
type SizedOrder struct {
	Idea       *models.TradeIdea
	Instrument config.Instrument
	Volume     float64
	RiskAmount float64
	RiskPips   float64
}

// RiskStatus is the derived daily risk budget.
type RiskStatus struct {
	CommittedAmount     float64
	CommittedPercentage float64
	CeilingPercentage   float64
	Exceeded            bool
}

// Engine converts trade ideas into sized, validated orders and enforces
// the daily risk ceiling. It holds no mutable state: the budget is
// recomputed from position history on every call.
type Engine struct {
	cfg    *config.Config
	store  *database.Store
	logger *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine creates a risk engine.
func NewEngine(cfg *config.Config, store *database.Store, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		logger: logger.Named("risk"),
		now:    time.Now,
	}
}

// CalculatePositionSize computes the lot volume that puts riskPct of the
// balance at risk between entry and stop. The volume is floored to the lot
// step (never rounded up, so the risk ceiling cannot be breached by
// rounding) and capped at the venue maximum.
func (e *Engine) CalculatePositionSize(balance, riskPct, entry, stop float64, inst config.Instrument) (PositionSize, error) {
	if balance <= 0 {
		return PositionSize{}, fmt.Errorf("account balance must be positive, got %.2f", balance)
	}

	pips := math.Abs(entry-stop) / inst.PipSize
	if pips <= 0 {
		return PositionSize{}, reject(ReasonInvalidStopDistance, "stop distance is zero for %s", inst.Symbol)
	}
	if pips < inst.MinStopPips {
		return PositionSize{}, reject(ReasonInvalidStopDistance,
			"stop distance %.1f pips is below the venue minimum %.1f for %s", pips, inst.MinStopPips, inst.Symbol)
	}

	riskAmount := balance * riskPct / 100
	volume := riskAmount / (pips * inst.PipValuePerLot)

	// Floor to the lot step; the epsilon absorbs float artifacts like
	// 0.19999999 for an exact 0.20.
	steps := math.Floor(volume/inst.LotStep + 1e-9)
	volume = steps * inst.LotStep

	if volume < inst.MinLot {
		return PositionSize{}, reject(ReasonVolumeBelowMinimum,
			"computed volume %.2f is below the venue minimum lot %.2f for %s", volume, inst.MinLot, inst.Symbol)
	}
	if volume > inst.MaxLot {
		volume = inst.MaxLot
	}

	return PositionSize{
		Volume:     volume,
		RiskAmount: pips * inst.PipValuePerLot * volume,
		RiskPips:   pips,
	}, nil
}

// ValidateTradeIdea runs the risk checks in order and returns the sized
// order only if every check passes. The first failing check is the
// rejection reason.
func (e *Engine) ValidateTradeIdea(idea *models.TradeIdea, balance float64) (*SizedOrder, error) {
	inst, ok := e.cfg.InstrumentBySymbol(idea.Instrument)
	if !ok {
		return nil, reject(ReasonUnknownInstrument, "instrument %s is not configured", idea.Instrument)
	}

	// (a) direction and level consistency
	switch idea.Direction {
	case models.DirectionLong:
		if !(idea.StopLoss < idea.EntryPrice && idea.EntryPrice < idea.TakeProfit) {
			return nil, reject(ReasonInvalidLevels,
				"LONG requires stop_loss < entry < take_profit, got sl=%.5f entry=%.5f tp=%.5f",
				idea.StopLoss, idea.EntryPrice, idea.TakeProfit)
		}
	case models.DirectionShort:
		if !(idea.TakeProfit < idea.EntryPrice && idea.EntryPrice < idea.StopLoss) {
			return nil, reject(ReasonInvalidLevels,
				"SHORT requires take_profit < entry < stop_loss, got sl=%.5f entry=%.5f tp=%.5f",
				idea.StopLoss, idea.EntryPrice, idea.TakeProfit)
		}
	default:
		return nil, reject(ReasonInvalidLevels, "unknown direction %q", idea.Direction)
	}

	// (b) minimum reward-to-risk ratio
	riskDist := math.Abs(idea.EntryPrice - idea.StopLoss)
	rewardDist := math.Abs(idea.TakeProfit - idea.EntryPrice)
	rr := rewardDist / riskDist
	if rr < e.cfg.Trading.MinRewardRisk {
		return nil, reject(ReasonInsufficientRewardRisk,
			"reward/risk %.2f is below the minimum %.2f", rr, e.cfg.Trading.MinRewardRisk)
	}

	// (c) one position per instrument under our correlation identifier
	open, err := e.store.OpenPosition(idea.Instrument, e.cfg.Trading.MagicNumber)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, reject(ReasonAlreadyOpen,
			"instrument %s already has open position (ticket %d)", idea.Instrument, open.Ticket)
	}

	size, err := e.CalculatePositionSize(balance, e.cfg.Trading.RiskPercentage,
		idea.EntryPrice, idea.StopLoss, inst)
	if err != nil {
		return nil, err
	}

	// (d) daily risk ceiling, including the risk this trade would add
	status, err := e.CheckDailyRiskLimit(balance)
	if err != nil {
		return nil, err
	}
	proposedPct := (status.CommittedAmount + size.RiskAmount) / balance * 100
	if proposedPct > e.cfg.Trading.DailyRiskCeilingPct {
		return nil, reject(ReasonRiskCeilingExceeded,
			"daily risk would reach %.2f%% of the %.2f%% ceiling", proposedPct, e.cfg.Trading.DailyRiskCeilingPct)
	}

	e.logger.Debug("Trade idea passed validation",
		zap.String("instrument", idea.Instrument),
		zap.Float64("volume", size.Volume),
		zap.Float64("risk_amount", size.RiskAmount),
		zap.Float64("reward_risk", rr))

	return &SizedOrder{
		Idea:       idea,
		Instrument: inst,
		Volume:     size.Volume,
		RiskAmount: size.RiskAmount,
		RiskPips:   size.RiskPips,
	}, nil
}

// CheckDailyRiskLimit derives today's committed risk from position history:
// closed positions contribute their realized loss, open positions their
// potential loss at the stop. It never mutates state and is safe to call at
// any time.
func (e *Engine) CheckDailyRiskLimit(balance float64) (RiskStatus, error) {
	ceiling := e.cfg.Trading.DailyRiskCeilingPct
	if balance <= 0 {
		return RiskStatus{CeilingPercentage: ceiling, Exceeded: true}, fmt.Errorf("account balance must be positive, got %.2f", balance)
	}

	positions, err := e.store.PositionsForDay(e.now().UTC(), e.cfg.Trading.MagicNumber)
	if err != nil {
		return RiskStatus{CeilingPercentage: ceiling}, err
	}

	var committed float64
	for _, pos := range positions {
		switch pos.Status {
		case models.PositionStatusClosed:
			if pos.Profit < 0 {
				committed += -pos.Profit
			}
		case models.PositionStatusOpen:
			committed += e.potentialLoss(pos)
		}
	}

	pct := committed / balance * 100
	return RiskStatus{
		CommittedAmount:     committed,
		CommittedPercentage: pct,
		CeilingPercentage:   ceiling,
		Exceeded:            pct >= ceiling,
	}, nil
}

// potentialLoss is the loss an open position realizes if its stop is hit:
// stop distance in pips times the instrument's pip value times volume.
func (e *Engine) potentialLoss(pos models.Position) float64 {
	inst, ok := e.cfg.InstrumentBySymbol(pos.Instrument)
	if !ok {
		e.logger.Warn("Open position on unconfigured instrument, counting zero risk",
			zap.String("instrument", pos.Instrument), zap.Int64("ticket", pos.Ticket))
		return 0
	}
	pips := math.Abs(pos.EntryPrice-pos.StopLoss) / inst.PipSize
	return pips * inst.PipValuePerLot * pos.Volume
}
