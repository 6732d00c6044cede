package analysis

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mt5-trade-agent-go/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Recommendation actions returned by the analysis service.
const (
	ActionEnter = "ENTER"
	ActionWait  = "WAIT"
)

// Snapshot is the market view sent to the analysis service. Candle windows
// and indicator computation are the service's own concern; the core only
// forwards what the execution terminal reports.
type Snapshot struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Balance    float64   `json:"balance"`
	Equity     float64   `json:"equity"`
	Timestamp  time.Time `json:"timestamp"`
}

// Recommendation is the service's structured answer: either an actionable
// trade setup (ENTER) or an explicit WAIT.
type Recommendation struct {
	Action        string  `json:"action"`
	Direction     string  `json:"direction"`
	EntryPrice    float64 `json:"entry_price"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	Confidence    float64 `json:"confidence"`
	Justification string  `json:"justification"`
}

// ClientInterface defines the interface for the analysis service client.
type ClientInterface interface {
	RequestIdea(ctx context.Context, snapshot Snapshot) (*Recommendation, error)
}

// Client is a rate-limited HTTP client for the analysis service. Calls are
// best-effort: the coordinator treats a timeout as "no signal this cycle".
// It implements the ClientInterface.
type Client struct {
	client  *resty.Client
	apiKey  string
	timeout time.Duration
	logger  *zap.Logger
	limiter *rate.Limiter
}

// ensure Client implements the interface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new analysis service client.
func NewClient(cfg *config.Analysis, logger *zap.Logger) *Client {
	client := resty.New().SetBaseURL(cfg.BaseURL)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:  client,
		apiKey:  cfg.ApiKey,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:  logger,
		limiter: limiter,
	}
}

// RequestIdea asks the service to analyze the snapshot. It returns
// (nil, nil) when the service reports no actionable setup, and an error for
// transport failures or timeouts, which callers must treat as "no signal",
// never as fatal.
func (c *Client) RequestIdea(ctx context.Context, snapshot Snapshot) (*Recommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var rec Recommendation
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("X-API-Key", c.apiKey).
		SetBody(snapshot).
		SetResult(&rec).
		Post("/analyze")
	if err != nil {
		return nil, fmt.Errorf("analysis request failed for %s: %w", snapshot.Instrument, err)
	}

	// 204 is the explicit "no actionable setup" response.
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("analysis service returned %s for %s: %s",
			resp.Status(), snapshot.Instrument, resp.String())
	}

	if strings.EqualFold(rec.Action, ActionWait) || rec.Action == "" {
		c.logger.Debug("Analysis service suggests waiting",
			zap.String("instrument", snapshot.Instrument),
			zap.String("justification", rec.Justification))
		return nil, nil
	}
	if !strings.EqualFold(rec.Action, ActionEnter) {
		return nil, fmt.Errorf("analysis service returned unknown action %q for %s", rec.Action, snapshot.Instrument)
	}

	rec.Action = ActionEnter
	rec.Direction = strings.ToUpper(rec.Direction)
	return &rec, nil
}
