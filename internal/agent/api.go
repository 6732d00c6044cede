package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// APIServer provides an HTTP interface for inspecting the running
// coordinator.
type APIServer struct {
	server *http.Server
	agent  *Agent
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(agent *Agent, logger *zap.Logger) *APIServer {
	addr := fmt.Sprintf(":%d", agent.cfg.Server.Port)
	server := &http.Server{
		Addr: addr,
	}

	return &APIServer{
		server: server,
		agent:  agent,
		logger: logger.Named("api-server"),
	}
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	http.HandleFunc("/status", s.statusHandler)
	http.HandleFunc("/health", s.healthHandler)

	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

type instrumentStatus struct {
	State     string `json:"state"`
	Suspended bool   `json:"suspended"`
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	instruments := make(map[string]instrumentStatus, len(s.agent.cfg.Trading.Instruments))
	for _, inst := range s.agent.cfg.Trading.Instruments {
		instruments[inst.Symbol] = instrumentStatus{
			State:     s.agent.orders.State(inst.Symbol),
			Suspended: s.agent.Suspended(inst.Symbol),
		}
	}

	status := struct {
		StartTime   string                      `json:"start_time"`
		Uptime      string                      `json:"uptime"`
		DryRun      bool                        `json:"dry_run"`
		Stats       Stats                       `json:"stats"`
		Instruments map[string]instrumentStatus `json:"instruments"`
	}{
		StartTime:   s.agent.StartTime.Format(time.RFC3339),
		Uptime:      time.Since(s.agent.StartTime).String(),
		DryRun:      s.agent.cfg.Trading.DryRun,
		Stats:       s.agent.Stats(),
		Instruments: instruments,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to write status response", zap.Error(err))
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
	}
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
