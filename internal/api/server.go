// Package api exposes the selling agent over HTTP: the /process purchase
// endpoint, trade and event queries, and on-chain verification routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"agentpay/internal/config"
	"agentpay/internal/credential"
	"agentpay/internal/eventbus"
	"agentpay/internal/observability/metrics"
	"agentpay/internal/payment"
	"agentpay/internal/reconcile"
	"agentpay/internal/registry"
	"agentpay/internal/settlement"
	"agentpay/internal/trade"
	"agentpay/pkg/logger"
)

// Server serves the selling agent's HTTP surface.
type Server struct {
	cfg        *config.Config
	payTo      string
	trades     *trade.Ledger
	issuer     *credential.Issuer
	verifier   *payment.Verifier
	executor   *settlement.Executor
	bus        *eventbus.Bus
	reconciler *reconcile.Reconciler
	registry   *registry.Registry
	log        *slog.Logger
}

// NewServer wires the server to its collaborators. payTo is the seller's
// wallet address in hex.
func NewServer(
	cfg *config.Config,
	payTo string,
	trades *trade.Ledger,
	issuer *credential.Issuer,
	verifier *payment.Verifier,
	executor *settlement.Executor,
	bus *eventbus.Bus,
	reconciler *reconcile.Reconciler,
	reg *registry.Registry,
) *Server {
	return &Server{
		cfg:        cfg,
		payTo:      payTo,
		trades:     trades,
		issuer:     issuer,
		verifier:   verifier,
		executor:   executor,
		bus:        bus,
		reconciler: reconciler,
		registry:   reg,
		log:        logger.Named("api"),
	}
}

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api server listening", "address", s.cfg.Server.Address)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler returns the full routed handler with request metrics applied.
// Exposed so tests can serve the API from an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.instrument("health", s.handleHealth))
	mux.HandleFunc("POST /process", s.instrument("process", s.handleProcess))
	mux.HandleFunc("GET /trades", s.instrument("trades", s.handleListTrades))
	mux.HandleFunc("GET /trades/verify/all", s.instrument("trades_verify_all", s.handleVerifyAllTrades))
	mux.HandleFunc("GET /trades/{id}", s.instrument("trade", s.handleGetTrade))
	mux.HandleFunc("GET /trades/{id}/verify", s.instrument("trade_verify", s.handleVerifyTrade))
	mux.HandleFunc("GET /events", s.instrument("events", s.handleQueryEvents))
	mux.HandleFunc("GET /events/recent", s.instrument("events_recent", s.handleRecentEvents))
	mux.HandleFunc("GET /events/trade/{id}", s.instrument("events_trade", s.handleTradeEvents))
	mux.HandleFunc("GET /events/transaction/{hash}", s.instrument("events_transaction", s.handleTransactionEvents))
	mux.HandleFunc("GET /events/stream", s.instrument("events_stream", s.handleEventStream))
	mux.HandleFunc("GET /transaction/{hash}", s.instrument("transaction", s.handleTransaction))
	mux.HandleFunc("GET /transaction/{hash}/confirmed", s.instrument("transaction_confirmed", s.handleTransactionConfirmed))
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message, reason string) {
	writeJSON(w, status, errorBody{Error: message, Reason: reason})
}
