package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"agentpay/internal/eventbus"
	"agentpay/internal/trade"
)

type healthBody struct {
	Status            string      `json:"status"`
	AgentID           string      `json:"agentId"`
	AgentName         string      `json:"agentName,omitempty"`
	WalletAddress     string      `json:"walletAddress"`
	Network           string      `json:"network"`
	Trades            trade.Stats `json:"trades"`
	ActiveCredentials int         `json:"activeCredentials"`
	RetainedEvents    int         `json:"retainedEvents"`
	Timestamp         time.Time   `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{
		Status:            "ok",
		AgentID:           s.cfg.Agent.ID,
		AgentName:         s.cfg.Agent.Name,
		WalletAddress:     s.payTo,
		Network:           s.cfg.Network.Name,
		Trades:            s.trades.Stats(),
		ActiveCredentials: len(s.issuer.Active()),
		RetainedEvents:    s.bus.Len(),
		Timestamp:         time.Now().UTC(),
	})
}

func (s *Server) handleListTrades(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.trades.List())
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.trades.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, trade.ErrTradeNotFound) {
			writeError(w, http.StatusNotFound, "trade not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleVerifyTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.trades.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, trade.ErrTradeNotFound) {
			writeError(w, http.StatusNotFound, "trade not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	verification, err := s.reconciler.VerifyTrade(r.Context(), t)
	if err != nil {
		s.log.Error("verify trade", "trade_id", t.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

func (s *Server) handleVerifyAllTrades(w http.ResponseWriter, r *http.Request) {
	verifications, err := s.reconciler.VerifyTrades(r.Context(), s.trades.List())
	if err != nil {
		s.log.Error("verify trades", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	valid := 0
	for _, v := range verifications {
		if v.IsValid {
			valid++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":         len(verifications),
		"valid":         valid,
		"verifications": verifications,
	})
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	query := eventbus.Query{
		Type:    r.URL.Query().Get("type"),
		TradeID: r.URL.Query().Get("tradeId"),
		TxRef:   r.URL.Query().Get("transactionHash"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			query.Limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.bus.Query(query))
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.bus.Recent(limit))
}

func (s *Server) handleTradeEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Query(eventbus.Query{TradeID: r.PathValue("id")}))
}

func (s *Server) handleTransactionEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Query(eventbus.Query{TxRef: r.PathValue("hash")}))
}

// handleEventStream serves NDJSON: the most recent events up to the bus
// replay depth, then live events until the client disconnects. The
// subscription pre-loads the replay, so one loop drains both.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)

	events, cancel := s.bus.Subscribe(eventbus.Wildcard)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := encoder.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("hash")
	if len(raw) != 66 {
		writeError(w, http.StatusBadRequest, "invalid transaction hash", "")
		return
	}
	details, err := s.reconciler.TransactionDetails(r.Context(), common.HexToHash(raw))
	if err != nil {
		s.log.Error("transaction lookup", "hash", raw, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	if details == nil {
		writeError(w, http.StatusNotFound, "transaction not found", "")
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleTransactionConfirmed(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("hash")
	required := uint64(1)
	if param := r.URL.Query().Get("confirmations"); param != "" {
		parsed, err := strconv.ParseUint(param, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid confirmations parameter", "")
			return
		}
		required = parsed
	}
	confirmed, err := s.reconciler.Confirmed(r.Context(), common.HexToHash(raw), required)
	if err != nil {
		s.log.Error("confirmation lookup", "hash", raw, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactionHash": raw,
		"confirmations":   required,
		"confirmed":       confirmed,
	})
}
