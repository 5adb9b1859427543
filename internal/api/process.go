package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agentpay/internal/eventbus"
	"agentpay/internal/observability/metrics"
	"agentpay/internal/payment"
	"agentpay/internal/protocol"
	"agentpay/internal/settlement"
)

// requirement builds the seller's advertised payment requirement for one
// credit purchase.
func (s *Server) requirement() payment.Requirement {
	return payment.Requirement{
		Scheme:            payment.SchemeExact,
		Network:           s.cfg.Network.Name,
		Asset:             s.cfg.Asset.Address,
		PayTo:             s.payTo,
		MaxAmountRequired: big.NewInt(s.cfg.Pricing.PriceMicroUnits).String(),
		MaxTimeoutSeconds: s.cfg.Pricing.MaxTimeoutSeconds,
		Resource:          "/process",
		Description:       fmt.Sprintf("Purchase of %d credits", s.cfg.Pricing.CreditsPerTrade),
		Extra: payment.Extra{
			Name:    s.cfg.Asset.DomainName,
			Version: s.cfg.Asset.DomainVersion,
		},
	}
}

func (s *Server) displayAmount(micro *big.Int) string {
	return decimal.NewFromBigInt(micro, -s.cfg.Asset.Decimals).String()
}

// handleProcess drives one purchase exchange: negotiate, verify, issue,
// settle.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req protocol.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == nil {
		writeError(w, http.StatusBadRequest, "missing message in request body", "")
		return
	}

	task := &protocol.Task{
		ID:        req.TaskID,
		ContextID: req.ContextID,
		Status:    protocol.TaskStatus{State: protocol.TaskStateInputRequired},
	}
	if task.ID == "" {
		task.ID = "task-" + uuid.NewString()
	}
	if task.ContextID == "" {
		task.ContextID = "context-" + uuid.NewString()
	}

	submitted := req.Message.Payment
	if submitted == nil || submitted.Status != protocol.PaymentSubmitted || submitted.Payload == nil {
		s.respondPaymentRequired(w, task)
		return
	}
	if err := submitted.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payment metadata", err.Error())
		return
	}

	requirement := s.requirement()
	result, err := s.verifier.VerifyAndConsume(r.Context(), submitted.Payload, requirement)
	if err != nil {
		s.log.Error("nonce store failure", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}

	price := big.NewInt(s.cfg.Pricing.PriceMicroUnits)
	credits := s.cfg.Pricing.CreditsPerTrade

	if !result.Valid {
		reason := string(result.Reason)
		tr := s.trades.Admit(submitted.Payload.Payload.Authorization.From, s.payTo, credits, price)
		if _, err := s.trades.RecordFailed(tr.ID, "payment verification failed: "+reason); err != nil {
			s.log.Error("record verification failure", "trade_id", tr.ID, "error", err)
		}
		s.publish(eventbus.Event{
			Type:    eventbus.TypeFailed,
			TradeID: tr.ID,
			Network: s.cfg.Network.Name,
			From:    submitted.Payload.Payload.Authorization.From,
			To:      s.payTo,
			Amount:  s.displayAmount(price),
			Status:  "failed",
			Error:   reason,
		})

		task.Status = protocol.TaskStatus{
			State: protocol.TaskStateFailed,
			Message: &protocol.Message{
				MessageID: "msg-" + uuid.NewString(),
				Role:      "agent",
				Parts:     []protocol.Part{protocol.TextPart("Payment verification failed: " + reason)},
				Payment: &protocol.PaymentMetadata{
					Status: protocol.PaymentRejected,
					Error:  reason,
				},
			},
		}
		task.TradeID = tr.ID
		writeJSON(w, http.StatusPaymentRequired, protocol.ProcessResponse{
			Error:  "Payment verification failed",
			Reason: reason,
			Task:   task,
			Events: []*protocol.Task{task},
		})
		return
	}

	tr := s.trades.Admit(result.Payer, s.payTo, credits, price)
	if _, err := s.trades.RecordVerified(tr.ID, result.Payer); err != nil {
		s.log.Error("record verified trade", "trade_id", tr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	task.TradeID = tr.ID
	task.CreditsRequested = credits
	task.Payment = &protocol.PaymentMetadata{
		Status: protocol.PaymentVerified,
		Payer:  result.Payer,
	}
	s.log.Info("payment verified", "trade_id", tr.ID, "payer", result.Payer)

	cred, err := s.issuer.Issue(tr.ID, credits, s.cfg.Credential.MaxCreditsPerKey,
		time.Duration(s.cfg.Credential.TTLMinutes)*time.Minute)
	if err != nil {
		s.log.Error("issue credential", "trade_id", tr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	if _, err := s.trades.AttachCredential(tr.ID, cred.ID); err != nil {
		s.log.Error("attach credential", "trade_id", tr.ID, "error", err)
	}

	settleResult, err := s.executor.Settle(r.Context(), submitted.Payload, requirement)
	if err != nil {
		s.failTrade(task, tr.ID, cred.ID, result.Payer, price, "settlement error")
		s.log.Error("settlement", "trade_id", tr.ID, "error", err)
		metrics.ObserveSettlement("failure")
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}

	if !settleResult.Success {
		s.failTrade(task, tr.ID, cred.ID, result.Payer, price, settleResult.ErrorReason)
		metrics.ObserveSettlement("failure")
		writeJSON(w, http.StatusOK, protocol.ProcessResponse{
			Success:    false,
			Error:      "Settlement failed",
			Reason:     settleResult.ErrorReason,
			Task:       task,
			Events:     []*protocol.Task{task},
			Settlement: &settleResult,
		})
		return
	}

	if _, err := s.trades.RecordSettled(tr.ID, settleResult.TxRef); err != nil {
		s.log.Error("record settled trade", "trade_id", tr.ID, "error", err)
	}
	s.publish(eventbus.Event{
		Type:    eventbus.TypeCompleted,
		TradeID: tr.ID,
		TxRef:   settleResult.TxRef,
		Network: s.cfg.Network.Name,
		From:    result.Payer,
		To:      s.payTo,
		Amount:  s.displayAmount(price),
		Status:  "success",
	})
	metrics.ObserveSettlement("success")
	s.log.Info("trade completed", "trade_id", tr.ID, "tx", settleResult.TxRef)

	task.Status = protocol.TaskStatus{
		State: protocol.TaskStateCompleted,
		Message: &protocol.Message{
			MessageID: "msg-" + uuid.NewString(),
			Role:      "agent",
			Parts:     []protocol.Part{protocol.TextPart(fmt.Sprintf("Purchase complete: %d credits issued", cred.CreditsLimit))},
			Payment: &protocol.PaymentMetadata{
				Status:   protocol.PaymentCompleted,
				Payer:    result.Payer,
				Receipts: []settlement.Result{settleResult},
			},
		},
	}
	task.Payment = task.Status.Message.Payment
	task.Credential = cred

	writeJSON(w, http.StatusOK, protocol.ProcessResponse{
		Success:    true,
		Task:       task,
		Events:     []*protocol.Task{task},
		Settlement: &settleResult,
	})
}

// respondPaymentRequired answers the first leg of the exchange with the
// advertised requirements.
func (s *Server) respondPaymentRequired(w http.ResponseWriter, task *protocol.Task) {
	required := &protocol.PaymentMetadata{
		Status: protocol.PaymentRequired,
		Required: &payment.RequiredResponse{
			Version: payment.ProtocolVersion,
			Accepts: []payment.Requirement{s.requirement()},
			Error:   "Payment required to purchase credits",
		},
	}
	task.Status = protocol.TaskStatus{
		State: protocol.TaskStateInputRequired,
		Message: &protocol.Message{
			MessageID: "msg-" + uuid.NewString(),
			Role:      "agent",
			Parts:     []protocol.Part{protocol.TextPart("Payment required to purchase credits. Please submit payment to continue.")},
			Payment:   required,
		},
	}
	task.Payment = required
	s.log.Info("payment required", "task_id", task.ID)

	writeJSON(w, http.StatusOK, protocol.ProcessResponse{
		Error:  "Payment Required",
		Task:   task,
		Events: []*protocol.Task{task},
	})
}

// failTrade records a settlement failure: the trade fails, the credential
// is revoked, and a failed event goes onto the bus.
func (s *Server) failTrade(task *protocol.Task, tradeID, credentialID, payer string, price *big.Int, reason string) {
	if _, err := s.trades.RecordFailed(tradeID, reason); err != nil {
		s.log.Error("record failed trade", "trade_id", tradeID, "error", err)
	}
	s.issuer.Revoke(credentialID)
	s.publish(eventbus.Event{
		Type:    eventbus.TypeFailed,
		TradeID: tradeID,
		Network: s.cfg.Network.Name,
		From:    payer,
		To:      s.payTo,
		Amount:  s.displayAmount(price),
		Status:  "failed",
		Error:   reason,
	})
	task.Status = protocol.TaskStatus{
		State: protocol.TaskStateFailed,
		Message: &protocol.Message{
			MessageID: "msg-" + uuid.NewString(),
			Role:      "agent",
			Parts:     []protocol.Part{protocol.TextPart("Settlement failed: " + reason)},
			Payment: &protocol.PaymentMetadata{
				Status: protocol.PaymentFailed,
				Payer:  payer,
				Error:  reason,
			},
		},
	}
	task.Payment = task.Status.Message.Payment
}

func (s *Server) publish(event eventbus.Event) {
	s.bus.Publish(event)
	metrics.ObserveEventPublished(event.Type)
}
