package buyer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"agentpay/internal/credential"
	"agentpay/internal/payment"
	"agentpay/internal/protocol"
	"agentpay/internal/settlement"
	"agentpay/internal/wallet"
)

func newTestAuthorizer(t *testing.T) *payment.Authorizer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := wallet.NewKeySigner(hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return payment.NewAuthorizer(signer)
}

func requirementResponse() *protocol.ProcessResponse {
	return &protocol.ProcessResponse{
		Error: "Payment Required",
		Task: &protocol.Task{
			ID: "task-1",
			Status: protocol.TaskStatus{
				State: protocol.TaskStateInputRequired,
				Message: &protocol.Message{
					MessageID: "msg-seller-1",
					Role:      "agent",
					Payment: &protocol.PaymentMetadata{
						Status: protocol.PaymentRequired,
						Required: &payment.RequiredResponse{
							Version: payment.ProtocolVersion,
							Accepts: []payment.Requirement{{
								Scheme:            payment.SchemeExact,
								Network:           "arbitrum-sepolia",
								Asset:             "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d",
								PayTo:             "0x2222222222222222222222222222222222222222",
								MaxAmountRequired: "1100",
								MaxTimeoutSeconds: 60,
								Extra:             payment.Extra{Name: "USDC", Version: "2"},
							}},
						},
					},
				},
			},
		},
	}
}

// sellerStub speaks the two-leg exchange: requirements on the first call,
// a completed purchase once a payment payload arrives.
func sellerStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/process", r.URL.Path)

		var req protocol.ProcessRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Message)

		submitted := req.Message.Payment
		if submitted == nil || submitted.Status != protocol.PaymentSubmitted {
			_ = json.NewEncoder(w).Encode(requirementResponse())
			return
		}

		require.NotNil(t, submitted.Payload)
		require.Equal(t, "1100", submitted.Payload.Payload.Authorization.Value)

		_ = json.NewEncoder(w).Encode(protocol.ProcessResponse{
			Success: true,
			Task: &protocol.Task{
				ID:      "task-1",
				TradeID: "trade-1",
				Status:  protocol.TaskStatus{State: protocol.TaskStateCompleted},
				Credential: &credential.TemporaryCredential{
					ID:           "ck-temp-abc",
					TradeID:      "trade-1",
					CreditsLimit: 10,
					ExpiresAt:    time.Now().Add(time.Hour),
				},
			},
			Settlement: &settlement.Result{Success: true, TxRef: "0xfeed"},
		})
	}))
}

func TestPurchase(t *testing.T) {
	server := sellerStub(t)
	defer server.Close()

	client, err := NewClient(server.URL, newTestAuthorizer(t), nil)
	require.NoError(t, err)

	purchase, err := client.Purchase(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, "trade-1", purchase.TradeID)
	require.Equal(t, "0xfeed", purchase.TxRef)
	require.NotNil(t, purchase.Credential)

	// The balance rose by the credential's limit.
	require.Equal(t, int64(10), client.Credits())
}

func TestPurchaseWithoutRequirements(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(protocol.ProcessResponse{
			Success: true,
			Task:    &protocol.Task{ID: "task-1"},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, newTestAuthorizer(t), nil)
	require.NoError(t, err)

	_, err = client.Purchase(context.Background(), 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not advertise")
}

func TestPurchaseRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ProcessRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Message.Payment == nil {
			_ = json.NewEncoder(w).Encode(requirementResponse())
			return
		}
		// A 402 body is decoded like any protocol answer.
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(protocol.ProcessResponse{
			Error:  "Payment verification failed",
			Reason: "bad_signature",
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, newTestAuthorizer(t), nil)
	require.NoError(t, err)

	_, err = client.Purchase(context.Background(), 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad_signature")
	require.Equal(t, int64(0), client.Credits())
}

func TestPurchaseMissingCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ProcessRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Message.Payment == nil {
			_ = json.NewEncoder(w).Encode(requirementResponse())
			return
		}
		_ = json.NewEncoder(w).Encode(protocol.ProcessResponse{
			Success: true,
			Task:    &protocol.Task{ID: "task-1", TradeID: "trade-1"},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, newTestAuthorizer(t), nil)
	require.NoError(t, err)

	_, err = client.Purchase(context.Background(), 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no credential")
}

func TestPurchaseServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, newTestAuthorizer(t), nil)
	require.NoError(t, err)

	_, err = client.Purchase(context.Background(), 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 500")
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient("  ", newTestAuthorizer(t), nil)
	require.Error(t, err)
}

func TestCreditAccounting(t *testing.T) {
	client, err := NewClient("http://localhost:1", newTestAuthorizer(t), nil)
	require.NoError(t, err)

	require.True(t, client.NeedsCredits(5))

	client.mu.Lock()
	client.credits = 7
	client.mu.Unlock()

	require.False(t, client.NeedsCredits(5))
	client.SpendCredits(3)
	require.Equal(t, int64(4), client.Credits())

	// Spending past zero floors the balance.
	client.SpendCredits(100)
	require.Equal(t, int64(0), client.Credits())
}
