package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agentpay/internal/payment"
)

// FacilitatorBackend delegates settlement to an external facilitator
// service over HTTP. The facilitator pays gas; the seller only forwards
// the signed authorization.
type FacilitatorBackend struct {
	baseURL string
	client  *http.Client
}

// NewFacilitatorBackend creates a backend for the facilitator at baseURL.
// client may be nil, in which case http.DefaultClient is used.
func NewFacilitatorBackend(baseURL string, client *http.Client) (*FacilitatorBackend, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("facilitator url is empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &FacilitatorBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}, nil
}

type settleRequest struct {
	Version             int                  `json:"x402Version"`
	PaymentPayload      *payment.Payload     `json:"paymentPayload"`
	PaymentRequirements *payment.Requirement `json:"paymentRequirements"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	ErrorReason string `json:"errorReason"`
}

// Settle posts the payload and requirement to the facilitator's /settle
// endpoint and maps its response onto a Result.
func (b *FacilitatorBackend) Settle(ctx context.Context, payload *payment.Payload, req payment.Requirement) (Result, error) {
	body, err := json.Marshal(settleRequest{
		Version:             payment.ProtocolVersion,
		PaymentPayload:      payload,
		PaymentRequirements: &req,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode settle request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/settle", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build settle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("call facilitator: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read facilitator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("facilitator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded settleResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, fmt.Errorf("decode facilitator response: %w", err)
	}
	return Result{
		Success:     decoded.Success,
		TxRef:       decoded.Transaction,
		ErrorReason: decoded.ErrorReason,
	}, nil
}

var _ Backend = (*FacilitatorBackend)(nil)
