// Package buyer implements the purchasing side of the exchange: it asks a
// selling agent for its payment requirements, signs an authorization, and
// redeems the resulting credential.
package buyer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"agentpay/internal/credential"
	xerrors "agentpay/internal/errors"
	"agentpay/internal/payment"
	"agentpay/internal/protocol"
	"agentpay/pkg/logger"
)

// Purchase is the outcome of one completed credit purchase.
type Purchase struct {
	TradeID    string
	Credential *credential.TemporaryCredential
	TxRef      string
}

// Client buys credits from one counterpart seller.
type Client struct {
	counterpartURL string
	authorizer     *payment.Authorizer
	httpClient     *http.Client

	mu      sync.Mutex
	credits int64
}

// NewClient creates a buyer for the seller at counterpartURL. httpClient
// may be nil, in which case http.DefaultClient is used.
func NewClient(counterpartURL string, authorizer *payment.Authorizer, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(counterpartURL) == "" {
		return nil, fmt.Errorf("counterpart url is empty")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		counterpartURL: strings.TrimRight(counterpartURL, "/"),
		authorizer:     authorizer,
		httpClient:     httpClient,
	}, nil
}

// Credits returns the locally tracked credit balance.
func (c *Client) Credits() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credits
}

// SpendCredits deducts used credits, flooring at zero.
func (c *Client) SpendCredits(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credits -= n
	if c.credits < 0 {
		c.credits = 0
	}
}

// NeedsCredits reports whether the balance sits below the threshold.
func (c *Client) NeedsCredits(threshold int64) bool {
	return c.Credits() < threshold
}

// Purchase runs the two-leg exchange: request, receive the payment
// requirements, sign an authorization, resubmit, and collect the
// credential. The credit balance is raised by the credential's limit.
func (c *Client) Purchase(ctx context.Context, credits int64) (*Purchase, error) {
	log := logger.Named("buyer")

	opening := &protocol.Message{
		MessageID: "msg-" + uuid.NewString(),
		Role:      "user",
		Parts:     []protocol.Part{protocol.TextPart(fmt.Sprintf("Purchase %d credits", credits))},
	}
	first, err := c.process(ctx, opening)
	if err != nil {
		return nil, err
	}

	required := paymentMetadataOf(first)
	if required == nil || required.Status != protocol.PaymentRequired || required.Required == nil {
		return nil, xerrors.New(xerrors.CodeNegotiation, "counterpart did not advertise payment requirements")
	}
	log.Info("received payment requirements", "accepts", len(required.Required.Accepts))

	payload, err := c.authorizer.Authorize(required.Required.Accepts)
	if err != nil {
		return nil, err
	}

	submission := &protocol.Message{
		MessageID: "msg-" + uuid.NewString(),
		Role:      "user",
		Parts:     []protocol.Part{protocol.TextPart(fmt.Sprintf("Purchase %d credits", credits))},
		Payment: &protocol.PaymentMetadata{
			Status:  protocol.PaymentSubmitted,
			Payload: payload,
		},
	}
	final, err := c.process(ctx, submission)
	if err != nil {
		return nil, err
	}
	if !final.Success {
		reason := final.Reason
		if reason == "" {
			reason = final.Error
		}
		return nil, xerrors.New(xerrors.CodePaymentVerification, "purchase rejected: "+reason)
	}
	if final.Task == nil || final.Task.Credential == nil {
		return nil, xerrors.New(xerrors.CodeCredential, "purchase settled but no credential returned")
	}

	cred := final.Task.Credential
	c.mu.Lock()
	c.credits += cred.CreditsLimit
	c.mu.Unlock()

	result := &Purchase{TradeID: final.Task.TradeID, Credential: cred}
	if final.Settlement != nil {
		result.TxRef = final.Settlement.TxRef
	}
	log.Info("purchase completed",
		"trade_id", result.TradeID,
		"credential_id", cred.ID,
		"credits", cred.CreditsLimit,
		"tx", result.TxRef)
	return result, nil
}

// process posts one message to the counterpart's /process endpoint. A 402
// is a protocol answer, not a transport failure, so the body is decoded
// for 200 and 402 alike.
func (c *Client) process(ctx context.Context, msg *protocol.Message) (*protocol.ProcessResponse, error) {
	body, err := json.Marshal(protocol.ProcessRequest{Message: msg})
	if err != nil {
		return nil, fmt.Errorf("encode process request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.counterpartURL+"/process", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build process request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call counterpart: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read counterpart response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("counterpart returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded protocol.ProcessResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode counterpart response: %w", err)
	}
	return &decoded, nil
}

// paymentMetadataOf digs the payment payload out of a process response,
// preferring the task status message over the task record.
func paymentMetadataOf(resp *protocol.ProcessResponse) *protocol.PaymentMetadata {
	if resp == nil || resp.Task == nil {
		return nil
	}
	if msg := resp.Task.Status.Message; msg != nil && msg.Payment != nil {
		return msg.Payment
	}
	return resp.Task.Payment
}
