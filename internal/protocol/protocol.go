// Package protocol defines the wire types exchanged on the /process
// endpoint between buying and selling agents. Payment state rides in a
// single discriminated payload: the Status field says which of the other
// fields is populated.
package protocol

import (
	"fmt"

	"agentpay/internal/credential"
	"agentpay/internal/payment"
	"agentpay/internal/settlement"
)

// Payment statuses, the discriminator of PaymentMetadata.
const (
	PaymentRequired  = "payment-required"
	PaymentSubmitted = "payment-submitted"
	PaymentVerified  = "payment-verified"
	PaymentCompleted = "payment-completed"
	PaymentFailed    = "payment-failed"
	PaymentRejected  = "payment-rejected"
)

// PaymentMetadata carries the payment state of a message or task.
// Required is set only for payment-required, Payload only for
// payment-submitted, Receipts only once settlement ran.
type PaymentMetadata struct {
	Status   string                    `json:"status"`
	Required *payment.RequiredResponse `json:"required,omitempty"`
	Payload  *payment.Payload          `json:"payload,omitempty"`
	Payer    string                    `json:"payer,omitempty"`
	Receipts []settlement.Result       `json:"receipts,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// Validate checks the discriminant against the populated fields.
func (m *PaymentMetadata) Validate() error {
	switch m.Status {
	case PaymentRequired:
		if m.Required == nil {
			return fmt.Errorf("status %s requires a requirements descriptor", m.Status)
		}
	case PaymentSubmitted:
		if m.Payload == nil {
			return fmt.Errorf("status %s requires a payment payload", m.Status)
		}
	case PaymentVerified, PaymentCompleted, PaymentFailed, PaymentRejected:
	default:
		return fmt.Errorf("unknown payment status %q", m.Status)
	}
	return nil
}

// Part is one content fragment of a message.
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// TextPart builds a plain text fragment.
func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// Message is one turn of the exchange.
type Message struct {
	MessageID string           `json:"messageId"`
	Role      string           `json:"role"`
	Parts     []Part           `json:"parts,omitempty"`
	Payment   *PaymentMetadata `json:"payment,omitempty"`
}

// TaskState is the lifecycle state of a processing task.
type TaskState string

const (
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
)

// TaskStatus pairs the state with the message that produced it.
type TaskStatus struct {
	State   TaskState `json:"state"`
	Message *Message  `json:"message,omitempty"`
}

// Task tracks one purchase exchange end to end.
type Task struct {
	ID               string                          `json:"id"`
	ContextID        string                          `json:"contextId"`
	Status           TaskStatus                      `json:"status"`
	Payment          *PaymentMetadata                `json:"payment,omitempty"`
	TradeID          string                          `json:"tradeId,omitempty"`
	CreditsRequested int64                           `json:"creditsRequested,omitempty"`
	Credential       *credential.TemporaryCredential `json:"credential,omitempty"`
}

// ProcessRequest is the body of POST /process.
type ProcessRequest struct {
	Message   *Message `json:"message"`
	TaskID    string   `json:"taskId,omitempty"`
	ContextID string   `json:"contextId,omitempty"`
}

// ProcessResponse is the seller's answer to a purchase request.
type ProcessResponse struct {
	Success    bool               `json:"success"`
	Error      string             `json:"error,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Task       *Task              `json:"task,omitempty"`
	Events     []*Task            `json:"events,omitempty"`
	Settlement *settlement.Result `json:"settlement,omitempty"`
}
