// Package settlement executes verified payment authorizations on chain,
// either directly from the seller's wallet or through an external
// facilitator service.
package settlement

import (
	"context"
	"time"

	"agentpay/internal/payment"
)

// Result is the outcome of one settlement attempt. Exactly one of TxRef
// and ErrorReason is meaningful: TxRef when Success, ErrorReason when not.
type Result struct {
	Success     bool   `json:"success"`
	TxRef       string `json:"transaction,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Backend moves a verified authorization onto the chain.
type Backend interface {
	Settle(ctx context.Context, payload *payment.Payload, req payment.Requirement) (Result, error)
}

// Executor wraps a backend with the configured settlement timeout so a
// stalled RPC endpoint cannot hold a trade open indefinitely.
type Executor struct {
	backend Backend
	timeout time.Duration
}

// NewExecutor creates an Executor. A non-positive timeout disables the
// deadline.
func NewExecutor(backend Backend, timeout time.Duration) *Executor {
	return &Executor{backend: backend, timeout: timeout}
}

// Settle runs the backend under the executor's deadline.
func (e *Executor) Settle(ctx context.Context, payload *payment.Payload, req payment.Requirement) (Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.backend.Settle(ctx, payload, req)
}
