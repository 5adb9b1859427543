// Package trade holds the authoritative in-memory record of trade
// lifecycle for one agent process.
package trade

import (
	"math/big"
	"time"
)

// Status is the lifecycle state of a trade. Transitions only move forward:
// pending → approved → completed, with failed reachable from any
// non-terminal state. A trade never regresses.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Trade records one resource purchase between two agents.
type Trade struct {
	ID            string     `json:"id"`
	BuyerID       string     `json:"buyerId"`
	SellerID      string     `json:"sellerId"`
	CreditsAmount int64      `json:"creditsAmount"`
	PriceAmount   *big.Int   `json:"priceAmount"`
	SellerFee     string     `json:"sellerFee"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	TxRef         string     `json:"transactionHash,omitempty"`
	CredentialID  string     `json:"credentialId,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
}

func cloneTrade(t *Trade) *Trade {
	clone := *t
	if t.PriceAmount != nil {
		clone.PriceAmount = new(big.Int).Set(t.PriceAmount)
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}
