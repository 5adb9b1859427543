package trade

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "agentpay/internal/errors"
)

// ErrTradeNotFound is returned for lookups of unknown trade ids.
var ErrTradeNotFound = xerrors.New(xerrors.CodeNotFound, "trade not found")

// ErrIllegalTransition is returned when a recorded outcome would move a
// trade backwards through its lifecycle.
var ErrIllegalTransition = xerrors.New(xerrors.CodeConflict, "illegal trade status transition")

// Ledger is the in-memory trade record, keyed by trade id. All mutations
// are atomic per key; reads return clones so callers cannot alias internal
// state.
type Ledger struct {
	mu         sync.RWMutex
	trades     map[string]*Trade
	feePercent int64
	now        func() time.Time
}

// NewLedger creates an empty ledger. feePercent is the seller fee charged
// on top of the price, recorded on each trade for reporting.
func NewLedger(feePercent int64) *Ledger {
	return &Ledger{
		trades:     make(map[string]*Trade),
		feePercent: feePercent,
		now:        time.Now,
	}
}

// Admit creates a pending trade for an accepted purchase request.
func (l *Ledger) Admit(buyerID, sellerID string, creditsAmount int64, priceAmount *big.Int) *Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := &Trade{
		ID:            "trade-" + uuid.NewString(),
		BuyerID:       buyerID,
		SellerID:      sellerID,
		CreditsAmount: creditsAmount,
		PriceAmount:   new(big.Int).Set(priceAmount),
		SellerFee:     feeFor(priceAmount, l.feePercent),
		Status:        StatusPending,
		CreatedAt:     l.now(),
	}
	l.trades[t.ID] = t
	return cloneTrade(t)
}

// RecordVerified moves a pending trade to approved and pins the verified
// payer as the buyer of record.
func (l *Ledger) RecordVerified(id, payer string) (*Trade, error) {
	return l.transition(id, func(t *Trade) error {
		if t.Status != StatusPending {
			return ErrIllegalTransition
		}
		t.Status = StatusApproved
		if payer != "" {
			t.BuyerID = payer
		}
		return nil
	})
}

// RecordSettled moves an approved trade to completed with its transaction
// reference.
func (l *Ledger) RecordSettled(id, txRef string) (*Trade, error) {
	return l.transition(id, func(t *Trade) error {
		if t.Status != StatusApproved {
			return ErrIllegalTransition
		}
		now := l.now()
		t.Status = StatusCompleted
		t.CompletedAt = &now
		t.TxRef = txRef
		return nil
	})
}

// RecordFailed moves any non-terminal trade to failed with a reason.
func (l *Ledger) RecordFailed(id, reason string) (*Trade, error) {
	return l.transition(id, func(t *Trade) error {
		if t.Status.Terminal() {
			return ErrIllegalTransition
		}
		t.Status = StatusFailed
		t.FailureReason = reason
		return nil
	})
}

// AttachCredential records the credential minted for a trade.
func (l *Ledger) AttachCredential(id, credentialID string) (*Trade, error) {
	return l.transition(id, func(t *Trade) error {
		t.CredentialID = credentialID
		return nil
	})
}

func (l *Ledger) transition(id string, mutate func(*Trade) error) (*Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	if err := mutate(t); err != nil {
		return cloneTrade(t), err
	}
	return cloneTrade(t), nil
}

// Get returns a trade by id.
func (l *Ledger) Get(id string) (*Trade, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return cloneTrade(t), nil
}

// List returns all trades, newest first.
func (l *Ledger) List() []*Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	trades := make([]*Trade, 0, len(l.trades))
	for _, t := range l.trades {
		trades = append(trades, cloneTrade(t))
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].CreatedAt.Equal(trades[j].CreatedAt) {
			return trades[i].ID < trades[j].ID
		}
		return trades[i].CreatedAt.After(trades[j].CreatedAt)
	})
	return trades
}

// Prune removes terminal trades older than maxAge and returns how many
// were dropped. Pending and approved trades are never pruned regardless of
// age; they leave the ledger only through an explicit failure transition.
func (l *Ledger) Prune(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxAge)
	removed := 0
	for id, t := range l.trades {
		if t.Status.Terminal() && t.CreatedAt.Before(cutoff) {
			delete(l.trades, id)
			removed++
		}
	}
	return removed
}

// Stats summarises the ledger for health reporting.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Stats counts trades by status.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := Stats{Total: len(l.trades)}
	for _, t := range l.trades {
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusApproved:
			stats.Approved++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// feeFor computes the seller fee in display form from the micro-unit price.
func feeFor(price *big.Int, percent int64) string {
	fee := decimal.NewFromBigInt(price, 0).
		Mul(decimal.NewFromInt(percent)).
		Div(decimal.NewFromInt(100))
	return fee.String()
}
