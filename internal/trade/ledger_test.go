package trade

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	buyerAddr  = "0x1111111111111111111111111111111111111111"
	sellerAddr = "0x2222222222222222222222222222222222222222"
)

func TestAdmitCreatesPendingTrade(t *testing.T) {
	l := NewLedger(10)
	tr := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))

	require.NotEmpty(t, tr.ID)
	require.Equal(t, StatusPending, tr.Status)
	require.Equal(t, int64(10), tr.CreditsAmount)
	require.Equal(t, "1100", tr.PriceAmount.String())
	require.Equal(t, "110", tr.SellerFee)
	require.False(t, tr.CreatedAt.IsZero())
}

func TestLifecycleHappyPath(t *testing.T) {
	l := NewLedger(10)
	tr := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))

	verified, err := l.RecordVerified(tr.ID, buyerAddr)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, verified.Status)
	require.Equal(t, buyerAddr, verified.BuyerID)

	settled, err := l.RecordSettled(tr.ID, "0xabc")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, settled.Status)
	require.Equal(t, "0xabc", settled.TxRef)
	require.NotNil(t, settled.CompletedAt)
}

func TestTransitionsOnlyMoveForward(t *testing.T) {
	l := NewLedger(10)
	tr := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))

	// Settling a pending trade skips verification.
	_, err := l.RecordSettled(tr.ID, "0xabc")
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = l.RecordVerified(tr.ID, buyerAddr)
	require.NoError(t, err)
	_, err = l.RecordSettled(tr.ID, "0xabc")
	require.NoError(t, err)

	// Completed is terminal.
	_, err = l.RecordVerified(tr.ID, buyerAddr)
	require.ErrorIs(t, err, ErrIllegalTransition)
	_, err = l.RecordFailed(tr.ID, "late failure")
	require.ErrorIs(t, err, ErrIllegalTransition)

	// The record kept its settled state.
	got, err := l.Get(tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Empty(t, got.FailureReason)
}

func TestRecordFailedFromAnyNonTerminalState(t *testing.T) {
	l := NewLedger(10)

	pending := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))
	failed, err := l.RecordFailed(pending.ID, "verification failed")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, "verification failed", failed.FailureReason)

	approved := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))
	_, err = l.RecordVerified(approved.ID, buyerAddr)
	require.NoError(t, err)
	failed, err = l.RecordFailed(approved.ID, "settlement failed")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
}

func TestGetUnknownTrade(t *testing.T) {
	l := NewLedger(10)
	_, err := l.Get("trade-missing")
	require.ErrorIs(t, err, ErrTradeNotFound)
}

func TestListNewestFirst(t *testing.T) {
	l := NewLedger(10)
	base := time.Now()
	clock := base
	l.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	first := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))
	second := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))

	trades := l.List()
	require.Len(t, trades, 2)
	require.Equal(t, second.ID, trades[0].ID)
	require.Equal(t, first.ID, trades[1].ID)
}

func TestPruneRemovesOnlyAgedTerminalTrades(t *testing.T) {
	l := NewLedger(10)
	old := time.Now().Add(-48 * time.Hour)
	l.now = func() time.Time { return old }

	agedPending := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))
	agedFailed := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))
	_, err := l.RecordFailed(agedFailed.ID, "expired")
	require.NoError(t, err)

	l.now = time.Now
	freshCompleted := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))
	_, err = l.RecordVerified(freshCompleted.ID, buyerAddr)
	require.NoError(t, err)
	_, err = l.RecordSettled(freshCompleted.ID, "0xabc")
	require.NoError(t, err)

	removed := l.Prune(24 * time.Hour)
	require.Equal(t, 1, removed)

	// The aged pending trade is never pruned regardless of age.
	_, err = l.Get(agedPending.ID)
	require.NoError(t, err)
	_, err = l.Get(freshCompleted.ID)
	require.NoError(t, err)
	_, err = l.Get(agedFailed.ID)
	require.ErrorIs(t, err, ErrTradeNotFound)
}

func TestCloneIsolation(t *testing.T) {
	l := NewLedger(10)
	tr := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))

	// Mutating a returned clone must not leak into the ledger.
	tr.PriceAmount.SetInt64(1)
	tr.Status = StatusCompleted

	got, err := l.Get(tr.ID)
	require.NoError(t, err)
	require.Equal(t, "1100", got.PriceAmount.String())
	require.Equal(t, StatusPending, got.Status)
}

func TestStats(t *testing.T) {
	l := NewLedger(10)

	a := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))
	b := l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))
	l.Admit(buyerAddr, sellerAddr, 10, big.NewInt(1100))

	_, err := l.RecordVerified(a.ID, buyerAddr)
	require.NoError(t, err)
	_, err = l.RecordFailed(b.ID, "bad signature")
	require.NoError(t, err)

	stats := l.Stats()
	require.Equal(t, Stats{Total: 3, Pending: 1, Approved: 1, Failed: 1}, stats)
}
