// Package ledger provides read access to the external chain the agents
// settle on. Higher layers depend on the Reader interface so tests can
// substitute a fake ledger.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Reader exposes the ledger lookups the exchange core needs. Every call
// must resolve to a definite success or failure within the caller's
// deadline; a timeout surfaces as an error, never as silence.
type Reader interface {
	// BalanceAt returns the native balance of an account.
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	// TokenBalance returns the fungible-token balance of an account.
	TokenBalance(ctx context.Context, asset, account common.Address) (*big.Int, error)
	// ReceiptByHash returns the receipt for a transaction, or nil when the
	// transaction is not (yet) on the ledger.
	ReceiptByHash(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	// TransactionByHash returns the transaction and whether it is pending.
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	// HeaderByNumber returns the header of a block; nil number means latest.
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	// BlockNumber returns the height of the latest block.
	BlockNumber(ctx context.Context) (uint64, error)
}
