// Package reconcile re-derives trade truth from the chain: given a trade
// record, it checks that the referenced transaction exists, succeeded, and
// actually moved the agreed amount between the agreed parties.
package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"agentpay/internal/ledger"
	"agentpay/internal/trade"
)

// Failure reasons a verification can report.
const (
	ReasonNoTransaction   = "no_transaction"
	ReasonNotFound        = "not_found"
	ReasonReverted        = "reverted"
	ReasonNoTransferEvent = "no_transfer_event"
	ReasonMismatch        = "transfer_mismatch"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Verification is the chain's answer about one trade.
type Verification struct {
	TradeID       string `json:"tradeId"`
	IsValid       bool   `json:"isValid"`
	TxRef         string `json:"transactionHash,omitempty"`
	BlockNumber   uint64 `json:"blockNumber,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Err           string `json:"error,omitempty"`
	ExplorerURL   string `json:"explorerUrl,omitempty"`
}

// TransactionDetails is the receipt/transaction/block join for one hash.
type TransactionDetails struct {
	Hash          string    `json:"hash"`
	BlockNumber   uint64    `json:"blockNumber"`
	BlockHash     string    `json:"blockHash"`
	From          string    `json:"from"`
	To            string    `json:"to,omitempty"`
	Value         string    `json:"value"`
	GasUsed       uint64    `json:"gasUsed"`
	GasPrice      string    `json:"gasPrice"`
	Status        string    `json:"status"`
	Confirmations uint64    `json:"confirmations"`
	Timestamp     time.Time `json:"timestamp"`
	ExplorerURL   string    `json:"explorerUrl,omitempty"`
}

// Reconciler answers trade and transaction queries from the ledger. It
// trusts nothing the trade record says beyond the transaction reference.
type Reconciler struct {
	reader          ledger.Reader
	asset           common.Address
	assetDecimals   int32
	explorerBaseURL string
}

// New creates a Reconciler for the configured asset contract.
func New(reader ledger.Reader, asset common.Address, assetDecimals int32, explorerBaseURL string) *Reconciler {
	return &Reconciler{
		reader:          reader,
		asset:           asset,
		assetDecimals:   assetDecimals,
		explorerBaseURL: strings.TrimRight(explorerBaseURL, "/"),
	}
}

// VerifyTrade checks a single trade against the ledger. A trade is valid
// when its transaction is mined, succeeded, and carries a token Transfer
// from the buyer to the seller of at least the trade price.
func (r *Reconciler) VerifyTrade(ctx context.Context, t *trade.Trade) (Verification, error) {
	v := Verification{TradeID: t.ID}
	if t.TxRef == "" {
		v.Err = ReasonNoTransaction
		return v, nil
	}
	v.TxRef = t.TxRef
	v.ExplorerURL = r.ExplorerURL(t.TxRef)

	hash := common.HexToHash(t.TxRef)
	receipt, err := r.reader.ReceiptByHash(ctx, hash)
	if err != nil {
		return Verification{}, fmt.Errorf("verify trade %s: %w", t.ID, err)
	}
	if receipt == nil {
		v.Err = ReasonNotFound
		return v, nil
	}

	v.BlockNumber = receipt.BlockNumber.Uint64()
	latest, err := r.reader.BlockNumber(ctx)
	if err != nil {
		return Verification{}, fmt.Errorf("verify trade %s: %w", t.ID, err)
	}
	v.Confirmations = confirmations(latest, v.BlockNumber)

	if receipt.Status != types.ReceiptStatusSuccessful {
		v.Err = ReasonReverted
		return v, nil
	}

	transfer := r.findTransfer(receipt)
	if transfer == nil {
		v.Err = ReasonNoTransferEvent
		return v, nil
	}
	v.From = transfer.from.Hex()
	v.To = transfer.to.Hex()
	v.Amount = r.displayAmount(transfer.value)

	if !strings.EqualFold(transfer.from.Hex(), t.BuyerID) ||
		!strings.EqualFold(transfer.to.Hex(), t.SellerID) ||
		transfer.value.Cmp(t.PriceAmount) < 0 {
		v.Err = ReasonMismatch
		return v, nil
	}

	v.IsValid = true
	return v, nil
}

// VerifyTrades checks a batch concurrently, bounded so a long list does
// not stampede the RPC endpoint. Results keep the input order.
func (r *Reconciler) VerifyTrades(ctx context.Context, trades []*trade.Trade) ([]Verification, error) {
	results := make([]Verification, len(trades))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, t := range trades {
		g.Go(func() error {
			v, err := r.VerifyTrade(ctx, t)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// TransactionDetails joins the transaction, its receipt and its block.
// Returns nil when the ledger has no entry for the hash.
func (r *Reconciler) TransactionDetails(ctx context.Context, hash common.Hash) (*TransactionDetails, error) {
	tx, pending, err := r.reader.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, nil
	}

	details := &TransactionDetails{
		Hash:        hash.Hex(),
		Value:       tx.Value().String(),
		GasPrice:    tx.GasPrice().String(),
		Status:      "pending",
		ExplorerURL: r.ExplorerURL(hash.Hex()),
	}
	if to := tx.To(); to != nil {
		details.To = to.Hex()
	}
	if sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		details.From = sender.Hex()
	}
	if pending {
		return details, nil
	}

	receipt, err := r.reader.ReceiptByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return details, nil
	}

	details.BlockNumber = receipt.BlockNumber.Uint64()
	details.BlockHash = receipt.BlockHash.Hex()
	details.GasUsed = receipt.GasUsed
	if receipt.Status == types.ReceiptStatusSuccessful {
		details.Status = "success"
	} else {
		details.Status = "reverted"
	}

	latest, err := r.reader.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	details.Confirmations = confirmations(latest, details.BlockNumber)

	if header, err := r.reader.HeaderByNumber(ctx, receipt.BlockNumber); err == nil && header != nil {
		details.Timestamp = time.Unix(int64(header.Time), 0).UTC()
	}
	return details, nil
}

// Confirmed reports whether the transaction succeeded and has at least
// required confirmations.
func (r *Reconciler) Confirmed(ctx context.Context, hash common.Hash, required uint64) (bool, error) {
	receipt, err := r.reader.ReceiptByHash(ctx, hash)
	if err != nil {
		return false, err
	}
	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}
	latest, err := r.reader.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	return confirmations(latest, receipt.BlockNumber.Uint64()) >= required, nil
}

// ExplorerURL builds the explorer link for a transaction reference.
func (r *Reconciler) ExplorerURL(txRef string) string {
	if r.explorerBaseURL == "" || txRef == "" {
		return ""
	}
	return r.explorerBaseURL + "/tx/" + txRef
}

type transferEvent struct {
	from  common.Address
	to    common.Address
	value *big.Int
}

// findTransfer returns the first Transfer log the asset contract emitted
// in the receipt.
func (r *Reconciler) findTransfer(receipt *types.Receipt) *transferEvent {
	for _, log := range receipt.Logs {
		if log.Address != r.asset {
			continue
		}
		if len(log.Topics) != 3 || log.Topics[0] != transferTopic {
			continue
		}
		return &transferEvent{
			from:  common.BytesToAddress(log.Topics[1].Bytes()),
			to:    common.BytesToAddress(log.Topics[2].Bytes()),
			value: new(big.Int).SetBytes(log.Data),
		}
	}
	return nil
}

func (r *Reconciler) displayAmount(value *big.Int) string {
	return decimal.NewFromBigInt(value, -r.assetDecimals).String()
}

func confirmations(latest, mined uint64) uint64 {
	if latest < mined {
		return 0
	}
	return latest - mined + 1
}
