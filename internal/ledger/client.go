package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "agentpay/internal/errors"
)

const balanceOfJSON = `[{
	"type": "function",
	"name": "balanceOf",
	"inputs": [{"name": "account", "type": "address"}],
	"outputs": [{"name": "", "type": "uint256"}],
	"constant": true
}]`

// Client implements Reader on top of an EVM RPC endpoint. Every lookup is
// bounded by the configured call timeout.
type Client struct {
	eth          *ethclient.Client
	callTimeout  time.Duration
	balanceOfABI abi.ABI
}

// Dial connects to the RPC endpoint and prepares the token ABI.
func Dial(ctx context.Context, rpcURL string, callTimeout time.Duration) (*Client, error) {
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInternal, "ledger rpc url is empty")
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(balanceOfJSON))
	if err != nil {
		return nil, fmt.Errorf("parse balanceOf ABI: %w", err)
	}
	return &Client{eth: eth, callTimeout: callTimeout, balanceOfABI: parsed}, nil
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

// BalanceAt returns the native balance of an account at the latest block.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	balance, err := c.eth.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, wrapTimeout(err, "balance lookup")
	}
	return balance, nil
}

// TokenBalance calls balanceOf on the asset contract.
func (c *Client) TokenBalance(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	data, err := c.balanceOfABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &asset, Data: data}, nil)
	if err != nil {
		return nil, wrapTimeout(err, "token balance lookup")
	}
	if len(result) != 32 {
		return nil, fmt.Errorf("token balance result is %d bytes, want 32", len(result))
	}
	return new(big.Int).SetBytes(result), nil
}

// ReceiptByHash returns the receipt, or nil when the ledger has no entry.
func (c *Client) ReceiptByHash(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, wrapTimeout(err, "receipt lookup")
	}
	return receipt, nil
}

// TransactionByHash returns the transaction and its pending flag.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, nil
		}
		return nil, false, wrapTimeout(err, "transaction lookup")
	}
	return tx, pending, nil
}

// HeaderByNumber returns a block header; nil requests the latest.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	header, err := c.eth.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, wrapTimeout(err, "header lookup")
	}
	return header, nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	number, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, wrapTimeout(err, "block number lookup")
	}
	return number, nil
}

// Raw exposes the underlying RPC client for transaction submission.
func (c *Client) Raw() *ethclient.Client {
	return c.eth
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}

func wrapTimeout(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, op+" timed out")
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Reader = (*Client)(nil)
