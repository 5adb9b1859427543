package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"agentpay/internal/payment"
)

// Failure reasons reported by the chain backend.
const (
	reasonInvalidValue     = "invalid_authorization_value"
	reasonInvalidBounds    = "invalid_authorization_bounds"
	reasonInvalidNonce     = "invalid_authorization_nonce"
	reasonInvalidSignature = "invalid_authorization_signature"
)

// transferWithAuthorizationABI is the single token entrypoint the backend
// calls (EIP-3009).
const transferWithAuthorizationABI = `[{
	"type": "function",
	"name": "transferWithAuthorization",
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	],
	"outputs": []
}]`

// txSender is the slice of the RPC client the backend needs to build, sign
// and broadcast a transaction. *ethclient.Client satisfies it.
type txSender interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
}

// ChainBackend submits transferWithAuthorization directly from the
// seller's wallet, paying the gas itself.
type ChainBackend struct {
	client  txSender
	chainID *big.Int
	key     *ecdsa.PrivateKey
	sender  common.Address
	abi     abi.ABI
}

// NewChainBackend creates a backend that signs with key and broadcasts via
// client.
func NewChainBackend(client txSender, chainID int64, key *ecdsa.PrivateKey) (*ChainBackend, error) {
	parsed, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		return nil, fmt.Errorf("parse token ABI: %w", err)
	}
	return &ChainBackend{
		client:  client,
		chainID: big.NewInt(chainID),
		key:     key,
		sender:  crypto.PubkeyToAddress(key.PublicKey),
		abi:     parsed,
	}, nil
}

// Settle packs the authorization into a transferWithAuthorization call and
// sends it as an EIP-1559 transaction. Malformed authorizations come back
// as unsuccessful results; RPC failures come back as errors.
func (b *ChainBackend) Settle(ctx context.Context, payload *payment.Payload, req payment.Requirement) (Result, error) {
	auth := payload.Payload.Authorization

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() < 0 {
		return Result{ErrorReason: reasonInvalidValue}, nil
	}
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return Result{ErrorReason: reasonInvalidBounds}, nil
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return Result{ErrorReason: reasonInvalidBounds}, nil
	}

	nonce, err := common.ParseHexOrString(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return Result{ErrorReason: reasonInvalidNonce}, nil
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonce)

	sig, err := common.ParseHexOrString(payload.Payload.Signature)
	if err != nil || len(sig) != 65 {
		return Result{ErrorReason: reasonInvalidSignature}, nil
	}
	var sigR, sigS [32]byte
	copy(sigR[:], sig[0:32])
	copy(sigS[:], sig[32:64])
	sigV := sig[64]
	// The contract expects the 27/28 convention.
	if sigV == 0 || sigV == 1 {
		sigV += 27
	}

	data, err := b.abi.Pack(
		"transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(validAfter),
		big.NewInt(validBefore),
		nonce32,
		sigV,
		sigR,
		sigS,
	)
	if err != nil {
		return Result{ErrorReason: reasonInvalidSignature}, nil
	}

	asset := common.HexToAddress(req.Asset)

	txNonce, err := b.client.PendingNonceAt(ctx, b.sender)
	if err != nil {
		return Result{}, fmt.Errorf("get pending nonce: %w", err)
	}
	gasTipCap, err := b.client.SuggestGasTipCap(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("suggest gas tip cap: %w", err)
	}
	header, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("get block header: %w", err)
	}
	if header.BaseFee == nil {
		return Result{}, fmt.Errorf("block header missing base fee: network may not support EIP-1559")
	}
	gasFeeCap := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
		gasTipCap,
	)

	gasLimit, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From: b.sender,
		To:   &asset,
		Data: data,
	})
	if err != nil {
		return Result{}, fmt.Errorf("estimate gas: %w", err)
	}
	// 20% headroom over the estimate.
	gasLimit = gasLimit * 120 / 100

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     txNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &asset,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(b.chainID), b.key)
	if err != nil {
		return Result{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := b.client.SendTransaction(ctx, signedTx); err != nil {
		return Result{}, fmt.Errorf("send transaction: %w", err)
	}

	return Result{Success: true, TxRef: signedTx.Hash().Hex()}, nil
}

var _ Backend = (*ChainBackend)(nil)
