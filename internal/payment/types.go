// Package payment implements the typed-data payment authorization protocol:
// the buyer side that builds and signs an authorization from an advertised
// requirement, and the seller side that verifies a submitted one.
package payment

import (
	"math/big"

	xerrors "agentpay/internal/errors"
)

// ProtocolVersion is the wire version of the payment envelope.
const ProtocolVersion = 1

// SchemeExact is the only settlement scheme the exchange supports: the
// signed value is transferred exactly once.
const SchemeExact = "exact"

// Requirement is the seller-advertised price for one resource request.
type Requirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
	Extra             Extra  `json:"extra"`
}

// Extra carries the EIP-712 domain parameters of the asset contract.
type Extra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Authorization is the transfer intent the buyer signs. Value is a decimal
// string in the token's smallest unit; the validity bounds are unix seconds.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Payload is the protocol-versioned envelope the buyer submits.
type Payload struct {
	Version int           `json:"x402Version"`
	Scheme  string        `json:"scheme"`
	Network string        `json:"network"`
	Payload SignedPayload `json:"payload"`
}

// SignedPayload binds the signature to the authorization fields.
type SignedPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// RequiredResponse is the negotiation step returned when no (valid)
// payment accompanied a request.
type RequiredResponse struct {
	Version int           `json:"x402Version"`
	Accepts []Requirement `json:"accepts"`
	Error   string        `json:"error,omitempty"`
}

// Reason explains why a submitted authorization was rejected.
type Reason string

const (
	ReasonBadSignature   Reason = "bad_signature"
	ReasonExpired        Reason = "expired"
	ReasonNotYetValid    Reason = "not_yet_valid"
	ReasonAmountTooLow   Reason = "amount_too_low"
	ReasonSchemeMismatch Reason = "scheme_mismatch"
	ReasonNonceReplayed  Reason = "nonce_replayed"
)

// VerifyResult is the verifier's decision. Payer is set only when valid.
type VerifyResult struct {
	Valid  bool   `json:"isValid"`
	Payer  string `json:"payer,omitempty"`
	Reason Reason `json:"invalidReason,omitempty"`
}

// ErrMalformedRequirement is returned when the buyer cannot build an
// authorization from the advertised requirements.
var ErrMalformedRequirement = xerrors.New(xerrors.CodeNegotiation, "malformed payment requirement")

// chainIDs maps the network names the exchange accepts to chain ids.
var chainIDs = map[string]int64{
	"base":             8453,
	"base-sepolia":     84532,
	"arbitrum":         42161,
	"arbitrum-sepolia": 421614,
	"polygon":          137,
	"polygon-amoy":     80002,
	"sepolia":          11155111,
}

// ChainID resolves a network name to its chain id.
func ChainID(network string) (int64, bool) {
	id, ok := chainIDs[network]
	return id, ok
}

// parseAmount parses a non-negative decimal token amount.
func parseAmount(raw string) (*big.Int, bool) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, false
	}
	return value, true
}
