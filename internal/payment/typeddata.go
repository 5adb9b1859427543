package payment

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// transferAuthTypes is the typed-data schema of a token transfer
// authorization (EIP-3009 TransferWithAuthorization).
var transferAuthTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// SigningDigest computes the 32-byte digest the payer signs: the typed-data
// hash of the authorization under the asset contract's signing domain.
func SigningDigest(auth Authorization, domainName, domainVersion string, chainID int64, asset string) ([]byte, error) {
	value, ok := parseAmount(auth.Value)
	if !ok {
		return nil, fmt.Errorf("authorization value %q is not a valid amount", auth.Value)
	}
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("authorization validAfter: %w", err)
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("authorization validBefore: %w", err)
	}
	nonce, err := decodeNonce(auth.Nonce)
	if err != nil {
		return nil, err
	}

	hexChainID := math.HexOrDecimal256(*big.NewInt(chainID))
	typedData := apitypes.TypedData{
		Types:       transferAuthTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           &hexChainID,
			VerifyingContract: asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       value,
			"validAfter":  big.NewInt(validAfter),
			"validBefore": big.NewInt(validBefore),
			"nonce":       nonce,
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash signing domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash authorization message: %w", err)
	}

	raw := append(append([]byte("\x19\x01"), domainSeparator...), messageHash...)
	return crypto.Keccak256(raw), nil
}

// RecoverSigner recovers the address that produced signature over digest.
// Accepts both the 27/28 and 0/1 recovery id conventions.
func RecoverSigner(digest []byte, signature string) (common.Address, error) {
	sig, err := common.ParseHexOrString(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("parse signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature is %d bytes, want 65", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] == 27 || normalized[64] == 28 {
		normalized[64] -= 27
	}
	pubkey, err := crypto.Ecrecover(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	recovered, err := crypto.UnmarshalPubkey(pubkey)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*recovered), nil
}

// decodeNonce parses a 0x-prefixed 32-byte hex nonce.
func decodeNonce(raw string) ([32]byte, error) {
	var nonce [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nonce, fmt.Errorf("decode nonce: %w", err)
	}
	if len(decoded) != 32 {
		return nonce, fmt.Errorf("nonce is %d bytes, want 32", len(decoded))
	}
	copy(nonce[:], decoded)
	return nonce, nil
}
