// Package wallet holds the signing capability an agent uses to authorize
// payments. Key custody beyond an in-process ECDSA key is out of scope.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs 32-byte digests with a secp256k1 key and exposes the
// derived address. It is injected into whichever role needs to sign.
type Signer interface {
	Address() common.Address
	SignDigest(digest []byte) ([]byte, error)
}

// KeySigner is a Signer backed by a raw private key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner parses a hex encoded private key, with or without 0x prefix.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	if strings.TrimSpace(hexKey) == "" {
		return nil, errors.New("private key is empty")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the address derived from the signing key.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignDigest signs a 32-byte digest. The recovery id is normalised to the
// 27/28 convention used by typed-data signatures on the wire.
func (s *KeySigner) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	if sig[64] == 0 || sig[64] == 1 {
		sig[64] += 27
	}
	return sig, nil
}

// PrivateKey exposes the underlying key for transaction signing.
func (s *KeySigner) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

var _ Signer = (*KeySigner)(nil)
