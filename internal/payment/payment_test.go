package payment

import (
	"context"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"agentpay/internal/wallet"
)

const (
	testChainID = int64(421614)
	testAsset   = "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d"
)

func testRequirement(payTo string) Requirement {
	return Requirement{
		Scheme:            SchemeExact,
		Network:           "arbitrum-sepolia",
		Asset:             testAsset,
		PayTo:             payTo,
		MaxAmountRequired: "1100",
		MaxTimeoutSeconds: 60,
		Extra:             Extra{Name: "USDC", Version: "2"},
	}
}

func newTestSigner(t *testing.T) *wallet.KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := wallet.NewKeySigner(hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return signer
}

func TestAuthorizeVerifyRoundtrip(t *testing.T) {
	buyerSigner := newTestSigner(t)
	sellerSigner := newTestSigner(t)

	authorizer := NewAuthorizer(buyerSigner)
	req := testRequirement(sellerSigner.Address().Hex())

	payload, err := authorizer.Authorize([]Requirement{req})
	require.NoError(t, err)
	require.Equal(t, ProtocolVersion, payload.Version)
	require.Equal(t, buyerSigner.Address().Hex(), payload.Payload.Authorization.From)
	require.Equal(t, "1100", payload.Payload.Authorization.Value)
	require.Len(t, payload.Payload.Authorization.Nonce, 66)

	verifier := NewVerifier(testChainID, nil)
	result := verifier.Verify(payload, req)
	require.True(t, result.Valid, "reason: %s", result.Reason)
	require.Equal(t, buyerSigner.Address().Hex(), result.Payer)
}

func TestAuthorizeRejectsEmptyAndUnknownNetwork(t *testing.T) {
	authorizer := NewAuthorizer(newTestSigner(t))

	_, err := authorizer.Authorize(nil)
	require.ErrorIs(t, err, ErrMalformedRequirement)

	req := testRequirement("0x0000000000000000000000000000000000000001")
	req.Network = "unknown-net"
	_, err = authorizer.Authorize([]Requirement{req})
	require.ErrorIs(t, err, ErrMalformedRequirement)
}

func TestVerifyRejectsForeignSigner(t *testing.T) {
	buyerSigner := newTestSigner(t)
	req := testRequirement("0x0000000000000000000000000000000000000001")

	payload, err := NewAuthorizer(buyerSigner).Authorize([]Requirement{req})
	require.NoError(t, err)

	// Claim the authorization came from someone else.
	payload.Payload.Authorization.From = "0x0000000000000000000000000000000000000002"

	result := NewVerifier(testChainID, nil).Verify(payload, req)
	require.False(t, result.Valid)
	require.Equal(t, ReasonBadSignature, result.Reason)
}

func TestVerifyWindow(t *testing.T) {
	buyerSigner := newTestSigner(t)
	req := testRequirement("0x0000000000000000000000000000000000000001")

	payload, err := NewAuthorizer(buyerSigner).Authorize([]Requirement{req})
	require.NoError(t, err)

	validBefore, err := strconv.ParseInt(payload.Payload.Authorization.ValidBefore, 10, 64)
	require.NoError(t, err)

	verifier := NewVerifier(testChainID, nil)

	// At exactly validBefore the authorization is no longer acceptable.
	verifier.now = func() time.Time { return time.Unix(validBefore, 0) }
	result := verifier.Verify(payload, req)
	require.False(t, result.Valid)
	require.Equal(t, ReasonExpired, result.Reason)

	// One second earlier it still is.
	verifier.now = func() time.Time { return time.Unix(validBefore-1, 0) }
	result = verifier.Verify(payload, req)
	require.True(t, result.Valid)
}

func TestVerifyNotYetValid(t *testing.T) {
	buyerSigner := newTestSigner(t)
	req := testRequirement("0x0000000000000000000000000000000000000001")

	authorizer := NewAuthorizer(buyerSigner)
	future := time.Now().Add(time.Hour)
	authorizer.now = func() time.Time { return future }

	// Sign an authorization whose window opens in the future.
	payload, err := authorizer.Authorize([]Requirement{req})
	require.NoError(t, err)
	payload.Payload.Authorization.ValidAfter = strconv.FormatInt(future.Unix(), 10)

	// The window check runs only after the signature matches, so re-sign.
	chainID, _ := ChainID(req.Network)
	digest, err := SigningDigest(payload.Payload.Authorization, req.Extra.Name, req.Extra.Version, chainID, req.Asset)
	require.NoError(t, err)
	sig, err := buyerSigner.SignDigest(digest)
	require.NoError(t, err)
	payload.Payload.Signature = "0x" + hex.EncodeToString(sig)

	result := NewVerifier(testChainID, nil).Verify(payload, req)
	require.False(t, result.Valid)
	require.Equal(t, ReasonNotYetValid, result.Reason)
}

func TestVerifyAmountBoundary(t *testing.T) {
	buyerSigner := newTestSigner(t)
	req := testRequirement("0x0000000000000000000000000000000000000001")

	payload, err := NewAuthorizer(buyerSigner).Authorize([]Requirement{req})
	require.NoError(t, err)

	verifier := NewVerifier(testChainID, nil)

	// Equal value passes.
	result := verifier.Verify(payload, req)
	require.True(t, result.Valid)

	// Raising the requirement after signing makes the payment short.
	higher := req
	higher.MaxAmountRequired = "1101"
	result = verifier.Verify(payload, higher)
	require.False(t, result.Valid)
	require.Equal(t, ReasonAmountTooLow, result.Reason)
}

func TestVerifySchemeMismatch(t *testing.T) {
	buyerSigner := newTestSigner(t)
	req := testRequirement("0x0000000000000000000000000000000000000001")

	payload, err := NewAuthorizer(buyerSigner).Authorize([]Requirement{req})
	require.NoError(t, err)
	payload.Network = "base-sepolia"

	result := NewVerifier(testChainID, nil).Verify(payload, req)
	require.False(t, result.Valid)
	require.Equal(t, ReasonSchemeMismatch, result.Reason)
}

func TestVerifyAndConsumeRejectsReplay(t *testing.T) {
	buyerSigner := newTestSigner(t)
	req := testRequirement("0x0000000000000000000000000000000000000001")

	payload, err := NewAuthorizer(buyerSigner).Authorize([]Requirement{req})
	require.NoError(t, err)

	verifier := NewVerifier(testChainID, NewMemoryNonceStore())
	ctx := context.Background()

	first, err := verifier.VerifyAndConsume(ctx, payload, req)
	require.NoError(t, err)
	require.True(t, first.Valid)

	second, err := verifier.VerifyAndConsume(ctx, payload, req)
	require.NoError(t, err)
	require.False(t, second.Valid)
	require.Equal(t, ReasonNonceReplayed, second.Reason)
}

func TestMemoryNonceStoreSweep(t *testing.T) {
	store := NewMemoryNonceStore()
	ctx := context.Background()

	fresh, err := store.Consume(ctx, "0xaa", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, fresh)
	fresh, err = store.Consume(ctx, "0xbb", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, fresh)

	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	// The unexpired nonce is still held.
	fresh, err = store.Consume(ctx, "0xaa", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.False(t, fresh)
}
