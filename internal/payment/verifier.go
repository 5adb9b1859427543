package payment

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Verifier validates submitted authorizations on the seller side. Verify is
// a pure decision over its inputs and the wall clock; it never mutates
// state. VerifyAndConsume additionally burns the nonce so a captured
// payload cannot be replayed within its validity window.
type Verifier struct {
	chainID int64
	nonces  NonceStore
	now     func() time.Time
}

// NewVerifier creates a Verifier for the given chain. nonces may be nil,
// in which case VerifyAndConsume degrades to plain Verify.
func NewVerifier(chainID int64, nonces NonceStore) *Verifier {
	return &Verifier{chainID: chainID, nonces: nonces, now: time.Now}
}

// Verify checks, in order: the signature recovers to the claimed payer, the
// validity window contains now, the value covers the required amount, and
// the scheme/network match the advertised requirement.
func (v *Verifier) Verify(payload *Payload, req Requirement) VerifyResult {
	if payload == nil {
		return VerifyResult{Valid: false, Reason: ReasonBadSignature}
	}
	auth := payload.Payload.Authorization

	digest, err := SigningDigest(auth, req.Extra.Name, req.Extra.Version, v.chainID, req.Asset)
	if err != nil {
		return VerifyResult{Valid: false, Reason: ReasonBadSignature}
	}
	signer, err := RecoverSigner(digest, payload.Payload.Signature)
	if err != nil {
		return VerifyResult{Valid: false, Reason: ReasonBadSignature}
	}
	if !strings.EqualFold(signer.Hex(), auth.From) {
		return VerifyResult{Valid: false, Reason: ReasonBadSignature}
	}

	now := v.now().Unix()
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return VerifyResult{Valid: false, Reason: ReasonBadSignature}
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return VerifyResult{Valid: false, Reason: ReasonBadSignature}
	}
	if now < validAfter {
		return VerifyResult{Valid: false, Reason: ReasonNotYetValid}
	}
	if now >= validBefore {
		return VerifyResult{Valid: false, Reason: ReasonExpired}
	}

	value, ok := parseAmount(auth.Value)
	if !ok {
		return VerifyResult{Valid: false, Reason: ReasonBadSignature}
	}
	required, ok := parseAmount(req.MaxAmountRequired)
	if !ok {
		return VerifyResult{Valid: false, Reason: ReasonSchemeMismatch}
	}
	// Over-payment is accepted; under-payment is not.
	if value.Cmp(required) < 0 {
		return VerifyResult{Valid: false, Reason: ReasonAmountTooLow}
	}

	if payload.Scheme != req.Scheme || payload.Network != req.Network {
		return VerifyResult{Valid: false, Reason: ReasonSchemeMismatch}
	}

	return VerifyResult{Valid: true, Payer: signer.Hex()}
}

// VerifyAndConsume runs Verify and, on success, burns the authorization's
// nonce. A nonce seen before yields ReasonNonceReplayed: the authorization
// was valid once and has already been accepted.
func (v *Verifier) VerifyAndConsume(ctx context.Context, payload *Payload, req Requirement) (VerifyResult, error) {
	result := v.Verify(payload, req)
	if !result.Valid || v.nonces == nil {
		return result, nil
	}

	validBefore, _ := strconv.ParseInt(payload.Payload.Authorization.ValidBefore, 10, 64)
	fresh, err := v.nonces.Consume(ctx, payload.Payload.Authorization.Nonce, time.Unix(validBefore, 0))
	if err != nil {
		return VerifyResult{}, err
	}
	if !fresh {
		return VerifyResult{Valid: false, Reason: ReasonNonceReplayed}, nil
	}
	return result, nil
}
