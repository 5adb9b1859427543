package payment

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	xerrors "agentpay/internal/errors"
	"agentpay/internal/wallet"
)

// Authorizer builds and signs payment authorizations on the buyer side.
type Authorizer struct {
	signer wallet.Signer
	now    func() time.Time
}

// NewAuthorizer creates an Authorizer around the buyer's signing capability.
func NewAuthorizer(signer wallet.Signer) *Authorizer {
	return &Authorizer{signer: signer, now: time.Now}
}

// Authorize selects the first advertised requirement and signs a transfer
// authorization for its full required amount. The validity window opens
// immediately and closes after the requirement's timeout; the nonce is a
// fresh random 32 bytes and is never reused.
func (a *Authorizer) Authorize(requirements []Requirement) (*Payload, error) {
	if len(requirements) == 0 {
		return nil, xerrors.Wrap(xerrors.CodeNegotiation, ErrMalformedRequirement, "no payment requirements advertised")
	}
	req := requirements[0]

	chainID, ok := ChainID(req.Network)
	if !ok {
		return nil, xerrors.Wrap(xerrors.CodeNegotiation, ErrMalformedRequirement,
			fmt.Sprintf("no chain id mapping for network %q", req.Network))
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	now := a.now().Unix()
	auth := Authorization{
		From:        a.signer.Address().Hex(),
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  "0",
		ValidBefore: strconv.FormatInt(now+req.MaxTimeoutSeconds, 10),
		Nonce:       nonce,
	}

	digest, err := SigningDigest(auth, req.Extra.Name, req.Extra.Version, chainID, req.Asset)
	if err != nil {
		return nil, fmt.Errorf("build authorization digest: %w", err)
	}
	signature, err := a.signer.SignDigest(digest)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}

	return &Payload{
		Version: ProtocolVersion,
		Scheme:  req.Scheme,
		Network: req.Network,
		Payload: SignedPayload{
			Signature:     "0x" + hex.EncodeToString(signature),
			Authorization: auth,
		},
	}, nil
}

func newNonce() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(buf[:]), nil
}
