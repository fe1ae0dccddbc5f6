package channel

import (
	"context"

	"perun.network/x402-stellar/wallet"
	"perun.network/x402-stellar/wire"
)

// Signer is the local signing capability of a channel participant.
// *wallet.Account implements it.
type Signer interface {
	Address() string
	SignState(payload []byte) ([]byte, error)
}

// Cosigner obtains the counterparty's signature over a proposed state. A
// state is accepted only once both parties have signed it; how the proposal
// reaches the counterparty is the caller's concern.
type Cosigner interface {
	CosignState(ctx context.Context, state wire.SignedChannelState) ([]byte, error)
}

// AccountCosigner co-signs with an in-process account. It refuses
// structurally invalid proposals but performs no further policy checks;
// remote deployments put their own acceptance logic behind the Cosigner
// interface.
type AccountCosigner struct {
	acc *wallet.Account
}

// NewAccountCosigner wraps an account as a Cosigner.
func NewAccountCosigner(acc *wallet.Account) AccountCosigner {
	return AccountCosigner{acc: acc}
}

// CosignState implements Cosigner.
func (c AccountCosigner) CosignState(ctx context.Context, state wire.SignedChannelState) ([]byte, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	if _, ok := state.IndexOf(c.acc.Address()); !ok {
		return nil, ErrCosignRejected
	}
	payload, err := state.SigningPayload()
	if err != nil {
		return nil, err
	}
	return c.acc.SignState(payload)
}
