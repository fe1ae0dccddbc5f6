package wallet

import (
	"crypto/ed25519"
	"errors"
	"math/rand"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
)

// Account is used for signing channel state.
type Account struct {
	// privateKey is the private key of the account.
	privateKey ed25519.PrivateKey
	// participantAddress is the Stellar address this account signs for.
	// Channel signatures made by privateKey verify against this address.
	participantAddress keypair.FromAddress
}

// NewAccount derives an account from a full Stellar keypair, using the
// keypair's raw seed as the ed25519 signing key.
func NewAccount(kp *keypair.Full) (*Account, error) {
	rawSeed, err := strkey.Decode(strkey.VersionByteSeed, kp.Seed())
	if err != nil {
		return nil, err
	}
	return &Account{
		privateKey:         ed25519.NewKeyFromSeed(rawSeed),
		participantAddress: *kp.FromAddress(),
	}, nil
}

// NewRandomAccount creates a new account with a private key drawn from rng.
// The keypair derived from the same seed provides the account's address.
func NewRandomAccount(rng *rand.Rand) (*Account, *keypair.Full, error) {
	var seed [32]byte
	if _, err := rng.Read(seed[:]); err != nil {
		return nil, nil, err
	}
	kp, err := keypair.FromRawSeed(seed)
	if err != nil {
		return nil, nil, err
	}
	acc, err := NewAccount(kp)
	if err != nil {
		return nil, nil, err
	}
	return acc, kp, nil
}

// Address returns the Stellar address of the participant this account
// belongs to.
func (a Account) Address() string {
	return a.participantAddress.Address()
}

// SignState signs the given canonical state payload with the account's
// private key.
func (a Account) SignState(payload []byte) ([]byte, error) {
	if len(a.privateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return ed25519.Sign(a.privateKey, payload), nil
}

// VerifySig checks sig over payload against the given Stellar address.
func VerifySig(address string, payload, sig []byte) error {
	from, err := keypair.ParseAddress(address)
	if err != nil {
		return err
	}
	return from.Verify(payload, sig)
}
