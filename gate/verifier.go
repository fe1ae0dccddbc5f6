// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perun.network/x402-stellar/ledger"
	"perun.network/x402-stellar/wallet"
	"perun.network/x402-stellar/wire"
)

var (
	ErrStaleProof       = errors.New("payment proof is older than the freshness window")
	ErrTxNotFound       = errors.New("transaction not found on ledger")
	ErrTxNotFinalized   = errors.New("transaction not yet finalized")
	ErrWrongRecipient   = errors.New("payment recipient does not match requirement")
	ErrWrongAsset       = errors.New("payment asset does not match requirement")
	ErrAmountShort      = errors.New("paid amount is less than required")
	ErrSignatureInvalid = errors.New("channel state signature does not verify")
	ErrNonceReplay      = errors.New("channel state nonce not greater than last accepted")
	ErrUnknownChannel   = errors.New("channel not tracked by verifier")
	ErrCapacityViolated = errors.New("channel balances do not sum to capacity")
)

// DefaultFreshnessWindow bounds how old a proof may be at verification time.
var DefaultFreshnessWindow = 5 * time.Minute //nolint:gomnd

// Verifier validates payment proofs against requirements: on-chain proofs
// by querying the ledger, channel proofs by checking signatures, balance
// conservation and nonce advancement against the channel's verification
// baseline.
type Verifier struct {
	lc        ledger.Client
	freshness time.Duration

	mu sync.Mutex
	// last accepted state per channel; advanced only on successful
	// verification so a replayed or rolled-back state can never verify.
	accepted map[string]wire.SignedChannelState
	capacity map[string]int64
}

// NewVerifier creates a verifier over the given ledger. A zero freshness
// window defaults to DefaultFreshnessWindow.
func NewVerifier(lc ledger.Client, freshness time.Duration) *Verifier {
	if freshness <= 0 {
		freshness = DefaultFreshnessWindow
	}
	return &Verifier{
		lc:        lc,
		freshness: freshness,
		accepted:  make(map[string]wire.SignedChannelState),
		capacity:  make(map[string]int64),
	}
}

// TrackChannel registers a channel's baseline state, normally its co-signed
// initial state. Channel proofs verify their payment delta against the last
// accepted state, so proofs for untracked channels are rejected.
func (v *Verifier) TrackChannel(baseline wire.SignedChannelState) error {
	if err := baseline.Validate(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.accepted[baseline.ChannelID]; ok {
		return fmt.Errorf("channel %s already tracked", baseline.ChannelID)
	}
	v.accepted[baseline.ChannelID] = baseline
	v.capacity[baseline.ChannelID] = baseline.Total()
	return nil
}

// Verify checks proof against req. A nil error means the proof pays the
// requirement.
func (v *Verifier) Verify(ctx context.Context, req wire.PaymentRequirement, proof wire.PaymentProof) error {
	if err := proof.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if proof.Age(now) > v.freshness {
		return ErrStaleProof
	}
	switch proof.Type {
	case wire.ProofTypeOnChain:
		return v.verifyOnChain(ctx, req, proof)
	case wire.ProofTypeChannel:
		return v.verifyChannel(req, *proof.ChannelState)
	}
	return wire.ErrUnknownProof
}

func (v *Verifier) verifyOnChain(ctx context.Context, req wire.PaymentRequirement, proof wire.PaymentProof) error {
	st, err := v.lc.GetTransactionStatus(ctx, proof.TxHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrLedgerUnavailable, err)
	}
	if !st.Found {
		return ErrTxNotFound
	}
	if !st.Finalized {
		return ErrTxNotFinalized
	}
	if st.Recipient != req.Recipient {
		return ErrWrongRecipient
	}
	if st.Asset != req.Asset {
		return ErrWrongAsset
	}
	required, err := req.AmountStroops()
	if err != nil {
		return err
	}
	paid, err := wire.ParseAmount(st.Amount)
	if err != nil {
		return err
	}
	// Overpaying is tolerated, underpaying never is.
	if paid < required {
		return ErrAmountShort
	}
	return nil
}

func (v *Verifier) verifyChannel(req wire.PaymentRequirement, state wire.SignedChannelState) error {
	if err := state.Signed(); err != nil {
		return err
	}
	payload, err := state.SigningPayload()
	if err != nil {
		return err
	}
	for i, part := range state.Participants {
		sig, err := wire.DecodeSig(state.Signatures[i])
		if err != nil {
			return ErrSignatureInvalid
		}
		if err := wallet.VerifySig(part, payload, sig); err != nil {
			return ErrSignatureInvalid
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	last, ok := v.accepted[state.ChannelID]
	if !ok {
		return ErrUnknownChannel
	}
	if state.Participants != last.Participants {
		return wire.ErrSameParticipants
	}
	if state.Total() != v.capacity[state.ChannelID] {
		return ErrCapacityViolated
	}
	if state.Nonce <= last.Nonce {
		return ErrNonceReplay
	}

	recipientBal, ok := state.BalanceOf(req.Recipient)
	if !ok {
		return ErrWrongRecipient
	}
	lastBal, _ := last.BalanceOf(req.Recipient)
	required, err := req.AmountStroops()
	if err != nil {
		return err
	}
	if recipientBal-lastBal < required {
		return ErrAmountShort
	}

	v.accepted[state.ChannelID] = state
	return nil
}
