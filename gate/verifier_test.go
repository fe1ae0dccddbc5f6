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

package gate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/x402-stellar/gate"
	ltest "perun.network/x402-stellar/ledger/test"
	"perun.network/x402-stellar/wallet"
	"perun.network/x402-stellar/wire"
)

const channelID = "11223344556677889900aabbccddeeff11223344556677889900aabbccddeeff"

// parties holds a payer (Alice) and payee (Bob) for proof construction.
type parties struct {
	alice, bob     *wallet.Account
	aliceKP, bobKP string // secrets
}

func newParties(t *testing.T) parties {
	t.Helper()
	rng := pkgtest.Prng(t)
	alice, akp, err := wallet.NewRandomAccount(rng)
	require.NoError(t, err)
	bob, bkp, err := wallet.NewRandomAccount(rng)
	require.NoError(t, err)
	return parties{alice: alice, bob: bob, aliceKP: akp.Seed(), bobKP: bkp.Seed()}
}

// cosignedState builds a state of the test channel signed by both parties.
func (p parties) cosignedState(t *testing.T, balA, balB int64, nonce uint64) wire.SignedChannelState {
	t.Helper()
	st := wire.SignedChannelState{
		ChannelID:    channelID,
		Participants: [2]string{p.alice.Address(), p.bob.Address()},
		Balances:     [2]int64{balA, balB},
		Nonce:        nonce,
	}
	payload, err := st.SigningPayload()
	require.NoError(t, err)
	sigA, err := p.alice.SignState(payload)
	require.NoError(t, err)
	sigB, err := p.bob.SignState(payload)
	require.NoError(t, err)
	st.Signatures = [2]string{wire.EncodeSig(sigA), wire.EncodeSig(sigB)}
	return st
}

func requirement(recipient, amount string) wire.PaymentRequirement {
	return wire.PaymentRequirement{
		Amount:    amount,
		Asset:     wire.NativeAsset,
		Recipient: recipient,
		ExpiresAt: time.Now().Add(time.Minute),
	}
}

func TestVerifyOnChain(t *testing.T) {
	ctx := context.Background()
	p := newParties(t)
	lc := ltest.NewMockLedger()
	lc.SetBalance(p.alice.Address(), 1000_0000000)
	v := gate.NewVerifier(lc, 0)
	req := requirement(p.bob.Address(), "10")

	res, err := lc.SubmitPayment(ctx, p.aliceKP, p.bob.Address(), "10", wire.NativeAsset, "")
	require.NoError(t, err)
	require.True(t, res.Success)

	proof := wire.OnChainProof(res.Hash, time.Now())
	require.NoError(t, v.Verify(ctx, req, proof))

	// Overpayment satisfies the requirement.
	cheap := requirement(p.bob.Address(), "4")
	require.NoError(t, v.Verify(ctx, cheap, proof))
}

func TestVerifyOnChainRejections(t *testing.T) {
	ctx := context.Background()
	p := newParties(t)
	lc := ltest.NewMockLedger()
	lc.SetBalance(p.alice.Address(), 1000_0000000)
	v := gate.NewVerifier(lc, 0)
	req := requirement(p.bob.Address(), "10")

	err := v.Verify(ctx, req, wire.OnChainProof("deadbeef", time.Now()))
	require.ErrorIs(t, err, gate.ErrTxNotFound)

	lc.DelayFinality = true
	res, err := lc.SubmitPayment(ctx, p.aliceKP, p.bob.Address(), "10", wire.NativeAsset, "")
	require.NoError(t, err)
	proof := wire.OnChainProof(res.Hash, time.Now())
	require.ErrorIs(t, v.Verify(ctx, req, proof), gate.ErrTxNotFinalized)
	lc.FinalizeAll()
	require.NoError(t, v.Verify(ctx, req, proof))

	wrongRecipient := requirement(p.alice.Address(), "10")
	require.ErrorIs(t, v.Verify(ctx, wrongRecipient, proof), gate.ErrWrongRecipient)

	wrongAsset := req
	wrongAsset.Asset = "USDC"
	require.ErrorIs(t, v.Verify(ctx, wrongAsset, proof), gate.ErrWrongAsset)

	short := requirement(p.bob.Address(), "10.0000001")
	require.ErrorIs(t, v.Verify(ctx, short, proof), gate.ErrAmountShort)
}

func TestVerifyStaleProof(t *testing.T) {
	ctx := context.Background()
	p := newParties(t)
	v := gate.NewVerifier(ltest.NewMockLedger(), time.Minute)
	req := requirement(p.bob.Address(), "10")

	old := wire.OnChainProof("deadbeef", time.Now().Add(-2*time.Minute))
	require.ErrorIs(t, v.Verify(ctx, req, old), gate.ErrStaleProof)
}

func TestVerifyChannelProof(t *testing.T) {
	ctx := context.Background()
	p := newParties(t)
	v := gate.NewVerifier(ltest.NewMockLedger(), 0)
	require.NoError(t, v.TrackChannel(p.cosignedState(t, 100_0000000, 0, 0)))
	req := requirement(p.bob.Address(), "30")

	state := p.cosignedState(t, 70_0000000, 30_0000000, 1)
	proof := wire.ChannelProof(state, time.Now())
	require.NoError(t, v.Verify(ctx, req, proof))

	// The baseline advanced: the same state cannot pay again.
	require.ErrorIs(t, v.Verify(ctx, req, proof), gate.ErrNonceReplay)

	// The next payment's delta counts from the new baseline.
	next := p.cosignedState(t, 40_0000000, 60_0000000, 2)
	require.NoError(t, v.Verify(ctx, req, wire.ChannelProof(next, time.Now())))
}

func TestVerifyChannelRejections(t *testing.T) {
	ctx := context.Background()
	p := newParties(t)
	v := gate.NewVerifier(ltest.NewMockLedger(), 0)
	require.NoError(t, v.TrackChannel(p.cosignedState(t, 100_0000000, 0, 0)))
	req := requirement(p.bob.Address(), "30")

	// Untracked channel.
	foreign := p.cosignedState(t, 70_0000000, 30_0000000, 1)
	foreign.ChannelID = "ffff"
	payload, err := foreign.SigningPayload()
	require.NoError(t, err)
	sigA, _ := p.alice.SignState(payload)
	sigB, _ := p.bob.SignState(payload)
	foreign.Signatures = [2]string{wire.EncodeSig(sigA), wire.EncodeSig(sigB)}
	err = v.Verify(ctx, req, wire.ChannelProof(foreign, time.Now()))
	require.ErrorIs(t, err, gate.ErrUnknownChannel)

	// Nonce must strictly increase over the baseline.
	same := p.cosignedState(t, 70_0000000, 30_0000000, 0)
	err = v.Verify(ctx, req, wire.ChannelProof(same, time.Now()))
	require.ErrorIs(t, err, gate.ErrNonceReplay)

	// Balances must conserve the tracked capacity.
	inflated := p.cosignedState(t, 100_0000000, 30_0000000, 1)
	err = v.Verify(ctx, req, wire.ChannelProof(inflated, time.Now()))
	require.ErrorIs(t, err, gate.ErrCapacityViolated)

	// The payee delta must cover the required amount.
	shortPay := p.cosignedState(t, 80_0000000, 20_0000000, 1)
	err = v.Verify(ctx, req, wire.ChannelProof(shortPay, time.Now()))
	require.ErrorIs(t, err, gate.ErrAmountShort)

	// A forged signature does not verify.
	forged := p.cosignedState(t, 70_0000000, 30_0000000, 1)
	forged.Signatures[0] = forged.Signatures[1]
	err = v.Verify(ctx, req, wire.ChannelProof(forged, time.Now()))
	require.ErrorIs(t, err, gate.ErrSignatureInvalid)

	// Tampered balances break both signatures.
	tampered := p.cosignedState(t, 70_0000000, 30_0000000, 1)
	tampered.Balances = [2]int64{0, 100_0000000}
	err = v.Verify(ctx, req, wire.ChannelProof(tampered, time.Now()))
	require.ErrorIs(t, err, gate.ErrSignatureInvalid)
}

func TestTrackChannelTwice(t *testing.T) {
	p := newParties(t)
	v := gate.NewVerifier(ltest.NewMockLedger(), 0)
	baseline := p.cosignedState(t, 100_0000000, 0, 0)
	require.NoError(t, v.TrackChannel(baseline))
	require.Error(t, v.TrackChannel(baseline))
}
