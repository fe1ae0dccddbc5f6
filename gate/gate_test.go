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
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"perun.network/x402-stellar/gate"
	ltest "perun.network/x402-stellar/ledger/test"
	"perun.network/x402-stellar/wire"
)

func TestRequirePayment(t *testing.T) {
	p := newParties(t)
	g := gate.NewGate(ltest.NewMockLedger(), nil, gate.Config{
		AcceptChannels: true,
		Facilitator:    "https://facilitator.example",
	})

	pr, err := g.RequirePayment("1.5", p.bob.Address(), wire.NativeAsset, "article-42")
	require.NoError(t, err)
	require.Equal(t, http.StatusPaymentRequired, pr.StatusCode)
	require.NotEmpty(t, pr.RequestID)
	require.Equal(t, "1.5", pr.PaymentDetails.Amount)
	require.Equal(t, p.bob.Address(), pr.PaymentDetails.Recipient)
	require.Equal(t, "article-42", pr.PaymentDetails.Memo)
	require.True(t, pr.PaymentDetails.AcceptsChannel)
	require.Equal(t, "https://facilitator.example", pr.PaymentDetails.Facilitator)
	require.False(t, pr.PaymentDetails.Expired(time.Now()))

	other, err := g.RequirePayment("1.5", p.bob.Address(), wire.NativeAsset, "")
	require.NoError(t, err)
	require.NotEqual(t, pr.RequestID, other.RequestID)

	_, err = g.RequirePayment("not-a-number", p.bob.Address(), wire.NativeAsset, "")
	require.Error(t, err)
	_, err = g.RequirePayment("1.5", "", wire.NativeAsset, "")
	require.ErrorIs(t, err, wire.ErrMissingRecipient)
}

// TestVerifyPaymentSingleUse pays a requirement on-chain and checks the
// request ID verifies exactly once.
func TestVerifyPaymentSingleUse(t *testing.T) {
	ctx := context.Background()
	p := newParties(t)
	lc := ltest.NewMockLedger()
	lc.SetBalance(p.alice.Address(), 1000_0000000)
	g := gate.NewGate(lc, nil, gate.Config{})

	pr, err := g.RequirePayment("10", p.bob.Address(), wire.NativeAsset, "")
	require.NoError(t, err)

	res, err := lc.SubmitPayment(ctx, p.aliceKP, p.bob.Address(), "10", wire.NativeAsset, "")
	require.NoError(t, err)
	proof := wire.OnChainProof(res.Hash, time.Now())

	out := g.VerifyPayment(ctx, pr.RequestID, proof)
	require.True(t, out.Verified, out.Message)

	// The same proof and ID can never verify again.
	out = g.VerifyPayment(ctx, pr.RequestID, proof)
	require.False(t, out.Verified)
	require.Equal(t, "request already consumed", out.Message)
}

func TestVerifyPaymentUnknownID(t *testing.T) {
	ctx := context.Background()
	g := gate.NewGate(ltest.NewMockLedger(), nil, gate.Config{})
	out := g.VerifyPayment(ctx, "no-such-id", wire.OnChainProof("deadbeef", time.Now()))
	require.False(t, out.Verified)
	require.Equal(t, "unknown request id", out.Message)
}

// TestVerifyPaymentExpired issues a requirement with a tiny validity window
// and checks a late proof is rejected and the request dropped.
func TestVerifyPaymentExpired(t *testing.T) {
	ctx := context.Background()
	p := newParties(t)
	lc := ltest.NewMockLedger()
	lc.SetBalance(p.alice.Address(), 1000_0000000)
	g := gate.NewGate(lc, nil, gate.Config{PaymentTimeout: time.Millisecond})

	pr, err := g.RequirePayment("10", p.bob.Address(), wire.NativeAsset, "")
	require.NoError(t, err)
	res, err := lc.SubmitPayment(ctx, p.aliceKP, p.bob.Address(), "10", wire.NativeAsset, "")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	out := g.VerifyPayment(ctx, pr.RequestID, wire.OnChainProof(res.Hash, time.Now()))
	require.False(t, out.Verified)
	require.Equal(t, "request expired", out.Message)

	// Dropped, not consumed: a retry now reports the ID as unknown.
	out = g.VerifyPayment(ctx, pr.RequestID, wire.OnChainProof(res.Hash, time.Now()))
	require.Equal(t, "unknown request id", out.Message)
}

// TestVerifyPaymentChannelNotAccepted rejects channel proofs when the gate
// issued an on-chain-only requirement.
func TestVerifyPaymentChannelNotAccepted(t *testing.T) {
	ctx := context.Background()
	p := newParties(t)
	g := gate.NewGate(ltest.NewMockLedger(), nil, gate.Config{AcceptChannels: false})
	require.NoError(t, g.Verifier().TrackChannel(p.cosignedState(t, 100_0000000, 0, 0)))

	pr, err := g.RequirePayment("30", p.bob.Address(), wire.NativeAsset, "")
	require.NoError(t, err)

	state := p.cosignedState(t, 70_0000000, 30_0000000, 1)
	out := g.VerifyPayment(ctx, pr.RequestID, wire.ChannelProof(state, time.Now()))
	require.False(t, out.Verified)
	require.Contains(t, out.Message, "channel proofs not accepted")

	// The failed attempt did not consume the request ID.
	out = g.VerifyPayment(ctx, pr.RequestID, wire.OnChainProof("missing", time.Now()))
	require.False(t, out.Verified)
	require.NotEqual(t, "request already consumed", out.Message)
	require.NotEqual(t, "unknown request id", out.Message)
}

// TestVerifyPaymentChannelProof accepts a channel proof and advances the
// verification baseline.
func TestVerifyPaymentChannelProof(t *testing.T) {
	ctx := context.Background()
	p := newParties(t)
	g := gate.NewGate(ltest.NewMockLedger(), nil, gate.Config{AcceptChannels: true})
	require.NoError(t, g.Verifier().TrackChannel(p.cosignedState(t, 100_0000000, 0, 0)))

	pr, err := g.RequirePayment("30", p.bob.Address(), wire.NativeAsset, "")
	require.NoError(t, err)
	state := p.cosignedState(t, 70_0000000, 30_0000000, 1)
	out := g.VerifyPayment(ctx, pr.RequestID, wire.ChannelProof(state, time.Now()))
	require.True(t, out.Verified, out.Message)

	// A replayed state fails verification for a fresh requirement.
	pr2, err := g.RequirePayment("30", p.bob.Address(), wire.NativeAsset, "")
	require.NoError(t, err)
	out = g.VerifyPayment(ctx, pr2.RequestID, wire.ChannelProof(state, time.Now()))
	require.False(t, out.Verified)
}

// TestVerifyPaymentConcurrent races identical valid proofs for one request
// ID; exactly one must win.
func TestVerifyPaymentConcurrent(t *testing.T) {
	ctx := context.Background()
	p := newParties(t)
	lc := ltest.NewMockLedger()
	lc.SetBalance(p.alice.Address(), 1000_0000000)
	g := gate.NewGate(lc, nil, gate.Config{})

	pr, err := g.RequirePayment("10", p.bob.Address(), wire.NativeAsset, "")
	require.NoError(t, err)
	res, err := lc.SubmitPayment(ctx, p.aliceKP, p.bob.Address(), "10", wire.NativeAsset, "")
	require.NoError(t, err)
	proof := wire.OnChainProof(res.Hash, time.Now())

	const n = 16
	var verified int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if g.VerifyPayment(ctx, pr.RequestID, proof).Verified {
				atomic.AddInt32(&verified, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), verified)
}
