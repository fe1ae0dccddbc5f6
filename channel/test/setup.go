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

// Package test provides a two-party channel setup over the mock ledger.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/x402-stellar/channel"
	ltest "perun.network/x402-stellar/ledger/test"
	"perun.network/x402-stellar/wallet"
)

// StartBalance is the seeded on-chain balance of each test party, in minor
// units.
const StartBalance = int64(10_000_0000000)

// Setup holds two funded parties with mirrored coordinators over a shared
// mock ledger. Index 0 is Alice (the channel opener), index 1 is Bob.
type Setup struct {
	Ledger *ltest.MockLedger
	Accs   [2]*wallet.Account
	KPs    [2]*keypair.Full
	Coords [2]*channel.Coordinator
}

// NewTestSetup creates two accounts, seeds their ledger balances and wires a
// coordinator for each with fast polling.
func NewTestSetup(t *testing.T) *Setup {
	t.Helper()
	rng := pkgtest.Prng(t)
	lc := ltest.NewMockLedger()
	s := &Setup{Ledger: lc}
	cfg := channel.CoordinatorConfig{
		PollingInterval: time.Millisecond,
		MaxIters:        10,
	}
	for i := range s.Accs {
		acc, kp, err := wallet.NewRandomAccount(rng)
		require.NoError(t, err)
		s.Accs[i] = acc
		s.KPs[i] = kp
		lc.SetBalance(acc.Address(), StartBalance)
		s.Coords[i] = channel.NewCoordinator(acc, kp.Seed(), lc, nil, cfg)
	}
	return s
}

// Cosigner returns an in-process cosigner for party i.
func (s *Setup) Cosigner(i int) channel.Cosigner {
	return channel.NewAccountCosigner(s.Accs[i])
}

// OpenPair opens a channel from Alice to Bob with the given deposit and
// joins Bob's mirror copy. Returns the shared channel ID.
func (s *Setup) OpenPair(ctx context.Context, t *testing.T, deposit int64, timeout time.Duration) string {
	t.Helper()
	id, err := s.Coords[0].OpenChannel(ctx, channel.OpenParams{
		Counterparty: s.Accs[1].Address(),
		Cosigner:     s.Cosigner(1),
		Deposit:      deposit,
		Timeout:      timeout,
	})
	require.NoError(t, err)

	hash, ok := s.Ledger.FundingTx(id)
	require.True(t, ok, "funding transaction not recorded")

	_, err = s.Coords[1].JoinChannel(ctx, channel.OpenParams{
		ID:           id,
		Counterparty: s.Accs[0].Address(),
		Cosigner:     s.Cosigner(0),
		Deposit:      deposit,
		Timeout:      timeout,
		FundingHash:  hash,
	})
	require.NoError(t, err)
	return id
}
