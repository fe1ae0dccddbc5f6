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

package channel_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"perun.network/x402-stellar/channel"
	chtest "perun.network/x402-stellar/channel/test"
	"perun.network/x402-stellar/wire"
)

const deposit = int64(100_0000000) // 100 XLM in stroops

// TestChannelOpenPay opens a channel, pays over it and checks balances,
// nonces and signatures of the accepted states.
func TestChannelOpenPay(t *testing.T) {
	ctx := context.Background()
	s := chtest.NewTestSetup(t)
	id := s.OpenPair(ctx, t, deposit, time.Hour)

	alice, ok := s.Coords[0].Channel(id)
	require.True(t, ok)
	require.Equal(t, channel.StatusOpen, alice.Status())
	require.Equal(t, deposit, alice.GetBalance())
	require.Equal(t, deposit, alice.Capacity())
	require.Equal(t, deposit, s.Ledger.LockedAmount(id))

	state, err := alice.Pay(ctx, 30_0000000)
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.Nonce)
	require.Equal(t, [2]int64{70_0000000, 30_0000000}, state.Balances)
	require.NoError(t, state.Signed())
	require.Equal(t, deposit, state.Total())
	require.Equal(t, int64(70_0000000), alice.GetBalance())
}

// TestChannelPayInsufficient checks that an overdraft is rejected before any
// signing and leaves the accepted state untouched.
func TestChannelPayInsufficient(t *testing.T) {
	ctx := context.Background()
	s := chtest.NewTestSetup(t)
	id := s.OpenPair(ctx, t, deposit, time.Hour)
	alice, _ := s.Coords[0].Channel(id)

	_, err := alice.Pay(ctx, 30_0000000)
	require.NoError(t, err)

	// 70 left, 80 requested.
	_, err = alice.Pay(ctx, 80_0000000)
	require.ErrorIs(t, err, channel.ErrInsufficientFunds)
	st := alice.GetState()
	require.Equal(t, uint64(1), st.Nonce)
	require.Equal(t, [2]int64{70_0000000, 30_0000000}, st.Balances)

	_, err = alice.Pay(ctx, 0)
	require.Error(t, err)
	_, err = alice.Pay(ctx, -5)
	require.Error(t, err)
}

// TestChannelConcurrentPays runs payments from multiple goroutines and checks
// the final state has gapless nonces and conserved capacity.
func TestChannelConcurrentPays(t *testing.T) {
	ctx := context.Background()
	s := chtest.NewTestSetup(t)
	id := s.OpenPair(ctx, t, deposit, time.Hour)
	alice, _ := s.Coords[0].Channel(id)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := alice.Pay(ctx, 1_0000000)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	st := alice.GetState()
	require.Equal(t, uint64(n), st.Nonce)
	require.Equal(t, [2]int64{80_0000000, 20_0000000}, st.Balances)
	require.Equal(t, deposit, st.Total())
}

// TestChannelReceive advances the channel from the payee side.
func TestChannelReceive(t *testing.T) {
	ctx := context.Background()
	s := chtest.NewTestSetup(t)
	id := s.OpenPair(ctx, t, deposit, time.Hour)
	bob, ok := s.Coords[1].Channel(id)
	require.True(t, ok)
	require.Equal(t, int64(0), bob.GetBalance())

	state, err := bob.Receive(ctx, 25_0000000)
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.Nonce)
	require.Equal(t, int64(25_0000000), bob.GetBalance())
	// Bob is participant 1 on the mirror side as well.
	require.Equal(t, [2]int64{75_0000000, 25_0000000}, state.Balances)
}

// TestChannelClose settles cooperatively and checks the ledger paid out the
// last accepted split. A second close must not settle again.
func TestChannelClose(t *testing.T) {
	ctx := context.Background()
	s := chtest.NewTestSetup(t)
	id := s.OpenPair(ctx, t, deposit, time.Hour)
	alice, _ := s.Coords[0].Channel(id)

	_, err := alice.Pay(ctx, 40_0000000)
	require.NoError(t, err)

	require.NoError(t, alice.Close(ctx))
	require.Equal(t, channel.StatusClosed, alice.Status())
	require.ErrorIs(t, alice.Close(ctx), channel.ErrChannelAlreadyClosed)

	settled, ok := s.Ledger.SettledState(id)
	require.True(t, ok)
	require.Equal(t, uint64(1), settled.Nonce)
	require.Equal(t, [2]int64{60_0000000, 40_0000000}, settled.Balances)
	require.Equal(t, int64(0), s.Ledger.LockedAmount(id))

	// Paying on a closed channel is rejected.
	_, err = alice.Pay(ctx, 1)
	require.ErrorIs(t, err, channel.ErrChannelNotOpen)
}

// TestChannelDispute submits the latest state unilaterally; the disputed
// channel is terminal for further payments and closes.
func TestChannelDispute(t *testing.T) {
	ctx := context.Background()
	s := chtest.NewTestSetup(t)
	id := s.OpenPair(ctx, t, deposit, time.Hour)
	alice, _ := s.Coords[0].Channel(id)

	_, err := alice.Pay(ctx, 10_0000000)
	require.NoError(t, err)
	require.NoError(t, alice.Dispute(ctx))
	require.Equal(t, channel.StatusDisputed, alice.Status())

	settled, ok := s.Ledger.SettledState(id)
	require.True(t, ok)
	require.Equal(t, uint64(1), settled.Nonce)

	_, err = alice.Pay(ctx, 1)
	require.ErrorIs(t, err, channel.ErrChannelNotOpen)
	require.ErrorIs(t, alice.Dispute(ctx), channel.ErrChannelAlreadyClosed)
	require.ErrorIs(t, alice.Close(ctx), channel.ErrChannelAlreadyClosed)
}

// TestChannelTimeoutSlides checks that activity pushes the expiry out.
func TestChannelTimeoutSlides(t *testing.T) {
	ctx := context.Background()
	s := chtest.NewTestSetup(t)
	id := s.OpenPair(ctx, t, deposit, 50*time.Millisecond)
	alice, _ := s.Coords[0].Channel(id)

	require.False(t, alice.Expired(time.Now()))
	before := alice.Timeout()
	time.Sleep(5 * time.Millisecond)
	_, err := alice.Pay(ctx, 1_0000000)
	require.NoError(t, err)
	require.True(t, alice.Timeout().After(before))
	require.True(t, alice.Expired(time.Now().Add(time.Second)))
}

// TestNewChannelRejects checks parameter validation of New.
func TestNewChannelRejects(t *testing.T) {
	s := chtest.NewTestSetup(t)
	alice := s.Accs[0]

	_, err := channel.New(alice, s.Cosigner(1), s.Ledger, s.KPs[0].Seed(), channel.Params{
		Counterparty: alice.Address(),
		Deposit:      deposit,
	})
	require.ErrorIs(t, err, wire.ErrSameParticipants)

	_, err = channel.New(alice, s.Cosigner(1), s.Ledger, s.KPs[0].Seed(), channel.Params{
		Counterparty: s.Accs[1].Address(),
		Deposit:      0,
	})
	require.ErrorIs(t, err, channel.ErrInsufficientFunds)

	_, err = channel.New(alice, s.Cosigner(1), s.Ledger, s.KPs[0].Seed(), channel.Params{
		Counterparty: s.Accs[1].Address(),
		Deposit:      deposit,
		LocalIdx:     2,
	})
	require.Error(t, err)
}

// TestChannelFundingFailure checks that a rejected funding submit leaves the
// channel Opening.
func TestChannelFundingFailure(t *testing.T) {
	ctx := context.Background()
	s := chtest.NewTestSetup(t)
	s.Ledger.FailSubmits = true

	ch, err := channel.New(s.Accs[0], s.Cosigner(1), s.Ledger, s.KPs[0].Seed(), channel.Params{
		Counterparty:    s.Accs[1].Address(),
		Deposit:         deposit,
		Asset:           wire.NativeAsset,
		PollingInterval: time.Millisecond,
		MaxIters:        3,
	})
	require.NoError(t, err)
	_, err = ch.Open(ctx)
	require.Error(t, err)
	require.Equal(t, channel.StatusOpening, ch.Status())
}
