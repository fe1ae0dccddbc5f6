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

package channel

import (
	"context"
	"time"

	"perun.network/go-perun/log"

	"perun.network/x402-stellar/ledger"
	"perun.network/x402-stellar/wire"
)

// CoordinatorConfig configures a Coordinator and the channels it opens.
type CoordinatorConfig struct {
	// ChannelTimeout after which an idle open channel is cooperatively
	// closed by cleanup.
	ChannelTimeout time.Duration
	// Asset all channels of this coordinator are denominated in.
	Asset string

	PollingInterval time.Duration
	MaxIters        int
	EventBuffer     int
}

// Coordinator owns the set of channels of one local party. It is the only
// writer of channel state: payments route through it to the right channel,
// stale channels are expired cooperatively, and lifecycle events are
// published best-effort.
type Coordinator struct {
	cfg    CoordinatorConfig
	log    log.Embedding
	signer Signer
	secret string
	lc     ledger.Client
	reg    Registry
	bus    *eventBus
}

// NewCoordinator creates a coordinator for the party behind signer. A nil
// registry defaults to an in-memory one.
func NewCoordinator(signer Signer, secret string, lc ledger.Client, reg Registry, cfg CoordinatorConfig) *Coordinator {
	if reg == nil {
		reg = NewMemoryRegistry()
	}
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = DefaultChannelTimeout
	}
	if cfg.Asset == "" {
		cfg.Asset = wire.NativeAsset
	}
	return &Coordinator{
		cfg:    cfg,
		log:    log.MakeEmbedding(log.Default()),
		signer: signer,
		secret: secret,
		lc:     lc,
		reg:    reg,
		bus:    newEventBus(cfg.EventBuffer),
	}
}

// Address returns the local party's address.
func (co *Coordinator) Address() string { return co.signer.Address() }

// OpenParams configure OpenChannel and JoinChannel.
type OpenParams struct {
	Counterparty string
	Cosigner     Cosigner
	// Deposit is the channel capacity in minor units.
	Deposit int64
	Timeout time.Duration

	// ID and FundingHash are set when joining a channel the counterparty
	// opened.
	ID          string
	FundingHash string
}

// OpenChannel creates, funds and registers a new channel with the given
// counterparty. The channel is registered while still Opening so a funding
// failure leaves it visible until cleanup expires it.
func (co *Coordinator) OpenChannel(ctx context.Context, p OpenParams) (string, error) {
	ch, err := co.newChannel(p, 0)
	if err != nil {
		return "", err
	}
	co.reg.Put(ch)
	if _, err := ch.Open(ctx); err != nil {
		co.log.Log().Warnf("funding channel %s: %v", ch.ID(), err)
		return ch.ID(), err
	}
	co.publish(EventTypeOpened, ch, 0)
	return ch.ID(), nil
}

// JoinChannel registers the mirror copy of a channel the counterparty
// opened, waiting on their funding transaction before accepting it.
func (co *Coordinator) JoinChannel(ctx context.Context, p OpenParams) (string, error) {
	ch, err := co.newChannel(p, 1)
	if err != nil {
		return "", err
	}
	co.reg.Put(ch)
	if err := ch.AcceptFunding(ctx, p.FundingHash); err != nil {
		co.log.Log().Warnf("joining channel %s: %v", ch.ID(), err)
		return ch.ID(), err
	}
	co.publish(EventTypeOpened, ch, 0)
	return ch.ID(), nil
}

func (co *Coordinator) newChannel(p OpenParams, localIdx int) (*Channel, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = co.cfg.ChannelTimeout
	}
	return New(co.signer, p.Cosigner, co.lc, co.secret, Params{
		ID:              p.ID,
		Counterparty:    p.Counterparty,
		Deposit:         p.Deposit,
		Asset:           co.cfg.Asset,
		Timeout:         timeout,
		LocalIdx:        localIdx,
		PollingInterval: co.cfg.PollingInterval,
		MaxIters:        co.cfg.MaxIters,
	})
}

// FindChannelWithCounterparty returns the ID of a channel with the given
// counterparty, if one is tracked. Lookup only, no side effects.
func (co *Coordinator) FindChannelWithCounterparty(addr string) (string, bool) {
	ch, ok := co.reg.ByCounterparty(addr)
	if !ok {
		return "", false
	}
	return ch.ID(), true
}

// Channel returns the tracked channel with the given ID.
func (co *Coordinator) Channel(id string) (*Channel, bool) {
	return co.reg.Get(id)
}

// MakePayment advances the channel by paying amount (minor units) to the
// counterparty. Channel-state errors propagate unchanged.
func (co *Coordinator) MakePayment(ctx context.Context, channelID string, amount int64) (wire.SignedChannelState, error) {
	ch, ok := co.reg.Get(channelID)
	if !ok {
		return wire.SignedChannelState{}, ErrChannelNotFound
	}
	state, err := ch.Pay(ctx, amount)
	if err != nil {
		return wire.SignedChannelState{}, err
	}
	co.publish(EventTypePaid, ch, amount)
	return state, nil
}

// ReceivePayment is the payee-side counterpart of MakePayment.
func (co *Coordinator) ReceivePayment(ctx context.Context, channelID string, amount int64) (wire.SignedChannelState, error) {
	ch, ok := co.reg.Get(channelID)
	if !ok {
		return wire.SignedChannelState{}, ErrChannelNotFound
	}
	state, err := ch.Receive(ctx, amount)
	if err != nil {
		return wire.SignedChannelState{}, err
	}
	co.publish(EventTypePaid, ch, amount)
	return state, nil
}

// CloseChannel cooperatively settles the channel and removes it from the
// registry once the ledger confirms.
func (co *Coordinator) CloseChannel(ctx context.Context, channelID string) error {
	ch, ok := co.reg.Get(channelID)
	if !ok {
		return ErrChannelNotFound
	}
	if err := ch.Close(ctx); err != nil {
		return err
	}
	co.reg.Delete(channelID)
	co.publish(EventTypeClosed, ch, 0)
	return nil
}

// DisputeChannel unilaterally settles with the highest-nonce state held
// locally. The channel stays tracked in its Disputed terminal state; a
// dispute is a legitimate recovery path, not an error.
func (co *Coordinator) DisputeChannel(ctx context.Context, channelID string) error {
	ch, ok := co.reg.Get(channelID)
	if !ok {
		return ErrChannelNotFound
	}
	if err := ch.Dispute(ctx); err != nil {
		return err
	}
	co.publish(EventTypeDisputed, ch, 0)
	return nil
}

// CleanupExpiredChannels scans for channels idle past their timeout and
// initiates cooperative closes. A channel holding value is never silently
// dropped: failed closes stay tracked for a later attempt or dispute.
// Channels that expired while still Opening never accepted value and are
// dropped. Returns the number of channels acted on.
func (co *Coordinator) CleanupExpiredChannels(ctx context.Context) int {
	now := time.Now()
	n := 0
	for _, ch := range co.reg.All() {
		if !ch.Expired(now) {
			continue
		}
		switch ch.Status() {
		case StatusOpening:
			co.log.Log().Debugf("dropping expired unfunded channel %s", ch.ID())
			co.reg.Delete(ch.ID())
			n++
		case StatusOpen, StatusClosing:
			if err := co.CloseChannel(ctx, ch.ID()); err != nil {
				co.log.Log().Warnf("cooperative close of expired channel %s: %v", ch.ID(), err)
			}
			n++
		}
	}
	return n
}

// GetTotalBalance sums the local party's balance across all tracked
// channels. Read-only; reflects accepted states only.
func (co *Coordinator) GetTotalBalance() int64 {
	var total int64
	for _, ch := range co.reg.All() {
		total += ch.GetBalance()
	}
	return total
}

// Subscribe returns a channel of Event values for the given event types
// (all types when none given). Publication is best-effort: events are
// dropped rather than blocking a state transition.
func (co *Coordinator) Subscribe(types ...EventType) chan interface{} {
	return co.bus.subscribe(types...)
}

// Unsubscribe releases a subscription obtained from Subscribe.
func (co *Coordinator) Unsubscribe(ch chan interface{}) {
	co.bus.unsubscribe(ch)
}

// Shutdown closes the event bus.
func (co *Coordinator) Shutdown() {
	co.bus.shutdown()
}

func (co *Coordinator) publish(t EventType, ch *Channel, amount int64) {
	co.bus.publish(Event{
		Type:         t,
		ChannelID:    ch.ID(),
		Counterparty: ch.Counterparty(),
		Amount:       amount,
		Nonce:        ch.GetState().Nonce,
		Timestamp:    time.Now(),
	})
}
