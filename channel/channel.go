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

// Package channel implements bilateral payment channels and the coordinator
// that owns them. A channel advances through mutually-signed states with
// strictly increasing, gapless nonces; the ledger is touched only at open,
// close and dispute.
package channel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"perun.network/x402-stellar/ledger"
	"perun.network/x402-stellar/wallet"
	"perun.network/x402-stellar/wire"
)

// Status is the lifecycle state of a channel.
type Status int

const (
	StatusOpening Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusOpening:
		return "opening"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusDisputed:
		return "disputed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

const MaxIterationsUntilAbort = 20

var (
	DefaultPollingInterval = time.Duration(6) * time.Second //nolint:gomnd
	DefaultChannelTimeout  = time.Hour
)

// Params configure a new channel.
type Params struct {
	// ID is 32 bytes of hex; generated when empty. Both sides of a channel
	// share the same ID.
	ID string
	// Counterparty is the other participant's address.
	Counterparty string
	// Deposit is the capacity party A locks at open, in minor units.
	Deposit int64
	// Asset the channel is denominated in.
	Asset string
	// Timeout is how long the channel may stay open without activity
	// before cleanup initiates a cooperative close.
	Timeout time.Duration
	// LocalIdx is this side's participant index: 0 for the opener who
	// funds the channel, 1 for the mirror side.
	LocalIdx int

	PollingInterval time.Duration
	MaxIters        int
}

// Channel owns the mutable state of one bilateral payment channel. All state
// advancement is serialized through a per-channel mutex; reads are served
// from the last accepted snapshot under a separate lock and never contend
// with an in-flight mutation's ledger round trips.
type Channel struct {
	mu sync.Mutex // serializes Pay/Receive/Close/Dispute

	id       string
	localIdx int
	parts    [wire.NumParts]string
	asset    string
	secret   string

	signer   Signer
	cosigner Cosigner
	lc       ledger.Client

	pollingInterval time.Duration
	maxIters        int

	snapMu       sync.RWMutex // guards the fields below
	status       Status
	state        wire.SignedChannelState
	capacity     int64
	timeoutDur   time.Duration
	lastActivity time.Time
}

// New creates a channel in Opening state. The ledger is not touched until
// Open or AcceptFunding.
func New(signer Signer, cosigner Cosigner, lc ledger.Client, secret string, p Params) (*Channel, error) {
	if p.Counterparty == "" || p.Counterparty == signer.Address() {
		return nil, wire.ErrSameParticipants
	}
	if p.Deposit <= 0 {
		return nil, ErrInsufficientFunds
	}
	if p.LocalIdx != 0 && p.LocalIdx != 1 {
		return nil, fmt.Errorf("local index must be 0 or 1, got %d", p.LocalIdx)
	}
	id := p.ID
	if id == "" {
		var raw [32]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return nil, err
		}
		id = hex.EncodeToString(raw[:])
	}
	var parts [wire.NumParts]string
	parts[p.LocalIdx] = signer.Address()
	parts[1-p.LocalIdx] = p.Counterparty
	interval := p.PollingInterval
	if interval <= 0 {
		interval = DefaultPollingInterval
	}
	iters := p.MaxIters
	if iters <= 0 {
		iters = MaxIterationsUntilAbort
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultChannelTimeout
	}
	now := time.Now()
	return &Channel{
		id:              id,
		localIdx:        p.LocalIdx,
		parts:           parts,
		asset:           p.Asset,
		secret:          secret,
		signer:          signer,
		cosigner:        cosigner,
		lc:              lc,
		pollingInterval: interval,
		maxIters:        iters,
		status:          StatusOpening,
		capacity:        p.Deposit,
		timeoutDur:      p.Timeout,
		lastActivity:    now,
	}, nil
}

// Open funds the channel on-chain and, once funding is confirmed, installs
// the co-signed initial state (deposit, 0) at nonce 0. Only the opener
// (index 0) calls Open; the mirror side calls AcceptFunding with the
// funding transaction hash. On funding timeout the channel stays Opening
// and eventually expires.
func (c *Channel) Open(ctx context.Context) (fundingHash string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status() != StatusOpening {
		return "", ErrChannelNotOpen
	}
	res, err := c.lc.FundChannel(ctx, c.secret, c.id, wire.FormatAmount(c.capacity), c.asset)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("funding rejected: %s", res.Error)
	}
	if err := c.awaitFinalized(ctx, res.Hash); err != nil {
		return res.Hash, err
	}
	if err := c.installInitialState(ctx); err != nil {
		return res.Hash, err
	}
	return res.Hash, nil
}

// AcceptFunding is the mirror side of Open: it waits for the given funding
// transaction to finalize, then co-signs and installs the initial state.
func (c *Channel) AcceptFunding(ctx context.Context, fundingHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status() != StatusOpening {
		return ErrChannelNotOpen
	}
	if err := c.awaitFinalized(ctx, fundingHash); err != nil {
		return err
	}
	return c.installInitialState(ctx)
}

func (c *Channel) installInitialState(ctx context.Context) error {
	initial := wire.SignedChannelState{
		ChannelID:    c.id,
		Participants: c.parts,
		Balances:     [wire.NumParts]int64{c.capacity, 0},
		Nonce:        0,
	}
	signed, err := c.cosign(ctx, initial)
	if err != nil {
		return err
	}
	c.accept(signed, StatusOpen)
	return nil
}

// Pay shifts amount (minor units) from the local side to the counterparty,
// producing the next accepted state. Balance and status violations are
// rejected before any signature is requested.
func (c *Channel) Pay(ctx context.Context, amount int64) (wire.SignedChannelState, error) {
	return c.advance(ctx, amount, c.localIdx)
}

// Receive is the payee-side counterpart of Pay: it shifts amount from the
// counterparty to the local side, countersigned by the counterparty.
func (c *Channel) Receive(ctx context.Context, amount int64) (wire.SignedChannelState, error) {
	return c.advance(ctx, amount, 1-c.localIdx)
}

func (c *Channel) advance(ctx context.Context, amount int64, payerIdx int) (wire.SignedChannelState, error) {
	if amount <= 0 {
		return wire.SignedChannelState{}, fmt.Errorf("payment amount must be positive, got %d", amount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status() != StatusOpen {
		return wire.SignedChannelState{}, ErrChannelNotOpen
	}
	cur := c.GetState()
	if cur.Balances[payerIdx] < amount {
		return wire.SignedChannelState{}, ErrInsufficientFunds
	}
	next := cur
	next.Nonce = cur.Nonce + 1
	next.Balances[payerIdx] -= amount
	next.Balances[1-payerIdx] += amount
	next.Signatures = [wire.NumParts]string{}
	signed, err := c.cosign(ctx, next)
	if err != nil {
		return wire.SignedChannelState{}, err
	}
	c.accept(signed, StatusOpen)
	return signed, nil
}

// cosign signs the proposal locally, obtains the counterparty signature and
// verifies it over the canonical payload.
func (c *Channel) cosign(ctx context.Context, proposal wire.SignedChannelState) (wire.SignedChannelState, error) {
	payload, err := proposal.SigningPayload()
	if err != nil {
		return wire.SignedChannelState{}, err
	}
	ownSig, err := c.signer.SignState(payload)
	if err != nil {
		return wire.SignedChannelState{}, err
	}
	otherSig, err := c.cosigner.CosignState(ctx, proposal)
	if err != nil {
		return wire.SignedChannelState{}, fmt.Errorf("%w: %v", ErrCosignRejected, err)
	}
	otherIdx := 1 - c.localIdx
	if err := wallet.VerifySig(c.parts[otherIdx], payload, otherSig); err != nil {
		return wire.SignedChannelState{}, ErrBadCosignature
	}
	proposal.Signatures[c.localIdx] = wire.EncodeSig(ownSig)
	proposal.Signatures[otherIdx] = wire.EncodeSig(otherSig)
	return proposal, nil
}

func (c *Channel) accept(state wire.SignedChannelState, status Status) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.state = state
	c.status = status
	c.lastActivity = time.Now()
}

// Close submits the latest mutually-signed state for cooperative settlement
// and transitions to Closed once the ledger confirms. Closing an
// already-closed or disputed channel returns ErrChannelAlreadyClosed and
// never settles twice.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.Status() {
	case StatusClosed, StatusDisputed:
		return ErrChannelAlreadyClosed
	case StatusOpening:
		return ErrChannelNotOpen
	}
	c.setStatus(StatusClosing)
	res, err := c.lc.CloseChannel(ctx, c.GetState())
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrSettlementRejected, res.Error)
	}
	if err := c.awaitFinalized(ctx, res.Hash); err != nil {
		return err
	}
	c.setStatus(StatusClosed)
	return nil
}

// Dispute submits the highest-nonce state this side holds as a unilateral
// settlement trigger and transitions to Disputed. The ledger adjudicates by
// nonce; a party must never dispute with a stale state, so the channel
// always submits its last accepted one.
func (c *Channel) Dispute(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.Status() {
	case StatusClosed, StatusDisputed:
		return ErrChannelAlreadyClosed
	case StatusOpening:
		return ErrChannelNotOpen
	}
	res, err := c.lc.DisputeChannel(ctx, c.GetState())
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrSettlementRejected, res.Error)
	}
	c.setStatus(StatusDisputed)
	return nil
}

func (c *Channel) awaitFinalized(ctx context.Context, hash string) error {
	for i := 0; i < c.maxIters; i++ {
		st, err := c.lc.GetTransactionStatus(ctx, hash)
		if err == nil && st.Found && st.Finalized {
			return nil
		}
		if time.Now().After(c.Timeout()) {
			return ErrFundingTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollingInterval):
		}
	}
	return ErrFundingTimeout
}

// ID returns the channel ID.
func (c *Channel) ID() string { return c.id }

// Counterparty returns the other participant's address.
func (c *Channel) Counterparty() string { return c.parts[1-c.localIdx] }

// Status returns the current lifecycle state.
func (c *Channel) Status() Status {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.status
}

func (c *Channel) setStatus(s Status) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.status = s
	c.lastActivity = time.Now()
}

// GetState returns the last accepted state, never an in-flight proposal.
func (c *Channel) GetState() wire.SignedChannelState {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.state
}

// GetBalance returns the local side's balance in the last accepted state.
func (c *Channel) GetBalance() int64 {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.state.Balances[c.localIdx]
}

// Capacity returns the total value locked in the channel.
func (c *Channel) Capacity() int64 {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.capacity
}

// Timeout returns the instant after which the channel counts as expired.
// Activity on the channel pushes the timeout out.
func (c *Channel) Timeout() time.Time {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.lastActivity.Add(c.timeoutDur)
}

// Expired reports whether the channel has seen no activity for longer than
// its timeout.
func (c *Channel) Expired(now time.Time) bool {
	return now.After(c.Timeout())
}
