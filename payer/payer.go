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

// Package payer drives the client side of the 402 handshake: detect a
// payment requirement, decide whether to pay, obtain a proof through a
// channel or on-chain, and resubmit the original request exactly once.
package payer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"perun.network/go-perun/log"

	"perun.network/x402-stellar/channel"
	"perun.network/x402-stellar/ledger"
	"perun.network/x402-stellar/wire"
)

var (
	ErrPaymentRejected = errors.New("resource still demands payment after paying")
	ErrPaymentFailed   = errors.New("payment submission failed")
)

// Request is a transport-agnostic resource request. The transport itself is
// the Requester implementation's concern.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	Body   []byte
}

// Response is the transport-agnostic counterpart of Request.
type Response struct {
	StatusCode int
	Header     map[string]string
	Body       []byte
}

// Requester sends resource requests. http.Client adapters, in-process
// handlers and test stubs all fit behind it.
type Requester interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Config configures a payer Client.
type Config struct {
	// PreferChannels pays through a channel whenever the requirement
	// allows it and a channel is available or can be opened.
	PreferChannels bool
	// MaxAmount is the per-call ceiling in minor units; 0 means none.
	MaxAmount int64
	// ChannelDeposit is the capacity of channels opened on demand, in
	// minor units. Zero disables opening new channels.
	ChannelDeposit int64
	// ChannelTimeout for channels opened on demand.
	ChannelTimeout time.Duration
	// CosignerFor obtains the co-signing capability for a counterparty
	// when opening a channel on demand.
	CosignerFor func(counterparty string) channel.Cosigner
}

// Client pays for gated resources. Issued proofs are cached per request ID
// so retrying a whole operation resubmits the same proof instead of paying
// twice.
type Client struct {
	cfg       Config
	log       log.Embedding
	requester Requester
	lc        ledger.Client
	coord     *channel.Coordinator // optional
	secret    string
	address   string

	mu     sync.Mutex
	proofs map[string]wire.PaymentProof
}

// NewClient creates a payer over the given requester and ledger. coord may
// be nil, in which case all payments settle on-chain.
func NewClient(requester Requester, lc ledger.Client, coord *channel.Coordinator, secret, address string, cfg Config) *Client {
	return &Client{
		cfg:       cfg,
		log:       log.MakeEmbedding(log.Default()),
		requester: requester,
		lc:        lc,
		coord:     coord,
		secret:    secret,
		address:   address,
		proofs:    make(map[string]wire.PaymentProof),
	}
}

// Request sends req and transparently settles a 402 response. Non-402
// responses pass through unchanged. A decline is returned as a synthetic
// 402-shaped response, never by dropping the caller's request. A second 402
// after paying is a hard failure, not a retry loop.
func (c *Client) Request(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.requester.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	var required wire.PaymentRequired
	if err := json.Unmarshal(resp.Body, &required); err != nil {
		return nil, fmt.Errorf("parsing 402 response: %w", err)
	}
	requirement := required.PaymentDetails

	amount, reason, err := c.evaluate(ctx, requirement)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		c.log.Log().Debugf("declining payment for request %s: %s", required.RequestID, reason)
		return declined(required, reason), nil
	}

	proof, err := c.obtainProof(ctx, required.RequestID, requirement, amount)
	if err != nil {
		return nil, err
	}

	retry := cloneRequest(req)
	header, err := wire.EncodeProofHeader(proof)
	if err != nil {
		return nil, err
	}
	retry.Header[wire.PaymentHeader] = header
	retry.Header[wire.PaymentRequestIDHeader] = required.RequestID

	resp, err = c.requester.Do(ctx, retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		return nil, fmt.Errorf("%w: request %s", ErrPaymentRejected, required.RequestID)
	}
	return resp, nil
}

// evaluate decides whether to pay. A non-empty reason means decline.
func (c *Client) evaluate(ctx context.Context, req wire.PaymentRequirement) (amount int64, reason string, err error) {
	if err := req.Validate(); err != nil {
		return 0, "", err
	}
	if req.Expired(time.Now()) {
		return 0, "requirement already expired", nil
	}
	amount, err = req.AmountStroops()
	if err != nil {
		return 0, "", err
	}
	if c.cfg.MaxAmount > 0 && amount > c.cfg.MaxAmount {
		return 0, fmt.Sprintf("amount %s exceeds payer ceiling %s",
			req.Amount, wire.FormatAmount(c.cfg.MaxAmount)), nil
	}
	if c.useChannel(req) {
		if id, ok := c.coord.FindChannelWithCounterparty(req.Recipient); ok {
			if ch, found := c.coord.Channel(id); found && ch.GetBalance() >= amount {
				return amount, "", nil
			}
		}
		// No usable channel yet; fall through to the on-chain balance
		// check, which also covers the on-demand deposit.
	}
	bal, err := c.lc.GetBalance(ctx, c.address)
	if err != nil {
		return 0, "", err
	}
	balStroops, err := wire.ParseAmount(bal)
	if err != nil {
		return 0, "", err
	}
	if balStroops < amount {
		return 0, "insufficient balance", nil
	}
	return amount, "", nil
}

func (c *Client) obtainProof(ctx context.Context, requestID string, req wire.PaymentRequirement, amount int64) (wire.PaymentProof, error) {
	c.mu.Lock()
	if proof, ok := c.proofs[requestID]; ok {
		c.mu.Unlock()
		return proof, nil
	}
	c.mu.Unlock()

	var proof wire.PaymentProof
	if c.useChannel(req) {
		state, err := c.payViaChannel(ctx, req, amount)
		if err == nil {
			proof = wire.ChannelProof(state, time.Now())
		} else {
			c.log.Log().Warnf("channel payment failed, falling back on-chain: %v", err)
		}
	}
	if proof.Type == "" {
		hash, err := c.payOnChain(ctx, req)
		if err != nil {
			return wire.PaymentProof{}, err
		}
		proof = wire.OnChainProof(hash, time.Now())
	}

	c.mu.Lock()
	c.proofs[requestID] = proof
	c.mu.Unlock()
	return proof, nil
}

func (c *Client) useChannel(req wire.PaymentRequirement) bool {
	return req.AcceptsChannel && c.cfg.PreferChannels && c.coord != nil
}

func (c *Client) payViaChannel(ctx context.Context, req wire.PaymentRequirement, amount int64) (wire.SignedChannelState, error) {
	id, ok := c.coord.FindChannelWithCounterparty(req.Recipient)
	if !ok {
		if c.cfg.ChannelDeposit <= 0 || c.cfg.CosignerFor == nil {
			return wire.SignedChannelState{}, channel.ErrChannelNotFound
		}
		var err error
		id, err = c.coord.OpenChannel(ctx, channel.OpenParams{
			Counterparty: req.Recipient,
			Cosigner:     c.cfg.CosignerFor(req.Recipient),
			Deposit:      c.cfg.ChannelDeposit,
			Timeout:      c.cfg.ChannelTimeout,
		})
		if err != nil {
			return wire.SignedChannelState{}, err
		}
	}
	return c.coord.MakePayment(ctx, id, amount)
}

func (c *Client) payOnChain(ctx context.Context, req wire.PaymentRequirement) (string, error) {
	res, err := c.lc.SubmitPayment(ctx, c.secret, req.Recipient, req.Amount, req.Asset, req.Memo)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("%w: %s", ErrPaymentFailed, res.Error)
	}
	return res.Hash, nil
}

// declined builds the synthetic 402-shaped response returned to the caller
// when the payer refuses to pay.
func declined(required wire.PaymentRequired, reason string) *Response {
	required.Message = "payment declined: " + reason
	body, _ := json.Marshal(required)
	return &Response{
		StatusCode: http.StatusPaymentRequired,
		Header:     map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func cloneRequest(req *Request) *Request {
	cp := *req
	cp.Header = make(map[string]string, len(req.Header)+2)
	for k, v := range req.Header {
		cp.Header[k] = v
	}
	return &cp
}
