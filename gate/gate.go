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

// Package gate implements the resource-server side of the 402 handshake:
// issuing payment requirements, tracking outstanding requests and verifying
// payment proofs exactly once.
package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	"perun.network/go-perun/log"

	"perun.network/x402-stellar/ledger"
	"perun.network/x402-stellar/wire"
)

// DefaultPaymentTimeout is how long an issued requirement stays payable.
var DefaultPaymentTimeout = 5 * time.Minute //nolint:gomnd

// Config configures a Gate.
type Config struct {
	// PaymentTimeout is the validity window of issued requirements.
	PaymentTimeout time.Duration
	// AcceptChannels allows channel proofs in addition to on-chain ones.
	AcceptChannels bool
	// FreshnessWindow bounds proof age at verification time.
	FreshnessWindow time.Duration
	// Facilitator is advertised in issued requirements, if set.
	Facilitator string
}

// Gate issues payment requirements and verifies proofs against them. A
// request ID verifies successfully at most once; consumed and expired IDs
// can never verify again.
type Gate struct {
	cfg      Config
	log      log.Embedding
	store    PendingStore
	verifier *Verifier

	mu       sync.Mutex
	consumed map[string]struct{}
}

// NewGate creates a gate verifying against the given ledger. A nil store
// defaults to an in-memory one.
func NewGate(lc ledger.Client, store PendingStore, cfg Config) *Gate {
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = DefaultPaymentTimeout
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Gate{
		cfg:      cfg,
		log:      log.MakeEmbedding(log.Default()),
		store:    store,
		verifier: NewVerifier(lc, cfg.FreshnessWindow),
		consumed: make(map[string]struct{}),
	}
}

// Verifier exposes the gate's proof verifier, e.g. to track channels the
// local coordinator opened.
func (g *Gate) Verifier() *Verifier { return g.verifier }

// RequirePayment issues a payment requirement for the given amount (decimal
// string) and stores the pending request under a fresh, collision-free
// request ID. Expired pending requests are garbage collected around the
// call.
func (g *Gate) RequirePayment(amount, recipient, asset, memo string) (wire.PaymentRequired, error) {
	now := time.Now()
	g.store.DropExpired(now)

	req := wire.PaymentRequirement{
		Amount:         amount,
		Asset:          asset,
		Recipient:      recipient,
		Memo:           memo,
		AcceptsChannel: g.cfg.AcceptChannels,
		Facilitator:    g.cfg.Facilitator,
		ExpiresAt:      now.Add(g.cfg.PaymentTimeout),
	}
	if err := req.Validate(); err != nil {
		return wire.PaymentRequired{}, err
	}
	id, err := newRequestID()
	if err != nil {
		return wire.PaymentRequired{}, err
	}
	g.store.Put(PendingRequest{RequestID: id, Requirement: req, CreatedAt: now})
	g.store.DropExpired(now)

	return wire.PaymentRequired{
		StatusCode:     http.StatusPaymentRequired,
		Message:        "Payment Required",
		PaymentDetails: req,
		RequestID:      id,
	}, nil
}

// VerifyPayment checks proof against the pending request. Failures are
// reported in the result, never as errors; the gate moves no funds itself.
// On success the pending request is atomically consumed, so a replayed
// proof cannot verify twice.
func (g *Gate) VerifyPayment(ctx context.Context, requestID string, proof wire.PaymentProof) wire.VerifyResult {
	pending, ok := g.store.Get(requestID)
	if !ok {
		if g.isConsumed(requestID) {
			return reject("request already consumed")
		}
		return reject("unknown request id")
	}

	now := time.Now()
	if pending.Requirement.Expired(now) {
		g.store.Take(requestID)
		return reject("request expired")
	}
	if proof.Type == wire.ProofTypeChannel && !pending.Requirement.AcceptsChannel {
		return reject("channel proofs not accepted for this request")
	}

	if err := g.verifier.Verify(ctx, pending.Requirement, proof); err != nil {
		if errors.Is(err, ledger.ErrLedgerUnavailable) {
			g.log.Log().Warnf("verifying request %s: %v", requestID, err)
		}
		return reject(err.Error())
	}

	// The atomic take decides the winner under concurrent verification.
	if _, taken := g.store.Take(requestID); !taken {
		return reject("request already consumed")
	}
	g.markConsumed(requestID)
	return wire.VerifyResult{Verified: true, Message: "payment accepted"}
}

func (g *Gate) isConsumed(requestID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.consumed[requestID]
	return ok
}

func (g *Gate) markConsumed(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consumed[requestID] = struct{}{}
}

func reject(msg string) wire.VerifyResult {
	return wire.VerifyResult{Verified: false, Message: msg}
}

// newRequestID draws a fresh 128-bit random ID.
func newRequestID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
