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

// Package test provides an in-memory ledger for tests and local runs.
package test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/stellar/go/keypair"

	"perun.network/x402-stellar/ledger"
	"perun.network/x402-stellar/wire"
)

// MockLedger is an in-memory ledger.Client. Payments settle instantly unless
// DelayFinality is set; balances are tracked in minor units.
type MockLedger struct {
	mu sync.Mutex

	balances map[string]int64
	txs      map[string]*ledger.TxStatus
	funded   map[string]int64 // channelID -> locked amount
	settled  map[string]wire.SignedChannelState

	seq int

	// DelayFinality makes submitted transactions report Finalized=false
	// until FinalizeAll is called.
	DelayFinality bool
	// FailSubmits makes every submission fail with ErrLedgerUnavailable.
	FailSubmits bool
}

// NewMockLedger creates an empty mock ledger.
func NewMockLedger() *MockLedger {
	return &MockLedger{
		balances: make(map[string]int64),
		txs:      make(map[string]*ledger.TxStatus),
		funded:   make(map[string]int64),
		settled:  make(map[string]wire.SignedChannelState),
	}
}

// SetBalance seeds the balance of an address, in minor units.
func (m *MockLedger) SetBalance(address string, stroops int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] = stroops
}

// PutTransaction records a transaction as the ledger would report it.
func (m *MockLedger) PutTransaction(st ledger.TxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := st
	m.txs[st.Hash] = &cp
}

// FinalizeAll marks every recorded transaction finalized.
func (m *MockLedger) FinalizeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		tx.Finalized = true
	}
}

// FundingTx returns the hash of the transaction that funded a channel.
func (m *MockLedger) FundingTx(channelID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, tx := range m.txs {
		if tx.Memo == channelID && tx.Amount != "" {
			return hash, true
		}
	}
	return "", false
}

// LockedAmount returns the amount locked for a channel, in minor units.
func (m *MockLedger) LockedAmount(channelID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.funded[channelID]
}

// SettledState returns the state a channel was settled with, if any.
func (m *MockLedger) SettledState(channelID string) (wire.SignedChannelState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.settled[channelID]
	return st, ok
}

// SubmitPayment implements ledger.Client.
func (m *MockLedger) SubmitPayment(ctx context.Context, secret, recipient, amount, asset, memo string) (*ledger.PaymentResult, error) {
	source, err := addressOf(secret)
	if err != nil {
		return nil, err
	}
	stroops, err := wire.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSubmits {
		return nil, ledger.ErrLedgerUnavailable
	}
	if m.balances[source] < stroops {
		return &ledger.PaymentResult{Success: false, Error: "underfunded source account"}, nil
	}
	m.balances[source] -= stroops
	m.balances[recipient] += stroops
	hash := m.nextHash()
	m.txs[hash] = &ledger.TxStatus{
		Found:     true,
		Finalized: !m.DelayFinality,
		Hash:      hash,
		Amount:    amount,
		Asset:     asset,
		Recipient: recipient,
		Memo:      memo,
	}
	return &ledger.PaymentResult{Success: true, Hash: hash}, nil
}

// GetTransactionStatus implements ledger.Client.
func (m *MockLedger) GetTransactionStatus(ctx context.Context, hash string) (*ledger.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[hash]
	if !ok {
		return &ledger.TxStatus{Found: false, Hash: hash}, nil
	}
	cp := *tx
	return &cp, nil
}

// GetBalance implements ledger.Client.
func (m *MockLedger) GetBalance(ctx context.Context, address string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return wire.FormatAmount(m.balances[address]), nil
}

// FundChannel implements ledger.Client.
func (m *MockLedger) FundChannel(ctx context.Context, secret, channelID, amount, asset string) (*ledger.PaymentResult, error) {
	source, err := addressOf(secret)
	if err != nil {
		return nil, err
	}
	stroops, err := wire.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSubmits {
		return nil, ledger.ErrLedgerUnavailable
	}
	if m.balances[source] < stroops {
		return &ledger.PaymentResult{Success: false, Error: "underfunded source account"}, nil
	}
	m.balances[source] -= stroops
	m.funded[channelID] += stroops
	hash := m.nextHash()
	m.txs[hash] = &ledger.TxStatus{
		Found:     true,
		Finalized: !m.DelayFinality,
		Hash:      hash,
		Amount:    amount,
		Asset:     asset,
		Memo:      channelID,
	}
	return &ledger.PaymentResult{Success: true, Hash: hash}, nil
}

// CloseChannel implements ledger.Client.
func (m *MockLedger) CloseChannel(ctx context.Context, state wire.SignedChannelState) (*ledger.PaymentResult, error) {
	return m.settle(state)
}

// DisputeChannel implements ledger.Client. Like the real adjudicator it only
// accepts a settlement that does not roll back a previously submitted nonce.
func (m *MockLedger) DisputeChannel(ctx context.Context, state wire.SignedChannelState) (*ledger.PaymentResult, error) {
	m.mu.Lock()
	if prev, ok := m.settled[state.ChannelID]; ok && prev.Nonce >= state.Nonce {
		m.mu.Unlock()
		return &ledger.PaymentResult{Success: false, Error: "stale state"}, nil
	}
	m.mu.Unlock()
	return m.settle(state)
}

func (m *MockLedger) settle(state wire.SignedChannelState) (*ledger.PaymentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSubmits {
		return nil, ledger.ErrLedgerUnavailable
	}
	locked := m.funded[state.ChannelID]
	if locked != state.Total() {
		return &ledger.PaymentResult{
			Success: false,
			Error:   fmt.Sprintf("state total %d does not match locked %d", state.Total(), locked),
		}, nil
	}
	for i, part := range state.Participants {
		m.balances[part] += state.Balances[i]
	}
	m.funded[state.ChannelID] = 0
	m.settled[state.ChannelID] = state
	hash := m.nextHash()
	m.txs[hash] = &ledger.TxStatus{Found: true, Finalized: !m.DelayFinality, Hash: hash, Memo: state.ChannelID}
	return &ledger.PaymentResult{Success: true, Hash: hash}, nil
}

func (m *MockLedger) nextHash() string {
	m.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("tx-%d", m.seq)))
	return hex.EncodeToString(sum[:])
}

func addressOf(secret string) (string, error) {
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return "", err
	}
	return kp.Address(), nil
}
