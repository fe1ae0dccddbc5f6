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

// Package ledger abstracts the settlement ledger the payment protocol rides
// on. The core never touches raw key material beyond what this capability
// exposes; every call is a suspension point and takes a context.
package ledger

import (
	"context"
	"errors"

	"perun.network/x402-stellar/wire"
)

// ErrLedgerUnavailable marks transient ledger failures. It is the only error
// class a wrapping retry policy is expected to retry.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// PaymentResult is the outcome of submitting a transaction.
type PaymentResult struct {
	Success bool   `json:"success"`
	Hash    string `json:"hash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TxStatus describes a transaction as the ledger reports it.
type TxStatus struct {
	Found     bool   `json:"found"`
	Finalized bool   `json:"finalized"`
	Hash      string `json:"hash"`
	// Amount is a decimal string in whole asset units.
	Amount    string `json:"amount,omitempty"`
	Asset     string `json:"asset,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Memo      string `json:"memo,omitempty"`
}

// Client is the consumed ledger capability: submit payments, inspect
// transactions and balances, and anchor channel open/close/dispute on-chain.
type Client interface {
	// SubmitPayment builds, signs and submits a payment of amount (decimal
	// string) to recipient.
	SubmitPayment(ctx context.Context, secret, recipient, amount, asset, memo string) (*PaymentResult, error)

	// GetTransactionStatus fetches a transaction by hash. A missing
	// transaction is reported via TxStatus.Found, not an error.
	GetTransactionStatus(ctx context.Context, hash string) (*TxStatus, error)

	// GetBalance returns the native balance of address as a decimal string.
	GetBalance(ctx context.Context, address string) (string, error)

	// FundChannel locks amount on-chain for the given channel.
	FundChannel(ctx context.Context, secret, channelID, amount, asset string) (*PaymentResult, error)

	// CloseChannel submits a mutually-signed state for cooperative
	// settlement.
	CloseChannel(ctx context.Context, state wire.SignedChannelState) (*PaymentResult, error)

	// DisputeChannel submits a state as a unilateral settlement trigger.
	// The ledger adjudicates by nonce; callers must always submit the
	// highest-nonce state they hold.
	DisputeChannel(ctx context.Context, state wire.SignedChannelState) (*PaymentResult, error)
}
