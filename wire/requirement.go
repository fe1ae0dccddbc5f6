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

// Package wire defines the serialized shapes exchanged during the 402
// handshake: payment requirements, payment proofs and signed channel states.
// Both sides of a channel must produce byte-identical encodings of a state
// for signature verification to succeed, so the signing payload is encoded
// with XDR rather than JSON.
package wire

import (
	"errors"
	"time"

	"github.com/stellar/go/amount"
)

// Header names carried between payer and gate.
const (
	PaymentRequirementsHeader = "Payment-Requirements"
	PaymentHeader             = "X-Payment"
	PaymentRequestIDHeader    = "X-Payment-Request-Id"
	PaymentResponseHeader     = "Payment-Response"
)

// NativeAsset denotes the ledger's native asset (XLM).
const NativeAsset = "native"

var (
	ErrInvalidAmount    = errors.New("amount is not a valid decimal string")
	ErrMissingRecipient = errors.New("requirement has no recipient")
)

// PaymentRequirement describes a single payment a gate demands before
// releasing a resource. Immutable once issued.
type PaymentRequirement struct {
	// Amount is a decimal string in whole asset units, e.g. "10.5".
	Amount string `json:"amount"`
	// Asset is the asset code, or "native" for XLM.
	Asset string `json:"asset"`
	// Recipient is the destination account (G...).
	Recipient string `json:"recipient"`
	// Memo is attached to on-chain payments satisfying this requirement.
	Memo string `json:"memo,omitempty"`
	// AcceptsChannel reports whether a channel proof may satisfy this
	// requirement instead of an on-chain transaction.
	AcceptsChannel bool `json:"acceptsChannel"`
	// Facilitator optionally names an external verification service.
	Facilitator string `json:"facilitator,omitempty"`
	// ExpiresAt is the instant after which the requirement can no longer
	// be satisfied.
	ExpiresAt time.Time `json:"expiresAt"`
}

// Validate checks the requirement for well-formedness.
func (r PaymentRequirement) Validate() error {
	if r.Recipient == "" {
		return ErrMissingRecipient
	}
	if _, err := ParseAmount(r.Amount); err != nil {
		return err
	}
	return nil
}

// Expired reports whether the requirement has passed its expiry at the
// given instant.
func (r PaymentRequirement) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// AmountStroops returns the required amount in minor units.
func (r PaymentRequirement) AmountStroops() (int64, error) {
	return ParseAmount(r.Amount)
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	StatusCode     int                `json:"statusCode"`
	Message        string             `json:"message"`
	PaymentDetails PaymentRequirement `json:"paymentDetails"`
	RequestID      string             `json:"requestId"`
}

// VerifyResult is the structured outcome of a payment verification. It is
// the only shape verification failures cross the gate boundary in; they are
// never surfaced as errors.
type VerifyResult struct {
	Verified bool   `json:"verified"`
	Message  string `json:"message"`
}

// ParseAmount converts a decimal amount string to minor units (stroops).
// Amounts are never compared as floating point.
func ParseAmount(v string) (int64, error) {
	stroops, err := amount.ParseInt64(v)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	return stroops, nil
}

// FormatAmount converts minor units back to a decimal amount string.
func FormatAmount(stroops int64) string {
	return amount.StringFromInt64(stroops)
}
