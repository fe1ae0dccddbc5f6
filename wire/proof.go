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

package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// ProofType discriminates the PaymentProof union.
type ProofType string

const (
	ProofTypeOnChain ProofType = "onchain"
	ProofTypeChannel ProofType = "channel"
)

var (
	ErrMalformedProof = errors.New("malformed payment proof")
	ErrUnknownProof   = errors.New("unknown payment proof type")
)

// PaymentProof attests that a requirement has been paid, either by a settled
// on-chain transaction or by an advanced channel state.
type PaymentProof struct {
	Type ProofType `json:"type"`
	// TxHash is set for on-chain proofs.
	TxHash string `json:"txHash,omitempty"`
	// ChannelState is set for channel proofs.
	ChannelState *SignedChannelState `json:"channelState,omitempty"`
	// Timestamp is when the proof was produced. Proofs older than the
	// verifier's freshness window are rejected.
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature,omitempty"`
}

// Validate checks that the proof carries the payload its tag announces.
func (p PaymentProof) Validate() error {
	switch p.Type {
	case ProofTypeOnChain:
		if p.TxHash == "" {
			return ErrMalformedProof
		}
	case ProofTypeChannel:
		if p.ChannelState == nil {
			return ErrMalformedProof
		}
		if err := p.ChannelState.Signed(); err != nil {
			return err
		}
	default:
		return ErrUnknownProof
	}
	return nil
}

// Age returns how old the proof is at the given instant.
func (p PaymentProof) Age(now time.Time) time.Duration {
	return now.Sub(p.Timestamp)
}

// EncodeProofHeader serializes a proof for the X-Payment header as
// base64-encoded JSON.
func EncodeProofHeader(p PaymentProof) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeProofHeader parses an X-Payment header value back into a proof.
func DecodeProofHeader(v string) (PaymentProof, error) {
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return PaymentProof{}, ErrMalformedProof
	}
	var p PaymentProof
	if err := json.Unmarshal(raw, &p); err != nil {
		return PaymentProof{}, ErrMalformedProof
	}
	return p, nil
}

// OnChainProof builds an on-chain proof for the given transaction hash.
func OnChainProof(txHash string, now time.Time) PaymentProof {
	return PaymentProof{Type: ProofTypeOnChain, TxHash: txHash, Timestamp: now}
}

// ChannelProof builds a channel proof from a co-signed state.
func ChannelProof(state SignedChannelState, now time.Time) PaymentProof {
	return PaymentProof{Type: ProofTypeChannel, ChannelState: &state, Timestamp: now}
}
