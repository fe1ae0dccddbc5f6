package wire

import (
	"bytes"
	"encoding/base64"
	"errors"

	xdr3 "github.com/stellar/go-xdr/xdr3"
)

const NumParts = 2

var (
	ErrSameParticipants  = errors.New("channel participants must be distinct")
	ErrNegativeBalance   = errors.New("channel balance must not be negative")
	ErrMissingSignatures = errors.New("channel state is missing a signature")
)

// SignedChannelState is one off-ledger state of a bilateral payment channel:
// a balance split at a nonce, co-signed by both participants. Participant
// order is stable for the channel's lifetime; index 0 is party A.
type SignedChannelState struct {
	ChannelID    string             `json:"channelId"`
	Participants [NumParts]string   `json:"participants"`
	// Balances are minor units (stroops), index-aligned with Participants.
	Balances   [NumParts]int64  `json:"balances"`
	Nonce      uint64           `json:"nonce"`
	Signatures [NumParts]string `json:"signatures"`
}

// signedTuple is the exact tuple both parties sign. Encoded with XDR so the
// payload is canonical regardless of which side produces it.
type signedTuple struct {
	ChannelID string
	BalanceA  int64
	BalanceB  int64
	Nonce     uint64
}

// SigningPayload returns the canonical bytes of (channelId, balances, nonce).
// Signatures over a state verify against exactly these bytes.
func (s SignedChannelState) SigningPayload() ([]byte, error) {
	var buf bytes.Buffer
	_, err := xdr3.Marshal(&buf, signedTuple{
		ChannelID: s.ChannelID,
		BalanceA:  s.Balances[0],
		BalanceB:  s.Balances[1],
		Nonce:     s.Nonce,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Total returns the sum of both balances. For every accepted state of a
// channel this equals the capacity locked at open.
func (s SignedChannelState) Total() int64 {
	return s.Balances[0] + s.Balances[1]
}

// BalanceOf returns the balance held by the given participant.
func (s SignedChannelState) BalanceOf(addr string) (int64, bool) {
	for i, p := range s.Participants {
		if p == addr {
			return s.Balances[i], true
		}
	}
	return 0, false
}

// IndexOf returns the participant index of addr.
func (s SignedChannelState) IndexOf(addr string) (int, bool) {
	for i, p := range s.Participants {
		if p == addr {
			return i, true
		}
	}
	return 0, false
}

// Validate checks structural invariants that hold for any channel state,
// independent of the channel it belongs to.
func (s SignedChannelState) Validate() error {
	if s.Participants[0] == s.Participants[1] {
		return ErrSameParticipants
	}
	for _, b := range s.Balances {
		if b < 0 {
			return ErrNegativeBalance
		}
	}
	return nil
}

// Signed additionally requires both signatures to be present.
func (s SignedChannelState) Signed() error {
	if err := s.Validate(); err != nil {
		return err
	}
	for _, sig := range s.Signatures {
		if sig == "" {
			return ErrMissingSignatures
		}
	}
	return nil
}

// EncodeSig encodes a raw signature for transport inside a state.
func EncodeSig(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// DecodeSig decodes a transported signature back to raw bytes.
func DecodeSig(sig string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(sig)
}
