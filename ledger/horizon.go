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

package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/txnbuild"

	"perun.network/x402-stellar/wire"
)

const defaultTxTimeout = 300 // seconds

// Horizon is the Client implementation over a Stellar Horizon server.
// Channel funds are held by an escrow account whose secret the Horizon
// client is configured with; funding and settlement are plain payments
// tagged with the channel ID as a hash memo.
type Horizon struct {
	client       *horizonclient.Client
	passphrase   string
	escrowSecret string
}

// NewHorizon creates a Horizon ledger client for the given Horizon URL and
// network passphrase (network.TestNetworkPassphrase or
// network.PublicNetworkPassphrase).
func NewHorizon(horizonURL, passphrase string) *Horizon {
	if passphrase == "" {
		passphrase = network.TestNetworkPassphrase
	}
	return &Horizon{
		client:     &horizonclient.Client{HorizonURL: horizonURL},
		passphrase: passphrase,
	}
}

// SetEscrow configures the escrow account used for channel funding and
// settlement.
func (h *Horizon) SetEscrow(secret string) { h.escrowSecret = secret }

// SubmitPayment implements Client.
func (h *Horizon) SubmitPayment(ctx context.Context, secret, recipient, amount, asset, memo string) (*PaymentResult, error) {
	if asset != wire.NativeAsset {
		return nil, fmt.Errorf("only native asset payments are supported, got %q", asset)
	}
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return nil, err
	}
	var m txnbuild.Memo
	if memo != "" {
		m = txnbuild.MemoText(memo)
	}
	op := &txnbuild.Payment{
		Destination: recipient,
		Amount:      amount,
		Asset:       txnbuild.NativeAsset{},
	}
	return h.sign(ctx, kp, m, op)
}

// GetTransactionStatus implements Client. Payment details are read from the
// transaction's first payment operation.
func (h *Horizon) GetTransactionStatus(ctx context.Context, hash string) (*TxStatus, error) {
	tx, err := h.client.TransactionDetail(hash)
	if err != nil {
		if isNotFound(err) {
			return &TxStatus{Found: false, Hash: hash}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	st := &TxStatus{
		Found:     true,
		Finalized: tx.Successful,
		Hash:      tx.Hash,
		Memo:      tx.Memo,
	}
	ops, err := h.client.Operations(horizonclient.OperationRequest{ForTransaction: hash})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	for _, rec := range ops.Embedded.Records {
		pay, ok := rec.(operations.Payment)
		if !ok {
			continue
		}
		st.Recipient = pay.To
		st.Amount = pay.Amount
		if pay.Code == "" {
			st.Asset = wire.NativeAsset
		} else {
			st.Asset = pay.Code
		}
		break
	}
	return st, nil
}

// GetBalance implements Client.
func (h *Horizon) GetBalance(ctx context.Context, address string) (string, error) {
	acct, err := h.client.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return acct.GetNativeBalance()
}

// FundChannel implements Client: a payment from the funder to the escrow
// account, carrying the channel ID as hash memo.
func (h *Horizon) FundChannel(ctx context.Context, secret, channelID, amount, asset string) (*PaymentResult, error) {
	if asset != wire.NativeAsset {
		return nil, fmt.Errorf("only native asset channels are supported, got %q", asset)
	}
	escrow, err := h.escrow()
	if err != nil {
		return nil, err
	}
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return nil, err
	}
	memo, err := channelMemo(channelID)
	if err != nil {
		return nil, err
	}
	op := &txnbuild.Payment{
		Destination: escrow.Address(),
		Amount:      amount,
		Asset:       txnbuild.NativeAsset{},
	}
	return h.sign(ctx, kp, memo, op)
}

// CloseChannel implements Client: the escrow pays out both sides of the
// final state in a single transaction.
func (h *Horizon) CloseChannel(ctx context.Context, state wire.SignedChannelState) (*PaymentResult, error) {
	return h.settle(ctx, state)
}

// DisputeChannel implements Client. On-chain nonce adjudication is the
// escrow operator's concern; the submission itself is identical to a close.
func (h *Horizon) DisputeChannel(ctx context.Context, state wire.SignedChannelState) (*PaymentResult, error) {
	return h.settle(ctx, state)
}

func (h *Horizon) settle(ctx context.Context, state wire.SignedChannelState) (*PaymentResult, error) {
	escrow, err := h.escrow()
	if err != nil {
		return nil, err
	}
	memo, err := channelMemo(state.ChannelID)
	if err != nil {
		return nil, err
	}
	var ops []txnbuild.Operation
	for i, part := range state.Participants {
		if state.Balances[i] == 0 {
			continue
		}
		ops = append(ops, &txnbuild.Payment{
			Destination: part,
			Amount:      wire.FormatAmount(state.Balances[i]),
			Asset:       txnbuild.NativeAsset{},
		})
	}
	if len(ops) == 0 {
		return nil, errors.New("nothing to settle")
	}
	return h.sign(ctx, escrow, memo, ops...)
}

func (h *Horizon) sign(ctx context.Context, kp *keypair.Full, memo txnbuild.Memo, ops ...txnbuild.Operation) (*PaymentResult, error) {
	acct, err := h.client.AccountDetail(horizonclient.AccountRequest{AccountID: kp.Address()})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	feeStats, err := h.client.FeeStats()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	fee := feeStats.LastLedgerBaseFee
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &acct,
		IncrementSequenceNum: true,
		BaseFee:              fee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(defaultTxTimeout)},
		Operations:           ops,
		Memo:                 memo,
	})
	if err != nil {
		return nil, err
	}
	tx, err = tx.Sign(h.passphrase, kp)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.SubmitTransaction(tx)
	if err != nil {
		return &PaymentResult{Success: false, Error: err.Error()}, nil
	}
	return &PaymentResult{Success: resp.Successful, Hash: resp.Hash}, nil
}

func (h *Horizon) escrow() (*keypair.Full, error) {
	if h.escrowSecret == "" {
		return nil, errors.New("no escrow account configured")
	}
	return keypair.ParseFull(h.escrowSecret)
}

// channelMemo encodes a 32-byte hex channel ID as a hash memo.
func channelMemo(channelID string) (txnbuild.Memo, error) {
	raw, err := hex.DecodeString(channelID)
	if err != nil || len(raw) != 32 {
		return nil, errors.New("channel id is not 32 bytes of hex")
	}
	var m txnbuild.MemoHash
	copy(m[:], raw)
	return m, nil
}

func isNotFound(err error) bool {
	var herr *horizonclient.Error
	if errors.As(err, &herr) {
		return herr.Problem.Status == http.StatusNotFound
	}
	return false
}
