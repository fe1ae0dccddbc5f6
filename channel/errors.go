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

import "errors"

var (
	ErrChannelAlreadyClosed = errors.New("channel is already closed")
	ErrChannelNotOpen       = errors.New("channel is not open")
	ErrChannelNotFound      = errors.New("channel not found")
	ErrInsufficientFunds    = errors.New("insufficient channel balance")
	ErrFundingTimeout       = errors.New("channel funding not confirmed before timeout")
	ErrCosignRejected       = errors.New("counterparty rejected the proposed state")
	ErrBadCosignature       = errors.New("counterparty signature does not verify")
	ErrSettlementRejected   = errors.New("ledger rejected the settlement")
)
