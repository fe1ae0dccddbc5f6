package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"perun.network/x402-stellar/channel"
	"perun.network/x402-stellar/gate"
	"perun.network/x402-stellar/ledger"
	ltest "perun.network/x402-stellar/ledger/test"
	"perun.network/x402-stellar/payer"
	"perun.network/x402-stellar/wallet"
	"perun.network/x402-stellar/wire"
)

// resourceServer gates a single resource behind payment. It stands in for
// the HTTP plumbing a real deployment would put around the gate.
type resourceServer struct {
	gate  *gate.Gate
	price string
	owner string
}

func (s *resourceServer) Do(ctx context.Context, req *payer.Request) (*payer.Response, error) {
	proofHeader, ok := req.Header[wire.PaymentHeader]
	if !ok {
		required, err := s.gate.RequirePayment(s.price, s.owner, wire.NativeAsset, "resource access")
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(required)
		if err != nil {
			return nil, err
		}
		return &payer.Response{StatusCode: http.StatusPaymentRequired, Body: body}, nil
	}
	proof, err := wire.DecodeProofHeader(proofHeader)
	if err != nil {
		return nil, err
	}
	res := s.gate.VerifyPayment(ctx, req.Header[wire.PaymentRequestIDHeader], proof)
	if !res.Verified {
		return &payer.Response{StatusCode: http.StatusForbidden, Body: []byte(res.Message)}, nil
	}
	return &payer.Response{StatusCode: http.StatusOK, Body: []byte("the weather is sunny")}, nil
}

func main() {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	lc := ltest.NewMockLedger()

	w := wallet.NewEphemeralWallet()
	accAlice, kpAlice, err := w.AddNewAccount(rng)
	if err != nil {
		panic(err)
	}
	accBob, kpBob, err := w.AddNewAccount(rng)
	if err != nil {
		panic(err)
	}
	lc.SetBalance(accAlice.Address(), 1000_0000000)
	lc.SetBalance(accBob.Address(), 1000_0000000)

	cfg := channel.CoordinatorConfig{PollingInterval: time.Millisecond, MaxIters: 10}
	coordAlice := channel.NewCoordinator(accAlice, kpAlice.Seed(), lc, nil, cfg)
	coordBob := channel.NewCoordinator(accBob, kpBob.Seed(), lc, nil, cfg)
	defer coordAlice.Shutdown()
	defer coordBob.Shutdown()

	events := coordAlice.Subscribe()
	go func() {
		for ev := range events {
			log.Printf("channel event: %+v", ev)
		}
	}()

	// Bob serves a paid resource.
	bobGate := gate.NewGate(lc, nil, gate.Config{AcceptChannels: true})
	server := &resourceServer{gate: bobGate, price: "10", owner: accBob.Address()}

	// Alice opens a channel with Bob and pays through it.
	chanID, err := coordAlice.OpenChannel(ctx, channel.OpenParams{
		Counterparty: accBob.Address(),
		Cosigner:     channel.NewAccountCosigner(accBob),
		Deposit:      100_0000000,
	})
	if err != nil {
		panic(err)
	}
	fundingHash, _ := lc.FundingTx(chanID)
	if _, err := coordBob.JoinChannel(ctx, channel.OpenParams{
		ID:           chanID,
		Counterparty: accAlice.Address(),
		Cosigner:     channel.NewAccountCosigner(accAlice),
		Deposit:      100_0000000,
		FundingHash:  fundingHash,
	}); err != nil {
		panic(err)
	}
	ch, _ := coordBob.Channel(chanID)
	if err := bobGate.Verifier().TrackChannel(ch.GetState()); err != nil {
		panic(err)
	}

	alice := payer.NewClient(server, lc, coordAlice, kpAlice.Seed(), accAlice.Address(), payer.Config{
		PreferChannels: true,
	})

	for i := 0; i < 3; i++ {
		resp, err := alice.Request(ctx, &payer.Request{Method: "GET", URL: "/weather"})
		if err != nil {
			panic(err)
		}
		fmt.Printf("request %d: %d %s\n", i, resp.StatusCode, resp.Body)
	}

	if err := coordAlice.CloseChannel(ctx, chanID); err != nil {
		panic(err)
	}
	printBalance(ctx, lc, "alice", accAlice.Address())
	printBalance(ctx, lc, "bob", accBob.Address())

	log.Println("DONE")
}

func printBalance(ctx context.Context, lc ledger.Client, name, addr string) {
	bal, err := lc.GetBalance(ctx, addr)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s balance: %s\n", name, bal)
}
