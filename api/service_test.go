// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/randbeacon/bls"
	"github.com/luxfi/randbeacon/bn254"
	"github.com/luxfi/randbeacon/config"
	"github.com/luxfi/randbeacon/fees"
	"github.com/luxfi/randbeacon/ledger"
	"github.com/luxfi/randbeacon/metrics"
	"github.com/luxfi/randbeacon/randomness"
	"github.com/luxfi/randbeacon/subscription"
)

type testService struct {
	service *Service
	sk      *big.Int
	ledger  *ledger.Ledger
}

func newTestService(t *testing.T) *testService {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.UnitRate = 1
	cfg.FeeOverhead = 50

	sk, err := rand.Int(rand.Reader, bn254.GroupOrder)
	require.NoError(t, err)
	pub, err := bls.PublicKey(sk)
	require.NoError(t, err)
	scheme, err := bls.NewScheme(cfg.SchemeID, pub, bls.NewVerifier())
	require.NoError(t, err)

	registry := ledger.NewRegistry()
	require.NoError(t, registry.Register(scheme))

	db := memdb.New()
	reqLedger, err := ledger.New(cfg, db, registry, log.NoLog{}, metrics.Noop{})
	require.NoError(t, err)
	subs, err := subscription.New(db, cfg.MaxConsumers, log.NoLog{})
	require.NoError(t, err)
	layer, err := randomness.New(cfg, db, reqLedger, subs, fees.NewEstimator(cfg.UnitRate, cfg.FeeOverhead), log.NoLog{}, metrics.Noop{})
	require.NoError(t, err)
	subs.SetPendingGuard(layer)

	return &testService{
		service: NewService(reqLedger, layer, subs, log.NoLog{}),
		sk:      sk,
		ledger:  reqLedger,
	}
}

func TestServerRegisters(t *testing.T) {
	ts := newTestService(t)
	_, err := NewServer(ts.service)
	require.NoError(t, err)
}

func TestSubmitFulfillGetOverRPC(t *testing.T) {
	require := require.New(t)
	ts := newTestService(t)

	submitReply := &SubmitRequestReply{}
	err := ts.service.SubmitRequest(nil, &SubmitRequestArgs{
		SchemeID: "BN254",
		Message:  hex.EncodeToString([]byte("rpc round")),
	}, submitReply)
	require.NoError(err)
	require.Equal(uint64(1), submitReply.RequestID)
	require.Len(submitReply.MessageHash, 2*bn254.G1ByteLen)

	getReply := &GetRequestReply{}
	require.NoError(ts.service.GetRequest(nil, &GetRequestArgs{RequestID: 1}, getReply))
	require.Equal("pending", getReply.Status)

	sig, err := bls.NewVerifier().Sign([]byte("rpc round"), ts.sk)
	require.NoError(err)
	fulfillReply := &FulfillRequestReply{}
	require.NoError(ts.service.FulfillRequest(nil, &FulfillRequestArgs{
		RequestID: 1,
		Signature: hex.EncodeToString(sig),
	}, fulfillReply))
	require.Equal("fulfilled", fulfillReply.Status)

	listReply := &ListRequestsReply{}
	require.NoError(ts.service.ListRequests(nil, &ListRequestsArgs{}, listReply))
	require.Equal([]uint64{1}, listReply.Fulfilled)
	require.Empty(listReply.Pending)
}

func TestSubmitRejectsBadHex(t *testing.T) {
	require := require.New(t)
	ts := newTestService(t)

	err := ts.service.SubmitRequest(nil, &SubmitRequestArgs{
		SchemeID: "BN254",
		Message:  "not hex",
	}, &SubmitRequestReply{})
	require.Error(err)
}

func TestRandomnessRoundTripOverRPC(t *testing.T) {
	require := require.New(t)
	ts := newTestService(t)
	consumer := ids.GenerateTestShortID()

	priceReply := &GetPriceReply{}
	require.NoError(ts.service.GetPrice(nil, &GetPriceArgs{CallbackBudget: 100}, priceReply))
	require.Equal("150", priceReply.Price)

	reqReply := &RequestRandomnessReply{}
	require.NoError(ts.service.RequestRandomness(nil, &RequestRandomnessArgs{
		Consumer:       consumer.String(),
		CallbackBudget: 100,
		Prepaid:        priceReply.Price,
	}, reqReply))

	// Not delivered yet.
	err := ts.service.GetRandomness(nil, &GetRandomnessArgs{RequestID: reqReply.RequestID}, &GetRandomnessReply{})
	require.Error(err)

	req, ok := ts.ledger.Get(reqReply.RequestID)
	require.True(ok)
	sig, err := bls.NewVerifier().Sign(req.Message, ts.sk)
	require.NoError(err)
	require.NoError(ts.service.FulfillRequest(nil, &FulfillRequestArgs{
		RequestID: reqReply.RequestID,
		Signature: hex.EncodeToString(sig),
	}, &FulfillRequestReply{}))

	valueReply := &GetRandomnessReply{}
	require.NoError(ts.service.GetRandomness(nil, &GetRandomnessArgs{RequestID: reqReply.RequestID}, valueReply))
	require.Len(valueReply.Value, 64)
}

func TestSubscriptionLifecycleOverRPC(t *testing.T) {
	require := require.New(t)
	ts := newTestService(t)
	owner := ids.GenerateTestShortID()
	next := ids.GenerateTestShortID()
	consumer := ids.GenerateTestShortID()

	createReply := &CreateSubscriptionReply{}
	require.NoError(ts.service.CreateSubscription(nil, &CreateSubscriptionArgs{Owner: owner.String()}, createReply))
	subID := createReply.SubscriptionID

	fundReply := &FundSubscriptionReply{}
	require.NoError(ts.service.FundSubscription(nil, &FundSubscriptionArgs{
		SubscriptionID: subID,
		Amount:         "1000",
	}, fundReply))
	require.Equal("1000", fundReply.Balance)

	consumerReply := &ConsumerReply{}
	require.NoError(ts.service.AddConsumer(nil, &ConsumerArgs{
		SubscriptionID: subID,
		Caller:         owner.String(),
		Consumer:       consumer.String(),
	}, consumerReply))
	require.Len(consumerReply.Consumers, 1)

	require.NoError(ts.service.ProposeOwner(nil, &OwnerTransferArgs{
		SubscriptionID: subID,
		Caller:         owner.String(),
		Proposed:       next.String(),
	}, &OwnerTransferReply{}))
	acceptReply := &OwnerTransferReply{}
	require.NoError(ts.service.AcceptOwner(nil, &OwnerTransferArgs{
		SubscriptionID: subID,
		Caller:         next.String(),
	}, acceptReply))
	require.Equal(next.String(), acceptReply.Owner)

	getReply := &GetSubscriptionReply{}
	require.NoError(ts.service.GetSubscription(nil, &GetSubscriptionArgs{SubscriptionID: subID}, getReply))
	require.Equal("1000", getReply.Balance)
	require.False(getReply.Pending)

	cancelReply := &CancelSubscriptionReply{}
	require.NoError(ts.service.CancelSubscription(nil, &CancelSubscriptionArgs{
		SubscriptionID: subID,
		Caller:         next.String(),
		Recipient:      next.String(),
	}, cancelReply))
	require.Equal("1000", cancelReply.Residual)
}
