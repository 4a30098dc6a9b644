// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api exposes the beacon over JSON-RPC.
package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/rpc/v2"
	rpcjson "github.com/gorilla/rpc/v2/json2"
	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/randbeacon/ledger"
	"github.com/luxfi/randbeacon/randomness"
	"github.com/luxfi/randbeacon/subscription"
)

var errValueNotReady = errors.New("randomness not yet delivered")

// Service is the RPC surface over the request ledger, the randomness layer
// and the subscription ledger. Values delivered for RPC-submitted randomness
// requests are buffered here until the caller polls them.
type Service struct {
	log   log.Logger
	reqs  *ledger.Ledger
	layer *randomness.Layer
	subs  *subscription.Ledger

	mu        sync.Mutex
	delivered map[uint64][32]byte
}

func NewService(reqs *ledger.Ledger, layer *randomness.Layer, subs *subscription.Ledger, logger log.Logger) *Service {
	return &Service{
		log:       logger,
		reqs:      reqs,
		layer:     layer,
		subs:      subs,
		delivered: make(map[uint64][32]byte),
	}
}

// ReceiveRandomness buffers a delivered value for polling.
func (s *Service) ReceiveRandomness(requestID uint64, value [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.delivered[requestID] = value
	return nil
}

// NewServer returns an RPC server with the service mounted under the
// "randbeacon" namespace.
func NewServer(s *Service) (*rpc.Server, error) {
	server := rpc.NewServer()
	server.RegisterCodec(rpcjson.NewCodec(), "application/json")
	server.RegisterCodec(rpcjson.NewCodec(), "application/json;charset=UTF-8")
	if err := server.RegisterService(s, "randbeacon"); err != nil {
		return nil, err
	}
	return server, nil
}

// SubmitRequestArgs are the arguments for SubmitRequest
type SubmitRequestArgs struct {
	SchemeID  string `json:"schemeID"`
	Message   string `json:"message"`   // hex
	Condition string `json:"condition"` // hex, optional
	Target    string `json:"target"`
}

// SubmitRequestReply is the reply for SubmitRequest
type SubmitRequestReply struct {
	RequestID   uint64 `json:"requestID"`
	MessageHash string `json:"messageHash"`
}

// SubmitRequest admits a raw conditional signature request. Requests created
// this way have no callback; their verified signature is read back via
// GetRequest.
func (s *Service) SubmitRequest(_ *http.Request, args *SubmitRequestArgs, reply *SubmitRequestReply) error {
	message, err := hex.DecodeString(args.Message)
	if err != nil {
		return fmt.Errorf("invalid message hex: %w", err)
	}
	var condition []byte
	if args.Condition != "" {
		if condition, err = hex.DecodeString(args.Condition); err != nil {
			return fmt.Errorf("invalid condition hex: %w", err)
		}
	}
	target := ids.ShortEmpty
	if args.Target != "" {
		if target, err = ids.ShortFromString(args.Target); err != nil {
			return fmt.Errorf("invalid target: %w", err)
		}
	}

	requestID, err := s.reqs.Submit(args.SchemeID, message, condition, target, nil)
	if err != nil {
		return err
	}
	req, _ := s.reqs.Get(requestID)
	reply.RequestID = requestID
	reply.MessageHash = hex.EncodeToString(req.MessageHash)
	return nil
}

// FulfillRequestArgs are the arguments for FulfillRequest
type FulfillRequestArgs struct {
	RequestID uint64 `json:"requestID"`
	Signature string `json:"signature"` // hex, 64-byte G1 point
}

// FulfillRequestReply is the reply for FulfillRequest
type FulfillRequestReply struct {
	Status string `json:"status"`
}

// FulfillRequest submits an aggregated signature for verification.
func (s *Service) FulfillRequest(_ *http.Request, args *FulfillRequestArgs, reply *FulfillRequestReply) error {
	signature, err := hex.DecodeString(args.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if err := s.reqs.Fulfill(args.RequestID, signature); err != nil {
		return err
	}
	req, _ := s.reqs.Get(args.RequestID)
	reply.Status = string(req.Status)
	return nil
}

// RetryCallbackArgs are the arguments for RetryCallback
type RetryCallbackArgs struct {
	RequestID uint64 `json:"requestID"`
}

// RetryCallbackReply is the reply for RetryCallback
type RetryCallbackReply struct {
	Status string `json:"status"`
}

// RetryCallback re-attempts delivery for an errored request.
func (s *Service) RetryCallback(_ *http.Request, args *RetryCallbackArgs, reply *RetryCallbackReply) error {
	if err := s.reqs.Retry(args.RequestID); err != nil {
		return err
	}
	req, _ := s.reqs.Get(args.RequestID)
	reply.Status = string(req.Status)
	return nil
}

// GetRequestArgs are the arguments for GetRequest
type GetRequestArgs struct {
	RequestID uint64 `json:"requestID"`
}

// GetRequestReply is the reply for GetRequest
type GetRequestReply struct {
	SchemeID    string `json:"schemeID"`
	Message     string `json:"message"`
	MessageHash string `json:"messageHash"`
	Condition   string `json:"condition"`
	Target      string `json:"target"`
	Signature   string `json:"signature"`
	Status      string `json:"status"`
}

// GetRequest returns the stored request record.
func (s *Service) GetRequest(_ *http.Request, args *GetRequestArgs, reply *GetRequestReply) error {
	req, ok := s.reqs.Get(args.RequestID)
	if !ok {
		return fmt.Errorf("request %d not found", args.RequestID)
	}
	reply.SchemeID = req.SchemeID
	reply.Message = hex.EncodeToString(req.Message)
	reply.MessageHash = hex.EncodeToString(req.MessageHash)
	reply.Condition = hex.EncodeToString(req.Condition)
	reply.Target = req.Target.String()
	reply.Signature = hex.EncodeToString(req.Signature)
	reply.Status = string(req.Status)
	return nil
}

// ListRequestsArgs are the arguments for ListRequests
type ListRequestsArgs struct{}

// ListRequestsReply is the reply for ListRequests
type ListRequestsReply struct {
	Pending   []uint64 `json:"pending"`
	Fulfilled []uint64 `json:"fulfilled"`
	Errored   []uint64 `json:"errored"`
}

// ListRequests enumerates request ids by state.
func (s *Service) ListRequests(_ *http.Request, _ *ListRequestsArgs, reply *ListRequestsReply) error {
	reply.Pending = s.reqs.Pending()
	reply.Fulfilled = s.reqs.Fulfilled()
	reply.Errored = s.reqs.Errored()
	return nil
}

// GetPriceArgs are the arguments for GetPrice
type GetPriceArgs struct {
	CallbackBudget uint64 `json:"callbackBudget"`
}

// GetPriceReply is the reply for GetPrice
type GetPriceReply struct {
	Price string `json:"price"`
}

// GetPrice quotes a randomness request at the current rate.
func (s *Service) GetPrice(_ *http.Request, args *GetPriceArgs, reply *GetPriceReply) error {
	quote, err := s.layer.Quote(args.CallbackBudget)
	if err != nil {
		return err
	}
	reply.Price = quote.String()
	return nil
}

// RequestRandomnessArgs are the arguments for RequestRandomness
type RequestRandomnessArgs struct {
	Consumer       string `json:"consumer"`
	CallbackBudget uint64 `json:"callbackBudget"`
	SubscriptionID uint64 `json:"subscriptionID"` // 0 selects direct funding
	Prepaid        string `json:"prepaid"`        // decimal, direct funding only
}

// RequestRandomnessReply is the reply for RequestRandomness
type RequestRandomnessReply struct {
	RequestID uint64 `json:"requestID"`
}

// RequestRandomness admits a randomness request whose value is buffered for
// GetRandomness once delivered.
func (s *Service) RequestRandomness(_ *http.Request, args *RequestRandomnessArgs, reply *RequestRandomnessReply) error {
	consumer, err := ids.ShortFromString(args.Consumer)
	if err != nil {
		return fmt.Errorf("invalid consumer: %w", err)
	}
	var prepaid *uint256.Int
	if args.Prepaid != "" {
		if prepaid, err = uint256.FromDecimal(args.Prepaid); err != nil {
			return fmt.Errorf("invalid prepaid amount: %w", err)
		}
	}

	requestID, err := s.layer.RequestRandomness(consumer, args.CallbackBudget, args.SubscriptionID, prepaid, s)
	if err != nil {
		return err
	}
	reply.RequestID = requestID
	return nil
}

// GetRandomnessArgs are the arguments for GetRandomness
type GetRandomnessArgs struct {
	RequestID uint64 `json:"requestID"`
}

// GetRandomnessReply is the reply for GetRandomness
type GetRandomnessReply struct {
	Value string `json:"value"`
}

// GetRandomness returns the delivered value for an RPC-submitted randomness
// request.
func (s *Service) GetRandomness(_ *http.Request, args *GetRandomnessArgs, reply *GetRandomnessReply) error {
	s.mu.Lock()
	value, ok := s.delivered[args.RequestID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: request %d", errValueNotReady, args.RequestID)
	}
	reply.Value = hex.EncodeToString(value[:])
	return nil
}

// CreateSubscriptionArgs are the arguments for CreateSubscription
type CreateSubscriptionArgs struct {
	Owner string `json:"owner"`
}

// CreateSubscriptionReply is the reply for CreateSubscription
type CreateSubscriptionReply struct {
	SubscriptionID uint64 `json:"subscriptionID"`
}

// CreateSubscription opens a subscription account.
func (s *Service) CreateSubscription(_ *http.Request, args *CreateSubscriptionArgs, reply *CreateSubscriptionReply) error {
	owner, err := ids.ShortFromString(args.Owner)
	if err != nil {
		return fmt.Errorf("invalid owner: %w", err)
	}
	subID, err := s.subs.Create(owner)
	if err != nil {
		return err
	}
	reply.SubscriptionID = subID
	return nil
}

// FundSubscriptionArgs are the arguments for FundSubscription
type FundSubscriptionArgs struct {
	SubscriptionID uint64 `json:"subscriptionID"`
	Amount         string `json:"amount"` // decimal
}

// FundSubscriptionReply is the reply for FundSubscription
type FundSubscriptionReply struct {
	Balance string `json:"balance"`
}

// FundSubscription credits a subscription balance.
func (s *Service) FundSubscription(_ *http.Request, args *FundSubscriptionArgs, reply *FundSubscriptionReply) error {
	amount, err := uint256.FromDecimal(args.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	if err := s.subs.Fund(args.SubscriptionID, amount); err != nil {
		return err
	}
	balance, err := s.subs.Balance(args.SubscriptionID)
	if err != nil {
		return err
	}
	reply.Balance = balance.String()
	return nil
}

// ConsumerArgs are the arguments for AddConsumer and RemoveConsumer
type ConsumerArgs struct {
	SubscriptionID uint64 `json:"subscriptionID"`
	Caller         string `json:"caller"`
	Consumer       string `json:"consumer"`
}

// ConsumerReply is the reply for AddConsumer and RemoveConsumer
type ConsumerReply struct {
	Consumers []string `json:"consumers"`
}

// AddConsumer authorizes a consumer on a subscription.
func (s *Service) AddConsumer(_ *http.Request, args *ConsumerArgs, reply *ConsumerReply) error {
	return s.modifyConsumers(args, reply, s.subs.AddConsumer)
}

// RemoveConsumer revokes a consumer from a subscription.
func (s *Service) RemoveConsumer(_ *http.Request, args *ConsumerArgs, reply *ConsumerReply) error {
	return s.modifyConsumers(args, reply, s.subs.RemoveConsumer)
}

func (s *Service) modifyConsumers(args *ConsumerArgs, reply *ConsumerReply, op func(uint64, ids.ShortID, ids.ShortID) error) error {
	caller, err := ids.ShortFromString(args.Caller)
	if err != nil {
		return fmt.Errorf("invalid caller: %w", err)
	}
	consumer, err := ids.ShortFromString(args.Consumer)
	if err != nil {
		return fmt.Errorf("invalid consumer: %w", err)
	}
	if err := op(args.SubscriptionID, caller, consumer); err != nil {
		return err
	}
	acct, ok := s.subs.Get(args.SubscriptionID)
	if !ok {
		return fmt.Errorf("subscription %d not found", args.SubscriptionID)
	}
	for _, c := range acct.Consumers {
		reply.Consumers = append(reply.Consumers, c.String())
	}
	return nil
}

// OwnerTransferArgs are the arguments for ProposeOwner and AcceptOwner
type OwnerTransferArgs struct {
	SubscriptionID uint64 `json:"subscriptionID"`
	Caller         string `json:"caller"`
	Proposed       string `json:"proposed,omitempty"`
}

// OwnerTransferReply is the reply for ProposeOwner and AcceptOwner
type OwnerTransferReply struct {
	Owner string `json:"owner"`
}

// ProposeOwner starts a two-step ownership transfer.
func (s *Service) ProposeOwner(_ *http.Request, args *OwnerTransferArgs, reply *OwnerTransferReply) error {
	caller, err := ids.ShortFromString(args.Caller)
	if err != nil {
		return fmt.Errorf("invalid caller: %w", err)
	}
	proposed, err := ids.ShortFromString(args.Proposed)
	if err != nil {
		return fmt.Errorf("invalid proposed owner: %w", err)
	}
	if err := s.subs.ProposeOwner(args.SubscriptionID, caller, proposed); err != nil {
		return err
	}
	acct, _ := s.subs.Get(args.SubscriptionID)
	reply.Owner = acct.Owner.String()
	return nil
}

// AcceptOwner completes a proposed ownership transfer.
func (s *Service) AcceptOwner(_ *http.Request, args *OwnerTransferArgs, reply *OwnerTransferReply) error {
	caller, err := ids.ShortFromString(args.Caller)
	if err != nil {
		return fmt.Errorf("invalid caller: %w", err)
	}
	if err := s.subs.AcceptOwner(args.SubscriptionID, caller); err != nil {
		return err
	}
	acct, _ := s.subs.Get(args.SubscriptionID)
	reply.Owner = acct.Owner.String()
	return nil
}

// GetSubscriptionArgs are the arguments for GetSubscription
type GetSubscriptionArgs struct {
	SubscriptionID uint64 `json:"subscriptionID"`
}

// GetSubscriptionReply is the reply for GetSubscription
type GetSubscriptionReply struct {
	Owner     string   `json:"owner"`
	Balance   string   `json:"balance"`
	Consumers []string `json:"consumers"`
	Pending   bool     `json:"pending"`
}

// GetSubscription returns the subscription account state.
func (s *Service) GetSubscription(_ *http.Request, args *GetSubscriptionArgs, reply *GetSubscriptionReply) error {
	acct, ok := s.subs.Get(args.SubscriptionID)
	if !ok {
		return fmt.Errorf("subscription %d not found", args.SubscriptionID)
	}
	reply.Owner = acct.Owner.String()
	reply.Balance = acct.Balance.String()
	for _, c := range acct.Consumers {
		reply.Consumers = append(reply.Consumers, c.String())
	}
	reply.Pending = s.layer.HasPending(args.SubscriptionID)
	return nil
}

// CancelSubscriptionArgs are the arguments for CancelSubscription
type CancelSubscriptionArgs struct {
	SubscriptionID uint64 `json:"subscriptionID"`
	Caller         string `json:"caller"`
	Recipient      string `json:"recipient"`
}

// CancelSubscriptionReply is the reply for CancelSubscription
type CancelSubscriptionReply struct {
	Residual string `json:"residual"`
}

// CancelSubscription closes the account and reports the residual balance
// owed to the recipient.
func (s *Service) CancelSubscription(_ *http.Request, args *CancelSubscriptionArgs, reply *CancelSubscriptionReply) error {
	caller, err := ids.ShortFromString(args.Caller)
	if err != nil {
		return fmt.Errorf("invalid caller: %w", err)
	}
	recipient, err := ids.ShortFromString(args.Recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	residual, err := s.subs.Cancel(args.SubscriptionID, caller, recipient)
	if err != nil {
		return err
	}
	reply.Residual = residual.String()
	return nil
}
