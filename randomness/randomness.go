// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package randomness turns verified threshold signatures into consumer-facing
// random values and settles the billing for each delivery.
package randomness

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"golang.org/x/crypto/sha3"

	"github.com/luxfi/randbeacon/config"
	"github.com/luxfi/randbeacon/fees"
	"github.com/luxfi/randbeacon/ledger"
	"github.com/luxfi/randbeacon/metrics"
	"github.com/luxfi/randbeacon/subscription"
)

var (
	ErrBudgetTooLarge       = errors.New("callback budget exceeds configured cap")
	ErrInsufficientFunds    = errors.New("prepaid amount below quoted price")
	ErrUnauthorizedConsumer = errors.New("consumer not authorized on subscription")
	ErrUnknownRequest       = errors.New("request not tracked by randomness layer")
	ErrNoRandomnessReceiver = errors.New("no randomness receiver attached")

	recordPrefix = []byte("rand:")
	nonceKey     = []byte("meta:randNonce")
)

// RandomnessReceiver consumes the delivered random value.
type RandomnessReceiver interface {
	ReceiveRandomness(requestID uint64, value [32]byte) error
}

// Requests is the slice of the request ledger the layer drives.
type Requests interface {
	Submit(schemeID string, message, condition []byte, target ids.ShortID, callback ledger.Receiver) (uint64, error)
	RegisterReceiver(requestID uint64, cb ledger.Receiver) error
}

// Billing is the slice of the subscription ledger the layer needs:
// admission-time authorization and settlement-time debits.
type Billing interface {
	IsAuthorized(subID uint64, caller ids.ShortID) (bool, error)
	Debit(subID uint64, amount *uint256.Int) error
}

// record tracks one randomness request from submission to settled delivery.
type record struct {
	RequestID uint64       `json:"requestId"`
	SubID     uint64       `json:"subId"` // 0 means direct funding
	Budget    uint64       `json:"budget"`
	Consumer  ids.ShortID  `json:"consumer"`
	Prepaid   *uint256.Int `json:"prepaid,omitempty"` // direct funding only
	Settled   bool         `json:"settled"`

	cb RandomnessReceiver
}

var _ ledger.Receiver = (*Layer)(nil)
var _ subscription.PendingGuard = (*Layer)(nil)
var _ Billing = (*subscription.Ledger)(nil)

// Layer sits between consumers and the request ledger. It derives a unique
// message per request, admits it under the configured scheme, receives the
// verified signature back and hashes it into the delivered value.
type Layer struct {
	log     log.Logger
	metrics metrics.Metrics
	db      database.Database

	requests  Requests
	subs      Billing
	estimator *fees.Estimator

	schemeID  string
	domainTag []byte
	maxBudget uint64

	mu      sync.Mutex
	nonce   uint64
	records map[uint64]*record
	perSub  map[uint64]int // in-flight request count per subscription
}

// New restores in-flight records from db and re-registers the layer as their
// ledger receiver. Per-request randomness receivers are process-local; after
// a restart they must be re-attached via RegisterReceiver before a retry can
// deliver.
func New(
	cfg config.Config,
	db database.Database,
	requests Requests,
	subs Billing,
	estimator *fees.Estimator,
	logger log.Logger,
	m metrics.Metrics,
) (*Layer, error) {
	l := &Layer{
		log:       logger,
		metrics:   m,
		db:        db,
		requests:  requests,
		subs:      subs,
		estimator: estimator,
		schemeID:  cfg.SchemeID,
		domainTag: []byte(cfg.DomainTag),
		maxBudget: cfg.MaxCallbackBudget,
		records:   make(map[uint64]*record),
		perSub:    make(map[uint64]int),
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("failed to load randomness records: %w", err)
	}
	for id := range l.records {
		if err := requests.RegisterReceiver(id, l); err != nil {
			logger.Warn("stale randomness record",
				log.Uint64("requestID", id),
				log.String("error", err.Error()),
			)
		}
	}
	return l, nil
}

// Quote prices a request at the current rate.
func (l *Layer) Quote(callbackBudget uint64) (*uint256.Int, error) {
	if callbackBudget > l.maxBudget {
		return nil, fmt.Errorf("%w: %d > %d", ErrBudgetTooLarge, callbackBudget, l.maxBudget)
	}
	return l.estimator.CalculatePrice(callbackBudget), nil
}

// RequestRandomness admits a randomness request. Direct funding (subID zero)
// requires prepaid to cover the quote up front; subscription mode only checks
// authorization here and debits at settlement, at the rate current then.
func (l *Layer) RequestRandomness(
	consumer ids.ShortID,
	callbackBudget uint64,
	subID uint64,
	prepaid *uint256.Int,
	cb RandomnessReceiver,
) (uint64, error) {
	quote, err := l.Quote(callbackBudget)
	if err != nil {
		return 0, err
	}

	if subID == 0 {
		if prepaid == nil || prepaid.Lt(quote) {
			return 0, fmt.Errorf("%w: quoted %s", ErrInsufficientFunds, quote)
		}
	} else {
		// Count the request in-flight BEFORE checking authorization. The
		// subscription ledger consults HasPending under its own lock, so
		// once the reservation is visible a concurrent RemoveConsumer or
		// Cancel is rejected; if one completed just before, the
		// authorization check below sees its effect and we back out.
		l.reserveSub(subID)
		authorized, err := l.subs.IsAuthorized(subID, consumer)
		if err != nil {
			l.releaseSub(subID)
			return 0, err
		}
		if !authorized {
			l.releaseSub(subID)
			return 0, fmt.Errorf("%w: %s on subscription %d",
				ErrUnauthorizedConsumer, consumer, subID)
		}
	}

	l.mu.Lock()
	l.nonce++
	message := l.deriveMessage(l.nonce, consumer)
	l.mu.Unlock()

	// Submit is called without the layer lock held: the ledger dispatches
	// callbacks under its own lock and those callbacks take ours.
	requestID, err := l.requests.Submit(l.schemeID, message, nil, consumer, l)
	if err != nil {
		l.releaseSub(subID)
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &record{
		RequestID: requestID,
		SubID:     subID,
		Budget:    callbackBudget,
		Consumer:  consumer,
		cb:        cb,
	}
	if subID == 0 {
		rec.Prepaid = new(uint256.Int).Set(prepaid)
	}
	l.records[requestID] = rec
	if err := l.persist(rec); err != nil {
		// The request is live in the ledger either way; losing the disk
		// copy only weakens restart recovery for this one record.
		l.log.Error("failed to persist randomness record",
			log.Uint64("requestID", requestID),
			log.String("error", err.Error()),
		)
	}

	if subID == 0 {
		// Direct funding collects at admission.
		l.metrics.IncFeeCollected()
	}
	l.log.Info("randomness requested",
		log.Uint64("requestID", requestID),
		log.Uint64("subID", subID),
		log.Uint64("budget", callbackBudget),
	)
	return requestID, nil
}

// RegisterReceiver re-attaches a randomness receiver after a restart dropped
// the in-memory one.
func (l *Layer) RegisterReceiver(requestID uint64, cb RandomnessReceiver) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[requestID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRequest, requestID)
	}
	rec.cb = cb
	return nil
}

// ReceiveSignature is the ledger callback. The random value is the keccak-256
// digest of the verified signature. Delivery runs first; billing settles
// after and exactly once, so a retried callback never double-charges.
func (l *Layer) ReceiveSignature(requestID uint64, signature []byte) error {
	l.mu.Lock()
	rec, ok := l.records[requestID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownRequest, requestID)
	}
	cb := rec.cb
	l.mu.Unlock()

	if cb == nil {
		return fmt.Errorf("%w: %d", ErrNoRandomnessReceiver, requestID)
	}

	var value [32]byte
	h := sha3.NewLegacyKeccak256()
	h.Write(signature)
	copy(value[:], h.Sum(nil))

	if err := cb.ReceiveRandomness(requestID, value); err != nil {
		return fmt.Errorf("consumer rejected randomness for request %d: %w", requestID, err)
	}

	// Settle while the request is still counted in-flight: the pending
	// guard must keep blocking Cancel until the fee debit has landed, or a
	// cancellation racing this window walks away with the residual before
	// the debit. The layer lock is not held here; the subscription ledger
	// holds its own lock while consulting HasPending.
	l.settle(rec)

	l.mu.Lock()
	delete(l.records, requestID)
	l.mu.Unlock()
	l.releaseSub(rec.SubID)

	if err := l.db.Delete(recordKey(requestID)); err != nil {
		l.log.Error("failed to drop randomness record",
			log.Uint64("requestID", requestID),
			log.String("error", err.Error()),
		)
	}
	return nil
}

// settle debits the subscription for a delivered request. An insufficient
// balance is logged and counted, never blocks the delivery that already
// happened.
func (l *Layer) settle(rec *record) {
	if rec.SubID == 0 || rec.Settled {
		return
	}
	rec.Settled = true

	fee := l.estimator.CalculatePrice(rec.Budget)
	if err := l.subs.Debit(rec.SubID, fee); err != nil {
		l.metrics.IncNoCollection()
		l.log.Warn("fee not collected",
			log.Uint64("requestID", rec.RequestID),
			log.Uint64("subID", rec.SubID),
			log.String("fee", fee.String()),
			log.String("error", err.Error()),
		)
		return
	}
	l.metrics.IncFeeCollected()
}

// HasPending reports whether the subscription has requests awaiting delivery.
func (l *Layer) HasPending(subID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.perSub[subID] > 0
}

func (l *Layer) reserveSub(subID uint64) {
	if subID == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.perSub[subID]++
}

func (l *Layer) releaseSub(subID uint64) {
	if subID == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.perSub[subID]--; l.perSub[subID] <= 0 {
		delete(l.perSub, subID)
	}
}

func (l *Layer) deriveMessage(nonce uint64, consumer ids.ShortID) []byte {
	msg := make([]byte, 0, len(l.domainTag)+8+len(consumer))
	msg = append(msg, l.domainTag...)
	msg = binary.BigEndian.AppendUint64(msg, nonce)
	msg = append(msg, consumer[:]...)
	return msg
}

func recordKey(id uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], id)
	return key
}

func (l *Layer) persist(rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := l.db.Put(recordKey(rec.RequestID), raw); err != nil {
		return err
	}
	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, l.nonce)
	return l.db.Put(nonceKey, nonce)
}

func (l *Layer) load() error {
	raw, err := l.db.Get(nonceKey)
	switch {
	case err == nil:
		l.nonce = binary.BigEndian.Uint64(raw)
	case errors.Is(err, database.ErrNotFound):
	default:
		return err
	}

	iter := l.db.NewIteratorWithPrefix(recordPrefix)
	defer iter.Release()

	for iter.Next() {
		rec := &record{}
		if err := json.Unmarshal(iter.Value(), rec); err != nil {
			return err
		}
		l.records[rec.RequestID] = rec
		if rec.SubID != 0 {
			l.perSub[rec.SubID]++
		}
	}
	return iter.Error()
}
