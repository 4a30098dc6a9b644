// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger tracks conditional signature requests: admission, at-most-once
// fulfillment against a verified threshold signature, callback dispatch and
// the errored/retry recovery path.
package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/randbeacon/config"
	"github.com/luxfi/randbeacon/metrics"
	"github.com/luxfi/randbeacon/utils/idset"
)

var (
	ErrInvalidMessage    = errors.New("message length out of bounds")
	ErrInvalidCondition  = errors.New("condition must not be all-zero bytes")
	ErrUnknownOrResolved = errors.New("request unknown or already resolved")
	ErrInvalidSignature  = errors.New("signature failed verification")
	ErrNotErrored        = errors.New("request is not in the errored set")
	ErrCallbackTimeout   = errors.New("callback exceeded its execution budget")
	ErrNoReceiver        = errors.New("no callback receiver registered for request")

	requestPrefix = []byte("request:")
	lastIDKey     = []byte("meta:lastRequestID")
)

// Ledger is the request state machine. Every mutating operation executes
// atomically under one mutex, reproducing the serial execution model the
// reference design assumes; callbacks run inside that critical section and
// must not call back into the ledger.
type Ledger struct {
	log     log.Logger
	metrics metrics.Metrics
	db      database.Database

	registry        SchemeRegistry
	callbackTimeout time.Duration
	maxMessageLen   int
	maxConditionLen int

	mu        sync.Mutex
	lastID    uint64
	requests  map[uint64]*Request
	receivers map[uint64]Receiver
	pending   *idset.Set
	fulfilled *idset.Set
	errored   *idset.Set
	observers []Observer
}

// New restores any persisted requests from db and returns the ledger.
// Receivers are process-local and must be re-registered after a restart via
// RegisterReceiver before errored requests can be retried.
func New(cfg config.Config, db database.Database, registry SchemeRegistry, logger log.Logger, m metrics.Metrics) (*Ledger, error) {
	l := &Ledger{
		log:             logger,
		metrics:         m,
		db:              db,
		registry:        registry,
		callbackTimeout: cfg.CallbackTimeout,
		maxMessageLen:   cfg.MaxMessageLen,
		maxConditionLen: cfg.MaxConditionLen,
		requests:        make(map[uint64]*Request),
		receivers:       make(map[uint64]Receiver),
		pending:         idset.New(),
		fulfilled:       idset.New(),
		errored:         idset.New(),
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("failed to load ledger state: %w", err)
	}
	return l, nil
}

// AddObserver registers an observer for request lifecycle notifications.
func (l *Ledger) AddObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.observers = append(l.observers, o)
}

// RegisterReceiver attaches a callback receiver to an existing request,
// typically after a restart dropped the in-memory receiver table.
func (l *Ledger) RegisterReceiver(requestID uint64, cb Receiver) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.requests[requestID]; !ok {
		return ErrUnknownOrResolved
	}
	l.receivers[requestID] = cb
	return nil
}

// Submit admits a request and returns its identifier. Identifiers are
// assigned from a gap-free monotone counter owned by this ledger instance.
// A request-created notification carrying the message digest is emitted for
// off-chain signers.
func (l *Ledger) Submit(schemeID string, message, condition []byte, target ids.ShortID, callback Receiver) (uint64, error) {
	if !l.registry.IsSupported(schemeID) {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedScheme, schemeID)
	}
	if len(message) == 0 || len(message) > l.maxMessageLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(message))
	}
	if len(condition) > l.maxConditionLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(condition))
	}
	if len(condition) > 0 && bytes.Equal(condition, make([]byte, len(condition))) {
		return 0, ErrInvalidCondition
	}

	scheme, err := l.registry.Get(schemeID)
	if err != nil {
		return 0, err
	}
	digest, err := scheme.HashToPoint(message)
	if err != nil {
		return 0, fmt.Errorf("failed to hash message: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastID++
	req := &Request{
		ID:          l.lastID,
		SchemeID:    schemeID,
		Message:     append([]byte{}, message...),
		MessageHash: digest,
		Condition:   append([]byte{}, condition...),
		Target:      target,
		Status:      StatusPending,
	}
	l.requests[req.ID] = req
	if callback != nil {
		l.receivers[req.ID] = callback
	}
	l.pending.Add(req.ID)

	if err := l.persist(req); err != nil {
		// Undo the admission so memory and disk agree and the id can be
		// reissued.
		delete(l.requests, req.ID)
		delete(l.receivers, req.ID)
		l.pending.Remove(req.ID)
		l.lastID--
		return 0, err
	}
	l.metrics.IncSubmitted()

	for _, o := range l.observers {
		o.RequestCreated(req)
	}

	l.log.Info("request submitted",
		log.Uint64("requestID", req.ID),
		log.String("scheme", schemeID),
		log.Int("messageLen", len(message)),
		log.Int("conditionLen", len(condition)),
	)
	return req.ID, nil
}

// Fulfill verifies signature for a pending request and, on success,
// dispatches the callback. A signature that fails the pairing check leaves
// the request pending so the signer can supply a corrected one. A callback
// failure never unwinds the verification: the signature is persisted and the
// request parks in the errored set for Retry.
func (l *Ledger) Fulfill(requestID uint64, signature []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.pending.Contains(requestID) {
		return ErrUnknownOrResolved
	}
	req := l.requests[requestID]

	scheme, err := l.registry.Get(req.SchemeID)
	if err != nil {
		return err
	}
	ok, err := scheme.Verify(req.MessageHash, signature, scheme.PublicKey())
	if err != nil {
		return fmt.Errorf("verification fault for request %d: %w", requestID, err)
	}
	if !ok {
		l.metrics.IncVerifyFailed()
		return fmt.Errorf("%w: request %d", ErrInvalidSignature, requestID)
	}

	req.Signature = append([]byte{}, signature...)
	l.pending.Remove(requestID)

	if cbErr := l.dispatch(requestID, req.Signature); cbErr != nil {
		l.toErrored(req, cbErr)
		return nil
	}
	l.toFulfilled(req)
	return nil
}

// Retry re-dispatches the stored, already-verified signature of an errored
// request. Retries are caller-triggered only; an idle errored request stays
// errored indefinitely.
func (l *Ledger) Retry(requestID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.errored.Contains(requestID) {
		return fmt.Errorf("%w: request %d", ErrNotErrored, requestID)
	}
	req := l.requests[requestID]
	l.metrics.IncRetried()

	if cbErr := l.dispatch(requestID, req.Signature); cbErr != nil {
		for _, o := range l.observers {
			o.CallbackFailed(requestID, cbErr)
		}
		l.log.Warn("retry failed",
			log.Uint64("requestID", requestID),
			log.String("error", cbErr.Error()),
		)
		return nil
	}

	l.errored.Remove(requestID)
	l.toFulfilled(req)
	return nil
}

// dispatch invokes the receiver with a wall-clock execution budget. Panics
// and timeouts are demoted to errors; the ledger's own state change must
// never be unwound by a misbehaving callback.
func (l *Ledger) dispatch(requestID uint64, signature []byte) error {
	cb, ok := l.receivers[requestID]
	if !ok || cb == nil {
		return ErrNoReceiver
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("callback panic: %v", r)
			}
		}()
		done <- cb.ReceiveSignature(requestID, signature)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(l.callbackTimeout):
		return ErrCallbackTimeout
	}
}

func (l *Ledger) toFulfilled(req *Request) {
	req.Status = StatusFulfilled
	l.fulfilled.Add(req.ID)
	if err := l.persist(req); err != nil {
		l.log.Error("failed to persist fulfilled request",
			log.Uint64("requestID", req.ID),
			log.String("error", err.Error()),
		)
	}
	l.metrics.IncFulfilled()
	l.log.Info("request fulfilled", log.Uint64("requestID", req.ID))
}

func (l *Ledger) toErrored(req *Request, cbErr error) {
	req.Status = StatusErrored
	l.errored.Add(req.ID)
	if err := l.persist(req); err != nil {
		l.log.Error("failed to persist errored request",
			log.Uint64("requestID", req.ID),
			log.String("error", err.Error()),
		)
	}
	l.metrics.IncErrored()
	for _, o := range l.observers {
		o.CallbackFailed(req.ID, cbErr)
	}
	l.log.Warn("callback failed, request errored",
		log.Uint64("requestID", req.ID),
		log.String("error", cbErr.Error()),
	)
}

// IsInFlight reports whether the request still awaits a successful callback:
// pending or errored.
func (l *Ledger) IsInFlight(requestID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pending.Contains(requestID) || l.errored.Contains(requestID)
}

func (l *Ledger) HasErrored(requestID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.errored.Contains(requestID)
}

// Pending enumerates the pending set; O(n), no ordering guarantee.
func (l *Ledger) Pending() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pending.List()
}

func (l *Ledger) Fulfilled() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.fulfilled.List()
}

func (l *Ledger) Errored() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.errored.List()
}

// Get returns a copy of the stored request.
func (l *Ledger) Get(requestID uint64) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.requests[requestID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// LastRequestID returns the most recently assigned identifier.
func (l *Ledger) LastRequestID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lastID
}

func requestKey(id uint64) []byte {
	key := make([]byte, len(requestPrefix)+8)
	copy(key, requestPrefix)
	binary.BigEndian.PutUint64(key[len(requestPrefix):], id)
	return key
}

func (l *Ledger) persist(req *Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := l.db.Put(requestKey(req.ID), raw); err != nil {
		return err
	}
	lastID := make([]byte, 8)
	binary.BigEndian.PutUint64(lastID, l.lastID)
	return l.db.Put(lastIDKey, lastID)
}

func (l *Ledger) load() error {
	raw, err := l.db.Get(lastIDKey)
	switch {
	case err == nil:
		l.lastID = binary.BigEndian.Uint64(raw)
	case errors.Is(err, database.ErrNotFound):
		// Fresh ledger.
	default:
		return err
	}

	iter := l.db.NewIteratorWithPrefix(requestPrefix)
	defer iter.Release()

	for iter.Next() {
		req := &Request{}
		if err := json.Unmarshal(iter.Value(), req); err != nil {
			return err
		}
		l.requests[req.ID] = req
		switch req.Status {
		case StatusPending:
			l.pending.Add(req.ID)
		case StatusFulfilled:
			l.fulfilled.Add(req.ID)
		case StatusErrored:
			l.errored.Add(req.ID)
		}
		if req.ID > l.lastID {
			l.lastID = req.ID
		}
	}
	return iter.Error()
}
