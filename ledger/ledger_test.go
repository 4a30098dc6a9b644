// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"crypto/rand"
	"errors"
	"math/big"
	"testing"

	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/randbeacon/bls"
	"github.com/luxfi/randbeacon/bn254"
	"github.com/luxfi/randbeacon/config"
	"github.com/luxfi/randbeacon/metrics"
)

type recordingReceiver struct {
	received map[uint64][]byte
	err      error
}

func newRecordingReceiver() *recordingReceiver {
	return &recordingReceiver{received: make(map[uint64][]byte)}
}

func (r *recordingReceiver) ReceiveSignature(requestID uint64, signature []byte) error {
	if r.err != nil {
		return r.err
	}
	r.received[requestID] = signature
	return nil
}

type panicReceiver struct{}

func (panicReceiver) ReceiveSignature(uint64, []byte) error {
	panic("callback blew up")
}

func testScheme(t *testing.T) (*bls.Scheme, *big.Int) {
	t.Helper()

	sk, err := rand.Int(rand.Reader, bn254.GroupOrder)
	require.NoError(t, err)
	require.NotZero(t, sk.Sign())

	pub, err := bls.PublicKey(sk)
	require.NoError(t, err)

	scheme, err := bls.NewScheme("BN254", pub, bls.NewVerifier())
	require.NoError(t, err)
	return scheme, sk
}

func testLedger(t *testing.T) (*Ledger, *bls.Scheme, *big.Int) {
	t.Helper()

	scheme, sk := testScheme(t)
	registry := NewRegistry()
	require.NoError(t, registry.Register(scheme))

	l, err := New(config.DefaultConfig(), memdb.New(), registry, log.NoLog{}, metrics.Noop{})
	require.NoError(t, err)
	return l, scheme, sk
}

type flakyDB struct {
	database.Database

	failPuts bool
}

func (db *flakyDB) Put(key, value []byte) error {
	if db.failPuts {
		return errors.New("disk full")
	}
	return db.Database.Put(key, value)
}

func TestSubmitRollsBackOnPersistFailure(t *testing.T) {
	require := require.New(t)

	scheme, _ := testScheme(t)
	registry := NewRegistry()
	require.NoError(registry.Register(scheme))
	db := &flakyDB{Database: memdb.New()}

	l, err := New(config.DefaultConfig(), db, registry, log.NoLog{}, metrics.Noop{})
	require.NoError(err)

	db.failPuts = true
	_, err = l.Submit("BN254", []byte("msg"), nil, ids.ShortEmpty, newRecordingReceiver())
	require.Error(err)

	// The failed admission left no trace: no id burned, nothing pending.
	require.Zero(l.LastRequestID())
	require.Empty(l.Pending())
	_, ok := l.Get(1)
	require.False(ok)

	db.failPuts = false
	id, err := l.Submit("BN254", []byte("msg"), nil, ids.ShortEmpty, nil)
	require.NoError(err)
	require.Equal(uint64(1), id)
}

func TestSubmitValidation(t *testing.T) {
	require := require.New(t)
	l, _, _ := testLedger(t)

	_, err := l.Submit("nope", []byte("msg"), nil, ids.ShortEmpty, nil)
	require.ErrorIs(err, ErrUnsupportedScheme)

	_, err = l.Submit("BN254", nil, nil, ids.ShortEmpty, nil)
	require.ErrorIs(err, ErrInvalidMessage)

	oversized := make([]byte, config.DefaultConfig().MaxMessageLen+1)
	_, err = l.Submit("BN254", oversized, nil, ids.ShortEmpty, nil)
	require.ErrorIs(err, ErrInvalidMessage)

	_, err = l.Submit("BN254", []byte("msg"), make([]byte, 32), ids.ShortEmpty, nil)
	require.ErrorIs(err, ErrInvalidCondition)
}

func TestSubmitAssignsSequentialIDs(t *testing.T) {
	require := require.New(t)
	l, _, _ := testLedger(t)

	for want := uint64(1); want <= 5; want++ {
		id, err := l.Submit("BN254", []byte("msg"), nil, ids.ShortEmpty, nil)
		require.NoError(err)
		require.Equal(want, id)
	}
	require.Equal(uint64(5), l.LastRequestID())
	require.Len(l.Pending(), 5)
}

func TestFulfillRejectsBadSignatureKeepsPending(t *testing.T) {
	require := require.New(t)
	l, _, sk := testLedger(t)

	cb := newRecordingReceiver()
	id, err := l.Submit("BN254", []byte("round 7"), nil, ids.GenerateTestShortID(), cb)
	require.NoError(err)

	// A valid group element that signs the wrong message.
	wrong, err := bls.NewVerifier().Sign([]byte("round 8"), sk)
	require.NoError(err)
	err = l.Fulfill(id, wrong)
	require.ErrorIs(err, ErrInvalidSignature)
	require.True(l.IsInFlight(id))
	require.Empty(cb.received)

	// The request survives the rejection; a correct signature still lands.
	sig, err := bls.NewVerifier().Sign([]byte("round 7"), sk)
	require.NoError(err)
	require.NoError(l.Fulfill(id, sig))

	req, ok := l.Get(id)
	require.True(ok)
	require.Equal(StatusFulfilled, req.Status)
	require.Equal(sig, cb.received[id])
	require.False(l.IsInFlight(id))
}

func TestFulfillIsAtMostOnce(t *testing.T) {
	require := require.New(t)
	l, _, sk := testLedger(t)

	cb := newRecordingReceiver()
	id, err := l.Submit("BN254", []byte("once"), nil, ids.ShortEmpty, cb)
	require.NoError(err)

	sig, err := bls.NewVerifier().Sign([]byte("once"), sk)
	require.NoError(err)
	require.NoError(l.Fulfill(id, sig))

	require.ErrorIs(l.Fulfill(id, sig), ErrUnknownOrResolved)
	require.ErrorIs(l.Fulfill(9999, sig), ErrUnknownOrResolved)
	require.Len(cb.received, 1)
}

func TestCallbackFailureMovesToErroredThenRetrySucceeds(t *testing.T) {
	require := require.New(t)
	l, _, sk := testLedger(t)

	cb := newRecordingReceiver()
	cb.err = errors.New("consumer offline")
	id, err := l.Submit("BN254", []byte("flaky"), nil, ids.ShortEmpty, cb)
	require.NoError(err)

	sig, err := bls.NewVerifier().Sign([]byte("flaky"), sk)
	require.NoError(err)

	// Fulfill succeeds even though the callback fails; the request parks
	// in the errored set with the verified signature stored.
	require.NoError(l.Fulfill(id, sig))
	require.True(l.HasErrored(id))
	require.True(l.IsInFlight(id))

	req, ok := l.Get(id)
	require.True(ok)
	require.Equal(StatusErrored, req.Status)
	require.Equal(sig, req.Signature)

	// Retry with the consumer still down leaves it errored.
	require.NoError(l.Retry(id))
	require.True(l.HasErrored(id))

	// Consumer recovers; retry delivers the stored signature.
	cb.err = nil
	require.NoError(l.Retry(id))
	require.False(l.HasErrored(id))
	require.Equal(sig, cb.received[id])

	req, ok = l.Get(id)
	require.True(ok)
	require.Equal(StatusFulfilled, req.Status)

	require.ErrorIs(l.Retry(id), ErrNotErrored)
}

func TestRetryRequiresErroredState(t *testing.T) {
	require := require.New(t)
	l, _, _ := testLedger(t)

	id, err := l.Submit("BN254", []byte("msg"), nil, ids.ShortEmpty, newRecordingReceiver())
	require.NoError(err)

	require.ErrorIs(l.Retry(id), ErrNotErrored)
	require.ErrorIs(l.Retry(12345), ErrNotErrored)
}

func TestPanickingCallbackIsContained(t *testing.T) {
	require := require.New(t)
	l, _, sk := testLedger(t)

	id, err := l.Submit("BN254", []byte("boom"), nil, ids.ShortEmpty, panicReceiver{})
	require.NoError(err)

	sig, err := bls.NewVerifier().Sign([]byte("boom"), sk)
	require.NoError(err)
	require.NoError(l.Fulfill(id, sig))
	require.True(l.HasErrored(id))
}

func TestSetsStayDisjoint(t *testing.T) {
	require := require.New(t)
	l, _, sk := testLedger(t)

	good := newRecordingReceiver()
	bad := newRecordingReceiver()
	bad.err = errors.New("down")

	idPending, err := l.Submit("BN254", []byte("a"), nil, ids.ShortEmpty, good)
	require.NoError(err)
	idFulfilled, err := l.Submit("BN254", []byte("b"), nil, ids.ShortEmpty, good)
	require.NoError(err)
	idErrored, err := l.Submit("BN254", []byte("c"), nil, ids.ShortEmpty, bad)
	require.NoError(err)

	sigB, err := bls.NewVerifier().Sign([]byte("b"), sk)
	require.NoError(err)
	require.NoError(l.Fulfill(idFulfilled, sigB))
	sigC, err := bls.NewVerifier().Sign([]byte("c"), sk)
	require.NoError(err)
	require.NoError(l.Fulfill(idErrored, sigC))

	seen := make(map[uint64]int)
	for _, id := range l.Pending() {
		seen[id]++
	}
	for _, id := range l.Fulfilled() {
		seen[id]++
	}
	for _, id := range l.Errored() {
		seen[id]++
	}
	require.Equal(map[uint64]int{idPending: 1, idFulfilled: 1, idErrored: 1}, seen)
}

func TestObserverNotifications(t *testing.T) {
	require := require.New(t)
	l, _, sk := testLedger(t)

	obs := &recordingObserver{}
	l.AddObserver(obs)

	bad := newRecordingReceiver()
	bad.err = errors.New("down")
	id, err := l.Submit("BN254", []byte("watched"), nil, ids.ShortEmpty, bad)
	require.NoError(err)
	require.Len(obs.created, 1)
	require.Equal(id, obs.created[0].ID)
	require.Len(obs.created[0].MessageHash, bn254.G1ByteLen)

	sig, err := bls.NewVerifier().Sign([]byte("watched"), sk)
	require.NoError(err)
	require.NoError(l.Fulfill(id, sig))
	require.Len(obs.failed, 1)
	require.Equal(id, obs.failed[0])
}

type recordingObserver struct {
	created []*Request
	failed  []uint64
}

func (o *recordingObserver) RequestCreated(req *Request) {
	o.created = append(o.created, req)
}

func (o *recordingObserver) CallbackFailed(requestID uint64, _ error) {
	o.failed = append(o.failed, requestID)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	require := require.New(t)

	scheme, sk := testScheme(t)
	registry := NewRegistry()
	require.NoError(registry.Register(scheme))
	db := memdb.New()

	l, err := New(config.DefaultConfig(), db, registry, log.NoLog{}, metrics.Noop{})
	require.NoError(err)

	bad := newRecordingReceiver()
	bad.err = errors.New("down")
	idPending, err := l.Submit("BN254", []byte("p"), []byte{1, 2, 3}, ids.ShortEmpty, nil)
	require.NoError(err)
	idErrored, err := l.Submit("BN254", []byte("e"), nil, ids.ShortEmpty, bad)
	require.NoError(err)
	sig, err := bls.NewVerifier().Sign([]byte("e"), sk)
	require.NoError(err)
	require.NoError(l.Fulfill(idErrored, sig))
	require.True(l.HasErrored(idErrored))

	// Reload from the same database.
	l2, err := New(config.DefaultConfig(), db, registry, log.NoLog{}, metrics.Noop{})
	require.NoError(err)
	require.Equal(l.LastRequestID(), l2.LastRequestID())
	require.Equal([]uint64{idPending}, l2.Pending())
	require.True(l2.HasErrored(idErrored))

	req, ok := l2.Get(idErrored)
	require.True(ok)
	require.Equal(sig, req.Signature)

	// Receivers do not survive the restart; retry needs re-registration.
	require.NoError(l2.Retry(idErrored))
	require.True(l2.HasErrored(idErrored))

	cb := newRecordingReceiver()
	require.NoError(l2.RegisterReceiver(idErrored, cb))
	require.NoError(l2.Retry(idErrored))
	require.False(l2.HasErrored(idErrored))
	require.Equal(sig, cb.received[idErrored])

	// The counter keeps advancing without reusing identifiers.
	next, err := l2.Submit("BN254", []byte("next"), nil, ids.ShortEmpty, nil)
	require.NoError(err)
	require.Equal(idErrored+1, next)
}
