// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package subscription implements prepaid billing accounts: a shared balance,
// an owner-managed consumer list and a two-step ownership transfer.
package subscription

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
)

var (
	ErrUnknownSubscription  = errors.New("unknown subscription")
	ErrNotOwner             = errors.New("caller is not the subscription owner")
	ErrNotProposedOwner     = errors.New("caller is not the proposed owner")
	ErrUnknownConsumer      = errors.New("consumer not registered on subscription")
	ErrTooManyConsumers     = errors.New("consumer limit reached")
	ErrInsufficientBalance  = errors.New("subscription balance too low")
	ErrPendingRequestExists = errors.New("subscription has in-flight requests")
	ErrZeroFunding          = errors.New("funding amount must be positive")

	subPrefix = []byte("sub:")
	seqKey    = []byte("meta:subSequence")
)

// PendingGuard reports whether a subscription still has in-flight requests.
// The randomness layer implements it; consumer removal and cancellation are
// blocked while the guard holds.
type PendingGuard interface {
	HasPending(subID uint64) bool
}

// Account is the persisted state of one subscription.
type Account struct {
	ID            uint64        `json:"id"`
	Owner         ids.ShortID   `json:"owner"`
	ProposedOwner *ids.ShortID  `json:"proposedOwner,omitempty"`
	Balance       *uint256.Int  `json:"balance"`
	Consumers     []ids.ShortID `json:"consumers"`
}

// Ledger manages subscription accounts. All operations run under one mutex.
type Ledger struct {
	log          log.Logger
	db           database.Database
	guard        PendingGuard
	maxConsumers int

	mu       sync.Mutex
	sequence uint64
	accounts map[uint64]*Account
}

// New restores persisted accounts from db. The pending guard may be set later
// via SetPendingGuard when the randomness layer is constructed second.
func New(db database.Database, maxConsumers int, logger log.Logger) (*Ledger, error) {
	l := &Ledger{
		log:          logger,
		db:           db,
		maxConsumers: maxConsumers,
		accounts:     make(map[uint64]*Account),
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	return l, nil
}

func (l *Ledger) SetPendingGuard(g PendingGuard) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.guard = g
}

// Create opens a subscription with a zero balance and an empty consumer
// list; the owner is authorized implicitly and never occupies a consumer
// slot. The id is derived from the owner and a ledger sequence so ids never
// collide or come out zero.
func (l *Ledger) Create(owner ids.ShortID) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var id uint64
	for {
		l.sequence++
		id = deriveID(owner, l.sequence)
		if id != 0 {
			if _, ok := l.accounts[id]; !ok {
				break
			}
		}
	}

	acct := &Account{
		ID:      id,
		Owner:   owner,
		Balance: uint256.NewInt(0),
	}
	l.accounts[id] = acct
	if err := l.persist(acct); err != nil {
		return 0, err
	}
	l.log.Info("subscription created",
		log.Uint64("subID", id),
		log.String("owner", owner.String()),
	)
	return id, nil
}

// Fund credits the subscription. Anyone may fund; only spending is gated.
func (l *Ledger) Fund(subID uint64, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroFunding
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
	}
	acct.Balance = new(uint256.Int).Add(acct.Balance, amount)
	return l.persist(acct)
}

// Balance returns a copy of the current balance.
func (l *Ledger) Balance(subID uint64) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[subID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
	}
	return new(uint256.Int).Set(acct.Balance), nil
}

// AddConsumer authorizes consumer to draw on the subscription. Re-adding an
// existing consumer is a no-op.
func (l *Ledger) AddConsumer(subID uint64, caller, consumer ids.ShortID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
	}
	if acct.Owner != caller {
		return ErrNotOwner
	}
	for _, c := range acct.Consumers {
		if c == consumer {
			return nil
		}
	}
	if len(acct.Consumers) >= l.maxConsumers {
		return fmt.Errorf("%w: %d", ErrTooManyConsumers, l.maxConsumers)
	}
	acct.Consumers = append(acct.Consumers, consumer)
	return l.persist(acct)
}

// RemoveConsumer revokes a consumer. Blocked while the subscription has
// in-flight requests so a verified signature never lands on a deauthorized
// consumer mid-flight.
func (l *Ledger) RemoveConsumer(subID uint64, caller, consumer ids.ShortID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
	}
	if acct.Owner != caller {
		return ErrNotOwner
	}
	if l.guard != nil && l.guard.HasPending(subID) {
		return ErrPendingRequestExists
	}
	for i, c := range acct.Consumers {
		if c == consumer {
			acct.Consumers = append(acct.Consumers[:i], acct.Consumers[i+1:]...)
			return l.persist(acct)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownConsumer, consumer)
}

// IsAuthorized reports whether caller may draw on the subscription.
func (l *Ledger) IsAuthorized(subID uint64, caller ids.ShortID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[subID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
	}
	if acct.Owner == caller {
		return true, nil
	}
	for _, c := range acct.Consumers {
		if c == caller {
			return true, nil
		}
	}
	return false, nil
}

// ProposeOwner starts a two-step ownership transfer. Only the proposed owner
// can complete it via AcceptOwner; the current owner keeps control until then.
func (l *Ledger) ProposeOwner(subID uint64, caller, proposed ids.ShortID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
	}
	if acct.Owner != caller {
		return ErrNotOwner
	}
	acct.ProposedOwner = &proposed
	return l.persist(acct)
}

func (l *Ledger) AcceptOwner(subID uint64, caller ids.ShortID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
	}
	if acct.ProposedOwner == nil || *acct.ProposedOwner != caller {
		return ErrNotProposedOwner
	}
	acct.Owner = caller
	acct.ProposedOwner = nil
	return l.persist(acct)
}

// Debit withdraws amount at settlement. The caller (the randomness layer)
// decides what to do on ErrInsufficientBalance; the ledger never goes
// negative.
func (l *Ledger) Debit(subID uint64, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
	}
	if acct.Balance.Lt(amount) {
		return fmt.Errorf("%w: balance %s, need %s",
			ErrInsufficientBalance, acct.Balance, amount)
	}
	acct.Balance = new(uint256.Int).Sub(acct.Balance, amount)
	return l.persist(acct)
}

// Cancel closes the subscription and returns the residual balance owed to
// recipient; moving the funds is the caller's concern. Blocked while requests
// are in flight.
func (l *Ledger) Cancel(subID uint64, caller, recipient ids.ShortID) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[subID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
	}
	if acct.Owner != caller {
		return nil, ErrNotOwner
	}
	if l.guard != nil && l.guard.HasPending(subID) {
		return nil, ErrPendingRequestExists
	}

	residual := new(uint256.Int).Set(acct.Balance)
	delete(l.accounts, subID)
	if err := l.db.Delete(subKey(subID)); err != nil {
		return nil, err
	}
	l.log.Info("subscription canceled",
		log.Uint64("subID", subID),
		log.String("recipient", recipient.String()),
		log.String("residual", residual.String()),
	)
	return residual, nil
}

// Get returns a copy of the account.
func (l *Ledger) Get(subID uint64) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[subID]
	if !ok {
		return Account{}, false
	}
	cp := *acct
	cp.Balance = new(uint256.Int).Set(acct.Balance)
	cp.Consumers = append([]ids.ShortID{}, acct.Consumers...)
	return cp, true
}

func deriveID(owner ids.ShortID, seq uint64) uint64 {
	h := sha3.NewLegacyKeccak256()
	h.Write(owner[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

func subKey(id uint64) []byte {
	key := make([]byte, len(subPrefix)+8)
	copy(key, subPrefix)
	binary.BigEndian.PutUint64(key[len(subPrefix):], id)
	return key
}

func (l *Ledger) persist(acct *Account) error {
	raw, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	if err := l.db.Put(subKey(acct.ID), raw); err != nil {
		return err
	}
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, l.sequence)
	return l.db.Put(seqKey, seq)
}

func (l *Ledger) load() error {
	raw, err := l.db.Get(seqKey)
	switch {
	case err == nil:
		l.sequence = binary.BigEndian.Uint64(raw)
	case errors.Is(err, database.ErrNotFound):
	default:
		return err
	}

	iter := l.db.NewIteratorWithPrefix(subPrefix)
	defer iter.Release()

	for iter.Next() {
		acct := &Account{}
		if err := json.Unmarshal(iter.Value(), acct); err != nil {
			return err
		}
		if acct.Balance == nil {
			acct.Balance = uint256.NewInt(0)
		}
		l.accounts[acct.ID] = acct
	}
	return iter.Error()
}
