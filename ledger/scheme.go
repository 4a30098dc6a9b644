// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported signature scheme")
	ErrSchemeExists      = errors.New("scheme already registered")
)

// Scheme is a signature scheme the ledger can admit requests for. The
// registry that maps identifiers to implementations is an external
// collaborator; Registry below is the in-process default.
type Scheme interface {
	ID() string
	// HashToPoint computes the digest a signer must sign for message.
	HashToPoint(message []byte) ([]byte, error)
	// Verify checks signature over the hashed message against publicKey.
	// The error reports verification-machinery faults, not bad signatures.
	Verify(messagePoint, signature, publicKey []byte) (bool, error)
	// PublicKey returns the scheme's current group public key.
	PublicKey() []byte
}

// SchemeRegistry resolves scheme identifiers.
type SchemeRegistry interface {
	IsSupported(schemeID string) bool
	Get(schemeID string) (Scheme, error)
}

var _ SchemeRegistry = (*Registry)(nil)

// Registry is a thread-safe in-memory scheme registry.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]Scheme
}

func NewRegistry() *Registry {
	return &Registry{
		schemes: make(map[string]Scheme),
	}
}

func (r *Registry) Register(s Scheme) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schemes[s.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrSchemeExists, s.ID())
	}
	r.schemes[s.ID()] = s
	return nil
}

func (r *Registry) IsSupported(schemeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.schemes[schemeID]
	return ok
}

func (r *Registry) Get(schemeID string) (Scheme, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemes[schemeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, schemeID)
	}
	return s, nil
}
