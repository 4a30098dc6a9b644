// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bls

import (
	"fmt"
	"sync"

	"github.com/luxfi/randbeacon/bn254"
)

// Scheme binds a Verifier to a scheme identifier and the signer group's
// current public key, satisfying the request ledger's Scheme interface.
type Scheme struct {
	*Verifier

	id string

	mu        sync.RWMutex
	publicKey []byte
}

// NewScheme validates publicKey as a G2 encoding and returns the scheme.
func NewScheme(id string, publicKey []byte, verifier *Verifier) (*Scheme, error) {
	if verifier == nil {
		verifier = NewVerifier()
	}
	s := &Scheme{
		Verifier: verifier,
		id:       id,
	}
	if err := s.SetPublicKey(publicKey); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheme) ID() string {
	return s.id
}

// PublicKey returns the signer group's current public key.
func (s *Scheme) PublicKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]byte{}, s.publicKey...)
}

// SetPublicKey swaps in a new group key, e.g. after the signer group
// reshares. The key is validated before it replaces the old one.
func (s *Scheme) SetPublicKey(publicKey []byte) error {
	if _, err := bn254.UnmarshalG2(publicKey); err != nil {
		return fmt.Errorf("group public key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.publicKey = append([]byte{}, publicKey...)
	return nil
}
