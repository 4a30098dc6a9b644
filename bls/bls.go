// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bls implements BLS signature verification on BN254: G1 signatures,
// G2 public keys, keccak-based hash-to-curve. The distributed signing
// protocol is external; this package only verifies its output and provides
// the scalar-multiplication helpers needed to simulate signers in tests.
package bls

import (
	"errors"
	"fmt"
	"math/big"

	curve "github.com/consensys/gnark-crypto/ecc/bn254"

	"github.com/luxfi/randbeacon/bn254"
)

// DefaultDomain is the scheme's domain separation tag. Signers and verifiers
// must agree on it byte for byte.
const DefaultDomain = "RANDBEACON-BLS-BN254G1-KECCAK256-SVDW"

var (
	ErrEmptyAggregation   = errors.New("no partial signatures to aggregate")
	ErrLengthMismatch     = errors.New("partial signature and signer index counts differ")
	ErrZeroSignerIndex    = errors.New("signer index must be nonzero")
	ErrDuplicateSignerIdx = errors.New("duplicate signer index")
	ErrZeroSecretKey      = errors.New("secret key must be nonzero mod the group order")
)

// Verifier checks BLS signatures under a fixed domain tag.
type Verifier struct {
	domain []byte
}

func NewVerifier() *Verifier {
	return &Verifier{domain: []byte(DefaultDomain)}
}

// NewVerifierWithDomain returns a verifier bound to a caller-chosen domain
// tag, for deployments that must match a different signer group.
func NewVerifierWithDomain(domain []byte) *Verifier {
	return &Verifier{domain: append([]byte{}, domain...)}
}

func (v *Verifier) Domain() []byte {
	return append([]byte{}, v.domain...)
}

// HashToPoint maps message to the G1 point a signer signs, encoded as 64
// bytes.
func (v *Verifier) HashToPoint(message []byte) ([]byte, error) {
	pt, err := bn254.HashToPoint(v.domain, message)
	if err != nil {
		return nil, err
	}
	return bn254.MarshalG1(pt), nil
}

// HashToBytes returns the exact digest bytes a signer is expected to sign for
// message. Requesters use this to precompute what to hand to the signer
// group; it is the wire encoding of HashToPoint.
func (v *Verifier) HashToBytes(message []byte) ([]byte, error) {
	return v.HashToPoint(message)
}

// Verify checks signature over the already-hashed message point against the
// G2 public key via e(sig, -g2) * e(msg, pub) == 1.
//
// The bool is the verification verdict. A non-nil error reports a condition
// the caller must not treat as "bad signature": a malformed message point or
// public key, or a pairing computation failure.
func (v *Verifier) Verify(messagePoint, signature, publicKey []byte) (bool, error) {
	msg, err := bn254.UnmarshalG1(messagePoint)
	if err != nil {
		return false, fmt.Errorf("message point: %w", err)
	}
	pub, err := bn254.UnmarshalG2(publicKey)
	if err != nil {
		return false, fmt.Errorf("public key: %w", err)
	}
	sig, err := bn254.UnmarshalG1(signature)
	if err != nil {
		// A garbled signature is a failed verification, not a fault.
		return false, nil
	}
	return bn254.PairingCheck(sig, bn254.NegG2Generator(), msg, pub)
}

// VerifyMessage hashes message under the scheme domain and verifies signature
// against it.
func (v *Verifier) VerifyMessage(message, signature, publicKey []byte) (bool, error) {
	msgPoint, err := v.HashToPoint(message)
	if err != nil {
		return false, err
	}
	return v.Verify(msgPoint, signature, publicKey)
}

// Sign produces sk * H(message). It exists so the verification path is
// locally testable end to end; production signatures come from the external
// threshold signer group.
func (v *Verifier) Sign(message []byte, secretKey *big.Int) ([]byte, error) {
	sk := new(big.Int).Mod(secretKey, bn254.GroupOrder)
	if sk.Sign() == 0 {
		return nil, ErrZeroSecretKey
	}
	msgPoint, err := v.HashToPoint(message)
	if err != nil {
		return nil, err
	}
	return bn254.ScalarMulG1(msgPoint, sk)
}

// PublicKey derives the G2 public key sk * g2 for a secret key.
func PublicKey(secretKey *big.Int) ([]byte, error) {
	sk := new(big.Int).Mod(secretKey, bn254.GroupOrder)
	if sk.Sign() == 0 {
		return nil, ErrZeroSecretKey
	}
	var pub curve.G2Affine
	pub.ScalarMultiplication(bn254.G2Generator(), sk)
	return bn254.MarshalG2(&pub), nil
}

// Aggregate Lagrange-interpolates partial signatures at x = 0, recovering the
// group signature from any threshold-sized subset. Signer indices are the
// x-coordinates of the underlying secret-sharing polynomial; a zero or
// duplicated index has no defined Lagrange term and is rejected outright
// rather than propagated as a garbage point.
func Aggregate(partials [][]byte, indices []uint64) ([]byte, error) {
	if len(partials) == 0 {
		return nil, ErrEmptyAggregation
	}
	if len(partials) != len(indices) {
		return nil, ErrLengthMismatch
	}

	r := bn254.GroupOrder
	xs := make([]*big.Int, len(indices))
	seen := make(map[uint64]struct{}, len(indices))
	for i, idx := range indices {
		if idx == 0 {
			return nil, ErrZeroSignerIndex
		}
		if _, ok := seen[idx]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateSignerIdx, idx)
		}
		seen[idx] = struct{}{}
		xs[i] = new(big.Int).SetUint64(idx)
	}

	var sum curve.G1Affine
	for i, partial := range partials {
		// lambda_i = prod_{j != i} x_j / (x_j - x_i) mod r
		num := big.NewInt(1)
		den := big.NewInt(1)
		for j := range xs {
			if j == i {
				continue
			}
			num.Mul(num, xs[j])
			num.Mod(num, r)
			diff := new(big.Int).Sub(xs[j], xs[i])
			diff.Mod(diff, r)
			den.Mul(den, diff)
			den.Mod(den, r)
		}
		lambda := new(big.Int).Mul(num, new(big.Int).ModInverse(den, r))
		lambda.Mod(lambda, r)

		weighted, err := bn254.ScalarMulG1(partial, lambda)
		if err != nil {
			return nil, fmt.Errorf("partial %d: %w", i, err)
		}
		pt, err := bn254.UnmarshalG1(weighted)
		if err != nil {
			return nil, fmt.Errorf("partial %d: %w", i, err)
		}
		sum.Add(&sum, pt)
	}
	return bn254.MarshalG1(&sum), nil
}
