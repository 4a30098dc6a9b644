// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bn254 implements the curve arithmetic the randomness beacon needs:
// base-field helpers, the 64/128-byte point wire format, a pairing check and
// an SVDW hash-to-curve. Group operations and the pairing are delegated to
// gnark-crypto; the field helpers and the SVDW map are implemented directly
// so that digests match the off-chain signer implementation bit for bit.
package bn254

import (
	"errors"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

var (
	ErrBadModulus = errors.New("modulus must be a positive integer")

	// FieldOrder is the BN254 base-field modulus p. p = 3 mod 4, which is
	// what makes the a^((p+1)/4) square-root shortcut valid.
	FieldOrder = fp.Modulus()

	// GroupOrder is the order r of G1/G2, the scalar field used by
	// signature aggregation.
	GroupOrder = fr.Modulus()

	one = big.NewInt(1)
	two = big.NewInt(2)

	// Fixed exponents derived from p.
	pMinus2      = new(big.Int).Sub(FieldOrder, two)                      // inversion
	pPlus1Over4  = new(big.Int).Rsh(new(big.Int).Add(FieldOrder, one), 2) // square root
	pMinus1Over2 = new(big.Int).Rsh(new(big.Int).Sub(FieldOrder, one), 1) // Legendre
)

// ModExp computes base^exponent mod modulus. The only failure mode is a
// defective modulus; a bad answer is never returned silently.
func ModExp(base, exponent, modulus *big.Int) (*big.Int, error) {
	if modulus == nil || modulus.Sign() <= 0 {
		return nil, ErrBadModulus
	}
	return new(big.Int).Exp(base, exponent, modulus), nil
}

// Inverse returns a^-1 mod p for nonzero a, computed as a^(p-2). The caller
// must not pass zero; zero has no inverse and the result for it is
// meaningless.
func Inverse(a *big.Int) *big.Int {
	out, _ := ModExp(a, pMinus2, FieldOrder)
	return out
}

// Sqrt returns a square root of a mod p and whether one exists. The candidate
// root a^((p+1)/4) is verified by squaring, so hasRoot=false exactly when a
// is a non-residue.
func Sqrt(a *big.Int) (*big.Int, bool) {
	root, _ := ModExp(a, pPlus1Over4, FieldOrder)
	check := new(big.Int).Mul(root, root)
	check.Mod(check, FieldOrder)
	return root, check.Cmp(new(big.Int).Mod(a, FieldOrder)) == 0
}

// IsResidue reports whether a is a quadratic residue mod p via the Legendre
// symbol a^((p-1)/2). Zero counts as a residue.
func IsResidue(a *big.Int) bool {
	sym, _ := ModExp(a, pMinus1Over2, FieldOrder)
	return sym.Cmp(one) == 0 || sym.Sign() == 0
}
