// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bn254

import (
	"errors"
	"fmt"
	"math/big"

	curve "github.com/consensys/gnark-crypto/ecc/bn254"
	"golang.org/x/crypto/sha3"
)

const (
	// ExpandedLen is the expand-message output size: two 48-byte
	// half-digests, one per field element.
	ExpandedLen = 96

	digestLen = 32
	// keccak-256 rate; the zero pad in front of the first block.
	blockLen = 136

	maxDomainLen = 255
)

var (
	ErrDomainTooLong = errors.New("domain separation tag longer than 255 bytes")
	ErrNoSquareFound = errors.New("svdw: no candidate x with square g(x); curve parameters are defective")

	// SVDW constants for y^2 = x^3 + 3 with Z = 1, derived once from the
	// field helpers rather than hardcoded.
	svdwZ  = big.NewInt(1)
	svdwC1 *big.Int // g(Z)
	svdwC2 *big.Int // -Z / 2
	svdwC3 *big.Int // sqrt(-g(Z) * (3Z^2 + 4A)), even root
	svdwC4 *big.Int // -4 * g(Z) / (3Z^2 + 4A)
)

func init() {
	p := FieldOrder

	svdwC1 = gx(svdwZ) // 4

	// -Z/2 = -inv(2) mod p
	svdwC2 = new(big.Int).Sub(p, Inverse(two))
	svdwC2.Mod(svdwC2, p)

	// 3Z^2 + 4A = 3
	den := big.NewInt(3)

	// -g(Z) * (3Z^2 + 4A) = -12 mod p
	c3sq := new(big.Int).Mul(svdwC1, den)
	c3sq.Neg(c3sq)
	c3sq.Mod(c3sq, p)
	root, ok := Sqrt(c3sq)
	if !ok {
		panic("bn254: svdw c3 is not a square")
	}
	// Take the even root so the map is fully determined.
	if root.Bit(0) == 1 {
		root.Sub(p, root)
	}
	svdwC3 = root

	// -4 * g(Z) / (3Z^2 + 4A) = -16/3 mod p
	svdwC4 = new(big.Int).Mul(big.NewInt(4), svdwC1)
	svdwC4.Neg(svdwC4)
	svdwC4.Mod(svdwC4, p)
	svdwC4.Mul(svdwC4, Inverse(den))
	svdwC4.Mod(svdwC4, p)
}

// gx evaluates the curve polynomial g(x) = x^3 + 3 mod p.
func gx(x *big.Int) *big.Int {
	out := new(big.Int).Mul(x, x)
	out.Mod(out, FieldOrder)
	out.Mul(out, x)
	out.Add(out, big.NewInt(3))
	out.Mod(out, FieldOrder)
	return out
}

func keccak256(chunks ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}

// ExpandMsg derives outLen uniform bytes from (domain, msg) with the
// domain-separated iterated keccak-256 construction: a zero-padded base
// digest b0, then chained digests b_i over (b0 xor b_{i-1}) || i || domain ||
// len(domain). This must match the signer implementation exactly; it is the
// keccak variant of expand_message_xmd.
func ExpandMsg(domain, msg []byte, outLen int) ([]byte, error) {
	if len(domain) > maxDomainLen {
		return nil, ErrDomainTooLong
	}
	ell := (outLen + digestLen - 1) / digestLen
	if ell > 255 {
		return nil, fmt.Errorf("requested %d bytes, above the %d-byte limit", outLen, 255*digestLen)
	}

	dstPrime := append(append([]byte{}, domain...), byte(len(domain)))
	zPad := make([]byte, blockLen)
	lenBytes := []byte{byte(outLen >> 8), byte(outLen)}

	b0 := keccak256(zPad, msg, lenBytes, []byte{0}, dstPrime)

	out := make([]byte, 0, ell*digestLen)
	prev := keccak256(b0, []byte{1}, dstPrime)
	out = append(out, prev...)
	for i := 2; i <= ell; i++ {
		mixed := make([]byte, digestLen)
		for j := range mixed {
			mixed[j] = b0[j] ^ prev[j]
		}
		prev = keccak256(mixed, []byte{byte(i)}, dstPrime)
		out = append(out, prev...)
	}
	return out[:outLen], nil
}

// HashToField maps (domain, msg) to two field elements by splitting the
// 96-byte expansion into 48-byte halves and reducing each mod p.
func HashToField(domain, msg []byte) (*big.Int, *big.Int, error) {
	expanded, err := ExpandMsg(domain, msg, ExpandedLen)
	if err != nil {
		return nil, nil, err
	}
	u0 := new(big.Int).SetBytes(expanded[:48])
	u0.Mod(u0, FieldOrder)
	u1 := new(big.Int).SetBytes(expanded[48:])
	u1.Mod(u1, FieldOrder)
	return u0, u1, nil
}

// HashToPoint maps an arbitrary message to a G1 point: hash to two field
// elements, SVDW-map each and add the results. Mapping twice and adding is
// required for a uniform hash-to-curve; a single SVDW application is not
// indifferentiable from a random oracle.
func HashToPoint(domain, msg []byte) (*curve.G1Affine, error) {
	u0, u1, err := HashToField(domain, msg)
	if err != nil {
		return nil, err
	}
	p0, err := MapToPoint(u0)
	if err != nil {
		return nil, err
	}
	p1, err := MapToPoint(u1)
	if err != nil {
		return nil, err
	}
	var sum curve.G1Affine
	sum.Add(p0, p1)
	return &sum, nil
}

// MapToPoint deterministically maps a field element to a curve point with the
// Shallue-van de Woestijne method. Three candidate x-coordinates are computed
// and the first whose g(x) is a quadratic residue wins; the root's parity is
// matched to u. The input is public, so branching on it is fine. An error
// here cannot happen for correct curve parameters and signals a deployment
// defect, not a bad input.
func MapToPoint(u *big.Int) (*curve.G1Affine, error) {
	p := FieldOrder
	u = new(big.Int).Mod(u, p)

	// tv1 = 1 - c1*u^2, tv2 = 1 + c1*u^2
	uu := new(big.Int).Mul(u, u)
	uu.Mod(uu, p)
	uu.Mul(uu, svdwC1)
	uu.Mod(uu, p)
	tv2 := new(big.Int).Add(one, uu)
	tv2.Mod(tv2, p)
	tv1 := new(big.Int).Sub(one, uu)
	tv1.Mod(tv1, p)

	// tv3 = inv0(tv1 * tv2)
	tv3 := new(big.Int).Mul(tv1, tv2)
	tv3.Mod(tv3, p)
	if tv3.Sign() != 0 {
		tv3 = Inverse(tv3)
	}

	// tv4 = u * tv1 * tv3 * c3
	tv4 := new(big.Int).Mul(u, tv1)
	tv4.Mod(tv4, p)
	tv4.Mul(tv4, tv3)
	tv4.Mod(tv4, p)
	tv4.Mul(tv4, svdwC3)
	tv4.Mod(tv4, p)

	x1 := new(big.Int).Sub(svdwC2, tv4)
	x1.Mod(x1, p)
	x2 := new(big.Int).Add(svdwC2, tv4)
	x2.Mod(x2, p)

	// x3 = Z + c4 * (tv2^2 * tv3)^2
	x3 := new(big.Int).Mul(tv2, tv2)
	x3.Mod(x3, p)
	x3.Mul(x3, tv3)
	x3.Mod(x3, p)
	x3.Mul(x3, x3)
	x3.Mod(x3, p)
	x3.Mul(x3, svdwC4)
	x3.Mod(x3, p)
	x3.Add(x3, svdwZ)
	x3.Mod(x3, p)

	for _, x := range []*big.Int{x1, x2, x3} {
		g := gx(x)
		if !IsResidue(g) {
			continue
		}
		y, ok := Sqrt(g)
		if !ok {
			continue
		}
		// Match the root's parity to u.
		if y.Bit(0) != u.Bit(0) {
			y.Sub(p, y)
			y.Mod(y, p)
		}
		var pt curve.G1Affine
		pt.X.SetBigInt(x)
		pt.Y.SetBigInt(y)
		if !pt.IsOnCurve() {
			return nil, ErrNoSquareFound
		}
		return &pt, nil
	}
	return nil, ErrNoSquareFound
}
