// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bn254

import (
	"errors"
	"fmt"
	"math/big"

	curve "github.com/consensys/gnark-crypto/ecc/bn254"
)

const (
	// G1ByteLen is the wire size of a G1 point: two 32-byte big-endian
	// field elements (x, y), uncompressed.
	G1ByteLen = 64
	// G2ByteLen is the wire size of a G2 point: four 32-byte big-endian
	// field elements, uncompressed.
	G2ByteLen = 128

	coordLen = 32
)

var (
	ErrInvalidG1Length = fmt.Errorf("G1 point must be %d bytes", G1ByteLen)
	ErrInvalidG2Length = fmt.Errorf("G2 point must be %d bytes", G2ByteLen)
	ErrCoordOutOfRange = errors.New("point coordinate not below field modulus")
	ErrPointNotOnCurve = errors.New("point not on curve")
	ErrPairingFailed   = errors.New("pairing computation failed")
	ErrScalarMulFailed = errors.New("scalar multiplication failed")
	ErrPointAddFailed  = errors.New("point addition failed")

	g2Gen    curve.G2Affine
	g2GenNeg curve.G2Affine
)

func init() {
	_, _, _, g2Gen = curve.Generators()
	g2GenNeg.Neg(&g2Gen)
}

// G2Generator returns the fixed G2 group generator.
func G2Generator() *curve.G2Affine {
	g := g2Gen
	return &g
}

// NegG2Generator returns the negation of the G2 generator, the second pairing
// argument of the BLS verification relation.
func NegG2Generator() *curve.G2Affine {
	g := g2GenNeg
	return &g
}

// checkCoords rejects any 32-byte chunk that is not strictly below the field
// modulus. gnark reduces out-of-range encodings silently, so the range check
// has to happen on the raw bytes.
func checkCoords(b []byte) error {
	for off := 0; off < len(b); off += coordLen {
		c := new(big.Int).SetBytes(b[off : off+coordLen])
		if c.Cmp(FieldOrder) >= 0 {
			return ErrCoordOutOfRange
		}
	}
	return nil
}

// UnmarshalG1 decodes and validates a 64-byte G1 point: length, coordinate
// range and the curve equation y^2 = x^3 + 3.
func UnmarshalG1(b []byte) (*curve.G1Affine, error) {
	if len(b) != G1ByteLen {
		return nil, ErrInvalidG1Length
	}
	if err := checkCoords(b); err != nil {
		return nil, err
	}
	p := new(curve.G1Affine)
	if err := p.Unmarshal(b); err != nil {
		return nil, err
	}
	if !p.IsOnCurve() {
		return nil, ErrPointNotOnCurve
	}
	return p, nil
}

// UnmarshalG2 decodes and validates a 128-byte G2 point against the
// degree-2-extension curve equation and subgroup.
func UnmarshalG2(b []byte) (*curve.G2Affine, error) {
	if len(b) != G2ByteLen {
		return nil, ErrInvalidG2Length
	}
	if err := checkCoords(b); err != nil {
		return nil, err
	}
	p := new(curve.G2Affine)
	if err := p.Unmarshal(b); err != nil {
		return nil, err
	}
	if !p.IsOnCurve() {
		return nil, ErrPointNotOnCurve
	}
	if !p.IsInSubGroup() {
		return nil, ErrPointNotOnCurve
	}
	return p, nil
}

// MarshalG1 encodes p as 64 uncompressed bytes.
func MarshalG1(p *curve.G1Affine) []byte {
	return p.Marshal()
}

// MarshalG2 encodes p as 128 uncompressed bytes.
func MarshalG2(p *curve.G2Affine) []byte {
	return p.Marshal()
}

// IsValidG1 reports whether b is a well-formed G1 encoding: correct length,
// coordinates below the modulus and on the curve.
func IsValidG1(b []byte) bool {
	_, err := UnmarshalG1(b)
	return err == nil
}

// IsValidG2 reports whether b is a well-formed G2 encoding.
func IsValidG2(b []byte) bool {
	_, err := UnmarshalG2(b)
	return err == nil
}

// AddG1 adds two encoded G1 points. A failure here is fatal for the caller's
// operation: it means a malformed input reached the arithmetic layer.
func AddG1(a, b []byte) ([]byte, error) {
	pa, err := UnmarshalG1(a)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPointAddFailed, err)
	}
	pb, err := UnmarshalG1(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPointAddFailed, err)
	}
	var sum curve.G1Affine
	sum.Add(pa, pb)
	return sum.Marshal(), nil
}

// ScalarMulG1 multiplies an encoded G1 point by k mod r.
func ScalarMulG1(p []byte, k *big.Int) ([]byte, error) {
	pp, err := UnmarshalG1(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScalarMulFailed, err)
	}
	var out curve.G1Affine
	out.ScalarMultiplication(pp, new(big.Int).Mod(k, GroupOrder))
	return out.Marshal(), nil
}

// PairingCheck evaluates e(a1, a2) * e(b1, b2) == 1. The bool is the
// verification outcome; a non-nil error means the pairing computation itself
// failed, which callers must treat as fatal rather than as "invalid".
func PairingCheck(a1 *curve.G1Affine, a2 *curve.G2Affine, b1 *curve.G1Affine, b2 *curve.G2Affine) (bool, error) {
	ok, err := curve.PairingCheck(
		[]curve.G1Affine{*a1, *b1},
		[]curve.G2Affine{*a2, *b2},
	)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrPairingFailed, err)
	}
	return ok, nil
}
