// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bls

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/randbeacon/bn254"
)

func randScalar(t *testing.T) *big.Int {
	t.Helper()
	k, err := rand.Int(rand.Reader, bn254.GroupOrder)
	require.NoError(t, err)
	if k.Sign() == 0 {
		k.SetInt64(1)
	}
	return k
}

func TestSignVerifyRoundTrip(t *testing.T) {
	require := require.New(t)

	v := NewVerifier()
	sk := randScalar(t)
	pub, err := PublicKey(sk)
	require.NoError(err)

	msg := []byte("round trip message")
	sig, err := v.Sign(msg, sk)
	require.NoError(err)

	ok, err := v.VerifyMessage(msg, sig, pub)
	require.NoError(err)
	require.True(ok)

	// Any single bit flip must invalidate the signature. Flipping a bit
	// usually knocks the point off the curve; either way Verify must say no.
	for _, bit := range []int{0, 7, 100, 250, 511} {
		mutated := append([]byte{}, sig...)
		mutated[bit/8] ^= 1 << (bit % 8)
		ok, err := v.VerifyMessage(msg, mutated, pub)
		require.NoError(err)
		require.False(ok, "bit %d", bit)
	}

	// Wrong message fails.
	ok, err = v.VerifyMessage([]byte("other message"), sig, pub)
	require.NoError(err)
	require.False(ok)

	// Wrong key fails.
	otherPub, err := PublicKey(randScalar(t))
	require.NoError(err)
	ok, err = v.VerifyMessage(msg, sig, otherPub)
	require.NoError(err)
	require.False(ok)
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	require := require.New(t)

	v := NewVerifier()
	sk := randScalar(t)
	pub, err := PublicKey(sk)
	require.NoError(err)
	msgPoint, err := v.HashToPoint([]byte("msg"))
	require.NoError(err)
	sig, err := v.Sign([]byte("msg"), sk)
	require.NoError(err)

	// Truncated message point or key is a caller fault, not "invalid".
	_, err = v.Verify(msgPoint[:32], sig, pub)
	require.Error(err)
	_, err = v.Verify(msgPoint, sig, pub[:64])
	require.Error(err)

	// Truncated signature is just an invalid signature.
	ok, err := v.Verify(msgPoint, sig[:32], pub)
	require.NoError(err)
	require.False(ok)
}

func TestHashHelpersDeterministic(t *testing.T) {
	require := require.New(t)

	v := NewVerifier()
	a, err := v.HashToPoint([]byte("abc"))
	require.NoError(err)
	b, err := v.HashToBytes([]byte("abc"))
	require.NoError(err)
	require.Equal(a, b)
	require.True(bn254.IsValidG1(a))

	// Different domains diverge on the same message.
	w := NewVerifierWithDomain([]byte("RANDBEACON-BLS-ALTERNATE"))
	c, err := w.HashToPoint([]byte("abc"))
	require.NoError(err)
	require.NotEqual(a, c)
}

// shareSecret evaluates a degree-(threshold-1) polynomial with constant term
// secret at x = 1..n, the textbook Shamir sharing the signer group would run.
func shareSecret(t *testing.T, secret *big.Int, threshold, n int) []*big.Int {
	t.Helper()
	r := bn254.GroupOrder
	coeffs := make([]*big.Int, threshold)
	coeffs[0] = new(big.Int).Set(secret)
	for i := 1; i < threshold; i++ {
		coeffs[i] = randScalar(t)
	}
	shares := make([]*big.Int, n)
	for x := 1; x <= n; x++ {
		acc := new(big.Int)
		xb := big.NewInt(int64(x))
		pow := big.NewInt(1)
		for _, c := range coeffs {
			term := new(big.Int).Mul(c, pow)
			acc.Add(acc, term)
			acc.Mod(acc, r)
			pow = new(big.Int).Mul(pow, xb)
			pow.Mod(pow, r)
		}
		shares[x-1] = acc
	}
	return shares
}

func TestAggregateThreshold(t *testing.T) {
	require := require.New(t)

	const (
		threshold = 3
		n         = 5
	)

	v := NewVerifier()
	groupSK := randScalar(t)
	groupPub, err := PublicKey(groupSK)
	require.NoError(err)

	shares := shareSecret(t, groupSK, threshold, n)
	msg := []byte("beacon round 42")

	// Any threshold-sized subset reconstructs a signature that verifies
	// under the group key.
	subsets := [][]uint64{{1, 2, 3}, {2, 4, 5}, {1, 3, 5}}
	for _, indices := range subsets {
		partials := make([][]byte, len(indices))
		for i, idx := range indices {
			partial, err := v.Sign(msg, shares[idx-1])
			require.NoError(err)
			partials[i] = partial
		}
		sig, err := Aggregate(partials, indices)
		require.NoError(err)

		ok, err := v.VerifyMessage(msg, sig, groupPub)
		require.NoError(err)
		require.True(ok, "subset %v", indices)
	}

	// Below threshold the reconstruction is wrong.
	partials := make([][]byte, 2)
	for i, idx := range []uint64{1, 2} {
		partial, err := v.Sign(msg, shares[idx-1])
		require.NoError(err)
		partials[i] = partial
	}
	sig, err := Aggregate(partials, []uint64{1, 2})
	require.NoError(err)
	ok, err := v.VerifyMessage(msg, sig, groupPub)
	require.NoError(err)
	require.False(ok)
}

func TestAggregateInputValidation(t *testing.T) {
	require := require.New(t)

	v := NewVerifier()
	partial, err := v.Sign([]byte("m"), big.NewInt(7))
	require.NoError(err)

	_, err = Aggregate(nil, nil)
	require.ErrorIs(err, ErrEmptyAggregation)

	_, err = Aggregate([][]byte{partial}, []uint64{1, 2})
	require.ErrorIs(err, ErrLengthMismatch)

	_, err = Aggregate([][]byte{partial, partial}, []uint64{1, 1})
	require.ErrorIs(err, ErrDuplicateSignerIdx)

	_, err = Aggregate([][]byte{partial}, []uint64{0})
	require.ErrorIs(err, ErrZeroSignerIndex)
}

func TestHashToPointVector(t *testing.T) {
	require := require.New(t)

	// Pinned output of the default-domain digest; signers must reproduce it
	// byte for byte.
	digest, err := NewVerifier().HashToPoint([]byte("golden vector"))
	require.NoError(err)
	require.Equal(
		"1c557ff417b254db1b0b15545c5e1faa93cdda24c1590c0aba2795abd6ebf674"+
			"136375e915f0e5af9d6dcfcfbf781ff1a186a7d965c9c324a2532c31136ab01f",
		hex.EncodeToString(digest),
	)
}
