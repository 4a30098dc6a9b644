// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fees

import (
	"math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestEstimatePrice(t *testing.T) {
	tests := []struct {
		name     string
		budget   uint64
		rate     uint64
		overhead uint64
		want     uint64
	}{
		{name: "zero budget charges overhead", budget: 0, rate: 10, overhead: 5, want: 50},
		{name: "zero rate is free", budget: 100, rate: 0, overhead: 5, want: 0},
		{name: "linear", budget: 200_000, rate: 3, overhead: 50_000, want: 750_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimatePrice(tt.budget, tt.rate, tt.overhead)
			require.Equal(t, uint256.NewInt(tt.want), got)
		})
	}
}

func TestEstimatePriceNoOverflow(t *testing.T) {
	require := require.New(t)

	// (2^64-1 + 2^64-1) * (2^64-1) exceeds uint64 but not uint256.
	got := EstimatePrice(math.MaxUint64, math.MaxUint64, math.MaxUint64)

	sum := new(uint256.Int).Add(
		uint256.NewInt(math.MaxUint64),
		uint256.NewInt(math.MaxUint64),
	)
	want := new(uint256.Int).Mul(sum, uint256.NewInt(math.MaxUint64))
	require.Equal(want, got)
}

func TestCalculatePriceMonotone(t *testing.T) {
	require := require.New(t)

	e := NewEstimator(7, 21_000)
	prev := e.CalculatePrice(0)
	for budget := uint64(1); budget < 1_000_000; budget *= 3 {
		price := e.CalculatePrice(budget)
		require.False(price.Lt(prev), "budget %d", budget)
		prev = price
	}
}
