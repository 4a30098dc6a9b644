// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fees prices randomness requests. The model is deliberately minimal:
// a linear formula over the requested callback execution budget, used both to
// quote a prepayment and to size subscription debits at settlement time.
package fees

import (
	"github.com/holiman/uint256"
)

// Estimator converts callback execution budgets into native-currency prices.
// UnitRate is the cost of one unit of callback execution; Overhead is the
// fixed per-request execution charge added to every budget.
type Estimator struct {
	UnitRate uint64
	Overhead uint64
}

func NewEstimator(unitRate, overhead uint64) *Estimator {
	return &Estimator{
		UnitRate: unitRate,
		Overhead: overhead,
	}
}

// CalculatePrice quotes the price of a request with the given callback budget
// at the estimator's current unit rate. Pure; safe for any external caller to
// use before submitting.
func (e *Estimator) CalculatePrice(callbackBudget uint64) *uint256.Int {
	return EstimatePrice(callbackBudget, e.UnitRate, e.Overhead)
}

// EstimatePrice computes (budget + overhead) * rate without overflow;
// non-decreasing in every argument.
func EstimatePrice(callbackBudget, unitRate, overhead uint64) *uint256.Int {
	total := new(uint256.Int).Add(
		uint256.NewInt(callbackBudget),
		uint256.NewInt(overhead),
	)
	return total.Mul(total, uint256.NewInt(unitRate))
}
