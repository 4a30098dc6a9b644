// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"errors"

	"github.com/luxfi/metric"
)

var (
	_ Metrics = (*metricsImpl)(nil)
	_ Metrics = Noop{}
)

type Metrics interface {
	IncSubmitted()
	IncFulfilled()
	IncErrored()
	IncRetried()
	IncVerifyFailed()
	IncFeeCollected()
	IncNoCollection()
}

type metricsImpl struct {
	numSubmitted, numFulfilled, numErrored, numRetried metric.Counter

	numVerifyFailed               metric.Counter
	numFeeCollected, numNoCollect metric.Counter
}

func New(registerer metric.Registerer) (Metrics, error) {
	if _, ok := registerer.(metric.Registry); !ok {
		return nil, errors.New("registerer must implement metric.Registry")
	}
	m := &metricsImpl{}

	m.numSubmitted = metric.NewCounter(metric.CounterOpts{
		Name: "requests_submitted",
		Help: "Number of signature requests admitted to the ledger",
	})
	m.numFulfilled = metric.NewCounter(metric.CounterOpts{
		Name: "requests_fulfilled",
		Help: "Number of requests whose callback completed",
	})
	m.numErrored = metric.NewCounter(metric.CounterOpts{
		Name: "requests_errored",
		Help: "Number of requests whose callback failed after a verified signature",
	})
	m.numRetried = metric.NewCounter(metric.CounterOpts{
		Name: "callback_retries",
		Help: "Number of caller-triggered callback retries",
	})
	m.numVerifyFailed = metric.NewCounter(metric.CounterOpts{
		Name: "verify_failures",
		Help: "Number of fulfill attempts rejected by the pairing check",
	})
	m.numFeeCollected = metric.NewCounter(metric.CounterOpts{
		Name: "fees_collected",
		Help: "Number of fulfillments with a successful fee debit",
	})
	m.numNoCollect = metric.NewCounter(metric.CounterOpts{
		Name: "fees_uncollected",
		Help: "Number of fulfillments delivered with an insufficient subscription balance",
	})
	// Counters self-register on creation.
	return m, nil
}

func (m *metricsImpl) IncSubmitted()    { m.numSubmitted.Inc() }
func (m *metricsImpl) IncFulfilled()    { m.numFulfilled.Inc() }
func (m *metricsImpl) IncErrored()      { m.numErrored.Inc() }
func (m *metricsImpl) IncRetried()      { m.numRetried.Inc() }
func (m *metricsImpl) IncVerifyFailed() { m.numVerifyFailed.Inc() }
func (m *metricsImpl) IncFeeCollected() { m.numFeeCollected.Inc() }
func (m *metricsImpl) IncNoCollection() { m.numNoCollect.Inc() }

// Noop discards every observation; used in tests.
type Noop struct{}

func (Noop) IncSubmitted()    {}
func (Noop) IncFulfilled()    {}
func (Noop) IncErrored()      {}
func (Noop) IncRetried()      {}
func (Noop) IncVerifyFailed() {}
func (Noop) IncFeeCollected() {}
func (Noop) IncNoCollection() {}
