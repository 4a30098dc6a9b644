// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"github.com/luxfi/ids"
)

// Status is a request's position in the Pending -> Fulfilled /
// Pending -> Errored -> Fulfilled state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusErrored   Status = "errored"
)

// Request is a conditional signature request. Once fulfilled it is immutable;
// the errored path may re-attempt the callback but never alters the stored
// signature.
type Request struct {
	ID          uint64      `json:"id"`
	SchemeID    string      `json:"schemeId"`
	Message     []byte      `json:"message"`
	MessageHash []byte      `json:"messageHash"` // G1 digest the signer signs
	Condition   []byte      `json:"condition"`
	Target      ids.ShortID `json:"target"` // callback identity
	Signature   []byte      `json:"signature"`
	Status      Status      `json:"status"`
}

// Receiver accepts a verified signature for a request it submitted. The
// ledger invokes it synchronously under a bounded execution budget; an error
// or panic moves the request to the errored set.
type Receiver interface {
	ReceiveSignature(requestID uint64, signature []byte) error
}

// Observer is notified of request lifecycle events. Off-chain signers watch
// RequestCreated for work; operators watch CallbackFailed for stuck requests.
type Observer interface {
	RequestCreated(req *Request)
	CallbackFailed(requestID uint64, err error)
}
