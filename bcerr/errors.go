// Copyright (c) 2020 Sperax
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

// Package bcerr defines the error kinds shared across the BitChat core
// components, following spec section 7 (Error Handling Design).
package bcerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide whether to surface it
// to the UI, recover silently, or (for PanicWipe) only ever aggregate it.
type Kind int

const (
	// KindInvalidInput covers malformed hash IDs, bad QR URIs, unknown peers.
	KindInvalidInput Kind = iota
	// KindAlreadyExists is soft: callers get the existing entity back.
	KindAlreadyExists
	// KindNotFound is surfaced as empty/None, never as a thrown error to the UI.
	KindNotFound
	// KindBlockedPeer means the action was refused because the peer is blocked.
	KindBlockedPeer
	// KindSessionUnavailable means no Noise session exists yet for the peer.
	KindSessionUnavailable
	// KindPersistenceFailure covers disk, encryption, and schema errors.
	KindPersistenceFailure
	// KindBackpressure means the send queue is saturated.
	KindBackpressure
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindNotFound:
		return "NotFound"
	case KindBlockedPeer:
		return "BlockedPeer"
	case KindSessionUnavailable:
		return "SessionUnavailable"
	case KindPersistenceFailure:
		return "PersistenceFailure"
	case KindBackpressure:
		return "Backpressure"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with a component-local message. It never carries
// message content or key material.
type Error struct {
	Kind Kind
	Op   string // component/operation that raised it, e.g. "ContactStore.add_by_hash_id"
	Err  error  // optional underlying cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, bcerr.NotFound) work against a *Error of the
// matching Kind regardless of Op/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error for the given kind and operation.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Sentinel zero-cause markers for use with errors.Is.
var (
	InvalidInput        = &Error{Kind: KindInvalidInput}
	AlreadyExists        = &Error{Kind: KindAlreadyExists}
	NotFound             = &Error{Kind: KindNotFound}
	BlockedPeer          = &Error{Kind: KindBlockedPeer}
	SessionUnavailable   = &Error{Kind: KindSessionUnavailable}
	PersistenceFailure   = &Error{Kind: KindPersistenceFailure}
	Backpressure         = &Error{Kind: KindBackpressure}
)

// Is reports whether err is (or wraps) a bcerr.Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
