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

package contact

import "time"

// Store is the ContactStore contract of spec section 4.2. Every mutator
// is atomic against concurrent readers; errors are local (bcerr
// NotFound/InvalidInput) and never propagate uncaught to the UI thread.
type Store interface {
	// AddByHashID creates a placeholder contact (empty public key) for a
	// hash ID the user has not yet met on the wire. Idempotent by hash
	// ID: calling twice creates nothing new and returns the existing
	// contact together with a soft bcerr AlreadyExists error.
	AddByHashID(hashID, customName string, method VerificationMethod) (Contact, error)
	// AddFromPeer derives the hash ID from pk and inserts or updates the
	// contact for it.
	AddFromPeer(pk [32]byte, signingKey []byte, displayName, addr string, trusted bool, method VerificationMethod) (Contact, error)
	// SyncWithPeer refreshes liveness fields for an EXISTING contact
	// matching pk; it never auto-adds an unknown peer.
	SyncWithPeer(addr string, pk [32]byte, signingKey []byte, displayName string) error

	IsContact(pk [32]byte) bool
	IsBlocked(hashID string) (bool, error)
	GetByHash(hashID string) (Contact, error)
	GetByPublicKey(pk [32]byte) (Contact, error)
	GetByAddress(addr string) (Contact, error)

	SetFavorite(hashID string, favorite bool) error
	SetBlocked(hashID string, blocked bool) error
	SetTrusted(hashID string, trusted bool) error
	UpdateDisplayName(hashID, name string) error
	UpdateCustomName(hashID, name string) error
	IncrementUnread(hashID string) error
	ClearUnread(hashID string) error
	MarkDisconnected(addr string) error
	UpdateLastMessage(hashID string, at time.Time) error

	// ListOrdered returns non-blocked contacts ordered per spec section
	// 4.2: favorite DESC, last_message_at DESC NULLS LAST, display_name ASC.
	ListOrdered() ([]Contact, error)

	// Observe returns a live snapshot stream: the current full contact
	// list plus every subsequent change (spec section 4.2, observe_all).
	Observe() (ch <-chan []Contact, current []Contact, unsubscribe func())

	// IsBlockedFingerprint / SetBlockedFingerprint / SetFavoriteFingerprint
	// operate on the fingerprint-keyed blocklist/favorites of spec
	// section 3, which apply even to identities never added as a
	// contact (supplemented as their own table; see SPEC_FULL.md).
	IsBlockedFingerprint(fingerprint string) (bool, error)
	SetBlockedFingerprint(fingerprint string, blocked bool) error
	SetFavoriteFingerprint(fingerprint string, favorite bool) error

	Close() error
}
