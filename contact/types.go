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

// Package contact implements ContactStore (spec section 4.2): the
// durable set of known identities, their trust/block/favorite flags,
// and live-peer metadata, plus the fingerprint-keyed blocklist/favorites
// of spec section 3.
package contact

import "time"

// VerificationMethod records how a contact's identity was verified.
type VerificationMethod string

const (
	VerificationInPerson     VerificationMethod = "in-person"
	VerificationQR           VerificationMethod = "qr"
	VerificationIntroduction VerificationMethod = "introduction"
	VerificationManual       VerificationMethod = "manual"
)

// Contact is the record of spec section 3, keyed by HashID with a
// secondary unique key on PublicKeyHex. PublicKeyHex is immutable after
// creation; HashID is a pure function of it.
type Contact struct {
	// identity
	PublicKeyHex string // "" for a placeholder added by hash ID, filled in on first sync
	SigningKeyHex string // optional
	HashID       string

	// naming
	DisplayName string // their self-announced name
	CustomName  string // local override, optional

	// trust/relations
	Trusted            bool
	Blocked            bool
	Favorite           bool
	Groups             []string
	Notes              string
	VerificationMethod VerificationMethod

	// liveness
	CurrentPeerAddress string // last known address; kept after MarkDisconnected
	Connected          bool
	LastSeenAt         *time.Time

	// stats
	UnreadCount   int
	LastMessageAt *time.Time
	AddedAt       time.Time
	UpdatedAt     time.Time
}

// EffectiveName returns CustomName if set, else DisplayName.
func (c Contact) EffectiveName() string {
	if c.CustomName != "" {
		return c.CustomName
	}
	return c.DisplayName
}
