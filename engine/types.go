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

// Package engine implements ConversationEngine (spec section 4.5): the
// central in-memory conversation map, unread tracking, cross-identity
// consolidation, and the handshake-initiator tie-break, built the way
// the teacher guards its consensus/connection state — one mutex, plain
// Go maps, snapshots handed out by copy.
package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/bitchat-mesh/bitchat-core/message"
)

// Sender is the outbound capability the engine holds without owning the
// transport, per spec section 9 ("engine holds a Sender capability").
type Sender interface {
	SendPrivate(peerAddr, recipientNickname, senderNickname, content, msgID string)
	SendReadReceipt(peerAddr, msgID string)
	SendAnnounce(peerAddr string)
	InitiateHandshake(peerAddr string)
	HasSession(peerAddr string) bool
}

// ContactLookup is the minimal contact-store slice the engine needs for
// consolidation and blocking, kept narrow so engine does not import the
// full contact.Store surface.
type ContactLookup interface {
	DisplayNameForAddress(addr string) (string, bool)
	FingerprintForAddress(addr string) (string, bool)
	IsBlockedFingerprint(fingerprint string) (bool, error)
	SetBlockedFingerprint(fingerprint string, blocked bool) error
}

// conversation is one peer's ordered message log plus its pending
// read-receipt queue (spec section 4.5, "plus a pending read-receipt
// queue").
type conversation struct {
	messages        []message.Message
	pendingReceipts []string // message IDs awaiting a read receipt send
}

func sortByTimestamp(msgs []message.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// sanitizeSlice dedups by ID (stable keep: first occurrence wins) and
// sorts by timestamp ascending, matching spec section 4.5.1 exactly.
func sanitizeSlice(msgs []message.Message) []message.Message {
	seen := make(map[string]bool, len(msgs))
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	sortByTimestamp(out)
	return out
}

const nostrTempPrefix = "nostr_"

func isNostrTempKey(addr string) bool {
	return strings.HasPrefix(addr, nostrTempPrefix)
}

// ConversationSnapshot is a consistent, copy-on-read view handed to UI
// observers (spec section 9, "Observable state for the UI").
type ConversationSnapshot struct {
	Conversations map[string][]message.Message
	Unread        map[string]bool
	Selected      string
	SystemLog     []message.Message
	UpdatedAt     time.Time
}
