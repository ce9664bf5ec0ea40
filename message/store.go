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

package message

import "github.com/bitchat-mesh/bitchat-core/config"

// Store is the MessageStore contract of spec section 4.3. Every
// operation is suspending (executes on an I/O worker in the concurrency
// model of spec section 5); implementations must be safe for concurrent
// use by multiple goroutines.
type Store interface {
	// Save upserts msg by ID into peerAddr's conversation, then enforces
	// the per-peer cap. A no-op when persistence is disabled.
	Save(peerAddr string, msg Message) error
	// SaveBatch saves msgs in a single transaction.
	SaveBatch(peerAddr string, msgs []Message) error
	// Load returns peerAddr's messages ordered by timestamp ascending.
	Load(peerAddr string) ([]Message, error)
	// LoadPaginated returns messages ordered by timestamp descending,
	// for infinite-scroll UIs.
	LoadPaginated(peerAddr string, limit, offset int) ([]Message, error)
	// UpdateStatus applies the monotone delivery-status transition rule
	// (spec section 5) to the message identified by (msgID, peerAddr).
	UpdateStatus(msgID, peerAddr string, next DeliveryStatus) error
	// DeleteConversation deletes all messages for peerAddr, returning
	// the number of rows deleted.
	DeleteConversation(peerAddr string) (int, error)
	// DeleteAll deletes every message, returning the number deleted.
	DeleteAll() (int, error)
	// Search performs a case-insensitive substring search over content,
	// optionally scoped to one peer.
	Search(query string, peerAddr string) ([]Message, error)
	// ApplyRetention deletes messages older than now-maxAgeDays.
	ApplyRetention(maxAgeDays int) (int, error)
	// Close releases the underlying handle.
	Close() error
}

// gate reports whether persistence is currently enabled, consulting the
// shared config.Store so every Store implementation gates writes the
// same way (spec section 4.3: "Persistence toggle").
func gate(cfg *config.Store) bool {
	return cfg.Get().PersistenceEnabled
}
