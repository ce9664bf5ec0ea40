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

// Package snapshot implements the "observable state for the UI" pattern
// from spec section 9: each aggregate (conversations, unread set,
// contacts list) is exposed as a subscribable stream of full snapshots,
// so a consumer's view is always a consistent whole, never a partial
// mid-mutation read (copy-on-read, as spec section 5 requires for the
// conversations map).
package snapshot

import "sync"

// Broadcaster fans out snapshots of T to any number of subscribers.
// Publish is non-blocking for the publisher: a slow subscriber's
// channel is refreshed in place (replace, don't queue) so the
// publisher's write path is never slowed by a UI observer.
type Broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
	last T
	has  bool
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[int]chan T)}
}

// Publish fans the current snapshot out to all subscribers, replacing
// any value they have not yet consumed.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = v
	b.has = true
	for _, ch := range b.subs {
		select {
		case <-ch: // drop the stale value, if any
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe returns a buffered channel of snapshots (buffer size 1,
// "latest wins") and the current snapshot, matching "emits the current
// snapshot plus every subsequent change" (spec section 4.2,
// observe_all). unsubscribe must be called to release resources.
func (b *Broadcaster[T]) Subscribe() (ch <-chan T, current T, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	c := make(chan T, 1)
	if b.has {
		c <- b.last
	}
	b.subs[id] = c
	return c, b.last, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}
