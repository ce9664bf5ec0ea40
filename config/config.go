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

// Package config holds the process-wide configuration toggles from spec
// section 6, exposed as an atomically-swappable snapshot so readers on
// any goroutine never observe a half-updated Config. This follows the
// teacher's use of sync/atomic for hot-swappable fields (agentImpl's
// readTimeout/writeTimeout in agent-tcp/agent.go).
package config

import (
	"sync/atomic"
	"time"
)

// Defaults per spec section 6.
const (
	DefaultMessageCap         = 1000
	DefaultRetentionDays      = 30
	DefaultPersistenceEnabled = false
	DefaultShowContactsOnly   = false
	DefaultAcceptFriendReqs   = true
)

// Config is the full set of recognized process-wide toggles.
type Config struct {
	// PersistenceEnabled gates every MessageStore write; MessageStore
	// reads return empty and writes are silently dropped when false.
	// ContactStore does not consult it.
	PersistenceEnabled bool
	// ShowContactsOnly is the contacts-only inbound filter toggle. It is
	// stored and defaulted here; no component in this module reads it, so
	// inbound messages are not filtered by it.
	ShowContactsOnly bool
	// AcceptFriendRequests is the contact-request handling toggle. It is
	// stored and defaulted here; no component in this module reads it.
	AcceptFriendRequests bool
	// MessageRetentionDays is the cutoff used by MessageStore.ApplyRetention.
	MessageRetentionDays int
	// MessageCap is the per-conversation message cap (spec section 4.3).
	MessageCap int
}

// RetentionDuration returns MessageRetentionDays as a time.Duration.
func (c Config) RetentionDuration() time.Duration {
	return time.Duration(c.MessageRetentionDays) * 24 * time.Hour
}

// Defaults returns the spec-mandated default configuration.
func Defaults() Config {
	return Config{
		PersistenceEnabled:   DefaultPersistenceEnabled,
		ShowContactsOnly:     DefaultShowContactsOnly,
		AcceptFriendRequests: DefaultAcceptFriendReqs,
		MessageRetentionDays: DefaultRetentionDays,
		MessageCap:           DefaultMessageCap,
	}
}

// Store is a process-wide, goroutine-safe holder for the current Config.
type Store struct {
	v atomic.Value // Config
}

// NewStore creates a Store seeded with the given initial configuration.
func NewStore(initial Config) *Store {
	s := &Store{}
	s.v.Store(initial)
	return s
}

// NewDefaultStore creates a Store seeded with spec defaults.
func NewDefaultStore() *Store {
	return NewStore(Defaults())
}

// Get returns the current configuration snapshot.
func (s *Store) Get() Config {
	return s.v.Load().(Config)
}

// Set atomically replaces the configuration.
func (s *Store) Set(c Config) {
	s.v.Store(c)
}

// Update atomically applies fn to the current configuration and stores
// the result. fn must not retain or mutate its argument after returning.
func (s *Store) Update(fn func(Config) Config) {
	s.Set(fn(s.Get()))
}
