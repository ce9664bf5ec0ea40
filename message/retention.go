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

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bitchat-mesh/bitchat-core/config"
)

// retentionInterval is how often RetentionSweeper re-invokes
// ApplyRetention, per SPEC_FULL.md's "once per day" commitment.
const retentionInterval = 24 * time.Hour

// RetentionSweeper self-reschedules ApplyRetention once per day with
// time.AfterFunc, mirroring the teacher's self-rescheduling timer
// pattern rather than a free-running ticker goroutine.
type RetentionSweeper struct {
	store Store
	cfg   *config.Store
	log   *logrus.Entry

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// StartRetentionSweeper constructs and immediately arms a sweeper
// against store, consulting cfg for the current retention window on
// every tick.
func StartRetentionSweeper(store Store, cfg *config.Store, log *logrus.Logger) *RetentionSweeper {
	s := &RetentionSweeper{
		store: store,
		cfg:   cfg,
		log:   log.WithField("component", "RetentionSweeper"),
	}
	s.scheduleLocked(retentionInterval)
	return s
}

func (s *RetentionSweeper) scheduleLocked(after time.Duration) {
	s.timer = time.AfterFunc(after, s.tick)
}

func (s *RetentionSweeper) tick() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	days := s.cfg.Get().MessageRetentionDays
	if days > 0 {
		if n, err := s.store.ApplyRetention(days); err != nil {
			s.log.WithError(err).Warn("retention sweep failed")
		} else if n > 0 {
			s.log.WithField("deleted", n).Info("retention sweep ran")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.scheduleLocked(retentionInterval)
	}
}

// Stop cancels any pending tick; safe to call more than once.
func (s *RetentionSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}
