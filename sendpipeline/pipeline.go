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

// Package sendpipeline implements SendPipeline (spec section 4.5.5): a
// single-writer FIFO queue per peer, so a user rapidly tapping "send"
// never produces duplicates, out-of-order status, or interleaved
// handshakes. Modeled as one goroutine per peer reading off a channel,
// the same shape as the teacher's per-connection read/send loops.
package sendpipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bitchat-mesh/bitchat-core/bcerr"
	"github.com/bitchat-mesh/bitchat-core/message"
)

// SendRequest is the unit of work accepted by the pipeline (spec
// section 4.5.5 step 1).
type SendRequest struct {
	Content           string
	PeerAddr          string
	RecipientNickname string
	SenderNickname    string
	MyPeerAddr        string
	// EmitCallback is the seam to the encryption/transport layer; it is
	// invoked without the pipeline awaiting delivery (step 4).
	EmitCallback func(content, peerAddr, recipientNickname, msgID string)
}

// Inserter is the conversation-side effect of a processed send: "insert
// the message into the conversation (visible to UI immediately)" per
// step 3. Kept as a narrow capability so sendpipeline does not import
// engine.
type Inserter interface {
	InsertOutgoing(peerAddr string, msg message.Message)
}

const queueCapacity = 256

type peerQueue struct {
	requests chan SendRequest
	done     chan struct{}
}

// Pipeline fans SendRequests out to one FIFO worker goroutine per peer
// address; distinct peers are served concurrently, per spec section
// 4.5.5 ("Processing is strictly sequential per peer; concurrent peers
// may be served in parallel").
type Pipeline struct {
	mu       sync.Mutex
	queues   map[string]*peerQueue
	wg       sync.WaitGroup
	inserter Inserter
	log      *logrus.Entry

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Pipeline. inserter receives each freshly-created
// message before EmitCallback runs.
func New(inserter Inserter, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		queues:   make(map[string]*peerQueue),
		inserter: inserter,
		log:      log.WithField("component", "SendPipeline"),
		closed:   make(chan struct{}),
	}
}

// Enqueue accepts req onto its peer's FIFO queue. The worker goroutine
// assigns a fresh message ID and Sending status, inserts the message
// into the conversation, and invokes EmitCallback asynchronously
// without awaiting delivery (spec section 4.5.5 steps 2-4).
func (p *Pipeline) Enqueue(req SendRequest) error {
	const op = "SendPipeline.enqueue"
	select {
	case <-p.closed:
		return bcerr.New(bcerr.KindInvalidInput, op, errShuttingDown)
	default:
	}

	q := p.queueFor(req.PeerAddr)
	select {
	case q.requests <- req:
	default:
		return bcerr.New(bcerr.KindBackpressure, op, nil)
	}
	return nil
}

var errShuttingDown = shuttingDownError{}

type shuttingDownError struct{}

func (shuttingDownError) Error() string { return "send pipeline is shutting down" }

func (p *Pipeline) queueFor(peerAddr string) *peerQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[peerAddr]
	if ok {
		return q
	}
	q = &peerQueue{requests: make(chan SendRequest, queueCapacity), done: make(chan struct{})}
	p.queues[peerAddr] = q
	p.wg.Add(1)
	go p.worker(peerAddr, q)
	return q
}

func (p *Pipeline) worker(peerAddr string, q *peerQueue) {
	defer p.wg.Done()
	for {
		select {
		case req, ok := <-q.requests:
			if !ok {
				return
			}
			p.process(req)
		case <-q.done:
			// drain whatever is already queued, then exit; in-flight
			// EmitCallback invocations are allowed to finish (spec
			// section 5, "Cancellation").
			for {
				select {
				case req := <-q.requests:
					p.process(req)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) process(req SendRequest) {
	msg := message.Message{
		ID:                uuid.NewString(),
		SenderDisplay:     req.SenderNickname,
		Content:           req.Content,
		Timestamp:         time.Now(),
		IsPrivate:         true,
		RecipientNickname: req.RecipientNickname,
		Status:            message.Sending(),
	}
	if p.inserter != nil {
		p.inserter.InsertOutgoing(req.PeerAddr, msg)
	}
	if req.EmitCallback != nil {
		req.EmitCallback(req.Content, req.PeerAddr, req.RecipientNickname, msg.ID)
	}
}

// Shutdown cancels all peer queues: in-flight sends finish, queued
// sends are drained, and subsequent Enqueue calls fail with
// InvalidInput(ShuttingDown).
func (p *Pipeline) Shutdown() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.mu.Lock()
		for _, q := range p.queues {
			close(q.done)
		}
		p.mu.Unlock()
		p.wg.Wait()
	})
}
