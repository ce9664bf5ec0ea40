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

package sendpipeline

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/bitchat-core/bcerr"
	"github.com/bitchat-mesh/bitchat-core/message"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

type recordingInserter struct {
	mu   sync.Mutex
	msgs map[string][]message.Message
}

func newRecordingInserter() *recordingInserter {
	return &recordingInserter{msgs: make(map[string][]message.Message)}
}

func (r *recordingInserter) InsertOutgoing(peerAddr string, msg message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[peerAddr] = append(r.msgs[peerAddr], msg)
}

func (r *recordingInserter) snapshot(peerAddr string) []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.msgs[peerAddr]...)
}

func TestEnqueue_InsertsInOrderPerPeer(t *testing.T) {
	inserter := newRecordingInserter()
	p := New(inserter, testLogger())
	defer p.Shutdown()

	var emitted []string
	var mu sync.Mutex
	done := make(chan struct{}, 3)
	emit := func(content, peerAddr, recipientNickname, msgID string) {
		mu.Lock()
		emitted = append(emitted, content)
		mu.Unlock()
		done <- struct{}{}
	}

	for _, c := range []string{"first", "second", "third"} {
		require.NoError(t, p.Enqueue(SendRequest{Content: c, PeerAddr: "peerA", EmitCallback: emit}))
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for emit")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second", "third"}, emitted)

	msgs := inserter.snapshot("peerA")
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		require.Equal(t, message.Sending(), m.Status)
		require.NotEmpty(t, m.ID)
	}
	require.NotEqual(t, msgs[0].ID, msgs[1].ID)
}

func TestEnqueue_DistinctPeersProcessConcurrently(t *testing.T) {
	inserter := newRecordingInserter()
	p := New(inserter, testLogger())
	defer p.Shutdown()

	release := make(chan struct{})
	started := make(chan string, 2)
	emit := func(content, peerAddr, recipientNickname, msgID string) {
		started <- peerAddr
		<-release
	}

	require.NoError(t, p.Enqueue(SendRequest{Content: "a", PeerAddr: "peerA", EmitCallback: emit}))
	require.NoError(t, p.Enqueue(SendRequest{Content: "b", PeerAddr: "peerB", EmitCallback: emit}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case addr := <-started:
			seen[addr] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for both peers to start concurrently")
		}
	}
	close(release)

	require.True(t, seen["peerA"])
	require.True(t, seen["peerB"])
}

func TestShutdown_RejectsSubsequentEnqueues(t *testing.T) {
	p := New(newRecordingInserter(), testLogger())
	p.Shutdown()

	err := p.Enqueue(SendRequest{Content: "x", PeerAddr: "peerA"})
	require.Error(t, err)
	require.False(t, bcerr.Is(err, bcerr.KindBackpressure))
}

func TestShutdown_IsIdempotent(t *testing.T) {
	p := New(newRecordingInserter(), testLogger())
	p.Shutdown()
	p.Shutdown()
}
