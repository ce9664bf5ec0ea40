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

package engine

import (
	"os"
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

type fakeContacts struct {
	names       map[string]string
	fingerprint map[string]string
	blocked     map[string]bool
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{
		names:       make(map[string]string),
		fingerprint: make(map[string]string),
		blocked:     make(map[string]bool),
	}
}

func (f *fakeContacts) DisplayNameForAddress(addr string) (string, bool) {
	n, ok := f.names[addr]
	return n, ok
}

func (f *fakeContacts) FingerprintForAddress(addr string) (string, bool) {
	fp, ok := f.fingerprint[addr]
	return fp, ok
}

func (f *fakeContacts) IsBlockedFingerprint(fingerprint string) (bool, error) {
	return f.blocked[fingerprint], nil
}

func (f *fakeContacts) SetBlockedFingerprint(fingerprint string, blocked bool) error {
	f.blocked[fingerprint] = blocked
	return nil
}

type fakeSender struct {
	initiated []string
	announced []string
	receipts  []string
	sessions  map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sessions: make(map[string]bool)}
}

func (f *fakeSender) SendPrivate(peerAddr, recipientNickname, senderNickname, content, msgID string) {
}
func (f *fakeSender) SendReadReceipt(peerAddr, msgID string) {
	f.receipts = append(f.receipts, peerAddr+":"+msgID)
}
func (f *fakeSender) SendAnnounce(peerAddr string)        { f.announced = append(f.announced, peerAddr) }
func (f *fakeSender) InitiateHandshake(peerAddr string)   { f.initiated = append(f.initiated, peerAddr) }
func (f *fakeSender) HasSession(peerAddr string) bool     { return f.sessions[peerAddr] }

func msgAt(id string, ts int64) message.Message {
	return message.Message{ID: id, Timestamp: time.UnixMilli(ts), Status: message.Sent()}
}

func TestSanitize_DedupsAndOrdersByTimestamp(t *testing.T) {
	e := New("me", nil, nil, nil, nil, testLogger())

	e.mu.Lock()
	conv := e.ensureConversationLocked("A")
	conv.messages = []message.Message{
		msgAt("m1", 1000),
		msgAt("m2", 2000),
		msgAt("m1", 1000),
	}
	e.mu.Unlock()

	e.Sanitize("A")

	e.mu.Lock()
	got := e.conversations["A"].messages
	e.mu.Unlock()

	require.Len(t, got, 2)
	require.Equal(t, "m1", got[0].ID)
	require.Equal(t, "m2", got[1].ID)
}

func TestSanitize_TwiceIsIdempotent(t *testing.T) {
	e := New("me", nil, nil, nil, nil, testLogger())
	e.mu.Lock()
	conv := e.ensureConversationLocked("A")
	conv.messages = []message.Message{msgAt("m2", 2000), msgAt("m1", 1000)}
	e.mu.Unlock()

	e.Sanitize("A")
	e.mu.Lock()
	first := append([]message.Message(nil), e.conversations["A"].messages...)
	e.mu.Unlock()

	e.Sanitize("A")
	e.mu.Lock()
	second := e.conversations["A"].messages
	e.mu.Unlock()

	require.Equal(t, first, second)
}

func TestConsolidate_MergesBySenderAndRecipientNickname(t *testing.T) {
	e := New("me", nil, nil, nil, nil, testLogger())

	e.mu.Lock()
	p1 := e.ensureConversationLocked("P1")
	p1.messages = []message.Message{{ID: "m1", SenderDisplay: "Alice", Timestamp: time.UnixMilli(1000)}}
	p2 := e.ensureConversationLocked("P2")
	p2.messages = []message.Message{{ID: "m2", SenderDisplay: "Alice", Timestamp: time.UnixMilli(2000)}}
	e.unread["P1"] = true
	e.mu.Unlock()

	out := e.Consolidate("P2", "Alice")

	require.Len(t, out, 2)
	require.Equal(t, "m1", out[0].ID)
	require.Equal(t, "m2", out[1].ID)

	e.mu.Lock()
	_, p1Exists := e.conversations["P1"]
	_, p2Exists := e.conversations["P2"]
	unreadP2 := e.unread["P2"]
	unreadP1 := e.unread["P1"]
	e.mu.Unlock()

	require.False(t, p1Exists)
	require.True(t, p2Exists)
	require.True(t, unreadP2)
	require.False(t, unreadP1)
}

func TestConsolidate_TwiceIsIdempotent(t *testing.T) {
	e := New("me", nil, nil, nil, nil, testLogger())
	e.mu.Lock()
	p1 := e.ensureConversationLocked("P1")
	p1.messages = []message.Message{{ID: "m1", SenderDisplay: "Alice", Timestamp: time.UnixMilli(1000)}}
	p2 := e.ensureConversationLocked("P2")
	p2.messages = []message.Message{{ID: "m2", SenderDisplay: "Alice", Timestamp: time.UnixMilli(2000)}}
	e.mu.Unlock()

	first := e.Consolidate("P2", "Alice")
	second := e.Consolidate("P2", "Alice")

	require.Equal(t, first, second)
}

func TestConsolidate_NostrTempMergeVariant(t *testing.T) {
	contacts := newFakeContacts()
	contacts.fingerprint["P2"] = "fp-alice"
	contacts.fingerprint["nostr_abcdef0123456789"] = "fp-alice"

	e := New("me", nil, contacts, nil, nil, testLogger())
	e.mu.Lock()
	p2 := e.ensureConversationLocked("P2")
	p2.messages = []message.Message{{ID: "m1", Timestamp: time.UnixMilli(1000)}}
	nostr := e.ensureConversationLocked("nostr_abcdef0123456789")
	nostr.messages = []message.Message{{ID: "m2", Timestamp: time.UnixMilli(2000)}}
	e.mu.Unlock()

	e.Consolidate("P2", "")

	e.mu.Lock()
	_, nostrExists := e.conversations["nostr_abcdef0123456789"]
	merged := e.conversations["P2"].messages
	e.mu.Unlock()

	require.False(t, nostrExists)
	require.Len(t, merged, 2)
}

func TestHandleIncoming_MeshOrigin_BlockedIsDropped(t *testing.T) {
	contacts := newFakeContacts()
	contacts.fingerprint["evil"] = "fp-evil"
	contacts.blocked["fp-evil"] = true

	e := New("me", nil, contacts, nil, nil, testLogger())
	e.HandleIncoming(message.Message{ID: "m1", SenderPeerAddress: "evil", Timestamp: time.Now()}, false)

	e.mu.Lock()
	_, exists := e.conversations["evil"]
	e.mu.Unlock()
	require.False(t, exists)
}

func TestHandleIncoming_MeshOrigin_MarksUnreadUnlessSelected(t *testing.T) {
	e := New("me", nil, newFakeContacts(), nil, nil, testLogger())

	msg := message.Message{ID: "m1", SenderPeerAddress: "peerA", Timestamp: time.Now()}
	e.InsertMeshMessage("peerA", msg)
	e.HandleIncoming(msg, false)

	e.mu.Lock()
	unread := e.unread["peerA"]
	pending := e.conversations["peerA"].pendingReceipts
	stored := e.conversations["peerA"].messages
	e.mu.Unlock()

	require.True(t, unread)
	require.Equal(t, []string{"m1"}, pending)
	require.Len(t, stored, 1)
	require.Equal(t, "m1", stored[0].ID)
}

func TestInsertOutgoing_RecordsMessageInConversation(t *testing.T) {
	e := New("me", nil, nil, nil, nil, testLogger())
	e.InsertOutgoing("peerA", message.Message{ID: "o1", Timestamp: time.Now()})

	e.mu.Lock()
	stored := e.conversations["peerA"].messages
	e.mu.Unlock()

	require.Len(t, stored, 1)
	require.Equal(t, "o1", stored[0].ID)
}

func TestHandleIncoming_RelayOrigin_AttachesToSelected(t *testing.T) {
	e := New("me", nil, nil, nil, nil, testLogger())
	e.mu.Lock()
	e.selected = "peerA"
	e.mu.Unlock()

	e.HandleIncoming(message.Message{ID: "r1", Timestamp: time.Now()}, false)

	e.mu.Lock()
	got := e.conversations["peerA"].messages
	e.mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, "r1", got[0].ID)
}

func TestStartPrivateChat_BlockedReturnsError(t *testing.T) {
	contacts := newFakeContacts()
	contacts.fingerprint["bad"] = "fp-bad"
	contacts.blocked["fp-bad"] = true

	e := New("me", newFakeSender(), contacts, nil, nil, testLogger())
	err := e.StartPrivateChat("bad")
	require.True(t, bcerr.Is(err, bcerr.KindBlockedPeer))
}

func TestStartPrivateChat_SetsSelectedAndClearsUnread(t *testing.T) {
	sender := newFakeSender()
	e := New("me", sender, newFakeContacts(), nil, nil, testLogger())

	e.mu.Lock()
	e.unread["peerA"] = true
	e.mu.Unlock()

	err := e.StartPrivateChat("peerA")
	require.NoError(t, err)

	e.mu.Lock()
	selected := e.selected
	unread := e.unread["peerA"]
	e.mu.Unlock()

	require.Equal(t, "peerA", selected)
	require.False(t, unread)
}

func TestEnsureHandshake_TieBreakByLexicographicAddress(t *testing.T) {
	sender := newFakeSender()
	e := New("aaa", sender, newFakeContacts(), nil, nil, testLogger())
	e.ensureHandshake("zzz")
	require.Equal(t, []string{"zzz"}, sender.initiated)
	require.Empty(t, sender.announced)

	sender2 := newFakeSender()
	e2 := New("zzz", sender2, newFakeContacts(), nil, nil, testLogger())
	e2.ensureHandshake("aaa")
	require.Equal(t, []string{"aaa"}, sender2.announced)
	require.Equal(t, []string{"aaa"}, sender2.initiated)
}

func TestEnsureHandshake_SkipsWhenSessionExists(t *testing.T) {
	sender := newFakeSender()
	sender.sessions["peerA"] = true
	e := New("me", sender, newFakeContacts(), nil, nil, testLogger())
	e.ensureHandshake("peerA")
	require.Empty(t, sender.initiated)
	require.Empty(t, sender.announced)
}

func TestBlock_ClearsSelectionAndLogsSystemMessage(t *testing.T) {
	contacts := newFakeContacts()
	contacts.fingerprint["peerA"] = "fp-a"

	e := New("me", newFakeSender(), contacts, nil, nil, testLogger())
	e.mu.Lock()
	e.selected = "peerA"
	e.mu.Unlock()

	require.NoError(t, e.Block("peerA"))

	e.mu.Lock()
	selected := e.selected
	logLen := len(e.systemLog)
	blocked := contacts.blocked["fp-a"]
	e.mu.Unlock()

	require.Empty(t, selected)
	require.Equal(t, 1, logLen)
	require.True(t, blocked)
}

func TestUnblock_ClearsBlockFlag(t *testing.T) {
	contacts := newFakeContacts()
	contacts.fingerprint["peerA"] = "fp-a"
	contacts.blocked["fp-a"] = true

	e := New("me", newFakeSender(), contacts, nil, nil, testLogger())
	require.NoError(t, e.Unblock("peerA"))
	require.False(t, contacts.blocked["fp-a"])
}

func TestDrainReadReceipts_SendsOneReceiptPerPendingIDAndClearsUnread(t *testing.T) {
	sender := newFakeSender()
	e := New("me", sender, newFakeContacts(), nil, nil, testLogger())

	e.mu.Lock()
	conv := e.ensureConversationLocked("peerA")
	conv.pendingReceipts = []string{"m1", "m2"}
	e.unread["peerA"] = true
	e.mu.Unlock()

	e.DrainReadReceipts("peerA")

	require.Equal(t, []string{"peerA:m1", "peerA:m2"}, sender.receipts)

	e.mu.Lock()
	unread := e.unread["peerA"]
	pending := e.conversations["peerA"].pendingReceipts
	e.mu.Unlock()
	require.False(t, unread)
	require.Empty(t, pending)
}

func TestObserve_EmitsSnapshotOnMutation(t *testing.T) {
	e := New("me", nil, nil, nil, nil, testLogger())
	ch, _, unsubscribe := e.Observe()
	defer unsubscribe()

	e.mu.Lock()
	e.ensureConversationLocked("peerA").messages = []message.Message{msgAt("m1", 1000)}
	e.publishLocked()
	e.mu.Unlock()

	select {
	case snap := <-ch:
		require.Contains(t, snap.Conversations, "peerA")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}
