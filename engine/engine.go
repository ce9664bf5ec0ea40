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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bitchat-mesh/bitchat-core/bcerr"
	"github.com/bitchat-mesh/bitchat-core/config"
	"github.com/bitchat-mesh/bitchat-core/internal/snapshot"
	"github.com/bitchat-mesh/bitchat-core/message"
)

// Engine is ConversationEngine (spec section 4.5): the peer-keyed
// conversation map, unread set, and pending read-receipt queues, guarded
// by one mutex the way the teacher guards its agent's connection map.
// Observers see only copy-on-read snapshots (spec section 9).
type Engine struct {
	mu            sync.Mutex
	myPeerAddress string
	conversations map[string]*conversation
	unread        map[string]bool
	selected      string
	systemLog     []message.Message

	sender   Sender
	contacts ContactLookup
	store    message.Store
	cfg      *config.Store
	log      *logrus.Entry
	bcast    *snapshot.Broadcaster[ConversationSnapshot]
}

// New constructs an Engine. sender and store may be nil for a
// transport/persistence-less engine (e.g. in tests exercising only the
// in-memory invariants).
func New(myPeerAddress string, sender Sender, contacts ContactLookup, store message.Store, cfg *config.Store, log *logrus.Logger) *Engine {
	e := &Engine{
		myPeerAddress: myPeerAddress,
		conversations: make(map[string]*conversation),
		unread:        make(map[string]bool),
		sender:        sender,
		contacts:      contacts,
		store:         store,
		cfg:           cfg,
		log:           log.WithField("component", "ConversationEngine"),
		bcast:         snapshot.NewBroadcaster[ConversationSnapshot](),
	}
	e.publish()
	return e
}

// Observe subscribes to the live conversation snapshot stream.
func (e *Engine) Observe() (<-chan ConversationSnapshot, ConversationSnapshot, func()) {
	return e.bcast.Subscribe()
}

// Sanitize deduplicates and re-sorts addr's conversation in place
// (spec section 4.5.1). A no-op if addr has no conversation.
func (e *Engine) Sanitize(addr string) {
	e.mu.Lock()
	e.sanitizeLocked(addr)
	e.publishLocked()
	e.mu.Unlock()
}

func (e *Engine) sanitizeLocked(addr string) {
	conv, ok := e.conversations[addr]
	if !ok {
		return
	}
	conv.messages = sanitizeSlice(conv.messages)
}

func (e *Engine) ensureConversationLocked(addr string) *conversation {
	conv, ok := e.conversations[addr]
	if !ok {
		conv = &conversation{}
		e.conversations[addr] = conv
	}
	return conv
}

// Consolidate merges every conversation containing a message whose
// sender or recipient nickname equals displayName into targetAddr,
// transferring unread status and clearing targetAddr's pending
// read-receipt queue (spec section 4.5.2). Also performs the
// Nostr-temp merge variant. Idempotent.
func (e *Engine) Consolidate(targetAddr, displayName string) []message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.consolidateLocked(targetAddr, displayName)
	e.publishLocked()
	return out
}

func (e *Engine) consolidateLocked(targetAddr, displayName string) []message.Message {
	var sources []string
	matched := make(map[string]bool)
	if displayName != "" {
		for addr, conv := range e.conversations {
			for _, m := range conv.messages {
				if m.SenderDisplay == displayName || m.RecipientNickname == displayName {
					matched[addr] = true
					break
				}
			}
		}
	}
	for addr := range matched {
		sources = append(sources, addr)
	}
	if _, ok := e.conversations[targetAddr]; ok && !matched[targetAddr] {
		sources = append(sources, targetAddr)
		matched[targetAddr] = true
	}

	var union []message.Message
	transferUnread := false
	for _, addr := range sources {
		conv := e.conversations[addr]
		union = append(union, conv.messages...)
		if e.unread[addr] {
			transferUnread = true
		}
	}
	union = sanitizeSlice(union)

	for _, addr := range sources {
		if addr == targetAddr {
			continue
		}
		delete(e.conversations, addr)
		delete(e.unread, addr)
	}

	target := e.ensureConversationLocked(targetAddr)
	target.messages = union
	target.pendingReceipts = nil

	if transferUnread {
		e.unread[targetAddr] = true
	} else {
		delete(e.unread, targetAddr)
	}

	e.mergeNostrTempLocked(targetAddr, displayName)

	return append([]message.Message(nil), e.conversations[targetAddr].messages...)
}

// mergeNostrTempLocked folds any "nostr_<pubhex16>" conversation whose
// identity the contact store attributes to targetAddr into targetAddr,
// per the Nostr-temp merge variant of spec section 4.5.2.
func (e *Engine) mergeNostrTempLocked(targetAddr, displayName string) {
	if e.contacts == nil {
		return
	}
	targetFp, ok := e.contacts.FingerprintForAddress(targetAddr)
	if !ok {
		return
	}
	var sources []string
	for addr := range e.conversations {
		if addr == targetAddr || !isNostrTempKey(addr) {
			continue
		}
		if fp, ok := e.contacts.FingerprintForAddress(addr); ok && fp == targetFp {
			sources = append(sources, addr)
		}
	}
	if len(sources) == 0 {
		return
	}

	target := e.ensureConversationLocked(targetAddr)
	union := append([]message.Message(nil), target.messages...)
	transferUnread := e.unread[targetAddr]
	for _, addr := range sources {
		union = append(union, e.conversations[addr].messages...)
		if e.unread[addr] {
			transferUnread = true
		}
		delete(e.conversations, addr)
		delete(e.unread, addr)
	}
	target.messages = sanitizeSlice(union)
	if transferUnread {
		e.unread[targetAddr] = true
	}
}

// StartPrivateChat implements the state machine of spec section 4.5.3.
func (e *Engine) StartPrivateChat(addr string) error {
	const op = "ConversationEngine.start_private_chat"

	if blocked, _ := e.isBlockedAddress(addr); blocked {
		e.mu.Lock()
		e.appendSystemMessageLocked(addr, "cannot open chat: contact is blocked")
		e.publishLocked()
		e.mu.Unlock()
		return bcerr.New(bcerr.KindBlockedPeer, op, nil)
	}

	e.ensureHandshake(addr)

	e.mu.Lock()
	var displayName string
	var haveName bool
	if e.contacts != nil {
		displayName, haveName = e.contacts.DisplayNameForAddress(addr)
	}
	if haveName {
		e.consolidateLocked(addr, displayName)
	}
	e.mergeNostrTempLocked(addr, displayName)
	e.sanitizeLocked(addr)
	e.selected = addr
	delete(e.unread, addr)
	e.publishLocked()
	e.mu.Unlock()

	e.mergePersisted(addr)
	e.DrainReadReceipts(addr)
	return nil
}

func (e *Engine) isBlockedAddress(addr string) (bool, error) {
	if e.contacts == nil {
		return false, nil
	}
	fp, ok := e.contacts.FingerprintForAddress(addr)
	if !ok {
		return false, nil
	}
	return e.contacts.IsBlockedFingerprint(fp)
}

// mergePersisted loads any saved messages for addr and dedup-merges them
// into the live conversation (spec section 4.5.3 step 7).
func (e *Engine) mergePersisted(addr string) {
	if e.store == nil {
		return
	}
	persisted, err := e.store.Load(addr)
	if err != nil {
		e.log.WithError(err).Warn("failed to load persisted messages")
		return
	}
	if len(persisted) == 0 {
		return
	}
	e.mu.Lock()
	conv := e.ensureConversationLocked(addr)
	conv.messages = sanitizeSlice(append(conv.messages, persisted...))
	e.publishLocked()
	e.mu.Unlock()
}

// InsertMeshMessage is the "outer state store" insertion point spec
// section 4.5.4 assumes for the mesh path: the mesh receive handler
// calls this once, before HandleIncoming, so the message is recorded
// exactly once and HandleIncoming's mesh-origin branch never
// double-inserts it.
func (e *Engine) InsertMeshMessage(addr string, msg message.Message) {
	e.mu.Lock()
	conv := e.ensureConversationLocked(addr)
	conv.messages = append(conv.messages, msg)
	e.sanitizeLocked(addr)
	e.publishLocked()
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Save(addr, msg); err != nil {
			e.log.WithError(err).Warn("failed to persist mesh message")
		}
	}
}

// InsertOutgoing implements sendpipeline.Inserter: it records an
// outgoing message in addr's conversation immediately, before
// EmitCallback has a chance to run, so the UI sees it without waiting
// for delivery (spec section 4.5.5 step 3).
func (e *Engine) InsertOutgoing(addr string, msg message.Message) {
	e.mu.Lock()
	conv := e.ensureConversationLocked(addr)
	conv.messages = append(conv.messages, msg)
	e.sanitizeLocked(addr)
	e.publishLocked()
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Save(addr, msg); err != nil {
			e.log.WithError(err).Warn("failed to persist outgoing message")
		}
	}
}

// HandleIncoming implements spec section 4.5.4. Mesh-origin messages
// (SenderPeerAddress set) are inserted by the caller via
// InsertMeshMessage before this runs; relay-origin messages
// (SenderPeerAddress empty) are inserted here, attached to the
// currently-selected conversation.
func (e *Engine) HandleIncoming(msg message.Message, suppressUnread bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.SenderPeerAddress != "" {
		addr := msg.SenderPeerAddress
		if e.contacts != nil {
			if fp, ok := e.contacts.FingerprintForAddress(addr); ok {
				if blocked, err := e.contacts.IsBlockedFingerprint(fp); err == nil && blocked {
					return // silently dropped, spec section 7
				}
			}
		}
		conv := e.ensureConversationLocked(addr)
		e.sanitizeLocked(addr)
		if e.selected != addr && !suppressUnread {
			conv.pendingReceipts = append(conv.pendingReceipts, msg.ID)
			e.unread[addr] = true
		}
		e.publishLocked()
		return
	}

	if e.selected == "" {
		return
	}
	conv := e.ensureConversationLocked(e.selected)
	conv.messages = append(conv.messages, msg)
	e.sanitizeLocked(e.selected)
	e.publishLocked()
}

// DrainReadReceipts sends one read receipt per pending message ID for
// addr and clears its unread entry, per spec section 4.5.6.
func (e *Engine) DrainReadReceipts(addr string) {
	e.mu.Lock()
	conv, ok := e.conversations[addr]
	var pending []string
	if ok {
		pending = conv.pendingReceipts
		conv.pendingReceipts = nil
	}
	delete(e.unread, addr)
	e.publishLocked()
	e.mu.Unlock()

	if e.sender == nil {
		return
	}
	for _, id := range pending {
		e.sender.SendReadReceipt(addr, id)
	}
}

// ensureHandshake applies the handshake-initiator tie-break of spec
// section 4.5.7.
func (e *Engine) ensureHandshake(addr string) {
	if e.sender == nil || e.sender.HasSession(addr) {
		return
	}
	if e.myPeerAddress < addr {
		e.sender.InitiateHandshake(addr)
		return
	}
	e.sender.SendAnnounce(addr)
	e.sender.InitiateHandshake(addr)
}

// Block records addr's contact as blocked by fingerprint (so the block
// survives address rotation), clearing the selection and logging a
// system message if addr was selected (spec section 4.5.8).
func (e *Engine) Block(addr string) error {
	const op = "ConversationEngine.block"
	if e.contacts == nil {
		return bcerr.New(bcerr.KindNotFound, op, nil)
	}
	fp, ok := e.contacts.FingerprintForAddress(addr)
	if !ok {
		return bcerr.New(bcerr.KindNotFound, op, nil)
	}
	if err := e.contacts.SetBlockedFingerprint(fp, true); err != nil {
		return bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}

	e.mu.Lock()
	if e.selected == addr {
		e.selected = ""
		e.appendSystemMessageLocked(addr, "contact blocked")
	}
	e.publishLocked()
	e.mu.Unlock()
	return nil
}

// Unblock clears addr's fingerprint block flag.
func (e *Engine) Unblock(addr string) error {
	const op = "ConversationEngine.unblock"
	if e.contacts == nil {
		return bcerr.New(bcerr.KindNotFound, op, nil)
	}
	fp, ok := e.contacts.FingerprintForAddress(addr)
	if !ok {
		return bcerr.New(bcerr.KindNotFound, op, nil)
	}
	if err := e.contacts.SetBlockedFingerprint(fp, false); err != nil {
		return bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	return nil
}

func (e *Engine) appendSystemMessageLocked(addr, text string) {
	e.systemLog = append(e.systemLog, message.Message{
		ID:            uuid.NewString(),
		SenderDisplay: "system",
		Content:       addr + ": " + text,
		Timestamp:     time.Now(),
		Status:        message.Sent(),
	})
}

func (e *Engine) publish() {
	e.mu.Lock()
	e.publishLocked()
	e.mu.Unlock()
}

func (e *Engine) publishLocked() {
	snap := ConversationSnapshot{
		Conversations: make(map[string][]message.Message, len(e.conversations)),
		Unread:        make(map[string]bool, len(e.unread)),
		Selected:      e.selected,
		SystemLog:     append([]message.Message(nil), e.systemLog...),
		UpdatedAt:     time.Now(),
	}
	for addr, conv := range e.conversations {
		snap.Conversations[addr] = append([]message.Message(nil), conv.messages...)
	}
	for addr := range e.unread {
		snap.Unread[addr] = true
	}
	e.bcast.Publish(snap)
}
