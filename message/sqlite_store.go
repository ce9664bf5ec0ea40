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
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration, as in several pack manifests (rclone, Chartly2.0)
	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"

	"github.com/bitchat-mesh/bitchat-core/bcerr"
	"github.com/bitchat-mesh/bitchat-core/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	peer_address TEXT NOT NULL,
	sender TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp_millis INTEGER NOT NULL,
	is_private INTEGER NOT NULL,
	delivery_status_text TEXT NOT NULL,
	recipient_nickname TEXT,
	sender_peer_address TEXT,
	encrypted_blob BLOB,
	is_encrypted_flag INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_peer_ts ON messages(peer_address, timestamp_millis);
`

// SQLiteStore implements Store on top of database/sql + mattn/go-sqlite3,
// matching the persistence schema of spec section 6 literally: the
// spec's "ancillary files (journal, shared-memory)" in the PanicWipe
// sequence are SQLite's WAL -wal/-shm sidecar files, which is why this
// store opens the database in WAL mode.
type SQLiteStore struct {
	db   *sql.DB
	cfg  *config.Store
	log  *logrus.Entry
	path string
}

// Open opens (creating if absent) a SQLite-backed MessageStore at path.
func Open(path string, cfg *config.Store, log *logrus.Logger) (*SQLiteStore, error) {
	const op = "MessageStore.open"
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	return &SQLiteStore{db: db, cfg: cfg, log: log.WithField("component", "MessageStore"), path: path}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Save(peerAddr string, msg Message) error {
	if !gate(s.cfg) {
		return nil
	}
	return s.withCap(peerAddr, func(tx *sql.Tx) error {
		return insertOrReplace(tx, peerAddr, msg)
	})
}

func (s *SQLiteStore) SaveBatch(peerAddr string, msgs []Message) error {
	if !gate(s.cfg) {
		return nil
	}
	return s.withCap(peerAddr, func(tx *sql.Tx) error {
		for _, m := range msgs {
			if err := insertOrReplace(tx, peerAddr, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// withCap runs fn in a transaction, then enforces the MESSAGE_CAP
// post-condition for peerAddr (spec section 4.3/8): after any save,
// at most config.MessageCap messages remain for that peer, the oldest
// by timestamp (ties broken by id) evicted first.
func (s *SQLiteStore) withCap(peerAddr string, fn func(tx *sql.Tx) error) error {
	const op = "MessageStore.save"
	tx, err := s.db.Begin()
	if err != nil {
		return bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}

	msgCap := s.cfg.Get().MessageCap
	if msgCap > 0 {
		_, err = tx.Exec(`
			DELETE FROM messages
			WHERE peer_address = ? AND id IN (
				SELECT id FROM messages WHERE peer_address = ?
				ORDER BY timestamp_millis ASC, id ASC
				LIMIT MAX((SELECT COUNT(*) FROM messages WHERE peer_address = ?) - ?, 0)
			)`, peerAddr, peerAddr, peerAddr, msgCap)
		if err != nil {
			return bcerr.New(bcerr.KindPersistenceFailure, op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	return nil
}

func insertOrReplace(tx *sql.Tx, peerAddr string, m Message) error {
	blob, encrypted, err := compressBlob(m.EncryptedBlob)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO messages (id, peer_address, sender, content, timestamp_millis, is_private,
			delivery_status_text, recipient_nickname, sender_peer_address, encrypted_blob, is_encrypted_flag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer_address=excluded.peer_address,
			sender=excluded.sender,
			content=excluded.content,
			timestamp_millis=excluded.timestamp_millis,
			is_private=excluded.is_private,
			delivery_status_text=excluded.delivery_status_text,
			recipient_nickname=excluded.recipient_nickname,
			sender_peer_address=excluded.sender_peer_address,
			encrypted_blob=excluded.encrypted_blob,
			is_encrypted_flag=excluded.is_encrypted_flag
	`,
		m.ID, peerAddr, m.SenderDisplay, m.Content, m.Timestamp.UnixMilli(), boolToInt(m.IsPrivate),
		m.Status.Encode(), nullableString(m.RecipientNickname), nullableString(m.SenderPeerAddress),
		blob, boolToInt(encrypted),
	)
	return err
}

// compressBlob lz4-compresses a non-empty blob before it is written to
// disk (spec section 3's encrypted_blob is already Noise ciphertext;
// compressing it here follows the real BitChat client's own dependency
// on lz4 for payload compression ahead of the encrypted-at-rest store).
func compressBlob(blob []byte) ([]byte, bool, error) {
	if len(blob) == 0 {
		return nil, false, nil
	}
	buf := make([]byte, lz4.CompressBlockBound(len(blob)))
	var c lz4.Compressor
	n, err := c.CompressBlock(blob, buf)
	if err != nil {
		return nil, false, bcerr.New(bcerr.KindPersistenceFailure, "MessageStore.compress_blob", err)
	}
	if n == 0 || n >= len(blob) {
		// incompressible: store raw, flag as uncompressed via leading tag byte 0
		return append([]byte{0}, blob...), true, nil
	}
	out := make([]byte, 0, n+9)
	out = append(out, 1)
	out = appendUvarint(out, uint64(len(blob)))
	out = append(out, buf[:n]...)
	return out, true, nil
}

func decompressBlob(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	switch stored[0] {
	case 0:
		return stored[1:], nil
	case 1:
		rest := stored[1:]
		origLen, n := readUvarint(rest)
		compressed := rest[n:]
		dst := make([]byte, origLen)
		if _, err := lz4.UncompressBlock(compressed, dst); err != nil {
			return nil, bcerr.New(bcerr.KindPersistenceFailure, "MessageStore.decompress_blob", err)
		}
		return dst, nil
	default:
		return nil, bcerr.New(bcerr.KindPersistenceFailure, "MessageStore.decompress_blob", fmt.Errorf("unknown blob tag %d", stored[0]))
	}
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [10]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	n++
	return append(buf, tmp[:n]...)
}

func readUvarint(buf []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, b := range buf {
		v |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return v, i + 1
		}
		shift += 7
	}
	return v, len(buf)
}

func (s *SQLiteStore) Load(peerAddr string) ([]Message, error) {
	if !gate(s.cfg) {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT id, sender, content, timestamp_millis, is_private, delivery_status_text,
		recipient_nickname, sender_peer_address, encrypted_blob
		FROM messages WHERE peer_address = ? ORDER BY timestamp_millis ASC`, peerAddr)
	if err != nil {
		return nil, bcerr.New(bcerr.KindPersistenceFailure, "MessageStore.load", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) LoadPaginated(peerAddr string, limit, offset int) ([]Message, error) {
	if !gate(s.cfg) {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT id, sender, content, timestamp_millis, is_private, delivery_status_text,
		recipient_nickname, sender_peer_address, encrypted_blob
		FROM messages WHERE peer_address = ? ORDER BY timestamp_millis DESC LIMIT ? OFFSET ?`,
		peerAddr, limit, offset)
	if err != nil {
		return nil, bcerr.New(bcerr.KindPersistenceFailure, "MessageStore.load_paginated", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var (
			m                                  Message
			tsMillis                           int64
			isPrivate                          int
			statusText                         string
			recipientNickname, senderPeerAddr  sql.NullString
			blob                               []byte
		)
		if err := rows.Scan(&m.ID, &m.SenderDisplay, &m.Content, &tsMillis, &isPrivate, &statusText,
			&recipientNickname, &senderPeerAddr, &blob); err != nil {
			return nil, bcerr.New(bcerr.KindPersistenceFailure, "MessageStore.scan", err)
		}
		m.Timestamp = time.UnixMilli(tsMillis)
		m.IsPrivate = isPrivate != 0
		m.RecipientNickname = recipientNickname.String
		m.SenderPeerAddress = senderPeerAddr.String
		status, err := DecodeStatus(statusText)
		if err != nil {
			return nil, err
		}
		m.Status = status
		plain, err := decompressBlob(blob)
		if err != nil {
			return nil, err
		}
		m.EncryptedBlob = plain
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(msgID, peerAddr string, next DeliveryStatus) error {
	if !gate(s.cfg) {
		return nil
	}
	const op = "MessageStore.update_status"
	var cur string
	err := s.db.QueryRow(`SELECT delivery_status_text FROM messages WHERE id = ? AND peer_address = ?`, msgID, peerAddr).Scan(&cur)
	if err == sql.ErrNoRows {
		return bcerr.New(bcerr.KindNotFound, op, nil)
	}
	if err != nil {
		return bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	curStatus, err := DecodeStatus(cur)
	if err != nil {
		return err
	}
	applied := curStatus.Advance(next)
	_, err = s.db.Exec(`UPDATE messages SET delivery_status_text = ? WHERE id = ? AND peer_address = ?`,
		applied.Encode(), msgID, peerAddr)
	if err != nil {
		return bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteConversation(peerAddr string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE peer_address = ?`, peerAddr)
	if err != nil {
		return 0, bcerr.New(bcerr.KindPersistenceFailure, "MessageStore.delete_conversation", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) DeleteAll() (int, error) {
	res, err := s.db.Exec(`DELETE FROM messages`)
	if err != nil {
		return 0, bcerr.New(bcerr.KindPersistenceFailure, "MessageStore.delete_all", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Search(query string, peerAddr string) ([]Message, error) {
	if !gate(s.cfg) {
		return nil, nil
	}
	like := "%" + strings.ToLower(query) + "%"
	var rows *sql.Rows
	var err error
	if peerAddr == "" {
		rows, err = s.db.Query(`SELECT id, sender, content, timestamp_millis, is_private, delivery_status_text,
			recipient_nickname, sender_peer_address, encrypted_blob
			FROM messages WHERE LOWER(content) LIKE ? ORDER BY timestamp_millis ASC`, like)
	} else {
		rows, err = s.db.Query(`SELECT id, sender, content, timestamp_millis, is_private, delivery_status_text,
			recipient_nickname, sender_peer_address, encrypted_blob
			FROM messages WHERE peer_address = ? AND LOWER(content) LIKE ? ORDER BY timestamp_millis ASC`, peerAddr, like)
	}
	if err != nil {
		return nil, bcerr.New(bcerr.KindPersistenceFailure, "MessageStore.search", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) ApplyRetention(maxAgeDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM messages WHERE timestamp_millis < ?`, cutoff)
	if err != nil {
		return 0, bcerr.New(bcerr.KindPersistenceFailure, "MessageStore.apply_retention", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.WithField("deleted", n).Debug("retention sweep")
	}
	return int(n), nil
}

// Path returns the underlying database file path, used by PanicWipe to
// locate the file and its WAL/SHM sidecars.
func (s *SQLiteStore) Path() string { return s.path }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
