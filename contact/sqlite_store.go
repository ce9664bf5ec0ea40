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

package contact

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/bitchat-mesh/bitchat-core/bcerr"
	"github.com/bitchat-mesh/bitchat-core/identity"
	"github.com/bitchat-mesh/bitchat-core/internal/snapshot"
)

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	hash_id TEXT PRIMARY KEY,
	public_key_hex TEXT UNIQUE,
	signing_key_hex TEXT,
	display_name TEXT NOT NULL,
	custom_name TEXT,
	trusted INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	favorite INTEGER NOT NULL DEFAULT 0,
	groups_json TEXT,
	notes TEXT,
	verification_method TEXT,
	added_at INTEGER NOT NULL,
	last_seen_at INTEGER,
	last_message_at INTEGER,
	unread_count INTEGER NOT NULL DEFAULT 0,
	current_peer_address TEXT,
	connected INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contacts_trusted ON contacts(trusted);
CREATE INDEX IF NOT EXISTS idx_contacts_blocked ON contacts(blocked);

CREATE TABLE IF NOT EXISTS fingerprint_flags (
	fingerprint TEXT PRIMARY KEY,
	blocked INTEGER NOT NULL DEFAULT 0,
	favorite INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore implements Store on top of database/sql + mattn/go-sqlite3,
// matching the persistence schema of spec section 6, plus the
// fingerprint_flags table supplementing spec section 3 (see
// SPEC_FULL.md, "Supplemented features").
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Entry

	bcast *snapshot.Broadcaster[[]Contact]
}

// Open opens (creating if absent) a SQLite-backed ContactStore at path.
func Open(path string, log *logrus.Logger) (*SQLiteStore, error) {
	const op = "ContactStore.open"
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	s := &SQLiteStore{db: db, log: log.WithField("component", "ContactStore"), bcast: snapshot.NewBroadcaster[[]Contact]()}
	s.publish()
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) publish() {
	all, err := s.listAll()
	if err != nil {
		s.log.WithError(err).Warn("failed to publish contact snapshot")
		return
	}
	s.bcast.Publish(all)
}

func (s *SQLiteStore) Observe() (<-chan []Contact, []Contact, func()) {
	return s.bcast.Subscribe()
}

func (s *SQLiteStore) AddByHashID(hashID, customName string, method VerificationMethod) (Contact, error) {
	const op = "ContactStore.add_by_hash_id"
	if !identity.IsValidHashID(hashID) {
		return Contact{}, bcerr.New(bcerr.KindInvalidInput, op, fmt.Errorf("invalid hash id %q", hashID))
	}
	if existing, err := s.GetByHash(hashID); err == nil {
		return existing, bcerr.New(bcerr.KindAlreadyExists, op, nil)
	}
	now := time.Now()
	c := Contact{
		HashID:             hashID,
		CustomName:         customName,
		VerificationMethod: method,
		AddedAt:            now,
		UpdatedAt:          now,
	}
	if err := s.insert(c); err != nil {
		return Contact{}, bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	s.publish()
	return c, nil
}

func (s *SQLiteStore) AddFromPeer(pk [32]byte, signingKey []byte, displayName, addr string, trusted bool, method VerificationMethod) (Contact, error) {
	const op = "ContactStore.add_from_peer"
	hashID := identity.HashID(pk)
	now := time.Now()

	existing, err := s.GetByHash(hashID)
	if err == nil {
		existing.PublicKeyHex = hex.EncodeToString(pk[:])
		if len(signingKey) > 0 {
			existing.SigningKeyHex = hex.EncodeToString(signingKey)
		}
		existing.DisplayName = displayName
		if addr != "" {
			existing.CurrentPeerAddress = addr
			existing.Connected = true
		}
		existing.Trusted = existing.Trusted || trusted
		existing.UpdatedAt = now
		if err := s.update(existing); err != nil {
			return Contact{}, bcerr.New(bcerr.KindPersistenceFailure, op, err)
		}
		s.publish()
		return existing, nil
	}

	c := Contact{
		PublicKeyHex:        hex.EncodeToString(pk[:]),
		HashID:              hashID,
		DisplayName:         displayName,
		Trusted:             trusted,
		VerificationMethod:  method,
		CurrentPeerAddress:  addr,
		Connected:           addr != "",
		AddedAt:             now,
		UpdatedAt:           now,
	}
	if len(signingKey) > 0 {
		c.SigningKeyHex = hex.EncodeToString(signingKey)
	}
	if addr != "" {
		t := now
		c.LastSeenAt = &t
	}
	if err := s.insert(c); err != nil {
		return Contact{}, bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	s.publish()
	return c, nil
}

func (s *SQLiteStore) SyncWithPeer(addr string, pk [32]byte, signingKey []byte, displayName string) error {
	c, err := s.GetByPublicKey(pk)
	if err != nil {
		// per spec 4.2: we do NOT auto-add unknown peers
		return nil
	}
	now := time.Now()
	c.CurrentPeerAddress = addr
	c.Connected = true
	c.DisplayName = displayName
	c.LastSeenAt = &now
	c.UpdatedAt = now
	if len(signingKey) > 0 {
		c.SigningKeyHex = hex.EncodeToString(signingKey)
	}
	if err := s.update(c); err != nil {
		return bcerr.New(bcerr.KindPersistenceFailure, "ContactStore.sync_with_peer", err)
	}
	s.publish()
	return nil
}

func (s *SQLiteStore) IsContact(pk [32]byte) bool {
	_, err := s.GetByPublicKey(pk)
	return err == nil
}

func (s *SQLiteStore) IsBlocked(hashID string) (bool, error) {
	c, err := s.GetByHash(hashID)
	if err != nil {
		return false, err
	}
	if c.Blocked {
		return true, nil
	}
	if c.PublicKeyHex != "" {
		var pk [32]byte
		if b, err := hex.DecodeString(c.PublicKeyHex); err == nil && len(b) == 32 {
			copy(pk[:], b)
			return s.IsBlockedFingerprint(identity.Fingerprint(pk))
		}
	}
	return false, nil
}

func (s *SQLiteStore) GetByHash(hashID string) (Contact, error) {
	return s.queryOne(`SELECT `+contactColumns+` FROM contacts WHERE hash_id = ?`, hashID)
}

func (s *SQLiteStore) GetByPublicKey(pk [32]byte) (Contact, error) {
	return s.queryOne(`SELECT `+contactColumns+` FROM contacts WHERE public_key_hex = ?`, hex.EncodeToString(pk[:]))
}

func (s *SQLiteStore) GetByAddress(addr string) (Contact, error) {
	return s.queryOne(`SELECT `+contactColumns+` FROM contacts WHERE current_peer_address = ?`, addr)
}

// DisplayNameForAddress resolves addr's contact self-announced display
// name, satisfying engine.ContactLookup so ConversationEngine can match
// it against a message's SenderDisplay/RecipientNickname (spec section
// 4.5.2 consolidation).
func (s *SQLiteStore) DisplayNameForAddress(addr string) (string, bool) {
	c, err := s.GetByAddress(addr)
	if err != nil || c.DisplayName == "" {
		return "", false
	}
	return c.DisplayName, true
}

// FingerprintForAddress resolves addr's contact fingerprint, derived
// from its stored public key, satisfying engine.ContactLookup so
// ConversationEngine can consult the fingerprint-keyed block flags and
// perform the Nostr-temp merge.
func (s *SQLiteStore) FingerprintForAddress(addr string) (string, bool) {
	c, err := s.GetByAddress(addr)
	if err != nil || c.PublicKeyHex == "" {
		return "", false
	}
	raw, err := hex.DecodeString(c.PublicKeyHex)
	if err != nil || len(raw) != 32 {
		return "", false
	}
	var pk [32]byte
	copy(pk[:], raw)
	return identity.Fingerprint(pk), true
}

func (s *SQLiteStore) SetFavorite(hashID string, favorite bool) error {
	return s.mutate(hashID, "ContactStore.set_favorite", func(c *Contact) { c.Favorite = favorite })
}

func (s *SQLiteStore) SetBlocked(hashID string, blocked bool) error {
	return s.mutate(hashID, "ContactStore.set_blocked", func(c *Contact) { c.Blocked = blocked })
}

func (s *SQLiteStore) SetTrusted(hashID string, trusted bool) error {
	return s.mutate(hashID, "ContactStore.set_trusted", func(c *Contact) { c.Trusted = trusted })
}

func (s *SQLiteStore) UpdateDisplayName(hashID, name string) error {
	return s.mutate(hashID, "ContactStore.update_display_name", func(c *Contact) { c.DisplayName = name })
}

func (s *SQLiteStore) UpdateCustomName(hashID, name string) error {
	return s.mutate(hashID, "ContactStore.update_custom_name", func(c *Contact) { c.CustomName = name })
}

func (s *SQLiteStore) IncrementUnread(hashID string) error {
	return s.mutate(hashID, "ContactStore.increment_unread", func(c *Contact) { c.UnreadCount++ })
}

func (s *SQLiteStore) ClearUnread(hashID string) error {
	return s.mutate(hashID, "ContactStore.clear_unread", func(c *Contact) { c.UnreadCount = 0 })
}

func (s *SQLiteStore) MarkDisconnected(addr string) error {
	const op = "ContactStore.mark_disconnected"
	c, err := s.GetByAddress(addr)
	if err != nil {
		return nil // no contact at this address: nothing to do
	}
	c.Connected = false
	c.UpdatedAt = time.Now()
	if err := s.update(c); err != nil {
		return bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	s.publish()
	return nil
}

func (s *SQLiteStore) UpdateLastMessage(hashID string, at time.Time) error {
	return s.mutate(hashID, "ContactStore.update_last_message", func(c *Contact) { c.LastMessageAt = &at })
}

func (s *SQLiteStore) mutate(hashID, op string, fn func(*Contact)) error {
	c, err := s.GetByHash(hashID)
	if err != nil {
		return err
	}
	fn(&c)
	c.UpdatedAt = time.Now()
	if err := s.update(c); err != nil {
		return bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	s.publish()
	return nil
}

// ListOrdered implements the spec section 4.2 ordering rule:
// favorite DESC, last_message_at DESC NULLS LAST, display_name ASC,
// excluding blocked contacts.
func (s *SQLiteStore) ListOrdered() ([]Contact, error) {
	all, err := s.listAll()
	if err != nil {
		return nil, err
	}
	var out []Contact
	for _, c := range all {
		if !c.Blocked {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Favorite != b.Favorite {
			return a.Favorite // true (favorite) sorts first
		}
		an, bn := a.LastMessageAt, b.LastMessageAt
		switch {
		case an == nil && bn == nil:
			// fall through to name comparison
		case an == nil:
			return false // nil sorts last
		case bn == nil:
			return true
		case !an.Equal(*bn):
			return an.After(*bn)
		}
		return a.DisplayName < b.DisplayName
	})
	return out, nil
}

func (s *SQLiteStore) IsBlockedFingerprint(fingerprint string) (bool, error) {
	var blocked int
	err := s.db.QueryRow(`SELECT blocked FROM fingerprint_flags WHERE fingerprint = ?`, fingerprint).Scan(&blocked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, bcerr.New(bcerr.KindPersistenceFailure, "ContactStore.is_blocked_fingerprint", err)
	}
	return blocked != 0, nil
}

func (s *SQLiteStore) SetBlockedFingerprint(fingerprint string, blocked bool) error {
	return s.upsertFlag(fingerprint, "blocked", blocked)
}

func (s *SQLiteStore) SetFavoriteFingerprint(fingerprint string, favorite bool) error {
	return s.upsertFlag(fingerprint, "favorite", favorite)
}

func (s *SQLiteStore) upsertFlag(fingerprint, column string, value bool) error {
	// column is always one of the two literals above, never user input
	query := fmt.Sprintf(`
		INSERT INTO fingerprint_flags (fingerprint, %s, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET %s = excluded.%s, updated_at = excluded.updated_at
	`, column, column, column)
	_, err := s.db.Exec(query, fingerprint, boolToInt(value), time.Now().UnixMilli())
	if err != nil {
		return bcerr.New(bcerr.KindPersistenceFailure, "ContactStore.upsert_flag", err)
	}
	return nil
}

const contactColumns = `hash_id, public_key_hex, signing_key_hex, display_name, custom_name, trusted, blocked,
	favorite, groups_json, notes, verification_method, added_at, last_seen_at, last_message_at,
	unread_count, current_peer_address, connected, updated_at`

func (s *SQLiteStore) queryOne(query string, args ...interface{}) (Contact, error) {
	row := s.db.QueryRow(query, args...)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return Contact{}, bcerr.New(bcerr.KindNotFound, "ContactStore.get", nil)
	}
	if err != nil {
		return Contact{}, bcerr.New(bcerr.KindPersistenceFailure, "ContactStore.get", err)
	}
	return c, nil
}

func (s *SQLiteStore) listAll() ([]Contact, error) {
	rows, err := s.db.Query(`SELECT ` + contactColumns + ` FROM contacts`)
	if err != nil {
		return nil, bcerr.New(bcerr.KindPersistenceFailure, "ContactStore.list_all", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, bcerr.New(bcerr.KindPersistenceFailure, "ContactStore.list_all", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContact(row scanner) (Contact, error) {
	var (
		c                                                   Contact
		pk, sk, custom, groupsJSON, notes, vm, addr          sql.NullString
		lastSeen, lastMessage                                sql.NullInt64
		addedAt, updatedAt                                    int64
		trusted, blocked, favorite, connected                 int
	)
	if err := row.Scan(&c.HashID, &pk, &sk, &c.DisplayName, &custom, &trusted, &blocked, &favorite,
		&groupsJSON, &notes, &vm, &addedAt, &lastSeen, &lastMessage, &c.UnreadCount, &addr, &connected, &updatedAt); err != nil {
		return Contact{}, err
	}
	c.PublicKeyHex = pk.String
	c.SigningKeyHex = sk.String
	c.CustomName = custom.String
	c.Notes = notes.String
	c.VerificationMethod = VerificationMethod(vm.String)
	c.CurrentPeerAddress = addr.String
	c.Trusted = trusted != 0
	c.Blocked = blocked != 0
	c.Favorite = favorite != 0
	c.Connected = connected != 0
	c.AddedAt = time.UnixMilli(addedAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	if lastSeen.Valid {
		t := time.UnixMilli(lastSeen.Int64)
		c.LastSeenAt = &t
	}
	if lastMessage.Valid {
		t := time.UnixMilli(lastMessage.Int64)
		c.LastMessageAt = &t
	}
	if groupsJSON.Valid && groupsJSON.String != "" {
		_ = json.Unmarshal([]byte(groupsJSON.String), &c.Groups)
	}
	return c, nil
}

func (s *SQLiteStore) insert(c Contact) error {
	groupsJSON, _ := json.Marshal(c.Groups)
	_, err := s.db.Exec(`
		INSERT INTO contacts (hash_id, public_key_hex, signing_key_hex, display_name, custom_name, trusted,
			blocked, favorite, groups_json, notes, verification_method, added_at, last_seen_at, last_message_at,
			unread_count, current_peer_address, connected, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.HashID, nullableString(c.PublicKeyHex), nullableString(c.SigningKeyHex), c.DisplayName, nullableString(c.CustomName),
		boolToInt(c.Trusted), boolToInt(c.Blocked), boolToInt(c.Favorite), string(groupsJSON), nullableString(c.Notes),
		nullableString(string(c.VerificationMethod)), c.AddedAt.UnixMilli(), nullableTime(c.LastSeenAt), nullableTime(c.LastMessageAt),
		c.UnreadCount, nullableString(c.CurrentPeerAddress), boolToInt(c.Connected), c.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) update(c Contact) error {
	groupsJSON, _ := json.Marshal(c.Groups)
	_, err := s.db.Exec(`
		UPDATE contacts SET public_key_hex = ?, signing_key_hex = ?, display_name = ?, custom_name = ?,
			trusted = ?, blocked = ?, favorite = ?, groups_json = ?, notes = ?, verification_method = ?,
			last_seen_at = ?, last_message_at = ?, unread_count = ?, current_peer_address = ?, connected = ?,
			updated_at = ?
		WHERE hash_id = ?`,
		nullableString(c.PublicKeyHex), nullableString(c.SigningKeyHex), c.DisplayName, nullableString(c.CustomName),
		boolToInt(c.Trusted), boolToInt(c.Blocked), boolToInt(c.Favorite), string(groupsJSON), nullableString(c.Notes),
		nullableString(string(c.VerificationMethod)), nullableTime(c.LastSeenAt), nullableTime(c.LastMessageAt),
		c.UnreadCount, nullableString(c.CurrentPeerAddress), boolToInt(c.Connected), c.UpdatedAt.UnixMilli(), c.HashID,
	)
	return err
}

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

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
