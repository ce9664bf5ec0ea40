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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/bitchat-core/bcerr"
	"github.com/bitchat-mesh/bitchat-core/identity"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "contacts.db")
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	s, err := Open(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPK(seed byte) [32]byte {
	var pk [32]byte
	for i := range pk {
		pk[i] = seed
	}
	return pk
}

func TestAddByHashID_IdempotentAlreadyExists(t *testing.T) {
	s := openTestStore(t)
	hash := identity.HashID(testPK(1))

	c, err := s.AddByHashID(hash, "Alice", VerificationQR)
	require.NoError(t, err)
	require.Equal(t, hash, c.HashID)
	require.Equal(t, "Alice", c.CustomName)

	_, err = s.AddByHashID(hash, "Alice2", VerificationQR)
	require.True(t, bcerr.Is(err, bcerr.KindAlreadyExists))
}

func TestAddByHashID_InvalidHash(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AddByHashID("not-valid", "x", VerificationManual)
	require.Error(t, err)
}

func TestAddFromPeer_CreatesThenUpdatesOnSync(t *testing.T) {
	s := openTestStore(t)
	pk := testPK(2)

	c, err := s.AddFromPeer(pk, nil, "Bob", "aa:bb:cc", false, VerificationInPerson)
	require.NoError(t, err)
	require.Equal(t, identity.HashID(pk), c.HashID)
	require.True(t, c.Connected)

	c2, err := s.AddFromPeer(pk, nil, "Bob Updated", "dd:ee:ff", true, VerificationInPerson)
	require.NoError(t, err)
	require.Equal(t, c.HashID, c2.HashID)
	require.Equal(t, "Bob Updated", c2.DisplayName)
	require.Equal(t, "dd:ee:ff", c2.CurrentPeerAddress)
	require.True(t, c2.Trusted)
}

func TestSyncWithPeer_DoesNotAutoAddUnknownPeer(t *testing.T) {
	s := openTestStore(t)
	pk := testPK(3)

	err := s.SyncWithPeer("aa:bb", pk, nil, "Mallory")
	require.NoError(t, err)

	require.False(t, s.IsContact(pk))
}

func TestSyncWithPeer_RefreshesExistingContact(t *testing.T) {
	s := openTestStore(t)
	pk := testPK(4)

	_, err := s.AddFromPeer(pk, nil, "Carol", "", false, VerificationManual)
	require.NoError(t, err)

	err = s.SyncWithPeer("11:22", pk, nil, "Carol Renamed")
	require.NoError(t, err)

	c, err := s.GetByPublicKey(pk)
	require.NoError(t, err)
	require.Equal(t, "Carol Renamed", c.DisplayName)
	require.Equal(t, "11:22", c.CurrentPeerAddress)
	require.True(t, c.Connected)
}

func TestListOrdered_FavoriteThenLastMessageThenName_ExcludesBlocked(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	mk := func(seed byte, name string, fav, blocked bool, lastMsg *time.Time) Contact {
		pk := testPK(seed)
		c, err := s.AddFromPeer(pk, nil, name, "", false, VerificationManual)
		require.NoError(t, err)
		require.NoError(t, s.SetFavorite(c.HashID, fav))
		require.NoError(t, s.SetBlocked(c.HashID, blocked))
		if lastMsg != nil {
			require.NoError(t, s.UpdateLastMessage(c.HashID, *lastMsg))
		}
		return c
	}

	t1 := now.Add(-1 * time.Hour)
	t2 := now

	_ = mk(10, "Zed", false, false, &t1)
	_ = mk(11, "Amy", false, false, &t2)
	_ = mk(12, "FavOld", true, false, nil)
	_ = mk(13, "Blocked", true, true, &t2)

	list, err := s.ListOrdered()
	require.NoError(t, err)

	var names []string
	for _, c := range list {
		names = append(names, c.DisplayName)
	}
	require.Equal(t, []string{"FavOld", "Amy", "Zed"}, names)
}

func TestSetTrustedDisplayNameCustomNameUnread(t *testing.T) {
	s := openTestStore(t)
	pk := testPK(20)
	c, err := s.AddFromPeer(pk, nil, "Dana", "", false, VerificationManual)
	require.NoError(t, err)

	require.NoError(t, s.SetTrusted(c.HashID, true))
	require.NoError(t, s.UpdateDisplayName(c.HashID, "Dana2"))
	require.NoError(t, s.UpdateCustomName(c.HashID, "D"))
	require.NoError(t, s.IncrementUnread(c.HashID))
	require.NoError(t, s.IncrementUnread(c.HashID))

	got, err := s.GetByHash(c.HashID)
	require.NoError(t, err)
	require.True(t, got.Trusted)
	require.Equal(t, "Dana2", got.DisplayName)
	require.Equal(t, "D", got.CustomName)
	require.Equal(t, "D", got.EffectiveName())
	require.Equal(t, 2, got.UnreadCount)

	require.NoError(t, s.ClearUnread(c.HashID))
	got, err = s.GetByHash(c.HashID)
	require.NoError(t, err)
	require.Zero(t, got.UnreadCount)
}

func TestMarkDisconnected_UnknownAddressIsNoOp(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.MarkDisconnected("nowhere"))
}

func TestMarkDisconnected_KnownAddress(t *testing.T) {
	s := openTestStore(t)
	pk := testPK(30)
	c, err := s.AddFromPeer(pk, nil, "Eve", "loc1", false, VerificationManual)
	require.NoError(t, err)
	require.True(t, c.Connected)

	require.NoError(t, s.MarkDisconnected("loc1"))

	got, err := s.GetByHash(c.HashID)
	require.NoError(t, err)
	require.False(t, got.Connected)
}

func TestFingerprintFlags_IndependentOfContactRecord(t *testing.T) {
	s := openTestStore(t)
	pk := testPK(40)
	fp := identity.Fingerprint(pk)

	blocked, err := s.IsBlockedFingerprint(fp)
	require.NoError(t, err)
	require.False(t, blocked)

	require.NoError(t, s.SetBlockedFingerprint(fp, true))
	blocked, err = s.IsBlockedFingerprint(fp)
	require.NoError(t, err)
	require.True(t, blocked)

	require.NoError(t, s.SetFavoriteFingerprint(fp, true))

	require.NoError(t, s.SetBlockedFingerprint(fp, false))
	blocked, err = s.IsBlockedFingerprint(fp)
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestIsBlocked_FallsBackToFingerprintFlag(t *testing.T) {
	s := openTestStore(t)
	pk := testPK(50)
	c, err := s.AddFromPeer(pk, nil, "Frank", "", false, VerificationManual)
	require.NoError(t, err)

	blocked, err := s.IsBlocked(c.HashID)
	require.NoError(t, err)
	require.False(t, blocked)

	require.NoError(t, s.SetBlockedFingerprint(identity.Fingerprint(pk), true))

	blocked, err = s.IsBlocked(c.HashID)
	require.NoError(t, err)
	require.True(t, blocked)
}

func TestObserve_EmitsCurrentThenUpdates(t *testing.T) {
	s := openTestStore(t)
	ch, current, unsubscribe := s.Observe()
	defer unsubscribe()
	require.Empty(t, current)

	pk := testPK(60)
	_, err := s.AddFromPeer(pk, nil, "Gina", "", false, VerificationManual)
	require.NoError(t, err)

	select {
	case snap := <-ch:
		require.Len(t, snap, 1)
		require.Equal(t, "Gina", snap[0].DisplayName)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for contact snapshot")
	}
}

func TestGetByHash_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetByHash("ZZZZZZZZ")
	require.Error(t, err)
}
