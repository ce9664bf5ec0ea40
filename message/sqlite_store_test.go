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
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/bitchat-core/config"
)

func openTestStore(t *testing.T, cfg *config.Store) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bitchat.db")
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	s, err := Open(path, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func enabledConfig() *config.Store {
	c := config.Defaults()
	c.PersistenceEnabled = true
	return config.NewStore(c)
}

func TestSave_PersistenceDisabled_NoOp(t *testing.T) {
	cfg := config.NewDefaultStore() // persistence off by default
	s := openTestStore(t, cfg)

	err := s.Save("peerA", Message{ID: "m1", Content: "hi", Timestamp: time.Now(), Status: Sending()})
	require.NoError(t, err)

	got, err := s.Load("peerA")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSaveAndLoad_OrderedAscending(t *testing.T) {
	cfg := enabledConfig()
	s := openTestStore(t, cfg)

	base := time.UnixMilli(1_700_000_000_000)
	msgs := []Message{
		{ID: "m2", Content: "second", Timestamp: base.Add(2 * time.Second), Status: Sent()},
		{ID: "m1", Content: "first", Timestamp: base.Add(1 * time.Second), Status: Sent()},
	}
	for _, m := range msgs {
		require.NoError(t, s.Save("peerA", m))
	}

	got, err := s.Load("peerA")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "m1", got[0].ID)
	require.Equal(t, "m2", got[1].ID)
}

func TestSave_UpsertByID(t *testing.T) {
	cfg := enabledConfig()
	s := openTestStore(t, cfg)

	ts := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, s.Save("peerA", Message{ID: "m1", Content: "v1", Timestamp: ts, Status: Sending()}))
	require.NoError(t, s.Save("peerA", Message{ID: "m1", Content: "v2", Timestamp: ts, Status: Sent()}))

	got, err := s.Load("peerA")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "v2", got[0].Content)
}

func TestCap_EnforcedAfterSave(t *testing.T) {
	cfg := config.Defaults()
	cfg.PersistenceEnabled = true
	cfg.MessageCap = 3
	store := config.NewStore(cfg)
	s := openTestStore(t, store)

	base := time.UnixMilli(1_700_000_000_000)
	for i := 1; i <= 5; i++ {
		m := Message{
			ID:        fmt.Sprintf("m%d", i),
			Content:   fmt.Sprintf("body %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Status:    Sent(),
		}
		require.NoError(t, s.Save("peerX", m))
	}

	got, err := s.Load("peerX")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "m3", got[0].ID)
	require.Equal(t, "m4", got[1].ID)
	require.Equal(t, "m5", got[2].ID)
}

func TestDeliveryStatus_RoundTripAllVariants(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	variants := []DeliveryStatus{
		Sending(),
		Sent(),
		Delivered("peerB", now),
		Read("peerB", now),
		Failed("timeout"),
		PartiallyDelivered(2, 5),
	}
	for _, v := range variants {
		encoded := v.Encode()
		decoded, err := DecodeStatus(encoded)
		require.NoError(t, err)
		require.Equal(t, v, decoded, "round trip of %q", encoded)
	}
}

func TestDeliveryStatus_MonotoneTransitions(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	s := Sending()
	s = s.Advance(Sent())
	require.Equal(t, StatusSent, s.Kind)

	s = s.Advance(Delivered("p", now))
	require.Equal(t, StatusDelivered, s.Kind)

	// backward transition ignored
	s = s.Advance(Sent())
	require.Equal(t, StatusDelivered, s.Kind)

	s = s.Advance(Read("p", now))
	require.Equal(t, StatusRead, s.Kind)

	// Read never regresses, even to Failed
	s = s.Advance(Failed("nope"))
	require.Equal(t, StatusRead, s.Kind)
}

func TestDeliveryStatus_FailedOverridesSendingAndSent(t *testing.T) {
	s := Sending().Advance(Failed("no route"))
	require.Equal(t, StatusFailed, s.Kind)

	s2 := Sent().Advance(Failed("no route"))
	require.Equal(t, StatusFailed, s2.Kind)
}

func TestUpdateStatus_AppliesMonotoneRule(t *testing.T) {
	cfg := enabledConfig()
	s := openTestStore(t, cfg)

	ts := time.Now()
	require.NoError(t, s.Save("peerA", Message{ID: "m1", Content: "hi", Timestamp: ts, Status: Sending()}))
	require.NoError(t, s.UpdateStatus("m1", "peerA", Sent()))
	require.NoError(t, s.UpdateStatus("m1", "peerA", Sending())) // ignored, backward

	got, err := s.Load("peerA")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, StatusSent, got[0].Status.Kind)
}

func TestSearch_CaseInsensitiveSubstring(t *testing.T) {
	cfg := enabledConfig()
	s := openTestStore(t, cfg)

	ts := time.Now()
	require.NoError(t, s.Save("peerA", Message{ID: "m1", Content: "Hello World", Timestamp: ts, Status: Sent()}))
	require.NoError(t, s.Save("peerA", Message{ID: "m2", Content: "goodbye", Timestamp: ts.Add(time.Second), Status: Sent()}))

	got, err := s.Search("WORLD", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "m1", got[0].ID)
}

func TestApplyRetention_DeletesOldMessages(t *testing.T) {
	cfg := enabledConfig()
	s := openTestStore(t, cfg)

	old := time.Now().AddDate(0, 0, -40)
	recent := time.Now().AddDate(0, 0, -1)
	require.NoError(t, s.Save("peerA", Message{ID: "old", Content: "old", Timestamp: old, Status: Sent()}))
	require.NoError(t, s.Save("peerA", Message{ID: "new", Content: "new", Timestamp: recent, Status: Sent()}))

	n, err := s.ApplyRetention(30)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Load("peerA")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "new", got[0].ID)
}

func TestDeleteConversationAndDeleteAll(t *testing.T) {
	cfg := enabledConfig()
	s := openTestStore(t, cfg)

	ts := time.Now()
	require.NoError(t, s.Save("peerA", Message{ID: "m1", Content: "a", Timestamp: ts, Status: Sent()}))
	require.NoError(t, s.Save("peerB", Message{ID: "m2", Content: "b", Timestamp: ts, Status: Sent()}))

	n, err := s.DeleteConversation("peerA")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	total, err := s.DeleteAll()
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestEncryptedBlob_CompressedRoundTrip(t *testing.T) {
	cfg := enabledConfig()
	s := openTestStore(t, cfg)

	blob := make([]byte, 4096)
	for i := range blob {
		blob[i] = byte(i % 7)
	}
	ts := time.Now()
	require.NoError(t, s.Save("peerA", Message{ID: "m1", Content: "", Timestamp: ts, Status: Sent(), EncryptedBlob: blob}))

	got, err := s.Load("peerA")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, blob, got[0].EncryptedBlob)
}
