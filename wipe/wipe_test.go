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

package wipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bitchat-mesh/bitchat-core/config"
	"github.com/bitchat-mesh/bitchat-core/contact"
	"github.com/bitchat-mesh/bitchat-core/keystore"
	"github.com/bitchat-mesh/bitchat-core/message"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

func TestRun_DeletesDBSidecarsPreferencesCacheAndPrivateData(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "bitchat.db")

	for _, suffix := range []string{"", "-wal", "-shm"} {
		require.NoError(t, os.WriteFile(dbPath+suffix, []byte("data"), 0o600))
	}

	prefsPath := filepath.Join(dir, "prefs.json")
	require.NoError(t, os.WriteFile(prefsPath, []byte("{}"), 0o600))

	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(filepath.Join(cacheDir, "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "sub", "f.tmp"), []byte("x"), 0o600))

	privateRoot := filepath.Join(dir, "private")
	require.NoError(t, os.MkdirAll(filepath.Join(privateRoot, "keepdir"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(privateRoot, "secret.bin"), []byte("s"), 0o600))

	paths := Paths{
		DBPath:           dbPath,
		PreferencesPaths: []string{prefsPath},
		CacheDir:         cacheDir,
		PrivateDataRoot:  privateRoot,
	}

	r := New(paths, nil, nil, nil, testLogger())
	res := r.Run()

	require.True(t, res.Success)
	require.Empty(t, res.Errors)

	for _, suffix := range []string{"", "-wal", "-shm"} {
		_, err := os.Stat(dbPath + suffix)
		require.True(t, os.IsNotExist(err))
	}
	_, err := os.Stat(prefsPath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(cacheDir)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(privateRoot, "secret.bin"))
	require.True(t, os.IsNotExist(err))
	// directories under the private data root are left alone (step 5 is non-recursive)
	_, err = os.Stat(filepath.Join(privateRoot, "keepdir"))
	require.NoError(t, err)
}

func TestRun_MissingFilesAreNotErrors(t *testing.T) {
	dir := t.TempDir()
	r := New(Paths{DBPath: filepath.Join(dir, "nope.db")}, nil, nil, nil, testLogger())
	res := r.Run()
	require.True(t, res.Success)
}

func TestRun_ClosesStoresAndShredsKeystore(t *testing.T) {
	dir := t.TempDir()

	msgStore, err := message.Open(filepath.Join(dir, "messages.db"), config.NewDefaultStore(), testLogger())
	require.NoError(t, err)

	contactStore, err := contact.Open(filepath.Join(dir, "contacts.db"), testLogger())
	require.NoError(t, err)

	ks, err := keystore.Open(dir, testLogger(), keyring.FileBackend)
	require.NoError(t, err)
	before, err := ks.GetOrCreate()
	require.NoError(t, err)

	r := New(Paths{}, msgStore, contactStore, ks, testLogger())
	res := r.Run()
	require.True(t, res.Success)

	after, err := ks.GetOrCreate()
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestRun_ContinuesPastIndividualErrorsAndAggregates(t *testing.T) {
	dir := t.TempDir()
	// PrivateDataRoot points at a file, not a directory: ReadDir fails,
	// but the rest of the run still completes.
	notADir := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o600))

	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o700))

	r := New(Paths{PrivateDataRoot: notADir, CacheDir: cacheDir}, nil, nil, nil, testLogger())
	res := r.Run()

	require.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
	_, err := os.Stat(cacheDir)
	require.True(t, os.IsNotExist(err))
}
