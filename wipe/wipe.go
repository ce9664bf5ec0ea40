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

// Package wipe implements PanicWipe (spec section 4.7): a sequential,
// best-effort teardown that continues past failures and accumulates
// them, the way the teacher's agent.Close uses sync.Once plus a
// best-effort multi-step shutdown rather than failing fast.
package wipe

import (
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/sirupsen/logrus"

	"github.com/bitchat-mesh/bitchat-core/contact"
	"github.com/bitchat-mesh/bitchat-core/keystore"
	"github.com/bitchat-mesh/bitchat-core/message"
)

// Paths locates the on-disk state PanicWipe tears down.
type Paths struct {
	// DBPath is one SQLite database file; its -wal/-shm sidecars are
	// deleted alongside it. The message and contact stores open separate
	// files, and only the file named here is deleted by this step.
	DBPath string
	// PreferencesPaths enumerates every known preferences namespace file
	// to clear (spec step 3).
	PreferencesPaths []string
	// CacheDir is deleted recursively (spec step 4).
	CacheDir string
	// PrivateDataRoot has every non-directory file under it deleted,
	// non-recursively into subdirectories (spec step 5).
	PrivateDataRoot string
}

// Result is PanicWipe's return value: success iff Errors is empty.
type Result struct {
	Success     bool
	DeletedItems []string
	Errors      []string
	DurationMS  int64
	BytesFreed  uint64
}

// HumanBytesFreed renders BytesFreed the way the CLI reports it.
func (r Result) HumanBytesFreed() string {
	return bytefmt.ByteSize(r.BytesFreed)
}

// Runner executes PanicWipe against a concrete set of stores.
type Runner struct {
	paths    Paths
	messages message.Store
	contacts contact.Store
	keys     *keystore.Keystore
	log      *logrus.Entry
}

// New constructs a Runner. Any of messages/contacts/keys may be nil if
// that subsystem was never opened (wipe then skips its close/shred
// step but still deletes files).
func New(paths Paths, messages message.Store, contacts contact.Store, keys *keystore.Keystore, log *logrus.Logger) *Runner {
	return &Runner{paths: paths, messages: messages, contacts: contacts, keys: keys, log: log.WithField("component", "PanicWipe")}
}

// Run executes the six steps of spec section 4.7 in order, continuing
// past failures and aggregating them; it never returns a Go error.
func (r *Runner) Run() Result {
	start := time.Now()
	var res Result

	// Step 1: close the message/contact database handle.
	r.closeHandle("MessageStore", func() error {
		if r.messages == nil {
			return nil
		}
		return r.messages.Close()
	}, &res)
	r.closeHandle("ContactStore", func() error {
		if r.contacts == nil {
			return nil
		}
		return r.contacts.Close()
	}, &res)

	// Step 2: delete the DB file and its ancillary files.
	if r.paths.DBPath != "" {
		for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
			r.deleteFile(r.paths.DBPath+suffix, &res)
		}
	}

	// Step 3: clear every known preferences namespace.
	for _, p := range r.paths.PreferencesPaths {
		r.deleteFile(p, &res)
	}

	// Step 4: delete the cache directory recursively.
	if r.paths.CacheDir != "" {
		r.deleteTree(r.paths.CacheDir, &res)
	}

	// Step 5: delete all non-directory files under the private data root.
	if r.paths.PrivateDataRoot != "" {
		r.deleteFilesIn(r.paths.PrivateDataRoot, &res)
	}

	// Step 6: shred the encrypted DB keystore.
	if r.keys != nil {
		if err := r.keys.Shred(); err != nil {
			res.Errors = append(res.Errors, "EncryptedDBKeystore.shred: "+err.Error())
		} else {
			res.DeletedItems = append(res.DeletedItems, "keystore:wrapped-key")
		}
	}

	res.DurationMS = time.Since(start).Milliseconds()
	res.Success = len(res.Errors) == 0
	if !res.Success {
		r.log.WithField("errors", res.Errors).Warn("panic wipe completed with errors")
	}
	return res
}

func (r *Runner) closeHandle(name string, closeFn func() error, res *Result) {
	if err := closeFn(); err != nil {
		res.Errors = append(res.Errors, name+".close: "+err.Error())
		return
	}
	res.DeletedItems = append(res.DeletedItems, name+":handle-closed")
}

func (r *Runner) deleteFile(path string, res *Result) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return
		}
		res.Errors = append(res.Errors, "stat "+path+": "+statErr.Error())
		return
	}
	if err := os.Remove(path); err != nil {
		res.Errors = append(res.Errors, "remove "+path+": "+err.Error())
		return
	}
	res.BytesFreed += uint64(info.Size())
	res.DeletedItems = append(res.DeletedItems, path)
}

func (r *Runner) deleteTree(dir string, res *Result) {
	var size uint64
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += uint64(info.Size())
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		res.Errors = append(res.Errors, "remove tree "+dir+": "+err.Error())
		return
	}
	res.BytesFreed += size
	res.DeletedItems = append(res.DeletedItems, dir)
}

func (r *Runner) deleteFilesIn(dir string, res *Result) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		res.Errors = append(res.Errors, "readdir "+dir+": "+err.Error())
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		r.deleteFile(filepath.Join(dir, entry.Name()), res)
	}
}
