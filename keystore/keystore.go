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

// Package keystore implements EncryptedDBKeystore (spec section 4.4):
// generate, persist, and shred the 256-bit database key, wrapping it
// behind an OS-managed secure enclave the way the teacher's agent
// wraps a raw socket behind a finalizer-guarded handle.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/99designs/keyring"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/bitchat-mesh/bitchat-core/bcerr"
)

// KeyLength is the size in bytes of the database key (spec 4.4: 256-bit).
const KeyLength = 32

const (
	serviceName = "bitchat-core"
	enclaveItem = "bitchat-enclave-secret"
	wrappedItem = "bitchat-db-key-wrapped"
)

// Keystore is EncryptedDBKeystore. After the first successful
// GetOrCreate it caches the unwrapped key in memory until Shred (or the
// finalizer) zeroes it; the cache is not cleared when a caller stops
// using the key. Shred also removes the persisted wrapped form.
type Keystore struct {
	mu  sync.Mutex
	ring keyring.Keyring
	log *logrus.Entry

	cached    [KeyLength]byte
	haveCache bool
	locked    bool
}

// Open opens (or lazily creates, on first GetOrCreate) the OS keyring
// backing this keystore. backend selects a specific keyring.Config
// BackendType for tests; pass nil in production to let 99designs/keyring
// auto-detect the platform backend.
func Open(cfgFileDir string, log *logrus.Logger, backends ...keyring.BackendType) (*Keystore, error) {
	const op = "EncryptedDBKeystore.open"
	cfg := keyring.Config{
		ServiceName:              serviceName,
		FileDir:                  cfgFileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("bitchat-local-enclave"),
		AllowedBackends:          backends,
		KeychainTrustApplication: true,
	}
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
	ks := &Keystore{ring: ring, log: log.WithField("component", "EncryptedDBKeystore")}
	runtime.SetFinalizer(ks, func(k *Keystore) { k.zeroCache() })
	return ks, nil
}

// GetOrCreate returns the current 256-bit DB key, generating and
// wrapping a fresh one into the enclave on first call (spec 4.4).
func (ks *Keystore) GetOrCreate() ([KeyLength]byte, error) {
	const op = "EncryptedDBKeystore.get_or_create"
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.haveCache {
		return ks.cached, nil
	}

	enclaveSecret, err := ks.enclaveSecret()
	if err != nil {
		return [KeyLength]byte{}, bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}

	item, err := ks.ring.Get(wrappedItem)
	switch {
	case err == nil:
		key, derr := unwrap(enclaveSecret, item.Data)
		if derr != nil {
			return [KeyLength]byte{}, bcerr.New(bcerr.KindPersistenceFailure, op, derr)
		}
		ks.setCache(key)
		return key, nil

	case err == keyring.ErrKeyNotFound:
		var key [KeyLength]byte
		if _, rerr := io.ReadFull(rand.Reader, key[:]); rerr != nil {
			return [KeyLength]byte{}, bcerr.New(bcerr.KindPersistenceFailure, op, rerr)
		}
		wrapped, werr := wrap(enclaveSecret, key)
		if werr != nil {
			return [KeyLength]byte{}, bcerr.New(bcerr.KindPersistenceFailure, op, werr)
		}
		if serr := ks.ring.Set(keyring.Item{Key: wrappedItem, Data: wrapped}); serr != nil {
			return [KeyLength]byte{}, bcerr.New(bcerr.KindPersistenceFailure, op, serr)
		}
		ks.setCache(key)
		ks.log.Info("generated fresh database key")
		return key, nil

	default:
		return [KeyLength]byte{}, bcerr.New(bcerr.KindPersistenceFailure, op, err)
	}
}

// Shred removes the wrapped key (and the enclave secret deriving it)
// from the OS keyring and zeroes the in-memory cache. A subsequent
// GetOrCreate generates an unrelated key, per spec 4.4 and the panic
// wipe testable property in spec section 8.
func (ks *Keystore) Shred() error {
	const op = "EncryptedDBKeystore.shred"
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.zeroCacheLocked()

	var firstErr error
	for _, key := range []string{wrappedItem, enclaveItem} {
		if err := ks.ring.Remove(key); err != nil && err != keyring.ErrKeyNotFound {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", key, err)
			}
		}
	}
	if firstErr != nil {
		return bcerr.New(bcerr.KindPersistenceFailure, op, firstErr)
	}
	return nil
}

func (ks *Keystore) enclaveSecret() ([]byte, error) {
	item, err := ks.ring.Get(enclaveItem)
	if err == nil {
		return item.Data, nil
	}
	if err != keyring.ErrKeyNotFound {
		return nil, err
	}
	secret := make([]byte, KeyLength)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, err
	}
	if err := ks.ring.Set(keyring.Item{Key: enclaveItem, Data: secret}); err != nil {
		return nil, err
	}
	return secret, nil
}

func (ks *Keystore) setCache(key [KeyLength]byte) {
	ks.cached = key
	ks.haveCache = true
	if err := mlock(ks.cached[:]); err == nil {
		ks.locked = true
	}
}

func (ks *Keystore) zeroCache() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.zeroCacheLocked()
}

func (ks *Keystore) zeroCacheLocked() {
	if ks.locked {
		_ = munlock(ks.cached[:])
		ks.locked = false
	}
	for i := range ks.cached {
		ks.cached[i] = 0
	}
	ks.haveCache = false
}

// wrap/unwrap derive an AES-256-GCM key from the enclave secret via
// HKDF-SHA256 and seal/open the raw DB key under it. The nonce is
// prefixed to the ciphertext.
func wrap(enclaveSecret []byte, key [KeyLength]byte) ([]byte, error) {
	gcm, err := gcmFromSecret(enclaveSecret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, key[:], nil), nil
}

func unwrap(enclaveSecret []byte, wrapped []byte) ([KeyLength]byte, error) {
	var out [KeyLength]byte
	gcm, err := gcmFromSecret(enclaveSecret)
	if err != nil {
		return out, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return out, fmt.Errorf("wrapped key too short")
	}
	nonce, ct := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return out, err
	}
	if len(plain) != KeyLength {
		return out, fmt.Errorf("unwrapped key has wrong length %d", len(plain))
	}
	copy(out[:], plain)
	return out, nil
}

func gcmFromSecret(secret []byte) (cipher.AEAD, error) {
	h := hkdf.New(sha256.New, secret, nil, []byte("bitchat-db-key-wrap"))
	derived := make([]byte, KeyLength)
	if _, err := io.ReadFull(h, derived); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// HexPreview returns a non-secret debug identifier for a key: the hex
// encoding of the first 4 bytes of its SHA-256, never the key itself.
func HexPreview(key [KeyLength]byte) string {
	sum := sha256.Sum256(key[:])
	return hex.EncodeToString(sum[:4])
}
