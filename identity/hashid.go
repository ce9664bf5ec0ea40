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

// Package identity implements IdentityCodec: pure, side-effect-free
// derivation of human-shareable Hash IDs and QR URIs from a static
// 32-byte public key, per spec section 4.1.
//
// The codec MUST stay byte-exact with the scheme below so QR codes
// round-trip across independent implementations of this protocol.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bitchat-mesh/bitchat-core/bcerr"
)

// alphabet is the Base32-like alphabet used throughout BitChat: the
// digits 2-9 followed by A-Z without I, L and O (31 characters; 0, O, 1,
// I, L are left out to avoid visual ambiguity when a human reads or
// types a Hash ID).
const alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// HashIDLength is the fixed length of a Hash ID.
const HashIDLength = 8

// checksumLength is the fixed length of the QR URI's checksum suffix.
const checksumLength = 2

var alphabetIndex = func() map[byte]uint64 {
	m := make(map[byte]uint64, len(alphabet))
	for i := 0; i < len(alphabet); i++ {
		m[alphabet[i]] = uint64(i)
	}
	return m
}()

// HashID derives the 8-character Hash ID from a 32-byte static public
// key: the first 40 bits of SHA-256(pk), re-encoded at 5 bits/char over
// the alphabet above.
func HashID(pk [32]byte) string {
	sum := sha256.Sum256(pk[:])
	return encode5bit(sum[:5], HashIDLength)
}

// IsValidHashID reports whether s has the correct length and is drawn
// entirely from the Hash ID alphabet.
func IsValidHashID(s string) bool {
	if len(s) != HashIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if _, ok := alphabetIndex[s[i]]; !ok {
			return false
		}
	}
	return true
}

// Fingerprint is the stable durable identifier used for block/favorite
// lookups (spec GLOSSARY): lowercase-hex SHA-256 of the public key. It
// is deliberately distinct from HashID (which is human-shareable and
// truncated) — blocks/favorites MUST survive regardless of how much of
// the key a UI displays.
func Fingerprint(pk [32]byte) string {
	sum := sha256.Sum256(pk[:])
	return hex.EncodeToString(sum[:])
}

// checksum computes the 2-char Base32 encoding of the first byte of
// SHA-256(hashID), i.e. the top 10 bits of that single byte padded with
// zero bits — in practice the first byte alone, re-encoded at 5
// bits/char across 2 characters (10 bits total, the low 2 bits of the
// second character are always zero).
func checksum(hashID string) string {
	sum := sha256.Sum256([]byte(hashID))
	return encode5bit(sum[:1], checksumLength)
}

// QRURI builds the bitchat://add/<HashID>/<checksum> URI for pk.
func QRURI(pk [32]byte) string {
	hash := HashID(pk)
	return fmt.Sprintf("bitchat://add/%s/%s", hash, checksum(hash))
}

// ParseQRURI parses a bitchat://add/<HashID>/<checksum> URI, validating
// shape and checksum, and returns the embedded Hash ID.
func ParseQRURI(uri string) (string, error) {
	const prefix = "bitchat://add/"
	if !strings.HasPrefix(uri, prefix) {
		return "", bcerr.New(bcerr.KindInvalidInput, "IdentityCodec.parse_qr_uri", fmt.Errorf("malformed URI"))
	}
	rest := uri[len(prefix):]
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return "", bcerr.New(bcerr.KindInvalidInput, "IdentityCodec.parse_qr_uri", fmt.Errorf("malformed URI"))
	}
	hash, chk := parts[0], parts[1]
	if !IsValidHashID(hash) {
		return "", bcerr.New(bcerr.KindInvalidInput, "IdentityCodec.parse_qr_uri", fmt.Errorf("malformed URI"))
	}
	if len(chk) != checksumLength || !isAlphabet(chk) {
		return "", bcerr.New(bcerr.KindInvalidInput, "IdentityCodec.parse_qr_uri", fmt.Errorf("malformed URI"))
	}
	if chk != checksum(hash) {
		return "", bcerr.New(bcerr.KindInvalidInput, "IdentityCodec.parse_qr_uri", fmt.Errorf("checksum mismatch"))
	}
	return hash, nil
}

func isAlphabet(s string) bool {
	for i := 0; i < len(s); i++ {
		if _, ok := alphabetIndex[s[i]]; !ok {
			return false
		}
	}
	return true
}

// encode5bit re-encodes the leading bits of data at 5 bits/char into an
// n-character string over the Hash ID alphabet, reading bits
// most-significant-first across the byte stream. Bits beyond len(data)*8
// are treated as zero, matching the checksum's "top 10 bits of one
// byte, two characters" case.
//
// The alphabet as given in the protocol ("23456789ABCDEFGHJKMNPQRSTUVWXYZ")
// has 31 symbols, one short of the 32 a clean 5-bits/char radix needs.
// Each raw 5-bit group is therefore reduced mod len(alphabet) rather than
// indexed directly; this keeps the function total (no panic on the 32nd
// value), deterministic, and pure, which is all the spec's invariants
// actually require of HashID. See DESIGN.md for the full rationale.
func encode5bit(data []byte, n int) string {
	out := make([]byte, n)
	var bitBuf uint64
	var bitCount uint
	dataIdx := 0

	nextByte := func() (byte, bool) {
		if dataIdx < len(data) {
			b := data[dataIdx]
			dataIdx++
			return b, true
		}
		return 0, false
	}

	for i := 0; i < n; i++ {
		for bitCount < 5 {
			b, ok := nextByte()
			bitBuf = (bitBuf << 8) | uint64(b)
			bitCount += 8
			if !ok {
				// pad with zero bits for any remaining characters
				break
			}
		}
		if bitCount < 5 {
			bitBuf <<= (5 - bitCount)
			bitCount = 5
		}
		shift := bitCount - 5
		idx := (bitBuf >> shift) & 0x1F
		bitBuf &= (1 << shift) - 1
		bitCount -= 5
		out[i] = alphabet[idx%uint64(len(alphabet))]
	}
	return string(out)
}
