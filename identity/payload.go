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

package identity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bitchat-mesh/bitchat-core/bcerr"
)

// ExchangePayload is the compact key/value record carried over QR codes
// or in-band contact exchange, per spec section 6 ("Contact exchange
// payload"). Field names on the wire are deliberately short.
type ExchangePayload struct {
	Version     int    `json:"v"`
	Nickname    string `json:"n"`
	NoisePubKey string `json:"npk"`           // 64 lowercase-hex chars
	SigningKey  string `json:"spk,omitempty"` // 64 lowercase-hex chars, optional
}

const exchangePayloadVersion = 1
const hexKeyLength = 64 // 32 bytes, lowercase hex

// EncodeExchangePayload marshals p to its wire JSON form, validating
// fields first so a malformed payload is never produced.
func EncodeExchangePayload(p ExchangePayload) ([]byte, error) {
	if err := validateExchangePayload(p); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodeExchangePayload parses and validates a wire payload, failing
// closed (returning an error) on any shape or encoding mismatch rather
// than accepting a partially-valid record.
func DecodeExchangePayload(data []byte) (ExchangePayload, error) {
	var p ExchangePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ExchangePayload{}, bcerr.New(bcerr.KindInvalidInput, "IdentityCodec.parse_exchange_payload", err)
	}
	if err := validateExchangePayload(p); err != nil {
		return ExchangePayload{}, err
	}
	return p, nil
}

func validateExchangePayload(p ExchangePayload) error {
	const op = "IdentityCodec.validate_exchange_payload"
	if p.Version != exchangePayloadVersion {
		return bcerr.New(bcerr.KindInvalidInput, op, fmt.Errorf("unsupported version %d", p.Version))
	}
	if p.Nickname == "" {
		return bcerr.New(bcerr.KindInvalidInput, op, fmt.Errorf("empty nickname"))
	}
	if !isLowerHex(p.NoisePubKey, hexKeyLength) {
		return bcerr.New(bcerr.KindInvalidInput, op, fmt.Errorf("npk must be %d lowercase hex chars", hexKeyLength))
	}
	if p.SigningKey != "" && !isLowerHex(p.SigningKey, hexKeyLength) {
		return bcerr.New(bcerr.KindInvalidInput, op, fmt.Errorf("spk must be %d lowercase hex chars", hexKeyLength))
	}
	return nil
}

func isLowerHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
