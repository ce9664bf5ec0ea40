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

// Package message implements MessageStore (spec section 4.3): a durable,
// opt-in, per-conversation message log with a per-peer cap and global
// retention, plus the Message/DeliveryStatus data model of spec section 3.
package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitchat-mesh/bitchat-core/bcerr"
)

// StatusKind enumerates the delivery_status DAG of spec section 3/8.
type StatusKind int

const (
	StatusSending StatusKind = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
	StatusPartiallyDelivered
)

// rank gives the monotone ordering used to reject backward transitions,
// per spec section 5: Sending -> Sent -> Delivered -> Read, with Failed
// terminal and overriding Sending/Sent.
func (k StatusKind) rank() int {
	switch k {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1 // Failed / PartiallyDelivered are not part of the linear rank
	}
}

// DeliveryStatus is the tagged union of spec section 3. Exactly one
// "arm" is meaningful depending on Kind.
type DeliveryStatus struct {
	Kind StatusKind

	// Delivered / Read
	Peer string // "to" or "by", a PeerAddress or HashID depending on call site
	At   time.Time

	// Failed
	Reason string

	// PartiallyDelivered
	Reached int
	Total   int
}

func Sending() DeliveryStatus { return DeliveryStatus{Kind: StatusSending} }
func Sent() DeliveryStatus    { return DeliveryStatus{Kind: StatusSent} }
func Delivered(to string, at time.Time) DeliveryStatus {
	return DeliveryStatus{Kind: StatusDelivered, Peer: to, At: at}
}
func Read(by string, at time.Time) DeliveryStatus {
	return DeliveryStatus{Kind: StatusRead, Peer: by, At: at}
}
func Failed(reason string) DeliveryStatus {
	return DeliveryStatus{Kind: StatusFailed, Reason: reason}
}
func PartiallyDelivered(reached, total int) DeliveryStatus {
	return DeliveryStatus{Kind: StatusPartiallyDelivered, Reached: reached, Total: total}
}

// Encode renders the colon-separated, human-greppable on-disk form from
// spec section 6.
func (d DeliveryStatus) Encode() string {
	switch d.Kind {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return fmt.Sprintf("delivered:%s:%d", d.Peer, d.At.UnixMilli())
	case StatusRead:
		return fmt.Sprintf("read:%s:%d", d.Peer, d.At.UnixMilli())
	case StatusFailed:
		return fmt.Sprintf("failed:%s", d.Reason)
	case StatusPartiallyDelivered:
		return fmt.Sprintf("partial:%d:%d", d.Reached, d.Total)
	default:
		return "sending"
	}
}

// DecodeStatus parses the on-disk form back into a DeliveryStatus.
func DecodeStatus(s string) (DeliveryStatus, error) {
	const op = "Message.decode_status"
	parts := strings.SplitN(s, ":", 3)
	switch parts[0] {
	case "sending":
		return Sending(), nil
	case "sent":
		return Sent(), nil
	case "delivered":
		if len(parts) != 3 {
			return DeliveryStatus{}, bcerr.New(bcerr.KindInvalidInput, op, fmt.Errorf("malformed delivered status %q", s))
		}
		ms, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return DeliveryStatus{}, bcerr.New(bcerr.KindInvalidInput, op, err)
		}
		return Delivered(parts[1], time.UnixMilli(ms)), nil
	case "read":
		if len(parts) != 3 {
			return DeliveryStatus{}, bcerr.New(bcerr.KindInvalidInput, op, fmt.Errorf("malformed read status %q", s))
		}
		ms, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return DeliveryStatus{}, bcerr.New(bcerr.KindInvalidInput, op, err)
		}
		return Read(parts[1], time.UnixMilli(ms)), nil
	case "failed":
		reason := ""
		if len(parts) >= 2 {
			reason = strings.Join(parts[1:], ":")
		}
		return Failed(reason), nil
	case "partial":
		if len(parts) != 3 {
			return DeliveryStatus{}, bcerr.New(bcerr.KindInvalidInput, op, fmt.Errorf("malformed partial status %q", s))
		}
		reached, err1 := strconv.Atoi(parts[1])
		total, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil {
			return DeliveryStatus{}, bcerr.New(bcerr.KindInvalidInput, op, fmt.Errorf("malformed partial status %q", s))
		}
		return PartiallyDelivered(reached, total), nil
	default:
		return DeliveryStatus{}, bcerr.New(bcerr.KindInvalidInput, op, fmt.Errorf("unknown status %q", s))
	}
}

// Advance applies the monotone transition rule from spec section 5:
// Sending -> Sent -> Delivered -> Read is forward-only; Failed is
// terminal and overrides Sending/Sent (but never overrides a more
// advanced Delivered/Read); backward transitions are ignored.
func (d DeliveryStatus) Advance(next DeliveryStatus) DeliveryStatus {
	if next.Kind == StatusFailed {
		if d.Kind == StatusSending || d.Kind == StatusSent {
			return next
		}
		return d // Delivered/Read/Failed/Partial already settled further
	}
	if next.Kind == StatusPartiallyDelivered {
		// best-effort partial reporting never regresses a settled status
		if d.Kind == StatusSending || d.Kind == StatusSent {
			return next
		}
		return d
	}

	curRank, nextRank := d.Kind.rank(), next.Kind.rank()
	if nextRank < 0 || curRank < 0 {
		// current state is terminal (Failed/Partial); only allow moving
		// forward out of Partial into the linear progression.
		if d.Kind == StatusPartiallyDelivered && nextRank >= 0 {
			return next
		}
		return d
	}
	if nextRank > curRank {
		return next
	}
	return d
}

// Message is the append-only record of spec section 3. Mutation is
// restricted to DeliveryStatus; every other field is set once at
// creation.
type Message struct {
	ID                string
	SenderDisplay     string
	Content           string
	Timestamp         time.Time
	IsPrivate         bool
	RecipientNickname string // optional
	SenderPeerAddress string // optional; empty means relay-origin
	Status            DeliveryStatus
	EncryptedBlob      []byte // optional, opaque ciphertext for at-rest storage
}
