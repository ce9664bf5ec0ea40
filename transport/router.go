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

// Package transport implements TransportRouter (spec section 4.6): the
// BLE-vs-WiFi-Direct decision table, the peer-id/address map, and the
// BLE fingerprint manager, guarded the way the teacher guards its
// connection/peer tables — one mutex, plain maps.
package transport

import (
	"sync"
	"sync/atomic"
)

// Kind is the transport a packet should go out on.
type Kind int

const (
	BLE Kind = iota
	WiFiDirect
)

func (k Kind) String() string {
	if k == WiFiDirect {
		return "wifi-direct"
	}
	return "ble"
}

// BLEPeer is a reachable peer's BLE-side reachability, per spec section
// 4.6 ("BLE { addr, rssi, last_seen }").
type BLEPeer struct {
	Addr     string
	RSSI     int
	LastSeen int64 // unix millis
}

// WiFiPeer is a reachable peer's WiFi-Direct-side reachability.
type WiFiPeer struct {
	Addr     string
	LastSeen int64
}

// Conditions are the router's decision inputs (spec section 4.6).
type Conditions struct {
	BatteryPercent int
	PacketSize     int
	BLE            *BLEPeer // nil if unknown on BLE
	WiFi           *WiFiPeer
}

// Select applies the first-match decision table of spec section 4.6.
func Select(c Conditions) Kind {
	switch {
	case c.BatteryPercent < 10:
		return BLE
	case c.WiFi != nil && c.BLE == nil:
		return WiFiDirect
	case c.BLE != nil && c.WiFi == nil:
		return BLE
	case c.BLE != nil && c.WiFi != nil:
		return selectBothKnown(c)
	default: // neither known
		return BLE
	}
}

func selectBothKnown(c Conditions) Kind {
	switch {
	case c.PacketSize > 10_000:
		return WiFiDirect
	case c.BLE.RSSI > -60:
		return BLE
	case c.BLE.RSSI < -80:
		return WiFiDirect
	case c.BatteryPercent < 20:
		return BLE
	default:
		return WiFiDirect
	}
}

// Router owns the peer_mapper (PeerAddress <-> Identity for WiFi) and
// the BLE fingerprint manager (single source of truth for BLE
// addresses), plus usage counters (spec section 4.6).
type Router struct {
	mu sync.RWMutex

	wifiAddrToIdentity map[string]string
	wifiIdentityToAddr map[string]string

	bleFingerprints map[string]bool // known BLE fingerprints, single source of truth

	blePeers  map[string]BLEPeer
	wifiPeers map[string]WiFiPeer

	bleCount  atomic.Int64
	wifiCount atomic.Int64

	adapter Adapter
}

// Adapter is a best-effort radio-reachability probe (spec section 4.6
// design note: on Linux, backed by a BlueZ "Powered" property read over
// D-Bus). A nil Adapter (or one that errors) never blocks selection —
// the decision table above is authoritative regardless.
type Adapter interface {
	BLEPowered() (bool, error)
}

// New constructs an empty Router. adapter may be nil.
func New(adapter Adapter) *Router {
	return &Router{
		wifiAddrToIdentity: make(map[string]string),
		wifiIdentityToAddr: make(map[string]string),
		bleFingerprints:    make(map[string]bool),
		blePeers:           make(map[string]BLEPeer),
		wifiPeers:          make(map[string]WiFiPeer),
		adapter:            adapter,
	}
}

// ObserveBLEPeer records or refreshes a BLE-reachable peer.
func (r *Router) ObserveBLEPeer(p BLEPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blePeers[p.Addr] = p
	r.bleFingerprints[p.Addr] = true
}

// ObserveWiFiPeer records or refreshes a WiFi-Direct-reachable peer.
func (r *Router) ObserveWiFiPeer(p WiFiPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wifiPeers[p.Addr] = p
}

// ForgetPeer drops addr from both reachability maps (e.g. on
// disconnect), leaving the identity mapping (if any) intact.
func (r *Router) ForgetPeer(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blePeers, addr)
	delete(r.wifiPeers, addr)
}

// MapWiFiIdentity records the bidirectional PeerAddress<->Identity
// binding for a WiFi-Direct peer (the peer_mapper of spec section 4.6).
func (r *Router) MapWiFiIdentity(addr, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.wifiAddrToIdentity[addr]; ok {
		delete(r.wifiIdentityToAddr, prev)
	}
	if prevAddr, ok := r.wifiIdentityToAddr[identity]; ok {
		delete(r.wifiAddrToIdentity, prevAddr)
	}
	r.wifiAddrToIdentity[addr] = identity
	r.wifiIdentityToAddr[identity] = addr
}

// IdentityForWiFiAddr resolves a WiFi-Direct address to its identity.
func (r *Router) IdentityForWiFiAddr(addr string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.wifiAddrToIdentity[addr]
	return id, ok
}

// WiFiAddrForIdentity resolves an identity to its current WiFi-Direct
// address.
func (r *Router) WiFiAddrForIdentity(identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.wifiIdentityToAddr[identity]
	return addr, ok
}

// IsKnownBLEFingerprint reports whether addr has ever been observed on
// BLE (the fingerprint manager's single source of truth).
func (r *Router) IsKnownBLEFingerprint(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bleFingerprints[addr]
}

// SelectFor decides the transport for peerAddr given the router's
// current reachability tables and batteryPercent/packetSize, recording
// the choice in the usage counters.
func (r *Router) SelectFor(peerAddr string, batteryPercent, packetSize int) Kind {
	r.mu.RLock()
	ble, haveBLE := r.blePeers[peerAddr]
	wifi, haveWiFi := r.wifiPeers[peerAddr]
	r.mu.RUnlock()

	c := Conditions{BatteryPercent: batteryPercent, PacketSize: packetSize}
	if haveBLE {
		c.BLE = &ble
	}
	if haveWiFi {
		c.WiFi = &wifi
	}
	kind := Select(c)

	if kind == BLE {
		r.bleCount.Add(1)
	} else {
		r.wifiCount.Add(1)
	}
	return kind
}

// Counters returns the router's cumulative usage counters.
func (r *Router) Counters() (bleCount, wifiCount int64) {
	return r.bleCount.Load(), r.wifiCount.Load()
}

// BLEReachable reports the adapter's best-effort BLE power state; true
// with no error info is returned when there is no adapter configured,
// since absence of a probe must never block selection.
func (r *Router) BLEReachable() bool {
	if r.adapter == nil {
		return true
	}
	powered, err := r.adapter.BLEPowered()
	if err != nil {
		return true
	}
	return powered
}
