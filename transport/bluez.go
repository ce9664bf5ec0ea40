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

package transport

import (
	"github.com/godbus/dbus/v5"
)

const (
	bluezService    = "org.bluez"
	bluezAdapterObj = "/org/bluez/hci0"
	bluezAdapterIfc = "org.bluez.Adapter1"
)

// BlueZAdapter is an Adapter backed by a best-effort read of BlueZ's
// "Powered" property over the system D-Bus, matching the real bitchat
// Go port's direct dependency on godbus/dbus. Reachability probing is
// advisory only: Router.BLEReachable treats any error as reachable so a
// missing or unreachable D-Bus daemon never blocks the decision table.
type BlueZAdapter struct {
	conn *dbus.Conn
}

// NewBlueZAdapter connects to the system bus. Callers on non-Linux
// platforms, or without a running D-Bus daemon, should treat a non-nil
// error as "no adapter available" and pass a nil Adapter to
// transport.New instead.
func NewBlueZAdapter() (*BlueZAdapter, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return &BlueZAdapter{conn: conn}, nil
}

// BLEPowered reads org.bluez.Adapter1.Powered on hci0.
func (a *BlueZAdapter) BLEPowered() (bool, error) {
	obj := a.conn.Object(bluezService, dbus.ObjectPath(bluezAdapterObj))
	variant, err := obj.GetProperty(bluezAdapterIfc + ".Powered")
	if err != nil {
		return false, err
	}
	powered, ok := variant.Value().(bool)
	if !ok {
		return false, errUnexpectedPropertyType
	}
	return powered, nil
}

func (a *BlueZAdapter) Close() error {
	return a.conn.Close()
}

var errUnexpectedPropertyType = dbusPropertyTypeError{}

type dbusPropertyTypeError struct{}

func (dbusPropertyTypeError) Error() string { return "unexpected D-Bus property type for Powered" }
