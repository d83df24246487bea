// Package ble abstracts the Bluetooth Low Energy radio the bridge drives.
// A Radio discovers peripherals and opens Links to them; a Link carries
// newline-framed JSON to the device and delivers its notifications back.
// Two backends exist: BlueZ over the system D-Bus, and a simulator used for
// development and tests.
package ble

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeviceNotFound means no peripheral with the requested name is known.
	ErrDeviceNotFound = errors.New("ble: device not found")
	// ErrLinkClosed is returned by operations on a Link that has gone down.
	ErrLinkClosed = errors.New("ble: link closed")
	// ErrNotConnected means a device write was attempted without a link.
	ErrNotConnected = errors.New("ble: not connected")
)

// Nordic UART Service. The device notifies on TX and accepts writes on RX.
const (
	NUSService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	NUSRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

// Peripheral is one advertising device seen during discovery.
type Peripheral struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Radio is the hardware handle. Implementations must honor ctx on every
// blocking call, although callers do not rely on it.
type Radio interface {
	// Scan listens for advertisements for up to window and returns the
	// peripherals seen, in first-seen order.
	Scan(ctx context.Context, window time.Duration) ([]Peripheral, error)
	// Connect opens a GATT link to p with its UART characteristics ready.
	Connect(ctx context.Context, p Peripheral) (Link, error)
	// Close releases the adapter. Links opened from it are closed too.
	Close() error
}

// Link is an established connection to one peripheral.
type Link interface {
	// Write sends one raw chunk to the RX characteristic.
	Write(ctx context.Context, b []byte) error
	// Notifications delivers each notification value as received.
	Notifications() <-chan []byte
	// Done is closed when the link drops or is closed.
	Done() <-chan struct{}
	Close() error
}

// Names returns the non-empty peripheral names in first-seen order with
// duplicates removed.
func Names(ps []Peripheral) []string {
	seen := make(map[string]struct{}, len(ps))
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if p.Name == "" {
			continue
		}
		if _, ok := seen[p.Name]; ok {
			continue
		}
		seen[p.Name] = struct{}{}
		out = append(out, p.Name)
	}
	return out
}

// Lookup finds the first peripheral called name.
func Lookup(ps []Peripheral, name string) (Peripheral, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p, true
		}
	}
	return Peripheral{}, false
}
