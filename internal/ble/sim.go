package ble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"
)

// SimOptions configures the simulated radio.
type SimOptions struct {
	// Names advertised during every scan, in this order.
	Names []string
	// TelemetryInterval between snapshots on an open link. Zero disables
	// telemetry.
	TelemetryInterval time.Duration
	// ConnectDelay before a link is reported up.
	ConnectDelay time.Duration
	// ScanDelay caps how long a scan takes; the scan window is used when it
	// is shorter.
	ScanDelay time.Duration
}

// Sim is a Radio that needs no hardware. It advertises a fixed set of
// devices, accepts every connection to one of them and emits plausible
// sensor snapshots so the daemon and clients can be exercised end-to-end.
type Sim struct {
	opts   SimOptions
	logger *log.Logger

	mu     sync.Mutex
	links  map[*simLink]struct{}
	lines  [][]byte
	closed bool
}

// NewSim builds a simulated radio.
func NewSim(opts SimOptions, logger *log.Logger) *Sim {
	return &Sim{
		opts:   opts,
		logger: logger,
		links:  make(map[*simLink]struct{}),
	}
}

// Scan waits out the scan delay and returns the configured peripherals.
func (s *Sim) Scan(ctx context.Context, window time.Duration) ([]Peripheral, error) {
	if s.isClosed() {
		return nil, ErrLinkClosed
	}
	wait := s.opts.ScanDelay
	if window < wait {
		wait = window
	}
	if !sleepOrCancel(ctx, wait) {
		return nil, ctx.Err()
	}
	out := make([]Peripheral, 0, len(s.opts.Names))
	for i, n := range s.opts.Names {
		out = append(out, Peripheral{Name: n, Address: simAddress(i)})
	}
	return out, nil
}

// Connect succeeds for any advertised name after ConnectDelay.
func (s *Sim) Connect(ctx context.Context, p Peripheral) (Link, error) {
	if s.isClosed() {
		return nil, ErrLinkClosed
	}
	known := false
	for _, n := range s.opts.Names {
		if n == p.Name {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, p.Name)
	}
	if !sleepOrCancel(ctx, s.opts.ConnectDelay) {
		return nil, ctx.Err()
	}

	l := &simLink{
		sim:    s,
		name:   p.Name,
		notify: make(chan []byte, notifyQueueSize),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.links[l] = struct{}{}
	s.mu.Unlock()

	if s.opts.TelemetryInterval > 0 {
		go l.run(s.opts.TelemetryInterval)
	}
	s.logger.Printf("sim: linked to %s", p.Name)
	return l, nil
}

// Close drops every link. Later calls on the radio fail.
func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	links := make([]*simLink, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Sim) Closed() bool { return s.isClosed() }

// Lines returns every complete line the simulated devices have received.
func (s *Sim) Lines() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.lines))
	copy(out, s.lines)
	return out
}

// Drop simulates the device going out of range on every open link.
func (s *Sim) Drop() {
	s.mu.Lock()
	links := make([]*simLink, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
}

func (s *Sim) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type simLink struct {
	sim    *Sim
	name   string
	notify chan []byte
	done   chan struct{}

	mu        sync.Mutex
	partial   []byte
	closeOnce sync.Once
}

func (l *simLink) Write(ctx context.Context, b []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	l.mu.Lock()
	l.partial = append(l.partial, b...)
	var complete [][]byte
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		complete = append(complete, bytes.Clone(l.partial[:i]))
		l.partial = l.partial[i+1:]
	}
	l.mu.Unlock()

	if len(complete) > 0 {
		l.sim.mu.Lock()
		l.sim.lines = append(l.sim.lines, complete...)
		l.sim.mu.Unlock()
		for _, line := range complete {
			l.sim.logger.Printf("sim: %s received %s message (%d bytes)", l.name, lineType(line), len(line))
		}
	}
	return nil
}

// lineType names a received line by its type tag only. Lines carry
// credentials, so their contents stay out of the log.
func lineType(line []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(line, &head) != nil || head.Type == "" {
		return "untyped"
	}
	return head.Type
}

func (l *simLink) Notifications() <-chan []byte { return l.notify }
func (l *simLink) Done() <-chan struct{}        { return l.done }

func (l *simLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.sim.mu.Lock()
		delete(l.sim.links, l)
		l.sim.mu.Unlock()
	})
	return nil
}

// run emits one snapshot immediately, then one per interval until the link
// closes.
func (l *simLink) run(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		b, err := json.Marshal(simSnapshot())
		if err == nil {
			select {
			case l.notify <- b:
			default:
			}
		}
		select {
		case <-l.done:
			return
		case <-t.C:
		}
	}
}

// simSnapshot mimics a BMP280 plus an ambient light sensor indoors.
func simSnapshot() map[string]any {
	round := func(v float64) float64 { return float64(int(v*100)) / 100 }
	return map[string]any{
		"environment": map[string]any{
			"bmp280": map[string]any{
				"temp":     round(19.0 + rand.Float64()*6.0),
				"pressure": round(1008.0 + rand.Float64()*12.0),
			},
			"light": map[string]any{
				"percent": rand.IntN(101),
			},
		},
	}
}

func simAddress(i int) string {
	return fmt.Sprintf("5E:1A:00:00:00:%02X", i&0xff)
}

func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
