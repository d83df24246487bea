package bridge

import (
	"context"
	"io"
	"log"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/large-farva/sentinel-bridge/internal/ble"
	"github.com/large-farva/sentinel-bridge/internal/protocol"
	"github.com/large-farva/sentinel-bridge/internal/telemetry"
	"github.com/large-farva/sentinel-bridge/internal/ws"
)

type fakeRadio struct {
	mu          sync.Mutex
	peripherals []ble.Peripheral
	gates       map[string]chan struct{} // Connect to this name waits on the gate
	honorCtx    bool                     // gated connects give up when ctx is done
	connectErr  error
	writeErr    error
	scanHang    chan struct{} // Scan blocks on it, ignoring ctx
	writeHang   chan struct{} // link writes block on it, ignoring ctx
	scans       int
	connects    int
	closed      bool
	links       []*fakeLink
	cancelled   chan string
}

func newFakeRadio(names ...string) *fakeRadio {
	r := &fakeRadio{
		gates:     make(map[string]chan struct{}),
		honorCtx:  true,
		cancelled: make(chan string, 8),
	}
	for i, n := range names {
		r.peripherals = append(r.peripherals, ble.Peripheral{Name: n, Address: string(rune('A' + i))})
	}
	return r
}

func (r *fakeRadio) gate(name string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := make(chan struct{})
	r.gates[name] = g
	return g
}

func (r *fakeRadio) Scan(ctx context.Context, window time.Duration) ([]ble.Peripheral, error) {
	r.mu.Lock()
	r.scans++
	hang := r.scanHang
	r.mu.Unlock()
	if hang != nil {
		<-hang
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.peripherals), nil
}

func (r *fakeRadio) Connect(ctx context.Context, p ble.Peripheral) (ble.Link, error) {
	r.mu.Lock()
	r.connects++
	g := r.gates[p.Name]
	honor := r.honorCtx
	err := r.connectErr
	writeErr := r.writeErr
	writeHang := r.writeHang
	r.mu.Unlock()

	if g != nil {
		if honor {
			select {
			case <-g:
			case <-ctx.Done():
				r.cancelled <- p.Name
				return nil, ctx.Err()
			}
		} else {
			<-g
		}
	}
	if err != nil {
		return nil, err
	}

	l := &fakeLink{
		name:     p.Name,
		writeErr: writeErr,
		hang:     writeHang,
		notify:   make(chan []byte, 8),
		done:     make(chan struct{}),
	}
	r.mu.Lock()
	r.links = append(r.links, l)
	r.mu.Unlock()
	return l, nil
}

func (r *fakeRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRadio) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeRadio) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func (r *fakeRadio) link(i int) *fakeLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.links) {
		return nil
	}
	return r.links[i]
}

type fakeLink struct {
	name     string
	writeErr error
	hang     chan struct{}
	notify   chan []byte
	done     chan struct{}

	mu     sync.Mutex
	writes [][]byte
	once   sync.Once
}

func (l *fakeLink) Write(ctx context.Context, b []byte) error {
	select {
	case <-l.done:
		return ble.ErrLinkClosed
	default:
	}
	if l.hang != nil {
		<-l.hang
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	l.writes = append(l.writes, slices.Clone(b))
	return nil
}

func (l *fakeLink) Notifications() <-chan []byte { return l.notify }
func (l *fakeLink) Done() <-chan struct{}        { return l.done }

func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *fakeLink) written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.writes)
}

type emitted struct {
	to string // empty for broadcasts
	ev protocol.Event
}

type fakeEmitter struct {
	ch chan emitted
}

func (e *fakeEmitter) BroadcastJSON(v any)       { e.ch <- emitted{ev: v.(protocol.Event)} }
func (e *fakeEmitter) SendJSON(id string, v any) { e.ch <- emitted{to: id, ev: v.(protocol.Event)} }

func (e *fakeEmitter) next(t *testing.T) emitted {
	t.Helper()
	select {
	case m := <-e.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return emitted{}
	}
}

func (e *fakeEmitter) status(t *testing.T) (string, protocol.Status) {
	t.Helper()
	m := e.next(t)
	s, ok := m.ev.(protocol.Status)
	require.True(t, ok, "expected status event, got %#v", m.ev)
	return m.to, s
}

func (e *fakeEmitter) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-e.ch:
		t.Fatalf("unexpected event to %q: %#v", m.to, m.ev)
	case <-time.After(d):
	}
}

type fakeRecorder struct {
	mu     sync.Mutex
	rows   []telemetry.Snapshot
	closed bool
}

func (r *fakeRecorder) Record(_ time.Time, s telemetry.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, s)
	return nil
}

func (r *fakeRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type harness struct {
	b      *Bridge
	radio  *fakeRadio
	em     *fakeEmitter
	cancel context.CancelFunc
}

func testTuning() Tuning {
	return Tuning{
		DefaultName:       "SLS_ESP32",
		ScanWindow:        20 * time.Millisecond,
		ConnectTimeout:    500 * time.Millisecond,
		WriteTimeout:      500 * time.Millisecond,
		Framing:           ble.Framing{ChunkSize: 20},
		CommandsPerSecond: 1000,
		Burst:             1000,
	}
}

func start(t *testing.T, radio *fakeRadio, rec Recorder, tune func(*Tuning)) *harness {
	t.Helper()
	tn := testTuning()
	if tune != nil {
		tune(&tn)
	}
	em := &fakeEmitter{ch: make(chan emitted, 256)}
	opts := Options{
		Radio:              radio,
		Emitter:            em,
		Logger:             log.New(io.Discard, "", 0),
		Tuning:             tn,
		BreakerMaxFailures: 2,
		BreakerOpenFor:     time.Minute,
	}
	if rec != nil {
		opts.Recorder = rec
	}
	b := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-b.Done()
	})
	return &harness{b: b, radio: radio, em: em, cancel: cancel}
}

// open registers a session and consumes its initial status.
func (h *harness) open(t *testing.T, id string) protocol.Status {
	t.Helper()
	h.b.Opened(ws.Peer{ID: id, Remote: "127.0.0.1:50000", OpenedAt: time.Now()})
	to, s := h.em.status(t)
	require.Equal(t, id, to)
	return s
}

func (h *harness) send(id, raw string) {
	h.b.Received(id, []byte(raw))
}

// connect scans and links to name, consuming the events.
func (h *harness) connect(t *testing.T, id, name string) *fakeLink {
	t.Helper()
	h.send(id, `{"type":"scan"}`)
	m := h.em.next(t)
	require.IsType(t, protocol.ScanResult{}, m.ev)

	h.send(id, `{"type":"connect","name":"`+name+`"}`)
	_, s := h.em.status(t)
	require.Equal(t, protocol.StateConnecting, s.State)
	_, s = h.em.status(t)
	require.Equal(t, protocol.StateConnected, s.State, "connect failed: %s", s.Message)

	var l *fakeLink
	require.Eventually(t, func() bool {
		for i := 0; ; i++ {
			c := h.radio.link(i)
			if c == nil {
				return l != nil
			}
			if !c.isClosed() {
				l = c
			}
		}
	}, time.Second, 5*time.Millisecond)
	return l
}
