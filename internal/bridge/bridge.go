// Package bridge is the session server between control channels and the BLE
// radio. A single loop goroutine owns the radio and the device connection
// state; commands from every session are queued to it in arrival order and
// each one runs to completion before the next starts, except that a new
// connect supersedes an attempt still in progress. Radio calls run off the
// loop under deadlines so a hung adapter cannot stall it, and every failure
// is turned into a status event at this boundary.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/large-farva/sentinel-bridge/internal/ble"
	"github.com/large-farva/sentinel-bridge/internal/config"
	"github.com/large-farva/sentinel-bridge/internal/protocol"
	"github.com/large-farva/sentinel-bridge/internal/telemetry"
	"github.com/large-farva/sentinel-bridge/internal/ws"
)

// defaultScanGrace is added to the scan window before a scan is abandoned.
const defaultScanGrace = 5 * time.Second

// Emitter delivers events to sessions. *ws.Hub satisfies it.
type Emitter interface {
	BroadcastJSON(v any)
	SendJSON(id string, v any)
}

// Recorder persists telemetry snapshots.
type Recorder interface {
	Record(ts time.Time, s telemetry.Snapshot) error
	Close() error
}

// Tuning holds the settings that may change while the bridge runs.
type Tuning struct {
	DefaultName       string
	RescanOnConnect   bool
	ScanWindow        time.Duration
	ScanGrace         time.Duration // zero means defaultScanGrace
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	Framing           ble.Framing
	CommandsPerSecond float64
	Burst             int
}

// TuningFrom extracts the reloadable settings from cfg.
func TuningFrom(cfg config.Config) Tuning {
	return Tuning{
		DefaultName:       cfg.Device.DefaultName,
		RescanOnConnect:   cfg.Device.RescanOnConnect,
		ScanWindow:        cfg.Radio.ScanWindow(),
		ScanGrace:         defaultScanGrace,
		ConnectTimeout:    cfg.Device.ConnectTimeout(),
		WriteTimeout:      cfg.Device.WriteTimeout(),
		Framing:           ble.Framing{ChunkSize: cfg.Radio.ChunkSize, ChunkDelay: cfg.Radio.ChunkDelay()},
		CommandsPerSecond: cfg.Session.CommandsPerSecond,
		Burst:             cfg.Session.Burst,
	}
}

// Options holds everything a Bridge needs from the caller.
type Options struct {
	Radio    ble.Radio
	Emitter  Emitter
	Recorder Recorder // optional
	Logger   *log.Logger
	Debug    *log.Logger // optional
	Tuning   Tuning

	BreakerMaxFailures uint32
	BreakerOpenFor     time.Duration
}

// View is the device connection state as last published by the loop.
type View struct {
	State    protocol.State `json:"state"`
	Device   string         `json:"device,omitempty"`
	Since    time.Time      `json:"since"`
	LastScan []string       `json:"last_scan"`
}

type request struct {
	session string
	cmd     protocol.Command
}

// Bridge owns the radio for its whole lifetime: it releases it when Run
// returns, whatever the reason.
type Bridge struct {
	radio    ble.Radio
	emit     Emitter
	recorder Recorder
	log      *log.Logger
	debug    *log.Logger
	breaker  *gobreaker.CircuitBreaker[struct{}]
	tuning   atomic.Pointer[Tuning]
	view     atomic.Pointer[View]

	requests chan request
	detach   chan string
	results  chan opResult
	done     chan struct{}

	mu       sync.Mutex
	sessions map[string]*Session

	// Owned by the Run goroutine.
	state    protocol.State
	device   string
	link     ble.Link
	lastScan []ble.Peripheral
	queue    []request
	cur      *op
	seq      uint64
}

// New builds a Bridge. Nothing touches the radio until Run.
func New(opts Options) *Bridge {
	debug := opts.Debug
	if debug == nil {
		debug = log.New(io.Discard, "", 0)
	}
	maxFailures := opts.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	openFor := opts.BreakerOpenFor
	if openFor == 0 {
		openFor = 15 * time.Second
	}

	b := &Bridge{
		radio:    opts.Radio,
		emit:     opts.Emitter,
		recorder: opts.Recorder,
		log:      opts.Logger,
		debug:    debug,
		requests: make(chan request, 32),
		detach:   make(chan string),
		results:  make(chan opResult),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
		state:    protocol.StateDisconnected,
	}
	b.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "device-write",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Printf("warn: breaker %s: %s -> %s", name, from, to)
		},
	})
	t := opts.Tuning
	b.tuning.Store(&t)
	b.publish()
	return b
}

// Run processes commands until ctx is cancelled, then cancels any operation
// in flight and releases the link, the radio and the recorder.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.done)
	defer b.teardown()

	b.log.Printf("bridge started")
	for {
		var (
			notify   <-chan []byte
			linkDown <-chan struct{}
		)
		if b.link != nil {
			notify = b.link.Notifications()
			linkDown = b.link.Done()
		}

		select {
		case <-ctx.Done():
			return nil
		case req := <-b.requests:
			b.enqueue(req)
		case id := <-b.detach:
			b.detachSession(id)
		case res := <-b.results:
			b.finish(res)
		case msg := <-notify:
			b.telemetry(msg)
		case <-linkDown:
			b.linkLost()
		}
		b.next(ctx)
	}
}

// Done is closed once Run has returned and the radio is released.
func (b *Bridge) Done() <-chan struct{} { return b.done }

func (b *Bridge) teardown() {
	if b.cur != nil {
		b.cur.cancel()
		b.cur = nil
	}
	b.queue = nil
	if b.link != nil {
		_ = b.link.Close()
		b.link = nil
	}
	if err := b.radio.Close(); err != nil {
		b.log.Printf("warn: release radio: %v", err)
	}
	if b.recorder != nil {
		if err := b.recorder.Close(); err != nil {
			b.log.Printf("warn: close telemetry log: %v", err)
		}
	}
	b.setState(protocol.StateDisconnected, "")
	b.log.Printf("bridge stopped, radio released")
}

func (b *Bridge) enqueue(req request) {
	b.mu.Lock()
	_, open := b.sessions[req.session]
	b.mu.Unlock()
	if !open {
		b.debug.Printf("dropping %s from closed session %s", req.cmd.Type(), req.session)
		return
	}

	if _, ok := req.cmd.(protocol.Connect); ok {
		if b.cur != nil && b.cur.kind == opConnect && !b.cur.superseded {
			b.log.Printf("connect to %s superseded", b.cur.device)
			b.cur.superseded = true
			b.cur.cancel()
		}
		b.queue = slices.DeleteFunc(b.queue, func(r request) bool {
			_, isConnect := r.cmd.(protocol.Connect)
			return isConnect
		})
	}
	b.queue = append(b.queue, req)
}

// next starts queued commands until one leaves an operation in flight.
func (b *Bridge) next(ctx context.Context) {
	for b.cur == nil && len(b.queue) > 0 && ctx.Err() == nil {
		req := b.queue[0]
		b.queue = b.queue[1:]
		b.start(ctx, req)
	}
}

func (b *Bridge) start(ctx context.Context, req request) {
	t := b.tuning.Load()
	b.debug.Printf("session %s: %s", req.session, req.cmd.Type())

	switch cmd := req.cmd.(type) {
	case protocol.Scan:
		grace := t.ScanGrace
		if grace <= 0 {
			grace = defaultScanGrace
		}
		o := &op{kind: opScan, session: req.session, cmd: cmd}
		b.launch(ctx, o, t.ScanWindow+grace, func(ctx context.Context) opResult {
			found, err := b.radio.Scan(ctx, t.ScanWindow)
			return opResult{found: found, err: err}
		})

	case protocol.Connect:
		b.startConnect(ctx, req, cmd, t)

	case protocol.Wifi:
		b.startWrite(ctx, req, t, protocol.StateWifiSent, protocol.StateWifiFailed)

	case protocol.Threshold:
		if err := cmd.Validate(); err != nil {
			b.send(req.session, protocol.Failure(protocol.StateThresholdFailed, b.device, err))
			return
		}
		b.startWrite(ctx, req, t, protocol.StateThresholdSent, protocol.StateThresholdFailed)

	default:
		b.log.Printf("warn: session %s: unhandled command %T", req.session, cmd)
	}
}

func (b *Bridge) startConnect(ctx context.Context, req request, cmd protocol.Connect, t *Tuning) {
	name := cmd.Name
	if name == "" {
		name = t.DefaultName
	}

	if b.link != nil {
		prev := b.device
		_ = b.link.Close()
		b.link = nil
		b.setState(protocol.StateDisconnected, "")
		b.broadcast(protocol.NewStatus(protocol.StateDisconnected, prev))
	}

	b.setState(protocol.StateConnecting, name)
	b.broadcast(protocol.NewStatus(protocol.StateConnecting, name))

	p, known := ble.Lookup(b.lastScan, name)
	if !known && !t.RescanOnConnect {
		b.setState(protocol.StateDisconnected, "")
		b.broadcast(protocol.Failure(protocol.StateFailed, name,
			protocol.Errorf(protocol.CodeDeviceNotFound, "%q was not seen in the last scan", name)))
		return
	}

	o := &op{kind: opConnect, session: req.session, cmd: cmd, device: name}
	b.launch(ctx, o, t.ConnectTimeout, func(ctx context.Context) opResult {
		if known {
			link, err := b.radio.Connect(ctx, p)
			return opResult{link: link, err: err}
		}
		// Unknown name: one discovery inside the attempt's deadline.
		found, err := b.radio.Scan(ctx, t.ScanWindow)
		if err != nil {
			return opResult{found: found, err: err}
		}
		target, ok := ble.Lookup(found, name)
		if !ok {
			return opResult{found: found, err: fmt.Errorf("%w: %q", ble.ErrDeviceNotFound, name)}
		}
		link, err := b.radio.Connect(ctx, target)
		return opResult{link: link, found: found, err: err}
	})
}

func (b *Bridge) startWrite(ctx context.Context, req request, t *Tuning, sent, failed protocol.State) {
	if b.state != protocol.StateConnected || b.link == nil {
		b.send(req.session, protocol.Failure(failed, "", writeError(ble.ErrNotConnected)))
		return
	}
	payload, err := protocol.DevicePayload(req.cmd)
	if err != nil {
		b.send(req.session, protocol.Failure(failed, b.device, err))
		return
	}

	link := b.link
	o := &op{kind: opWrite, session: req.session, cmd: req.cmd, device: b.device}
	o.sent, o.failed = sent, failed
	b.launch(ctx, o, t.WriteTimeout, func(ctx context.Context) opResult {
		_, err := b.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, ble.WriteMessage(ctx, link, payload, t.Framing)
		})
		return opResult{err: err}
	})
}

// finish applies the result of the current operation. Results of
// operations that are no longer current are discarded.
func (b *Bridge) finish(res opResult) {
	o := b.cur
	if o == nil || res.seq != o.seq {
		if res.link != nil {
			_ = res.link.Close()
		}
		return
	}
	b.cur = nil
	o.cancel()
	b.debug.Printf("op %d: %s finished: %v", o.seq, o.kind, res.err)

	switch o.kind {
	case opScan:
		if res.err != nil {
			b.log.Printf("warn: scan failed: %v", res.err)
			b.send(o.session, protocol.Failure(protocol.StateScanFailed, "", scanError(res.err)))
			return
		}
		b.lastScan = res.found
		names := ble.Names(res.found)
		b.log.Printf("scan found %d device(s)", len(names))
		b.publish()
		b.broadcast(protocol.NewScanResult(names))

	case opConnect:
		if res.found != nil {
			b.lastScan = res.found
		}
		switch {
		case o.superseded:
			if res.link != nil {
				_ = res.link.Close()
			}
			b.setState(protocol.StateDisconnected, "")
		case o.detached:
			if res.link != nil {
				_ = res.link.Close()
			}
			b.setState(protocol.StateDisconnected, "")
			b.broadcast(protocol.NewStatus(protocol.StateDisconnected, o.device))
		case res.err != nil:
			b.log.Printf("warn: connect to %s failed: %v", o.device, res.err)
			b.setState(protocol.StateDisconnected, "")
			b.broadcast(protocol.Failure(protocol.StateFailed, o.device, connectError(res.err)))
		default:
			b.link = res.link
			b.setState(protocol.StateConnected, o.device)
			b.log.Printf("connected to %s", o.device)
			b.broadcast(protocol.NewStatus(protocol.StateConnected, o.device))
		}

	case opWrite:
		if res.err != nil {
			b.log.Printf("warn: write to %s failed: %v", o.device, res.err)
			b.send(o.session, protocol.Failure(o.failed, o.device, writeError(res.err)))
			return
		}
		b.send(o.session, protocol.NewStatus(o.sent, o.device))
	}
}

func (b *Bridge) detachSession(id string) {
	b.queue = slices.DeleteFunc(b.queue, func(r request) bool { return r.session == id })
	if b.cur != nil && b.cur.session == id {
		b.debug.Printf("op %d: cancelled, session %s closed", b.cur.seq, id)
		b.cur.detached = true
		b.cur.cancel()
	}
}

func (b *Bridge) telemetry(msg []byte) {
	if !protocol.IsObject(msg) {
		b.log.Printf("warn: dropping non-object telemetry (%d bytes)", len(msg))
		return
	}
	payload := bytes.Clone(msg)
	b.broadcast(protocol.NewData(json.RawMessage(payload)))

	if b.recorder == nil {
		return
	}
	snap, err := telemetry.Parse(payload)
	if err != nil {
		return
	}
	if err := b.recorder.Record(time.Now(), snap); err != nil {
		b.log.Printf("warn: record telemetry: %v", err)
	}
}

func (b *Bridge) linkLost() {
	dev := b.device
	b.link = nil
	b.setState(protocol.StateDisconnected, "")
	b.log.Printf("warn: link to %s lost", dev)
	b.broadcast(protocol.NewStatus(protocol.StateDisconnected, dev))
}

func (b *Bridge) setState(s protocol.State, device string) {
	b.state = s
	b.device = device
	b.publish()
}

func (b *Bridge) publish() {
	v := &View{
		State:    b.state,
		Device:   b.device,
		Since:    time.Now().UTC(),
		LastScan: ble.Names(b.lastScan),
	}
	if old := b.view.Load(); old != nil && old.State == v.State && old.Device == v.Device {
		v.Since = old.Since
	}
	b.view.Store(v)
}

func (b *Bridge) broadcast(ev protocol.Event) { b.emit.BroadcastJSON(ev) }
func (b *Bridge) send(id string, ev protocol.Event) {
	if id == "" {
		return
	}
	b.emit.SendJSON(id, ev)
}

// Opened registers a session and sends it the current device state.
func (b *Bridge) Opened(p ws.Peer) {
	s := newSession(p, *b.tuning.Load())
	b.mu.Lock()
	b.sessions[p.ID] = s
	b.mu.Unlock()

	b.log.Printf("session %s opened from %s", p.ID, p.Remote)
	v := b.Status()
	b.send(p.ID, protocol.NewStatus(v.State, v.Device))
}

// Received decodes one inbound message and queues it for the loop.
// Malformed messages are logged and dropped without a reply.
func (b *Bridge) Received(id string, msg []byte) {
	s := b.session(id)
	if s == nil {
		return
	}

	cmd, err := protocol.DecodeCommand(msg)
	if err != nil {
		s.malformed.Add(1)
		b.log.Printf("warn: session %s: dropping malformed message: %v", id, err)
		return
	}
	if !s.limiter.Allow() {
		s.rejected.Add(1)
		b.send(id, protocol.Failure(protocol.StateRejected, "",
			protocol.Errorf(protocol.CodeRateLimited, "%s rejected, too many commands", cmd.Type())))
		return
	}
	s.commands.Add(1)

	select {
	case b.requests <- request{session: id, cmd: cmd}:
	case <-b.done:
	}
}

// Closed forgets the session and cancels whatever it still has queued or
// in flight. The device link, if any, stays up for other sessions.
func (b *Bridge) Closed(id string) {
	b.mu.Lock()
	_, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if !ok {
		return
	}

	b.log.Printf("session %s closed", id)
	select {
	case b.detach <- id:
	case <-b.done:
	}
}

func (b *Bridge) session(id string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[id]
}

// Status returns the last published device state.
func (b *Bridge) Status() View {
	return *b.view.Load()
}

// Sessions lists open sessions, oldest first.
func (b *Bridge) Sessions() []SessionInfo {
	b.mu.Lock()
	out := make([]SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.info())
	}
	b.mu.Unlock()

	slices.SortFunc(out, func(a, c SessionInfo) int { return a.OpenedAt.Compare(c.OpenedAt) })
	return out
}

// BreakerState reports the device write circuit breaker state.
func (b *Bridge) BreakerState() string { return b.breaker.State().String() }

// Retune swaps the reloadable settings. Operations already in flight keep
// the settings they started with.
func (b *Bridge) Retune(t Tuning) {
	b.tuning.Store(&t)
	b.mu.Lock()
	for _, s := range b.sessions {
		s.retune(t)
	}
	b.mu.Unlock()
}

func scanError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.Errorf(protocol.CodeTransportError, "scan did not finish in time")
	}
	return protocol.Errorf(protocol.CodeTransportError, "%v", err)
}

func connectError(err error) error {
	switch {
	case errors.Is(err, ble.ErrDeviceNotFound):
		return protocol.Errorf(protocol.CodeDeviceNotFound, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.Errorf(protocol.CodeConnectTimeout, "link did not come up in time")
	default:
		return protocol.Errorf(protocol.CodeTransportError, "%v", err)
	}
}

func writeError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.Errorf(protocol.CodeWriteTimeout, "device write did not finish in time")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return protocol.Errorf(protocol.CodeTransportError, "device writes suspended after repeated failures")
	case errors.Is(err, ble.ErrNotConnected):
		return protocol.Errorf(protocol.CodeNotConnected, "no device is connected")
	case errors.Is(err, ble.ErrLinkClosed):
		return protocol.Errorf(protocol.CodeNotConnected, "link closed during write")
	default:
		return protocol.Errorf(protocol.CodeTransportError, "%v", err)
	}
}
