package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/sentinel-bridge/internal/protocol"
)

// fakeBridge accepts channels and hands the server side to the test.
type fakeBridge struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.conns <- conn
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBridge) url() string { return "ws" + strings.TrimPrefix(fb.srv.URL, "http") }

func (fb *fakeBridge) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fb.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []ChannelState
}

func (s *stateLog) record(st ChannelState) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateLog) get() []ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChannelState(nil), s.states...)
}

func fastBackoff() Backoff {
	return Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2, MaxAttempts: 5}
}

func runClient(t *testing.T, c *Client) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(3 * time.Second):
			t.Error("client did not stop")
		}
	})
	return cancel, errc
}

func waitOpen(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 3*time.Second, 5*time.Millisecond)
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff
	assert.Equal(t, 500*time.Millisecond, b.Delay(0))
	assert.Equal(t, 500*time.Millisecond, b.Delay(1))
	assert.Equal(t, time.Second, b.Delay(2))
	assert.Equal(t, 2*time.Second, b.Delay(3))
	assert.Equal(t, 8*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(6))
	assert.Equal(t, 10*time.Second, b.Delay(50))
}

func TestSendBeforeOpenIsDropped(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/"})
	err := c.Send(protocol.Scan{})
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.Equal(t, StateClosed, c.State())
}

func TestEventsUpdateDisplay(t *testing.T) {
	fb := newFakeBridge(t)
	var mu sync.Mutex
	var seen []protocol.EventType
	c := New(Options{
		URL:     fb.url(),
		Backoff: fastBackoff(),
		OnEvent: func(ev protocol.Event) {
			mu.Lock()
			seen = append(seen, ev.Type())
			mu.Unlock()
		},
	})
	runClient(t, c)
	srv := fb.accept(t)
	waitOpen(t, c)

	for _, msg := range []string{
		`{"type":"status","state":"connected","device":"SLS_ESP32"}`,
		`not json`,
		`{"type":"reboot"}`,
		`{"type":"data","payload":[1,2]}`,
		`{"type":"scan","items":["SLS_ESP32","Sentinel-Lab"]}`,
		`{"type":"data","payload":{"environment":{"bmp280":{"temp":21.5,"pressure":1013.2}}}}`,
	} {
		require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	require.Eventually(t, func() bool { return c.View().Snapshot().Applied == 3 }, 3*time.Second, 5*time.Millisecond)
	d := c.View().Snapshot()
	assert.Equal(t, StateOpen, d.Channel)
	assert.Equal(t, protocol.StateConnected, d.Status)
	assert.Equal(t, "BLE: connected (SLS_ESP32)", d.StatusLine())
	assert.Equal(t, []string{"SLS_ESP32", "Sentinel-Lab"}, d.Devices)
	assert.Equal(t, "21.5", d.Temp)
	assert.Equal(t, "1013.2", d.Pressure)
	assert.Equal(t, "--", d.Light)
	assert.Contains(t, d.Raw, "bmp280")

	mu.Lock()
	assert.Equal(t, []protocol.EventType{protocol.EventStatus, protocol.EventScan, protocol.EventData}, seen)
	mu.Unlock()
}

func TestSendWritesCommand(t *testing.T) {
	fb := newFakeBridge(t)
	c := New(Options{URL: fb.url(), Backoff: fastBackoff()})
	runClient(t, c)
	srv := fb.accept(t)
	waitOpen(t, c)

	require.NoError(t, c.Send(protocol.Threshold{TempHigh: 30, TempLow: 10}))

	require.NoError(t, srv.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := srv.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"threshold","temp_high":30,"temp_low":10}`, string(msg))

	cmd, err := protocol.DecodeCommand(msg)
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdThreshold, cmd.Type())
}

func TestReconnectsAfterDrop(t *testing.T) {
	fb := newFakeBridge(t)
	states := &stateLog{}
	c := New(Options{URL: fb.url(), Backoff: fastBackoff(), OnState: states.record})
	runClient(t, c)

	first := fb.accept(t)
	waitOpen(t, c)
	require.NoError(t, first.Close())

	second := fb.accept(t)
	waitOpen(t, c)
	require.NoError(t, c.Send(protocol.Scan{}))
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := second.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"scan"}`, string(msg))

	assert.Eventually(t, func() bool { return c.View().Snapshot().ChannelError == "" }, time.Second, 5*time.Millisecond)

	got := states.get()
	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, []ChannelState{StateConnecting, StateOpen, StateReconnecting, StateOpen}, got[:4])
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := New(Options{
		URL:     "ws://" + addr + "/",
		Logger:  log.New(io.Discard, "", 0),
		Backoff: Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2, MaxAttempts: 3},
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "giving up after 3 attempts")
	case <-time.After(3 * time.Second):
		t.Fatal("client kept retrying")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Send(protocol.Scan{}), ErrNotOpen)
}

func TestCancelClosesChannel(t *testing.T) {
	fb := newFakeBridge(t)
	c := New(Options{URL: fb.url(), Backoff: fastBackoff()})
	cancel, errc := runClient(t, c)
	srv := fb.accept(t)
	waitOpen(t, c)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateClosed, c.State())

	require.NoError(t, srv.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := srv.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestViewIgnoresUnparseableTelemetry(t *testing.T) {
	v := NewView()
	v.Apply(protocol.Data{Payload: json.RawMessage(`"text"`)})
	d := v.Snapshot()
	assert.Zero(t, d.Applied)
	assert.Equal(t, "--", d.Temp)
	assert.Equal(t, "BLE: --", d.StatusLine())

	v.Apply(protocol.Status{State: protocol.StateFailed, Device: "X", Error: protocol.CodeDeviceNotFound})
	assert.Equal(t, "BLE: failed (X) [DeviceNotFound]", v.Snapshot().StatusLine())
}

func TestScanEventWithoutItemsIsIgnored(t *testing.T) {
	fb := newFakeBridge(t)
	c := New(Options{URL: fb.url(), Backoff: fastBackoff()})
	runClient(t, c)
	srv := fb.accept(t)
	waitOpen(t, c)

	for _, msg := range []string{
		`{"type":"scan","items":["SLS_ESP32"]}`,
		`{"type":"scan"}`,
		`{"type":"scan","items":null}`,
		`{"type":"status","state":"disconnected"}`,
	} {
		require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	require.Eventually(t, func() bool { return c.View().Snapshot().Status == protocol.StateDisconnected }, 3*time.Second, 5*time.Millisecond)
	d := c.View().Snapshot()
	assert.Equal(t, 2, d.Applied)
	assert.Equal(t, []string{"SLS_ESP32"}, d.Devices)

	v := NewView()
	v.Apply(protocol.ScanResult{})
	d = v.Snapshot()
	assert.Zero(t, d.Applied)
	assert.NotNil(t, d.Devices)
	assert.Empty(t, d.Devices)
}

func TestDroppedChannelReportsChannelClosed(t *testing.T) {
	fb := newFakeBridge(t)
	c := New(Options{URL: fb.url(), Logger: log.New(io.Discard, "", 0), Backoff: fastBackoff()})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	srv := fb.accept(t)
	waitOpen(t, c)
	assert.Empty(t, c.View().Snapshot().ChannelError)

	// Nothing to redial once the bridge is gone.
	fb.srv.Close()
	require.NoError(t, srv.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("client kept retrying")
	}
	d := c.View().Snapshot()
	assert.Equal(t, StateClosed, d.Channel)
	assert.Equal(t, protocol.CodeChannelClosed, d.ChannelError)
}
