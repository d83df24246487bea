package ctl

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/sentinel-bridge/internal/app"
	"github.com/large-farva/sentinel-bridge/internal/config"
	"github.com/large-farva/sentinel-bridge/internal/protocol"
)

func TestChannelURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8765":    "ws://127.0.0.1:8765/ws",
		"http://127.0.0.1:8765/":   "ws://127.0.0.1:8765/ws",
		"https://bridge.lan/x?y=1": "wss://bridge.lan/ws",
		"ws://localhost:8765":      "ws://localhost:8765/ws",
	}
	for in, want := range cases {
		got, err := channelURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := channelURL("ftp://host")
	assert.Error(t, err)
}

func TestSettles(t *testing.T) {
	status := func(s protocol.State) protocol.Event { return protocol.Status{State: s} }

	cases := []struct {
		name string
		cmd  protocol.Command
		ev   protocol.Event
		want bool
	}{
		{"scan result", protocol.Scan{}, protocol.ScanResult{}, true},
		{"scan failed", protocol.Scan{}, status(protocol.StateScanFailed), true},
		{"scan ignores telemetry", protocol.Scan{}, protocol.Data{}, false},
		{"connect waits past connecting", protocol.Connect{}, status(protocol.StateConnecting), false},
		{"connect waits past disconnected", protocol.Connect{}, status(protocol.StateDisconnected), false},
		{"connect connected", protocol.Connect{}, status(protocol.StateConnected), true},
		{"connect failed", protocol.Connect{}, status(protocol.StateFailed), true},
		{"wifi sent", protocol.Wifi{}, status(protocol.StateWifiSent), true},
		{"wifi ignores threshold", protocol.Wifi{}, status(protocol.StateThresholdSent), false},
		{"threshold failed", protocol.Threshold{}, status(protocol.StateThresholdFailed), true},
		{"rejected settles anything", protocol.Threshold{}, status(protocol.StateRejected), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, settles(tc.cmd, tc.ev))
		})
	}
}

func startBridge(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Radio.Backend = "sim"
	cfg.Radio.ScanSeconds = 1
	cfg.Radio.ChunkDelayMS = 0
	cfg.Sim.ScanDelayMS = 10
	cfg.Sim.ConnectDelayMS = 10
	cfg.Sim.TelemetryIntervalMS = 0

	a, err := app.New(app.Options{Logger: log.New(io.Discard, "", 0), Cfg: cfg})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return "http://" + ln.Addr().String()
}

func TestExchangeAgainstBridge(t *testing.T) {
	base := startBridge(t)
	ctx := context.Background()

	ev, err := Exchange(ctx, base, protocol.Scan{}, 5*time.Second)
	require.NoError(t, err)
	scan, ok := ev.(protocol.ScanResult)
	require.True(t, ok)
	assert.Equal(t, []string{"SLS_ESP32", "Sentinel-Lab"}, scan.Items)

	ev, err = Exchange(ctx, base, protocol.Wifi{SSID: "lab", Password: "pw"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeNotConnected, ev.(protocol.Status).Error)

	ev, err = Exchange(ctx, base, protocol.Connect{Name: "Sentinel-Lab"}, 5*time.Second)
	require.NoError(t, err)
	s := ev.(protocol.Status)
	assert.Equal(t, protocol.StateConnected, s.State)
	assert.Equal(t, "Sentinel-Lab", s.Device)

	ev, err = Exchange(ctx, base, protocol.Threshold{TempHigh: 28, TempLow: 18}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateThresholdSent, ev.(protocol.Status).State)
}

func TestExchangeUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Exchange(context.Background(), "http://"+addr, protocol.Scan{}, 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open channel")
}

func TestExchangeSkipsBroadcastsBeforeGreeting(t *testing.T) {
	received := make(chan string, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range []string{
			`{"type":"data","payload":{"environment":{"light":{"percent":40}}}}`,
			`{"type":"status","state":"connected","device":"Old"}`,
		} {
			if conn.WriteMessage(websocket.TextMessage, []byte(msg)) != nil {
				return
			}
		}
		_, cmd, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(cmd)
		for _, msg := range []string{
			`{"type":"status","state":"disconnected","device":"Old"}`,
			`{"type":"status","state":"connecting","device":"SLS_ESP32"}`,
			`{"type":"status","state":"connected","device":"SLS_ESP32"}`,
		} {
			if conn.WriteMessage(websocket.TextMessage, []byte(msg)) != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ev, err := Exchange(context.Background(), srv.URL, protocol.Connect{Name: "SLS_ESP32"}, 5*time.Second)
	require.NoError(t, err)
	s := ev.(protocol.Status)
	assert.Equal(t, protocol.StateConnected, s.State)
	assert.Equal(t, "SLS_ESP32", s.Device)

	select {
	case cmd := <-received:
		assert.JSONEq(t, `{"type":"connect","name":"SLS_ESP32"}`, cmd)
	default:
		t.Fatal("command never reached the bridge")
	}
}
