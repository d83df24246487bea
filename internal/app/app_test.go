package app

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/sentinel-bridge/internal/ble"
	"github.com/large-farva/sentinel-bridge/internal/config"
	"github.com/large-farva/sentinel-bridge/internal/protocol"
)

type testDaemon struct {
	app  *App
	sim  *ble.Sim
	addr string
	stop func()
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Radio.Backend = "sim"
	cfg.Radio.ScanSeconds = 1
	cfg.Radio.ChunkDelayMS = 0
	cfg.Sim.ScanDelayMS = 10
	cfg.Sim.ConnectDelayMS = 10
	cfg.Sim.TelemetryIntervalMS = 0
	return cfg
}

func startDaemon(t *testing.T, cfg config.Config, configPath string) *testDaemon {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	sim := ble.NewSim(ble.SimOptions{
		Names:             cfg.Sim.Names,
		TelemetryInterval: time.Duration(cfg.Sim.TelemetryIntervalMS) * time.Millisecond,
		ConnectDelay:      time.Duration(cfg.Sim.ConnectDelayMS) * time.Millisecond,
		ScanDelay:         time.Duration(cfg.Sim.ScanDelayMS) * time.Millisecond,
	}, logger)

	a, err := New(Options{Logger: logger, Cfg: cfg, ConfigPath: configPath, Radio: sim})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Serve(ctx, ln) }()

	var once bool
	stop := func() {
		if once {
			return
		}
		once = true
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	}
	t.Cleanup(stop)
	return &testDaemon{app: a, sim: sim, addr: ln.Addr().String(), stop: stop}
}

func dial(t *testing.T, d *testDaemon, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+d.addr+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func nextEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.DecodeEvent(msg)
	require.NoError(t, err, "event %s", msg)
	return ev
}

// nextStatus skips telemetry until a status event arrives.
func nextStatus(t *testing.T, conn *websocket.Conn) protocol.Status {
	t.Helper()
	for {
		switch ev := nextEvent(t, conn).(type) {
		case protocol.Status:
			return ev
		case protocol.Data:
			continue
		default:
			t.Fatalf("expected status, got %#v", ev)
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func TestScanAndConnectOverChannel(t *testing.T) {
	d := startDaemon(t, testConfig(), "")
	conn := dial(t, d, "/")

	s := nextStatus(t, conn)
	assert.Equal(t, protocol.StateDisconnected, s.State)

	send(t, conn, `{"type":"scan"}`)
	ev := nextEvent(t, conn)
	scan, ok := ev.(protocol.ScanResult)
	require.True(t, ok, "got %#v", ev)
	assert.Equal(t, []string{"SLS_ESP32", "Sentinel-Lab"}, scan.Items)

	send(t, conn, `{"type":"connect","name":"SLS_ESP32"}`)
	s = nextStatus(t, conn)
	assert.Equal(t, protocol.StateConnecting, s.State)
	s = nextStatus(t, conn)
	assert.Equal(t, protocol.StateConnected, s.State)
	assert.Equal(t, "SLS_ESP32", s.Device)

	send(t, conn, `{"type":"wifi","ssid":"lab","password":"hunter22"}`)
	s = nextStatus(t, conn)
	assert.Equal(t, protocol.StateWifiSent, s.State)

	lines := d.sim.Lines()
	require.Len(t, lines, 1)
	assert.JSONEq(t, `{"type":"wifi","ssid":"lab","password":"hunter22"}`, string(lines[0]))
}

func TestMalformedMessagesKeepSessionOpen(t *testing.T) {
	d := startDaemon(t, testConfig(), "")
	conn := dial(t, d, "/ws")
	nextStatus(t, conn)

	send(t, conn, "garbage")
	send(t, conn, `{"type":"reboot"}`)
	send(t, conn, `{"type":"scan"}`)

	ev := nextEvent(t, conn)
	assert.IsType(t, protocol.ScanResult{}, ev, "malformed messages must not produce events")
}

func TestTelemetryReachesEverySession(t *testing.T) {
	cfg := testConfig()
	cfg.Sim.TelemetryIntervalMS = 20
	d := startDaemon(t, cfg, "")
	a := dial(t, d, "/")
	b := dial(t, d, "/")
	nextStatus(t, a)
	nextStatus(t, b)

	send(t, a, `{"type":"connect"}`)
	for _, conn := range []*websocket.Conn{a, b} {
		require.Equal(t, protocol.StateConnecting, nextStatus(t, conn).State)
	}
	// Default name is not in a scan yet.
	for _, conn := range []*websocket.Conn{a, b} {
		s := nextStatus(t, conn)
		require.Equal(t, protocol.StateFailed, s.State)
		assert.Equal(t, protocol.CodeDeviceNotFound, s.Error)
	}

	send(t, a, `{"type":"scan"}`)
	send(t, a, `{"type":"connect"}`)
	for _, conn := range []*websocket.Conn{a, b} {
		assert.IsType(t, protocol.ScanResult{}, nextEvent(t, conn))
		require.Equal(t, protocol.StateConnecting, nextStatus(t, conn).State)
		require.Equal(t, protocol.StateConnected, nextStatus(t, conn).State)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		ev := nextEvent(t, conn)
		data, ok := ev.(protocol.Data)
		require.True(t, ok, "got %#v", ev)
		assert.Contains(t, string(data.Payload), "bmp280")
	}
}

func TestShutdownReleasesRadio(t *testing.T) {
	d := startDaemon(t, testConfig(), "")
	conn := dial(t, d, "/")
	nextStatus(t, conn)

	send(t, conn, `{"type":"scan"}`)
	nextEvent(t, conn)
	send(t, conn, `{"type":"connect"}`)
	nextStatus(t, conn)
	require.Equal(t, protocol.StateConnected, nextStatus(t, conn).State)

	d.stop()
	assert.True(t, d.sim.Closed())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestStatusEndpoints(t *testing.T) {
	d := startDaemon(t, testConfig(), "")
	base := "http://" + d.addr

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	var status map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/status", &status))
	assert.Equal(t, "disconnected", status["state"])
	assert.Equal(t, "sim", status["radio"])
	assert.Equal(t, "closed", status["breaker"])

	var version map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/version", &version))
	assert.Equal(t, Version, version["version"])

	var system map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/system", &system))
	assert.Equal(t, "sim", system["radio"])
	assert.NotEmpty(t, system["go_version"])

	conn := dial(t, d, "/")
	nextStatus(t, conn)
	var sessions struct {
		Sessions []map[string]any `json:"sessions"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/sessions", &sessions))
	assert.Len(t, sessions.Sessions, 1)

	var cfg config.Config
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/config", &cfg))
	assert.Equal(t, 8765, cfg.Server.Port)

	resp, err = http.Post(base+"/api/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no config file to reload")

	assert.Equal(t, http.StatusMethodNotAllowed, getJSON(t, base+"/api/reload", nil))
}

func TestDetailedHealth(t *testing.T) {
	d := startDaemon(t, testConfig(), "")
	req, err := http.NewRequest(http.MethodGet, "http://"+d.addr+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Healthy bool           `json:"healthy"`
		Checks  map[string]any `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Healthy)
	assert.Contains(t, body.Checks, "bridge")
}

func TestReloadRetunesBridge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.toml")
	require.NoError(t, os.WriteFile(path, []byte("[radio]\nbackend = \"sim\"\n"), 0o644))

	d := startDaemon(t, testConfig(), path)
	conn := dial(t, d, "/")
	nextStatus(t, conn)

	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"[radio]",
		`backend = "sim"`,
		"[device]",
		`default_name = "Sentinel-Lab"`,
	}, "\n")), 0o644))

	resp, err := http.Post("http://"+d.addr+"/api/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	send(t, conn, `{"type":"connect"}`)
	s := nextStatus(t, conn)
	assert.Equal(t, protocol.StateConnecting, s.State)
	assert.Equal(t, "Sentinel-Lab", s.Device)
}
