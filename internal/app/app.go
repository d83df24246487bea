// Package app wires together the HTTP server, the WebSocket hub, the radio
// and the bridge session server. It owns the daemon's lifecycle: the radio
// is opened in New and released by the bridge before Run returns.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/large-farva/sentinel-bridge/internal/ble"
	"github.com/large-farva/sentinel-bridge/internal/bridge"
	"github.com/large-farva/sentinel-bridge/internal/config"
	"github.com/large-farva/sentinel-bridge/internal/telemetry"
	"github.com/large-farva/sentinel-bridge/internal/ws"
)

// Options holds everything the App needs from the caller.
type Options struct {
	Logger     *log.Logger
	Debug      *log.Logger // optional
	Cfg        config.Config
	ConfigPath string // watched for edits and re-read by POST /api/reload

	// Radio overrides the backend chosen by Cfg.Radio.Backend.
	Radio ble.Radio
}

// App is the top-level daemon process.
type App struct {
	log        *log.Logger
	debug      *log.Logger
	configPath string

	cfgMu sync.RWMutex
	cfg   config.Config

	startedAt time.Time
	hub       *ws.Hub
	bridge    *bridge.Bridge
}

// New opens the radio and the telemetry log and builds the bridge. Nothing
// is served until Run.
func New(opts Options) (*App, error) {
	a := &App{
		log:        opts.Logger,
		debug:      opts.Debug,
		configPath: opts.ConfigPath,
		cfg:        opts.Cfg,
		startedAt:  time.Now(),
	}
	cfg := opts.Cfg

	radio := opts.Radio
	if radio == nil {
		r, err := openRadio(cfg, a.log)
		if err != nil {
			return nil, err
		}
		radio = r
	}

	var rec bridge.Recorder
	if cfg.Telemetry.CSVPath != "" {
		r, err := telemetry.OpenRecorder(cfg.Telemetry.CSVPath, cfg.Telemetry.MaxSizeMB, cfg.Telemetry.MaxBackups)
		if err != nil {
			_ = radio.Close()
			return nil, fmt.Errorf("open telemetry log: %w", err)
		}
		rec = r
		a.log.Printf("recording telemetry to %s", cfg.Telemetry.CSVPath)
	}

	a.hub = ws.NewHub(ws.Options{
		Listener:     a,
		Logger:       a.log,
		PingInterval: cfg.Server.PingInterval(),
		ReadLimit:    cfg.Server.ReadLimitBytes,
		QueueSize:    cfg.Session.OutboundQueue,
	})
	a.bridge = bridge.New(bridge.Options{
		Radio:              radio,
		Emitter:            a.hub,
		Recorder:           rec,
		Logger:             a.log,
		Debug:              a.debug,
		Tuning:             bridge.TuningFrom(cfg),
		BreakerMaxFailures: uint32(cfg.Breaker.MaxFailures),
		BreakerOpenFor:     cfg.Breaker.OpenFor(),
	})
	return a, nil
}

func openRadio(cfg config.Config, logger *log.Logger) (ble.Radio, error) {
	switch cfg.Radio.Backend {
	case "sim":
		logger.Printf("using simulated radio (%d device(s))", len(cfg.Sim.Names))
		return ble.NewSim(ble.SimOptions{
			Names:             cfg.Sim.Names,
			TelemetryInterval: time.Duration(cfg.Sim.TelemetryIntervalMS) * time.Millisecond,
			ConnectDelay:      time.Duration(cfg.Sim.ConnectDelayMS) * time.Millisecond,
			ScanDelay:         time.Duration(cfg.Sim.ScanDelayMS) * time.Millisecond,
		}, logger), nil
	default:
		r, err := ble.OpenBlueZ(cfg.Radio.Adapter, logger)
		if err != nil {
			return nil, fmt.Errorf("open radio: %w", err)
		}
		logger.Printf("using bluez adapter %s", cfg.Radio.Adapter)
		return r, nil
	}
}

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	addr := a.getConfig().Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		// The bridge never ran, so the radio is still ours to release.
		go func() { _ = a.bridge.Run(canceled()) }()
		<-a.bridge.Done()
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve runs the hub, the bridge and the HTTP server on ln. It returns once
// the server has stopped and the bridge has released the radio.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.log.Printf("listening on ws://%s (also /ws)", ln.Addr())

	go a.hub.Run(ctx)
	go func() {
		if err := a.bridge.Run(ctx); err != nil {
			a.log.Printf("warn: bridge: %v", err)
		}
	}()
	if a.configPath != "" {
		go func() {
			if err := config.Watch(ctx, a.configPath, a.log, a.applyConfig); err != nil {
				a.log.Printf("warn: config watch disabled: %v", err)
			}
		}()
	}

	server := &http.Server{
		Handler:           a.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		a.log.Printf("shutdown requested")
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = server.Shutdown(sctx)
	}()

	err := server.Serve(ln)
	cancel()
	<-a.bridge.Done()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Bridge exposes the session server, mainly for tests and status pages.
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// Opened, Received and Closed hand channel traffic from the hub to the
// bridge.
func (a *App) Opened(p ws.Peer)               { a.bridge.Opened(p) }
func (a *App) Received(id string, msg []byte) { a.bridge.Received(id, msg) }
func (a *App) Closed(id string)               { a.bridge.Closed(id) }

func (a *App) getConfig() config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// applyConfig swaps in cfg. Only the bridge tunables take effect without a
// restart; listener, radio and log settings are read once at startup.
func (a *App) applyConfig(cfg config.Config) {
	a.cfgMu.Lock()
	old := a.cfg
	a.cfg = cfg
	a.cfgMu.Unlock()

	a.bridge.Retune(bridge.TuningFrom(cfg))
	if old.Addr() != cfg.Addr() || old.Radio.Backend != cfg.Radio.Backend || old.Radio.Adapter != cfg.Radio.Adapter {
		a.log.Printf("warn: listener and radio changes take effect after a restart")
	}
}

func canceled() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
