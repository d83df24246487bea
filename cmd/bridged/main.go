// Bridged is the sentinel bridge daemon. It owns the Bluetooth radio and
// serves the JSON control channel on a loopback WebSocket.
//
// It can run in the foreground, where SIGINT or SIGTERM shut it down, or
// be registered with the OS service manager through --service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/pflag"

	"github.com/large-farva/sentinel-bridge/internal/app"
	"github.com/large-farva/sentinel-bridge/internal/config"
	"github.com/large-farva/sentinel-bridge/internal/logging"
)

const stopTimeout = 10 * time.Second

func main() {
	var (
		configPath = pflag.StringP("config", "c", "/etc/sentinel-bridge/bridge.toml", "Path to config TOML")
		svcCmd     = pflag.String("service", "", "Service control: install|uninstall|start|stop|restart|run")
		svcName    = pflag.String("service-name", "sentinel-bridge", "Name registered with the service manager")
	)
	pflag.Parse()

	if *svcCmd != "" {
		if err := controlService(*svcCmd, *svcName, *configPath); err != nil {
			log.Fatalf("service %s failed: %v", *svcCmd, err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("bridged failed: %v", err)
	}

	// Brief pause so in-flight log writes can flush before exit.
	time.Sleep(50 * time.Millisecond)
}

// run serves until ctx is cancelled. The radio is released before it
// returns.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	out, err := logging.Open(cfg.Logging)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer out.Close()

	logger := logging.New(out, "bridged ")
	debug := logging.Debug(out, "bridged ", cfg.Logging.Level)
	logger.Printf("starting %s (config %s, radio %s)", app.Version, configPath, cfg.Radio.Backend)

	a, err := app.New(app.Options{
		Logger:     logger,
		Debug:      debug,
		Cfg:        cfg,
		ConfigPath: configPath,
	})
	if err != nil {
		return err
	}
	if err := a.Run(ctx); err != nil {
		return err
	}
	logger.Printf("stopped")
	return nil
}

// program adapts run to the service manager's start and stop hooks.
type program struct {
	configPath string
	cancel     context.CancelFunc
	done       chan error
}

func (p *program) Start(service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() { p.done <- run(ctx, p.configPath) }()
	return nil
}

func (p *program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case err := <-p.done:
		return err
	case <-time.After(stopTimeout):
		return errors.New("timed out waiting for the radio to be released")
	}
}

func controlService(cmd, name, configPath string) error {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	s, err := service.New(&program{configPath: abs}, &service.Config{
		Name:        name,
		DisplayName: "Sentinel BLE bridge",
		Description: "Owns the Bluetooth radio and serves the sensor control channel.",
		Arguments:   []string{"--config", abs, "--service", "run"},
		Option:      service.KeyValue{"Restart": "on-failure"},
	})
	if err != nil {
		return err
	}

	switch strings.ToLower(cmd) {
	case "run":
		return s.Run()
	case "install", "uninstall", "start", "stop", "restart":
		return service.Control(s, strings.ToLower(cmd))
	default:
		return fmt.Errorf("unknown service command: %s", cmd)
	}
}
