package ctl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/large-farva/sentinel-bridge/internal/config"
)

// Config fetches and displays the daemon's running configuration.
func Config(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var raw json.RawMessage
	if err := getJSON(baseURL, "/api/config", &raw); err != nil {
		return err
	}

	if jsonOutput {
		var v any
		_ = json.Unmarshal(raw, &v)
		return printJSON(v)
	}

	var cfg config.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(header("  DAEMON CONFIGURATION"))
	fmt.Println(rule(50))

	section := func(name string) {
		fmt.Printf("\n  %s\n", colorize(bold, "["+name+"]"))
	}
	field := func(key string, val any) {
		fmt.Printf("    %-26s %v\n", colorize(dim, key+":"), val)
	}

	section("server")
	field("bind", cfg.Server.Bind)
	field("port", cfg.Server.Port)
	field("read_limit_bytes", cfg.Server.ReadLimitBytes)
	field("ping_interval_seconds", cfg.Server.PingIntervalSeconds)

	section("logging")
	field("level", cfg.Logging.Level)
	field("file", cfg.Logging.File)

	section("radio")
	field("backend", cfg.Radio.Backend)
	field("adapter", cfg.Radio.Adapter)
	field("scan_seconds", cfg.Radio.ScanSeconds)
	field("chunk_size", cfg.Radio.ChunkSize)
	field("chunk_delay_ms", cfg.Radio.ChunkDelayMS)

	section("device")
	field("default_name", cfg.Device.DefaultName)
	field("connect_timeout_seconds", cfg.Device.ConnectTimeoutSeconds)
	field("write_timeout_seconds", cfg.Device.WriteTimeoutSeconds)
	field("rescan_on_connect", cfg.Device.RescanOnConnect)

	section("session")
	field("commands_per_second", cfg.Session.CommandsPerSecond)
	field("burst", cfg.Session.Burst)
	field("outbound_queue", cfg.Session.OutboundQueue)

	section("breaker")
	field("max_failures", cfg.Breaker.MaxFailures)
	field("open_seconds", cfg.Breaker.OpenSeconds)

	section("telemetry")
	field("csv_path", cfg.Telemetry.CSVPath)

	if cfg.Radio.Backend == "sim" {
		section("sim")
		field("names", strings.Join(cfg.Sim.Names, ", "))
		field("telemetry_interval_ms", cfg.Sim.TelemetryIntervalMS)
	}

	fmt.Println()
	return nil
}
