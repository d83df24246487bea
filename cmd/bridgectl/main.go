// Bridgectl is the command-line client for a running bridged. It queries
// the daemon over HTTP and sends device commands over the same WebSocket
// control channel a UI uses.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/large-farva/sentinel-bridge/internal/ctl"
	"github.com/large-farva/sentinel-bridge/internal/protocol"
)

func main() {
	var (
		host    = pflag.StringP("host", "H", defaultHost(), "Bridge daemon URL (e.g. http://127.0.0.1:8765)")
		jsonOut = pflag.Bool("json", false, "Output raw JSON instead of formatted text")
		timeout = pflag.Duration("timeout", 30*time.Second, "How long device commands wait for a reply")
		filter  = pflag.StringSlice("filter", nil, "Event types to show in watch (e.g. --filter status,data)")
	)

	// Stop parsing global flags at the first non-flag argument (the command
	// name), so subcommand-specific flags like --ssid are not rejected.
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if pflag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cmd := pflag.Arg(0)
	subArgs := pflag.Args()[1:]
	cmdOpts := ctl.CommandOptions{JSON: *jsonOut, Timeout: *timeout}

	var err error
	switch cmd {
	// ── Query commands ────────────────────────────────────────────
	case "status":
		err = ctl.Status(*host, *jsonOut)

	case "health":
		err = ctl.Health(*host, *jsonOut)

	case "version":
		err = ctl.VersionInfo(*host, *jsonOut)

	case "system-info":
		err = ctl.SystemInfo(*host, *jsonOut)

	case "sessions":
		err = ctl.Sessions(*host, *jsonOut)

	case "config":
		err = ctl.Config(*host, *jsonOut)

	case "reload":
		err = ctl.Reload(*host, *jsonOut)

	// ── Device commands ───────────────────────────────────────────
	case "scan":
		err = ctl.Send(*host, protocol.Scan{}, cmdOpts)

	case "connect":
		var c protocol.Connect
		if len(subArgs) > 0 {
			c.Name = subArgs[0]
		}
		err = ctl.Send(*host, c, cmdOpts)

	case "wifi":
		var w protocol.Wifi
		wifiFlags := pflag.NewFlagSet("wifi", pflag.ContinueOnError)
		wifiFlags.StringVar(&w.SSID, "ssid", "", "Network name")
		wifiFlags.StringVar(&w.Password, "password", "", "Network password")
		if err := wifiFlags.Parse(subArgs); err != nil {
			os.Exit(2)
		}
		if w.SSID == "" {
			fmt.Fprintln(os.Stderr, "error: wifi requires --ssid")
			os.Exit(2)
		}
		err = ctl.Send(*host, w, cmdOpts)

	case "threshold":
		var th protocol.Threshold
		thFlags := pflag.NewFlagSet("threshold", pflag.ContinueOnError)
		thFlags.Float64Var(&th.TempHigh, "high", 30, "Upper temperature bound")
		thFlags.Float64Var(&th.TempLow, "low", 10, "Lower temperature bound")
		if err := thFlags.Parse(subArgs); err != nil {
			os.Exit(2)
		}
		err = ctl.Send(*host, th, cmdOpts)

	// ── Live streaming ────────────────────────────────────────────
	case "watch":
		err = ctl.Watch(*host, ctl.WatchOptions{
			Filter: *filter,
			JSON:   *jsonOut,
		})

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultHost() string {
	port := os.Getenv("BLE_BRIDGE_PORT")
	if port == "" {
		port = "8765"
	}
	return "http://127.0.0.1:" + port
}

func usage() {
	fmt.Print(`
  bridgectl: sentinel bridge control CLI

  USAGE
    bridgectl [flags] <command> [command-flags]

  COMMANDS (query)
    status          Show device state, last scan, and sessions
    health          Check daemon and component health
    version         Show CLI and daemon version information
    system-info     Show runtime and host information
    sessions        List open control channels
    config          Show the daemon's running configuration
    reload          Reload configuration from disk

  COMMANDS (device)
    scan            Discover nearby devices
    connect [NAME]  Link to a device (default: the configured device)
    wifi            Send network credentials to the connected device
    threshold       Send temperature alarm bounds to the connected device

  COMMANDS (live)
    watch           Stream live events from the bridge (Ctrl-C to stop)

  GLOBAL FLAGS
    -H, --host URL      Daemon base URL (default: http://127.0.0.1:$BLE_BRIDGE_PORT or 8765)
        --json          Output raw JSON instead of formatted text
        --timeout DUR   How long device commands wait for a reply (default: 30s)
        --filter TYPE   Event types to show in watch (comma-separated)

  COMMAND FLAGS
    wifi:
        --ssid NAME         Network name
        --password PASS     Network password

    threshold:
        --high N            Upper temperature bound (default: 30)
        --low N             Lower temperature bound (default: 10)

  EXAMPLES
    bridgectl status
    bridgectl scan
    bridgectl connect SLS_ESP32
    bridgectl wifi --ssid lab --password secret
    bridgectl threshold --high 28 --low 16
    bridgectl --json sessions
    bridgectl watch --filter status,data

`)
}
