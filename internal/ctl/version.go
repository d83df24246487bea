package ctl

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X .../internal/ctl.Version=...".
var Version = "dev"

type buildInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	BuiltAt   string `json:"built_at,omitempty"`
}

// VersionInfo prints the bridgectl build next to the daemon's and flags a
// mismatch, since the control channel schema travels with the release.
func VersionInfo(baseURL string, jsonOutput bool) error {
	cli := buildInfo{Version: Version, GoVersion: runtime.Version()}

	var daemon buildInfo
	err := getJSON(baseURL, "/api/version", &daemon)

	if jsonOutput {
		out := struct {
			CLI    buildInfo  `json:"cli"`
			Daemon *buildInfo `json:"daemon,omitempty"`
			Error  string     `json:"daemon_error,omitempty"`
		}{CLI: cli}
		if err != nil {
			out.Error = err.Error()
		} else {
			out.Daemon = &daemon
		}
		return printJSON(out)
	}

	fmt.Println()
	fmt.Println(header("  SENTINEL BRIDGE VERSION"))
	fmt.Println(rule(38))
	fmt.Printf("  %-10s %s %s\n", "bridgectl", cli.Version, colorize(dim, cli.GoVersion))
	switch {
	case err != nil:
		fmt.Printf("  %-10s %s\n", "bridged", colorize(red, "unreachable: "+err.Error()))
	default:
		fmt.Printf("  %-10s %s %s\n", "bridged", daemon.Version, colorize(dim, daemon.GoVersion))
		fmt.Printf("  %-10s %s\n", "built", daemon.BuiltAt)
		if daemon.Version != cli.Version {
			fmt.Println()
			fmt.Println(colorize(yellow, "  warn: bridgectl and bridged versions differ"))
		}
	}
	fmt.Println()
	return nil
}
