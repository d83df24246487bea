package ctl

import (
	"fmt"
	"strings"
	"time"
)

// StatusResponse mirrors the JSON returned by GET /api/status.
type StatusResponse struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Device        string    `json:"device"`
	Since         time.Time `json:"since"`
	LastScan      []string  `json:"last_scan"`
	Sessions      int       `json:"sessions"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Radio         string    `json:"radio"`
	Breaker       string    `json:"breaker"`
	TelemetryLog  string    `json:"telemetry_log,omitempty"`
}

// Status fetches the bridge status and prints a formatted summary.
func Status(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var s StatusResponse
	if err := getJSON(baseURL, "/api/status", &s); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}

	device := s.Device
	if device == "" {
		device = "--"
	}
	scan := strings.Join(s.LastScan, ", ")
	if scan == "" {
		scan = colorize(dim, "no scan yet")
	}

	fmt.Println()
	fmt.Println(header("  SENTINEL BRIDGE STATUS"))
	fmt.Println(rule(38))
	fmt.Printf("  %-12s %s\n", colorize(dim, "Daemon:"), s.Name)
	fmt.Printf("  %-12s %s %s\n", colorize(dim, "Device:"), colorize(stateColor(s.State), s.State), device)
	if !s.Since.IsZero() {
		fmt.Printf("  %-12s %s\n", colorize(dim, "For:"), formatDuration(time.Since(s.Since)))
	}
	fmt.Printf("  %-12s %s\n", colorize(dim, "Last scan:"), scan)
	fmt.Printf("  %-12s %d\n", colorize(dim, "Sessions:"), s.Sessions)
	fmt.Printf("  %-12s %s\n", colorize(dim, "Radio:"), s.Radio)
	fmt.Printf("  %-12s %s\n", colorize(dim, "Writes:"), breakerLabel(s.Breaker))
	if s.TelemetryLog != "" {
		fmt.Printf("  %-12s %s\n", colorize(dim, "Recording:"), s.TelemetryLog)
	}
	fmt.Printf("  %-12s %s\n", colorize(dim, "Uptime:"), formatDuration(time.Duration(s.UptimeSeconds)*time.Second))
	fmt.Printf("  %-12s %s\n", colorize(dim, "Host:"), baseURL)
	fmt.Println()

	return nil
}

func breakerLabel(state string) string {
	switch state {
	case "closed":
		return colorize(green, "ok")
	case "half-open":
		return colorize(yellow, "probing")
	case "open":
		return colorize(red, "suspended")
	default:
		return state
	}
}
