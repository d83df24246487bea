package ctl

import (
	"fmt"
	"strings"
)

// SystemInfo shows runtime and host information from the daemon.
func SystemInfo(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var resp struct {
		GoVersion  string `json:"go_version"`
		OS         string `json:"os"`
		Arch       string `json:"arch"`
		Goroutines int    `json:"goroutines"`
		Radio      string `json:"radio"`
		Adapter    string `json:"adapter"`
		Host       *struct {
			Hostname      string `json:"hostname"`
			Platform      string `json:"platform"`
			Kernel        string `json:"kernel"`
			UptimeSeconds uint64 `json:"uptime_seconds"`
		} `json:"host"`
		Memory *struct {
			TotalBytes     uint64  `json:"total_bytes"`
			AvailableBytes uint64  `json:"available_bytes"`
			UsedPercent    float64 `json:"used_percent"`
		} `json:"memory"`
		Process *struct {
			PID        int32   `json:"pid"`
			RSSBytes   uint64  `json:"rss_bytes"`
			CPUPercent float64 `json:"cpu_percent"`
		} `json:"process"`
	}
	if err := getJSON(baseURL, "/api/system", &resp); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(resp)
	}

	fmt.Println()
	fmt.Println(header("  SYSTEM INFO"))
	fmt.Println(rule(50))
	fmt.Printf("  Go version:  %s\n", resp.GoVersion)
	fmt.Printf("  OS/Arch:     %s/%s\n", resp.OS, resp.Arch)
	fmt.Printf("  Goroutines:  %d\n", resp.Goroutines)
	if resp.Radio == "sim" {
		fmt.Printf("  Radio:       %s\n", colorize(yellow, "SIMULATED"))
	} else {
		fmt.Printf("  Radio:       %s (%s)\n", resp.Radio, resp.Adapter)
	}

	if h := resp.Host; h != nil {
		fmt.Printf("  Host:        %s (%s, kernel %s)\n", h.Hostname, h.Platform, h.Kernel)
	}
	if m := resp.Memory; m != nil {
		fmt.Printf("  Memory:      %s free of %s (%.0f%% used)\n",
			formatBytes(m.AvailableBytes), formatBytes(m.TotalBytes), m.UsedPercent)
	}
	if p := resp.Process; p != nil {
		fmt.Printf("  Process:     pid %d, %s RSS, %.1f%% CPU\n", p.PID, formatBytes(p.RSSBytes), p.CPUPercent)
	}

	fmt.Println()
	return nil
}
