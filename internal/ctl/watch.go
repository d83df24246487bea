package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/large-farva/sentinel-bridge/internal/client"
	"github.com/large-farva/sentinel-bridge/internal/protocol"
	"github.com/large-farva/sentinel-bridge/internal/telemetry"
)

// WatchOptions controls the watch command behavior.
type WatchOptions struct {
	Filter []string // event types to show (empty = all)
	JSON   bool     // output raw JSON per event
}

// Watch opens a control channel and streams events to the terminal until
// interrupted, reconnecting when the daemon restarts.
func Watch(baseURL string, opts WatchOptions) error {
	wsURL, err := channelURL(baseURL)
	if err != nil {
		return err
	}

	filterSet := make(map[string]bool, len(opts.Filter))
	for _, f := range opts.Filter {
		filterSet[f] = true
	}

	logger := log.New(io.Discard, "", 0)
	if !opts.JSON {
		logger = log.New(os.Stderr, "  ", 0)
	}

	b := client.DefaultBackoff
	b.MaxAttempts = 0
	c := client.New(client.Options{
		URL:     wsURL,
		Logger:  logger,
		Backoff: b,
		OnState: func(s client.ChannelState) {
			if opts.JSON {
				return
			}
			fmt.Printf("  %s %s  %s\n",
				colorize(dim, time.Now().Format("15:04:05")),
				colorize(bold, "CHANNEL"),
				colorize(stateColor(string(s)), string(s)))
		},
		OnEvent: func(ev protocol.Event) {
			if len(filterSet) > 0 && !filterSet[string(ev.Type())] {
				return
			}
			if opts.JSON {
				b, _ := json.Marshal(ev)
				fmt.Println(string(b))
				return
			}
			renderEvent(ev)
		},
	})

	if !opts.JSON {
		fmt.Println()
		fmt.Printf("  %s %s\n", colorize(green, "watching"), colorize(dim, wsURL))
		if len(opts.Filter) > 0 {
			fmt.Printf("  %s %s\n", colorize(dim, "filter:"), colorize(dim, strings.Join(opts.Filter, ", ")))
		}
		fmt.Println(rule(50))
		fmt.Println()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = c.Run(ctx)
	if !opts.JSON && ctx.Err() != nil {
		fmt.Println()
		fmt.Println(colorize(dim, "  disconnected"))
	}
	return err
}

// renderEvent prints one event in a human-friendly format.
func renderEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.ScanResult:
		items := strings.Join(e.Items, ", ")
		if items == "" {
			items = colorize(dim, "no devices")
		}
		fmt.Printf("  %s %s  %s\n", colorize(dim, eventTime(e.TS)), colorize(cyan, "SCAN   "), items)

	case protocol.Status:
		line := colorize(stateColor(string(e.State)), string(e.State))
		if e.Device != "" {
			line += " " + e.Device
		}
		if e.Error != "" {
			line += "  " + colorize(red, string(e.Error)) + " " + colorize(dim, e.Message)
		}
		fmt.Printf("  %s %s  %s\n", colorize(dim, eventTime(e.TS)), colorize(bold, "STATUS "), line)

	case protocol.Data:
		snap, err := telemetry.Parse(e.Payload)
		if err != nil {
			fmt.Printf("  %s %s  %s\n", colorize(dim, eventTime(e.TS)), colorize(blue, "DATA   "), string(e.Payload))
			return
		}
		bar := ""
		if v := snap.LightValue(); v != nil {
			bar = " [" + progressBar(int(*v), 10) + "]"
		}
		fmt.Printf("  %s %s  temp %s  pressure %s  light %s%s\n",
			colorize(dim, eventTime(e.TS)),
			colorize(blue, "DATA   "),
			padRight(snap.Temp(), 6),
			padRight(snap.Pressure(), 8),
			snap.Light(),
			bar,
		)
	}
}

// eventTime shortens an event timestamp to local wall-clock time.
func eventTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return "--:--:--"
	}
	return t.Local().Format("15:04:05")
}
