package ctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/large-farva/sentinel-bridge/internal/client"
	"github.com/large-farva/sentinel-bridge/internal/protocol"
)

// CommandOptions configures a one-shot command over the control channel.
type CommandOptions struct {
	JSON    bool
	Timeout time.Duration
}

// Send opens a channel to the bridge, sends cmd and waits for the event
// that settles it: the scan result, the final connect status or the
// wifi/threshold outcome.
func Send(baseURL string, cmd protocol.Command, opts CommandOptions) error {
	ev, err := Exchange(context.Background(), baseURL, cmd, opts.Timeout)
	if err != nil {
		return err
	}
	if opts.JSON {
		return printJSON(ev)
	}
	printResult(ev)
	if s, ok := ev.(protocol.Status); ok && s.Error != "" {
		return fmt.Errorf("%s", s.Error)
	}
	return nil
}

// Exchange performs one command round trip and returns the settling event.
func Exchange(ctx context.Context, baseURL string, cmd protocol.Command, timeout time.Duration) (protocol.Event, error) {
	wsURL, err := channelURL(baseURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events := make(chan protocol.Event, 64)
	opened := make(chan struct{}, 1)
	c := client.New(client.Options{
		URL:     wsURL,
		Logger:  log.New(io.Discard, "", 0),
		Backoff: client.Backoff{Initial: 200 * time.Millisecond, Max: time.Second, Multiplier: 2, MaxAttempts: 1},
		OnState: func(s client.ChannelState) {
			if s == client.StateOpen {
				select {
				case opened <- struct{}{}:
				default:
				}
			}
		},
		OnEvent: func(ev protocol.Event) {
			select {
			case events <- ev:
			default:
			}
		},
	})

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-runErr
	}()

	select {
	case <-opened:
	case err := <-runErr:
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("open channel: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("open channel: %w", ctx.Err())
	}

	// The bridge greets every channel with the current device status; wait
	// for it so it is not mistaken for the reply. Broadcasts may arrive
	// first.
	for greeted := false; !greeted; {
		select {
		case ev := <-events:
			_, greeted = ev.(protocol.Status)
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for bridge greeting: %w", ctx.Err())
		}
	}

	if err := c.Send(cmd); err != nil {
		return nil, err
	}

	for {
		select {
		case ev := <-events:
			if settles(cmd, ev) {
				return ev, nil
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("no reply to %s within %s", cmd.Type(), timeout)
			}
			return nil, ctx.Err()
		}
	}
}

// settles reports whether ev is the outcome of cmd.
func settles(cmd protocol.Command, ev protocol.Event) bool {
	s, isStatus := ev.(protocol.Status)
	if isStatus && s.State == protocol.StateRejected {
		return true
	}

	switch cmd.(type) {
	case protocol.Scan:
		if _, ok := ev.(protocol.ScanResult); ok {
			return true
		}
		return isStatus && s.State == protocol.StateScanFailed
	case protocol.Connect:
		return isStatus && (s.State == protocol.StateConnected || s.State == protocol.StateFailed)
	case protocol.Wifi:
		return isStatus && (s.State == protocol.StateWifiSent || s.State == protocol.StateWifiFailed)
	case protocol.Threshold:
		return isStatus && (s.State == protocol.StateThresholdSent || s.State == protocol.StateThresholdFailed)
	default:
		return false
	}
}

func printResult(ev protocol.Event) {
	fmt.Println()
	switch e := ev.(type) {
	case protocol.ScanResult:
		fmt.Println(header("  SCAN"))
		fmt.Println(rule(38))
		if len(e.Items) == 0 {
			fmt.Println("  No devices found.")
		}
		for i, name := range e.Items {
			fmt.Printf("  %2d  %s\n", i+1, name)
		}
	case protocol.Status:
		line := colorize(stateColor(string(e.State)), strings.ToUpper(string(e.State)))
		if e.Device != "" {
			line += "  " + e.Device
		}
		fmt.Printf("  %s\n", line)
		if e.Error != "" {
			fmt.Printf("  %s %s\n", colorize(red, string(e.Error)), colorize(dim, e.Message))
		}
	}
	fmt.Println()
}
