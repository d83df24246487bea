// Package client is the control side of the channel: it keeps one WebSocket
// open to the bridge, redialling with a bounded exponential backoff when it
// drops, sends Commands and folds incoming Events into a Display.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/large-farva/sentinel-bridge/internal/protocol"
)

// ChannelState is the lifecycle of the client's channel.
type ChannelState string

const (
	StateConnecting   ChannelState = "connecting"
	StateOpen         ChannelState = "open"
	StateReconnecting ChannelState = "reconnecting"
	StateClosed       ChannelState = "closed"
)

// ErrNotOpen is returned by Send while the channel is not open. The command
// is dropped, not queued.
var ErrNotOpen = errors.New("channel not open")

// Backoff is the redial policy. Attempt n (1-based) waits
// Initial*Multiplier^(n-1), capped at Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// MaxAttempts consecutive failed dials before Run gives up. Zero
	// retries forever.
	MaxAttempts int
}

// DefaultBackoff is 500ms doubling to 10s, giving up after 8 failures.
var DefaultBackoff = Backoff{
	Initial:     500 * time.Millisecond,
	Max:         10 * time.Second,
	Multiplier:  2,
	MaxAttempts: 8,
}

// Delay is the wait before redial attempt n.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.Initial)
	for i := 1; i < n && d < float64(b.Max); i++ {
		d *= b.Multiplier
	}
	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Options configures a Client.
type Options struct {
	URL     string
	Logger  *log.Logger
	Backoff Backoff
	Dialer  *websocket.Dialer

	// OnState is called on every channel state change.
	OnState func(ChannelState)
	// OnEvent is called after each event has been applied to the view.
	OnEvent func(protocol.Event)

	WriteTimeout time.Duration
}

// Client owns one channel to the bridge.
type Client struct {
	opts Options
	view *View

	mu    sync.Mutex
	conn  *websocket.Conn
	state ChannelState
}

// New builds a client. Nothing is dialled until Run.
func New(opts Options) *Client {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Client{opts: opts, view: NewView(), state: StateClosed}
}

// View returns the display state fed by this client.
func (c *Client) View() *View { return c.view }

// State reports the channel state.
func (c *Client) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run keeps the channel open until ctx is cancelled or the backoff policy
// gives up, in which case the last dial error is returned.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateClosed)

	failures := 0
	state := StateConnecting
	for {
		c.setState(state)
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if c.opts.Backoff.MaxAttempts > 0 && failures >= c.opts.Backoff.MaxAttempts {
				return fmt.Errorf("dial %s: giving up after %d attempts: %w", c.opts.URL, failures, err)
			}
			delay := c.opts.Backoff.Delay(failures)
			c.logf("warn: dial %s: %v (retry in %s)", c.opts.URL, err, delay)
			state = StateReconnecting
			if !sleepOrCancel(ctx, delay) {
				return nil
			}
			continue
		}

		failures = 0
		c.attach(conn)
		err = c.read(ctx, conn)
		c.detach()
		if ctx.Err() != nil {
			return nil
		}

		c.logf("warn: channel closed: %v", err)
		c.view.channelDropped()
		state = StateReconnecting
		c.setState(state)
		if !sleepOrCancel(ctx, c.opts.Backoff.Delay(1)) {
			return nil
		}
	}
}

// Send transmits cmd. While the channel is not open it returns ErrNotOpen
// and the command is dropped.
func (c *Client) Send(cmd protocol.Command) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Type(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != StateOpen {
		return ErrNotOpen
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Type(), err)
	}
	return nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateOpen)
}

func (c *Client) detach() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// read applies events until the channel fails or ctx is cancelled.
func (c *Client) read(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		ev, err := protocol.DecodeEvent(msg)
		if err != nil {
			c.logf("warn: ignoring event: %v", err)
			continue
		}
		c.view.Apply(ev)
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(ev)
		}
	}
}

func (c *Client) setState(s ChannelState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if !changed {
		return
	}
	c.view.setChannel(s)
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.opts.Logger != nil {
		c.opts.Logger.Printf(format, args...)
	}
}

func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
