package bridge

import (
	"context"
	"time"

	"github.com/large-farva/sentinel-bridge/internal/ble"
	"github.com/large-farva/sentinel-bridge/internal/protocol"
)

type opKind int

const (
	opScan opKind = iota
	opConnect
	opWrite
)

func (k opKind) String() string {
	switch k {
	case opScan:
		return "scan"
	case opConnect:
		return "connect"
	default:
		return "write"
	}
}

// op is the single radio operation in flight. Only the loop touches it.
type op struct {
	seq     uint64
	kind    opKind
	session string
	cmd     protocol.Command
	device  string
	cancel  context.CancelFunc

	// result states reported for a write
	sent, failed protocol.State

	superseded bool // a newer connect replaced this attempt
	detached   bool // the requesting session closed
}

type opResult struct {
	seq   uint64
	link  ble.Link
	found []ble.Peripheral
	err   error
}

// launch starts fn off the loop with a deadline and makes o the current
// operation. Its result comes back on b.results tagged with o.seq.
func (b *Bridge) launch(ctx context.Context, o *op, timeout time.Duration, fn func(context.Context) opResult) {
	b.seq++
	o.seq = b.seq
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	o.cancel = cancel
	b.cur = o

	b.debug.Printf("op %d: %s started (session %s, timeout %s)", o.seq, o.kind, o.session, timeout)
	go func() {
		res := bounded(opCtx, fn)
		res.seq = o.seq
		select {
		case b.results <- res:
		case <-b.done:
			if res.link != nil {
				_ = res.link.Close()
			}
		}
	}()
}

// bounded runs fn and returns no later than ctx's deadline, even when fn
// ignores ctx. A link that fn produces after the deadline is closed.
func bounded(ctx context.Context, fn func(context.Context) opResult) opResult {
	ch := make(chan opResult, 1)
	go func() { ch <- fn(ctx) }()

	select {
	case res := <-ch:
		if res.err == nil && ctx.Err() != nil {
			// Finished, but only after the caller gave up.
			if res.link != nil {
				_ = res.link.Close()
			}
			return opResult{found: res.found, err: ctx.Err()}
		}
		return res
	case <-ctx.Done():
		go func() {
			if late := <-ch; late.link != nil {
				_ = late.link.Close()
			}
		}()
		return opResult{err: ctx.Err()}
	}
}
