package ble

import (
	"context"
	"fmt"
	"time"
)

// Framing controls how a message is cut into link writes. Most peripherals
// accept 20 bytes per write at the default MTU.
type Framing struct {
	ChunkSize  int
	ChunkDelay time.Duration
}

// DefaultFraming matches a 23-byte ATT MTU.
var DefaultFraming = Framing{ChunkSize: 20, ChunkDelay: 20 * time.Millisecond}

// Chunks splits msg plus a trailing newline into pieces of at most size bytes.
func Chunks(msg []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultFraming.ChunkSize
	}
	framed := make([]byte, 0, len(msg)+1)
	framed = append(framed, msg...)
	framed = append(framed, '\n')

	out := make([][]byte, 0, (len(framed)+size-1)/size)
	for len(framed) > 0 {
		n := min(size, len(framed))
		out = append(out, framed[:n])
		framed = framed[n:]
	}
	return out
}

// WriteMessage sends msg to l as one newline-terminated line, waiting
// f.ChunkDelay between chunks. A nil l yields ErrNotConnected. It stops at
// the first failed chunk or when ctx is done.
func WriteMessage(ctx context.Context, l Link, msg []byte, f Framing) error {
	if l == nil {
		return ErrNotConnected
	}
	chunks := Chunks(msg, f.ChunkSize)
	for i, c := range chunks {
		if err := l.Write(ctx, c); err != nil {
			return fmt.Errorf("write chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i == len(chunks)-1 || f.ChunkDelay <= 0 {
			continue
		}
		t := time.NewTimer(f.ChunkDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-l.Done():
			t.Stop()
			return ErrLinkClosed
		case <-t.C:
		}
	}
	return nil
}
