package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// transform rewrites one chunk of a stream. It returns nil while a chunk has
// produced no output yet. A nil transform passes bytes through.
type transform func([]byte) ([]byte, error)

// Relay pumps bytes between left and right until either direction ends,
// then closes both. Bytes read from left (through leftR, which may hold
// data buffered during negotiation) pass through up on their way to right;
// bytes read from right pass through down on their way to left.
func Relay(ctx context.Context, left net.Conn, leftR io.Reader, right net.Conn, up, down transform) error {
	if leftR == nil {
		leftR = left
	}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	// If the context is canceled, close both sides to unblock the pumps.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return pump(right, leftR, up)
	})
	g.Go(func() error {
		defer closeBoth()
		return pump(left, right, down)
	})
	return g.Wait()
}

func pump(dst io.Writer, src io.Reader, fn transform) error {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)

	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			out := buf[:nr]
			if fn != nil {
				var err error
				if out, err = fn(out); err != nil {
					return err
				}
			}
			if len(out) > 0 {
				if _, err := dst.Write(out); err != nil {
					return quiet(err)
				}
			}
		}
		if rerr != nil {
			return quiet(rerr)
		}
	}
}

// quiet drops the errors that only mean the other direction closed first.
func quiet(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
