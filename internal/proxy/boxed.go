package proxy

import (
	"errors"
	"fmt"
	"io"

	"github.com/die-net/agentx/internal/xrequest"
)

var errGarbled = errors.New("proxy: garbled request")

// maxPending bounds the bytes buffered while waiting for a complete request
// or boxed datagram.
const maxPending = xrequest.MaxHeaderLen + xrequest.MaxDatagram + 4096

// boxedReader splits a tunnel stream into boxed datagrams.
type boxedReader struct {
	r       io.Reader
	unwrap  transform
	pending []byte
	buf     []byte
}

// newBoxedReader reads boxed datagrams from r, starting with the plaintext
// already in pending.
func newBoxedReader(r io.Reader, unwrap transform, pending []byte) *boxedReader {
	return &boxedReader{r: r, unwrap: unwrap, pending: pending, buf: make([]byte, relayBufferSize)}
}

// Next returns the next boxed datagram and its payload. The payload is only
// valid until the following call.
func (b *boxedReader) Next() (xrequest.Request, []byte, error) {
	for {
		if len(b.pending) > 0 {
			r, err := xrequest.Decode(b.pending)
			switch {
			case err == nil && r.Kind != xrequest.KindUnknown && r.Channel == xrequest.UDP:
				payload := r.Payload(b.pending)
				b.pending = b.pending[r.HeaderLen+r.Trailing:]
				return r, payload, nil
			case errors.Is(err, xrequest.ErrTruncated):
				if len(b.pending) > maxPending {
					return r, nil, fmt.Errorf("%w: %d bytes without a complete datagram", errGarbled, len(b.pending))
				}
			default:
				return r, nil, fmt.Errorf("%w: %s", errGarbled, r)
			}
		}

		n, err := b.r.Read(b.buf)
		if n > 0 {
			chunk := b.buf[:n]
			if b.unwrap != nil {
				var uerr error
				if chunk, uerr = b.unwrap(chunk); uerr != nil {
					return xrequest.Request{}, nil, uerr
				}
			}
			b.pending = append(b.pending, chunk...)
		}
		if err != nil {
			return xrequest.Request{}, nil, err
		}
	}
}
