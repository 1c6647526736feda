package wrapper

import (
	"crypto/rand"
	"errors"
	mrand "math/rand/v2"
)

// Padding inflates payloads shorter than threshold+span to a random size in
// [max(threshold, len), threshold+span) plus the header. The header holds
// the number of leading bytes to discard on Unwrap.
//
//	header | filler | payload      (padded)
//	header | payload               (header value = header width)
type Padding struct {
	threshold int
	span      int
	hdrLen    int
	random    bool
}

// NewZeroPadding pads with zero bytes.
func NewZeroPadding(threshold, span int) (*Padding, error) {
	return newPadding(threshold, span, false)
}

// NewRandomPadding pads with random bytes.
func NewRandomPadding(threshold, span int) (*Padding, error) {
	return newPadding(threshold, span, true)
}

func newPadding(threshold, span int, random bool) (*Padding, error) {
	if threshold < span || span < 4 {
		return nil, errors.New("wrapper: bad padding range, 4 to threshold is accepted")
	}

	p := &Padding{threshold: threshold, span: span, random: random}
	switch limit := threshold + span; {
	case limit < 0xFF-1:
		p.hdrLen = 1
	case limit < 0xFFFF-2:
		p.hdrLen = 2
	case limit < 0xFFFFFF-3:
		p.hdrLen = 3
	default:
		p.hdrLen = 4
	}
	return p, nil
}

func (p *Padding) Wrap(b []byte) ([]byte, error) {
	limit := p.threshold + p.span
	if len(b) >= limit {
		out := make([]byte, p.hdrLen+len(b))
		putUint(out[:p.hdrLen], p.hdrLen)
		copy(out[p.hdrLen:], b)
		return out, nil
	}

	low := max(p.threshold, len(b))
	total := low + mrand.IntN(limit-low) + p.hdrLen
	out := make([]byte, total)
	if p.random {
		if _, err := rand.Read(out); err != nil {
			return nil, err
		}
	}
	putUint(out[:p.hdrLen], total-len(b))
	copy(out[total-len(b):], b)
	return out, nil
}

func (p *Padding) Unwrap(b []byte) ([]byte, error) {
	if len(b) < p.hdrLen {
		return nil, formatErr("padding header truncated")
	}
	n := getUint(b[:p.hdrLen])
	if n < p.hdrLen || n > len(b) {
		return nil, formatErr("padding length %d of %d bytes", n, len(b))
	}
	return append([]byte{}, b[n:]...), nil
}
