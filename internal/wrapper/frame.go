package wrapper

import (
	"errors"
	"fmt"
)

// Frame splits every wrapped payload into frames of a fixed capacity. Each
// frame starts with a marker byte: 1 when more frames of the same payload
// follow, 0 on the last one. The last frame also carries a big-endian length
// whose width depends on the capacity.
//
//	1 | data[frameLen] ... 1 | data[frameLen] | 0 | len[hdrLen] | data[len]
//
// An optional inner transform is applied to the whole payload before framing
// and after reassembly.
type Frame struct {
	frameLen int
	hdrLen   int
	inner    Wrapper

	pending []byte
}

// NewFrame returns a Frame whose frames hold fixed-1 payload bytes. inner may
// be nil.
func NewFrame(fixed int, inner Wrapper) (*Frame, error) {
	if fixed < 4 {
		return nil, errors.New("wrapper: fixed frame length < 4")
	}

	f := &Frame{frameLen: fixed - 1, inner: inner}
	switch {
	case fixed < 0xFF:
		f.hdrLen = 1
	case fixed < 0xFFFF-2:
		f.hdrLen = 2
	case fixed < 0xFFFFFF-2:
		f.hdrLen = 3
	default:
		f.hdrLen = 4
	}
	return f, nil
}

func (f *Frame) Wrap(b []byte) ([]byte, error) {
	payload := b
	if f.inner != nil {
		var err error
		if payload, err = f.inner.Wrap(b); err != nil {
			return nil, err
		}
	}

	full := len(payload) / f.frameLen
	if len(payload)%f.frameLen == 0 && full > 0 {
		full--
	}
	last := len(payload) - full*f.frameLen

	out := make([]byte, 0, full*(1+f.frameLen)+1+f.hdrLen+last)
	for i := range full {
		out = append(out, 1)
		out = append(out, payload[i*f.frameLen:(i+1)*f.frameLen]...)
	}
	out = append(out, 0)
	hdr := len(out)
	out = append(out, make([]byte, f.hdrLen)...)
	putUint(out[hdr:], last)
	return append(out, payload[full*f.frameLen:]...), nil
}

// Unwrap returns every payload completed by b, concatenated, and keeps any
// trailing partial payload for the next call.
func (f *Frame) Unwrap(b []byte) ([]byte, error) {
	f.pending = append(f.pending, b...)

	var out []byte
	consumed := 0
	for {
		pkg, n, err := f.next(f.pending[consumed:])
		if err != nil {
			f.pending = nil
			return nil, err
		}
		if n == 0 {
			break
		}
		consumed += n

		if f.inner != nil {
			if pkg, err = f.inner.Unwrap(pkg); err != nil {
				f.pending = nil
				return nil, err
			}
		}
		out = append(out, pkg...)
	}

	if consumed > 0 {
		f.pending = append([]byte(nil), f.pending[consumed:]...)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// next reassembles the first complete payload in data. It reports n == 0 if
// data ends before the payload does.
func (f *Frame) next(data []byte) (pkg []byte, n int, err error) {
	pos := 0
	for pos < len(data) {
		switch data[pos] {
		case 1:
			end := pos + 1 + f.frameLen
			if end > len(data) {
				return nil, 0, nil
			}
			pkg = append(pkg, data[pos+1:end]...)
			pos = end
		case 0:
			if pos+1+f.hdrLen > len(data) {
				return nil, 0, nil
			}
			l := getUint(data[pos+1 : pos+1+f.hdrLen])
			if l > f.frameLen {
				return nil, 0, fmt.Errorf("%w: frame length %d exceeds %d", ErrFormat, l, f.frameLen)
			}
			end := pos + 1 + f.hdrLen + l
			if end > len(data) {
				return nil, 0, nil
			}
			pkg = append(pkg, data[pos+1+f.hdrLen:end]...)
			if pkg == nil {
				pkg = []byte{}
			}
			return pkg, end, nil
		default:
			return nil, 0, fmt.Errorf("%w %d", ErrUnknownDelimiter, data[pos])
		}
	}
	return nil, 0, nil
}
