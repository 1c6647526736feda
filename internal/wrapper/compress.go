package wrapper

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// Deflate compresses every payload independently in the zlib format at the
// fastest level. Its output is not self-delimiting, so it is only used
// beneath a Frame.
type Deflate struct{}

func (Deflate) Wrap(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Deflate) Unwrap(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Snappy compresses every payload independently with the snappy block
// format. Like Deflate it is only used beneath a Frame.
type Snappy struct{}

func (Snappy) Wrap(b []byte) ([]byte, error) {
	return snappy.Encode(nil, b), nil
}

func (Snappy) Unwrap(b []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
