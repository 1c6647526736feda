// Package wrapper implements the symmetric byte transforms applied to tunnel
// traffic.
//
// Wrap obscures a chunk of bytes and Unwrap reverses it. Unwrap returns a nil
// slice and a nil error when its input is a valid but incomplete unit that
// must be buffered until more bytes arrive; callers treat that as "no output
// yet". Transforms are stateful and belong to exactly one connection.
package wrapper

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDelimiter  = errors.New("wrapper: unknown frame delimiter")
	ErrFormat            = errors.New("wrapper: malformed input")
	ErrUnknownProcess    = errors.New("wrapper: unknown process")
	ErrUnknownEncryption = errors.New("wrapper: unknown encryption")
)

// Wrapper is a reversible byte transform.
type Wrapper interface {
	Wrap(b []byte) ([]byte, error)
	Unwrap(b []byte) ([]byte, error)
}

type raw struct{}

// Raw is the identity transform.
var Raw Wrapper = raw{}

func (raw) Wrap(b []byte) ([]byte, error)   { return b, nil }
func (raw) Unwrap(b []byte) ([]byte, error) { return b, nil }

// putUint writes the low len(b) bytes of v into b, big-endian.
func putUint(b []byte, v int) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// getUint reads a big-endian unsigned value of up to 4 bytes.
func getUint(b []byte) int {
	var v int
	for _, c := range b {
		v = v<<8 | int(c)
	}
	return v
}

func formatErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrFormat}, args...)...)
}
