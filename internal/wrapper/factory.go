package wrapper

import (
	"fmt"
	"strings"

	"github.com/die-net/agentx/internal/streamcipher"
)

const (
	// FrameCapacity is the fixed frame length of the framed processes.
	FrameCapacity = 262144

	paddingThreshold = 200
	paddingSpan      = 56
)

// Process ids accepted by NewFactory.
const (
	ProcessRaw           = "raw"
	ProcessEncrypt       = "encrypt"
	ProcessCompress      = "compress"
	ProcessSnappy        = "snappy"
	ProcessZeroPadding   = "zero-padding"
	ProcessRandomPadding = "random-padding"
)

type constructor func() (Wrapper, error)

// Factory builds a fresh transform chain per connection from a process list
// resolved once at startup.
type Factory struct {
	process []string
	ctors   []constructor
}

// NewFactory resolves process ids in order. The encryption id and password
// are used only by the "encrypt" process.
func NewFactory(encryption, password string, process []string) (*Factory, error) {
	f := &Factory{process: append([]string(nil), process...)}

	for _, id := range process {
		var c constructor
		switch id {
		case ProcessRaw:
			c = func() (Wrapper, error) { return Raw, nil }
		case ProcessEncrypt:
			suite, err := streamcipher.NewSuite(encryption, password)
			if err != nil {
				return nil, fmt.Errorf("%w %q", ErrUnknownEncryption, encryption)
			}
			c = func() (Wrapper, error) { return NewCipher(suite), nil }
		case ProcessCompress:
			c = framed(func() (Wrapper, error) { return Deflate{}, nil })
		case ProcessSnappy:
			c = framed(func() (Wrapper, error) { return Snappy{}, nil })
		case ProcessZeroPadding:
			c = framed(func() (Wrapper, error) { return NewZeroPadding(paddingThreshold, paddingSpan) })
		case ProcessRandomPadding:
			c = framed(func() (Wrapper, error) { return NewRandomPadding(paddingThreshold, paddingSpan) })
		default:
			return nil, fmt.Errorf("%w %q", ErrUnknownProcess, id)
		}
		f.ctors = append(f.ctors, c)
	}
	return f, nil
}

func framed(inner constructor) constructor {
	return func() (Wrapper, error) {
		w, err := inner()
		if err != nil {
			return nil, err
		}
		return NewFrame(FrameCapacity, w)
	}
}

// New returns an independent transform chain.
func (f *Factory) New() (Wrapper, error) {
	switch len(f.ctors) {
	case 0:
		return Raw, nil
	case 1:
		return f.ctors[0]()
	}

	chain := make(Chain, 0, len(f.ctors))
	for _, c := range f.ctors {
		w, err := c()
		if err != nil {
			return nil, err
		}
		chain = append(chain, w)
	}
	return chain, nil
}

func (f *Factory) String() string {
	return strings.Join(f.process, ",")
}

// Exists reports whether id is a valid process id under encryption.
func Exists(encryption, id string) bool {
	switch id {
	case ProcessRaw, ProcessCompress, ProcessSnappy, ProcessZeroPadding, ProcessRandomPadding:
		return true
	case ProcessEncrypt:
		return streamcipher.Exists(encryption)
	default:
		return false
	}
}
