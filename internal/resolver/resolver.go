// Package resolver translates SOCKS5 requests into the tunnel's request
// encodings and parses them back on the server.
package resolver

import (
	"errors"
	"fmt"

	"github.com/die-net/agentx/internal/xrequest"
)

var (
	ErrUDPUnsupported  = errors.New("resolver: udp requests are not supported")
	ErrUnknownProtocol = errors.New("resolver: unknown protocol")
	ErrFormat          = errors.New("resolver: malformed request")
)

// Resolver converts between SOCKS5 requests and a tunnel request encoding.
type Resolver interface {
	Name() string

	// Wrap converts a SOCKS5 request (TCP) or SOCKS5 UDP datagram (UDP)
	// into the tunnel encoding.
	Wrap(ch xrequest.Channel, socks []byte) ([]byte, error)

	// Parse decodes the request at the start of b. It returns
	// xrequest.ErrTruncated while b holds only part of a request.
	Parse(b []byte) (xrequest.Request, error)

	// ExposeRequest reports whether requests are readable before the
	// transform chain has been undone. Such requests are written to the wire
	// as-is and only the payload after them passes through the chain.
	ExposeRequest() bool

	// SupportsUDP reports whether Wrap accepts UDP datagrams.
	SupportsUDP() bool
}

const (
	Shadowsocks = "shadowsocks"
	FakedHTTP   = "fakedhttp"
)

// New returns the resolver registered under name.
func New(name string) (Resolver, error) {
	switch name {
	case Shadowsocks:
		return shadowsocks{}, nil
	case FakedHTTP:
		return newFakedHTTP(), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownProtocol, name)
	}
}

// Exists reports whether name is a known resolver.
func Exists(name string) bool {
	return name == Shadowsocks || name == FakedHTTP
}

// socksAddress decodes the ATYP | ADDR | PORT part of a SOCKS5 request or
// datagram, which starts at offset 3 in both.
func socksAddress(socks []byte) (xrequest.Request, error) {
	if len(socks) < 4 {
		return xrequest.Request{}, fmt.Errorf("%w: %d bytes", ErrFormat, len(socks))
	}
	r, err := xrequest.Decode(socks[3:])
	if err != nil {
		return r, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if r.Kind == xrequest.KindUnknown || r.Channel != xrequest.TCP {
		return r, fmt.Errorf("%w: address type %d", ErrFormat, socks[3])
	}
	return r, nil
}
