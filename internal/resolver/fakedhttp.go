package resolver

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/die-net/agentx/internal/masq"
	"github.com/die-net/agentx/internal/wrapper"
	"github.com/die-net/agentx/internal/xrequest"
)

// fakedHTTP carries the target as "KIND:host:port" inside a fake HTTP
// request that is written in the clear ahead of the transformed payload.
type fakedHTTP struct {
	http *wrapper.FakedHTTP
}

func newFakedHTTP() *fakedHTTP {
	return &fakedHTTP{http: wrapper.NewFakedHTTP(true)}
}

func (*fakedHTTP) Name() string        { return FakedHTTP }
func (*fakedHTTP) ExposeRequest() bool { return true }
func (*fakedHTTP) SupportsUDP() bool   { return false }

func (f *fakedHTTP) Wrap(ch xrequest.Channel, socks []byte) ([]byte, error) {
	if ch == xrequest.UDP {
		return nil, ErrUDPUnsupported
	}
	r, err := socksAddress(socks)
	if err != nil {
		return nil, err
	}
	text := r.Kind.String() + ":" + r.Host + ":" + strconv.Itoa(int(r.Port))
	return f.http.Wrap([]byte(text))
}

func (f *fakedHTTP) Parse(b []byte) (xrequest.Request, error) {
	end := bytes.Index(b, []byte(masq.CRLF+masq.CRLF))
	if end < 0 {
		return xrequest.Request{}, xrequest.ErrTruncated
	}
	n := end + 4

	switch {
	case bytes.HasPrefix(b, []byte(masq.MethodGet+" ")):
	case bytes.HasPrefix(b, []byte(masq.MethodPost+" ")):
		cl, ok := wrapper.ContentLength(string(b[:n]))
		if !ok {
			return xrequest.Request{}, nil
		}
		n += cl
		if len(b) < n {
			return xrequest.Request{}, xrequest.ErrTruncated
		}
	default:
		return xrequest.Request{}, nil
	}

	text, err := f.http.Unwrap(b[:n])
	if err != nil || text == nil {
		return xrequest.Request{}, nil
	}
	r, err := parseTarget(string(text))
	if err != nil {
		return xrequest.Request{}, nil
	}
	r.HeaderLen = n
	r.Trailing = len(b) - n
	return r, nil
}

// parseTarget parses "KIND:host:port". The host of an IPV6 target contains
// colons, so the port is taken from the last one.
func parseTarget(s string) (xrequest.Request, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return xrequest.Request{}, fmt.Errorf("%w: %q", ErrFormat, s)
	}
	k, ok := xrequest.ParseKind(kind)
	if !ok {
		return xrequest.Request{}, fmt.Errorf("%w: kind %q", ErrFormat, kind)
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return xrequest.Request{}, fmt.Errorf("%w: %q", ErrFormat, s)
	}
	port, err := strconv.ParseUint(rest[i+1:], 10, 16)
	if err != nil {
		return xrequest.Request{}, fmt.Errorf("%w: port %q", ErrFormat, rest[i+1:])
	}
	return xrequest.Request{Kind: k, Host: rest[:i], Port: uint16(port)}, nil
}
