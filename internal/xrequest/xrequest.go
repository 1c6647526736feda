// Package xrequest implements the tunnel's compact address record.
//
// On the wire an address is ATYP(1) | ADDR | PORT(2), where ATYP is 1 for
// IPv4 (4 address bytes), 3 for a domain (1 length byte followed by the name)
// and 4 for IPv6 (16 address bytes). A leading zero byte marks a boxed UDP
// datagram; boxed datagrams additionally carry a 2-byte payload length after
// the port so several of them can share one tunnel stream. That length field
// is an incompatible extension: peers that expect the datagram to run to the
// end of the buffer cannot exchange boxed UDP with this package.
package xrequest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Kind is the address type of a Request.
type Kind byte

const (
	KindUnknown Kind = 0
	KindIPv4    Kind = 1
	KindDomain  Kind = 3
	KindIPv6    Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindIPv4:
		return "IPV4"
	case KindDomain:
		return "DOMAIN"
	case KindIPv6:
		return "IPV6"
	default:
		return "UNKNOWN"
	}
}

// ParseKind is the inverse of Kind.String for the three known kinds.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "IPV4":
		return KindIPv4, true
	case "DOMAIN":
		return KindDomain, true
	case "IPV6":
		return KindIPv6, true
	default:
		return KindUnknown, false
	}
}

// Channel tells whether a Request describes a TCP stream or a UDP target.
type Channel uint8

const (
	TCP Channel = iota
	UDP
)

func (c Channel) String() string {
	if c == UDP {
		return "udp"
	}
	return "tcp"
}

const (
	boxMarker = 0x00

	// MaxDatagram is the largest payload a boxed datagram can carry.
	MaxDatagram = 0xFFFF

	// MaxHeaderLen is the longest possible encoded address of a boxed datagram.
	MaxHeaderLen = 1 + 1 + 1 + 255 + 2 + 2
)

var (
	// ErrTruncated is returned when a declared length runs past the end of
	// the buffer.
	ErrTruncated = errors.New("xrequest: truncated address")

	// ErrInvalid is returned when a Request cannot be encoded.
	ErrInvalid = errors.New("xrequest: invalid address")
)

// Request is a decoded target address. It is never mutated after creation.
type Request struct {
	Kind    Kind
	Host    string
	Port    uint16
	Channel Channel

	// HeaderLen is the number of bytes the encoded address occupied.
	HeaderLen int

	// Trailing is the number of payload bytes following the address fields
	// that belong to this request. For TCP it is everything left in the
	// buffer, for boxed UDP it is the declared datagram length.
	Trailing int
}

// New returns a TCP Request for host:port, classifying host as an IPv4
// literal, an IPv6 literal or a domain name.
func New(host string, port uint16) Request {
	r := Request{Kind: KindDomain, Host: host, Port: port}
	if ip, err := netip.ParseAddr(host); err == nil {
		r = FromAddrPort(netip.AddrPortFrom(ip, port))
	}
	return r
}

// FromAddrPort returns a TCP Request for ap. IPv4-mapped IPv6 addresses are
// reported as IPv4.
func FromAddrPort(ap netip.AddrPort) Request {
	ip := ap.Addr().Unmap()
	kind := KindIPv6
	if ip.Is4() {
		kind = KindIPv4
	}
	return Request{Kind: kind, Host: ip.String(), Port: ap.Port()}
}

// Address returns host:port suitable for net.Dial.
func (r Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// AddrPort returns the address as a netip.AddrPort. It fails for domains.
func (r Request) AddrPort() (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(r.Host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q is not an ip", ErrInvalid, r.Host)
	}
	return netip.AddrPortFrom(ip.Unmap(), r.Port), nil
}

func (r Request) String() string {
	return fmt.Sprintf("%s %s %s", r.Channel, r.Kind, r.Address())
}

// AppendAddr appends ATYP | ADDR | PORT to b.
func (r Request) AppendAddr(b []byte) ([]byte, error) {
	switch r.Kind {
	case KindIPv4, KindIPv6:
		ip, err := netip.ParseAddr(r.Host)
		if err != nil {
			return b, fmt.Errorf("%w: %q", ErrInvalid, r.Host)
		}
		ip = ip.Unmap()
		if r.Kind == KindIPv4 {
			if !ip.Is4() {
				return b, fmt.Errorf("%w: %q is not ipv4", ErrInvalid, r.Host)
			}
			a := ip.As4()
			b = append(b, byte(KindIPv4))
			b = append(b, a[:]...)
		} else {
			a := ip.As16()
			b = append(b, byte(KindIPv6))
			b = append(b, a[:]...)
		}
	case KindDomain:
		if len(r.Host) == 0 || len(r.Host) > 255 {
			return b, fmt.Errorf("%w: domain length %d", ErrInvalid, len(r.Host))
		}
		b = append(b, byte(KindDomain), byte(len(r.Host)))
		b = append(b, r.Host...)
	default:
		return b, fmt.Errorf("%w: kind %s", ErrInvalid, r.Kind)
	}
	return binary.BigEndian.AppendUint16(b, r.Port), nil
}

// Encode returns the wire form of r followed by payload. For UDP requests
// the result is a boxed datagram.
func Encode(r Request, payload []byte) ([]byte, error) {
	b := make([]byte, 0, MaxHeaderLen+len(payload))
	if r.Channel == UDP {
		if len(payload) > MaxDatagram {
			return nil, fmt.Errorf("%w: datagram of %d bytes", ErrInvalid, len(payload))
		}
		b = append(b, boxMarker)
	}
	b, err := r.AppendAddr(b)
	if err != nil {
		return nil, err
	}
	if r.Channel == UDP {
		b = binary.BigEndian.AppendUint16(b, uint16(len(payload)))
	}
	return append(b, payload...), nil
}

// Decode parses the address at the start of b.
//
// An unrecognized address type yields a Request of KindUnknown and no error;
// callers treat it as garbled input. ErrTruncated is returned only when a
// length implied or declared by the header runs past the end of b.
func Decode(b []byte) (Request, error) {
	var r Request

	off := 0
	if len(b) > 0 && b[0] == boxMarker {
		r.Channel = UDP
		off = 1
	}
	if len(b) <= off {
		return r, ErrTruncated
	}

	var n int
	switch Kind(b[off]) {
	case KindIPv4:
		n = off + 1 + 4
		if len(b) < n+2 {
			return r, ErrTruncated
		}
		r.Kind = KindIPv4
		r.Host = netip.AddrFrom4([4]byte(b[off+1 : n])).String()
	case KindDomain:
		if len(b) < off+2 {
			return r, ErrTruncated
		}
		l := int(b[off+1])
		if l == 0 {
			return Request{Channel: r.Channel}, nil
		}
		n = off + 2 + l
		if len(b) < n+2 {
			return r, ErrTruncated
		}
		r.Kind = KindDomain
		r.Host = string(b[off+2 : n])
	case KindIPv6:
		n = off + 1 + 16
		if len(b) < n+2 {
			return r, ErrTruncated
		}
		r.Kind = KindIPv6
		r.Host = netip.AddrFrom16([16]byte(b[off+1 : n])).String()
	default:
		return Request{Channel: r.Channel}, nil
	}
	r.Port = binary.BigEndian.Uint16(b[n:])
	n += 2

	if r.Channel == UDP {
		if len(b) < n+2 {
			return r, ErrTruncated
		}
		r.Trailing = int(binary.BigEndian.Uint16(b[n:]))
		n += 2
		if len(b)-n < r.Trailing {
			return r, ErrTruncated
		}
	} else {
		r.Trailing = len(b) - n
	}
	r.HeaderLen = n
	return r, nil
}

// Payload returns the trailing payload of r within b, the buffer r was
// decoded from.
func (r Request) Payload(b []byte) []byte {
	return b[r.HeaderLen : r.HeaderLen+r.Trailing]
}
