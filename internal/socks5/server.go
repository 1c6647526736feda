package socks5

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog/log"
	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/agentx/internal/xrequest"
)

var (
	ErrVersion             = errors.New("socks5: unknown protocol version")
	ErrSOCKS4              = errors.New("socks5: socks4 is not supported")
	ErrCommandNotSupported = errors.New("socks5: command not supported")
	ErrAddressNotSupported = errors.New("socks5: address type not supported")
)

// State is a front-end handshake state.
type State uint8

const (
	StateInit State = iota
	StateAuth
	StateCommand
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAuth:
		return "auth"
	case StateCommand:
		return "cmd"
	case StateRelaying:
		return "relaying"
	default:
		return "closed"
	}
}

const userPassVersion = 0x01

// Request is a CONNECT or UDP ASSOCIATE request accepted by a FrontEnd.
type Request struct {
	Cmd byte

	// Target is the decoded destination. For UDP ASSOCIATE it is the
	// address the client expects to send datagrams from.
	Target xrequest.Request

	// Raw is the request as received: VER CMD RSV ATYP ADDR PORT.
	Raw []byte
}

// Atyp returns the SOCKS5 address type of the request.
func (r *Request) Atyp() byte { return r.Raw[3] }

// FrontEnd runs the server side of the SOCKS5 handshake on one connection.
type FrontEnd struct {
	conn  net.Conn
	br    *bufio.Reader
	state State
}

func NewFrontEnd(conn net.Conn) *FrontEnd {
	return &FrontEnd{conn: conn, br: bufio.NewReader(conn)}
}

func (f *FrontEnd) State() State { return f.state }

// Handshake negotiates the method, acknowledges an optional
// username/password subnegotiation and reads the command request. On error
// a best-effort rejection has been written and the FrontEnd is closed; the
// caller still owns the connection.
func (f *FrontEnd) Handshake() (*Request, error) {
	req, err := f.handshake()
	if err != nil {
		f.state = StateClosed
		return nil, err
	}
	return req, nil
}

func (f *FrontEnd) handshake() (*Request, error) {
	ver, err := f.br.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	switch ver[0] {
	case txsocks5.Ver:
	case 0x04:
		_, _ = f.conn.Write(socks4Reject)
		return nil, ErrSOCKS4
	default:
		return nil, fmt.Errorf("%w: %d", ErrVersion, ver[0])
	}

	if _, err := txsocks5.NewNegotiationRequestFrom(f.br); err != nil {
		return nil, fmt.Errorf("negotiation request: %w", err)
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(f.conn); err != nil {
		return nil, fmt.Errorf("negotiation reply: %w", err)
	}
	f.state = StateAuth

	next, err := f.br.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	if next[0] == userPassVersion {
		if _, err := txsocks5.NewUserPassNegotiationRequestFrom(f.br); err != nil {
			return nil, fmt.Errorf("read userpass: %w", err)
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(f.conn); err != nil {
			return nil, fmt.Errorf("write userpass: %w", err)
		}
		log.Debug().Str("client", f.conn.RemoteAddr().String()).Msg("acknowledged socks5 credentials without checking them")
	}
	f.state = StateCommand

	return f.readRequest()
}

func (f *FrontEnd) readRequest() (*Request, error) {
	tr, err := txsocks5.NewRequestFrom(f.br)
	if err != nil {
		if errors.Is(err, txsocks5.ErrBadRequest) {
			WriteAddressNotSupportedReply(f.conn, txsocks5.ATYPIPv4)
			return nil, fmt.Errorf("%w: %w", ErrAddressNotSupported, err)
		}
		if errors.Is(err, txsocks5.ErrVersion) {
			return nil, fmt.Errorf("%w: %w", ErrVersion, err)
		}
		return nil, fmt.Errorf("request: %w", err)
	}

	raw := make([]byte, 0, 4+len(tr.DstAddr)+len(tr.DstPort))
	raw = append(raw, tr.Ver, tr.Cmd, tr.Rsv, tr.Atyp)
	raw = append(raw, tr.DstAddr...)
	raw = append(raw, tr.DstPort...)

	req := &Request{Cmd: tr.Cmd, Raw: raw}
	switch tr.Cmd {
	case CmdConnect, CmdUDP:
	default:
		WriteCommandNotSupportedReply(f.conn, tr.Atyp)
		return nil, fmt.Errorf("%w: %d", ErrCommandNotSupported, tr.Cmd)
	}

	target, err := xrequest.Decode(raw[3:])
	if err != nil || target.Kind == xrequest.KindUnknown {
		WriteAddressNotSupportedReply(f.conn, tr.Atyp)
		return nil, fmt.Errorf("%w: %d", ErrAddressNotSupported, tr.Atyp)
	}
	target.HeaderLen, target.Trailing = 0, 0
	req.Target = target
	return req, nil
}

// Handover ends the handshake. The returned reader yields any bytes the
// client sent after its request before reading from the connection.
func (f *FrontEnd) Handover() io.Reader {
	f.state = StateRelaying
	return f.br
}
