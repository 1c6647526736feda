package resolver

import (
	"fmt"

	"github.com/die-net/agentx/internal/xrequest"
)

// shadowsocks sends the bare SOCKS5 address through the transform chain.
//
//	TCP:  VER CMD RSV | ATYP ADDR PORT            -> ATYP ADDR PORT
//	UDP:  RSV RSV FRAG | ATYP ADDR PORT | DATA   -> 0 | ATYP ADDR PORT | LEN | DATA
type shadowsocks struct{}

func (shadowsocks) Name() string        { return Shadowsocks }
func (shadowsocks) ExposeRequest() bool { return false }
func (shadowsocks) SupportsUDP() bool   { return true }

func (shadowsocks) Wrap(ch xrequest.Channel, socks []byte) ([]byte, error) {
	r, err := socksAddress(socks)
	if err != nil {
		return nil, err
	}
	if ch == xrequest.TCP {
		return append([]byte(nil), socks[3:]...), nil
	}

	if socks[2] != 0 {
		return nil, fmt.Errorf("%w: fragmented datagram", ErrFormat)
	}
	r.Channel = xrequest.UDP
	return xrequest.Encode(r, r.Payload(socks[3:]))
}

func (shadowsocks) Parse(b []byte) (xrequest.Request, error) {
	return xrequest.Decode(b)
}
