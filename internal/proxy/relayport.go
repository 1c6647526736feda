package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/die-net/agentx/internal/dialer"
)

// PortForwarder relays every connection it accepts, byte for byte, to a
// fixed address. The server uses it to expose its tunnel port on extra
// ports.
type PortForwarder struct {
	ctx    context.Context
	target string
	dialer dialer.Dialer
}

func NewPortForwarder(ctx context.Context, target string, d dialer.Dialer) *PortForwarder {
	if ctx == nil {
		ctx = context.Background()
	}
	return &PortForwarder{ctx: ctx, target: target, dialer: d}
}

func (f *PortForwarder) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go f.handleConn(conn)
	}
}

func (f *PortForwarder) handleConn(conn net.Conn) {
	defer conn.Close()

	out, err := f.dialer.DialContext(f.ctx, "tcp", f.target)
	if err != nil {
		log.Warn().Err(err).Str("client", conn.RemoteAddr().String()).Str("target", f.target).Msg("relay port dial failed")
		return
	}
	if err := Relay(f.ctx, conn, conn, out, nil, nil); err != nil {
		log.Debug().Err(err).Str("client", conn.RemoteAddr().String()).Msg("relay port")
	}
}
