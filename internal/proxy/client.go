package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/die-net/agentx/internal/dialer"
	"github.com/die-net/agentx/internal/socks5"
	"github.com/die-net/agentx/internal/xrequest"
)

// Client is the local SOCKS5 end of the tunnel.
type Client struct {
	ctx context.Context
	cfg ClientConfig
}

func NewClient(ctx context.Context, cfg ClientConfig) *Client {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Client{ctx: ctx, cfg: cfg}
}

func (c *Client) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go c.handleConn(conn)
	}
}

// proxyMode reports whether host is reached through the tunnel.
func (c *Client) proxyMode(host string) bool {
	if c.cfg.Mode == ModeSOCKS5 {
		return false
	}
	if c.cfg.ConsoleDomain != "" && host == c.cfg.ConsoleDomain {
		return false
	}
	return host != "localhost" && host != "127.0.0.1"
}

func (c *Client) handleConn(conn net.Conn) {
	client := conn.RemoteAddr().String()
	if c.cfg.Meter != nil {
		conn = c.cfg.Meter.Conn(conn)
	}

	if c.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.NegotiationTimeout))
	}
	fe := socks5.NewFrontEnd(conn)
	req, err := fe.Handshake()
	if err != nil {
		_ = conn.Close()
		log.Warn().Err(err).Str("client", client).Stringer("state", fe.State()).Msg("bad handshake")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	switch req.Cmd {
	case socks5.CmdConnect:
		err = c.connect(fe, conn, req)
	case socks5.CmdUDP:
		err = c.associate(fe, conn, req)
	}
	if err != nil {
		log.Warn().Err(err).Str("client", client).Str("target", req.Target.Address()).Msg("connection failed")
	}
}

func (c *Client) connect(fe *socks5.FrontEnd, conn net.Conn, req *socks5.Request) error {
	defer conn.Close()

	target := req.Target.Address()
	proxied := c.proxyMode(req.Target.Host)
	route := "DIRECT"
	if proxied {
		route = "AGENTX"
	}
	log.Info().Str("client", conn.RemoteAddr().String()).Str("target", target).Str("route", route).Msg("connect")

	d, addr := c.cfg.Direct, target
	switch {
	case c.cfg.ConsoleDomain != "" && req.Target.Host == c.cfg.ConsoleDomain:
		addr = c.cfg.ConsoleAddr
	case proxied:
		d = c.cfg.Tunnel
	}

	out, err := dialer.Ping(c.ctx, d, "tcp", addr, c.cfg.PingTimeout)
	if err != nil {
		socks5.WriteFailureReply(conn, req.Atyp())
		return err
	}
	defer out.Close()

	if err := socks5.WriteSuccessReply(conn, out.LocalAddr()); err != nil {
		return err
	}

	if !proxied {
		return Relay(c.ctx, conn, fe.Handover(), out, nil, nil)
	}

	w, err := c.cfg.Wrappers.New()
	if err != nil {
		return err
	}
	head, err := c.cfg.Resolver.Wrap(xrequest.TCP, req.Raw)
	if err != nil {
		return err
	}
	if !c.cfg.Resolver.ExposeRequest() {
		if head, err = w.Wrap(head); err != nil {
			return err
		}
	}
	if _, err := out.Write(head); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	return Relay(c.ctx, conn, fe.Handover(), out, w.Wrap, w.Unwrap)
}

var errUDPUnsupported = errors.New("proxy: protocol cannot carry udp")
