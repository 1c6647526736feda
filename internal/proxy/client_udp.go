package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/agentx/internal/dialer"
	"github.com/die-net/agentx/internal/mapper"
	"github.com/die-net/agentx/internal/sockopt"
	"github.com/die-net/agentx/internal/socks5"
	"github.com/die-net/agentx/internal/wrapper"
	"github.com/die-net/agentx/internal/xrequest"
)

// udpPeer is the application socket of a UDP association. A fully specified
// declared source pins it; otherwise the first datagram's sender does.
type udpPeer struct {
	mu     sync.Mutex
	addr   netip.AddrPort
	pinned bool
}

func newUDPPeer(declared netip.AddrPort) *udpPeer {
	p := &udpPeer{}
	if declared.IsValid() && !declared.Addr().IsUnspecified() && declared.Port() != 0 {
		p.addr, p.pinned = declared, true
	}
	return p
}

// accept reports whether from is the application.
func (p *udpPeer) accept(from netip.AddrPort) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pinned {
		p.addr, p.pinned = from, true
	}
	return p.addr == from
}

func (p *udpPeer) get() (netip.AddrPort, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr, p.pinned
}

// gone hides the lookup miss of an association that was torn down by its
// other half.
func gone(err error) error {
	if errors.Is(err, mapper.ErrNotFound) {
		return nil
	}
	return err
}

func addrPortOf(a net.Addr) netip.AddrPort {
	if ua, ok := a.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}

// associate serves a UDP ASSOCIATE request. The control connection carries
// no payload afterwards; its closing tears the association down.
func (c *Client) associate(fe *socks5.FrontEnd, conn net.Conn, req *socks5.Request) error {
	defer conn.Close()

	if req.Target.Kind == xrequest.KindDomain {
		socks5.WriteAddressNotSupportedReply(conn, req.Atyp())
		return fmt.Errorf("%w: udp source %s", socks5.ErrAddressNotSupported, req.Target.Address())
	}
	proxied := c.cfg.Mode != ModeSOCKS5
	if proxied && !c.cfg.Resolver.SupportsUDP() {
		socks5.WriteCommandNotSupportedReply(conn, req.Atyp())
		return fmt.Errorf("%w: %s", errUDPUnsupported, c.cfg.Resolver.Name())
	}

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		socks5.WriteFailureReply(conn, req.Atyp())
		return err
	}
	pc, err := sockopt.ListenUDP(c.ctx, "udp", net.JoinHostPort(host, "0"))
	if err != nil {
		socks5.WriteFailureReply(conn, req.Atyp())
		return err
	}

	declared, _ := req.Target.AddrPort()
	peer := newUDPPeer(declared)
	key, _ := peer.get()
	if !peer.pinned {
		key = addrPortOf(pc.LocalAddr())
	}

	assoc := mapper.Association{Key: key, UDP: pc, Control: conn}
	need := mapper.RoleUDP | mapper.RoleControl
	if proxied {
		// The tunnel itself is opened by the first datagram; the server
		// would drop one that stays silent past its negotiation timeout.
		tunnel, err := dialer.Ping(c.ctx, c.cfg.Tunnel, "tcp", req.Target.Address(), c.cfg.PingTimeout)
		if err != nil {
			_ = pc.Close()
			socks5.WriteFailureReply(conn, req.Atyp())
			return err
		}
		_ = tunnel.Close()
	}

	id, err := c.cfg.Mapper.Associate(assoc)
	if err != nil {
		_ = pc.Close()
		socks5.WriteFailureReply(conn, req.Atyp())
		return err
	}
	defer c.cfg.Mapper.Close(id)

	if err := socks5.WriteSuccessReply(conn, pc.LocalAddr()); err != nil {
		return err
	}
	log.Info().Str("client", conn.RemoteAddr().String()).Str("relay", pc.LocalAddr().String()).Str("key", key.String()).Bool("tunnel", proxied).Msg("udp associate")

	var g errgroup.Group
	g.Go(func() error {
		defer c.cfg.Mapper.Close(id)
		_, _ = io.Copy(io.Discard, fe.Handover())
		return nil
	})

	if !proxied {
		g.Go(func() error {
			defer c.cfg.Mapper.Close(id)
			return c.relayDirectUDP(pc, peer, key, need)
		})
		return g.Wait()
	}

	g.Go(func() error {
		defer c.cfg.Mapper.Close(id)
		return c.boxUDP(&g, id, req.Target.Address(), pc, peer, key, need)
	})
	return g.Wait()
}

// openUDPTunnel dials the tunnel of association id and starts returning
// its datagrams to the application.
func (c *Client) openUDPTunnel(g *errgroup.Group, id uuid.UUID, target string, pc net.PacketConn, peer *udpPeer) (net.Conn, wrapper.Wrapper, error) {
	w, err := c.cfg.Wrappers.New()
	if err != nil {
		return nil, nil, err
	}
	tunnel, err := dialer.Ping(c.ctx, c.cfg.Tunnel, "tcp", target, c.cfg.PingTimeout)
	if err != nil {
		return nil, nil, err
	}
	if err := c.cfg.Mapper.AttachTunnel(id, tunnel); err != nil {
		_ = tunnel.Close()
		return nil, nil, gone(err)
	}

	g.Go(func() error {
		defer c.cfg.Mapper.Close(id)
		return c.unboxUDP(pc, tunnel, w, peer)
	})
	return tunnel, w, nil
}

// boxUDP sends the application's datagrams down the tunnel, opening it on
// the first one.
func (c *Client) boxUDP(g *errgroup.Group, id uuid.UUID, target string, pc net.PacketConn, peer *udpPeer, key netip.AddrPort, need mapper.Role) error {
	buf := datagramBuffers.Get()
	defer datagramBuffers.Put(buf)

	var (
		tunnel net.Conn
		w      wrapper.Wrapper
	)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return quiet(err)
		}
		src := addrPortOf(from)
		if !peer.accept(src) {
			log.Debug().Str("from", src.String()).Msg("dropped datagram from a stranger")
			continue
		}
		if tunnel == nil {
			if tunnel, w, err = c.openUDPTunnel(g, id, target, pc, peer); err != nil || tunnel == nil {
				return err
			}
			need |= mapper.RoleTunnel
		}
		if _, err := c.cfg.Mapper.Route(key, need); err != nil {
			return gone(err)
		}

		boxed, err := c.cfg.Resolver.Wrap(xrequest.UDP, buf[:n])
		if err != nil {
			log.Debug().Err(err).Str("from", src.String()).Msg("dropped datagram")
			continue
		}
		out, err := w.Wrap(boxed)
		if err != nil {
			return err
		}
		if _, err := tunnel.Write(out); err != nil {
			return quiet(err)
		}
	}
}

// unboxUDP returns the tunnel's boxed datagrams to the application.
func (c *Client) unboxUDP(pc net.PacketConn, tunnel net.Conn, w wrapper.Wrapper, peer *udpPeer) error {
	br := newBoxedReader(tunnel, w.Unwrap, nil)
	for {
		r, payload, err := br.Next()
		if err != nil {
			return quiet(err)
		}
		to, ok := peer.get()
		if !ok {
			log.Debug().Str("from", r.Address()).Msg("dropped datagram before the application sent one")
			continue
		}

		r.Channel = xrequest.TCP
		dgram, err := r.AppendAddr([]byte{0, 0, 0})
		if err != nil {
			return err
		}
		dgram = append(dgram, payload...)
		if _, err := pc.WriteTo(dgram, net.UDPAddrFromAddrPort(to)); err != nil {
			return quiet(err)
		}
	}
}

// relayDirectUDP relays the application's datagrams straight to their
// targets and the targets' replies back, all through the association socket.
func (c *Client) relayDirectUDP(pc net.PacketConn, peer *udpPeer, key netip.AddrPort, need mapper.Role) error {
	buf := datagramBuffers.Get()
	defer datagramBuffers.Put(buf)

	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return quiet(err)
		}
		src := addrPortOf(from)

		if !peer.accept(src) {
			to, _ := peer.get()
			dgram := socks5.AppendDatagramHeader(nil, src)
			dgram = append(dgram, buf[:n]...)
			if _, err := pc.WriteTo(dgram, net.UDPAddrFromAddrPort(to)); err != nil {
				return quiet(err)
			}
			continue
		}

		if _, err := c.cfg.Mapper.Route(key, need); err != nil {
			return gone(err)
		}
		d, err := txsocks5.NewDatagramFromBytes(buf[:n])
		if err != nil || d.Frag != 0 {
			log.Debug().Err(err).Str("from", src.String()).Msg("dropped datagram")
			continue
		}
		dst, err := net.ResolveUDPAddr("udp", d.Address())
		if err != nil {
			log.Debug().Err(err).Str("target", d.Address()).Msg("dropped datagram")
			continue
		}
		if _, err := pc.WriteTo(d.Data, dst); err != nil {
			log.Debug().Err(err).Str("target", d.Address()).Msg("udp write failed")
		}
	}
}
