package proxy

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/agentx/internal/mapper"
	"github.com/die-net/agentx/internal/sockopt"
	"github.com/die-net/agentx/internal/wrapper"
	"github.com/die-net/agentx/internal/xrequest"
)

// resolveUDP returns the canonical address of a boxed datagram's target.
func (s *Server) resolveUDP(req xrequest.Request) (netip.AddrPort, error) {
	if req.Kind != xrequest.KindDomain {
		return req.AddrPort()
	}
	addr, err := s.resolve(req)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPortOf(ua), nil
}

// associate serves a tunnel that carries boxed datagrams. head holds the
// plaintext read so far, starting with the first datagram.
func (s *Server) associate(conn net.Conn, w wrapper.Wrapper, req xrequest.Request, head []byte) error {
	defer conn.Close()

	target, err := s.resolveUDP(req)
	if err != nil {
		return fmt.Errorf("bad dns: %w", err)
	}
	pc, err := sockopt.ListenUDP(s.ctx, "udp", ":0")
	if err != nil {
		return err
	}

	id, err := s.cfg.Mapper.Associate(mapper.Association{Key: target, UDP: pc, Tunnel: conn})
	if err != nil {
		_ = pc.Close()
		return err
	}
	defer s.cfg.Mapper.Close(id)
	log.Info().Str("client", conn.RemoteAddr().String()).Str("target", target.String()).Msg("udp associate")

	var g errgroup.Group
	g.Go(func() error {
		defer s.cfg.Mapper.Close(id)
		return s.unboxUDP(id, conn, pc, w, head)
	})
	g.Go(func() error {
		defer s.cfg.Mapper.Close(id)
		return s.boxUDP(id, conn, pc, w)
	})
	return g.Wait()
}

// unboxUDP sends the tunnel's boxed datagrams to their targets, following
// the association to a new target when a datagram names one.
func (s *Server) unboxUDP(id uuid.UUID, conn net.Conn, pc net.PacketConn, w wrapper.Wrapper, head []byte) error {
	br := newBoxedReader(conn, w.Unwrap, head)
	for {
		r, payload, err := br.Next()
		if err != nil {
			return quiet(err)
		}
		target, err := s.resolveUDP(r)
		if err != nil {
			log.Warn().Err(err).Str("target", r.Address()).Msg("dropped datagram")
			continue
		}

		a, ok := s.cfg.Mapper.Get(id)
		if !ok {
			return nil
		}
		if a.Key != target {
			if _, err := s.cfg.Mapper.Rekey(id, target); err != nil {
				log.Warn().Err(err).Str("target", target.String()).Msg("dropped datagram")
				continue
			}
		}

		if _, err := pc.WriteTo(payload, net.UDPAddrFromAddrPort(target)); err != nil {
			log.Debug().Err(err).Str("target", target.String()).Msg("udp write failed")
		}
	}
}

// boxUDP returns the current target's replies down the tunnel. Datagrams
// from any other sender are dropped.
func (s *Server) boxUDP(id uuid.UUID, conn net.Conn, pc net.PacketConn, w wrapper.Wrapper) error {
	buf := datagramBuffers.Get()
	defer datagramBuffers.Put(buf)

	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return quiet(err)
		}
		sender := addrPortOf(from)

		a, err := s.cfg.Mapper.Route(sender, mapper.RoleUDP|mapper.RoleTunnel)
		if err != nil {
			log.Debug().Err(err).Str("from", sender.String()).Msg("dropped datagram from a stale target")
			continue
		}
		if a.ID != id {
			log.Debug().Str("from", sender.String()).Msg("dropped datagram for another association")
			continue
		}

		r := xrequest.FromAddrPort(sender)
		r.Channel = xrequest.UDP
		boxed, err := xrequest.Encode(r, buf[:n])
		if err != nil {
			return err
		}
		out, err := w.Wrap(boxed)
		if err != nil {
			return err
		}
		if _, err := conn.Write(out); err != nil {
			return quiet(err)
		}
	}
}
