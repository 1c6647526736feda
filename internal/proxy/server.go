package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/die-net/agentx/internal/dialer"
	"github.com/die-net/agentx/internal/wrapper"
	"github.com/die-net/agentx/internal/xrequest"
)

// Server is the remote end of the tunnel.
type Server struct {
	ctx context.Context
	cfg ServerConfig
}

func NewServer(ctx context.Context, cfg ServerConfig) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.ProbeDelay == nil {
		cfg.ProbeDelay = randomProbeDelay
	}
	return &Server{ctx: ctx, cfg: cfg}
}

func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	client := conn.RemoteAddr().String()
	if s.cfg.Meter != nil {
		conn = s.cfg.Meter.Conn(conn)
	}

	w, err := s.cfg.Wrappers.New()
	if err != nil {
		_ = conn.Close()
		log.Error().Err(err).Msg("transform chain")
		return
	}

	req, head, err := s.readRequest(conn, w)
	if err != nil {
		if errors.Is(err, errGarbled) {
			s.stall(conn, client, err)
			return
		}
		_ = conn.Close()
		if errors.Is(err, io.EOF) {
			log.Debug().Str("client", client).Msg("closed before a request")
			return
		}
		log.Warn().Err(err).Str("client", client).Msg("bad request")
		return
	}

	if req.Channel == xrequest.UDP {
		err = s.associate(conn, w, req, head)
	} else {
		err = s.connect(conn, w, req, head)
	}
	if err != nil {
		log.Warn().Err(err).Str("client", client).Str("target", req.Address()).Msg("connection failed")
	}
}

// readRequest reads until the request at the head of the tunnel is
// complete. It returns the request along with the bytes it was decoded
// from: plaintext, or the raw wire bytes when the resolver exposes requests.
func (s *Server) readRequest(conn net.Conn, w wrapper.Wrapper) (xrequest.Request, []byte, error) {
	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	exposed := s.cfg.Resolver.ExposeRequest()

	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)

	var head []byte
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !exposed {
				var err error
				if chunk, err = w.Unwrap(chunk); err != nil {
					return xrequest.Request{}, nil, fmt.Errorf("%w: %w", errGarbled, err)
				}
			}
			head = append(head, chunk...)

			if len(head) > 0 {
				req, err := s.cfg.Resolver.Parse(head)
				switch {
				case err == nil && req.Kind != xrequest.KindUnknown:
					return req, head, nil
				case errors.Is(err, xrequest.ErrTruncated):
					if len(head) > maxPending {
						return req, nil, fmt.Errorf("%w: %d bytes without a request", errGarbled, len(head))
					}
				default:
					return req, nil, fmt.Errorf("%w: unknown request type %d", errGarbled, head[0])
				}
			}
		}
		if rerr != nil {
			return xrequest.Request{}, nil, fmt.Errorf("read request: %w", rerr)
		}
	}
}

// stall holds a connection whose request could not be decoded open for a
// while before closing it, so probes cannot time the rejection.
func (s *Server) stall(conn net.Conn, client string, cause error) {
	defer conn.Close()

	delay := s.cfg.ProbeDelay()
	log.Warn().Err(cause).Str("client", client).Dur("delay", delay).Msg("garbled request, disconnecting after delay")

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.ctx.Done():
	}
}

// resolve returns the address to dial for req, consulting the DNS cache for
// domains. It falls back to the domain itself when the cache has no answer.
func (s *Server) resolve(req xrequest.Request) (string, error) {
	host := req.Host
	if req.Kind == xrequest.KindDomain && s.cfg.DNS != nil {
		ip, ok, err := s.cfg.DNS.Get(s.ctx, req.Host)
		if err != nil {
			return "", err
		}
		if ok {
			host = ip.String()
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(int(req.Port))), nil
}

func (s *Server) connect(conn net.Conn, w wrapper.Wrapper, req xrequest.Request, head []byte) error {
	defer conn.Close()

	cached := req.Kind == xrequest.KindDomain && s.cfg.DNS != nil && s.cfg.DNS.IsCached(req.Host)
	log.Info().Str("client", conn.RemoteAddr().String()).Str("target", req.Address()).Bool("cached", cached).Msg("connect")

	addr, err := s.resolve(req)
	if err != nil {
		return fmt.Errorf("bad dns: %w", err)
	}
	out, err := dialer.Ping(s.ctx, s.cfg.Dialer, "tcp", addr, s.cfg.PingTimeout)
	if err != nil {
		return err
	}
	defer out.Close()

	tail := head[req.HeaderLen:]
	if s.cfg.Resolver.ExposeRequest() && len(tail) > 0 {
		if tail, err = w.Unwrap(tail); err != nil {
			return err
		}
	}
	if len(tail) > 0 {
		log.Debug().Str("target", req.Address()).Int("bytes", len(tail)).Msg("send tail")
		if _, err := out.Write(tail); err != nil {
			return fmt.Errorf("write tail: %w", err)
		}
	}

	return Relay(s.ctx, conn, conn, out, w.Unwrap, w.Wrap)
}
