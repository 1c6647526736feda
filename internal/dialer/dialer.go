package dialer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var ErrNoPorts = errors.New("dialer: tunnel endpoint has no ports")

type tunnelDialer struct {
	direct Dialer
	host   string
	ports  []uint16
}

// NewTunnelDialer returns a Dialer that connects to host on one of ports,
// chosen at random per connection, whatever address it is asked for.
func NewTunnelDialer(cfg Config, host string, ports []uint16) (Dialer, error) {
	if len(ports) == 0 {
		return nil, ErrNoPorts
	}
	return &tunnelDialer{direct: NewDirectDialer(cfg), host: host, ports: ports}, nil
}

func (d *tunnelDialer) DialContext(ctx context.Context, network, _ string) (net.Conn, error) {
	port := d.ports[rand.IntN(len(d.ports))]
	return d.direct.DialContext(ctx, network, net.JoinHostPort(d.host, strconv.Itoa(int(port))))
}

// Ping dials address through d, failing if the connection is not
// established within timeout. A zero timeout uses DefaultPingTimeout.
func Ping(ctx context.Context, d Dialer, network, address string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("ping %s: %w", address, err)
	}
	log.Debug().Str("target", address).Str("remote", conn.RemoteAddr().String()).Dur("latency", time.Since(start)).Msg("ping")
	return conn, nil
}
