package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/die-net/agentx/internal/dialer"
	"github.com/die-net/agentx/internal/dnscache"
	"github.com/die-net/agentx/internal/mapper"
	"github.com/die-net/agentx/internal/resolver"
	"github.com/die-net/agentx/internal/traffic"
	"github.com/die-net/agentx/internal/wrapper"
)

// echoDomain resolves to the loopback address on the test server, so
// requests for it go through the tunnel.
const echoDomain = "echo.test"

type tunnelOptions struct {
	mode       string
	protocol   string
	process    []string
	probeDelay time.Duration
}

type tunnel struct {
	clientAddr   string
	serverAddr   string
	clientMapper *mapper.Mapper
	serverMapper *mapper.Mapper
	serverMeter  *traffic.Meter
}

func startTunnel(t *testing.T, o tunnelOptions) *tunnel {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if o.mode == "" {
		o.mode = ModeAgentX
	}
	if o.protocol == "" {
		o.protocol = resolver.Shadowsocks
	}
	if o.probeDelay == 0 {
		o.probeDelay = 100 * time.Millisecond
	}

	res, err := resolver.New(o.protocol)
	if err != nil {
		t.Fatal(err)
	}
	wrappers, err := wrapper.NewFactory("aes-256-cfb", "test password", o.process)
	if err != nil {
		t.Fatal(err)
	}
	dns, err := dnscache.NewWithLookup(16, func(_ context.Context, domain string) (netip.Addr, error) {
		if domain == echoDomain {
			return netip.MustParseAddr("127.0.0.1"), nil
		}
		return netip.Addr{}, errors.New("no such host")
	})
	if err != nil {
		t.Fatal(err)
	}
	dialCfg := dialer.Config{DialTimeout: 2 * time.Second}

	tn := &tunnel{clientMapper: mapper.New(), serverMapper: mapper.New(), serverMeter: traffic.NewMeter(0, 0)}

	serverLn, err := ListenTCP(ctx, "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(ctx, ServerConfig{
		Config: Config{
			NegotiationTimeout: 2 * time.Second,
			Resolver:           res,
			Wrappers:           wrappers,
			Mapper:             tn.serverMapper,
			Meter:              tn.serverMeter,
		},
		Dialer:     dialer.NewDirectDialer(dialCfg),
		DNS:        dns,
		ProbeDelay: func() time.Duration { return o.probeDelay },
	})
	go func() { _ = srv.Serve(serverLn) }()
	tn.serverAddr = serverLn.Addr().String()

	tunnelDialer, err := dialer.NewTunnelDialer(dialCfg, "127.0.0.1", []uint16{uint16(serverLn.Addr().(*net.TCPAddr).Port)})
	if err != nil {
		t.Fatal(err)
	}

	clientLn, err := ListenTCP(ctx, "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	cli := NewClient(ctx, ClientConfig{
		Config: Config{
			NegotiationTimeout: 2 * time.Second,
			Resolver:           res,
			Wrappers:           wrappers,
			Mapper:             tn.clientMapper,
		},
		Mode:   o.mode,
		Direct: dialer.NewDirectDialer(dialCfg),
		Tunnel: tunnelDialer,
	})
	go func() { _ = cli.Serve(clientLn) }()
	tn.clientAddr = clientLn.Addr().String()

	return tn
}

// socksRequest performs a no-auth handshake on conn and sends a request
// for cmd and target, returning the reply code and bound address.
func socksRequest(t *testing.T, conn net.Conn, cmd byte, target netip.AddrPort) (byte, netip.AddrPort) {
	t.Helper()

	if _, err := conn.Write([]byte{5, 1, 0}); err != nil {
		t.Fatal(err)
	}
	method := make([]byte, 2)
	if _, err := io.ReadFull(conn, method); err != nil {
		t.Fatal(err)
	}
	if method[0] != 5 || method[1] != 0 {
		t.Fatalf("method reply %x", method)
	}

	ip := target.Addr().As4()
	req := append([]byte{5, cmd, 0, 1}, ip[:]...)
	req = binary.BigEndian.AppendUint16(req, target.Port())
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}

	reply := make([]byte, 4)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	var addr []byte
	switch reply[3] {
	case 1:
		addr = make([]byte, 4+2)
	case 4:
		addr = make([]byte, 16+2)
	default:
		t.Fatalf("reply address type %d", reply[3])
	}
	if _, err := io.ReadFull(conn, addr); err != nil {
		t.Fatal(err)
	}
	ipAddr, _ := netip.AddrFromSlice(addr[:len(addr)-2])
	return reply[1], netip.AddrPortFrom(ipAddr.Unmap(), binary.BigEndian.Uint16(addr[len(addr)-2:]))
}

func domainAddr(t *testing.T, ln net.Addr) string {
	t.Helper()
	_, port, err := net.SplitHostPort(ln.String())
	if err != nil {
		t.Fatal(err)
	}
	return net.JoinHostPort(echoDomain, port)
}

func mustAddrPort(t *testing.T, a net.Addr) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		t.Fatal(err)
	}
	return ap
}

func testAddr(s string) net.Addr {
	a, _ := net.ResolveTCPAddr("tcp", s)
	return a
}

func directForTest() dialer.Dialer {
	return dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second})
}
