package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/txthinking/socks5"

	"github.com/die-net/agentx/internal/resolver"
	"github.com/die-net/agentx/internal/testutil"
)

func TestConnectDirect(t *testing.T) {
	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	tn := startTunnel(t, tunnelOptions{mode: ModeSOCKS5, process: []string{"encrypt"}})

	client, err := socks5.NewClient(tn.clientAddr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("hello"))

	if s := tn.serverMeter.Snapshot(); s.ReadSum != 0 {
		t.Fatalf("direct connect reached the tunnel server: %+v", s)
	}
}

func TestConnectProxied(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		process  []string
	}{
		{"shadowsocks_raw", resolver.Shadowsocks, nil},
		{"shadowsocks_encrypt", resolver.Shadowsocks, []string{"encrypt"}},
		{"shadowsocks_padding_encrypt", resolver.Shadowsocks, []string{"random-padding", "encrypt"}},
		{"shadowsocks_compress_encrypt", resolver.Shadowsocks, []string{"compress", "encrypt"}},
		{"shadowsocks_snappy_zero_padding", resolver.Shadowsocks, []string{"snappy", "zero-padding"}},
		{"fakedhttp_encrypt", resolver.FakedHTTP, []string{"encrypt"}},
		{"fakedhttp_padding_encrypt", resolver.FakedHTTP, []string{"random-padding", "encrypt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			echoLn := testutil.StartEchoTCPServer(t, context.Background())
			tn := startTunnel(t, tunnelOptions{protocol: tt.protocol, process: tt.process})

			client, err := socks5.NewClient(tn.clientAddr, "", "", 5, 0)
			if err != nil {
				t.Fatal(err)
			}
			c, err := client.Dial("tcp", domainAddr(t, echoLn.Addr()))
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			testutil.AssertEcho(t, c, c, []byte("hello"))

			big := make([]byte, 128*1024)
			_, _ = rand.Read(big)
			testutil.AssertEcho(t, c, c, big)

			if s := tn.serverMeter.Snapshot(); s.ReadSum == 0 || s.WriteSum == 0 {
				t.Fatalf("tunnel server saw no traffic: %+v", s)
			}
		})
	}
}

func TestConnectTailIsFlushed(t *testing.T) {
	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	tn := startTunnel(t, tunnelOptions{process: []string{"random-padding", "encrypt"}})

	c, err := net.Dial("tcp", tn.clientAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	// Greeting, request and payload in a single write.
	port := echoLn.Addr().(*net.TCPAddr).Port
	msg := []byte{5, 1, 0, 5, 1, 0, 3, byte(len(echoDomain))}
	msg = append(msg, echoDomain...)
	msg = append(msg, byte(port>>8), byte(port))
	msg = append(msg, "early bytes"...)
	if _, err := c.Write(msg); err != nil {
		t.Fatal(err)
	}

	// Method reply, then a success reply bound to an IPv4 loopback address.
	reply := make([]byte, 2+4+4+2)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if want := []byte{5, 0, 5, 0, 0, 1}; !bytes.Equal(reply[:6], want) {
		t.Fatalf("replies start %x, want %x", reply[:6], want)
	}

	got := make([]byte, len("early bytes"))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "early bytes" {
		t.Fatalf("echoed %q", got)
	}
}

func TestConnectFailure(t *testing.T) {
	tn := startTunnel(t, tunnelOptions{mode: ModeSOCKS5})

	c, err := net.Dial("tcp", tn.clientAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	rep, _ := socksRequest(t, c, socks5.CmdConnect, mustAddrPort(t, testAddr(testutil.ClosedPort(t))))
	if rep != socks5.RepServerFailure {
		t.Fatalf("reply %d, want server failure", rep)
	}
}

func TestProxyMode(t *testing.T) {
	c := NewClient(context.Background(), ClientConfig{Mode: ModeAgentX, ConsoleDomain: "console.agentx"})
	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"93.184.216.34", true},
		{"console.agentx", false},
		{"localhost", false},
		{"127.0.0.1", false},
	}
	for _, tt := range tests {
		if got := c.proxyMode(tt.host); got != tt.want {
			t.Errorf("proxyMode(%q) = %v", tt.host, got)
		}
	}

	c.cfg.Mode = ModeSOCKS5
	if c.proxyMode("example.com") {
		t.Error("socks5 mode proxied a request")
	}
}

func TestConsoleDomainRedirect(t *testing.T) {
	console := testutil.StartEchoTCPServer(t, context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln, err := ListenTCP(ctx, "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	cli := NewClient(ctx, ClientConfig{
		Mode:          ModeAgentX,
		Direct:        directForTest(),
		ConsoleDomain: "console.agentx",
		ConsoleAddr:   console.Addr().String(),
	})
	go func() { _ = cli.Serve(ln) }()

	client, err := socks5.NewClient(ln.Addr().String(), "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", "console.agentx:80")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("GET / HTTP/1.1\r\n\r\n"))
}
