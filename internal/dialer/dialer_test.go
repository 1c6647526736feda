package dialer

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/die-net/agentx/internal/testutil"
)

func TestDirectDialer(t *testing.T) {
	t.Parallel()

	ln := testutil.StartEchoTCPServer(t, context.Background())
	d := NewDirectDialer(Config{DialTimeout: time.Second})

	c, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("ping"))
}

func TestDirectDialerKeepAlive(t *testing.T) {
	t.Parallel()

	ln, wait := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		_, _ = c.Write([]byte("hi"))
	})
	d := NewDirectDialer(Config{
		DialTimeout: time.Second,
		KeepAlive:   net.KeepAliveConfig{Enable: true, Idle: 30 * time.Second, Interval: 10 * time.Second, Count: 3},
	})

	c, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, ok := c.(*net.TCPConn); !ok {
		t.Fatalf("dialed %T, want *net.TCPConn", c)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hi" {
		t.Fatalf("read %q", buf)
	}
	wait()
}

func TestTunnelDialerIgnoresAddress(t *testing.T) {
	t.Parallel()

	var ports []uint16
	for range 3 {
		ln := testutil.StartEchoTCPServer(t, context.Background())
		ports = append(ports, uint16(ln.Addr().(*net.TCPAddr).Port))
	}

	d, err := NewTunnelDialer(Config{DialTimeout: time.Second}, "127.0.0.1", ports)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[int]bool)
	for range 30 {
		c, err := d.DialContext(context.Background(), "tcp", "unreachable.invalid:1")
		if err != nil {
			t.Fatal(err)
		}
		seen[c.RemoteAddr().(*net.TCPAddr).Port] = true
		testutil.AssertEcho(t, c, c, []byte("x"))
		c.Close()
	}
	if len(seen) < 2 {
		t.Fatalf("only dialed ports %v", seen)
	}

	if _, err := NewTunnelDialer(Config{}, "127.0.0.1", nil); !errors.Is(err, ErrNoPorts) {
		t.Fatalf("got %v, want ErrNoPorts", err)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	ln := testutil.StartEchoTCPServer(t, context.Background())
	d := NewDirectDialer(Config{})

	c, err := Ping(context.Background(), d, "tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	if _, err := Ping(context.Background(), d, "tcp", testutil.ClosedPort(t), time.Second); err == nil {
		t.Fatal("ping of a closed port succeeded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Ping(ctx, d, "tcp", ln.Addr().String(), time.Second); err == nil {
		t.Fatalf("ping with canceled context: %v", err)
	}
}
