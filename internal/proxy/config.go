package proxy

import (
	"math/rand/v2"
	"time"

	"github.com/die-net/agentx/internal/dialer"
	"github.com/die-net/agentx/internal/dnscache"
	"github.com/die-net/agentx/internal/mapper"
	"github.com/die-net/agentx/internal/resolver"
	"github.com/die-net/agentx/internal/traffic"
	"github.com/die-net/agentx/internal/wrapper"
)

const (
	ModeAgentX = "agentx"
	ModeSOCKS5 = "socks5"
)

// Config holds what both ends of the tunnel need.
type Config struct {
	NegotiationTimeout time.Duration

	// PingTimeout bounds every outbound connect. Zero uses
	// dialer.DefaultPingTimeout.
	PingTimeout time.Duration

	Resolver resolver.Resolver
	Wrappers *wrapper.Factory

	// Mapper holds UDP associations. It must not be nil.
	Mapper *mapper.Mapper

	// Meter counts traffic; nil disables counting.
	Meter *traffic.Meter
}

type ClientConfig struct {
	Config

	// Mode is ModeAgentX or ModeSOCKS5. In ModeSOCKS5 every request is
	// relayed directly.
	Mode string

	Direct dialer.Dialer
	Tunnel dialer.Dialer

	// Requests for ConsoleDomain are dialed to ConsoleAddr. An empty
	// ConsoleDomain disables the redirect.
	ConsoleDomain string
	ConsoleAddr   string
}

type ServerConfig struct {
	Config

	Dialer dialer.Dialer

	// DNS resolves domain targets; nil dials domains by name.
	DNS *dnscache.Cache

	// ProbeDelay returns how long to stall a connection whose request could
	// not be decoded before closing it. Nil uses a random 2 to 5 seconds.
	ProbeDelay func() time.Duration
}

func randomProbeDelay() time.Duration {
	return 2*time.Second + rand.N(3*time.Second)
}
