package dialer

import (
	"net"
	"time"
)

// DefaultPingTimeout bounds the connect phase of Ping.
const DefaultPingTimeout = 10 * time.Second

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig
}
