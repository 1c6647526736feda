// Package config loads the client and server settings files.
//
// Files are YAML; JSON is a subset of YAML, so JSON settings files load as
// well. Fields absent from the file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/die-net/agentx/internal/resolver"
	"github.com/die-net/agentx/internal/wrapper"
)

// ErrInvalid is returned by Validate for a setting that cannot be used.
var ErrInvalid = errors.New("config: invalid setting")

const (
	ModeAgentX = "agentx"
	ModeSOCKS5 = "socks5"

	DefaultConsoleDomain = "console.agentx.cc"
)

// Ports is a list of TCP ports. In a file it may be written either as a
// single number or as a sequence.
type Ports []uint16

func (p *Ports) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var port uint16
		if err := n.Decode(&port); err != nil {
			return err
		}
		*p = Ports{port}
		return nil
	}
	var ports []uint16
	if err := n.Decode(&ports); err != nil {
		return err
	}
	*p = ports
	return nil
}

// Tunnel holds the settings both ends must agree on, plus the connection
// tuning they share.
type Tunnel struct {
	Protocol   string   `yaml:"protocol"`
	Encryption string   `yaml:"encryption"`
	Password   string   `yaml:"password"`
	Process    []string `yaml:"process"`

	DialTimeout        time.Duration `yaml:"dialTimeout"`
	NegotiationTimeout time.Duration `yaml:"negotiationTimeout"`

	// TCPKeepAlive is on, off or keepidle:keepintvl:keepcnt in seconds.
	TCPKeepAlive string `yaml:"tcpKeepAlive"`
}

type Client struct {
	LocalHost  string `yaml:"localHost"`
	LocalPort  uint16 `yaml:"localPort"`
	Mode       string `yaml:"mode"`
	ServerHost string `yaml:"serverHost"`

	// ServerPort lists the server's ports; each connection picks one at
	// random.
	ServerPort Ports `yaml:"serverPort"`

	Tunnel `yaml:",inline"`

	// ConsoleDomain is answered by the local console instead of being
	// proxied. Empty disables the console. ConsolePort 0 picks an idle port.
	ConsoleDomain string `yaml:"consoleDomain"`
	ConsolePort   uint16 `yaml:"consolePort"`
}

type Server struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	// RelayPort lists extra ports forwarded to Port.
	RelayPort Ports `yaml:"relayPort"`

	Tunnel `yaml:",inline"`

	// DNSCacheCapacity 0 disables caching. An empty DNSServer uses the
	// system resolver.
	DNSCacheCapacity int    `yaml:"dnsCacheCapacity"`
	DNSServer        string `yaml:"dnsServer"`

	// Limits are in bytes per second; 0 is unlimited.
	ReadLimit  int `yaml:"readLimit"`
	WriteLimit int `yaml:"writeLimit"`

	// ConsolePort 0 disables the console.
	ConsolePort uint16 `yaml:"consolePort"`
}

func defaultTunnel() Tunnel {
	return Tunnel{
		Protocol:           resolver.Shadowsocks,
		Encryption:         "aes-256-cfb",
		Password:           "my_password",
		Process:            []string{wrapper.ProcessEncrypt},
		DialTimeout:        10 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		TCPKeepAlive:       "45:45:3",
	}
}

func DefaultClient() Client {
	return Client{
		LocalHost:     "0.0.0.0",
		LocalPort:     1080,
		Mode:          ModeAgentX,
		ServerHost:    "0.0.0.0",
		ServerPort:    Ports{9999},
		Tunnel:        defaultTunnel(),
		ConsoleDomain: DefaultConsoleDomain,
	}
}

func DefaultServer() Server {
	return Server{
		Host:             "0.0.0.0",
		Port:             9999,
		Tunnel:           defaultTunnel(),
		DNSCacheCapacity: 1000,
	}
}

// LoadClient reads path over the client defaults. An empty path returns
// the defaults.
func LoadClient(path string) (Client, error) {
	c := DefaultClient()
	if err := load(path, &c); err != nil {
		return Client{}, err
	}
	return c, nil
}

// LoadServer reads path over the server defaults. An empty path returns
// the defaults.
func LoadServer(path string) (Server, error) {
	s := DefaultServer()
	if err := load(path, &s); err != nil {
		return Server{}, err
	}
	return s, nil
}

func load(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (t *Tunnel) validate() error {
	if !resolver.Exists(t.Protocol) {
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalid, t.Protocol)
	}
	for _, id := range t.Process {
		if !wrapper.Exists(t.Encryption, id) {
			return fmt.Errorf("%w: unknown encryption %q or process %q", ErrInvalid, t.Encryption, id)
		}
	}
	if t.DialTimeout < 0 || t.NegotiationTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalid)
	}
	return nil
}

func (c *Client) Validate() error {
	if err := c.Tunnel.validate(); err != nil {
		return err
	}
	if c.Mode != ModeAgentX && c.Mode != ModeSOCKS5 {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, c.Mode)
	}
	if len(c.ServerPort) == 0 {
		return fmt.Errorf("%w: no serverPort", ErrInvalid)
	}
	return nil
}

func (s *Server) Validate() error {
	if err := s.Tunnel.validate(); err != nil {
		return err
	}
	if s.DNSCacheCapacity < 0 {
		return fmt.Errorf("%w: dnsCacheCapacity %d", ErrInvalid, s.DNSCacheCapacity)
	}
	if s.ReadLimit < 0 || s.WriteLimit < 0 {
		return fmt.Errorf("%w: negative traffic limit", ErrInvalid)
	}
	for _, p := range s.RelayPort {
		if p == s.Port {
			return fmt.Errorf("%w: relayPort %d is the server port", ErrInvalid, p)
		}
	}
	return nil
}
