package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	c, err := LoadClient("")
	if err != nil {
		t.Fatal(err)
	}
	if c.LocalPort != 1080 || c.Mode != ModeAgentX || !slices.Equal(c.ServerPort, Ports{9999}) {
		t.Fatalf("client defaults %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}

	s, err := LoadServer("")
	if err != nil {
		t.Fatal(err)
	}
	if s.Port != 9999 || s.DNSCacheCapacity != 1000 || s.Encryption != "aes-256-cfb" || !slices.Equal(s.Process, []string{"encrypt"}) {
		t.Fatalf("server defaults %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadJSONClient(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "localHost": "127.0.0.1",
  "localPort": 1081,
  "mode": "socks5",
  "serverHost": "203.0.113.7",
  "serverPort": [443, 8443],
  "encryption": "bf-cfb",
  "password": "secret",
  "protocol": "fakedhttp",
  "process": ["random-padding", "encrypt"]
}`)
	c, err := LoadClient(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.LocalHost != "127.0.0.1" || c.LocalPort != 1081 || c.Mode != ModeSOCKS5 || c.ServerHost != "203.0.113.7" {
		t.Fatalf("client %+v", c)
	}
	if !slices.Equal(c.ServerPort, Ports{443, 8443}) || c.Protocol != "fakedhttp" || c.Password != "secret" {
		t.Fatalf("client %+v", c)
	}
	// Unset fields keep their defaults.
	if c.DialTimeout != 10*time.Second || c.ConsoleDomain != DefaultConsoleDomain {
		t.Fatalf("defaults lost: %+v", c)
	}
}

func TestLoadYAMLServer(t *testing.T) {
	path := writeFile(t, "server.yaml", `
port: 9000
relayPort: 80
dnsCacheCapacity: 0
dnsServer: 1.1.1.1:53
readLimit: 1048576
negotiationTimeout: 3s
process: [compress, encrypt]
`)
	s, err := LoadServer(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
	if s.Port != 9000 || !slices.Equal(s.RelayPort, Ports{80}) || s.DNSCacheCapacity != 0 || s.DNSServer != "1.1.1.1:53" {
		t.Fatalf("server %+v", s)
	}
	if s.ReadLimit != 1<<20 || s.NegotiationTimeout != 3*time.Second {
		t.Fatalf("server %+v", s)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := LoadClient(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v, want ErrNotExist", err)
	}
	if _, err := LoadServer(writeFile(t, "bad.yaml", "port: [")); err == nil {
		t.Fatal("expected a parse error")
	}
	if _, err := LoadServer(writeFile(t, "bad.yaml", "port: 70000")); err == nil {
		t.Fatal("expected an out of range port to fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		client func(*Client)
		server func(*Server)
	}{
		{name: "protocol", client: func(c *Client) { c.Protocol = "vmess" }},
		{name: "mode", client: func(c *Client) { c.Mode = "http" }},
		{name: "encryption", client: func(c *Client) { c.Encryption = "rc4" }},
		{name: "process", server: func(s *Server) { s.Process = []string{"encrypt", "gzip"} }},
		{name: "server_port", client: func(c *Client) { c.ServerPort = nil }},
		{name: "dns_capacity", server: func(s *Server) { s.DNSCacheCapacity = -1 }},
		{name: "limit", server: func(s *Server) { s.WriteLimit = -5 }},
		{name: "relay_port", server: func(s *Server) { s.RelayPort = Ports{s.Port} }},
		{name: "timeout", server: func(s *Server) { s.DialTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.client != nil {
				c := DefaultClient()
				tt.client(&c)
				err = c.Validate()
			} else {
				s := DefaultServer()
				tt.server(&s)
				err = s.Validate()
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("got %v, want ErrInvalid", err)
			}
		})
	}

	// An unknown encryption is fine when nothing encrypts.
	c := DefaultClient()
	c.Encryption = "rc4"
	c.Process = []string{"compress"}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}
