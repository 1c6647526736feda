// Package dnscache resolves tunnel target domains through a bounded,
// access-ordered LRU cache.
package dnscache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
)

var errNoAnswer = errors.New("dnscache: no address records")

// LookupFunc resolves a domain to one address.
type LookupFunc func(ctx context.Context, domain string) (netip.Addr, error)

type Config struct {
	// Capacity bounds the number of cached domains. Zero disables the cache
	// and Get reports every domain as absent.
	Capacity int

	// Server is the host:port of a DNS server to query. Empty uses the
	// system resolver.
	Server string

	// Timeout bounds one query to Server.
	Timeout time.Duration
}

// Cache is safe for concurrent use.
type Cache struct {
	entries  *lru.Cache[string, netip.Addr]
	lookup   LookupFunc
	capacity int
}

// Entry is one cached mapping.
type Entry struct {
	Domain string
	Addr   netip.Addr
}

func New(cfg Config) (*Cache, error) {
	lookup := systemLookup
	if cfg.Server != "" {
		lookup = serverLookup(cfg.Server, cfg.Timeout)
	}
	return NewWithLookup(cfg.Capacity, lookup)
}

// NewWithLookup returns a Cache that resolves misses with lookup.
func NewWithLookup(capacity int, lookup LookupFunc) (*Cache, error) {
	c := &Cache{lookup: lookup}
	if capacity <= 0 {
		return c, nil
	}
	c.capacity = capacity
	entries, err := lru.New[string, netip.Addr](capacity)
	if err != nil {
		return nil, fmt.Errorf("dnscache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// Get returns the address of domain, resolving and caching it on a miss.
// It reports false with no error when caching is disabled; callers then dial
// the domain by name. A failed lookup returns an error.
func (c *Cache) Get(ctx context.Context, domain string) (netip.Addr, bool, error) {
	if c.entries == nil {
		return netip.Addr{}, false, nil
	}
	if ip, ok := c.entries.Get(domain); ok {
		return ip, true, nil
	}
	ip, err := c.lookup(ctx, domain)
	if err != nil {
		return netip.Addr{}, false, fmt.Errorf("dnscache: resolving %s: %w", domain, err)
	}
	c.entries.Add(domain, ip)
	return ip, true, nil
}

// IsCached reports whether domain is cached, without touching its recency.
func (c *Cache) IsCached(domain string) bool {
	return c.entries != nil && c.entries.Contains(domain)
}

// Capacity returns the configured capacity.
func (c *Cache) Capacity() int { return c.capacity }

func (c *Cache) Len() int {
	if c.entries == nil {
		return 0
	}
	return c.entries.Len()
}

// Entries lists the cache from least to most recently used.
func (c *Cache) Entries() []Entry {
	if c.entries == nil {
		return nil
	}
	var out []Entry
	for _, k := range c.entries.Keys() {
		if ip, ok := c.entries.Peek(k); ok {
			out = append(out, Entry{Domain: k, Addr: ip})
		}
	}
	return out
}

// Flush empties the cache.
func (c *Cache) Flush() {
	if c.entries != nil {
		c.entries.Purge()
	}
}

func systemLookup(ctx context.Context, domain string) (netip.Addr, error) {
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", domain)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			return ip.Unmap(), nil
		}
	}
	if len(ips) == 0 {
		return netip.Addr{}, errNoAnswer
	}
	return ips[0], nil
}

// serverLookup queries server for an A record and falls back to AAAA.
func serverLookup(server string, timeout time.Duration) LookupFunc {
	client := &dns.Client{Timeout: timeout}
	return func(ctx context.Context, domain string) (netip.Addr, error) {
		var lastErr error = errNoAnswer
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			m := new(dns.Msg)
			m.SetQuestion(dns.Fqdn(domain), qtype)
			m.RecursionDesired = true

			r, _, err := client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = err
				continue
			}
			if r.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("%s: %s", dns.TypeToString[qtype], dns.RcodeToString[r.Rcode])
				continue
			}
			for _, ans := range r.Answer {
				switch rr := ans.(type) {
				case *dns.A:
					if ip, ok := netip.AddrFromSlice(rr.A); ok {
						return ip.Unmap(), nil
					}
				case *dns.AAAA:
					if ip, ok := netip.AddrFromSlice(rr.AAAA); ok {
						return ip, nil
					}
				}
			}
		}
		return netip.Addr{}, lastErr
	}
}
