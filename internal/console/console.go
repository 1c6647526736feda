// Package console serves the local status pages of a running client or
// server.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog/log"

	"github.com/die-net/agentx/internal/dnscache"
	"github.com/die-net/agentx/internal/traffic"
)

const welcome = `<!DOCTYPE html>
<html lang="en"><head><meta charset="UTF-8"><title>AgentX Console</title></head>
<body><h1>Welcome!</h1><p>AgentX %s</p><ul>
<li><a href="/version">version</a></li>
<li><a href="/traffic">traffic</a></li>
%s</ul></body></html>
`

type Options struct {
	Version string

	// Meter backs /traffic; nil reports zeros.
	Meter *traffic.Meter

	// DNS backs /dns and /dns/flush, which are only served when it is set.
	DNS *dnscache.Cache
}

// NewHandler returns the console's routes.
func NewHandler(o Options) http.Handler {
	mux := http.NewServeMux()

	dnsLink := ""
	if o.DNS != nil {
		dnsLink = `<li><a href="/dns">dns cache</a></li>`
		mux.HandleFunc("GET /dns", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = fmt.Fprintln(w, RenderDNSTable(o.DNS))
		})
		mux.HandleFunc("POST /dns/flush", func(w http.ResponseWriter, _ *http.Request) {
			n := o.DNS.Len()
			o.DNS.Flush()
			log.Info().Int("entries", n).Msg("dns cache flushed")
			w.WriteHeader(http.StatusNoContent)
		})
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, welcome, o.Version, dnsLink)
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintln(w, o.Version)
	})
	mux.HandleFunc("GET /traffic", func(w http.ResponseWriter, _ *http.Request) {
		var s traffic.Snapshot
		if o.Meter != nil {
			s = o.Meter.Snapshot()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s)
	})

	return mux
}

// RenderDNSTable lists the cached entries, most recently used first.
func RenderDNSTable(c *dnscache.Cache) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle("DNS cache %d/%d", c.Len(), c.Capacity())
	t.AppendHeader(table.Row{"#", "Domain", "Address"})

	entries := c.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		t.AppendRow(table.Row{len(entries) - i, entries[i].Domain, entries[i].Addr.String()})
	}
	return t.Render()
}

// Listen opens the console's listener on the loopback interface. Port 0
// picks an idle port.
func Listen(ctx context.Context, port uint16) (net.Listener, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("console listen: %w", err)
	}
	return ln, nil
}

// Serve serves h on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	context.AfterFunc(ctx, func() { _ = srv.Close() })

	log.Info().Str("addr", ln.Addr().String()).Msg("console listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("console serve: %w", err)
	}
	return nil
}
