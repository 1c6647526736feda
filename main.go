package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/agentx/internal/config"
	"github.com/die-net/agentx/internal/console"
	"github.com/die-net/agentx/internal/dialer"
	"github.com/die-net/agentx/internal/dnscache"
	"github.com/die-net/agentx/internal/mapper"
	"github.com/die-net/agentx/internal/proxy"
	"github.com/die-net/agentx/internal/resolver"
	"github.com/die-net/agentx/internal/sockopt"
	"github.com/die-net/agentx/internal/traffic"
	"github.com/die-net/agentx/internal/wrapper"
)

var version = "dev"

type globalOptions struct {
	configPath  string
	debugListen string
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "agentx",
		Short:         "SOCKS5 proxy tunnelled through an obfuscated stream",
		Version:       version,
		SilenceUsage:  true,
		PersistentPreRun: func(*cobra.Command, []string) {
			configureLogging(opts.verbose)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML or JSON settings file. Empty uses the defaults.")
	pf.StringVar(&opts.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newClientCmd(opts), newServerCmd(opts))
	return root
}

func configureLogging(verbose bool) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func newClientCmd(opts *globalOptions) *cobra.Command {
	flagCfg := config.DefaultClient()

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the local SOCKS5 end of the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient(opts.configPath)
			if err != nil {
				return err
			}
			if err := overlayFlags(cmd.Flags(), func(fs *pflag.FlagSet) { clientFlags(fs, &cfg) }); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runClient(cmd.Context(), opts, cfg)
		},
	}
	clientFlags(cmd.Flags(), &flagCfg)
	cmd.Flags().SortFlags = false
	return cmd
}

func newServerCmd(opts *globalOptions) *cobra.Command {
	flagCfg := config.DefaultServer()

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the remote end of the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(opts.configPath)
			if err != nil {
				return err
			}
			if err := overlayFlags(cmd.Flags(), func(fs *pflag.FlagSet) { serverFlags(fs, &cfg) }); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), opts, cfg)
		},
	}
	serverFlags(cmd.Flags(), &flagCfg)
	cmd.Flags().SortFlags = false
	return cmd
}

func tunnelFlags(fs *pflag.FlagSet, t *config.Tunnel) {
	fs.StringVar(&t.Protocol, "protocol", t.Protocol, "Request encoding: shadowsocks | fakedhttp")
	fs.StringVar(&t.Encryption, "encryption", t.Encryption, "Cipher: aes-{128,192,256}-{cfb,ofb} | bf-cfb")
	fs.StringVar(&t.Password, "password", t.Password, "Shared secret the cipher key is derived from")
	fs.StringSliceVar(&t.Process, "process", t.Process, "Transform chain, first applied first: raw, encrypt, compress, snappy, zero-padding, random-padding")
	fs.DurationVar(&t.DialTimeout, "dial-timeout", t.DialTimeout, "Timeout for outbound DNS lookup and TCP connect")
	fs.DurationVar(&t.NegotiationTimeout, "negotiation-timeout", t.NegotiationTimeout, "Timeout for protocol negotiation to set up connection")
	fs.StringVar(&t.TCPKeepAlive, "tcp-keepalive", t.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
}

func clientFlags(fs *pflag.FlagSet, c *config.Client) {
	fs.StringVar(&c.LocalHost, "local-host", c.LocalHost, "SOCKS5 listen host")
	fs.Uint16Var(&c.LocalPort, "local-port", c.LocalPort, "SOCKS5 listen port")
	fs.StringVar(&c.Mode, "mode", c.Mode, "agentx tunnels requests, socks5 relays them directly")
	fs.StringVar(&c.ServerHost, "server-host", c.ServerHost, "Tunnel server host")
	fs.Var(&portsValue{&c.ServerPort}, "server-port", "Tunnel server ports, comma separated; one is picked per connection")
	tunnelFlags(fs, &c.Tunnel)
	fs.StringVar(&c.ConsoleDomain, "console-domain", c.ConsoleDomain, "Domain answered by the local console. Empty disables the console.")
	fs.Uint16Var(&c.ConsolePort, "console-port", c.ConsolePort, "Local console port; 0 picks an idle port")
}

func serverFlags(fs *pflag.FlagSet, s *config.Server) {
	fs.StringVar(&s.Host, "host", s.Host, "Tunnel listen host")
	fs.Uint16Var(&s.Port, "port", s.Port, "Tunnel listen port")
	fs.Var(&portsValue{&s.RelayPort}, "relay-port", "Extra ports forwarded to the tunnel port, comma separated")
	tunnelFlags(fs, &s.Tunnel)
	fs.IntVar(&s.DNSCacheCapacity, "dns-cache-capacity", s.DNSCacheCapacity, "Cached target domains; 0 disables the cache")
	fs.StringVar(&s.DNSServer, "dns-server", s.DNSServer, "DNS server host:port. Empty uses the system resolver.")
	fs.IntVar(&s.ReadLimit, "read-limit", s.ReadLimit, "Tunnel read limit in bytes per second; 0 is unlimited")
	fs.IntVar(&s.WriteLimit, "write-limit", s.WriteLimit, "Tunnel write limit in bytes per second; 0 is unlimited")
	fs.Uint16Var(&s.ConsolePort, "console-port", s.ConsolePort, "Local console port; 0 disables the console")
}

// overlayFlags copies the flags set on the command line onto the
// configuration bind attaches to a fresh flag set, so explicit flags win
// over the settings file.
func overlayFlags(from *pflag.FlagSet, bind func(*pflag.FlagSet)) error {
	to := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	bind(to)

	var err error
	from.Visit(func(f *pflag.Flag) {
		dst := to.Lookup(f.Name)
		if err != nil || dst == nil {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			if dv, ok := dst.Value.(pflag.SliceValue); ok {
				err = dv.Replace(sv.GetSlice())
				return
			}
		}
		err = to.Set(f.Name, f.Value.String())
	})
	if err != nil {
		return fmt.Errorf("apply flags: %w", err)
	}
	return nil
}

// portsValue is a pflag.Value for a comma separated port list.
type portsValue struct {
	p *config.Ports
}

func (v *portsValue) String() string {
	if v.p == nil {
		return ""
	}
	s := make([]string, len(*v.p))
	for i, port := range *v.p {
		s[i] = strconv.Itoa(int(port))
	}
	return strings.Join(s, ",")
}

func (v *portsValue) Set(s string) error {
	var ports config.Ports
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		n, err := strconv.ParseUint(f, 10, 16)
		if err != nil || n == 0 {
			return fmt.Errorf("invalid port %q", f)
		}
		ports = append(ports, uint16(n))
	}
	*v.p = ports
	return nil
}

func (*portsValue) Type() string { return "ports" }

type stack struct {
	ka       net.KeepAliveConfig
	resolver resolver.Resolver
	wrappers *wrapper.Factory
	dialCfg  dialer.Config
}

func newStack(t config.Tunnel) (stack, error) {
	ka, err := parseTCPKeepAlive(t.TCPKeepAlive)
	if err != nil {
		return stack{}, fmt.Errorf("invalid tcpKeepAlive: %w", err)
	}
	res, err := resolver.New(t.Protocol)
	if err != nil {
		return stack{}, err
	}
	wrappers, err := wrapper.NewFactory(t.Encryption, t.Password, t.Process)
	if err != nil {
		return stack{}, err
	}
	return stack{
		ka:       ka,
		resolver: res,
		wrappers: wrappers,
		dialCfg:  dialer.Config{DialTimeout: t.DialTimeout, KeepAlive: ka},
	}, nil
}

// serve runs s.Serve on ln in g. Accept errors after ctx is done are the
// listener being closed for shutdown.
func serve(ctx context.Context, g *errgroup.Group, name string, ln net.Listener, s interface{ Serve(net.Listener) error }) {
	context.AfterFunc(ctx, func() { _ = ln.Close() })
	g.Go(func() error {
		if err := s.Serve(ln); err != nil && ctx.Err() == nil {
			return fmt.Errorf("%s serve: %w", name, err)
		}
		return nil
	})
	log.Info().Str("addr", ln.Addr().String()).Msgf("%s listening", name)
}

func startDebug(ctx context.Context, g *errgroup.Group, address string, ka net.KeepAliveConfig) error {
	if address == "" {
		return nil
	}
	debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
	lc := net.ListenConfig{KeepAliveConfig: ka}
	debugLn, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("debug listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = debugSrv.Close()
		_ = debugLn.Close()
	})

	g.Go(func() error {
		if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("debug serve: %w", err)
		}
		return nil
	})
	log.Info().Str("addr", address).Msg("debug listening")
	return nil
}

func runClient(parent context.Context, opts *globalOptions, cfg config.Client) error {
	st, err := newStack(cfg.Tunnel)
	if err != nil {
		return err
	}
	tunnel, err := dialer.NewTunnelDialer(st.dialCfg, cfg.ServerHost, cfg.ServerPort)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	g, ctx := errgroup.WithContext(parent)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startDebug(ctx, g, opts.debugListen, st.ka); err != nil {
		return err
	}

	meter := traffic.NewMeter(0, 0)
	g.Go(func() error {
		meter.Run(ctx)
		return nil
	})

	pcfg := proxy.ClientConfig{
		Config: proxy.Config{
			NegotiationTimeout: cfg.NegotiationTimeout,
			Resolver:           st.resolver,
			Wrappers:           st.wrappers,
			Mapper:             mapper.New(),
			Meter:              meter,
		},
		Mode:   cfg.Mode,
		Direct: dialer.NewDirectDialer(st.dialCfg),
		Tunnel: tunnel,
	}

	if cfg.ConsoleDomain != "" {
		cln, err := console.Listen(ctx, cfg.ConsolePort)
		if err != nil {
			return err
		}
		pcfg.ConsoleDomain = cfg.ConsoleDomain
		pcfg.ConsoleAddr = cln.Addr().String()
		h := console.NewHandler(console.Options{Version: version, Meter: meter})
		g.Go(func() error { return console.Serve(ctx, cln, h) })
	}

	ln, err := proxy.ListenTCP(ctx, net.JoinHostPort(cfg.LocalHost, strconv.Itoa(int(cfg.LocalPort))), st.ka)
	if err != nil {
		return fmt.Errorf("socks5 listen: %w", err)
	}
	serve(ctx, g, "socks5", ln, proxy.NewClient(ctx, pcfg))
	log.Info().
		Str("mode", cfg.Mode).
		Str("server", cfg.ServerHost).
		Str("protocol", cfg.Protocol).
		Str("process", st.wrappers.String()).
		Bool("udp_sockopt", sockopt.IsSupported).
		Msg("client started")

	err = g.Wait()
	log.Info().Msg("shutting down")
	return err
}

func runServer(parent context.Context, opts *globalOptions, cfg config.Server) error {
	st, err := newStack(cfg.Tunnel)
	if err != nil {
		return err
	}
	dns, err := dnscache.New(dnscache.Config{
		Capacity: cfg.DNSCacheCapacity,
		Server:   cfg.DNSServer,
		Timeout:  cfg.DialTimeout,
	})
	if err != nil {
		return err
	}
	direct := dialer.NewDirectDialer(st.dialCfg)

	if parent == nil {
		parent = context.Background()
	}
	g, ctx := errgroup.WithContext(parent)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startDebug(ctx, g, opts.debugListen, st.ka); err != nil {
		return err
	}

	meter := traffic.NewMeter(cfg.ReadLimit, cfg.WriteLimit)
	g.Go(func() error {
		meter.Run(ctx)
		return nil
	})

	ln, err := proxy.ListenTCP(ctx, net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port))), st.ka)
	if err != nil {
		return fmt.Errorf("tunnel listen: %w", err)
	}
	srv := proxy.NewServer(ctx, proxy.ServerConfig{
		Config: proxy.Config{
			NegotiationTimeout: cfg.NegotiationTimeout,
			Resolver:           st.resolver,
			Wrappers:           st.wrappers,
			Mapper:             mapper.New(),
			Meter:              meter,
		},
		Dialer: direct,
		DNS:    dns,
	})
	serve(ctx, g, "tunnel", ln, srv)

	target := loopbackAddr(ln.Addr())
	for _, p := range cfg.RelayPort {
		rln, err := proxy.ListenTCP(ctx, net.JoinHostPort(cfg.Host, strconv.Itoa(int(p))), st.ka)
		if err != nil {
			return fmt.Errorf("relay listen: %w", err)
		}
		serve(ctx, g, "relay port", rln, proxy.NewPortForwarder(ctx, target, direct))
	}

	if cfg.ConsolePort != 0 {
		cln, err := console.Listen(ctx, cfg.ConsolePort)
		if err != nil {
			return err
		}
		h := console.NewHandler(console.Options{Version: version, Meter: meter, DNS: dns})
		g.Go(func() error { return console.Serve(ctx, cln, h) })
	}

	log.Info().
		Str("protocol", cfg.Protocol).
		Str("process", st.wrappers.String()).
		Int("dns_cache", dns.Capacity()).
		Int("read_limit", cfg.ReadLimit).
		Int("write_limit", cfg.WriteLimit).
		Msg("server started")

	err = g.Wait()
	log.Info().Msg("shutting down")
	return err
}

// loopbackAddr returns a dialable form of a listener address, replacing an
// unspecified host with the matching loopback address.
func loopbackAddr(a net.Addr) string {
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return a.String()
	}
	ip := ap.Addr()
	if ip.IsUnspecified() {
		ip = netip.MustParseAddr("127.0.0.1")
		if ap.Addr().Is6() && !ap.Addr().Is4In6() {
			ip = netip.IPv6Loopback()
		}
	}
	return netip.AddrPortFrom(ip, ap.Port()).String()
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
