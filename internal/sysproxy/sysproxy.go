// Package sysproxy resolves the system proxy configuration and the default
// route interface into a model.SystemProxyConfig.
package sysproxy

import (
	"context"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// Settings keys, named after the SCNetworkConfiguration proxy dictionary.
const (
	KeyHTTPEnable  = "HTTPEnable"
	KeyHTTPProxy   = "HTTPProxy"
	KeyHTTPPort    = "HTTPPort"
	KeyHTTPSEnable = "HTTPSEnable"
	KeyHTTPSProxy  = "HTTPSProxy"
	KeyHTTPSPort   = "HTTPSPort"
	KeySOCKSEnable = "SOCKSEnable"
	KeySOCKSProxy  = "SOCKSProxy"
	KeySOCKSPort   = "SOCKSPort"
	KeyPACEnable   = "ProxyAutoConfigEnable"
	KeyPACURL      = "ProxyAutoConfigURLString"
)

// Querier reads the raw network configuration from the OS.
type Querier interface {
	// ProxySettings returns the proxy dictionary as flat key/value pairs.
	ProxySettings(ctx context.Context) (map[string]string, error)
	// DefaultInterface returns the interface of the default route.
	DefaultInterface(ctx context.Context) (string, error)
}

// LookupFunc resolves a proxy host name.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

type Resolver struct {
	q             Querier
	lookup        LookupFunc
	lookupTimeout time.Duration
	log           zerolog.Logger
}

type Option func(*Resolver)

func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

func NewResolver(q Querier, opts ...Option) *Resolver {
	r := &Resolver{
		q:             q,
		lookup:        lookupNetIP,
		lookupTimeout: 2 * time.Second,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func lookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// Resolve queries the OS once and builds the configuration. It never fails:
// anything that cannot be read is left absent.
func (r *Resolver) Resolve(ctx context.Context) model.SystemProxyConfig {
	var cfg model.SystemProxyConfig

	settings, err := r.q.ProxySettings(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("proxy settings unavailable; treating all proxies as disabled")
	} else {
		cfg.HTTP = r.entry(ctx, settings, model.ProxyHTTP, KeyHTTPEnable, KeyHTTPProxy, KeyHTTPPort)
		cfg.HTTPS = r.entry(ctx, settings, model.ProxyHTTPS, KeyHTTPSEnable, KeyHTTPSProxy, KeyHTTPSPort)
		cfg.SOCKS = r.entry(ctx, settings, model.ProxySOCKS, KeySOCKSEnable, KeySOCKSProxy, KeySOCKSPort)
		cfg.PACURL = strings.TrimSpace(settings[KeyPACURL])
	}

	// resolved independently: a tunnel can be up while proxies are configured
	iface, err := r.q.DefaultInterface(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("default route unavailable")
	}
	cfg.DefaultInterface = strings.TrimSpace(iface)
	cfg.Tunnel = IsTunnelInterface(cfg.DefaultInterface)

	return cfg
}

func (r *Resolver) entry(ctx context.Context, settings map[string]string, kind model.ProxyKind, enableKey, hostKey, portKey string) *model.ProxyEntry {
	if strings.TrimSpace(settings[enableKey]) != "1" {
		return nil
	}
	e := &model.ProxyEntry{
		Kind: kind,
		Host: strings.TrimSpace(settings[hostKey]),
	}
	if port, err := strconv.ParseUint(strings.TrimSpace(settings[portKey]), 10, 16); err == nil {
		e.Port = uint16(port)
	}
	if e.Host == "" {
		// enabled but empty: present, never matches
		return e
	}
	e.Addrs = r.resolveHost(ctx, e.Host)
	return e
}

func (r *Resolver) resolveHost(ctx context.Context, host string) []netip.Addr {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return []netip.Addr{addr.Unmap()}
	}

	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()
	addrs, err := r.lookup(ctx, host)
	if err != nil {
		r.log.Debug().Err(err).Str("host", host).Msg("proxy host did not resolve")
		return nil
	}

	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		a = a.Unmap()
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

// tunnelPrefixes are interface name prefixes used by VPN and tunnel drivers:
// utun/ipsec/ppp on Darwin, tun/tap/wg and vendor drivers on Linux.
var tunnelPrefixes = []string{
	"utun", "ipsec", "ppp", "tun", "tap", "wg", "tailscale", "nordlynx", "zt",
}

// IsTunnelInterface reports whether name follows a virtual tunnel
// interface naming convention.
func IsTunnelInterface(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	for _, p := range tunnelPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
