// Package probe discovers the public exit IP seen through a proxy endpoint.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/singleflight"
)

type Method string

const (
	MethodSOCKS5 Method = "socks5"
	MethodHTTP   Method = "http"
)

// Result is the outcome of probing one endpoint.
type Result struct {
	Endpoint string        `json:"endpoint"`
	IP       netip.Addr    `json:"ip,omitzero"`
	Via      Method        `json:"via,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Err      error         `json:"-"`
}

func (r Result) OK() bool { return r.Err == nil && r.IP.IsValid() }

// Prober probes endpoints through SOCKS5 and HTTP. Each endpoint is probed
// at most once per Prober; concurrent callers share the in-flight probe.
type Prober struct {
	url     string
	timeout time.Duration
	log     zerolog.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]Result
}

type Option func(*Prober)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Prober) { p.log = l }
}

func New(probeURL string, timeout time.Duration, opts ...Option) *Prober {
	p := &Prober{
		url:     probeURL,
		timeout: timeout,
		log:     zerolog.Nop(),
		cache:   make(map[string]Result),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe returns the exit IP seen through endpoint (host:port). prefer picks
// the protocol tried first; the other is tried if it fails. The whole probe
// is bounded by the Prober's timeout.
func (p *Prober) Probe(ctx context.Context, endpoint string, prefer Method) Result {
	p.mu.Lock()
	if r, ok := p.cache[endpoint]; ok {
		p.mu.Unlock()
		return r
	}
	p.mu.Unlock()

	v, _, _ := p.group.Do(endpoint, func() (any, error) {
		r := p.probe(ctx, endpoint, prefer)
		p.mu.Lock()
		p.cache[endpoint] = r
		p.mu.Unlock()
		return r, nil
	})
	return v.(Result)
}

func (p *Prober) probe(ctx context.Context, endpoint string, prefer Method) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	order := []Method{MethodSOCKS5, MethodHTTP}
	if prefer == MethodHTTP {
		order = []Method{MethodHTTP, MethodSOCKS5}
	}

	var errs []error
	for i, m := range order {
		attemptCtx := ctx
		if i == 0 {
			// leave time for the fallback: a proxy that does not speak the
			// first protocol may simply hang
			var cancelAttempt context.CancelFunc
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, p.timeout/2)
			defer cancelAttempt()
		}
		ip, err := p.fetch(attemptCtx, endpoint, m)
		if err == nil {
			p.log.Debug().Str("endpoint", endpoint).Str("via", string(m)).Str("ip", ip.String()).Msg("exit ip")
			return Result{Endpoint: endpoint, IP: ip, Via: m, Elapsed: time.Since(start)}
		}
		errs = append(errs, fmt.Errorf("%s: %w", m, err))
		if ctx.Err() != nil {
			break
		}
	}

	err := errors.Join(errs...)
	p.log.Debug().Err(err).Str("endpoint", endpoint).Msg("exit ip probe failed")
	return Result{Endpoint: endpoint, Elapsed: time.Since(start), Err: err}
}

func (p *Prober) fetch(ctx context.Context, endpoint string, m Method) (netip.Addr, error) {
	dialer := &net.Dialer{Timeout: p.timeout}
	transport := &http.Transport{
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: p.timeout,
	}

	switch m {
	case MethodSOCKS5:
		d, err := proxy.SOCKS5("tcp", endpoint, nil, dialer)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return netip.Addr{}, errors.New("SOCKS5 dialer is not context aware")
		}
		transport.DialContext = cd.DialContext
	case MethodHTTP:
		proxyURL, err := url.Parse("http://" + endpoint)
		if err != nil {
			return netip.Addr{}, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		transport.DialContext = dialer.DialContext
	default:
		return netip.Addr{}, fmt.Errorf("unknown probe method %q", m)
	}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return netip.Addr{}, err
	}
	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return netip.Addr{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return netip.Addr{}, err
	}
	return ParseIPResponse(body)
}

// ParseIPResponse accepts {"ip": "..."} (ipify and compatible services) or
// a bare address.
func ParseIPResponse(body []byte) (netip.Addr, error) {
	var payload struct {
		IP string `json:"ip"`
	}
	text := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.IP != "" {
		text = payload.IP
	}
	addr, err := netip.ParseAddr(text)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("unexpected probe response %q", truncate(text, 64))
	}
	return addr.Unmap(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
