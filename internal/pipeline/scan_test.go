package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxy-audit/proxy-audit/internal/geoip"
	"github.com/proxy-audit/proxy-audit/internal/probe"
	"github.com/proxy-audit/proxy-audit/internal/proc"
	"github.com/proxy-audit/proxy-audit/internal/rules"
	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// inet_diag TCP states
const (
	stateEstablished = 1
	stateListen      = 10
)

func diagTCP(fd int, local, remote string, state byte) model.Descriptor {
	b := make([]byte, 72)
	b[0] = 2
	b[1] = state
	l := netip.MustParseAddrPort(local)
	r := netip.MustParseAddrPort(remote)
	binary.BigEndian.PutUint16(b[4:], l.Port())
	binary.BigEndian.PutUint16(b[6:], r.Port())
	a4 := l.Addr().As4()
	copy(b[8:], a4[:])
	a4 = r.Addr().As4()
	copy(b[24:], a4[:])
	return model.Descriptor{FD: fd, Kind: model.DescriptorSocket, Layout: model.LayoutInetDiag, Protocol: model.ProtocolTCP, Raw: b}
}

type fakeSource struct {
	procs    []model.ProcessInfo
	descs    map[int][]model.Descriptor
	errs     map[int]error
	listErr  error
	prepared atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeSource) ListProcesses(context.Context) ([]model.ProcessInfo, error) {
	return f.procs, f.listErr
}

func (f *fakeSource) Descriptors(ctx context.Context, pid int) ([]model.Descriptor, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.errs[pid]; err != nil {
		return nil, err
	}
	return f.descs[pid], nil
}

func (f *fakeSource) Prepare(context.Context) error {
	f.prepared.Add(1)
	return nil
}

type fakeResolver struct {
	cfg   model.SystemProxyConfig
	calls atomic.Int32
}

func (r *fakeResolver) Resolve(context.Context) model.SystemProxyConfig {
	r.calls.Add(1)
	return r.cfg
}

type fakeProber struct {
	mu    sync.Mutex
	calls map[string]probe.Method
	ips   map[string]string
}

func (p *fakeProber) Probe(_ context.Context, endpoint string, prefer probe.Method) probe.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]probe.Method)
	}
	p.calls[endpoint] = prefer
	ip, ok := p.ips[endpoint]
	if !ok {
		return probe.Result{Endpoint: endpoint, Err: errors.New("refused")}
	}
	return probe.Result{Endpoint: endpoint, IP: netip.MustParseAddr(ip), Via: prefer}
}

type fakeGeo map[string]string

func (g fakeGeo) Country(addr netip.Addr) (geoip.Country, error) {
	if code, ok := g[addr.String()]; ok {
		return geoip.Country{ISOCode: code}, nil
	}
	return geoip.Country{}, geoip.ErrNotFound
}

func proxyConfig() model.SystemProxyConfig {
	return model.SystemProxyConfig{
		HTTP: &model.ProxyEntry{
			Kind:  model.ProxyHTTP,
			Host:  "127.0.0.1",
			Port:  7890,
			Addrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")},
		},
		DefaultInterface: "en0",
	}
}

func scenario() *fakeSource {
	return &fakeSource{
		procs: []model.ProcessInfo{
			{PID: 300, Name: "curl"},
			{PID: 100, Name: "Chrome"},
			{PID: 200, Name: "clash"},
			{PID: 400, Name: "ssh"},
			{PID: 500, Name: "launchd"},
			{PID: 600, Name: "gone"},
		},
		descs: map[int][]model.Descriptor{
			100: {diagTCP(3, "127.0.0.1:50000", "127.0.0.1:7890", stateEstablished)},
			200: {
				diagTCP(4, "127.0.0.1:7890", "0.0.0.0:0", stateListen),
				diagTCP(5, "127.0.0.1:1080", "0.0.0.0:0", stateListen),
				diagTCP(6, "10.0.0.2:50001", "93.184.216.34:443", stateEstablished),
				{FD: 7, Kind: model.DescriptorSocket, Layout: model.LayoutInetDiag, Protocol: model.ProtocolTCP, Raw: []byte{2, 1}},
			},
			300: {diagTCP(3, "127.0.0.1:50002", "127.0.0.1:1080", stateEstablished)},
			400: {diagTCP(3, "10.0.0.2:50003", "1.1.1.1:22", stateEstablished)},
		},
		errs: map[int]error{
			500: proc.ErrInaccessible,
			600: proc.ErrGone,
		},
	}
}

func TestScanClassifiesAndOrders(t *testing.T) {
	src := scenario()
	res := &fakeResolver{cfg: proxyConfig()}
	s := NewScanner(src, res)

	report, err := s.Scan(context.Background(), Options{Workers: 3, All: true})
	require.NoError(t, err)

	assert.NotEmpty(t, report.ScanID)
	assert.Equal(t, int32(1), res.calls.Load())
	assert.Equal(t, int32(1), src.prepared.Load())
	assert.Equal(t, 5, report.Scanned)

	var pids []int
	modes := make(map[string]model.Mode)
	for _, r := range report.Results {
		pids = append(pids, r.PID)
		modes[r.Name] = r.Mode
	}
	assert.Equal(t, []int{100, 200, 300, 400, 500}, pids)
	assert.Equal(t, model.ModeSystemProxy, modes["Chrome"])
	assert.Equal(t, model.ModeLocalProxy, modes["curl"])
	assert.Equal(t, model.ModeDirect, modes["ssh"])
	assert.Equal(t, model.ModeDirect, modes["clash"])
	assert.Equal(t, model.ModeDirect, modes["launchd"])

	chrome := report.Results[0]
	assert.Equal(t, "127.0.0.1:7890", chrome.Detail)
	require.NotNil(t, chrome.ProxyOwner)
	assert.Equal(t, "clash", chrome.ProxyOwner.Name)
	assert.Equal(t, "clash", report.Results[2].Detail)
	assert.True(t, report.Results[4].Inaccessible)

	assert.Equal(t, 1, report.Summary[model.ModeSystemProxy])
	assert.Equal(t, 1, report.Summary[model.ModeLocalProxy])
	assert.Equal(t, 2, report.Summary[model.ModeDirect])
	assert.Equal(t, 1, report.Inaccessible)
	assert.Len(t, report.Warnings, 2)
	assert.Len(t, report.Processes[200].Sockets, 3)
	assert.Equal(t, 1, report.Processes[200].DecodeFailures)
}

func TestScanOnlyRoutedByDefault(t *testing.T) {
	s := NewScanner(scenario(), &fakeResolver{cfg: proxyConfig()})
	report, err := s.Scan(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "Chrome", report.Results[0].Name)
	assert.Equal(t, "curl", report.Results[1].Name)
	assert.Equal(t, 5, report.Scanned)
}

func TestScanExplicitPIDIgnoresRoutedFilter(t *testing.T) {
	s := NewScanner(scenario(), &fakeResolver{})
	report, err := s.Scan(context.Background(), Options{PID: 400})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, model.ModeDirect, report.Results[0].Mode)

	_, err = s.Scan(context.Background(), Options{PID: 9999})
	assert.ErrorIs(t, err, ErrProcessNotFound)
}

func TestScanFilterGlob(t *testing.T) {
	s := NewScanner(scenario(), &fakeResolver{cfg: proxyConfig()})
	report, err := s.Scan(context.Background(), Options{All: true, Filter: "C*"})
	require.NoError(t, err)
	var names []string
	for _, r := range report.Results {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"Chrome", "clash", "curl"}, names)
}

func TestScanVPNProbesFirstSystemProxy(t *testing.T) {
	src := scenario()
	cfg := model.SystemProxyConfig{
		SOCKS: &model.ProxyEntry{
			Kind:  model.ProxySOCKS,
			Host:  "127.0.0.1",
			Port:  7891,
			Addrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")},
		},
		DefaultInterface: "utun5",
		Tunnel:           true,
	}
	prober := &fakeProber{ips: map[string]string{"127.0.0.1:7891": "203.0.113.9"}}
	s := NewScanner(src, &fakeResolver{cfg: cfg},
		WithProber(prober),
		WithGeoIP(fakeGeo{"203.0.113.9": "JP", "1.1.1.1": "AU"}))

	report, err := s.Scan(context.Background(), Options{Probe: true, PID: 400})
	require.NoError(t, err)
	r := report.Results[0]
	assert.Equal(t, model.ModeVPNLikely, r.Mode)
	assert.Equal(t, model.TransparentMarker, r.Detail)
	assert.Equal(t, "203.0.113.9", r.ExitIP)
	assert.Equal(t, "JP", r.Region)
	assert.Equal(t, probe.MethodSOCKS5, prober.calls["127.0.0.1:7891"])
}

func TestScanProbeAndRegion(t *testing.T) {
	prober := &fakeProber{ips: map[string]string{"127.0.0.1:7890": "198.51.100.7"}}
	s := NewScanner(scenario(), &fakeResolver{cfg: proxyConfig()}, WithProber(prober))

	report, err := s.Scan(context.Background(), Options{Probe: true})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	chrome, curl := report.Results[0], report.Results[1]
	assert.Equal(t, "198.51.100.7", chrome.ExitIP)
	// no database, no region
	assert.Empty(t, chrome.Region)
	assert.Equal(t, probe.MethodHTTP, prober.calls["127.0.0.1:7890"])

	assert.True(t, curl.ProbeFailed)
	assert.Empty(t, curl.Region)
	assert.Equal(t, probe.MethodSOCKS5, prober.calls["127.0.0.1:1080"])
}

func TestScanWithoutProbeUsesRemoteForRegion(t *testing.T) {
	s := NewScanner(scenario(), &fakeResolver{cfg: model.SystemProxyConfig{Tunnel: true}},
		WithGeoIP(fakeGeo{"1.1.1.1": "AU"}),
		WithProber(&fakeProber{}))
	report, err := s.Scan(context.Background(), Options{PID: 400})
	require.NoError(t, err)
	r := report.Results[0]
	assert.Equal(t, model.ModeVPNLikely, r.Mode)
	assert.Equal(t, "AU", r.Region)
	assert.False(t, r.ProbeFailed)
}

func TestScanAttachesPolicies(t *testing.T) {
	st, _ := rules.State{}.Assign("Chrome", model.PolicyProxy)
	s := NewScanner(scenario(), &fakeResolver{cfg: proxyConfig()}, WithPolicies(st))
	report, err := s.Scan(context.Background(), Options{All: true})
	require.NoError(t, err)
	for _, r := range report.Results {
		if r.Name == "Chrome" {
			assert.Equal(t, model.PolicyProxy, r.Policy)
		} else {
			assert.Empty(t, r.Policy)
		}
	}
}

func TestScanBoundsWorkers(t *testing.T) {
	src := scenario()
	src.delay = 10 * time.Millisecond
	s := NewScanner(src, &fakeResolver{})
	_, err := s.Scan(context.Background(), Options{Workers: 2, All: true})
	require.NoError(t, err)
	assert.LessOrEqual(t, src.peak.Load(), int32(2))
}

func TestScanCancelled(t *testing.T) {
	src := scenario()
	src.delay = time.Second
	s := NewScanner(src, &fakeResolver{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Scan(ctx, Options{Workers: 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScanListFailure(t *testing.T) {
	src := scenario()
	src.listErr = errors.New("boom")
	_, err := NewScanner(src, &fakeResolver{}).Scan(context.Background(), Options{})
	assert.ErrorContains(t, err, "list processes")
}
