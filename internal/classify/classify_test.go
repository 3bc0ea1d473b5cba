package classify

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

func tcp(local, remote string, state model.TCPState) model.SocketRecord {
	s := model.SocketRecord{Protocol: model.ProtocolTCP, Family: model.FamilyIPv4, State: state}
	if local != "" {
		s.Local = netip.MustParseAddrPort(local)
	}
	if remote != "" {
		s.Remote = netip.MustParseAddrPort(remote)
	}
	return s
}

func established(remote string) model.SocketRecord {
	return tcp("192.168.1.20:50000", remote, model.TCPStateEstablished)
}

func listen(local string) model.SocketRecord {
	return tcp(local, "", model.TCPStateListen)
}

func proc(pid int, name string, sockets ...model.SocketRecord) model.ProcessRecord {
	return model.ProcessRecord{PID: pid, Name: name, Sockets: sockets}
}

func httpProxy(hostport string) *model.ProxyEntry {
	ap := netip.MustParseAddrPort(hostport)
	return &model.ProxyEntry{
		Kind:  model.ProxyHTTP,
		Host:  ap.Addr().String(),
		Port:  ap.Port(),
		Addrs: []netip.Addr{ap.Addr()},
	}
}

func classifyAll(procs []model.ProcessRecord, cfg model.SystemProxyConfig) []model.ClassificationResult {
	c := Context{Proxy: cfg, Listeners: BuildListenIndex(procs)}
	out := make([]model.ClassificationResult, 0, len(procs))
	for _, p := range procs {
		out = append(out, Classify(p, c))
	}
	return out
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name string
		s    model.SocketRecord
		want bool
	}{
		{"established", established("1.1.1.1:443"), true},
		{"syn sent", tcp("", "1.1.1.1:443", model.TCPStateSynSent), true},
		{"close wait", tcp("", "1.1.1.1:443", model.TCPStateCloseWait), true},
		{"listen", listen("0.0.0.0:80"), false},
		{"time wait", tcp("", "1.1.1.1:443", model.TCPStateTimeWait), false},
		{"unknown state", tcp("", "1.1.1.1:443", model.TCPStateUnknown), false},
		{"no remote", tcp("10.0.0.1:5000", "", model.TCPStateEstablished), false},
		{"udp connected", model.SocketRecord{Protocol: model.ProtocolUDP, Remote: netip.MustParseAddrPort("8.8.8.8:53")}, true},
		{"udp unconnected", model.SocketRecord{Protocol: model.ProtocolUDP, Local: netip.MustParseAddrPort("0.0.0.0:5353")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eligible(tt.s))
		})
	}
}

func TestSystemProxyScenario(t *testing.T) {
	cfg := model.SystemProxyConfig{HTTP: httpProxy("127.0.0.1:7890"), DefaultInterface: "en0"}
	procs := []model.ProcessRecord{
		proc(100, "P", established("127.0.0.1:7890")),
		proc(200, "clash", listen("127.0.0.1:7890")),
	}

	res := classifyAll(procs, cfg)
	assert.Equal(t, model.ModeSystemProxy, res[0].Mode)
	assert.Equal(t, "127.0.0.1:7890", res[0].Detail)
	assert.Equal(t, model.ProxyHTTP, res[0].ProxyKind)
	require.NotNil(t, res[0].ProxyOwner)
	assert.Equal(t, model.ProxyOwner{PID: 200, Name: "clash"}, *res[0].ProxyOwner)
	assert.Equal(t, 1, res[0].Connections)

	assert.Equal(t, model.ModeDirect, res[1].Mode)
	assert.Empty(t, res[1].Detail)
}

func TestSystemProxyBeatsLocalProxy(t *testing.T) {
	cfg := model.SystemProxyConfig{HTTP: httpProxy("127.0.0.1:7890")}
	p := proc(1, "both",
		established("127.0.0.1:1080"),
		established("127.0.0.1:7890"),
	)

	res := Classify(p, Context{Proxy: cfg})
	assert.Equal(t, model.ModeSystemProxy, res.Mode)
	assert.Equal(t, "127.0.0.1:7890", res.Endpoint)
}

func TestSystemProxyDetailOrderHTTPFirst(t *testing.T) {
	socks := &model.ProxyEntry{Kind: model.ProxySOCKS, Host: "127.0.0.1", Port: 7890, Addrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")}}
	cfg := model.SystemProxyConfig{HTTP: httpProxy("127.0.0.1:7890"), SOCKS: socks}

	res := Classify(proc(1, "app", established("127.0.0.1:7890")), Context{Proxy: cfg})
	assert.Equal(t, model.ProxyHTTP, res.ProxyKind)
}

func TestVPNScenario(t *testing.T) {
	cfg := model.SystemProxyConfig{DefaultInterface: "utun5", Tunnel: true}

	res := Classify(proc(7, "Q", established("93.184.216.34:443")), Context{Proxy: cfg})
	assert.Equal(t, model.ModeVPNLikely, res.Mode)
	assert.Equal(t, model.TransparentMarker, res.Detail)
}

func TestVPNRequiresNonLoopbackRemote(t *testing.T) {
	cfg := model.SystemProxyConfig{DefaultInterface: "utun5", Tunnel: true}
	procs := []model.ProcessRecord{
		proc(1, "client", established("127.0.0.1:1080")),
		proc(2, "socksd", listen("127.0.0.1:1080")),
	}

	res := classifyAll(procs, cfg)
	assert.Equal(t, model.ModeLocalProxy, res[0].Mode)
	assert.Equal(t, "socksd", res[0].Detail)
}

func TestFakeIPIsVPNEvenOnPhysicalRoute(t *testing.T) {
	cfg := model.SystemProxyConfig{DefaultInterface: "en0"}

	res := Classify(proc(3, "curl", established("198.18.0.42:443")), Context{Proxy: cfg})
	assert.Equal(t, model.ModeVPNLikely, res.Mode)
	assert.Equal(t, model.TransparentMarker, res.Detail)

	res = Classify(proc(3, "curl", established("198.20.0.1:443")), Context{Proxy: cfg})
	assert.Equal(t, model.ModeDirect, res.Mode)
}

func TestLocalProxyScenario(t *testing.T) {
	procs := []model.ProcessRecord{
		proc(10, "R", established("127.0.0.1:1080")),
		proc(20, "S", listen("127.0.0.1:1080")),
	}

	res := classifyAll(procs, model.SystemProxyConfig{})
	assert.Equal(t, model.ModeLocalProxy, res[0].Mode)
	assert.Equal(t, "S", res[0].Detail)
	require.NotNil(t, res[0].ProxyOwner)
	assert.Equal(t, 20, res[0].ProxyOwner.PID)
}

func TestLocalProxyWithoutListenerUsesAddress(t *testing.T) {
	res := Classify(proc(10, "R", established("127.0.0.1:9999")), Context{})
	assert.Equal(t, model.ModeLocalProxy, res.Mode)
	assert.Equal(t, "127.0.0.1:9999", res.Detail)
	assert.Nil(t, res.ProxyOwner)
}

func TestLocalProxyIgnoresOwnListeningPort(t *testing.T) {
	p := proc(10, "selfie",
		listen("127.0.0.1:8080"),
		established("127.0.0.1:8080"),
	)

	res := Classify(p, Context{Listeners: BuildListenIndex([]model.ProcessRecord{p})})
	assert.Equal(t, model.ModeDirect, res.Mode)
}

func TestLocalProxyServerWithLoopbackClients(t *testing.T) {
	procs := []model.ProcessRecord{
		proc(10, "chrome", tcp("127.0.0.1:54321", "127.0.0.1:7890", model.TCPStateEstablished)),
		proc(20, "clash",
			listen("127.0.0.1:7890"),
			tcp("127.0.0.1:7890", "127.0.0.1:54321", model.TCPStateEstablished),
			established("1.1.1.1:443"),
		),
	}

	res := classifyAll(procs, model.SystemProxyConfig{DefaultInterface: "en0"})
	assert.Equal(t, model.ModeLocalProxy, res[0].Mode)
	assert.Equal(t, "clash", res[0].Detail)
	assert.Equal(t, model.ModeDirect, res[1].Mode)
	assert.Empty(t, res[1].Detail)
	assert.Equal(t, 2, res[1].Connections)
}

func TestRemoteSystemProxyHasNoLocalOwner(t *testing.T) {
	cfg := model.SystemProxyConfig{HTTP: httpProxy("10.0.0.5:8080"), DefaultInterface: "en0"}
	procs := []model.ProcessRecord{
		proc(10, "chrome", established("10.0.0.5:8080")),
		proc(20, "devserver", listen("0.0.0.0:8080")),
	}

	res := classifyAll(procs, cfg)
	assert.Equal(t, model.ModeSystemProxy, res[0].Mode)
	assert.Equal(t, "10.0.0.5:8080", res[0].Endpoint)
	assert.Nil(t, res[0].ProxyOwner)
}

func TestLocalProxyWildcardListener(t *testing.T) {
	procs := []model.ProcessRecord{
		proc(10, "R", established("127.0.0.1:1080")),
		proc(30, "any4", listen("0.0.0.0:1080")),
		proc(40, "v6only", tcp("[::1]:2080", "", model.TCPStateListen)),
		proc(50, "R6", tcp("[::1]:50000", "[::1]:2080", model.TCPStateEstablished)),
	}

	res := classifyAll(procs, model.SystemProxyConfig{})
	assert.Equal(t, "any4", res[0].Detail)
	assert.Equal(t, "v6only", res[3].Detail)
}

func TestDuplicateListenersLastSeenWins(t *testing.T) {
	// Two processes listening on the same loopback pair within one scan is
	// ambiguous; the index keeps the one later in pid order.
	procs := []model.ProcessRecord{
		proc(10, "R", established("127.0.0.1:1080")),
		proc(20, "first", listen("127.0.0.1:1080")),
		proc(30, "second", listen("127.0.0.1:1080")),
	}

	res := classifyAll(procs, model.SystemProxyConfig{})
	assert.Equal(t, "second", res[0].Detail)
}

func TestDirectAndSocketless(t *testing.T) {
	res := Classify(proc(5, "curl", established("1.1.1.1:443")), Context{})
	assert.Equal(t, model.ModeDirect, res.Mode)
	assert.Empty(t, res.Detail)
	assert.False(t, Routed(res))

	res = Classify(model.ProcessRecord{PID: 6, Name: "kernel_task", Inaccessible: true}, Context{})
	assert.Equal(t, model.ModeDirect, res.Mode)
	assert.True(t, res.Inaccessible)
	assert.Zero(t, res.Connections)
}

func TestEmptyHostProxyNeverMatches(t *testing.T) {
	cfg := model.SystemProxyConfig{HTTP: &model.ProxyEntry{Kind: model.ProxyHTTP, Port: 443}}

	res := Classify(proc(1, "app", established("93.184.216.34:443")), Context{Proxy: cfg})
	assert.Equal(t, model.ModeDirect, res.Mode)
}

func TestExactlyOneModePerProcess(t *testing.T) {
	cfg := model.SystemProxyConfig{HTTP: httpProxy("127.0.0.1:7890"), Tunnel: true, DefaultInterface: "utun2"}
	procs := []model.ProcessRecord{
		proc(1, "a", established("127.0.0.1:7890"), established("8.8.8.8:443")),
		proc(2, "b", established("8.8.8.8:443")),
		proc(3, "c", established("127.0.0.1:1"), listen("127.0.0.1:1")),
		proc(4, "d"),
	}

	modes := map[model.Mode]bool{}
	for _, m := range model.Modes() {
		modes[m] = true
	}
	res := classifyAll(procs, cfg)
	require.Len(t, res, len(procs))
	for i, r := range res {
		assert.Equal(t, procs[i].PID, r.PID)
		assert.True(t, modes[r.Mode], r.Mode)
	}
}

func TestListenIndexIgnoresNonListeners(t *testing.T) {
	ix := BuildListenIndex([]model.ProcessRecord{
		proc(1, "a", established("127.0.0.1:1080")),
		proc(2, "b", model.SocketRecord{Protocol: model.ProtocolUDP, Local: netip.MustParseAddrPort("127.0.0.1:53")}),
	})
	assert.Zero(t, ix.Len())

	var nilIndex *ListenIndex
	_, ok := nilIndex.Lookup(netip.MustParseAddrPort("127.0.0.1:1080"))
	assert.False(t, ok)
}
