// Package classify decides, per process, which egress path its sockets use.
//
// Classification runs in two passes. The first builds a ListenIndex from all
// processes; the second calls Classify for each process with a Context that
// carries the index and the system proxy snapshot. Classify reads nothing
// else, so the same inputs always give the same verdict.
package classify

import (
	"net/netip"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// FakeIPRange is the benchmark range TUN-mode proxy clients hand out from
// their fake-IP DNS.
var FakeIPRange = netip.MustParsePrefix("198.18.0.0/15")

// Context is the immutable scan-wide input shared by all workers.
type Context struct {
	Proxy     model.SystemProxyConfig
	Listeners *ListenIndex
}

// Eligible reports whether s is an outbound socket usable for
// classification: it has a remote endpoint, and TCP sockets must be in a
// connection state.
func Eligible(s model.SocketRecord) bool {
	if !s.HasRemote() {
		return false
	}
	if s.Protocol == model.ProtocolTCP {
		return s.State.Connected()
	}
	return s.Protocol == model.ProtocolUDP
}

// Classify returns the verdict for p. Tiers are tried in order
// SYSTEM_PROXY, VPN_LIKELY, LOCAL_PROXY, DIRECT; within a tier the first
// eligible socket in descriptor order supplies the detail.
func Classify(p model.ProcessRecord, c Context) model.ClassificationResult {
	res := model.ClassificationResult{
		PID:          p.PID,
		Name:         p.Name,
		Path:         p.Path,
		Mode:         model.ModeDirect,
		Sockets:      len(p.Sockets),
		Inaccessible: p.Inaccessible,
	}

	eligible := make([]model.SocketRecord, 0, len(p.Sockets))
	ownPorts := make(map[uint16]bool)
	for _, s := range p.Sockets {
		if s.IsListening() {
			ownPorts[s.Local.Port()] = true
		}
		if Eligible(s) {
			eligible = append(eligible, s)
		}
	}
	res.Connections = len(eligible)
	if len(eligible) == 0 {
		return res
	}

	if s, e, ok := systemProxyMatch(eligible, c.Proxy); ok {
		res.Mode = model.ModeSystemProxy
		res.Detail = e.String()
		res.ProxyKind = e.Kind
		res.Endpoint = s.Remote.String()
		if s.Remote.Addr().Unmap().IsLoopback() {
			if owner, ok := c.Listeners.Lookup(s.Remote); ok {
				res.ProxyOwner = &owner
			}
		}
		return res
	}

	if s, ok := tunnelMatch(eligible, c.Proxy.Tunnel); ok {
		res.Mode = model.ModeVPNLikely
		res.Detail = model.TransparentMarker
		res.Endpoint = s.Remote.String()
		return res
	}

	for _, s := range eligible {
		remote := s.Remote.Addr().Unmap()
		if !remote.IsLoopback() || ownPorts[s.Remote.Port()] {
			continue
		}
		// accepted from a loopback client, not an outbound connection
		if ownPorts[s.Local.Port()] {
			continue
		}
		res.Mode = model.ModeLocalProxy
		res.Endpoint = s.Remote.String()
		res.Detail = res.Endpoint
		if owner, ok := c.Listeners.Lookup(s.Remote); ok {
			res.Detail = owner.Name
			res.ProxyOwner = &owner
		}
		return res
	}

	return res
}

// systemProxyMatch returns the first eligible socket whose remote matches an
// enabled proxy entry, checking HTTP, HTTPS then SOCKS for each socket.
func systemProxyMatch(eligible []model.SocketRecord, cfg model.SystemProxyConfig) (model.SocketRecord, model.ProxyEntry, bool) {
	entries := cfg.Entries()
	if len(entries) == 0 {
		return model.SocketRecord{}, model.ProxyEntry{}, false
	}
	for _, s := range eligible {
		for _, e := range entries {
			if e.Matches(s.Remote) {
				return s, e, true
			}
		}
	}
	return model.SocketRecord{}, model.ProxyEntry{}, false
}

func tunnelMatch(eligible []model.SocketRecord, tunnel bool) (model.SocketRecord, bool) {
	for _, s := range eligible {
		remote := s.Remote.Addr().Unmap()
		if FakeIPRange.Contains(remote) {
			return s, true
		}
		if tunnel && !remote.IsLoopback() {
			return s, true
		}
	}
	return model.SocketRecord{}, false
}

// Routed reports whether r left the machine through something other than a
// direct connection.
func Routed(r model.ClassificationResult) bool {
	return r.Mode != model.ModeDirect
}
