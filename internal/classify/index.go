package classify

import (
	"net/netip"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// ListenIndex maps listening (address, port) pairs to the process that owns
// them. It is built from every scanned process before any process is
// classified.
type ListenIndex struct {
	owners map[netip.AddrPort]model.ProxyOwner
}

// BuildListenIndex indexes every TCP LISTEN socket of procs. When two
// processes listen on the same pair, the one later in procs wins.
func BuildListenIndex(procs []model.ProcessRecord) *ListenIndex {
	ix := &ListenIndex{owners: make(map[netip.AddrPort]model.ProxyOwner)}
	for _, p := range procs {
		for _, s := range p.Sockets {
			if !s.IsListening() || !s.Local.IsValid() {
				continue
			}
			ix.owners[normalize(s.Local)] = model.ProxyOwner{PID: p.PID, Name: p.Name}
		}
	}
	return ix
}

// Lookup finds the listener for ap, falling back to a wildcard listener on
// the same port.
func (ix *ListenIndex) Lookup(ap netip.AddrPort) (model.ProxyOwner, bool) {
	if ix == nil || !ap.IsValid() {
		return model.ProxyOwner{}, false
	}
	ap = normalize(ap)
	if o, ok := ix.owners[ap]; ok {
		return o, true
	}
	if ap.Addr().Is4() {
		if o, ok := ix.owners[netip.AddrPortFrom(netip.IPv4Unspecified(), ap.Port())]; ok {
			return o, true
		}
	}
	// dual-stack wildcard
	o, ok := ix.owners[netip.AddrPortFrom(netip.IPv6Unspecified(), ap.Port())]
	return o, ok
}

func (ix *ListenIndex) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.owners)
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap().WithZone(""), ap.Port())
}
