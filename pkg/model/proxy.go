package model

import (
	"net"
	"net/netip"
	"strconv"
)

type ProxyKind string

const (
	ProxyHTTP  ProxyKind = "HTTP"
	ProxyHTTPS ProxyKind = "HTTPS"
	ProxySOCKS ProxyKind = "SOCKS"
)

// ProxyEntry is one enabled system proxy. Addrs holds the resolved addresses
// of Host and is empty when Host is empty or does not resolve.
type ProxyEntry struct {
	Kind  ProxyKind    `json:"kind"`
	Host  string       `json:"host"`
	Port  uint16       `json:"port"`
	Addrs []netip.Addr `json:"addrs,omitempty"`
}

func (e ProxyEntry) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

func (e ProxyEntry) Matches(ap netip.AddrPort) bool {
	if e.Port == 0 || ap.Port() != e.Port {
		return false
	}
	addr := ap.Addr().Unmap()
	for _, a := range e.Addrs {
		if a.Unmap() == addr {
			return true
		}
	}
	return false
}

// SystemProxyConfig is a snapshot of the system network configuration. A nil
// entry means the proxy is disabled.
type SystemProxyConfig struct {
	HTTP             *ProxyEntry `json:"http,omitempty"`
	HTTPS            *ProxyEntry `json:"https,omitempty"`
	SOCKS            *ProxyEntry `json:"socks,omitempty"`
	PACURL           string      `json:"pac_url,omitempty"`
	DefaultInterface string      `json:"default_interface,omitempty"`
	Tunnel           bool        `json:"tunnel"`
}

// Entries returns the enabled entries in HTTP, HTTPS, SOCKS order.
func (c SystemProxyConfig) Entries() []ProxyEntry {
	var out []ProxyEntry
	for _, e := range []*ProxyEntry{c.HTTP, c.HTTPS, c.SOCKS} {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out
}

func (c SystemProxyConfig) HasAny() bool {
	return c.HTTP != nil || c.HTTPS != nil || c.SOCKS != nil
}
