package model

import "time"

type Mode string

const (
	ModeSystemProxy Mode = "SYSTEM_PROXY"
	ModeLocalProxy  Mode = "LOCAL_PROXY"
	ModeVPNLikely   Mode = "VPN_LIKELY"
	ModeDirect      Mode = "DIRECT"
)

// Modes lists every mode in classification priority order.
func Modes() []Mode {
	return []Mode{ModeSystemProxy, ModeVPNLikely, ModeLocalProxy, ModeDirect}
}

// TransparentMarker is the detail of VPN_LIKELY results: traffic is routed
// below the process without a visible proxy endpoint.
const TransparentMarker = "transparent"

type ProxyOwner struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

// ClassificationResult is the verdict for one scanned process.
type ClassificationResult struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Mode Mode   `json:"mode"`
	// Detail is the proxy endpoint (SYSTEM_PROXY), the listening process name
	// or address:port (LOCAL_PROXY), TransparentMarker (VPN_LIKELY) or empty
	// (DIRECT).
	Detail      string      `json:"detail,omitempty"`
	ProxyKind   ProxyKind   `json:"proxy_kind,omitempty"`
	Endpoint    string      `json:"endpoint,omitempty"`
	ProxyOwner  *ProxyOwner `json:"proxy_owner,omitempty"`
	Region      string      `json:"region,omitempty"`
	CountryName string      `json:"country_name,omitempty"`
	ExitIP      string      `json:"exit_ip,omitempty"`
	ProbeFailed bool        `json:"probe_failed,omitempty"`
	Connections int         `json:"connections"`
	Sockets     int         `json:"sockets"`
	// Inaccessible is set when the process's descriptors could not be read.
	Inaccessible bool   `json:"inaccessible,omitempty"`
	Policy       Policy `json:"policy,omitempty"`
}

// Report is the outcome of one scan.
type Report struct {
	ScanID      string                 `json:"scan_id"`
	StartedAt   time.Time              `json:"started_at"`
	SystemProxy SystemProxyConfig      `json:"system_proxy"`
	Results     []ClassificationResult `json:"results"`
	Summary     map[Mode]int           `json:"summary"`
	Scanned     int                    `json:"scanned"`
	// Inaccessible counts scanned processes whose descriptors could not be
	// read. They are not part of Summary.
	Inaccessible int      `json:"inaccessible"`
	Warnings     []string `json:"warnings,omitempty"`
	// Processes holds the decoded snapshot behind each result, keyed by pid.
	Processes map[int]ProcessRecord `json:"-"`
}
