package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

var (
	colorResetShort   = "\033[0m"
	colorMagentaShort = "\033[35m"
	colorDimShort     = "\033[2m"
	colorGreenShort   = "\033[32m"
	colorCyanShort    = "\033[36m"
	colorYellowShort  = "\033[33m"
)

type palette struct {
	reset, magenta, dim, green, cyan, yellow string
}

func colors(enabled bool) palette {
	if !enabled {
		return palette{}
	}
	return palette{
		reset:   colorResetShort,
		magenta: colorMagentaShort,
		dim:     colorDimShort,
		green:   colorGreenShort,
		cyan:    colorCyanShort,
		yellow:  colorYellowShort,
	}
}

func (p palette) mode(m model.Mode) string {
	switch m {
	case model.ModeSystemProxy:
		return p.green
	case model.ModeLocalProxy:
		return p.cyan
	case model.ModeVPNLikely:
		return p.magenta
	}
	return p.dim
}

// RenderHeader prints the network context of a scan: the default route
// interface, a VPN notice for tunnel interfaces, the enabled system proxies
// and the PAC URL.
func RenderHeader(w io.Writer, cfg model.SystemProxyConfig, colorEnabled bool) {
	c := colors(colorEnabled)

	iface := cfg.DefaultInterface
	if iface == "" {
		iface = "unknown"
	}
	fmt.Fprintf(w, "%sDefault interface:%s %s\n", c.dim, c.reset, iface)
	if cfg.Tunnel {
		fmt.Fprintf(w, "%s! default route goes through a tunnel interface, traffic is likely routed by a VPN or TUN proxy%s\n", c.magenta, c.reset)
	}

	entries := cfg.Entries()
	if len(entries) == 0 {
		fmt.Fprintf(w, "%sSystem proxy:%s none\n", c.dim, c.reset)
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s proxy:%s %s%s%s", c.dim, e.Kind, c.reset, c.green, e.String(), c.reset)
		if len(e.Addrs) == 0 {
			fmt.Fprintf(w, " %s(unresolved)%s", c.yellow, c.reset)
		}
		fmt.Fprintln(w)
	}
	if cfg.PACURL != "" {
		fmt.Fprintf(w, "%sPAC:%s %s\n", c.dim, c.reset, cfg.PACURL)
	}
	fmt.Fprintln(w)
}

// RenderSummary prints the per-mode counts of a scan followed by its
// warnings.
func RenderSummary(w io.Writer, r model.Report, colorEnabled bool) {
	c := colors(colorEnabled)
	parts := make([]string, 0, len(model.Modes()))
	for _, m := range model.Modes() {
		parts = append(parts, fmt.Sprintf("%s%s%s %d", c.mode(m), m, c.reset, r.Summary[m]))
	}
	scanned := fmt.Sprintf("%d processes scanned", r.Scanned)
	if r.Inaccessible > 0 {
		scanned += fmt.Sprintf(", %d inaccessible", r.Inaccessible)
	}
	fmt.Fprintf(w, "%s  %s(%s)%s\n", strings.Join(parts, "  "), c.dim, scanned, c.reset)
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "%swarning:%s %s\n", c.yellow, c.reset, warn)
	}
}
