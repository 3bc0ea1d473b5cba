package output

import (
	"fmt"
	"io"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

var (
	colorResetTree   = "\033[0m"
	colorMagentaTree = "\033[35m"
	colorGreenTree   = "\033[32m"
	colorDimTree     = "\033[2m"
)

const treeSocketLimit = 10

// PrintSockets prints one process and its sockets as a tree, eligible
// connections first in descriptor order.
func PrintSockets(w io.Writer, r model.ClassificationResult, p model.ProcessRecord, colorEnabled bool) {
	colorReset := ""
	colorMagenta := ""
	colorGreen := ""
	colorDim := ""
	if colorEnabled {
		colorReset = colorResetTree
		colorMagenta = colorMagentaTree
		colorGreen = colorGreenTree
		colorDim = colorDimTree
	}

	fmt.Fprintf(w, "%s%s%s (%spid %d%s) %s\n", colorGreen, r.Name, colorReset, colorDim, r.PID, colorReset, r.Mode)
	if p.Path != "" {
		fmt.Fprintf(w, "  %spath%s %s\n", colorDim, colorReset, p.Path)
	}
	if p.Inaccessible {
		fmt.Fprintf(w, "  %s└─ %sdescriptors not readable\n", colorMagenta, colorReset)
		return
	}
	if len(p.Sockets) == 0 {
		fmt.Fprintf(w, "  %s└─ %sno sockets\n", colorMagenta, colorReset)
		return
	}

	count := len(p.Sockets)
	for i, s := range p.Sockets {
		if i >= treeSocketLimit {
			fmt.Fprintf(w, "  %s└─ %s... and %d more\n", colorMagenta, colorReset, count-treeSocketLimit)
			break
		}
		connector := "├─ "
		if i == count-1 {
			connector = "└─ "
		}
		fmt.Fprintf(w, "  %s%s%s%s\n", colorMagenta, connector, colorReset, SocketLine(s))
	}
}

func SocketLine(s model.SocketRecord) string {
	line := fmt.Sprintf("%s %s", s.Protocol, addrOrStar(s.Local.String(), s.Local.IsValid()))
	if s.HasRemote() {
		line += " -> " + s.Remote.String()
	}
	if st := s.State.String(); st != "" {
		line += " " + st
	}
	return line
}

func addrOrStar(s string, valid bool) string {
	if !valid {
		return "*"
	}
	return s
}
