package output

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/reflow/truncate"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

const (
	maxNameWidth  = 32
	maxProxyWidth = 40
)

var Columns = []string{"NAME", "PID", "MODE", "PROXY", "REGION", "POLICY"}

// ProxyCell describes where the traffic of r goes.
func ProxyCell(r model.ClassificationResult) string {
	switch r.Mode {
	case model.ModeSystemProxy:
		s := fmt.Sprintf("%s %s", r.ProxyKind, r.Detail)
		if r.ProxyOwner != nil {
			s += " (" + r.ProxyOwner.Name + ")"
		}
		return s
	case model.ModeLocalProxy:
		if r.ProxyOwner != nil {
			return r.Detail + " " + r.Endpoint
		}
		return r.Detail
	case model.ModeVPNLikely:
		return r.Detail
	}
	if r.Inaccessible {
		return "(no access)"
	}
	return "-"
}

func RegionCell(r model.ClassificationResult) string {
	switch {
	case r.Region != "" && r.ExitIP != "" && r.Region != r.ExitIP:
		return r.Region + " " + r.ExitIP
	case r.Region != "":
		return r.Region
	case r.ExitIP != "":
		return r.ExitIP
	case r.ProbeFailed:
		return "probe failed"
	}
	return "-"
}

func PolicyCell(r model.ClassificationResult) string {
	if r.Policy == "" {
		return "-"
	}
	return string(r.Policy)
}

// Row returns the table cells of r in Columns order.
func Row(r model.ClassificationResult) []string {
	return []string{
		truncate.StringWithTail(r.Name, maxNameWidth, "…"),
		strconv.Itoa(r.PID),
		string(r.Mode),
		truncate.StringWithTail(ProxyCell(r), maxProxyWidth, "…"),
		RegionCell(r),
		PolicyCell(r),
	}
}

var modeColors = map[model.Mode]lipgloss.Color{
	model.ModeSystemProxy: lipgloss.Color("#22aa22"),
	model.ModeLocalProxy:  lipgloss.Color("#00afaf"),
	model.ModeVPNLikely:   lipgloss.Color("#af87ff"),
	model.ModeDirect:      lipgloss.Color("#767676"),
}

// RenderTable prints results as a bordered table.
func RenderTable(w io.Writer, results []model.ClassificationResult, colorEnabled bool) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No matching processes.")
		return
	}

	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, Row(r))
	}

	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(Columns...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			if colorEnabled && col == 2 && row >= 0 && row < len(results) {
				return cell.Foreground(modeColors[results[row].Mode])
			}
			return cell
		})
	if colorEnabled {
		t = t.BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#585858")))
	}
	fmt.Fprintln(w, t.Render())
}
