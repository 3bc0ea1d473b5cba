package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

func (m MainModel) View() string {
	if m.quitting {
		return ""
	}

	outerStyle := baseStyle.
		Width(m.width-2).
		Height(m.height-2).
		Padding(0, 1)

	header := lipgloss.JoinHorizontal(lipgloss.Center, m.headerComponents()...)

	if m.state == stateDetail {
		r, _ := m.selected()
		detailTitle := fmt.Sprintf("%s (PID %d)", r.Name, r.PID)
		if !m.viewport.AtTop() && !m.viewport.AtBottom() {
			detailTitle += " ↕"
		} else if !m.viewport.AtTop() {
			detailTitle += " ↑"
		} else if !m.viewport.AtBottom() {
			detailTitle += " ↓"
		}

		help := "d/p/x: Assign DIRECT/PROXY/REJECT | Esc/q: Back | Up/Down: Scroll"
		return outerStyle.Render(
			lipgloss.JoinVertical(lipgloss.Left,
				header,
				lipgloss.NewStyle().Height(1).Render(""),
				tableHeaderStyle.Width(m.viewport.Width).Render(detailTitle),
				lipgloss.NewStyle().PaddingLeft(1).Render(m.viewport.View()),
				lipgloss.NewStyle().Height(1).Render(""),
				footerStyle.Width(m.width-4).Render(m.footer(help)),
			),
		)
	}

	status := "Mode: Navigation (Press / to filter)"
	if m.input.Focused() {
		status = "Mode: Filtering (Press Esc/Enter to stop)"
	}

	sideHeader := "Sockets"
	if r, ok := m.selected(); ok {
		sideHeader = fmt.Sprintf("PID %d", r.PID)
	}
	sideStyle := lipgloss.NewStyle().
		Border(lipgloss.NormalBorder(), false, false, false, true).
		BorderForeground(lipgloss.Color("#585858")).
		PaddingLeft(2).
		Height(m.table.Height())

	availableWidth := m.width - 6
	listPaneWidth := int(float64(availableWidth) * 0.7)
	if listPaneWidth < 10 {
		listPaneWidth = 10
	}

	body := m.table.View()
	if m.scanning && len(m.results) == 0 {
		body = noticeStyle.Render("Scanning processes...")
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(listPaneWidth).Render(body),
		sideStyle.Render(
			lipgloss.JoinVertical(lipgloss.Left,
				tableHeaderStyle.Width(m.side.Width).Foreground(lipgloss.Color("#bcbcbc")).Render(sideHeader),
				lipgloss.NewStyle().PaddingLeft(1).Render(m.side.View()),
			),
		),
	)

	help := "/: Filter | r: Rescan | d/p/x: Assign | Enter: Detail | q: Quit"
	return outerStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			header,
			m.networkLine(),
			status,
			"",
			m.input.View(),
			"",
			mainContent,
			footerStyle.Width(m.width-4).Render(m.footer(help)),
		),
	)
}

func (m MainModel) headerComponents() []string {
	parts := []string{titleStyle.Render("proxy-audit")}
	for _, mode := range model.Modes() {
		if n := m.report.Summary[mode]; n > 0 && mode != model.ModeDirect {
			parts = append(parts, " ", badgeStyle.Render(fmt.Sprintf("%s %d", mode, n)))
		}
	}
	return parts
}

func (m MainModel) networkLine() string {
	cfg := m.report.SystemProxy
	var parts []string
	if cfg.DefaultInterface != "" {
		iface := "via " + cfg.DefaultInterface
		if cfg.Tunnel {
			iface += " (tunnel)"
		}
		parts = append(parts, iface)
	}
	for _, e := range cfg.Entries() {
		parts = append(parts, fmt.Sprintf("%s %s", e.Kind, e.String()))
	}
	if cfg.PACURL != "" {
		parts = append(parts, "PAC "+cfg.PACURL)
	}
	if len(parts) == 0 {
		return "No system proxy"
	}
	return strings.Join(parts, " | ")
}

func (m MainModel) footer(help string) string {
	switch {
	case m.errMsg != "":
		return errorStyle.Render(m.errMsg)
	case m.statusMsg != "":
		help = m.statusMsg + " | " + help
	}
	if m.cfg.Version != "" {
		gap := m.width - 6 - lipgloss.Width(help) - lipgloss.Width(m.cfg.Version)
		if gap > 0 {
			return help + strings.Repeat(" ", gap) + m.cfg.Version
		}
	}
	return help
}
