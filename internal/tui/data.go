package tui

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/reflow/wrap"

	"github.com/proxy-audit/proxy-audit/internal/output"
	"github.com/proxy-audit/proxy-audit/internal/rules"
	"github.com/proxy-audit/proxy-audit/pkg/model"
)

type scanMsg struct {
	report model.Report
	err    error
}

type assignedMsg struct {
	change rules.Change
	err    error
}

type policiesMsg struct {
	state rules.State
	err   error
}

func (m MainModel) runScan() tea.Cmd {
	if m.cfg.Scanner == nil {
		return nil
	}
	scanner, opts := m.cfg.Scanner, m.cfg.Options
	return func() tea.Msg {
		report, err := scanner.Scan(context.Background(), opts)
		return scanMsg{report: report, err: err}
	}
}

func (m MainModel) assign(name string, p model.Policy) tea.Cmd {
	store, after := m.cfg.Store, m.cfg.AfterAssign
	if store == nil {
		return nil
	}
	return func() tea.Msg {
		ctx := context.Background()
		c, err := store.Assign(ctx, name, p)
		if err == nil && after != nil && c.Changed() {
			err = after(ctx)
		}
		return assignedMsg{change: c, err: err}
	}
}

func (m MainModel) reloadPolicies() tea.Cmd {
	store := m.cfg.Store
	if store == nil {
		return nil
	}
	return func() tea.Msg {
		st, err := store.Load(context.Background())
		return policiesMsg{state: st, err: err}
	}
}

func (m *MainModel) applyPolicies(st rules.State) {
	for i := range m.results {
		p, _ := st.PolicyOf(m.results[i].Name)
		m.results[i].Policy = p
	}
	m.filterResults()
}

var modeRank = map[model.Mode]int{
	model.ModeSystemProxy: 0,
	model.ModeVPNLikely:   1,
	model.ModeLocalProxy:  2,
	model.ModeDirect:      3,
}

func (m *MainModel) sortResults() {
	slices.SortStableFunc(m.results, func(a, b model.ClassificationResult) int {
		var c int
		switch m.sortCol {
		case "pid":
			c = a.PID - b.PID
		case "name":
			c = strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		case "policy":
			c = strings.Compare(string(a.Policy), string(b.Policy))
		case "region":
			c = strings.Compare(a.Region, b.Region)
		default:
			c = modeRank[a.Mode] - modeRank[b.Mode]
			if c == 0 {
				c = a.PID - b.PID
			}
		}
		if m.sortDesc {
			return -c
		}
		return c
	})
}

func (m *MainModel) filterResults() {
	filter := strings.ToLower(strings.TrimSpace(m.input.Value()))
	var rows []table.Row

	m.filtered = nil
	for _, r := range m.results {
		match := filter == "" ||
			strings.Contains(strings.ToLower(r.Name), filter) ||
			strings.Contains(strconv.Itoa(r.PID), filter) ||
			strings.Contains(strings.ToLower(string(r.Mode)), filter) ||
			strings.Contains(strings.ToLower(string(r.Policy)), filter)
		if !match {
			continue
		}
		m.filtered = append(m.filtered, r)
		cells := output.Row(r)
		rows = append(rows, table.Row{cells[1], cells[0], cells[2], cells[3], cells[4], cells[5]})
	}
	m.table.SetRows(rows)
	if len(rows) > 0 && m.table.Cursor() >= len(rows) {
		m.table.SetCursor(len(rows) - 1)
	}
}

func baseColumns() []table.Column {
	return []table.Column{
		{Title: "PID", Width: 8},
		{Title: "Name", Width: 24},
		{Title: "Mode", Width: 13},
		{Title: "Proxy", Width: 30},
		{Title: "Region", Width: 16},
		{Title: "Policy", Width: 8},
	}
}

var columnKeys = []string{"pid", "name", "mode", "", "region", "policy"}

func (m *MainModel) getColumns() []table.Column {
	cols := baseColumns()
	for i, key := range columnKeys {
		if key != "" && key == m.sortCol {
			if m.sortDesc {
				cols[i].Title += " ↓"
			} else {
				cols[i].Title += " ↑"
			}
		}
	}
	return cols
}

func (m *MainModel) selected() (model.ClassificationResult, bool) {
	idx := m.table.Cursor()
	if idx < 0 || idx >= len(m.filtered) {
		return model.ClassificationResult{}, false
	}
	return m.filtered[idx], true
}

func (m *MainModel) detailContent(width int) string {
	r, ok := m.selected()
	if !ok {
		return ""
	}
	var buf bytes.Buffer
	output.PrintSockets(&buf, r, m.report.Processes[r.PID], false)
	if r.ProxyOwner != nil {
		fmt.Fprintf(&buf, "\nproxy process: %s (pid %d)\n", r.ProxyOwner.Name, r.ProxyOwner.PID)
	}
	if r.ExitIP != "" {
		fmt.Fprintf(&buf, "exit ip: %s\n", r.ExitIP)
	}
	if r.CountryName != "" {
		fmt.Fprintf(&buf, "country: %s\n", r.CountryName)
	}
	content := buf.String()
	if width > 0 {
		content = wrap.String(content, width)
	}
	return content
}

func (m *MainModel) updateSide() {
	m.side.SetContent(m.detailContent(m.side.Width))
}

func (m *MainModel) updateDetailViewport() {
	m.viewport.SetContent(m.detailContent(m.viewport.Width))
	m.viewport.GotoTop()
}
