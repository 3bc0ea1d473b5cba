package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

var policyKeys = map[string]model.Policy{
	"d": model.PolicyDirect,
	"p": model.PolicyProxy,
	"x": model.PolicyReject,
}

func (m MainModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.MouseMsg:
		return m.handleMouse(msg)

	case tea.KeyMsg:
		m.errMsg = ""
		if msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}

		if m.state == stateDetail {
			switch msg.String() {
			case "esc", "q", "backspace":
				m.state = stateList
				return m, nil
			}
			if c, ok := m.policyKey(msg.String()); ok {
				return m, c
			}
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

		if m.input.Focused() {
			if msg.String() == "enter" || msg.String() == "esc" {
				m.input.Blur()
				return m, nil
			}
			var inputCmd tea.Cmd
			m.input, inputCmd = m.input.Update(msg)
			m.filterResults()
			m.table.SetCursor(0)
			m.updateSide()
			return m, inputCmd
		}

		switch msg.String() {
		case "/":
			m.input.Focus()
			return m, textinput.Blink
		case "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			if m.scanning {
				return m, nil
			}
			m.scanning = true
			m.statusMsg = "Scanning..."
			return m, m.runScan()
		case "enter":
			if _, ok := m.selected(); ok {
				m.state = stateDetail
				m.updateDetailViewport()
			}
			return m, nil
		}
		if c, ok := m.policyKey(msg.String()); ok {
			return m, c
		}

		prev := m.table.Cursor()
		m.table, cmd = m.table.Update(msg)
		if m.table.Cursor() != prev {
			m.updateSide()
		}
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.updateSide()

	case scanMsg:
		m.scanning = false
		m.statusMsg = ""
		if msg.err != nil {
			m.errMsg = fmt.Sprintf("Scan failed: %v", msg.err)
			return m, nil
		}
		var currentPID int
		if r, ok := m.selected(); ok {
			currentPID = r.PID
		}
		m.report = msg.report
		m.results = append(m.results[:0], msg.report.Results...)
		m.sortResults()
		m.filterResults()
		for i, r := range m.filtered {
			if r.PID == currentPID {
				m.table.SetCursor(i)
				break
			}
		}
		m.updateSide()
		m.statusMsg = fmt.Sprintf("Scanned %d processes at %s", msg.report.Scanned, msg.report.StartedAt.Local().Format(time.TimeOnly))

	case assignedMsg:
		if msg.err != nil {
			m.errMsg = fmt.Sprintf("Assign failed: %v", msg.err)
			return m, nil
		}
		c := msg.change
		switch {
		case !c.Changed():
			m.statusMsg = fmt.Sprintf("%s is already %s", c.Name, c.To)
		case c.From == "":
			m.statusMsg = fmt.Sprintf("%s → %s", c.Name, c.To)
		default:
			m.statusMsg = fmt.Sprintf("%s: %s → %s", c.Name, c.From, c.To)
		}
		return m, m.reloadPolicies()

	case rulesChangedMsg:
		return m, tea.Batch(m.reloadPolicies(), waitForRulesChange(m.watcher))

	case watchErrMsg:
		m.errMsg = fmt.Sprintf("Watch error: %v", msg.err)
		return m, waitForRulesChange(m.watcher)

	case policiesMsg:
		if msg.err != nil {
			m.errMsg = fmt.Sprintf("Reading rules failed: %v", msg.err)
			return m, nil
		}
		m.applyPolicies(msg.state)
		m.updateSide()
	}

	return m, nil
}

func (m *MainModel) policyKey(key string) (tea.Cmd, bool) {
	p, ok := policyKeys[strings.ToLower(key)]
	if !ok {
		return nil, false
	}
	r, ok := m.selected()
	if !ok {
		return nil, true
	}
	if m.cfg.Store == nil {
		m.errMsg = "No rule store configured"
		return nil, true
	}
	m.statusMsg = fmt.Sprintf("Assigning %s to %s...", r.Name, p)
	return m.assign(r.Name, p), true
}

func (m *MainModel) resize() {
	availableWidth := m.width - 6
	if availableWidth < 0 {
		availableWidth = 0
	}

	listHeight := m.height - 11
	if listHeight < 5 {
		listHeight = 5
	}

	listPaneWidth := int(float64(availableWidth) * 0.7)
	if listPaneWidth < 10 {
		listPaneWidth = 10
	}

	tablePadding := 4
	listWidth := listPaneWidth - tablePadding
	if listWidth < 10 {
		listWidth = 10
	}

	fixedColumnsWidth := 69 // PID(8)+Name(24)+Mode(13)+Region(16)+Policy(8)
	proxyWidth := listWidth - fixedColumnsWidth - 12
	if proxyWidth < 10 {
		proxyWidth = 10
	}

	columns := m.getColumns()
	columns[3].Width = proxyWidth
	m.table.SetColumns(columns)
	m.table.SetWidth(listWidth)
	m.table.SetHeight(listHeight)

	sideWidth := availableWidth - listPaneWidth - 4
	if sideWidth < 10 {
		sideWidth = 10
	}
	m.side.Width = sideWidth
	m.side.Height = listHeight - 2
	if m.side.Height < 0 {
		m.side.Height = 0
	}

	vpHeight := m.height - 9
	if vpHeight < 0 {
		vpHeight = 0
	}
	m.viewport.Width = availableWidth - 4
	if m.viewport.Width < 0 {
		m.viewport.Width = 0
	}
	m.viewport.Height = vpHeight
}
