package tui

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
)

// returns the column index at x pixels, or -1 if not found.
func (m *MainModel) getColumnAtX(x int, cols []table.Column) int {
	currentX := 0
	for i, col := range cols {
		colWidth := col.Width + 2
		if x >= currentX && x < currentX+colWidth {
			return i
		}
		currentX += colWidth
	}
	return -1
}

func (m *MainModel) handleHeaderClick(x int) {
	cols := m.table.Columns()
	colIdx := m.getColumnAtX(x, cols)
	if colIdx < 0 || colIdx >= len(columnKeys) || columnKeys[colIdx] == "" {
		return
	}

	newCol := columnKeys[colIdx]
	if m.sortCol == newCol {
		m.sortDesc = !m.sortDesc
	} else {
		m.sortCol = newCol
		m.sortDesc = false
	}
	m.sortResults()
	m.filterResults()

	newCols := m.getColumns()
	for i := range cols {
		if i < len(newCols) {
			newCols[i].Width = cols[i].Width
		}
	}
	m.table.SetColumns(newCols)
}

func (m MainModel) handleMouse(msg tea.MouseMsg) (tea.Model, tea.Cmd) {
	m.errMsg = ""
	if msg.Action != tea.MouseActionPress {
		return m, nil
	}

	var cmd tea.Cmd
	if m.state == stateDetail {
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	isWheel := msg.Button == tea.MouseButtonWheelUp || msg.Button == tea.MouseButtonWheelDown
	if isWheel {
		var keyMsg tea.KeyMsg
		if msg.Button == tea.MouseButtonWheelUp {
			keyMsg = tea.KeyMsg{Type: tea.KeyUp}
		} else {
			keyMsg = tea.KeyMsg{Type: tea.KeyDown}
		}
		m.table, cmd = m.table.Update(keyMsg)
		m.updateSide()
		return m, cmd
	}

	isDoubleClick := time.Since(m.lastClickTime) < 500*time.Millisecond &&
		abs(m.lastClickX-msg.X) <= 2 && abs(m.lastClickY-msg.Y) <= 1
	m.lastClickTime = time.Now()
	m.lastClickX = msg.X
	m.lastClickY = msg.Y

	if msg.Y == 5 {
		m.input.Focus()
		return m, nil
	}
	if m.input.Focused() {
		m.input.Blur()
	}
	if msg.Y < 7 {
		return m, nil
	}

	contentX := msg.X - 2
	if contentX < 0 {
		return m, nil
	}
	if msg.Y == 7 {
		m.handleHeaderClick(contentX)
		return m, nil
	}

	// Manual row selection: find the PID printed on the clicked line.
	lines := strings.Split(m.table.View(), "\n")
	y := msg.Y - 7
	if y < len(lines) {
		if pid, ok := leadingPID(lines[y]); ok {
			for i, r := range m.filtered {
				if r.PID == pid {
					m.table.SetCursor(i)
					break
				}
			}
		}
	}
	m.updateSide()

	if isDoubleClick {
		if _, ok := m.selected(); ok {
			m.state = stateDetail
			m.updateDetailViewport()
		}
	}
	return m, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
