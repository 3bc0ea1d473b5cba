package tui

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// leadingPID parses the PID column of a rendered table line.
func leadingPID(line string) (int, bool) {
	fields := strings.Fields(ansi.Strip(line))
	if len(fields) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[0])
	return pid, err == nil && pid > 0
}
