//go:build darwin

package proc

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// listProcessSnapshot lists processes through ps when libproc is not
// usable. comm is the full executable path on Darwin.
func listProcessSnapshot(ctx context.Context) ([]model.ProcessInfo, error) {
	out, err := exec.CommandContext(ctx, "ps", "-axo", "pid=,comm=").Output()
	if err != nil {
		return nil, fmt.Errorf("ps process list: %w", err)
	}
	return parsePSOutput(string(out)), nil
}

func parsePSOutput(out string) []model.ProcessInfo {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	processes := make([]model.ProcessInfo, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}

		command := strings.Join(fields[1:], " ")
		info := model.ProcessInfo{PID: pid, Name: baseName(command)}
		if strings.HasPrefix(command, "/") {
			info.Path = command
		}
		processes = append(processes, info)
	}

	sort.Slice(processes, func(i, j int) bool { return processes[i].PID < processes[j].PID })
	return processes
}

func baseName(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
