//go:build linux

package proc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// ListProcesses walks /proc. Processes that exit mid-walk are dropped.
func (s *linuxSource) ListProcesses(ctx context.Context) ([]model.ProcessInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.root, err)
	}

	processes := make([]model.ProcessInfo, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}

		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		stat, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", s.root, pid))
		if err != nil {
			continue
		}

		info, err := parseStatSnapshot(pid, stat)
		if err != nil {
			continue
		}
		// best-effort: unreadable for other users' processes without privilege
		if exe, err := os.Readlink(fmt.Sprintf("%s/%d/exe", s.root, pid)); err == nil {
			info.Path = strings.TrimSuffix(exe, " (deleted)")
		}

		processes = append(processes, info)
	}

	sort.Slice(processes, func(i, j int) bool { return processes[i].PID < processes[j].PID })
	return processes, nil
}

// parseStatSnapshot extracts the command name from /proc/<pid>/stat. The
// name sits between the first '(' and the last ')' and may itself contain
// spaces or parentheses.
func parseStatSnapshot(pid int, stat []byte) (model.ProcessInfo, error) {
	raw := string(stat)
	open := strings.Index(raw, "(")
	close := strings.LastIndex(raw, ")")
	if open == -1 || close == -1 || close <= open {
		return model.ProcessInfo{}, fmt.Errorf("invalid stat format")
	}

	return model.ProcessInfo{
		PID:  pid,
		Name: raw[open+1 : close],
	}, nil
}

// classifyReadErr maps a /proc read failure to the package's error kinds.
func classifyReadErr(pid int, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("pid %d: %w", pid, ErrGone)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("pid %d: %w", pid, ErrInaccessible)
	}
	return fmt.Errorf("pid %d: %w", pid, err)
}
