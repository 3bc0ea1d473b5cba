// Package target turns a rule target argument, a pid or a process name,
// into the process name rules are keyed by.
package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

var (
	ErrNoMatch   = errors.New("no matching process")
	ErrAmbiguous = errors.New("ambiguous process name")
)

type Lister interface {
	ListProcesses(ctx context.Context) ([]model.ProcessInfo, error)
}

type Target struct {
	Name string
	PID  int
	// Running is false when a name matched no running process and is used
	// as given.
	Running bool
}

// Resolve resolves arg. A numeric arg must be a running pid. A name matches
// case-insensitively, exactly first and then as a substring; a name that
// matches nothing is returned as given so rules can be written for
// processes that are not running.
func Resolve(ctx context.Context, l Lister, arg string) (Target, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return Target{}, fmt.Errorf("%w: empty target", ErrNoMatch)
	}

	procs, err := l.ListProcesses(ctx)
	if err != nil {
		return Target{}, fmt.Errorf("list processes: %w", err)
	}

	if pid, err := strconv.Atoi(arg); err == nil {
		for _, p := range procs {
			if p.PID == pid {
				return Target{Name: p.Name, PID: p.PID, Running: true}, nil
			}
		}
		return Target{}, fmt.Errorf("%w: pid %d", ErrNoMatch, pid)
	}

	// exclude ourselves and the shell that started us
	ignored := map[int]bool{os.Getpid(): true, os.Getppid(): true}
	lower := strings.ToLower(arg)

	var partial []model.ProcessInfo
	for _, p := range procs {
		if ignored[p.PID] || p.Name == "" {
			continue
		}
		name := strings.ToLower(p.Name)
		if name == lower {
			return Target{Name: p.Name, PID: p.PID, Running: true}, nil
		}
		if strings.Contains(name, lower) && !strings.Contains(name, "grep") {
			partial = append(partial, p)
		}
	}

	var names []string
	for _, p := range partial {
		if !slices.Contains(names, p.Name) {
			names = append(names, p.Name)
		}
	}
	switch len(names) {
	case 0:
		return Target{Name: arg}, nil
	case 1:
		return Target{Name: partial[0].Name, PID: partial[0].PID, Running: true}, nil
	}
	slices.Sort(names)
	return Target{}, fmt.Errorf("%w: %q matches %s", ErrAmbiguous, arg, strings.Join(names, ", "))
}
