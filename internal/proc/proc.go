// Package proc is the OS-facing collaborator of the scanner: it enumerates
// processes and returns each process's descriptor table with the raw socket
// structures left undecoded.
package proc

import (
	"context"
	"errors"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

var (
	// ErrInaccessible is returned when a process exists but its descriptors
	// cannot be inspected (EPERM, sandboxing, SIP).
	ErrInaccessible = errors.New("process not inspectable")
	// ErrGone is returned when a process exited between listing and reading.
	ErrGone = errors.New("process exited")
)

// Source produces the scanner's process and descriptor inputs.
type Source interface {
	ListProcesses(ctx context.Context) ([]model.ProcessInfo, error)
	Descriptors(ctx context.Context, pid int) ([]model.Descriptor, error)
}

// Preparer is implemented by sources that snapshot system-wide state once
// per scan before Descriptors is called.
type Preparer interface {
	Prepare(ctx context.Context) error
}
