//go:build darwin && !cgo

package proc

import (
	"errors"
	"fmt"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

type fdEntry struct {
	fd   int
	kind model.DescriptorKind
}

var errNoCgo = errors.New("built without cgo: libproc unavailable")

func libprocAvailable() bool { return false }

func listPIDs() ([]int, error) { return nil, errNoCgo }

func processIdentity(int) (string, string) { return "", "" }

func listFDs(pid int) ([]fdEntry, error) {
	return nil, fmt.Errorf("pid %d: %w: %w", pid, ErrInaccessible, errNoCgo)
}

func socketInfo(int, int) ([]byte, error) { return nil, errNoCgo }
