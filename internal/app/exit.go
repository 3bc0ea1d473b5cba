package app

import (
	"errors"

	"github.com/proxy-audit/proxy-audit/internal/rules"
)

const (
	exitOK                = 0
	exitFailure           = 1
	exitUnsupportedFormat = 2
	exitLockUnavailable   = 3
	exitPersist           = 4
)

// ExitCode maps an error returned by a command to the process exit status,
// so scripts can tell store failures apart.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, rules.ErrUnsupportedFormat):
		return exitUnsupportedFormat
	case errors.Is(err, rules.ErrLockUnavailable):
		return exitLockUnavailable
	case errors.Is(err, rules.ErrPersist):
		return exitPersist
	}
	return exitFailure
}
