package rules

import "errors"

var (
	// ErrUnsupportedFormat is returned for unknown formats and for formats
	// without a process-name rule type.
	ErrUnsupportedFormat = errors.New("unsupported rule format")
	// ErrLockUnavailable is returned when the store lock is not acquired
	// before the lock timeout or the context deadline.
	ErrLockUnavailable = errors.New("rule store is locked by another process")
	// ErrPersist wraps I/O failures while committing the store.
	ErrPersist = errors.New("rule store persistence failed")
	// ErrInvalidName is returned for names that cannot be expressed as a
	// process-name rule.
	ErrInvalidName = errors.New("invalid process name")
)
