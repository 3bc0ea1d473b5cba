//go:build !unix

package rules

import (
	"errors"
	"os"
)

func tryLock(f *os.File, exclusive bool) error {
	return errors.New("file locking is not supported on this platform")
}

func unlockFile(f *os.File) error {
	return nil
}
