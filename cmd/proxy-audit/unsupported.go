//go:build !linux && !darwin

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(
		os.Stderr,
		"proxy-audit is only supported on Linux and macOS.\n\nIt reads socket tables through /proc and netlink on Linux and libproc on macOS; neither exists on this platform.",
	)
	os.Exit(1)
}
