//go:build darwin

package sysproxy

import (
	"context"
	"fmt"
	"os/exec"
)

type systemQuerier struct{}

// NewSystemQuerier reads the live SystemConfiguration store through scutil
// and the routing table through route(8).
func NewSystemQuerier() Querier {
	return systemQuerier{}
}

func (systemQuerier) ProxySettings(ctx context.Context) (map[string]string, error) {
	out, err := exec.CommandContext(ctx, "scutil", "--proxy").Output()
	if err != nil {
		return nil, fmt.Errorf("scutil --proxy: %w", err)
	}
	return ParseScutil(string(out)), nil
}

func (systemQuerier) DefaultInterface(ctx context.Context) (string, error) {
	// route exits non-zero without a default route but may still print
	// partial output worth parsing
	out, err := exec.CommandContext(ctx, "/sbin/route", "-n", "get", "default").Output()
	if iface := ParseRouteGet(string(out)); iface != "" {
		return iface, nil
	}
	if err != nil {
		return "", fmt.Errorf("route -n get default: %w", err)
	}
	return "", fmt.Errorf("route -n get default: no interface line")
}
