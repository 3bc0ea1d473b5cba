//go:build linux

package sysproxy

import (
	"context"
	"fmt"
	"os"
)

type systemQuerier struct {
	routePath string
}

// NewSystemQuerier reads proxy settings from the conventional environment
// variables and the default route from /proc/net/route.
func NewSystemQuerier() Querier {
	return systemQuerier{routePath: "/proc/net/route"}
}

func (systemQuerier) ProxySettings(context.Context) (map[string]string, error) {
	return SettingsFromEnv(os.Getenv), nil
}

func (q systemQuerier) DefaultInterface(context.Context) (string, error) {
	data, err := os.ReadFile(q.routePath)
	if err != nil {
		return "", err
	}
	iface := ParseProcNetRoute(string(data))
	if iface == "" {
		return "", fmt.Errorf("%s: no default route", q.routePath)
	}
	return iface, nil
}
