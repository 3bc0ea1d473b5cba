//go:build !darwin && !linux

package sysproxy

import (
	"context"
	"errors"
)

type systemQuerier struct{}

func NewSystemQuerier() Querier {
	return systemQuerier{}
}

var errUnsupported = errors.New("network configuration is not readable on this platform")

func (systemQuerier) ProxySettings(context.Context) (map[string]string, error) {
	return nil, errUnsupported
}

func (systemQuerier) DefaultInterface(context.Context) (string, error) {
	return "", errUnsupported
}
