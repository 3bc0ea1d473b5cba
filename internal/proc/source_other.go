//go:build !darwin && !linux

package proc

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

var errUnsupported = errors.New("process inspection is not supported on this platform")

type unsupportedSource struct{}

func New(zerolog.Logger) Source { return unsupportedSource{} }

func (unsupportedSource) ListProcesses(context.Context) ([]model.ProcessInfo, error) {
	return nil, errUnsupported
}

func (unsupportedSource) Descriptors(context.Context, int) ([]model.Descriptor, error) {
	return nil, errUnsupported
}
