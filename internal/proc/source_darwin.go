//go:build darwin

package proc

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

type darwinSource struct {
	log zerolog.Logger
}

// New returns the Darwin source backed by libproc. Without cgo only the
// process list is available (through ps) and every process reports as
// inaccessible.
func New(log zerolog.Logger) Source {
	if !libprocAvailable() {
		log.Warn().Msg("libproc unavailable (built without cgo); sockets cannot be inspected")
	}
	return &darwinSource{log: log}
}

func (s *darwinSource) ListProcesses(ctx context.Context) ([]model.ProcessInfo, error) {
	pids, err := listPIDs()
	if err != nil {
		s.log.Debug().Err(err).Msg("proc_listpids failed; using ps")
		return listProcessSnapshot(ctx)
	}

	out := make([]model.ProcessInfo, 0, len(pids))
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, path := processIdentity(pid)
		if name == "" && path == "" {
			// exited since listing
			continue
		}
		if name == "" {
			name = baseName(path)
		}
		out = append(out, model.ProcessInfo{PID: pid, Name: name, Path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (s *darwinSource) Descriptors(ctx context.Context, pid int) ([]model.Descriptor, error) {
	fds, err := listFDs(pid)
	if err != nil {
		return nil, err
	}

	descs := make([]model.Descriptor, 0, len(fds))
	for _, e := range fds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := model.Descriptor{FD: e.fd, Kind: e.kind}
		if e.kind == model.DescriptorSocket {
			raw, err := socketInfo(pid, e.fd)
			switch {
			case err == nil:
				d.Layout = model.LayoutSocketFDInfo
				d.Raw = raw
			case errors.Is(err, ErrGone):
				return nil, err
			default:
				// descriptor closed or changed since listing
				s.log.Debug().Err(err).Int("pid", pid).Int("fd", e.fd).Msg("socket info unavailable")
				continue
			}
		}
		descs = append(descs, d)
	}
	return descs, nil
}
