//go:build linux

package proc

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type linuxSource struct {
	root string
	log  zerolog.Logger

	mu        sync.RWMutex
	inventory map[uint32]inetSocket
}

// New returns the Linux source: /proc for processes and descriptor tables,
// NETLINK_SOCK_DIAG for socket details.
func New(log zerolog.Logger) Source {
	return &linuxSource{root: "/proc", log: log}
}

// Prepare dumps the system's inet sockets once for the scan. When the
// netlink dump is unavailable the /proc/net tables are used instead.
func (s *linuxSource) Prepare(ctx context.Context) error {
	inv, err := netlinkInventory(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("sock_diag dump failed; falling back to /proc/net")
		inv, err = procNetInventory(s.root)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.inventory = inv
	s.mu.Unlock()
	s.log.Debug().Int("sockets", len(inv)).Msg("inet socket inventory")
	return nil
}

func (s *linuxSource) lookup(ctx context.Context, inode uint32) (inetSocket, bool) {
	s.mu.RLock()
	inv := s.inventory
	s.mu.RUnlock()
	if inv == nil {
		if err := s.Prepare(ctx); err != nil {
			return inetSocket{}, false
		}
		s.mu.RLock()
		inv = s.inventory
		s.mu.RUnlock()
	}
	sock, ok := inv[inode]
	return sock, ok
}
