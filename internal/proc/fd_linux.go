//go:build linux

package proc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// Descriptors reads /proc/<pid>/fd in descriptor order. Sockets found in
// the scan's inventory carry their inet_diag_msg; other sockets (unix,
// netlink) are returned without a layout.
func (s *linuxSource) Descriptors(ctx context.Context, pid int) ([]model.Descriptor, error) {
	fdDir := filepath.Join(s.root, strconv.Itoa(pid), "fd")
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil, classifyReadErr(pid, err)
	}

	fds := make([]int, 0, len(entries))
	for _, e := range entries {
		if fd, err := strconv.Atoi(e.Name()); err == nil {
			fds = append(fds, fd)
		}
	}
	sort.Ints(fds)

	descs := make([]model.Descriptor, 0, len(fds))
	for _, fd := range fds {
		link, err := os.Readlink(filepath.Join(fdDir, strconv.Itoa(fd)))
		if err != nil {
			// closed since ReadDir
			continue
		}
		d := model.Descriptor{FD: fd, Kind: linkKind(link)}
		if d.Kind == model.DescriptorSocket {
			if inode, ok := socketInode(link); ok {
				if sock, ok := s.lookup(ctx, inode); ok {
					d.Layout = model.LayoutInetDiag
					d.Protocol = sock.protocol
					d.Raw = sock.raw
				}
			}
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func linkKind(link string) model.DescriptorKind {
	switch {
	case strings.HasPrefix(link, "socket:["):
		return model.DescriptorSocket
	case strings.HasPrefix(link, "pipe:["):
		return model.DescriptorPipe
	case strings.HasPrefix(link, "/"):
		return model.DescriptorVnode
	}
	return model.DescriptorOther
}

func socketInode(link string) (uint32, bool) {
	var inode uint32
	if _, err := fmt.Sscanf(link, "socket:[%d]", &inode); err != nil {
		return 0, false
	}
	return inode, true
}
