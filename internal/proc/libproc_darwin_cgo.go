//go:build darwin && cgo

package proc

/*
#cgo CFLAGS: -mmacosx-version-min=11.0
#cgo LDFLAGS: -mmacosx-version-min=11.0
#include <libproc.h>
#include <sys/proc_info.h>
#include <errno.h>

static int pa_listpids(int *pids, int bufsize, int *bytes_used) {
    int rv = proc_listpids(PROC_ALL_PIDS, 0, pids, bufsize);
    if (rv <= 0) {
        *bytes_used = 0;
        return errno ? errno : EIO;
    }
    *bytes_used = rv;
    return 0;
}

static int pa_pidpath(int pid, char *buf, int size) {
    int rv = proc_pidpath(pid, buf, size);
    if (rv <= 0) {
        buf[0] = '\0';
        return errno ? errno : EIO;
    }
    return 0;
}

static int pa_name(int pid, char *buf, int size) {
    int rv = proc_name(pid, buf, size);
    if (rv <= 0) {
        buf[0] = '\0';
        return errno ? errno : EIO;
    }
    return 0;
}

static int pa_listfds(int pid, struct proc_fdinfo *fds, int bufsize, int *bytes_used) {
    int rv = proc_pidinfo(pid, PROC_PIDLISTFDS, 0, fds, bufsize);
    if (rv < 0) {
        *bytes_used = 0;
        return errno;
    }
    if (rv == 0) {
        *bytes_used = 0;
        return errno ? errno : ESRCH;
    }
    *bytes_used = rv;
    return 0;
}

static int pa_socketinfo(int pid, int fd, struct socket_fdinfo *info, int *bytes_used) {
    int rv = proc_pidfdinfo(pid, fd, PROC_PIDFDSOCKETINFO, info, PROC_PIDFDSOCKETINFO_SIZE);
    if (rv <= 0) {
        *bytes_used = 0;
        return errno ? errno : EIO;
    }
    *bytes_used = rv;
    return 0;
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// PROC_PIDPATHINFO_MAXSIZE
const pidPathMax = 4 * 1024

type fdEntry struct {
	fd   int
	kind model.DescriptorKind
}

func libprocAvailable() bool { return true }

func listPIDs() ([]int, error) {
	pids := make([]C.int, 2048)
	for {
		var used C.int
		bufsize := C.int(len(pids)) * C.int(C.sizeof_int)
		if errno := C.pa_listpids(&pids[0], bufsize, &used); errno != 0 {
			return nil, fmt.Errorf("proc_listpids: errno %d", errno)
		}
		n := int(used) / int(C.sizeof_int)
		// a full buffer may have been truncated
		if n >= len(pids) && len(pids) < 1<<20 {
			pids = make([]C.int, len(pids)*2)
			continue
		}
		out := make([]int, 0, n)
		for _, p := range pids[:n] {
			if p > 0 {
				out = append(out, int(p))
			}
		}
		return out, nil
	}
}

func processIdentity(pid int) (name, path string) {
	pathBuf := make([]C.char, pidPathMax)
	if C.pa_pidpath(C.int(pid), &pathBuf[0], C.int(len(pathBuf))) == 0 {
		path = C.GoString(&pathBuf[0])
	}
	nameBuf := make([]C.char, 256)
	if C.pa_name(C.int(pid), &nameBuf[0], C.int(len(nameBuf))) == 0 {
		name = C.GoString(&nameBuf[0])
	}
	return name, path
}

func listFDs(pid int) ([]fdEntry, error) {
	const bytesPerEntry = int(C.sizeof_struct_proc_fdinfo)
	entries := make([]C.struct_proc_fdinfo, 256)

	for {
		var used C.int
		errno := C.pa_listfds(C.int(pid), &entries[0], C.int(len(entries)*bytesPerEntry), &used)
		if errno != 0 {
			return nil, errnoErr(pid, errno)
		}
		count := int(used) / bytesPerEntry
		if count >= len(entries) && len(entries) < 1<<16 {
			entries = make([]C.struct_proc_fdinfo, len(entries)*2)
			continue
		}

		out := make([]fdEntry, 0, count)
		for _, e := range entries[:count] {
			out = append(out, fdEntry{fd: int(e.proc_fd), kind: fdKind(e.proc_fdtype)})
		}
		return out, nil
	}
}

// socketInfo returns the raw socket_fdinfo for fd, sized to what the kernel
// actually wrote.
func socketInfo(pid, fd int) ([]byte, error) {
	var info C.struct_socket_fdinfo
	var used C.int
	if errno := C.pa_socketinfo(C.int(pid), C.int(fd), &info, &used); errno != 0 {
		return nil, errnoErr(pid, errno)
	}
	return C.GoBytes(unsafe.Pointer(&info), used), nil
}

func fdKind(t C.uint32_t) model.DescriptorKind {
	switch t {
	case C.PROX_FDTYPE_SOCKET:
		return model.DescriptorSocket
	case C.PROX_FDTYPE_VNODE:
		return model.DescriptorVnode
	case C.PROX_FDTYPE_PIPE:
		return model.DescriptorPipe
	}
	return model.DescriptorOther
}

func errnoErr(pid int, errno C.int) error {
	switch errno {
	case C.ESRCH:
		return fmt.Errorf("pid %d: %w", pid, ErrGone)
	case C.EPERM, C.EACCES:
		return fmt.Errorf("pid %d: %w", pid, ErrInaccessible)
	}
	return fmt.Errorf("pid %d: libproc errno %d", pid, errno)
}
