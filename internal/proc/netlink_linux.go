//go:build linux

package proc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/proxy-audit/proxy-audit/internal/sockinfo"
	"github.com/proxy-audit/proxy-audit/pkg/model"
)

const (
	// struct inet_diag_req_v2
	inetDiagReqV2Size = 56
	allTCPStates      = 0xffffffff
	netlinkRecvBuf    = 64 << 10
	netlinkTimeout    = 2 * time.Second
)

// netlinkInventory dumps every TCP and UDP socket of both families through
// NETLINK_SOCK_DIAG, keyed by inode.
func netlinkInventory(ctx context.Context) (map[uint32]inetSocket, error) {
	inv := make(map[uint32]inetSocket)
	for _, q := range []struct {
		family uint8
		proto  uint8
		model  model.Protocol
	}{
		{unix.AF_INET, unix.IPPROTO_TCP, model.ProtocolTCP},
		{unix.AF_INET6, unix.IPPROTO_TCP, model.ProtocolTCP},
		{unix.AF_INET, unix.IPPROTO_UDP, model.ProtocolUDP},
		{unix.AF_INET6, unix.IPPROTO_UDP, model.ProtocolUDP},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, err := sockDiagDump(q.family, q.proto)
		if err != nil {
			return nil, fmt.Errorf("sock_diag family %d proto %d: %w", q.family, q.proto, err)
		}
		for _, m := range msgs {
			inode, err := sockinfo.LinuxLayout.Inode(m)
			if err != nil || inode == 0 {
				continue
			}
			inv[inode] = inetSocket{protocol: q.model, raw: m}
		}
	}
	return inv, nil
}

func sockDiagDump(family, proto uint8) ([][]byte, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_INET_DIAG)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	tv := unix.NsecToTimeval(netlinkTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return nil, err
	}

	const seq = 1
	req := make([]byte, unix.NLMSG_HDRLEN+inetDiagReqV2Size)
	ne := binary.NativeEndian
	ne.PutUint32(req[0:], uint32(len(req)))
	ne.PutUint16(req[4:], unix.SOCK_DIAG_BY_FAMILY)
	ne.PutUint16(req[6:], unix.NLM_F_REQUEST|unix.NLM_F_DUMP)
	ne.PutUint32(req[8:], seq)
	body := req[unix.NLMSG_HDRLEN:]
	body[0] = family
	body[1] = proto
	ne.PutUint32(body[4:], allTCPStates)

	if err := unix.Sendto(fd, req, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return nil, err
	}

	var out [][]byte
	buf := make([]byte, netlinkRecvBuf)
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, err
		}
		done, err := parseNetlinkMessages(buf[:n], seq, func(payload []byte) {
			out = append(out, append([]byte(nil), payload...))
		})
		if err != nil {
			return nil, err
		}
		if done {
			return out, nil
		}
	}
}

// parseNetlinkMessages walks one datagram of netlink messages and hands
// each SOCK_DIAG_BY_FAMILY payload to fn. It reports done on NLMSG_DONE.
func parseNetlinkMessages(b []byte, seq uint32, fn func([]byte)) (bool, error) {
	ne := binary.NativeEndian
	for len(b) >= unix.NLMSG_HDRLEN {
		msgLen := int(ne.Uint32(b[0:]))
		msgType := ne.Uint16(b[4:])
		if msgLen < unix.NLMSG_HDRLEN || msgLen > len(b) {
			return false, fmt.Errorf("netlink message length %d out of range", msgLen)
		}
		next := nlmAlign(msgLen)
		if ne.Uint32(b[8:]) == seq {
			payload := b[unix.NLMSG_HDRLEN:msgLen]
			switch msgType {
			case unix.NLMSG_DONE:
				return true, nil
			case unix.NLMSG_ERROR:
				if len(payload) >= 4 {
					if errno := int32(ne.Uint32(payload)); errno != 0 {
						return false, unix.Errno(-errno)
					}
				}
				return true, nil
			case unix.SOCK_DIAG_BY_FAMILY:
				fn(payload)
			}
		}

		if next >= len(b) {
			break
		}
		b = b[next:]
	}
	return false, nil
}

func nlmAlign(n int) int {
	return (n + unix.NLMSG_ALIGNTO - 1) &^ (unix.NLMSG_ALIGNTO - 1)
}
