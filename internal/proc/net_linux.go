//go:build linux

package proc

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/proxy-audit/proxy-audit/internal/sockinfo"
	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// inetSocket is one entry of the system-wide socket inventory: an
// inet_diag_msg and the protocol of the dump it came from.
type inetSocket struct {
	protocol model.Protocol
	raw      []byte
}

// procNetInventory reads /proc/net/{tcp,tcp6,udp,udp6} and re-encodes each
// row as an inet_diag_msg, so both inventory sources feed one decoder.
func procNetInventory(root string) (map[uint32]inetSocket, error) {
	inv := make(map[uint32]inetSocket)
	found := false

	parse := func(name string, proto model.Protocol, ipv6 bool) {
		f, err := os.Open(filepath.Join(root, "net", name))
		if err != nil {
			return
		}
		defer f.Close()
		found = true

		scanner := bufio.NewScanner(f)
		scanner.Scan() // skip header

		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 10 {
				continue
			}
			raw, inode, err := procNetRow(fields, ipv6)
			if err != nil {
				continue
			}
			inv[inode] = inetSocket{protocol: proto, raw: raw}
		}
	}

	parse("tcp", model.ProtocolTCP, false)
	parse("tcp6", model.ProtocolTCP, true)
	parse("udp", model.ProtocolUDP, false)
	parse("udp6", model.ProtocolUDP, true)

	if !found {
		return nil, fmt.Errorf("no socket tables under %s/net", root)
	}
	return inv, nil
}

// procNetRow encodes one /proc/net row (local, remote, st, ..., inode) as
// an inet_diag_msg.
func procNetRow(fields []string, ipv6 bool) ([]byte, uint32, error) {
	msg := make([]byte, sockinfo.InetDiagMsgSize)
	msg[0] = 2 // AF_INET
	if ipv6 {
		msg[0] = 10 // AF_INET6
	}

	state, err := strconv.ParseUint(fields[3], 16, 8)
	if err != nil {
		return nil, 0, err
	}
	msg[1] = byte(state)

	if err := putProcNetAddr(msg[8:24], msg[4:6], fields[1], ipv6); err != nil {
		return nil, 0, err
	}
	if err := putProcNetAddr(msg[24:40], msg[6:8], fields[2], ipv6); err != nil {
		return nil, 0, err
	}

	inode, err := strconv.ParseUint(fields[9], 10, 32)
	if err != nil {
		return nil, 0, err
	}
	binary.NativeEndian.PutUint32(msg[68:], uint32(inode))
	return msg, uint32(inode), nil
}

// putProcNetAddr decodes "ADDR:PORT" in /proc/net hex notation. Addresses
// are printed as host-order 32-bit words, so each word is byte-swapped back
// into network order.
func putProcNetAddr(addr, port []byte, raw string, ipv6 bool) error {
	ipHex, portHex, ok := strings.Cut(raw, ":")
	if !ok {
		return fmt.Errorf("malformed address %q", raw)
	}
	p, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(port, uint16(p))

	b, err := hex.DecodeString(ipHex)
	if err != nil {
		return err
	}
	want := 4
	if ipv6 {
		want = 16
	}
	if len(b) != want {
		return fmt.Errorf("malformed address %q", raw)
	}
	for i := 0; i < len(b); i += 4 {
		word := binary.NativeEndian.Uint32(b[i:])
		binary.BigEndian.PutUint32(addr[i:], word)
	}
	return nil
}
