package sockinfo

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// Offsets into struct socket_fdinfo (sys/proc_info.h). The blob starts with
// a 24 byte proc_fileinfo followed by socket_info.
const (
	pfiSize = 24

	soiProtocol = pfiSize + 156
	soiFamily   = pfiSize + 160
	soiKind     = pfiSize + 232
	soiProto    = pfiSize + 240

	// in_sockinfo, relative to soiProto
	insiFport = 0
	insiLport = 4
	insiVflag = 24
	insiFaddr = 32
	insiLaddr = 48
	insiSize  = 80

	// tcp_sockinfo embeds in_sockinfo then tcpsi_state
	tcpsiState = insiSize
	tcpsiSize  = 120

	// minimum length of the header fields read before dispatching
	fdinfoHeaderSize = soiProto
)

const (
	sockinfoIn  = 1
	sockinfoTCP = 2

	darwinAFInet  = 2
	darwinAFInet6 = 30

	iniIPv4 = 0x1
	iniIPv6 = 0x2

	ipprotoUDP = 17
)

var darwinTCPStates = map[uint32]model.TCPState{
	0:  model.TCPStateClosed,
	1:  model.TCPStateListen,
	2:  model.TCPStateSynSent,
	3:  model.TCPStateSynReceived,
	4:  model.TCPStateEstablished,
	5:  model.TCPStateCloseWait,
	6:  model.TCPStateFinWait1,
	7:  model.TCPStateClosing,
	8:  model.TCPStateLastAck,
	9:  model.TCPStateFinWait2,
	10: model.TCPStateTimeWait,
}

// FDInfoLayout decodes struct socket_fdinfo blobs. Order is the byte order of
// the host that produced them.
type FDInfoLayout struct {
	Order binary.ByteOrder
}

// DarwinLayout is the layout produced on the supported Darwin hosts
// (arm64 and amd64, both little-endian).
var DarwinLayout = FDInfoLayout{Order: binary.LittleEndian}

func (l FDInfoLayout) Decode(b []byte) Result {
	if err := need(b, fdinfoHeaderSize); err != nil {
		return failed(err)
	}
	kind := l.Order.Uint32(b[soiKind:])
	switch kind {
	case sockinfoTCP:
		if err := need(b, soiProto+tcpsiSize); err != nil {
			return failed(err)
		}
		rec, err := l.inSockinfo(b, model.ProtocolTCP)
		if err != nil {
			return failed(err)
		}
		rec.State = mapState(darwinTCPStates, l.Order.Uint32(b[soiProto+tcpsiState:]))
		return decoded(rec)
	case sockinfoIn:
		if l.Order.Uint32(b[soiProtocol:]) != ipprotoUDP {
			// raw IP sockets
			return skipped()
		}
		if err := need(b, soiProto+insiSize); err != nil {
			return failed(err)
		}
		rec, err := l.inSockinfo(b, model.ProtocolUDP)
		if err != nil {
			return failed(err)
		}
		return decoded(rec)
	}
	// generic, unix domain, kernel event and kernel control sockets
	return skipped()
}

func (l FDInfoLayout) inSockinfo(b []byte, proto model.Protocol) (model.SocketRecord, error) {
	var family model.Family
	switch f := l.Order.Uint32(b[soiFamily:]); f {
	case darwinAFInet:
		family = model.FamilyIPv4
	case darwinAFInet6:
		family = model.FamilyIPv6
	default:
		return model.SocketRecord{}, fmt.Errorf("%w: %d", ErrUnknownFamily, f)
	}

	ini := b[soiProto : soiProto+insiSize]
	vflag := ini[insiVflag]
	var readAddr func([]byte) netip.Addr
	switch {
	case vflag&iniIPv4 != 0:
		// IPv4 and IPv4-mapped sockets keep the address in the
		// last four bytes of in4in6_addr
		readAddr = func(a []byte) netip.Addr { return netip.AddrFrom4([4]byte(a[12:16])) }
	case vflag&iniIPv6 != 0:
		if family != model.FamilyIPv6 {
			return model.SocketRecord{}, fmt.Errorf("%w: IPv6 address on an AF_INET socket", ErrUnknownFamily)
		}
		readAddr = func(a []byte) netip.Addr { return netip.AddrFrom16([16]byte(a[:16])) }
	default:
		return model.SocketRecord{}, fmt.Errorf("%w: vflag %#x", ErrUnknownFamily, vflag)
	}

	return model.SocketRecord{
		Protocol: proto,
		Family:   family,
		Local:    endpoint(readAddr(ini[insiLaddr:]), networkPort(l.Order, ini[insiLport:])),
		Remote:   endpoint(readAddr(ini[insiFaddr:]), networkPort(l.Order, ini[insiFport:])),
	}, nil
}

func mapState(table map[uint32]model.TCPState, v uint32) model.TCPState {
	if s, ok := table[v]; ok {
		return s
	}
	return model.TCPStateUnknown
}
