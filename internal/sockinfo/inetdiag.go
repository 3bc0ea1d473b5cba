package sockinfo

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// struct inet_diag_msg (linux/inet_diag.h)
const (
	idiagFamily = 0
	idiagState  = 1
	idiagSport  = 4
	idiagDport  = 6
	idiagSrc    = 8
	idiagDst    = 24
	idiagInode  = 68

	InetDiagMsgSize = 72

	linuxAFInet  = 2
	linuxAFInet6 = 10
)

var linuxTCPStates = map[uint32]model.TCPState{
	1:  model.TCPStateEstablished,
	2:  model.TCPStateSynSent,
	3:  model.TCPStateSynReceived,
	4:  model.TCPStateFinWait1,
	5:  model.TCPStateFinWait2,
	6:  model.TCPStateTimeWait,
	7:  model.TCPStateClosed,
	8:  model.TCPStateCloseWait,
	9:  model.TCPStateLastAck,
	10: model.TCPStateListen,
	11: model.TCPStateClosing,
	12: model.TCPStateSynReceived, // TCP_NEW_SYN_RECV
}

// InetDiagLayout decodes struct inet_diag_msg blobs. Ports are big-endian on
// the wire; the trailing counters and inode are in Order.
type InetDiagLayout struct {
	Order binary.ByteOrder
}

var LinuxLayout = InetDiagLayout{Order: binary.NativeEndian}

func (l InetDiagLayout) Decode(b []byte, proto model.Protocol) Result {
	if err := need(b, 1); err != nil {
		return failed(err)
	}
	var (
		family model.Family
		addr   func([]byte) netip.Addr
	)
	switch f := b[idiagFamily]; f {
	case linuxAFInet:
		family = model.FamilyIPv4
		addr = func(a []byte) netip.Addr { return netip.AddrFrom4([4]byte(a[:4])) }
	case linuxAFInet6:
		family = model.FamilyIPv6
		addr = func(a []byte) netip.Addr { return netip.AddrFrom16([16]byte(a[:16])) }
	default:
		return failed(fmt.Errorf("%w: %d", ErrUnknownFamily, f))
	}
	if err := need(b, InetDiagMsgSize); err != nil {
		return failed(err)
	}

	rec := model.SocketRecord{
		Family: family,
		Local:  endpoint(addr(b[idiagSrc:]), binary.BigEndian.Uint16(b[idiagSport:])),
		Remote: endpoint(addr(b[idiagDst:]), binary.BigEndian.Uint16(b[idiagDport:])),
	}
	switch proto {
	case model.ProtocolTCP:
		rec.Protocol = model.ProtocolTCP
		rec.State = mapState(linuxTCPStates, uint32(b[idiagState]))
	case model.ProtocolUDP:
		rec.Protocol = model.ProtocolUDP
	default:
		return failed(fmt.Errorf("%w: inet_diag message without protocol", ErrUnknownLayout))
	}
	return decoded(rec)
}

// Inode returns the socket inode of an inet_diag_msg, used to attribute the
// socket to the processes holding it open.
func (l InetDiagLayout) Inode(b []byte) (uint32, error) {
	if err := need(b, InetDiagMsgSize); err != nil {
		return 0, err
	}
	return l.Order.Uint32(b[idiagInode:]), nil
}
