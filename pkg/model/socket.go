package model

import "net/netip"

type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

type Family string

const (
	FamilyIPv4 Family = "IPv4"
	FamilyIPv6 Family = "IPv6"
)

// TCPState is the connection state of a TCP socket. The zero value means the
// socket has no TCP state (UDP).
type TCPState int

const (
	TCPStateNone TCPState = iota
	TCPStateClosed
	TCPStateListen
	TCPStateSynSent
	TCPStateSynReceived
	TCPStateEstablished
	TCPStateCloseWait
	TCPStateFinWait1
	TCPStateFinWait2
	TCPStateLastAck
	TCPStateClosing
	TCPStateTimeWait
	TCPStateUnknown
)

var tcpStateNames = map[TCPState]string{
	TCPStateClosed:      "CLOSED",
	TCPStateListen:      "LISTEN",
	TCPStateSynSent:     "SYN_SENT",
	TCPStateSynReceived: "SYN_RECEIVED",
	TCPStateEstablished: "ESTABLISHED",
	TCPStateCloseWait:   "CLOSE_WAIT",
	TCPStateFinWait1:    "FIN_WAIT_1",
	TCPStateFinWait2:    "FIN_WAIT_2",
	TCPStateLastAck:     "LAST_ACK",
	TCPStateClosing:     "CLOSING",
	TCPStateTimeWait:    "TIME_WAIT",
	TCPStateUnknown:     "UNKNOWN",
}

func (s TCPState) String() string {
	if name, ok := tcpStateNames[s]; ok {
		return name
	}
	return ""
}

func (s TCPState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connected reports whether the state belongs to an open or half-open
// connection, as opposed to LISTEN, CLOSED, TIME_WAIT or an unknown state.
func (s TCPState) Connected() bool {
	switch s {
	case TCPStateSynSent, TCPStateSynReceived, TCPStateEstablished,
		TCPStateCloseWait, TCPStateFinWait1, TCPStateFinWait2,
		TCPStateLastAck, TCPStateClosing:
		return true
	}
	return false
}

// SocketRecord is one live socket owned by a process. Local and Remote are
// the zero AddrPort when absent.
type SocketRecord struct {
	Protocol Protocol       `json:"protocol"`
	Family   Family         `json:"family"`
	Local    netip.AddrPort `json:"local,omitzero"`
	Remote   netip.AddrPort `json:"remote,omitzero"`
	State    TCPState       `json:"tcp_state,omitempty"`
}

func (s SocketRecord) HasRemote() bool {
	return s.Remote.IsValid() && !s.Remote.Addr().IsUnspecified() && s.Remote.Port() != 0
}

func (s SocketRecord) IsListening() bool {
	return s.Protocol == ProtocolTCP && s.State == TCPStateListen
}
