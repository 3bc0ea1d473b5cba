package model

// DescriptorKind is the kind of an open file descriptor as reported by the
// process-info collaborator.
type DescriptorKind string

const (
	DescriptorSocket DescriptorKind = "socket"
	DescriptorVnode  DescriptorKind = "vnode"
	DescriptorPipe   DescriptorKind = "pipe"
	DescriptorOther  DescriptorKind = "other"
)

// SocketLayout names the binary structure carried in Descriptor.Raw.
type SocketLayout int

const (
	LayoutNone SocketLayout = iota
	// LayoutSocketFDInfo is Darwin's struct socket_fdinfo from proc_pidfdinfo.
	LayoutSocketFDInfo
	// LayoutInetDiag is Linux's struct inet_diag_msg from NETLINK_SOCK_DIAG.
	LayoutInetDiag
)

// Descriptor is one entry of a process's descriptor table.
type Descriptor struct {
	FD     int
	Kind   DescriptorKind
	Layout SocketLayout
	// Protocol is set by collaborators whose layout does not carry it
	// (inet_diag dumps are per protocol).
	Protocol Protocol
	Raw      []byte
}

// ProcessInfo is one entry of the process enumeration.
type ProcessInfo struct {
	PID  int
	Name string
	Path string
}

// ProcessRecord is a snapshot of one process at scan time.
type ProcessRecord struct {
	PID            int            `json:"pid"`
	Name           string         `json:"name"`
	Path           string         `json:"path,omitempty"`
	Sockets        []SocketRecord `json:"sockets,omitempty"`
	Inaccessible   bool           `json:"inaccessible,omitempty"`
	DecodeFailures int            `json:"decode_failures,omitempty"`
}
