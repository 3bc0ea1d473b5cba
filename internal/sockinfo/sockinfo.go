// Package sockinfo decodes the raw per-descriptor socket structures returned
// by OS introspection APIs into model.SocketRecord values.
//
// Every layout is decoded by reading a fixed discriminant first and then
// dispatching to a per-variant decoder that checks the blob is long enough
// for the variant before touching it. Nothing is reinterpreted through
// unsafe casts, so the decoders run (and are tested) on any platform.
package sockinfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

var (
	ErrTruncated     = errors.New("socket structure truncated")
	ErrUnknownFamily = errors.New("unknown address family")
	ErrUnknownLayout = errors.New("unknown socket layout")
)

type Status int

const (
	// Decoded means Result.Socket holds a socket record.
	Decoded Status = iota
	// Skipped means the descriptor carries no inet socket: it is not a
	// socket, or it is a socket of another domain (unix, kernel control...).
	Skipped
	// Failed means the descriptor should have decoded but did not; Err says why.
	Failed
)

func (s Status) String() string {
	switch s {
	case Decoded:
		return "decoded"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is the outcome of decoding one descriptor.
type Result struct {
	Socket model.SocketRecord
	Status Status
	Err    error
}

func decoded(s model.SocketRecord) Result { return Result{Socket: s, Status: Decoded} }

func skipped() Result { return Result{Status: Skipped} }

func failed(err error) Result { return Result{Status: Failed, Err: err} }

// Failure records a descriptor that failed to decode.
type Failure struct {
	FD  int
	Err error
}

// Decode decodes a single descriptor.
func Decode(d model.Descriptor) Result {
	if d.Kind != model.DescriptorSocket {
		return skipped()
	}
	switch d.Layout {
	case model.LayoutSocketFDInfo:
		return DarwinLayout.Decode(d.Raw)
	case model.LayoutInetDiag:
		return LinuxLayout.Decode(d.Raw, d.Protocol)
	case model.LayoutNone:
		// the collaborator saw a socket but could not fetch its details
		return skipped()
	}
	return failed(fmt.Errorf("%w: %d", ErrUnknownLayout, d.Layout))
}

// DecodeAll decodes a descriptor table in order. Failed descriptors are
// reported and skipped; they never prevent the remaining ones from decoding.
func DecodeAll(descs []model.Descriptor) ([]model.SocketRecord, []Failure) {
	var (
		sockets  []model.SocketRecord
		failures []Failure
	)
	for _, d := range descs {
		res := Decode(d)
		switch res.Status {
		case Decoded:
			sockets = append(sockets, res.Socket)
		case Failed:
			failures = append(failures, Failure{FD: d.FD, Err: res.Err})
		}
	}
	return sockets, failures
}

// networkPort converts a port held in the low 16 bits of a host-order int,
// as BSD stores in_port_t inside wider fields, into host order.
func networkPort(order binary.ByteOrder, b []byte) uint16 {
	v := uint16(order.Uint32(b))
	var buf [2]byte
	order.PutUint16(buf[:], v)
	return binary.BigEndian.Uint16(buf[:])
}

func endpoint(addr netip.Addr, port uint16) netip.AddrPort {
	addr = addr.Unmap()
	if addr.IsUnspecified() && port == 0 {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr, port)
}

func need(b []byte, n int) error {
	if len(b) < n {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrTruncated, len(b), n)
	}
	return nil
}
