// Package netaddr provides the compact IPv4 address type used on the wire.
package netaddr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// WireSize is the serialized size of a NetAddr: 4-byte IPv4 address in
// network order followed by a 2-byte port in network order.
const WireSize = 6

// NetAddr errors.
var (
	ErrNotIPv4   = errors.New("address is not IPv4")
	ErrTruncated = errors.New("truncated address")
)

// NetAddr is an IPv4 address and TCP port. The zero value is the null
// address, used to mean "unset".
type NetAddr struct {
	IP   [4]byte
	Port uint16
}

// Parse resolves a "host:port" string into a NetAddr.
func Parse(s string) (NetAddr, error) {
	tcp, err := net.ResolveTCPAddr("tcp4", s)
	if err != nil {
		return NetAddr{}, fmt.Errorf("failed to resolve %q: %w", s, err)
	}
	return FromTCPAddr(tcp)
}

// MustParse is like Parse but panics on error. Intended for tests and
// static configuration.
func MustParse(s string) NetAddr {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromTCPAddr converts a net.TCPAddr.
func FromTCPAddr(tcp *net.TCPAddr) (NetAddr, error) {
	ip4 := tcp.IP.To4()
	if ip4 == nil {
		return NetAddr{}, ErrNotIPv4
	}
	var a NetAddr
	copy(a.IP[:], ip4)
	a.Port = uint16(tcp.Port)
	return a, nil
}

// FromNetAddr converts the remote address of a live connection.
func FromNetAddr(addr net.Addr) (NetAddr, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		resolved, err := net.ResolveTCPAddr("tcp4", addr.String())
		if err != nil {
			return NetAddr{}, fmt.Errorf("failed to resolve %q: %w", addr.String(), err)
		}
		tcp = resolved
	}
	return FromTCPAddr(tcp)
}

// IsNull reports whether the address is unset.
func (a NetAddr) IsNull() bool {
	return a == NetAddr{}
}

// String returns the usual "ip:port" form, or "<null>" for the null address.
func (a NetAddr) String() string {
	if a.IsNull() {
		return "<null>"
	}
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

// TCPAddr converts back to a net.TCPAddr for dialing.
func (a NetAddr) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(a.IP[:]), Port: int(a.Port)}
}

// Serialize appends the 6-byte wire form to dst and returns the result.
func (a NetAddr) Serialize(dst []byte) []byte {
	dst = append(dst, a.IP[:]...)
	return binary.BigEndian.AppendUint16(dst, a.Port)
}

// Decode parses the 6-byte wire form from the front of b.
func Decode(b []byte) (NetAddr, error) {
	if len(b) < WireSize {
		return NetAddr{}, ErrTruncated
	}
	var a NetAddr
	copy(a.IP[:], b[:4])
	a.Port = binary.BigEndian.Uint16(b[4:6])
	return a, nil
}
