package wire

import (
	"encoding/binary"
	"errors"

	"github.com/yhzhang0128/salticidae/pkg/netaddr"
)

// Default opcodes for the peer handshake.
const (
	OpcodePing Opcode = 0xf0
	OpcodePong Opcode = 0xf1
)

// ErrShortHandshake indicates a truncated Ping/Pong payload.
var ErrShortHandshake = errors.New("short handshake payload")

// Ping is the handshake/heartbeat payload. A heartbeat carries only the
// zero flag byte; a handshake additionally carries the sender's claimed
// listen address and its current nonce.
//
// Pong has the identical wire shape under a distinct opcode.
type Ping struct {
	Handshake   bool
	ClaimedAddr netaddr.NetAddr
	Nonce       uint32
}

// Heartbeat returns the flag-0 heartbeat payload.
func Heartbeat() Ping {
	return Ping{}
}

// NewHandshake returns a flag-1 handshake payload.
func NewHandshake(claimedAddr netaddr.NetAddr, nonce uint32) Ping {
	return Ping{Handshake: true, ClaimedAddr: claimedAddr, Nonce: nonce}
}

// Encode serializes the payload: u8 flag, then (if flag is 1) the 6-byte
// address and the nonce as u32 little-endian.
func (p Ping) Encode() []byte {
	if !p.Handshake {
		return []byte{0}
	}
	out := make([]byte, 1, 1+netaddr.WireSize+4)
	out[0] = 1
	out = p.ClaimedAddr.Serialize(out)
	return binary.LittleEndian.AppendUint32(out, p.Nonce)
}

// DecodePing parses a Ping (or Pong) payload.
func DecodePing(b []byte) (Ping, error) {
	if len(b) < 1 {
		return Ping{}, ErrShortHandshake
	}
	if b[0] == 0 {
		return Ping{}, nil
	}
	if len(b) < 1+netaddr.WireSize+4 {
		return Ping{}, ErrShortHandshake
	}
	addr, err := netaddr.Decode(b[1:])
	if err != nil {
		return Ping{}, err
	}
	return Ping{
		Handshake:   true,
		ClaimedAddr: addr,
		Nonce:       binary.LittleEndian.Uint32(b[1+netaddr.WireSize:]),
	}, nil
}
