package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies the type of a message. The value space is owned by the
// application; opcodes 0xf0 and 0xf1 are claimed by default for the peer
// handshake.
type Opcode uint8

// HeaderSize is the size of the fixed message header:
// magic u32 | opcode u8 | length u32 | checksum u32.
const HeaderSize = 13

// Framing errors.
var (
	ErrBadMagic    = errors.New("message magic mismatch")
	ErrHeaderShort = errors.New("short header")
)

// Header is the decoded fixed-size message header.
type Header struct {
	Magic    uint32
	Op       Opcode
	Length   uint32
	Checksum uint32
}

// ParseHeader decodes the header from the front of b and validates the magic.
func ParseHeader(b []byte, magic uint32) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrHeaderShort
	}
	h := Header{
		Magic:    binary.LittleEndian.Uint32(b[0:4]),
		Op:       Opcode(b[4]),
		Length:   binary.LittleEndian.Uint32(b[5:9]),
		Checksum: binary.LittleEndian.Uint32(b[9:13]),
	}
	if h.Magic != magic {
		return Header{}, fmt.Errorf("%w: got %#x, want %#x", ErrBadMagic, h.Magic, magic)
	}
	return h, nil
}

// Msg is a framed message: header plus payload.
type Msg struct {
	magic    uint32
	op       Opcode
	checksum uint32
	payload  []byte
}

// NewMsg builds a message and computes its checksum.
func NewMsg(magic uint32, op Opcode, payload []byte) Msg {
	return Msg{
		magic:    magic,
		op:       op,
		checksum: Checksum(payload),
		payload:  payload,
	}
}

// FromHeader builds a partially decoded message from a parsed header.
// The payload is attached later with SetPayload.
func FromHeader(h Header) Msg {
	return Msg{magic: h.Magic, op: h.Op, checksum: h.Checksum}
}

// Opcode returns the message opcode.
func (m Msg) Opcode() Opcode { return m.op }

// Length returns the payload length.
func (m Msg) Length() int { return len(m.payload) }

// Payload returns the payload bytes. The slice must not be modified.
func (m Msg) Payload() []byte { return m.payload }

// SetPayload attaches the payload to a header-decoded message.
func (m *Msg) SetPayload(p []byte) { m.payload = p }

// VerifyChecksum reports whether the payload matches the header checksum.
func (m Msg) VerifyChecksum() bool {
	return Checksum(m.payload) == m.checksum
}

// Serialize encodes the full frame: header followed by payload.
func (m Msg) Serialize() []byte {
	out := make([]byte, HeaderSize, HeaderSize+len(m.payload))
	binary.LittleEndian.PutUint32(out[0:4], m.magic)
	out[4] = byte(m.op)
	binary.LittleEndian.PutUint32(out[5:9], uint32(len(m.payload)))
	binary.LittleEndian.PutUint32(out[9:13], m.checksum)
	return append(out, m.payload...)
}

// String returns a short human-readable description.
func (m Msg) String() string {
	return fmt.Sprintf("<msg op=%#02x len=%d sum=%08x>", uint8(m.op), len(m.payload), m.checksum)
}

// Checksum computes the frame checksum: the first four bytes of the SHA-256
// digest of the payload, read little-endian.
func Checksum(payload []byte) uint32 {
	sum := sha256.Sum256(payload)
	return binary.LittleEndian.Uint32(sum[:4])
}
