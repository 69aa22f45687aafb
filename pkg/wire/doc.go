// Package wire defines the on-wire message format: a fixed 13-byte header
// (magic, opcode, payload length, checksum — all little-endian) followed by
// the payload, plus the handshake Ping/Pong payload codec.
//
// Implementations on both ends of a connection must agree on this layout
// bit for bit.
package wire
