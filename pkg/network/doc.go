// Package network layers three message abstractions over the connection
// pool: MsgNetwork frames opcode-tagged messages over raw connections,
// ClientNetwork serves passive clients indexed by address, and PeerNetwork
// maintains at most one authenticated bidirectional channel per configured
// peer, resolved by a nonce-tiebreak handshake.
package network
