package network

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/yhzhang0128/salticidae/pkg/netaddr"
)

// peerState tracks a peer's handshake lifecycle.
type peerState int

const (
	// peerDisconnected: no chosen connection; candidates are provisional.
	peerDisconnected peerState = iota

	// peerConnected: exactly one chosen connection carries traffic.
	peerConnected

	// peerReset: an explicit reconnect was requested; the teardown of the
	// current connection schedules an immediate retry.
	peerReset
)

// passiveNonce is the sentinel used by the passive side while the peer's
// own address is unknown. It is the maximal 16-bit value, so a remote whose
// regular nonce is below it wins deterministically. Regular nonces are drawn
// from [1, 0x10000], so a remote that draws 0xffff or 0x10000 loses that
// round.
const passiveNonce uint32 = 0xffff

// Peer is a registered peer. All fields are confined to the dispatcher,
// except conn, which user-thread send paths read through the atomic.
type Peer struct {
	id   PeerId
	addr netaddr.NetAddr

	// nonce is the current handshake nonce; 0 means "unset" and a fresh
	// value is drawn lazily.
	nonce uint32

	// conn is the established connection, nil while disconnected.
	conn atomic.Pointer[Conn]

	// handshake candidates
	chosenConn   *Conn
	inboundConn  *Conn
	outboundConn *Conn

	retryDelay time.Duration
	ntry       int
	retryTimer *time.Timer

	pingTimer   *time.Timer
	pingTimerOK bool
	pongMsgOK   bool
	pingPeriod  time.Duration

	state peerState
}

func newPeer(id PeerId, pingPeriod time.Duration) *Peer {
	return &Peer{
		id:         id,
		pingPeriod: pingPeriod,
		state:      peerDisconnected,
	}
}

// getNonce returns the current nonce, drawing a random one in
// [1, 0x10000] when unset.
func (p *Peer) getNonce() (uint32, error) {
	if p.nonce == 0 {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, ErrRandSource
		}
		p.nonce = uint32(binary.LittleEndian.Uint16(b[:])) + 1
	}
	return p.nonce, nil
}

func (p *Peer) stopPingTimer() {
	if p.pingTimer != nil {
		p.pingTimer.Stop()
		p.pingTimer = nil
	}
}

func (p *Peer) stopRetryTimer() {
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
}

func (p *Peer) clearAllTimers() {
	p.stopPingTimer()
	p.stopRetryTimer()
}

// clearCandidates drops the back-pointers of any lingering candidate so
// their eventual teardown no longer touches this peer.
func (p *Peer) clearCandidates() {
	if p.inboundConn != nil && p.inboundConn.peer == p {
		p.inboundConn.peer = nil
	}
	if p.outboundConn != nil && p.outboundConn.peer == p {
		p.outboundConn.peer = nil
	}
	p.inboundConn = nil
	p.outboundConn = nil
}
