package network

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yhzhang0128/salticidae/pkg/connpool"
	"github.com/yhzhang0128/salticidae/pkg/netaddr"
	"github.com/yhzhang0128/salticidae/pkg/task"
	"github.com/yhzhang0128/salticidae/pkg/wire"
)

// PeerHandler is invoked on the user loop when a peer connection is
// established (true) or lost (false).
type PeerHandler func(c *Conn, connected bool)

// UnknownPeerHandler is invoked on the user loop when an unregistered peer
// attempts a handshake. certDER is nil without TLS.
type UnknownPeerHandler func(claimedAddr netaddr.NetAddr, certDER []byte)

// PeerNetwork is a peer-to-peer overlay in which any two registered peers
// converge on exactly one bidirectional message channel, whichever side
// dialed first — or both at once.
type PeerNetwork struct {
	*MsgNetwork
	pcfg PeerConfig

	// pendingPeers is dispatcher-owned. knownPeers is written by the
	// dispatcher under peersMu; user-thread send and query fast paths
	// take the read lock.
	pendingPeers map[netaddr.NetAddr]*Conn
	knownPeers   map[PeerId]*Peer
	peersMu      sync.RWMutex

	cbMu          sync.RWMutex
	peerCb        PeerHandler
	unknownPeerCb UnknownPeerHandler
}

// NewPeerNetwork creates a PeerNetwork and registers its handshake
// handlers.
func NewPeerNetwork(cfg PeerConfig) *PeerNetwork {
	cfg.applyDefaults()
	pn := &PeerNetwork{
		MsgNetwork:   New(cfg.Config),
		pcfg:         cfg,
		pendingPeers: make(map[netaddr.NetAddr]*Conn),
		knownPeers:   make(map[PeerId]*Peer),
	}
	pn.hooks = pn
	pn.RegHandler(cfg.OpcodePing, pn.pingHandler)
	pn.RegHandler(cfg.OpcodePong, pn.pongHandler)
	return pn
}

// RegPeerHandler registers the peer up/down callback.
func (pn *PeerNetwork) RegPeerHandler(cb PeerHandler) {
	pn.cbMu.Lock()
	pn.peerCb = cb
	pn.cbMu.Unlock()
}

// RegUnknownPeerHandler registers the unknown-peer callback, invoked only
// when AllowUnknownPeer is set.
func (pn *PeerNetwork) RegUnknownPeerHandler(cb UnknownPeerHandler) {
	pn.cbMu.Lock()
	pn.unknownPeerCb = cb
	pn.cbMu.Unlock()
}

func (pn *PeerNetwork) disp() *task.Loop { return pn.pool.DispLoop() }

func (pn *PeerNetwork) lookupPeer(pid PeerId) *Peer {
	pn.peersMu.RLock()
	defer pn.peersMu.RUnlock()
	return pn.knownPeers[pid]
}

// getPeerId derives a connection's peer identity from the claimed address
// or the presented certificate, per the configured mode.
func (pn *PeerNetwork) getPeerId(c *Conn, addr netaddr.NetAddr) PeerId {
	if !pn.pcfg.EnableTLS || pn.pcfg.IDMode == AddrBased {
		return PeerIdFromAddr(addr)
	}
	return PeerIdFromCert(c.PeerCertDER())
}

// jitterTimeout spreads a delay uniformly over [d/2, 3d/2) so peers do not
// fall into lockstep.
func jitterTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

/* begin: dispatcher-side lifecycle */

// onSetup arms the liveness watchdog, tracks the pending connection, and —
// on the active side — opens the handshake.
func (pn *PeerNetwork) onSetup(c *Conn) {
	pn.log.Info("connection", zap.Stringer("conn", c))
	c.wd.Store(newWatchdog(pn.pcfg.ConnTimeout, func() {
		pn.log.Info("peer ping-pong timeout", zap.Stringer("conn", c))
		c.Terminate(ErrConnNotReady)
	}))
	pn.replacePendingConn(c)
	if c.Mode() == connpool.ModeActive {
		p := pn.lookupPeer(pn.getPeerId(c, c.Addr()))
		if p == nil {
			return
		}
		nonce, err := p.getNonce()
		if err != nil {
			pn.fatalError(err)
			return
		}
		ping := wire.NewHandshake(pn.ListenAddr(), nonce)
		pn.SendMsg(pn.pcfg.OpcodePing, ping.Encode(), c)
	}
}

// onTeardown clears pending state and, when the lost connection was the
// peer's established channel, flips the peer to DISCONNECTED and schedules
// the retry policy.
func (pn *PeerNetwork) onTeardown(c *Conn) {
	delete(pn.pendingPeers, c.Addr())
	p := c.peer
	if p == nil {
		return
	}
	reset := p.state == peerReset
	if p.conn.Load() == c {
		p.state = peerDisconnected
		p.inboundConn = nil
		p.outboundConn = nil
		p.chosenConn = nil
		p.conn.Store(nil)
		p.stopPingTimer()
		p.nonce = 0
		pn.notifyPeer(c, false)
	}
	if p.ntry != 0 {
		if p.ntry > 0 {
			p.ntry--
		}
		delay := jitterTimeout(p.retryDelay)
		if reset {
			delay = 0
		}
		pn.armRetryTimer(p, delay)
	} else {
		p.stopRetryTimer()
	}
}

func (pn *PeerNetwork) armRetryTimer(p *Peer, delay time.Duration) {
	p.stopRetryTimer()
	p.retryTimer = time.AfterFunc(delay, func() {
		pn.disp().Post(func() {
			if pn.lookupPeer(p.id) != p || p.state != peerDisconnected {
				return
			}
			pn.startActiveConn(p)
			pn.armRetryTimer(p, jitterTimeout(p.retryDelay))
		})
	})
}

// replacePendingConn registers a connection under its remote address,
// terminating any previous pending connection for the same address.
func (pn *PeerNetwork) replacePendingConn(c *Conn) {
	if old, ok := pn.pendingPeers[c.Addr()]; ok && old != c {
		pn.log.Debug("terminating stale pending connection",
			zap.Stringer("conn", old))
		old.Terminate(nil)
	}
	pn.pendingPeers[c.Addr()] = c
}

// startActiveConn dials the peer's address and records the outbound
// candidate.
func (pn *PeerNetwork) startActiveConn(p *Peer) {
	if p.addr.IsNull() {
		return
	}
	c := connOf(pn.pool.DispConnect(p.addr))
	p.outboundConn = c
	c.peer = p
	pn.replacePendingConn(c)
}

// finishHandshake elects p.chosenConn as the single surviving connection.
func (pn *PeerNetwork) finishHandshake(p *Peer) {
	p.clearAllTimers()
	if p.inboundConn != nil && p.inboundConn != p.chosenConn {
		p.inboundConn.peer = nil
	}
	if p.outboundConn != nil && p.outboundConn != p.chosenConn {
		p.outboundConn.peer = nil
	}
	p.state = peerConnected
	chosen := p.chosenConn
	pn.resetPingTimer(p)
	pn.sendPing(p)
	if old := p.conn.Load(); old != nil && old != chosen {
		// move the earlier connection's unsent bytes over, preserving
		// order. onTeardown clears p.conn before a peer is DISCONNECTED
		// again, so after a teardown no earlier connection is found here
		// and a dead connection's queued bytes are not carried over.
		for _, seg := range old.SendBuffer().Drain() {
			chosen.Write(seg)
		}
		old.peer = nil
	}
	p.conn.Store(chosen)
	chosen.peer = p
	pn.notifyPeer(chosen, true)
	delete(pn.pendingPeers, chosen.Addr())
	pn.log.Info("established peer connection",
		zap.String("listen", pn.ListenAddr().String()),
		zap.String("peer", p.id.Short()),
		zap.Stringer("conn", chosen))
}

// sendPing starts a heartbeat round on the chosen connection and re-arms
// the liveness deadline.
func (pn *PeerNetwork) sendPing(p *Peer) {
	p.pingTimerOK = false
	p.pongMsgOK = false
	c := p.chosenConn
	if c == nil {
		return
	}
	if w := c.wd.Load(); w != nil {
		w.reset()
	}
	pn.SendMsg(pn.pcfg.OpcodePing, wire.Heartbeat().Encode(), c)
}

func (pn *PeerNetwork) resetPingTimer(p *Peer) {
	p.stopPingTimer()
	p.pingTimer = time.AfterFunc(jitterTimeout(p.pingPeriod), func() {
		pn.disp().Post(func() {
			if pn.lookupPeer(p.id) != p || p.state != peerConnected {
				return
			}
			p.pingTimerOK = true
			if p.pongMsgOK {
				pn.resetPingTimer(p)
				pn.sendPing(p)
			}
		})
	})
}

func (pn *PeerNetwork) notifyPeer(c *Conn, connected bool) {
	pn.cbMu.RLock()
	cb := pn.peerCb
	pn.cbMu.RUnlock()
	if cb == nil {
		return
	}
	pn.pool.UserLoop().Post(func() { cb(c, connected) })
}

/* end: dispatcher-side lifecycle */

/* begin: handshake message handlers */

func (pn *PeerNetwork) pingHandler(msg wire.Msg, c *Conn) {
	ping, err := wire.DecodePing(msg.Payload())
	if err != nil {
		pn.log.Warn("malformed ping", zap.Error(err))
		return
	}
	pn.disp().Post(func() { pn.handlePing(ping, c) })
}

func (pn *PeerNetwork) pongHandler(msg wire.Msg, c *Conn) {
	pong, err := wire.DecodePing(msg.Payload())
	if err != nil {
		pn.log.Warn("malformed pong", zap.Error(err))
		return
	}
	pn.disp().Post(func() { pn.handlePong(pong, c) })
}

// handlePing runs on the dispatcher: the passive side of the handshake,
// plus heartbeat echo.
func (pn *PeerNetwork) handlePing(ping wire.Ping, c *Conn) {
	if c.IsTerminated() {
		return
	}
	if !ping.Handshake {
		pn.log.Debug("ping", zap.Stringer("conn", c))
		pn.SendMsg(pn.pcfg.OpcodePong, wire.Heartbeat().Encode(), c)
		return
	}
	if c.Mode() != connpool.ModePassive {
		pn.log.Warn("unexpected inbound handshake", zap.Stringer("conn", c))
		return
	}
	pid := pn.getPeerId(c, ping.ClaimedAddr)
	p := pn.lookupPeer(pid)
	if p == nil {
		pn.cbMu.RLock()
		unknownCb := pn.unknownPeerCb
		pn.cbMu.RUnlock()
		if pn.pcfg.AllowUnknownPeer && unknownCb != nil {
			addr, der := ping.ClaimedAddr, c.PeerCertDER()
			pn.pool.UserLoop().Post(func() { unknownCb(addr, der) })
		} else {
			pn.log.Warn("handshake from unknown peer",
				zap.String("claimed", ping.ClaimedAddr.String()))
		}
		c.Terminate(ErrPeerNotExist)
		return
	}
	if p.state != peerDisconnected {
		return
	}
	if !p.addr.IsNull() && p.addr != ping.ClaimedAddr {
		return
	}
	pn.log.Info("inbound handshake",
		zap.String("listen", pn.ListenAddr().String()), zap.Stringer("conn", c))
	localNonce, err := p.getNonce()
	if err != nil {
		pn.fatalError(err)
		c.Terminate(err)
		return
	}
	pongNonce := localNonce
	if p.addr.IsNull() {
		pongNonce = passiveNonce
	}
	pong := wire.NewHandshake(pn.ListenAddr(), pongNonce)
	pn.SendMsg(pn.pcfg.OpcodePong, pong.Encode(), c)
	if old := p.inboundConn; old != nil && old != c {
		pn.log.Debug("terminating stale handshake connection",
			zap.Stringer("conn", old))
		old.Terminate(nil)
	}
	p.inboundConn = c
	if ping.Nonce < localNonce || p.addr.IsNull() {
		pn.log.Debug("inbound connection chosen", zap.Stringer("conn", c))
		p.chosenConn = c
		pn.finishHandshake(p)
	} else {
		pn.log.Debug("inbound connection loses the tiebreak",
			zap.Uint32("remote", ping.Nonce), zap.Uint32("local", localNonce))
		if ping.Nonce == localNonce {
			// a tie: reset the nonce so the next round draws a fresh value
			p.nonce = 0
		}
		c.Terminate(nil)
	}
}

// handlePong runs on the dispatcher: the active side of the handshake,
// plus heartbeat liveness accounting.
func (pn *PeerNetwork) handlePong(pong wire.Ping, c *Conn) {
	if c.IsTerminated() {
		return
	}
	if !pong.Handshake {
		p := c.peer
		if p == nil {
			pn.log.Warn("unexpected pong message", zap.Stringer("conn", c))
			return
		}
		p.pongMsgOK = true
		if p.pingTimerOK {
			pn.resetPingTimer(p)
			pn.sendPing(p)
		}
		return
	}
	if c.Mode() != connpool.ModeActive {
		pn.log.Warn("unexpected outbound handshake", zap.Stringer("conn", c))
		return
	}
	pid := pn.getPeerId(c, c.Addr())
	p := pn.lookupPeer(pid)
	if p == nil {
		pn.log.Warn("unexpected pong from an unknown peer")
		c.Terminate(ErrPeerNotExist)
		return
	}
	if p.state != peerDisconnected || p.addr != pong.ClaimedAddr {
		return
	}
	pn.log.Info("outbound handshake",
		zap.String("listen", pn.ListenAddr().String()), zap.Stringer("conn", c))
	if old := p.outboundConn; old != nil && old != c {
		pn.log.Debug("terminating stale handshake connection",
			zap.Stringer("conn", old))
		old.Terminate(nil)
	}
	p.outboundConn = c
	localNonce, err := p.getNonce()
	if err != nil {
		pn.fatalError(err)
		c.Terminate(err)
		return
	}
	if localNonce < pong.Nonce {
		pn.log.Debug("outbound connection chosen", zap.Stringer("conn", c))
		p.chosenConn = c
		pn.finishHandshake(p)
	} else {
		// the symmetric inbound path wins (or ties); reset the nonce so
		// the next round draws a fresh value
		pn.log.Debug("outbound connection loses the tiebreak",
			zap.Uint32("local", localNonce), zap.Uint32("remote", pong.Nonce))
		p.nonce = 0
		c.Terminate(nil)
	}
}

/* end: handshake message handlers */

/* begin: public API, invoked from the user thread */

// AddPeer registers a peer as known. Deferred; PEER_ALREADY_EXISTS is
// reported on the recoverable-error channel.
func (pn *PeerNetwork) AddPeer(pid PeerId) int32 {
	id := pn.genAsyncID()
	pn.disp().Post(func() {
		pn.peersMu.Lock()
		defer pn.peersMu.Unlock()
		if _, ok := pn.knownPeers[pid]; ok {
			pn.recoverableError(ErrPeerAlreadyExists, id)
			return
		}
		pn.knownPeers[pid] = newPeer(pid, pn.pcfg.PingPeriod)
	})
	return id
}

// DelPeer unregisters a peer, terminating its connection and evicting any
// pending connection for its address.
func (pn *PeerNetwork) DelPeer(pid PeerId) int32 {
	id := pn.genAsyncID()
	pn.disp().Post(func() {
		pn.peersMu.Lock()
		p, ok := pn.knownPeers[pid]
		if ok {
			delete(pn.knownPeers, pid)
		}
		pn.peersMu.Unlock()
		if !ok {
			pn.recoverableError(ErrPeerNotExist, id)
			return
		}
		p.clearAllTimers()
		if c := p.conn.Load(); c != nil {
			c.peer = nil
			c.Terminate(nil)
		}
		p.clearCandidates()
		if pc, ok := pn.pendingPeers[p.addr]; ok {
			if pc.peer == nil {
				pc.Terminate(nil)
			}
			delete(pn.pendingPeers, p.addr)
		}
	})
	return id
}

// SetPeerAddr sets the peer's dial target.
func (pn *PeerNetwork) SetPeerAddr(pid PeerId, addr netaddr.NetAddr) int32 {
	id := pn.genAsyncID()
	pn.disp().Post(func() {
		p := pn.lookupPeer(pid)
		if p == nil {
			pn.recoverableError(ErrPeerNotExist, id)
			return
		}
		p.addr = addr
	})
	return id
}

// ConnPeer marks the peer eligible for active dialing. ntry = -1 retries
// indefinitely, 0 gives up, > 0 bounds the attempts. A connected peer is
// reset: its connection is terminated and redialed immediately.
func (pn *PeerNetwork) ConnPeer(pid PeerId, ntry int, retryDelay time.Duration) int32 {
	id := pn.genAsyncID()
	pn.disp().Post(func() {
		p := pn.lookupPeer(pid)
		if p == nil {
			pn.recoverableError(ErrPeerNotExist, id)
			return
		}
		if p.addr.IsNull() {
			pn.recoverableError(ErrPeerNotReady, id)
			return
		}
		p.ntry = ntry
		p.retryDelay = retryDelay
		p.clearCandidates()
		p.stopPingTimer()
		p.nonce = 0
		if p.conn.Load() == nil || p.state == peerDisconnected {
			pn.startActiveConn(p)
		} else if p.state == peerConnected {
			// the established connection must die before the next attempt
			p.state = peerReset
			p.conn.Load().Terminate(nil)
		}
	})
	return id
}

// HasPeer reports whether the peer is registered.
func (pn *PeerNetwork) HasPeer(pid PeerId) bool {
	return pn.lookupPeer(pid) != nil
}

// GetPeerConn returns the peer's established connection, or nil while
// disconnected.
func (pn *PeerNetwork) GetPeerConn(pid PeerId) (*Conn, error) {
	p := pn.lookupPeer(pid)
	if p == nil {
		return nil, ErrPeerNotExist
	}
	return p.conn.Load(), nil
}

// GetNPending returns the number of connections whose peer identity is
// still unresolved.
func (pn *PeerNetwork) GetNPending() int {
	n, _ := task.Call(pn.disp(), func() (int, error) {
		return len(pn.pendingPeers), nil
	})
	return n
}

// SendMsgPeer frames and queues a message on the peer's established
// connection: the user-thread fast path. Returns false when the peer is
// unknown, disconnected, or its bounded send queue is full.
func (pn *PeerNetwork) SendMsgPeer(op wire.Opcode, payload []byte, pid PeerId) bool {
	p := pn.lookupPeer(pid)
	if p == nil {
		return false
	}
	c := p.conn.Load()
	if c == nil {
		return false
	}
	return pn.SendMsg(op, payload, c)
}

// SendMsgPeerDeferred posts the lookup-then-send to the dispatcher;
// failures surface on the recoverable-error channel under the returned
// async id.
func (pn *PeerNetwork) SendMsgPeerDeferred(op wire.Opcode, payload []byte, pid PeerId) int32 {
	id := pn.genAsyncID()
	m := wire.NewMsg(pn.cfg.MsgMagic, op, payload)
	pn.disp().Post(func() {
		p := pn.lookupPeer(pid)
		if p == nil {
			pn.recoverableError(ErrPeerNotExist, id)
			return
		}
		c := p.conn.Load()
		if c == nil || !pn.sendMsg(m, c) {
			pn.recoverableError(ErrConnNotReady, id)
		}
	})
	return id
}

// MulticastMsg serializes once and writes to every listed peer. A missing
// peer yields a single PEER_NOT_EXIST for the batch; a failed write yields
// a single CONN_NOT_READY.
func (pn *PeerNetwork) MulticastMsg(op wire.Opcode, payload []byte, pids []PeerId) int32 {
	id := pn.genAsyncID()
	m := wire.NewMsg(pn.cfg.MsgMagic, op, payload)
	pn.disp().Post(func() {
		succ := true
		for _, pid := range pids {
			p := pn.lookupPeer(pid)
			if p == nil {
				pn.recoverableError(ErrPeerNotExist, id)
				return
			}
			c := p.conn.Load()
			if c == nil || !pn.sendMsg(m, c) {
				succ = false
			}
		}
		if !succ {
			pn.recoverableError(ErrConnNotReady, id)
		}
	})
	return id
}

/* end: public API */
