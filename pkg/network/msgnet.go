package network

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yhzhang0128/salticidae/pkg/connpool"
	"github.com/yhzhang0128/salticidae/pkg/netaddr"
	"github.com/yhzhang0128/salticidae/pkg/queue"
	"github.com/yhzhang0128/salticidae/pkg/task"
	"github.com/yhzhang0128/salticidae/pkg/wire"
)

// Handler processes one received message on the user loop.
type Handler func(msg wire.Msg, c *Conn)

// parse states of the per-connection frame parser.
type parseState int

const (
	stateHeader parseState = iota
	statePayload
)

// Conn wraps a pool connection with framing state, traffic statistics,
// and — for peer networks — the peer back-pointer and liveness watchdog.
type Conn struct {
	*connpool.Conn
	net *MsgNetwork

	// parser state; recv goroutine only
	state parseState
	cur   wire.Msg
	need  int

	msgSleep atomic.Bool

	nsent  atomic.Uint64
	nrecv  atomic.Uint64
	nsentB atomic.Uint64
	nrecvB atomic.Uint64

	// peer is the non-owning back-pointer, dispatcher-confined; cleared
	// when the connection loses the handshake race or the peer goes away.
	peer *Peer

	wd atomic.Pointer[watchdog]
}

// Net returns the owning message network.
func (c *Conn) Net() *MsgNetwork { return c.net }

// NSent and friends expose per-connection message statistics.
func (c *Conn) NSent() uint64 { return c.nsent.Load() }

// NRecv returns the number of messages delivered from this connection.
func (c *Conn) NRecv() uint64 { return c.nrecv.Load() }

// NSentBytes returns the payload bytes sent.
func (c *Conn) NSentBytes() uint64 { return c.nsentB.Load() }

// NRecvBytes returns the payload bytes delivered.
func (c *Conn) NRecvBytes() uint64 { return c.nrecvB.Load() }

// MsgSleep reports whether inbound processing is paused on backpressure.
func (c *Conn) MsgSleep() bool { return c.msgSleep.Load() }

func (c *Conn) resetWatchdog() {
	if w := c.wd.Load(); w != nil {
		w.reset()
	}
}

func (c *Conn) stopWatchdog() {
	if w := c.wd.Swap(nil); w != nil {
		w.stop()
	}
}

// watchdog is the per-connection liveness deadline. It is reset from the
// recv goroutine on every inbound chunk and from the dispatcher on every
// heartbeat round.
type watchdog struct {
	mu sync.Mutex
	t  *time.Timer
	d  time.Duration
}

func newWatchdog(d time.Duration, expire func()) *watchdog {
	w := &watchdog{d: d}
	w.t = time.AfterFunc(d, expire)
	return w
}

func (w *watchdog) reset() {
	w.mu.Lock()
	w.t.Reset(w.d)
	w.mu.Unlock()
}

func (w *watchdog) stop() {
	w.mu.Lock()
	w.t.Stop()
	w.mu.Unlock()
}

type inEvent struct {
	msg  wire.Msg
	conn *Conn
}

// netHooks is the variant extension point: PeerNetwork and ClientNetwork
// intercept the lifecycle the way virtual overrides would.
type netHooks interface {
	onSetup(c *Conn)
	onTeardown(c *Conn)
}

// MsgNetwork sends and receives framed, opcode-dispatched messages over a
// connection pool.
type MsgNetwork struct {
	pool *connpool.Pool
	cfg  Config
	log  *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[wire.Opcode]Handler

	inbound *queue.Inbound[inEvent]

	asyncID atomic.Int32
	errCbMu sync.RWMutex
	errCb   ErrorHandler
	hooks   netHooks

	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	pumpDone chan struct{}
}

// New creates a MsgNetwork.
func New(cfg Config) *MsgNetwork {
	cfg.applyDefaults()
	n := &MsgNetwork{
		cfg:      cfg,
		handlers: make(map[wire.Opcode]Handler),
		stopCh:   make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	n.pool = connpool.NewPool(cfg.Config, n)
	n.log = n.pool.Config().Logger
	n.inbound = queue.NewInbound[inEvent](cfg.MaxMsgQueueSize)
	return n
}

// Pool returns the underlying connection pool.
func (n *MsgNetwork) Pool() *connpool.Pool { return n.pool }

// Config returns the network configuration.
func (n *MsgNetwork) Config() Config { return n.cfg }

// Start launches the pool loops and the inbound dispatch pump.
func (n *MsgNetwork) Start() {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	n.pool.Start()
	go n.dispatchLoop()
}

// Stop stops dispatch and the pool. Idempotent.
func (n *MsgNetwork) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	if n.started.Load() {
		<-n.pumpDone
	}
	n.pool.Stop()
}

// Listen binds the listen address and accepts passive connections.
func (n *MsgNetwork) Listen(addr netaddr.NetAddr) error {
	return n.pool.Listen(addr)
}

// Connect dials a remote address, fire-and-forget.
func (n *MsgNetwork) Connect(addr netaddr.NetAddr) {
	n.pool.Connect(addr, false)
}

// ConnectSync dials a remote address and returns the connection handle as
// soon as the dispatcher has created it.
func (n *MsgNetwork) ConnectSync(addr netaddr.NetAddr) (*Conn, error) {
	bc, err := n.pool.Connect(addr, true)
	if err != nil {
		return nil, err
	}
	return connOf(bc), nil
}

// Terminate tears down a connection. Idempotent, safe from any thread.
func (n *MsgNetwork) Terminate(c *Conn) {
	n.pool.Terminate(c.Conn)
}

// RegConnHandler registers the connection up/down callback.
func (n *MsgNetwork) RegConnHandler(cb func(c *Conn, connected bool)) {
	n.pool.RegConnHandler(func(bc *connpool.Conn, connected bool) {
		if mc := connOf(bc); mc != nil {
			cb(mc, connected)
		}
	})
}

// RegHandler registers the handler for an opcode.
func (n *MsgNetwork) RegHandler(op wire.Opcode, h Handler) {
	n.handlersMu.Lock()
	n.handlers[op] = h
	n.handlersMu.Unlock()
}

// RegErrorHandler registers the fatal/recoverable error callback.
func (n *MsgNetwork) RegErrorHandler(cb ErrorHandler) {
	n.errCbMu.Lock()
	n.errCb = cb
	n.errCbMu.Unlock()
}

// UserLoop returns the loop all user callbacks run on.
func (n *MsgNetwork) UserLoop() *task.Loop { return n.pool.UserLoop() }

// ListenAddr returns the bound listen address.
func (n *MsgNetwork) ListenAddr() netaddr.NetAddr { return n.pool.ListenAddr() }

// SendMsg frames and queues a message on a connection. Returns false when
// the connection's bounded send queue is full.
func (n *MsgNetwork) SendMsg(op wire.Opcode, payload []byte, c *Conn) bool {
	return n.sendMsg(wire.NewMsg(n.cfg.MsgMagic, op, payload), c)
}

func (n *MsgNetwork) sendMsg(m wire.Msg, c *Conn) bool {
	n.log.Debug("writing message",
		zap.Stringer("msg", m), zap.Stringer("conn", c))
	if !c.Write(m.Serialize()) {
		return false
	}
	c.nsent.Add(1)
	c.nsentB.Add(uint64(m.Length()))
	return true
}

// SendMsgDeferred queues the send on the dispatcher and reports failure on
// the recoverable-error channel tagged with the returned async id.
func (n *MsgNetwork) SendMsgDeferred(op wire.Opcode, payload []byte, c *Conn) int32 {
	id := n.genAsyncID()
	m := wire.NewMsg(n.cfg.MsgMagic, op, payload)
	n.pool.DispLoop().Post(func() {
		if !n.sendMsg(m, c) {
			n.recoverableError(ErrConnNotReady, id)
		}
	})
	return id
}

func (n *MsgNetwork) genAsyncID() int32 {
	return n.asyncID.Add(1)
}

func (n *MsgNetwork) recoverableError(err error, id int32) {
	n.errCbMu.RLock()
	cb := n.errCb
	n.errCbMu.RUnlock()
	if cb == nil {
		return
	}
	n.pool.UserLoop().Post(func() { cb(err, false, id) })
}

func (n *MsgNetwork) fatalError(err error) {
	n.errCbMu.RLock()
	cb := n.errCb
	n.errCbMu.RUnlock()
	if cb == nil {
		return
	}
	n.pool.UserLoop().Post(func() { cb(err, true, 0) })
}

// poolConns returns the live message connections. Must run on the
// dispatcher loop.
func (n *MsgNetwork) poolConns() []*Conn {
	var out []*Conn
	for _, bc := range n.pool.DispConns() {
		if mc := connOf(bc); mc != nil {
			out = append(out, mc)
		}
	}
	return out
}

func connOf(bc *connpool.Conn) *Conn {
	if bc == nil {
		return nil
	}
	mc, _ := bc.Context().(*Conn)
	return mc
}

// OnCreate implements connpool.Delegate: it attaches the framing wrapper.
func (n *MsgNetwork) OnCreate(bc *connpool.Conn) {
	bc.SetContext(&Conn{Conn: bc, net: n, state: stateHeader})
}

// OnSetup implements connpool.Delegate.
func (n *MsgNetwork) OnSetup(bc *connpool.Conn) {
	if n.hooks != nil {
		n.hooks.onSetup(connOf(bc))
	}
}

// OnTeardown implements connpool.Delegate.
func (n *MsgNetwork) OnTeardown(bc *connpool.Conn) {
	mc := connOf(bc)
	if mc == nil {
		return
	}
	if n.hooks != nil {
		n.hooks.onTeardown(mc)
	}
	mc.stopWatchdog()
}

// OnRead implements connpool.Delegate: the two-state frame parser. It runs
// on the connection's recv goroutine and drains every complete frame from
// the receive buffer. A full inbound queue pauses it (and thus the socket
// reads) until the user loop catches up.
func (n *MsgNetwork) OnRead(bc *connpool.Conn) error {
	mc := connOf(bc)
	if mc == nil {
		return nil
	}
	mc.resetWatchdog()
	buf := bc.RecvBuffer()
	for {
		switch mc.state {
		case stateHeader:
			if buf.Size() < wire.HeaderSize {
				return nil
			}
			h, err := wire.ParseHeader(buf.Pop(wire.HeaderSize), n.cfg.MsgMagic)
			if err != nil {
				return err
			}
			if int(h.Length) > n.cfg.MaxMsgSize {
				n.log.Warn("oversized message, terminating the connection",
					zap.Stringer("conn", mc), zap.Uint32("length", h.Length))
				return ErrConnOversizedMsg
			}
			mc.cur = wire.FromHeader(h)
			mc.need = int(h.Length)
			mc.state = statePayload

		case statePayload:
			if buf.Size() < mc.need {
				return nil
			}
			mc.cur.SetPayload(buf.Pop(mc.need))
			mc.state = stateHeader
			if !mc.cur.VerifyChecksum() {
				n.log.Warn("checksums do not match, dropping the message",
					zap.Stringer("conn", mc))
				continue
			}
			ev := inEvent{msg: mc.cur, conn: mc}
			if !n.inbound.TryEnqueue(ev) {
				mc.msgSleep.Store(true)
				ok := n.inbound.Enqueue(ev, n.stopCh)
				mc.msgSleep.Store(false)
				if !ok {
					return nil
				}
			}
		}
	}
}

// dispatchLoop pumps the inbound queue onto the user loop in bursts of at
// most BurstSize, yielding between bursts so other user tasks interleave.
func (n *MsgNetwork) dispatchLoop() {
	defer close(n.pumpDone)
	for {
		select {
		case <-n.stopCh:
			return
		case ev := <-n.inbound.Chan():
			batch := make([]inEvent, 1, n.cfg.BurstSize)
			batch[0] = ev
			for len(batch) < n.cfg.BurstSize {
				more, ok := n.inbound.TryDequeue()
				if !ok {
					break
				}
				batch = append(batch, more)
			}
			if _, err := task.Call(n.pool.UserLoop(), func() (struct{}, error) {
				n.deliver(batch)
				return struct{}{}, nil
			}); err != nil {
				return
			}
		}
	}
}

// deliver runs on the user loop.
func (n *MsgNetwork) deliver(batch []inEvent) {
	for _, ev := range batch {
		if ev.conn.IsTerminated() {
			continue
		}
		n.handlersMu.RLock()
		h := n.handlers[ev.msg.Opcode()]
		n.handlersMu.RUnlock()
		if h == nil {
			n.log.Warn("unknown opcode",
				zap.Uint8("opcode", uint8(ev.msg.Opcode())))
			continue
		}
		ev.conn.nrecv.Add(1)
		ev.conn.nrecvB.Add(uint64(ev.msg.Length()))
		h(ev.msg, ev.conn)
	}
}
