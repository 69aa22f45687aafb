package connpool

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yhzhang0128/salticidae/pkg/netaddr"
	"github.com/yhzhang0128/salticidae/pkg/queue"
)

// Mode is the connection mode.
type Mode int32

const (
	// ModeActive marks a connection established by Connect.
	ModeActive Mode = iota

	// ModePassive marks a connection accepted from a listener.
	ModePassive

	// ModeDead marks a terminated connection. Dead is terminal; a dead
	// connection silently absorbs all further events.
	ModeDead
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "ACTIVE"
	case ModePassive:
		return "PASSIVE"
	case ModeDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Conn is one bi-directional byte stream owned by the pool. Its receive
// buffer and parser state belong to the recv goroutine of the owning
// worker; everything else is reached through atomics or posted tasks.
type Conn struct {
	id   string
	pool *Pool
	mode atomic.Int32
	addr netaddr.NetAddr

	worker *Worker // set by the dispatcher during setup

	mu       sync.Mutex
	raw      net.Conn
	tlsState *tls.ConnectionState

	sendBuf *queue.WriteBuffer
	recvBuf queue.SegBuffer // recv goroutine only

	stopCh    chan struct{}
	stopOnce  sync.Once
	setupDone atomic.Bool

	setupTimer *time.Timer
	relSem     func()
	fedFlag    bool // confined to the owning worker's loop

	ctx atomic.Value // upper-layer per-connection state

	sentBytes  atomic.Uint64
	recvdBytes atomic.Uint64
}

func newConn(p *Pool, mode Mode, addr netaddr.NetAddr) *Conn {
	c := &Conn{
		id:      uuid.New().String(),
		pool:    p,
		addr:    addr,
		sendBuf: queue.NewWriteBuffer(p.cfg.QueueCapacity),
		stopCh:  make(chan struct{}),
	}
	c.mode.Store(int32(mode))
	return c
}

// ID returns the unique connection identifier.
func (c *Conn) ID() string { return c.id }

// Addr returns the remote address.
func (c *Conn) Addr() netaddr.NetAddr { return c.addr }

// Mode returns the current connection mode.
func (c *Conn) Mode() Mode { return Mode(c.mode.Load()) }

// IsTerminated reports whether the connection is dead.
func (c *Conn) IsTerminated() bool { return c.Mode() == ModeDead }

// Pool returns the owning pool.
func (c *Conn) Pool() *Pool { return c.pool }

// String returns a short description for logs.
func (c *Conn) String() string {
	return fmt.Sprintf("<conn %.8s %s mode=%s>", c.id, c.addr, c.Mode())
}

// SetContext attaches upper-layer state to the connection.
func (c *Conn) SetContext(v any) { c.ctx.Store(v) }

// Context returns the state attached with SetContext, or nil.
func (c *Conn) Context() any { return c.ctx.Load() }

// TLSState returns the TLS state captured at setup, or false when the pool
// runs without TLS.
func (c *Conn) TLSState() (tls.ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tlsState == nil {
		return tls.ConnectionState{}, false
	}
	return *c.tlsState, true
}

// PeerCertDER returns the DER encoding of the remote certificate, or nil.
func (c *Conn) PeerCertDER() []byte {
	state, ok := c.TLSState()
	if !ok || len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0].Raw
}

// SentBytes returns the number of bytes written to the socket.
func (c *Conn) SentBytes() uint64 { return c.sentBytes.Load() }

// RecvBytes returns the number of bytes read from the socket.
func (c *Conn) RecvBytes() uint64 { return c.recvdBytes.Load() }

// SendBuffer exposes the send queue so an upper layer can drain it.
func (c *Conn) SendBuffer() *queue.WriteBuffer { return c.sendBuf }

// RecvBuffer exposes the segmented receive buffer. Only the frame parser,
// running on the recv goroutine, may touch it.
func (c *Conn) RecvBuffer() *queue.SegBuffer { return &c.recvBuf }

// Write queues data for sending. Returns false when the send queue is
// bounded and full. Writes to a dead connection are queued but never
// drained.
func (c *Conn) Write(data []byte) bool {
	return c.sendBuf.Push(data)
}

// attachTransport installs the (possibly TLS-wrapped) socket. If teardown
// already ran, the socket is closed immediately rather than leaked.
func (c *Conn) attachTransport(raw net.Conn, state *tls.ConnectionState) {
	c.mu.Lock()
	c.raw = raw
	c.tlsState = state
	c.mu.Unlock()
	select {
	case <-c.stopCh:
		raw.Close()
	default:
	}
}

func (c *Conn) transport() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw
}

// Terminate tears the connection down from any goroutine: the worker-side
// equivalent of Pool.Terminate, used by watchdogs and parsers. Idempotent.
func (c *Conn) Terminate(err error) {
	c.terminate(err)
}

// terminate is the single teardown entry point; both the worker path and
// the dispatcher path land here. The first caller flips the mode to DEAD,
// closes the socket, and posts the finalizer to the dispatcher.
func (c *Conn) terminate(err error) {
	if Mode(c.mode.Swap(int32(ModeDead))) == ModeDead {
		return
	}
	c.stop()
	c.pool.disp.Post(func() { c.pool.removeConn(c, err) })
}

// stop closes the I/O and cancels planned events. Idempotent.
func (c *Conn) stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.setupTimer != nil {
			c.setupTimer.Stop()
		}
		if raw := c.transport(); raw != nil {
			raw.Close()
		}
	})
}

// recvLoop reads socket chunks into the receive buffer and hands them to
// the delegate's parser. It is the sole consumer of the receive buffer.
func (c *Conn) recvLoop() {
	log := c.pool.cfg.Logger
	for {
		chunk := c.pool.cfg.SegBuffSize
		if room := c.pool.cfg.MaxRecvBuffSize - c.recvBuf.Size(); room < chunk {
			if room <= 0 {
				log.Warn("recv buffer overrun", zap.String("conn", c.String()))
				c.terminate(errRecvOverrun)
				return
			}
			chunk = room
		}
		buf := make([]byte, chunk)
		n, err := c.transport().Read(buf)
		if n > 0 {
			c.recvdBytes.Add(uint64(n))
			c.recvBuf.Write(buf[:n])
			if perr := c.pool.delegate.OnRead(c); perr != nil {
				log.Warn("terminating connection",
					zap.String("conn", c.String()), zap.Error(perr))
				c.terminate(perr)
				return
			}
		}
		if err != nil {
			c.terminate(err)
			return
		}
	}
}

// sendLoop drains the send queue into the socket. A readiness token wakes
// it whenever the queue transitions from empty to non-empty.
func (c *Conn) sendLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.sendBuf.Ready():
			for {
				seg, ok := c.sendBuf.Pop()
				if !ok {
					break
				}
				if _, err := c.transport().Write(seg); err != nil {
					c.terminate(err)
					return
				}
				c.sentBytes.Add(uint64(len(seg)))
			}
		}
	}
}
