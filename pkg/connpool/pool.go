// Package connpool implements the connection pool: the dispatcher that
// owns the pool map and accept/connect logic, the workers that drive
// per-connection I/O, and the teardown protocol that joins the two.
package connpool

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/yhzhang0128/salticidae/pkg/netaddr"
	"github.com/yhzhang0128/salticidae/pkg/task"
)

// Pool errors.
var (
	ErrAlreadyListening = errors.New("already listening")
	ErrNotRunning       = errors.New("pool not running")
	ErrSetupTimeout     = errors.New("connection setup timed out")

	errRecvOverrun = errors.New("receive buffer overrun")
)

// Delegate is the upper layer's hook set: a message network installs its
// codec and registry logic through it.
//
// OnCreate, OnSetup and OnTeardown run on the dispatcher; OnRead runs on
// the connection's recv goroutine and returns a non-nil error to request
// termination (a framing violation, for instance). OnCreate fires as soon
// as the connection object exists, before any transport is ready, so the
// upper layer can attach its per-connection state.
type Delegate interface {
	OnCreate(c *Conn)
	OnSetup(c *Conn)
	OnRead(c *Conn) error
	OnTeardown(c *Conn)
}

// ConnHandler is invoked on the user loop when a connection completes
// setup (true) or is torn down (false).
type ConnHandler func(c *Conn, connected bool)

// Pool manages connections across a dispatcher and a set of workers.
type Pool struct {
	cfg      Config
	log      *zap.Logger
	delegate Delegate

	workers  []*Worker
	disp     *task.Loop
	userLoop *task.Loop

	// dispatcher-owned
	conns map[string]*Conn

	mu         sync.Mutex
	listener   net.Listener
	listenAddr netaddr.NetAddr

	connCb     ConnHandler
	running    atomic.Bool
	acceptWG   sync.WaitGroup
	setupSem   chan struct{}
	acceptStop chan struct{}
}

// NewPool creates a pool. The delegate must be set before Start.
func NewPool(cfg Config, delegate Delegate) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:        cfg,
		log:        cfg.Logger,
		delegate:   delegate,
		conns:      make(map[string]*Conn),
		userLoop:   task.NewLoop("user"),
		acceptStop: make(chan struct{}),
	}
	p.workers = make([]*Worker, cfg.NWorker)
	for i := range p.workers {
		p.workers[i] = newWorker(i, p.log)
	}
	p.workers[0].disp = true
	p.disp = p.workers[0].loop
	if cfg.MaxListenBacklog > 0 {
		p.setupSem = make(chan struct{}, cfg.MaxListenBacklog)
	}
	return p
}

// Config returns the pool configuration.
func (p *Pool) Config() Config { return p.cfg }

// DispLoop returns the dispatcher loop.
func (p *Pool) DispLoop() *task.Loop { return p.disp }

// UserLoop returns the loop on which all user callbacks run.
func (p *Pool) UserLoop() *task.Loop { return p.userLoop }

// RegConnHandler registers the connection up/down callback.
func (p *Pool) RegConnHandler(cb ConnHandler) {
	p.mu.Lock()
	p.connCb = cb
	p.mu.Unlock()
}

// DispConns returns the live connections. Must be called on the
// dispatcher loop.
func (p *Pool) DispConns() []*Conn {
	out := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// Start launches the dispatcher, workers and user loop.
func (p *Pool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.log.Info("starting all loops", zap.Int("nworker", len(p.workers)))
	for _, w := range p.workers {
		w.start()
	}
	p.userLoop.Start()
}

// Stop stops the loops (dispatcher first), joins them, then closes every
// remaining socket.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.log.Info("stopping all loops")
	close(p.acceptStop)
	p.mu.Lock()
	if p.listener != nil {
		p.listener.Close()
	}
	p.mu.Unlock()
	p.acceptWG.Wait()

	p.workers[0].stop()
	for _, w := range p.workers[1:] {
		w.stop()
	}
	p.userLoop.Stop()
	p.userLoop.Join()

	// loops are down; the pool map is safe to touch directly
	for _, c := range p.conns {
		c.mode.Store(int32(ModeDead))
		c.stop()
	}
	p.conns = make(map[string]*Conn)
}

// ListenAddr returns the bound listen address, null before Listen.
func (p *Pool) ListenAddr() netaddr.NetAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listenAddr
}

// Listen binds the listen socket and starts accepting passive connections.
// Synchronous; fails if the pool is already listening or the bind fails.
func (p *Pool) Listen(addr netaddr.NetAddr) error {
	_, err := task.Call(p.disp, func() (struct{}, error) {
		return struct{}{}, p.listenOnDisp(addr)
	})
	return err
}

func (p *Pool) listenOnDisp(addr netaddr.NetAddr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return ErrAlreadyListening
	}
	ln, err := net.Listen("tcp4", addr.String())
	if err != nil {
		return err
	}
	bound, err := netaddr.FromNetAddr(ln.Addr())
	if err != nil {
		ln.Close()
		return err
	}
	p.listener = ln
	p.listenAddr = bound
	p.acceptWG.Add(1)
	go p.acceptLoop(ln)
	p.log.Info("listening", zap.String("addr", bound.String()))
	return nil
}

func (p *Pool) acceptLoop(ln net.Listener) {
	defer p.acceptWG.Done()
	for {
		if p.setupSem != nil {
			select {
			case p.setupSem <- struct{}{}:
			case <-p.acceptStop:
				return
			}
		}
		nc, err := ln.Accept()
		if err != nil {
			p.releaseSetupSlot()
			if errors.Is(err, net.ErrClosed) || !p.running.Load() {
				return
			}
			p.log.Warn("accept error", zap.Error(err))
			continue
		}
		if !p.disp.Post(func() { p.startPassive(nc) }) {
			nc.Close()
			p.releaseSetupSlot()
			return
		}
	}
}

func (p *Pool) releaseSetupSlot() {
	if p.setupSem != nil {
		select {
		case <-p.setupSem:
		default:
		}
	}
}

// startPassive runs on the dispatcher for each accepted socket.
func (p *Pool) startPassive(nc net.Conn) {
	addr, err := netaddr.FromNetAddr(nc.RemoteAddr())
	if err != nil {
		p.log.Warn("rejecting connection with unusable remote address", zap.Error(err))
		nc.Close()
		p.releaseSetupSlot()
		return
	}
	c := newConn(p, ModePassive, addr)
	var relOnce sync.Once
	c.relSem = func() { relOnce.Do(p.releaseSetupSlot) }
	c.attachTransport(nc, nil)
	p.conns[c.id] = c
	p.delegate.OnCreate(c)
	c.setupTimer = time.AfterFunc(p.cfg.ConnServerTimeout, func() {
		p.log.Info("setup timeout", zap.String("conn", c.String()))
		c.terminate(ErrSetupTimeout)
	})
	go p.setupConn(c, nc, true)
}

// Connect dials a remote address. With blocking set, the connection handle
// is returned as soon as the dispatcher has created it; the dial itself
// still completes asynchronously. With blocking unset this is
// fire-and-forget and returns (nil, nil).
func (p *Pool) Connect(addr netaddr.NetAddr, blocking bool) (*Conn, error) {
	if blocking {
		return task.Call(p.disp, func() (*Conn, error) {
			return p.startActive(addr), nil
		})
	}
	if !p.disp.Post(func() { p.startActive(addr) }) {
		return nil, ErrNotRunning
	}
	return nil, nil
}

// startActive runs on the dispatcher.
func (p *Pool) startActive(addr netaddr.NetAddr) *Conn {
	c := newConn(p, ModeActive, addr)
	p.conns[c.id] = c
	p.delegate.OnCreate(c)
	c.setupTimer = time.AfterFunc(p.cfg.ConnServerTimeout, func() {
		c.terminate(ErrSetupTimeout)
	})
	go p.dialConn(c)
	return c
}

// DispConnect dials a remote address from within a dispatcher task. It
// must only be called on the dispatcher loop; Connect is the cross-thread
// entry point.
func (p *Pool) DispConnect(addr netaddr.NetAddr) *Conn {
	return p.startActive(addr)
}

func (p *Pool) dialConn(c *Conn) {
	d := net.Dialer{Timeout: p.cfg.ConnServerTimeout}
	nc, err := d.Dial("tcp4", c.addr.String())
	if err != nil {
		p.log.Info("connect failed", zap.String("addr", c.addr.String()), zap.Error(err))
		c.terminate(err)
		return
	}
	c.attachTransport(nc, nil)
	p.setupConn(c, nc, false)
}

// setupConn performs the TLS handshake (when enabled) off-loop, then posts
// setup completion to the dispatcher.
func (p *Pool) setupConn(c *Conn, nc net.Conn, server bool) {
	if p.cfg.EnableTLS {
		var tc *tls.Conn
		if server {
			tc = tls.Server(nc, p.cfg.serverTLS())
		} else {
			tc = tls.Client(nc, p.cfg.clientTLS())
		}
		tc.SetDeadline(time.Now().Add(p.cfg.ConnServerTimeout))
		if err := tc.Handshake(); err != nil {
			p.log.Warn("TLS handshake failed",
				zap.String("conn", c.String()), zap.Error(err))
			c.terminate(err)
			return
		}
		tc.SetDeadline(time.Time{})
		state := tc.ConnectionState()
		c.attachTransport(tc, &state)
	}
	if !p.disp.Post(func() { p.finishSetup(c) }) {
		c.stop()
	}
}

// finishSetup runs on the dispatcher once the transport is ready: it
// assigns the least-loaded worker, runs the upper layer's setup hook, and
// starts I/O.
func (p *Pool) finishSetup(c *Conn) {
	if c.IsTerminated() {
		return
	}
	if c.setupTimer != nil {
		c.setupTimer.Stop()
	}
	if c.relSem != nil {
		c.relSem()
	}
	w := p.selectWorker()
	c.worker = w
	c.setupDone.Store(true)
	p.delegate.OnSetup(c)
	w.feed(c)
	p.updateConn(c, true)
}

func (p *Pool) selectWorker() *Worker {
	return lo.MinBy(p.workers, func(a, b *Worker) bool {
		return a.NConn() < b.NConn()
	})
}

// Terminate tears down a connection. Idempotent; safe from any goroutine.
func (p *Pool) Terminate(c *Conn) {
	p.disp.Post(func() { c.terminate(nil) })
}

// removeConn is the teardown finalizer; it always runs on the dispatcher
// and runs at most once per connection.
func (p *Pool) removeConn(c *Conn, err error) {
	if _, ok := p.conns[c.id]; !ok {
		return
	}
	delete(p.conns, c.id)
	c.stop()
	if c.relSem != nil {
		c.relSem()
	}
	if err != nil {
		p.log.Info("connection lost", zap.String("conn", c.String()), zap.Error(err))
	} else {
		p.log.Info("connection closed", zap.String("conn", c.String()))
	}
	if c.setupDone.Load() {
		c.worker.unfeed(c)
		p.delegate.OnTeardown(c)
		p.updateConn(c, false)
	}
}

func (p *Pool) updateConn(c *Conn, connected bool) {
	p.mu.Lock()
	cb := p.connCb
	p.mu.Unlock()
	if cb == nil {
		return
	}
	p.userLoop.Post(func() { cb(c, connected) })
}
