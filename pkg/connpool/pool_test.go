package connpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yhzhang0128/salticidae/pkg/netaddr"
)

// echoDelegate collects every received byte per connection.
type echoDelegate struct {
	mu        sync.Mutex
	recv      map[string][]byte
	setups    atomic.Int32
	teardowns atomic.Int32
}

func newEchoDelegate() *echoDelegate {
	return &echoDelegate{recv: make(map[string][]byte)}
}

func (d *echoDelegate) OnCreate(c *Conn) {}

func (d *echoDelegate) OnSetup(c *Conn) { d.setups.Add(1) }

func (d *echoDelegate) OnRead(c *Conn) error {
	buf := c.RecvBuffer()
	data := buf.Pop(buf.Size())
	d.mu.Lock()
	d.recv[c.ID()] = append(d.recv[c.ID()], data...)
	d.mu.Unlock()
	return nil
}

func (d *echoDelegate) OnTeardown(c *Conn) { d.teardowns.Add(1) }

func (d *echoDelegate) bytes(id string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.recv[id]))
	copy(out, d.recv[id])
	return out
}

func (d *echoDelegate) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.recv {
		n += len(b)
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type poolHarness struct {
	pool  *Pool
	del   *echoDelegate
	ups   atomic.Int32
	downs atomic.Int32
}

func newPoolHarness(t *testing.T, cfg Config) *poolHarness {
	t.Helper()
	h := &poolHarness{del: newEchoDelegate()}
	h.pool = NewPool(cfg, h.del)
	h.pool.RegConnHandler(func(c *Conn, connected bool) {
		if connected {
			h.ups.Add(1)
		} else {
			h.downs.Add(1)
		}
	})
	h.pool.Start()
	t.Cleanup(h.pool.Stop)
	return h
}

func localAddr() netaddr.NetAddr {
	return netaddr.MustParse("127.0.0.1:0")
}

func TestListenAndConnect(t *testing.T) {
	server := newPoolHarness(t, DefaultConfig())
	require.NoError(t, server.pool.Listen(localAddr()))

	client := newPoolHarness(t, DefaultConfig())
	conn, err := client.pool.Connect(server.pool.ListenAddr(), true)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, ModeActive, conn.Mode())

	waitFor(t, 2*time.Second, "both sides up", func() bool {
		return server.ups.Load() == 1 && client.ups.Load() == 1
	})

	require.True(t, conn.Write([]byte("hello")))
	waitFor(t, 2*time.Second, "server received bytes", func() bool {
		return server.del.total() == 5
	})
}

func TestListenTwiceFails(t *testing.T) {
	server := newPoolHarness(t, DefaultConfig())
	require.NoError(t, server.pool.Listen(localAddr()))
	assert.ErrorIs(t, server.pool.Listen(localAddr()), ErrAlreadyListening)
}

func TestTerminateIdempotent(t *testing.T) {
	server := newPoolHarness(t, DefaultConfig())
	require.NoError(t, server.pool.Listen(localAddr()))

	client := newPoolHarness(t, DefaultConfig())
	conn, err := client.pool.Connect(server.pool.ListenAddr(), true)
	require.NoError(t, err)
	waitFor(t, 2*time.Second, "client up", func() bool {
		return client.ups.Load() == 1
	})

	client.pool.Terminate(conn)
	client.pool.Terminate(conn)
	conn.Terminate(nil)

	waitFor(t, 2*time.Second, "client down once", func() bool {
		return client.downs.Load() == 1
	})
	waitFor(t, 2*time.Second, "server down once", func() bool {
		return server.downs.Load() == 1
	})
	// teardown hook runs exactly once despite repeated terminates
	assert.Equal(t, int32(1), client.del.teardowns.Load())
	assert.Equal(t, ModeDead, conn.Mode())

	// dead connections absorb further writes silently (unbounded queue)
	assert.True(t, conn.Write([]byte("late")))
}

func TestConnectRefused(t *testing.T) {
	client := newPoolHarness(t, DefaultConfig())
	conn, err := client.pool.Connect(netaddr.MustParse("127.0.0.1:1"), true)
	require.NoError(t, err)
	require.NotNil(t, conn)

	waitFor(t, 3*time.Second, "dial failure kills the conn", func() bool {
		return conn.IsTerminated()
	})
	// a connection that never completed setup emits no user callback
	assert.Equal(t, int32(0), client.ups.Load())
	assert.Equal(t, int32(0), client.downs.Load())
}

func TestLeastLoadedWorkerAssignment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NWorker = 2
	server := newPoolHarness(t, cfg)
	require.NoError(t, server.pool.Listen(localAddr()))

	client := newPoolHarness(t, DefaultConfig())
	for i := 0; i < 4; i++ {
		_, err := client.pool.Connect(server.pool.ListenAddr(), true)
		require.NoError(t, err)
	}
	waitFor(t, 2*time.Second, "all conns up", func() bool {
		return server.ups.Load() == 4
	})
	waitFor(t, 2*time.Second, "even spread across workers", func() bool {
		return server.pool.workers[0].NConn() == 2 && server.pool.workers[1].NConn() == 2
	})
}

func TestSendQueueCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 2
	p := NewPool(cfg, newEchoDelegate())
	// an unfed connection never drains, so the bound is observable
	c := newConn(p, ModeActive, netaddr.MustParse("127.0.0.1:1"))
	require.True(t, c.Write([]byte("a")))
	require.True(t, c.Write([]byte("b")))
	assert.False(t, c.Write([]byte("c")))
}

func TestSetupTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnServerTimeout = 100 * time.Millisecond
	cfg.EnableTLS = false
	server := newPoolHarness(t, cfg)
	require.NoError(t, server.pool.Listen(localAddr()))

	// TLS is off, so plain-TCP setup completes immediately; exercise the
	// active-side deadline against a blackholed dial instead.
	client := newPoolHarness(t, cfg)
	conn, err := client.pool.Connect(netaddr.MustParse("10.255.255.1:9"), true)
	require.NoError(t, err)
	waitFor(t, 3*time.Second, "setup deadline fired", func() bool {
		return conn.IsTerminated()
	})
}

func TestStopClosesConnections(t *testing.T) {
	server := newPoolHarness(t, DefaultConfig())
	require.NoError(t, server.pool.Listen(localAddr()))

	client := newPoolHarness(t, DefaultConfig())
	conn, err := client.pool.Connect(server.pool.ListenAddr(), true)
	require.NoError(t, err)
	waitFor(t, 2*time.Second, "client up", func() bool {
		return client.ups.Load() == 1
	})

	client.pool.Stop()
	assert.True(t, conn.IsTerminated())
}
