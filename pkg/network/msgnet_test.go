package network

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yhzhang0128/salticidae/pkg/netaddr"
	"github.com/yhzhang0128/salticidae/pkg/wire"
)

const testMagic = 0x5a17

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

func localAddr() netaddr.NetAddr {
	return netaddr.MustParse("127.0.0.1:0")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MsgMagic = testMagic
	return cfg
}

func startMsgNet(t *testing.T, cfg Config) *MsgNetwork {
	t.Helper()
	n := New(cfg)
	n.Start()
	t.Cleanup(n.Stop)
	return n
}

func TestMsgNetworkRoundTrip(t *testing.T) {
	server := startMsgNet(t, testConfig())
	var (
		mu  sync.Mutex
		got [][]byte
	)
	server.RegHandler(0x01, func(msg wire.Msg, c *Conn) {
		mu.Lock()
		got = append(got, msg.Payload())
		mu.Unlock()
	})
	require.NoError(t, server.Listen(localAddr()))

	client := startMsgNet(t, testConfig())
	conn, err := client.ConnectSync(server.ListenAddr())
	require.NoError(t, err)
	require.NotNil(t, conn)

	payload := []byte("the quick brown fox")
	waitFor(t, 2*time.Second, "send accepted", func() bool {
		return client.SendMsg(0x01, payload, conn)
	})

	waitFor(t, 2*time.Second, "message delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	assert.Equal(t, payload, got[0])
	mu.Unlock()
}

func TestMsgNetworkFIFO(t *testing.T) {
	server := startMsgNet(t, testConfig())
	var (
		mu  sync.Mutex
		got []string
	)
	server.RegHandler(0x02, func(msg wire.Msg, c *Conn) {
		mu.Lock()
		got = append(got, string(msg.Payload()))
		mu.Unlock()
	})
	require.NoError(t, server.Listen(localAddr()))

	client := startMsgNet(t, testConfig())
	conn, err := client.ConnectSync(server.ListenAddr())
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		msg := fmt.Sprintf("msg-%04d", i)
		waitFor(t, time.Second, "send accepted", func() bool {
			return client.SendMsg(0x02, []byte(msg), conn)
		})
	}

	waitFor(t, 5*time.Second, "all messages delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})
	mu.Lock()
	defer mu.Unlock()
	for i, s := range got {
		assert.Equal(t, fmt.Sprintf("msg-%04d", i), s)
	}
}

func TestMsgNetworkStats(t *testing.T) {
	server := startMsgNet(t, testConfig())
	delivered := make(chan *Conn, 1)
	server.RegHandler(0x03, func(msg wire.Msg, c *Conn) {
		select {
		case delivered <- c:
		default:
		}
	})
	require.NoError(t, server.Listen(localAddr()))

	client := startMsgNet(t, testConfig())
	conn, err := client.ConnectSync(server.ListenAddr())
	require.NoError(t, err)

	payload := []byte("12345678")
	waitFor(t, 2*time.Second, "send accepted", func() bool {
		return client.SendMsg(0x03, payload, conn)
	})

	var sconn *Conn
	select {
	case sconn = <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, uint64(1), conn.NSent())
	assert.Equal(t, uint64(len(payload)), conn.NSentBytes())
	assert.Equal(t, uint64(1), sconn.NRecv())
	assert.Equal(t, uint64(len(payload)), sconn.NRecvBytes())
}

func TestOversizedFrameKillsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMsgSize = 64
	server := startMsgNet(t, cfg)
	var downs atomic.Int32
	server.RegConnHandler(func(c *Conn, connected bool) {
		if !connected {
			downs.Add(1)
		}
	})
	var deliveries atomic.Int32
	server.RegHandler(0x04, func(msg wire.Msg, c *Conn) { deliveries.Add(1) })
	require.NoError(t, server.Listen(localAddr()))

	// the sender's own limit is larger, so the frame goes out
	clientCfg := testConfig()
	clientCfg.MaxMsgSize = 4096
	client := startMsgNet(t, clientCfg)
	conn, err := client.ConnectSync(server.ListenAddr())
	require.NoError(t, err)

	big := make([]byte, 65)
	waitFor(t, 2*time.Second, "send accepted", func() bool {
		return client.SendMsg(0x04, big, conn)
	})

	waitFor(t, 2*time.Second, "receiver tears down exactly once", func() bool {
		return downs.Load() == 1
	})
	assert.Equal(t, int32(0), deliveries.Load())
}

func TestChecksumMismatchDropsMessageOnly(t *testing.T) {
	server := startMsgNet(t, testConfig())
	var (
		mu  sync.Mutex
		got []string
	)
	server.RegHandler(0x05, func(msg wire.Msg, c *Conn) {
		mu.Lock()
		got = append(got, string(msg.Payload()))
		mu.Unlock()
	})
	var downs atomic.Int32
	server.RegConnHandler(func(c *Conn, connected bool) {
		if !connected {
			downs.Add(1)
		}
	})
	require.NoError(t, server.Listen(localAddr()))

	client := startMsgNet(t, testConfig())
	conn, err := client.ConnectSync(server.ListenAddr())
	require.NoError(t, err)

	// hand-craft a frame with a corrupted payload byte: the checksum in
	// the header no longer matches
	bad := wire.NewMsg(testMagic, 0x05, []byte("corrupt-me")).Serialize()
	bad[len(bad)-1] ^= 0xff
	waitFor(t, 2*time.Second, "raw write accepted", func() bool {
		return conn.Write(bad)
	})
	// a good message after it must still be delivered
	waitFor(t, 2*time.Second, "good send accepted", func() bool {
		return client.SendMsg(0x05, []byte("good"), conn)
	})

	waitFor(t, 2*time.Second, "good message delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	assert.Equal(t, "good", got[0])
	mu.Unlock()
	assert.Equal(t, int32(0), downs.Load())
}

func TestUnknownOpcodeDiscarded(t *testing.T) {
	server := startMsgNet(t, testConfig())
	var deliveries atomic.Int32
	server.RegHandler(0x06, func(msg wire.Msg, c *Conn) { deliveries.Add(1) })
	require.NoError(t, server.Listen(localAddr()))

	client := startMsgNet(t, testConfig())
	conn, err := client.ConnectSync(server.ListenAddr())
	require.NoError(t, err)

	waitFor(t, 2*time.Second, "unknown opcode sent", func() bool {
		return client.SendMsg(0x7e, []byte("nobody home"), conn)
	})
	waitFor(t, 2*time.Second, "known opcode delivered", func() bool {
		if !client.SendMsg(0x06, []byte("x"), conn) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
		return deliveries.Load() >= 1
	})
}

func TestSendMsgDeferredErrorOnDeadConn(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1
	client := startMsgNet(t, cfg)

	errs := make(chan int32, 1)
	client.RegErrorHandler(func(err error, fatal bool, asyncID int32) {
		assert.False(t, fatal)
		assert.ErrorIs(t, err, ErrConnNotReady)
		select {
		case errs <- asyncID:
		default:
		}
	})

	// a connection that is never fed: its bounded queue fills and the
	// deferred send surfaces CONN_NOT_READY with the async id
	conn, err := client.ConnectSync(netaddr.MustParse("127.0.0.1:1"))
	require.NoError(t, err)
	require.True(t, client.SendMsg(0x01, []byte("fill"), conn))

	id := client.SendMsgDeferred(0x01, []byte("overflow"), conn)
	select {
	case gotID := <-errs:
		assert.Equal(t, id, gotID)
	case <-time.After(2 * time.Second):
		t.Fatal("no recoverable error delivered")
	}
}

func TestBackpressurePausesReceive(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMsgQueueSize = 1
	cfg.BurstSize = 1
	server := startMsgNet(t, cfg)

	release := make(chan struct{})
	var delivered atomic.Int32
	server.RegHandler(0x08, func(msg wire.Msg, c *Conn) {
		delivered.Add(1)
		if delivered.Load() == 1 {
			<-release
		}
	})
	require.NoError(t, server.Listen(localAddr()))

	client := startMsgNet(t, testConfig())
	conn, err := client.ConnectSync(server.ListenAddr())
	require.NoError(t, err)

	const n = 16
	for i := 0; i < n; i++ {
		waitFor(t, 2*time.Second, "send accepted", func() bool {
			return client.SendMsg(0x08, []byte("spam"), conn)
		})
	}

	// with the user loop wedged, the server-side parser must go to sleep
	waitFor(t, 3*time.Second, "receive paused on backpressure", func() bool {
		for _, mc := range serverConns(server) {
			if mc.MsgSleep() {
				return true
			}
		}
		return false
	})

	close(release)
	waitFor(t, 5*time.Second, "all messages delivered after resume", func() bool {
		return delivered.Load() == n
	})
}

// serverConns snapshots the network's live message conns via the
// dispatcher.
func serverConns(n *MsgNetwork) []*Conn {
	out := make(chan []*Conn, 1)
	n.pool.DispLoop().Post(func() {
		var conns []*Conn
		for _, mc := range n.poolConns() {
			conns = append(conns, mc)
		}
		out <- conns
	})
	select {
	case conns := <-out:
		return conns
	case <-time.After(time.Second):
		return nil
	}
}
