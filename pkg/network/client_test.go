package network

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yhzhang0128/salticidae/pkg/netaddr"
	"github.com/yhzhang0128/salticidae/pkg/wire"
)

func TestClientNetwork(t *testing.T) {
	server := NewClientNetwork(testConfig())
	server.Start()
	t.Cleanup(server.Stop)
	require.NoError(t, server.Listen(localAddr()))

	var (
		mu  sync.Mutex
		got []string
	)
	client := startMsgNet(t, testConfig())
	client.RegHandler(0x11, func(msg wire.Msg, c *Conn) {
		mu.Lock()
		got = append(got, string(msg.Payload()))
		mu.Unlock()
	})
	conn, err := client.ConnectSync(server.ListenAddr())
	require.NoError(t, err)
	require.NotNil(t, conn)

	// wait until the server has indexed the client by address
	var clientAddr netaddr.NetAddr
	waitFor(t, 2*time.Second, "client indexed", func() bool {
		addrs := clientAddrs(server)
		if len(addrs) != 1 {
			return false
		}
		clientAddr = addrs[0]
		return true
	})

	require.NoError(t, server.SendMsgAddr(0x11, []byte("pong"), clientAddr))
	waitFor(t, 2*time.Second, "reply delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "pong"
	})
}

func TestClientNetworkUnknownAddr(t *testing.T) {
	server := NewClientNetwork(testConfig())
	server.Start()
	t.Cleanup(server.Stop)
	require.NoError(t, server.Listen(localAddr()))

	err := server.SendMsgAddr(0x11, []byte("x"), netaddr.MustParse("127.0.0.1:1"))
	assert.ErrorIs(t, err, ErrClientNotExist)
}

func TestClientNetworkDeferredUnknownAddr(t *testing.T) {
	server := NewClientNetwork(testConfig())
	errs := make(chan int32, 1)
	server.RegErrorHandler(func(err error, fatal bool, asyncID int32) {
		assert.ErrorIs(t, err, ErrClientNotExist)
		assert.False(t, fatal)
		select {
		case errs <- asyncID:
		default:
		}
	})
	server.Start()
	t.Cleanup(server.Stop)

	id := server.SendMsgAddrDeferred(0x11, []byte("x"), netaddr.MustParse("127.0.0.1:1"))
	select {
	case gotID := <-errs:
		assert.Equal(t, id, gotID)
	case <-time.After(2 * time.Second):
		t.Fatal("no recoverable error delivered")
	}
}

func TestClientNetworkTeardownEvicts(t *testing.T) {
	server := NewClientNetwork(testConfig())
	server.Start()
	t.Cleanup(server.Stop)
	require.NoError(t, server.Listen(localAddr()))

	client := startMsgNet(t, testConfig())
	conn, err := client.ConnectSync(server.ListenAddr())
	require.NoError(t, err)

	var clientAddr netaddr.NetAddr
	waitFor(t, 2*time.Second, "client indexed", func() bool {
		addrs := clientAddrs(server)
		if len(addrs) != 1 {
			return false
		}
		clientAddr = addrs[0]
		return true
	})

	client.Terminate(conn)
	waitFor(t, 2*time.Second, "client evicted", func() bool {
		return len(clientAddrs(server)) == 0
	})
	assert.ErrorIs(t,
		server.SendMsgAddr(0x11, []byte("x"), clientAddr), ErrClientNotExist)
}

// clientAddrs snapshots the address index via the dispatcher.
func clientAddrs(cn *ClientNetwork) []netaddr.NetAddr {
	out := make(chan []netaddr.NetAddr, 1)
	cn.pool.DispLoop().Post(func() {
		var addrs []netaddr.NetAddr
		for a := range cn.addr2conn {
			addrs = append(addrs, a)
		}
		out <- addrs
	})
	select {
	case addrs := <-out:
		return addrs
	case <-time.After(time.Second):
		return nil
	}
}
