package network

import (
	"go.uber.org/zap"

	"github.com/yhzhang0128/salticidae/pkg/connpool"
	"github.com/yhzhang0128/salticidae/pkg/netaddr"
	"github.com/yhzhang0128/salticidae/pkg/task"
	"github.com/yhzhang0128/salticidae/pkg/wire"
)

// ClientNetwork is the stripped client-server variant: passive connections
// only, indexed by remote address, with no handshake and no liveness
// pings.
type ClientNetwork struct {
	*MsgNetwork

	// dispatcher-owned
	addr2conn map[netaddr.NetAddr]*Conn
}

// NewClientNetwork creates a ClientNetwork.
func NewClientNetwork(cfg Config) *ClientNetwork {
	cn := &ClientNetwork{
		MsgNetwork: New(cfg),
		addr2conn:  make(map[netaddr.NetAddr]*Conn),
	}
	cn.hooks = cn
	return cn
}

func (cn *ClientNetwork) onSetup(c *Conn) {
	if c.Mode() != connpool.ModePassive {
		cn.log.Warn("client network ignoring active connection",
			zap.Stringer("conn", c))
		return
	}
	cn.addr2conn[c.Addr()] = c
}

func (cn *ClientNetwork) onTeardown(c *Conn) {
	if cn.addr2conn[c.Addr()] == c {
		delete(cn.addr2conn, c.Addr())
	}
}

// SendMsgAddr frames and sends a message to the client at addr. Fails with
// CLIENT_NOT_EXIST when no such client is connected.
func (cn *ClientNetwork) SendMsgAddr(op wire.Opcode, payload []byte, addr netaddr.NetAddr) error {
	m := wire.NewMsg(cn.cfg.MsgMagic, op, payload)
	_, err := task.Call(cn.pool.DispLoop(), func() (struct{}, error) {
		c, ok := cn.addr2conn[addr]
		if !ok {
			return struct{}{}, ErrClientNotExist
		}
		if !cn.sendMsg(m, c) {
			return struct{}{}, ErrConnNotReady
		}
		return struct{}{}, nil
	})
	return err
}

// SendMsgAddrDeferred posts the lookup-then-send to the dispatcher;
// failures surface on the recoverable-error channel under the returned
// async id.
func (cn *ClientNetwork) SendMsgAddrDeferred(op wire.Opcode, payload []byte, addr netaddr.NetAddr) int32 {
	id := cn.genAsyncID()
	m := wire.NewMsg(cn.cfg.MsgMagic, op, payload)
	cn.pool.DispLoop().Post(func() {
		c, ok := cn.addr2conn[addr]
		if !ok {
			cn.recoverableError(ErrClientNotExist, id)
			return
		}
		if !cn.sendMsg(m, c) {
			cn.recoverableError(ErrConnNotReady, id)
		}
	})
	return id
}
