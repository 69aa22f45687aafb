package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yhzhang0128/salticidae/pkg/netaddr"
)

func TestHandshakeRoundTrip(t *testing.T) {
	addr := netaddr.MustParse("10.0.0.2:7000")
	p := NewHandshake(addr, 0x1234)
	got, err := DecodePing(p.Encode())
	require.NoError(t, err)
	assert.True(t, got.Handshake)
	assert.Equal(t, addr, got.ClaimedAddr)
	assert.Equal(t, uint32(0x1234), got.Nonce)
}

func TestHeartbeat(t *testing.T) {
	enc := Heartbeat().Encode()
	assert.Equal(t, []byte{0}, enc)

	got, err := DecodePing(enc)
	require.NoError(t, err)
	assert.False(t, got.Handshake)
	assert.True(t, got.ClaimedAddr.IsNull())
}

func TestDecodePingTruncated(t *testing.T) {
	_, err := DecodePing(nil)
	assert.ErrorIs(t, err, ErrShortHandshake)

	_, err = DecodePing([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortHandshake)
}
