package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yhzhang0128/salticidae/pkg/cert"
)

func TestCertBasedHandshake(t *testing.T) {
	certA, err := cert.GenerateSelfSigned("node-a")
	require.NoError(t, err)
	certB, err := cert.GenerateSelfSigned("node-b")
	require.NoError(t, err)

	cfgA := testPeerConfig()
	cfgA.IDMode = CertBased
	cfgA.EnableTLS = true
	cfgA.TLSCert = &certA

	cfgB := testPeerConfig()
	cfgB.IDMode = CertBased
	cfgB.EnableTLS = true
	cfgB.TLSCert = &certB

	a := startPeerNode(t, cfgA)
	b := startPeerNode(t, cfgB)

	idA := PeerIdFromCert(certA.Certificate[0])
	idB := PeerIdFromCert(certB.Certificate[0])

	a.net.AddPeer(idB)
	a.net.SetPeerAddr(idB, b.net.ListenAddr())
	b.net.AddPeer(idA)
	a.net.ConnPeer(idB, 3, 100*time.Millisecond)

	waitFor(t, 10*time.Second, "cert-identified peers up", func() bool {
		return a.ups.Load() == 1 && b.ups.Load() == 1
	})

	connAB, err := a.net.GetPeerConn(idB)
	require.NoError(t, err)
	require.NotNil(t, connAB)
	// the surviving channel's remote certificate is B's
	require.Equal(t, idB, PeerIdFromCert(connAB.PeerCertDER()))
}
