package network

import (
	"encoding/hex"

	"github.com/yhzhang0128/salticidae/pkg/cert"
	"github.com/yhzhang0128/salticidae/pkg/netaddr"
)

// PeerId is a 256-bit peer fingerprint, derived either from the remote
// network address (ADDR_BASED) or from the DER encoding of the peer
// certificate (CERT_BASED).
type PeerId [32]byte

// PeerIdFromAddr derives the address-based identity.
func PeerIdFromAddr(addr netaddr.NetAddr) PeerId {
	return PeerId(cert.Fingerprint(addr.Serialize(nil)))
}

// PeerIdFromCert derives the certificate-based identity from DER bytes.
func PeerIdFromCert(der []byte) PeerId {
	return PeerId(cert.Fingerprint(der))
}

// String returns the full hex form.
func (p PeerId) String() string {
	return hex.EncodeToString(p[:])
}

// Short returns a 10-character prefix for logs.
func (p PeerId) Short() string {
	return hex.EncodeToString(p[:])[:10]
}
