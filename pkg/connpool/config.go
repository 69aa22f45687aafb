package connpool

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"
)

// Defaults for the connection pool.
const (
	DefaultMaxListenBacklog  = 10
	DefaultConnServerTimeout = 2 * time.Second
	DefaultSegBuffSize       = 4096
	DefaultNWorker           = 1
	DefaultMaxRecvBuffSize   = 4 << 20
)

// Config configures a connection pool.
type Config struct {
	// MaxListenBacklog bounds the number of accepted connections that may
	// be in the setup phase at once; the acceptor pauses beyond it.
	MaxListenBacklog int

	// ConnServerTimeout is the deadline for an accepted or dialed
	// connection to finish setup.
	ConnServerTimeout time.Duration

	// SegBuffSize is the socket read chunk size and the segment size of
	// the receive buffer.
	SegBuffSize int

	// NWorker is the number of worker loops (at least 1). Worker 0 doubles
	// as the dispatcher.
	NWorker int

	// QueueCapacity caps each connection's send queue in chunks;
	// 0 means unbounded and Write never fails.
	QueueCapacity int

	// MaxRecvBuffSize caps the receive buffer. A connection whose parser
	// stops draining beyond this point is terminated.
	MaxRecvBuffSize int

	// EnableTLS wraps every connection in TLS. Peer certificates are
	// requested but not CA-verified: identity is established by
	// fingerprint at a higher layer.
	EnableTLS bool

	// TLSCert is this node's certificate, required when EnableTLS is set.
	TLSCert *tls.Certificate

	// Logger receives structured events. Defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxListenBacklog:  DefaultMaxListenBacklog,
		ConnServerTimeout: DefaultConnServerTimeout,
		SegBuffSize:       DefaultSegBuffSize,
		NWorker:           DefaultNWorker,
		MaxRecvBuffSize:   DefaultMaxRecvBuffSize,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxListenBacklog == 0 {
		c.MaxListenBacklog = DefaultMaxListenBacklog
	}
	if c.ConnServerTimeout == 0 {
		c.ConnServerTimeout = DefaultConnServerTimeout
	}
	if c.SegBuffSize == 0 {
		c.SegBuffSize = DefaultSegBuffSize
	}
	if c.NWorker < 1 {
		c.NWorker = DefaultNWorker
	}
	if c.MaxRecvBuffSize == 0 {
		c.MaxRecvBuffSize = DefaultMaxRecvBuffSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// serverTLS builds the acceptor-side TLS configuration.
func (c *Config) serverTLS() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*c.TLSCert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// clientTLS builds the dialer-side TLS configuration. Certificate chains
// are deliberately not CA-verified.
func (c *Config) clientTLS() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{*c.TLSCert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}
