package network

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yhzhang0128/salticidae/pkg/connpool"
	"github.com/yhzhang0128/salticidae/pkg/wire"
)

// Defaults for the message network.
const (
	DefaultMaxMsgSize      = 1024
	DefaultMaxMsgQueueSize = 65536
	DefaultBurstSize       = 1000
	DefaultPingPeriod      = 30 * time.Second
	DefaultConnTimeout     = 180 * time.Second
)

// Config configures a MsgNetwork.
type Config struct {
	connpool.Config

	// MaxMsgSize is the fatal cap on inbound frame payload length.
	MaxMsgSize int

	// MaxMsgQueueSize caps the inbound message queue.
	MaxMsgQueueSize int

	// BurstSize bounds the messages dispatched per user-loop wakeup.
	BurstSize int

	// MsgMagic is required on every frame. The default of 0 provides no
	// differentiation between network instances; production deployments
	// should pick a distinct value.
	MsgMagic uint32
}

// DefaultConfig returns the default MsgNetwork configuration.
func DefaultConfig() Config {
	return Config{
		Config:          connpool.DefaultConfig(),
		MaxMsgSize:      DefaultMaxMsgSize,
		MaxMsgQueueSize: DefaultMaxMsgQueueSize,
		BurstSize:       DefaultBurstSize,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxMsgSize == 0 {
		c.MaxMsgSize = DefaultMaxMsgSize
	}
	if c.MaxMsgQueueSize == 0 {
		c.MaxMsgQueueSize = DefaultMaxMsgQueueSize
	}
	if c.BurstSize == 0 {
		c.BurstSize = DefaultBurstSize
	}
}

// IdentityMode selects how PeerIds are derived.
type IdentityMode int

const (
	// CertBased derives the PeerId from the peer certificate's DER bytes.
	CertBased IdentityMode = iota

	// AddrBased derives the PeerId from the remote network address.
	AddrBased
)

// PeerConfig configures a PeerNetwork.
type PeerConfig struct {
	Config

	// PingPeriod is the heartbeat interval, jittered per round.
	PingPeriod time.Duration

	// ConnTimeout is the liveness deadline; it resets on every inbound
	// byte and on heartbeat pongs.
	ConnTimeout time.Duration

	// IDMode selects address- or certificate-based peer identity.
	// Without TLS, identity is always address-based.
	IDMode IdentityMode

	// AllowUnknownPeer invokes the unknown-peer callback instead of
	// silently dropping handshakes from unregistered peers.
	AllowUnknownPeer bool

	// OpcodePing and OpcodePong override the handshake opcodes.
	OpcodePing wire.Opcode
	OpcodePong wire.Opcode
}

// DefaultPeerConfig returns the default PeerNetwork configuration.
func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		Config:      DefaultConfig(),
		PingPeriod:  DefaultPingPeriod,
		ConnTimeout: DefaultConnTimeout,
		IDMode:      CertBased,
		OpcodePing:  wire.OpcodePing,
		OpcodePong:  wire.OpcodePong,
	}
}

func (c *PeerConfig) applyDefaults() {
	c.Config.applyDefaults()
	if c.PingPeriod == 0 {
		c.PingPeriod = DefaultPingPeriod
	}
	if c.ConnTimeout == 0 {
		c.ConnTimeout = DefaultConnTimeout
	}
	if c.OpcodePing == 0 {
		c.OpcodePing = wire.OpcodePing
	}
	if c.OpcodePong == 0 {
		c.OpcodePong = wire.OpcodePong
	}
}

// fileConfig is the YAML shape of a peer network configuration. Durations
// are given in seconds.
type fileConfig struct {
	MaxListenBacklog  int     `yaml:"max_listen_backlog"`
	ConnServerTimeout float64 `yaml:"conn_server_timeout"`
	SegBuffSize       int     `yaml:"seg_buff_size"`
	NWorker           int     `yaml:"nworker"`
	QueueCapacity     int     `yaml:"queue_capacity"`
	MaxMsgSize        int     `yaml:"max_msg_size"`
	MaxMsgQueueSize   int     `yaml:"max_msg_queue_size"`
	BurstSize         int     `yaml:"burst_size"`
	MsgMagic          uint32  `yaml:"msg_magic"`
	PingPeriod        float64 `yaml:"ping_period"`
	ConnTimeout       float64 `yaml:"conn_timeout"`
	IDMode            string  `yaml:"id_mode"`
	AllowUnknownPeer  bool    `yaml:"allow_unknown_peer"`
}

// LoadPeerConfig reads a YAML file into a PeerConfig, applying defaults
// for every omitted field.
func LoadPeerConfig(path string) (PeerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("failed to read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return PeerConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := DefaultPeerConfig()
	if fc.MaxListenBacklog != 0 {
		cfg.MaxListenBacklog = fc.MaxListenBacklog
	}
	if fc.ConnServerTimeout != 0 {
		cfg.ConnServerTimeout = secs(fc.ConnServerTimeout)
	}
	if fc.SegBuffSize != 0 {
		cfg.SegBuffSize = fc.SegBuffSize
	}
	if fc.NWorker != 0 {
		cfg.NWorker = fc.NWorker
	}
	cfg.QueueCapacity = fc.QueueCapacity
	if fc.MaxMsgSize != 0 {
		cfg.MaxMsgSize = fc.MaxMsgSize
	}
	if fc.MaxMsgQueueSize != 0 {
		cfg.MaxMsgQueueSize = fc.MaxMsgQueueSize
	}
	if fc.BurstSize != 0 {
		cfg.BurstSize = fc.BurstSize
	}
	cfg.MsgMagic = fc.MsgMagic
	if fc.PingPeriod != 0 {
		cfg.PingPeriod = secs(fc.PingPeriod)
	}
	if fc.ConnTimeout != 0 {
		cfg.ConnTimeout = secs(fc.ConnTimeout)
	}
	switch fc.IDMode {
	case "", "cert":
		cfg.IDMode = CertBased
	case "addr":
		cfg.IDMode = AddrBased
	default:
		return PeerConfig{}, &Error{KindConfig, fmt.Sprintf("unknown id_mode %q", fc.IDMode)}
	}
	cfg.AllowUnknownPeer = fc.AllowUnknownPeer
	return cfg, nil
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
