// Command p2p-chat is a small interactive demo: every node listens,
// registers its peers by address, and broadcasts chat lines to whichever
// peers are currently connected. Chat payloads are CBOR-encoded; the
// handshake and framing underneath come from the peer network.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/yhzhang0128/salticidae/pkg/cert"
	"github.com/yhzhang0128/salticidae/pkg/netaddr"
	"github.com/yhzhang0128/salticidae/pkg/network"
	"github.com/yhzhang0128/salticidae/pkg/wire"
)

const opChat wire.Opcode = 0x01

// chatMsg is the application payload carried over the overlay.
type chatMsg struct {
	Nick string `cbor:"1,keyasint"`
	Text string `cbor:"2,keyasint"`
}

type peerList struct {
	ids []network.PeerId
}

func main() {
	var (
		listenFlag = flag.String("listen", "127.0.0.1:9600", "listen address")
		peersFlag  = flag.String("peers", "", "comma-separated peer addresses")
		nickFlag   = flag.String("nick", "anon", "nickname")
		configFlag = flag.String("config", "", "optional YAML config file")
		tlsFlag    = flag.Bool("tls", false, "enable TLS with a fresh self-signed certificate")
		debugFlag  = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	if err := run(*listenFlag, *peersFlag, *nickFlag, *configFlag, *tlsFlag, *debugFlag); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(listen, peers, nick, configPath string, enableTLS, debug bool) error {
	cfg := network.DefaultPeerConfig()
	if configPath != "" {
		loaded, err := network.LoadPeerConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.MsgMagic = 0x63686174
	cfg.PingPeriod = 10 * time.Second
	cfg.ConnTimeout = 60 * time.Second
	cfg.IDMode = network.AddrBased

	logCfg := zap.NewProductionConfig()
	if debug {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		logCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := logCfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()
	cfg.Logger = logger

	if enableTLS {
		pair, err := cert.GenerateSelfSigned("p2p-chat")
		if err != nil {
			return err
		}
		cfg.EnableTLS = true
		cfg.TLSCert = &pair
	}

	listenAddr, err := netaddr.Parse(listen)
	if err != nil {
		return err
	}

	node := network.NewPeerNetwork(cfg)
	node.RegHandler(opChat, func(msg wire.Msg, c *network.Conn) {
		var m chatMsg
		if err := cbor.Unmarshal(msg.Payload(), &m); err != nil {
			logger.Warn("undecodable chat message", zap.Error(err))
			return
		}
		fmt.Printf("\r<%s> %s\n", m.Nick, m.Text)
	})
	node.RegPeerHandler(func(c *network.Conn, connected bool) {
		if connected {
			fmt.Printf("\r* peer connected: %s\n", c.Addr())
		} else {
			fmt.Printf("\r* peer lost: %s\n", c.Addr())
		}
	})
	node.RegErrorHandler(func(err error, fatal bool, asyncID int32) {
		logger.Warn("network error",
			zap.Error(err), zap.Bool("fatal", fatal), zap.Int32("id", asyncID))
	})

	node.Start()
	defer node.Stop()
	if err := node.Listen(listenAddr); err != nil {
		return err
	}
	fmt.Println("listening on", node.ListenAddr())

	var pl peerList
	if peers != "" {
		for _, s := range strings.Split(peers, ",") {
			addr, err := netaddr.Parse(strings.TrimSpace(s))
			if err != nil {
				return fmt.Errorf("bad peer address %q: %w", s, err)
			}
			pid := network.PeerIdFromAddr(addr)
			node.AddPeer(pid)
			node.SetPeerAddr(pid, addr)
			node.ConnPeer(pid, -1, 2*time.Second)
			pl.ids = append(pl.ids, pid)
		}
	}

	rl, err := readline.New("> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/peers":
			for _, pid := range pl.ids {
				conn, err := node.GetPeerConn(pid)
				state := "disconnected"
				if err == nil && conn != nil {
					state = "connected via " + conn.Addr().String()
				}
				fmt.Printf("  %s: %s\n", pid.Short(), state)
			}
		case strings.HasPrefix(line, "/"):
			fmt.Println("commands: /peers /quit")
		default:
			payload, err := cbor.Marshal(chatMsg{Nick: nick, Text: line})
			if err != nil {
				logger.Warn("failed to encode message", zap.Error(err))
				continue
			}
			node.MulticastMsg(opChat, payload, pl.ids)
		}
	}
}
