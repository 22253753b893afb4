// Package terminal provides the byte-stream transports a cli.Session drives:
//
//   - SSH: shell channel with optional PTY, plus SCP/SFTP file pulls
//   - Telnet: raw socket with option negotiation
//   - Command: local program under a PTY (serial console clients)
//   - WebSocket: console servers exposing the CLI over WebSocket
//
// A Connector turns a Target into a connected cli.Session using the
// process-wide defaults loaded from settings.
package terminal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/websoft9/devicelink/internal/cli"
)

// Protocol names a transport.
type Protocol string

const (
	ProtocolSSH       Protocol = "ssh"
	ProtocolTelnet    Protocol = "telnet"
	ProtocolCommand   Protocol = "command"
	ProtocolWebSocket Protocol = "websocket"
)

// Timeouts are the three session timeouts.
type Timeouts struct {
	Connection time.Duration
	Receive    time.Duration
	Command    time.Duration
}

// DefaultTimeouts matches the cli package defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connection: cli.DefaultConnectionTimeout,
		Receive:    cli.DefaultReceiveTimeout,
		Command:    cli.DefaultCommandTimeout,
	}
}

// SSHDefaults are the process-wide SSH settings.
type SSHDefaults struct {
	Timeouts   Timeouts
	Algorithms Algorithms
}

// TelnetDefaults are the process-wide Telnet settings.
type TelnetDefaults struct {
	Timeouts     Timeouts
	TerminalType string
}

// Target describes one device endpoint. Zero fields take the defaults.
type Target struct {
	Protocol Protocol
	Host     string
	Port     int

	Username   string
	Password   string
	PrivateKey []byte
	Passphrase string

	UsePTY       bool
	PTY          PTY
	Interactions []Interaction
	// Algorithms overrides the SSH defaults per category when non-empty.
	Algorithms Algorithms

	TerminalType string

	Command   CommandConfig
	WebSocket WebSocketConfig

	// Timeouts overrides the protocol defaults per field when non-zero.
	Timeouts Timeouts
}

// Connector opens CLI sessions. Its defaults may be swapped at runtime;
// sessions already open keep the values they were created with.
type Connector struct {
	mu     sync.RWMutex
	ssh    SSHDefaults
	telnet TelnetDefaults
}

// NewConnector returns a Connector with the given defaults.
func NewConnector(ssh SSHDefaults, telnet TelnetDefaults) *Connector {
	c := &Connector{}
	c.SetDefaults(ssh, telnet)
	return c
}

var defaultConnector = NewConnector(
	SSHDefaults{Timeouts: DefaultTimeouts(), Algorithms: DefaultAlgorithms()},
	TelnetDefaults{Timeouts: DefaultTimeouts(), TerminalType: "vt100"},
)

// Default returns the process-wide Connector.
func Default() *Connector { return defaultConnector }

// SetDefaults replaces the defaults used for new sessions.
func (c *Connector) SetDefaults(ssh SSHDefaults, telnet TelnetDefaults) {
	ssh.Algorithms = ssh.Algorithms.WithDefaults()
	if telnet.TerminalType == "" {
		telnet.TerminalType = "vt100"
	}
	c.mu.Lock()
	c.ssh = ssh
	c.telnet = telnet
	c.mu.Unlock()
}

// Defaults returns the current defaults.
func (c *Connector) Defaults() (SSHDefaults, TelnetDefaults) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ssh := c.ssh
	ssh.Algorithms = ssh.Algorithms.Clone()
	return ssh, c.telnet
}

// Transport builds the unconnected transport for t and the timeouts the
// session should use.
func (c *Connector) Transport(t Target) (cli.Transport, Timeouts, error) {
	sshDef, telnetDef := c.Defaults()
	switch t.Protocol {
	case ProtocolSSH, "":
		tm := merge(t.Timeouts, sshDef.Timeouts)
		algos := t.Algorithms
		if len(algos.KeyExchanges) == 0 {
			algos.KeyExchanges = sshDef.Algorithms.KeyExchanges
		}
		if len(algos.HostKeys) == 0 {
			algos.HostKeys = sshDef.Algorithms.HostKeys
		}
		if len(algos.Ciphers) == 0 {
			algos.Ciphers = sshDef.Algorithms.Ciphers
		}
		if len(algos.MACs) == 0 {
			algos.MACs = sshDef.Algorithms.MACs
		}
		if len(algos.Compressions) == 0 {
			algos.Compressions = sshDef.Algorithms.Compressions
		}
		return NewSSH(SSHConfig{
			Host:           t.Host,
			Port:           t.Port,
			Username:       t.Username,
			Password:       t.Password,
			PrivateKey:     t.PrivateKey,
			Passphrase:     t.Passphrase,
			Algorithms:     algos,
			UsePTY:         t.UsePTY,
			PTY:            t.PTY,
			Interactions:   t.Interactions,
			ConnectTimeout: tm.Connection,
			ReceiveTimeout: tm.Receive,
		}), tm, nil
	case ProtocolTelnet:
		tm := merge(t.Timeouts, telnetDef.Timeouts)
		term := t.TerminalType
		if term == "" {
			term = telnetDef.TerminalType
		}
		return NewTelnet(TelnetConfig{
			Host:           t.Host,
			Port:           t.Port,
			TerminalType:   term,
			ConnectTimeout: tm.Connection,
			ReceiveTimeout: tm.Receive,
		}), tm, nil
	case ProtocolCommand:
		if t.Command.Path == "" {
			return nil, Timeouts{}, fmt.Errorf("command transport: empty path")
		}
		return NewCommand(t.Command), merge(t.Timeouts, DefaultTimeouts()), nil
	case ProtocolWebSocket:
		if t.WebSocket.URL == "" {
			return nil, Timeouts{}, fmt.Errorf("websocket transport: empty URL")
		}
		tm := merge(t.Timeouts, DefaultTimeouts())
		ws := t.WebSocket
		if ws.ConnectTimeout == 0 {
			ws.ConnectTimeout = tm.Connection
		}
		return NewWebSocket(ws), tm, nil
	default:
		return nil, Timeouts{}, fmt.Errorf("unsupported protocol %q", t.Protocol)
	}
}

// Open builds the transport for t and returns a connected session.
func (c *Connector) Open(ctx context.Context, t Target) (*cli.Session, error) {
	tr, tm, err := c.Transport(t)
	if err != nil {
		return nil, err
	}
	host := t.Host
	if host == "" {
		host = string(t.Protocol)
	}
	s := cli.NewSession(host, tr)
	s.ConnectionTimeout = tm.Connection
	s.ReceiveTimeout = tm.Receive
	s.CommandTimeout = tm.Command
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func merge(override, def Timeouts) Timeouts {
	if override.Connection > 0 {
		def.Connection = override.Connection
	}
	if override.Receive > 0 {
		def.Receive = override.Receive
	}
	if override.Command > 0 {
		def.Command = override.Command
	}
	return def
}
