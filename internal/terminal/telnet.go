package terminal

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/websoft9/devicelink/internal/cli"
)

// DefaultTelnetPort is used when TelnetConfig.Port is zero.
const DefaultTelnetPort = 23

// Telnet protocol bytes (RFC 854, 1091).
const (
	tnSE   = 240
	tnSB   = 250
	tnWILL = 251
	tnWONT = 252
	tnDO   = 253
	tnDONT = 254
	tnIAC  = 255

	optEcho  = 1
	optSGA   = 3
	optTType = 24

	ttypeIS   = 0
	ttypeSEND = 1
)

// TelnetConfig configures a Telnet transport. There is no authentication at
// this layer; login prompts are handled by the session.
type TelnetConfig struct {
	Host           string
	Port           int
	TerminalType   string
	ConnectTimeout time.Duration
	// ReceiveTimeout bounds each write to the device, negotiation replies
	// included. Reads are bounded by the session's command timeout.
	ReceiveTimeout time.Duration
}

type telnetState int

const (
	stData telnetState = iota
	stIAC
	stOption
	stSub
	stSubIAC
)

// Telnet is a cli.Transport over a raw Telnet socket. Option negotiation is
// answered inline while reading; IAC sequences never reach the caller.
type Telnet struct {
	cfg TelnetConfig

	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex

	state telnetState
	verb  byte
	sub   []byte
}

// NewTelnet returns an unconnected transport.
func NewTelnet(cfg TelnetConfig) *Telnet {
	if cfg.TerminalType == "" {
		cfg.TerminalType = "vt100"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultTelnetPort
	}
	return &Telnet{cfg: cfg}
}

// SetReceiveTimeout sets the write bound for a peer that stopped reading.
func (t *Telnet) SetReceiveTimeout(d time.Duration) {
	t.wmu.Lock()
	t.cfg.ReceiveTimeout = d
	t.wmu.Unlock()
}

// Connect dials the device and offers to suppress go-ahead.
func (t *Telnet) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return cli.Wrap(cli.KindConnect, "telnet dial "+addr, err)
	}
	t.conn = conn
	t.r = bufio.NewReader(conn)
	if err := t.send(tnIAC, tnWILL, optSGA, tnIAC, tnDO, optSGA); err != nil {
		conn.Close()
		return cli.Wrap(cli.KindConnect, "telnet negotiate", err)
	}
	log.Printf("[telnet] connected to %s", addr)
	return nil
}

// Read returns data bytes only. It blocks until at least one data byte is
// available or the connection fails.
func (t *Telnet) Read(p []byte) (int, error) {
	if t.r == nil {
		return 0, cli.ErrNotConnected
	}
	n := 0
	for n == 0 {
		b, err := t.r.ReadByte()
		if err != nil {
			return 0, err
		}
		for {
			if out, ok := t.feed(b); ok {
				p[n] = out
				n++
			}
			if n == len(p) || t.r.Buffered() == 0 {
				break
			}
			if b, err = t.r.ReadByte(); err != nil {
				return n, nil
			}
		}
	}
	return n, nil
}

// feed advances the protocol state machine. ok reports a data byte.
func (t *Telnet) feed(b byte) (out byte, ok bool) {
	switch t.state {
	case stData:
		if b == tnIAC {
			t.state = stIAC
			return 0, false
		}
		return b, true
	case stIAC:
		switch b {
		case tnIAC:
			t.state = stData
			return tnIAC, true
		case tnWILL, tnWONT, tnDO, tnDONT:
			t.verb = b
			t.state = stOption
		case tnSB:
			t.sub = t.sub[:0]
			t.state = stSub
		default:
			// NOP, GA, AYT and friends carry nothing for us.
			t.state = stData
		}
	case stOption:
		t.negotiate(t.verb, b)
		t.state = stData
	case stSub:
		if b == tnIAC {
			t.state = stSubIAC
		} else {
			t.sub = append(t.sub, b)
		}
	case stSubIAC:
		switch b {
		case tnSE:
			t.subnegotiate(t.sub)
			t.state = stData
		case tnIAC:
			t.sub = append(t.sub, tnIAC)
			t.state = stSub
		default:
			t.state = stSub
		}
	}
	return 0, false
}

func (t *Telnet) negotiate(verb, opt byte) {
	var err error
	switch verb {
	case tnDO:
		if opt == optTType || opt == optSGA {
			err = t.send(tnIAC, tnWILL, opt)
		} else {
			err = t.send(tnIAC, tnWONT, opt)
		}
	case tnWILL:
		if opt == optEcho || opt == optSGA {
			err = t.send(tnIAC, tnDO, opt)
		} else {
			err = t.send(tnIAC, tnDONT, opt)
		}
	}
	if err != nil {
		log.Printf("[telnet] negotiation reply for option %d: %v", opt, err)
	}
}

func (t *Telnet) subnegotiate(sub []byte) {
	if len(sub) < 2 || sub[0] != optTType || sub[1] != ttypeSEND {
		return
	}
	msg := []byte{tnIAC, tnSB, optTType, ttypeIS}
	msg = append(msg, strings.ToUpper(t.cfg.TerminalType)...)
	msg = append(msg, tnIAC, tnSE)
	if err := t.send(msg...); err != nil {
		log.Printf("[telnet] terminal type reply: %v", err)
	}
}

func (t *Telnet) send(b ...byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.write(b)
}

// write sends raw bytes under the receive timeout. wmu must be held.
func (t *Telnet) write(b []byte) error {
	if d := t.cfg.ReceiveTimeout; d > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(d))
		defer func() { _ = t.conn.SetWriteDeadline(time.Time{}) }()
	}
	_, err := t.conn.Write(b)
	return err
}

// Write sends data, doubling any 0xFF byte.
func (t *Telnet) Write(p []byte) (int, error) {
	if t.conn == nil {
		return 0, cli.ErrNotConnected
	}
	buf := make([]byte, 0, len(p))
	for _, b := range p {
		if b == tnIAC {
			buf = append(buf, tnIAC)
		}
		buf = append(buf, b)
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *Telnet) Close() error {
	if t.conn == nil {
		return nil
	}
	if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

var _ cli.Transport = (*Telnet)(nil)
var _ cli.ReceiveTimeoutSetter = (*Telnet)(nil)
