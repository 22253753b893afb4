package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/devicelink/internal/cli"
)

// DefaultSSHPort is used when SSHConfig.Port is zero.
const DefaultSSHPort = 22

// PTY describes the pseudo-terminal requested for the shell channel.
type PTY struct {
	Type   string
	Cols   int
	Rows   int
	Width  int // pixels
	Height int // pixels
}

// DefaultPTY is a classic 80x24 vt100.
func DefaultPTY() PTY {
	return PTY{Type: "vt100", Cols: 80, Rows: 24, Width: 640, Height: 480}
}

// Interaction answers one keyboard-interactive prompt. Response may contain
// the $$Username$$ and $$Password$$ placeholders.
type Interaction struct {
	PromptPattern string `json:"prompt"`
	Echo          bool   `json:"echo"`
	Response      string `json:"response"`
}

// SSHConfig carries everything needed to open an SSH shell on a device.
type SSHConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM; takes precedence over Password when set
	Passphrase string

	Algorithms Algorithms

	UsePTY bool
	PTY    PTY

	// Interactions answer keyboard-interactive challenges. When empty, a
	// single hidden prompt is answered with Password.
	Interactions []Interaction

	ConnectTimeout time.Duration
	ReceiveTimeout time.Duration

	// HostKeyCallback verifies the device host key. Nil accepts any key.
	HostKeyCallback cryptossh.HostKeyCallback
}

func (c SSHConfig) clone() SSHConfig {
	out := c
	out.PrivateKey = slices.Clone(c.PrivateKey)
	out.Algorithms = c.Algorithms.Clone()
	out.Interactions = slices.Clone(c.Interactions)
	return out
}

func (c SSHConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSH is a cli.Transport over an SSH shell channel. It also pulls files over
// SCP or SFTP on the same (or a derived) connection.
type SSH struct {
	cfg SSHConfig

	mu      sync.Mutex
	client  *cryptossh.Client
	session *cryptossh.Session
	stdin   io.WriteCloser
	stdout  *io.PipeReader
	closed  bool
}

// NewSSH returns an unconnected transport.
func NewSSH(cfg SSHConfig) *SSH {
	cfg = cfg.clone()
	if cfg.PTY.Type == "" {
		cfg.PTY = DefaultPTY()
	}
	return &SSH{cfg: cfg}
}

// Config returns a copy of the transport configuration.
func (s *SSH) Config() SSHConfig { return s.cfg.clone() }

// SetReceiveTimeout bounds channel setup and idle file transfers.
func (s *SSH) SetReceiveTimeout(d time.Duration) {
	s.mu.Lock()
	s.cfg.ReceiveTimeout = d
	s.mu.Unlock()
}

// DeriveSession returns a new unconnected transport with the same connection
// parameters (host, credentials, algorithms, PTY settings).
func (s *SSH) DeriveSession() *SSH {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &SSH{cfg: s.cfg.clone()}
}

// Connect opens the SSH connection and a shell channel.
func (s *SSH) Connect(ctx context.Context) error {
	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	if err := s.openShell(ctx, client); err != nil {
		client.Close()
		return err
	}
	log.Printf("[ssh] shell opened on %s as %s", s.cfg.addr(), s.cfg.Username)
	return nil
}

// dial connects and authenticates, without opening any channel.
func (s *SSH) dial(ctx context.Context) (*cryptossh.Client, error) {
	s.mu.Lock()
	cfg := s.cfg.clone()
	s.mu.Unlock()

	algos, err := cfg.Algorithms.WithDefaults().Negotiable()
	if err != nil {
		return nil, cli.Wrap(cli.KindConnect, "ssh algorithms", err)
	}
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, cli.Wrap(cli.KindConnect, "ssh auth config", err)
	}
	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = cryptossh.InsecureIgnoreHostKey() //nolint:gosec // devices are reached by address, keys are not pinned
	}
	clientCfg := &cryptossh.ClientConfig{
		Config:            algos.Config(),
		User:              cfg.Username,
		Auth:              auth,
		HostKeyCallback:   hostKeyCallback,
		HostKeyAlgorithms: algos.HostKeys,
		Timeout:           cfg.ConnectTimeout,
	}

	addr := cfg.addr()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, cli.Wrap(cli.KindConnect, "ssh dial "+addr, err)
	}

	// Abort the handshake when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if cfg.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	}

	c, chans, reqs, err := cryptossh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, cli.Wrap(cli.KindConnect, "ssh handshake "+addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return cryptossh.NewClient(c, chans, reqs), nil
}

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

// openShell opens the interactive channel. stdout and stderr are merged
// into one stream, the way a terminal shows them.
func (s *SSH) openShell(ctx context.Context, client *cryptossh.Client) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.ReceiveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ReceiveTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	sess, err := client.NewSession()
	if err != nil {
		return cli.Wrap(cli.KindConnect, "ssh new session", err)
	}

	if cfg.UsePTY {
		req := ptyRequestMsg{
			Term:     cfg.PTY.Type,
			Columns:  uint32(cfg.PTY.Cols),
			Rows:     uint32(cfg.PTY.Rows),
			Width:    uint32(cfg.PTY.Width),
			Height:   uint32(cfg.PTY.Height),
			Modelist: encodeModes(cryptossh.TerminalModes{cryptossh.ECHO: 1}),
		}
		ok, err := sess.SendRequest("pty-req", true, cryptossh.Marshal(&req))
		if err == nil && !ok {
			err = errors.New("request refused")
		}
		if err != nil {
			sess.Close()
			return cli.Wrap(cli.KindConnect, "ssh request pty", err)
		}
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return cli.Wrap(cli.KindConnect, "ssh stdin pipe", err)
	}
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw

	if err := sess.Shell(); err != nil {
		sess.Close()
		return cli.Wrap(cli.KindConnect, "ssh start shell", err)
	}
	go func() {
		err := sess.Wait()
		var exitErr *cryptossh.ExitError
		if err == nil || errors.As(err, &exitErr) || errors.Is(err, io.EOF) {
			err = io.EOF
		}
		pw.CloseWithError(err)
	}()

	s.mu.Lock()
	s.client = client
	s.session = sess
	s.stdin = stdin
	s.stdout = pr
	s.mu.Unlock()
	return nil
}

// encodeModes serialises terminal modes as RFC 4254 section 8 encodes them.
func encodeModes(modes cryptossh.TerminalModes) string {
	var b strings.Builder
	keys := make([]int, 0, len(modes))
	for k := range modes {
		keys = append(keys, int(k))
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := modes[uint8(k)]
		b.WriteByte(byte(k))
		b.Write([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	}
	b.WriteByte(0) // TTY_OP_END
	return b.String()
}

func (s *SSH) Read(p []byte) (int, error) {
	s.mu.Lock()
	r := s.stdout
	s.mu.Unlock()
	if r == nil {
		return 0, cli.ErrNotConnected
	}
	return r.Read(p)
}

func (s *SSH) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return 0, cli.ErrNotConnected
	}
	return s.stdin.Write(p)
}

// Resize changes the remote PTY dimensions.
func (s *SSH) Resize(rows, cols int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return cli.ErrNotConnected
	}
	return s.session.WindowChange(rows, cols)
}

// Close tears down the shell channel and the connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	client, sess, stdin, stdout := s.client, s.session, s.stdin, s.stdout
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if sess != nil {
		_ = sess.Close()
	}
	if stdout != nil {
		_ = stdout.Close()
	}
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// authMethods picks public key auth when a key is configured, then password
// and keyboard-interactive.
func authMethods(cfg SSHConfig) ([]cryptossh.AuthMethod, error) {
	var methods []cryptossh.AuthMethod
	if len(cfg.PrivateKey) > 0 {
		var signer cryptossh.Signer
		var err error
		if cfg.Passphrase != "" {
			signer, err = cryptossh.ParsePrivateKeyWithPassphrase(cfg.PrivateKey, []byte(cfg.Passphrase))
		} else {
			signer, err = cryptossh.ParsePrivateKey(cfg.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, cryptossh.PublicKeys(signer))
	}
	if cfg.Password != "" || len(cfg.Interactions) > 0 {
		answer, err := keyboardInteractive(cfg)
		if err != nil {
			return nil, err
		}
		methods = append(methods,
			cryptossh.Password(cfg.Password),
			cryptossh.KeyboardInteractive(answer),
		)
	}
	if len(methods) == 0 {
		return nil, errors.New("no password or private key configured")
	}
	return methods, nil
}

func keyboardInteractive(cfg SSHConfig) (cryptossh.KeyboardInteractiveChallenge, error) {
	type rule struct {
		re *regexp.Regexp
		Interaction
	}
	rules := make([]rule, 0, len(cfg.Interactions))
	for _, in := range cfg.Interactions {
		re, err := regexp.Compile(in.PromptPattern)
		if err != nil {
			return nil, fmt.Errorf("keyboard-interactive prompt %q: %w", in.PromptPattern, err)
		}
		rules = append(rules, rule{re: re, Interaction: in})
	}
	expand := strings.NewReplacer("$$Username$$", cfg.Username, "$$Password$$", cfg.Password)

	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		if len(questions) == 0 {
			return answers, nil
		}
		if len(rules) == 0 {
			if len(questions) == 1 && !echos[0] {
				answers[0] = cfg.Password
				return answers, nil
			}
			return nil, fmt.Errorf("unexpected keyboard-interactive challenge %q", questions)
		}
		for i, q := range questions {
			found := false
			for _, r := range rules {
				if r.Echo == echos[i] && r.re.MatchString(q) {
					answers[i] = expand.Replace(r.Response)
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("no answer for keyboard-interactive prompt %q", q)
			}
		}
		return answers, nil
	}, nil
}

var _ cli.Transport = (*SSH)(nil)
var _ cli.ReceiveTimeoutSetter = (*SSH)(nil)
