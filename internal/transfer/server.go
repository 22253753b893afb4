// Package transfer provides the embedded SSH server devices push files to.
// Each session must authenticate against a single-use upload ticket and may
// only write files, over SCP (sink mode) or SFTP, into the ticket's private
// directory.
//
// Server is pure infrastructure; it has no knowledge of PocketBase. Audit
// records and task scheduling are injected via [AuditSink] and [Scheduler].
package transfer

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/websoft9/devicelink/internal/terminal"
)

// defaultRateLimit is the maximum number of new TCP connections accepted per second.
const defaultRateLimit rate.Limit = 10

// handshakeTimeout is the deadline for the SSH handshake and authentication.
// After the session is authenticated the deadline is cleared.
const handshakeTimeout = 15 * time.Second

const serverVersion = "SSH-2.0-devicelink-transfer"

var (
	ErrServerNotRunning = errors.New("transfer server is not running")

	errAuthFailed = errors.New("authentication failed")
)

// Server is the embedded transfer server. Its configuration may be reloaded
// while running; connections already established keep the configuration they
// were accepted with.
type Server struct {
	registry *Registry
	audit    AuditSink

	mu       sync.RWMutex
	settings Settings
	algos    terminal.Algorithms
	signers  []ssh.Signer
	limiter  *rate.Limiter
	sem      chan struct{} // slot held for the whole connection
	ln       net.Listener
	running  bool

	connMu  sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewServer returns a stopped server. A nil sink logs audit events only.
func NewServer(settings Settings, reg *Registry, sink AuditSink) *Server {
	if sink == nil {
		sink = LogAuditSink{}
	}
	return &Server{
		registry: reg,
		audit:    sink,
		settings: settings.withDefaults(),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start loads the host keys, binds the listener and starts accepting.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("transfer: server already running")
	}
	algos, signers, err := prepare(s.settings)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.settings.Addr())
	if err != nil {
		return fmt.Errorf("transfer: listen %s: %w", s.settings.Addr(), err)
	}
	s.apply(s.settings, algos, signers)
	s.ln = ln
	s.running = true
	s.connMu.Lock()
	s.closing = false
	s.connMu.Unlock()

	s.wg.Add(1)
	go s.serve(ln)
	log.Printf("[transfer] listening on %s (sftp=%t scp=%t)", ln.Addr(), s.settings.SFTPEnabled, s.settings.SCPEnabled)
	return nil
}

// Reload applies new settings. Algorithms and host keys take effect for new
// connections; the listener is rebound when the address changed.
func (s *Server) Reload(settings Settings) error {
	settings = settings.withDefaults()
	algos, signers, err := prepare(settings)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrServerNotRunning
	}
	if settings.Addr() != s.settings.Addr() {
		ln, err := net.Listen("tcp", settings.Addr())
		if err != nil {
			return fmt.Errorf("transfer: listen %s: %w", settings.Addr(), err)
		}
		old := s.ln
		s.ln = ln
		s.wg.Add(1)
		go s.serve(ln)
		_ = old.Close()
		log.Printf("[transfer] listener moved from %s to %s", old.Addr(), ln.Addr())
	}
	s.apply(settings, algos, signers)
	log.Printf("[transfer] configuration reloaded")
	return nil
}

// Shutdown closes the listener and every open connection, then waits for
// the connection handlers to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	_ = s.ln.Close()
	s.mu.Unlock()

	s.connMu.Lock()
	s.closing = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	log.Printf("[transfer] server stopped")
}

// Running reports whether the server accepts connections.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound listener address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return nil
	}
	return s.ln.Addr()
}

// Settings returns the active settings.
func (s *Server) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// PublicHostKeys returns the public halves of the server's host keys.
func (s *Server) PublicHostKeys() []ssh.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]ssh.PublicKey, 0, len(s.signers))
	for _, signer := range s.signers {
		keys = append(keys, signer.PublicKey())
	}
	return keys
}

// prepare validates the algorithm lists and loads the host keys they need.
func prepare(settings Settings) (terminal.Algorithms, []ssh.Signer, error) {
	algos, err := settings.Algorithms.Negotiable()
	if err != nil {
		return terminal.Algorithms{}, nil, fmt.Errorf("transfer: algorithms: %w", err)
	}
	signers, err := loadHostKeys(settings.HostKeyPath, settings.HostKeyPrefix, algos.HostKeys)
	if err != nil {
		return terminal.Algorithms{}, nil, err
	}
	return algos, signers, nil
}

// apply installs a validated configuration. s.mu must be held.
func (s *Server) apply(settings Settings, algos terminal.Algorithms, signers []ssh.Signer) {
	s.settings = settings
	s.algos = algos
	s.signers = signers
	s.limiter = rate.NewLimiter(settings.RateLimit, int(settings.RateLimit)+1)
	if s.sem == nil || cap(s.sem) != settings.MaxConcurrentSessions {
		s.sem = make(chan struct{}, settings.MaxConcurrentSessions)
	}
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient accept error; keep looping.
			log.Printf("[transfer] accept: %v", err)
			continue
		}

		s.mu.RLock()
		limiter, sem := s.limiter, s.sem
		s.mu.RUnlock()

		if !limiter.Allow() {
			log.Printf("[transfer] connection rate exceeded, dropping %s", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		select {
		case sem <- struct{}{}:
		default:
			log.Printf("[transfer] max concurrent sessions reached, dropping %s", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-sem }()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// handleConn authenticates one connection against the ticket registry and
// serves its session channels.
func (s *Server) handleConn(conn net.Conn) {
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	s.mu.RLock()
	settings, algos, signers := s.settings, s.algos, s.signers
	s.mu.RUnlock()

	remote := conn.RemoteAddr().String()
	trace := NewSessionLog(remote)
	trace.Printf("connection accepted on %s", conn.LocalAddr())

	var bound *Ticket
	cfg := s.serverConfig(algos, signers, func(meta ssh.ConnMetadata, password string) (*ssh.Permissions, error) {
		t, err := s.authenticate(meta, password, trace)
		if err != nil {
			return nil, err
		}
		bound = t
		return &ssh.Permissions{Extensions: map[string]string{"ticket-id": t.ID}}, nil
	})

	// Short deadline covers the handshake and authentication only.
	_ = conn.SetDeadline(time.Now().Add(settings.HandshakeTimeout))

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		trace.Printf("handshake failed: %v", err)
		log.Printf("[transfer] SSH handshake failed from %s: %v", remote, err)
		if bound != nil {
			bound.OnSessionStopped()
		}
		return // conn already closed by ssh pkg
	}
	defer func() {
		_ = sshConn.Close()
		trace.Printf("connection closed")
		if bound != nil {
			bound.OnSessionStopped()
			log.Printf("[transfer] session closed for ticket %s", bound.Username)
		}
	}()
	if bound == nil {
		return
	}

	_ = conn.SetDeadline(time.Time{})
	trace.Printf("client version %q", sshConn.ClientVersion())
	go ssh.DiscardRequests(reqs)

	in := &inbound{
		ticket:   bound,
		log:      trace,
		remote:   remote,
		settings: settings,
		audit:    s.audit,
	}

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			in.deny("channel "+newChan.ChannelType(), "")
			_ = newChan.Reject(ssh.Prohibited, "only file uploads are accepted")
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			trace.Printf("accept channel: %v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			in.serveSession(ch, chReqs)
		}()
	}
	wg.Wait()
}

// serverConfig builds the per-connection SSH configuration. Password and
// keyboard-interactive logins both end up in auth.
func (s *Server) serverConfig(algos terminal.Algorithms, signers []ssh.Signer, auth func(ssh.ConnMetadata, string) (*ssh.Permissions, error)) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		Config:        algos.Config(),
		ServerVersion: serverVersion,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return auth(meta, string(password))
		},
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := client("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) != 1 {
				log.Printf("[transfer] keyboard-interactive from %s returned %d answers", meta.RemoteAddr(), len(answers))
				return nil, errAuthFailed
			}
			return auth(meta, answers[0])
		},
	}
	for _, signer := range signers {
		cfg.AddHostKey(signer)
	}
	return cfg
}

// authenticate checks a login against the registry. Every failure is
// reported to the audit sink with the reason; the client only learns that
// authentication failed.
func (s *Server) authenticate(meta ssh.ConnMetadata, password string, trace *SessionLog) (*Ticket, error) {
	remote := meta.RemoteAddr().String()
	username := meta.User()

	t, ok := s.registry.Lookup(username)
	if !ok {
		trace.Printf("authentication failed for %q: unknown ticket", username)
		log.Printf("[transfer] authentication failed from %s: unknown ticket %q", remote, username)
		s.audit.Record(AuditEvent{
			Action:   ActionAuth,
			Status:   StatusFailed,
			Username: username,
			Remote:   remote,
			Detail:   map[string]any{"reason": "unknown ticket"},
		})
		return nil, errAuthFailed
	}

	if err := t.Authenticate(sourceAddr(meta.RemoteAddr()), password); err != nil {
		trace.Printf("authentication failed for %q: %v", username, err)
		log.Printf("[transfer] authentication failed from %s for ticket %s: %v", remote, username, err)
		s.audit.Record(AuditEvent{
			Action:   ActionAuth,
			Status:   StatusFailed,
			Username: username,
			TicketID: t.ID,
			Owner:    t.Owner,
			Remote:   remote,
			Detail:   map[string]any{"reason": err.Error()},
		})
		return nil, errAuthFailed
	}

	log.Printf("[transfer] authentication succeeded from %s for ticket %s", remote, username)
	s.audit.Record(AuditEvent{
		Action:   ActionAuth,
		Status:   StatusSuccess,
		Username: username,
		TicketID: t.ID,
		Owner:    t.Owner,
		Remote:   remote,
	})
	t.OnSessionStarted(trace)
	return t, nil
}

func sourceAddr(a net.Addr) netip.Addr {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
