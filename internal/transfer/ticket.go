package transfer

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"log"
	"net/netip"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Protocol is a file transfer protocol a ticket may be used with.
type Protocol string

const (
	ProtocolSCP  Protocol = "scp"
	ProtocolSFTP Protocol = "sftp"
)

var (
	ErrTicketInvalid  = errors.New("ticket is no longer valid")
	ErrTicketInUse    = errors.New("ticket already authenticated")
	ErrSourceMismatch = errors.New("source address does not match ticket")
	ErrBadPassword    = errors.New("wrong password")
)

// passwordEncoding is standard base32 (RFC 4648, A-Z 2-7) without padding.
// Every character is safe in an SSH password prompt and on a device CLI.
var passwordEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// randomString returns n random bytes encoded with passwordEncoding.
func randomString(n int) string {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		// rand.Reader does not fail on supported platforms.
		panic("transfer: failed to read random bytes: " + err.Error())
	}
	return passwordEncoding.EncodeToString(b)
}

// UploadedFile is one file received under a ticket.
type UploadedFile struct {
	ID           int    `json:"id"`
	RelativePath string `json:"name"`
	Size         int64  `json:"size"`
}

// Ticket authorises exactly one inbound session to upload files into a
// private directory. A ticket authenticates at most once.
type Ticket struct {
	ID               string
	Owner            string
	Username         string
	AllowedProtocols []Protocol
	// ExpectedSource pins the client address when valid.
	ExpectedSource netip.Addr
	RootPath       string
	CreatedAt      time.Time

	mu            sync.Mutex
	onFileWritten func(*Ticket, UploadedFile)
	passwordHash  []byte
	valid         bool
	authenticated bool
	completed     bool
	cleaned       bool
	files         []UploadedFile
	nextFileID    int
	log           *SessionLog
	done          chan struct{}
	registry      *Registry
}

// NewTicket creates a ticket with a random password and a fresh upload
// directory under rootBase (the temp dir when empty). The cleartext
// password is returned once and not kept on the ticket.
func NewTicket(owner string, protocols []Protocol, source netip.Addr, rootBase string) (*Ticket, string, error) {
	if len(protocols) == 0 {
		return nil, "", fmt.Errorf("transfer: ticket needs at least one protocol")
	}
	password := randomString(32)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("transfer: hash password: %w", err)
	}

	id := uuid.NewString()
	if rootBase != "" {
		if err := os.MkdirAll(rootBase, 0o700); err != nil {
			return nil, "", fmt.Errorf("transfer: create upload base: %w", err)
		}
	}
	root, err := os.MkdirTemp(rootBase, "upload-"+id[:8]+"-")
	if err != nil {
		return nil, "", fmt.Errorf("transfer: create upload dir: %w", err)
	}

	t := &Ticket{
		ID:               id,
		Owner:            owner,
		Username:         usernameFor(owner),
		AllowedProtocols: slices.Clone(protocols),
		ExpectedSource:   source.Unmap(),
		RootPath:         root,
		CreatedAt:        time.Now().UTC(),
		passwordHash:     hash,
		valid:            true,
		nextFileID:       1,
		done:             make(chan struct{}),
	}
	return t, password, nil
}

// usernameFor derives a unique SSH username from the owner id.
func usernameFor(owner string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(owner) {
		if b.Len() >= 24 {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	prefix := b.String()
	if prefix == "" {
		prefix = "upload"
	}
	return prefix + "-" + strings.ToLower(randomString(5))
}

// Allows reports whether the ticket may be used over p.
func (t *Ticket) Allows(p Protocol) bool {
	return slices.Contains(t.AllowedProtocols, p)
}

// Valid reports whether the ticket still accepts sessions and files.
func (t *Ticket) Valid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.valid
}

// OnFileWritten sets the callback run, outside the ticket lock, after each
// file is recorded.
func (t *Ticket) OnFileWritten(fn func(*Ticket, UploadedFile)) {
	t.mu.Lock()
	t.onFileWritten = fn
	t.mu.Unlock()
}

// Authenticate checks a login attempt from source. On success the ticket is
// bound and further attempts fail with ErrTicketInUse.
func (t *Ticket) Authenticate(source netip.Addr, password string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid {
		return ErrTicketInvalid
	}
	if t.authenticated {
		return ErrTicketInUse
	}
	if t.ExpectedSource.IsValid() && source.Unmap() != t.ExpectedSource {
		return ErrSourceMismatch
	}
	if err := bcrypt.CompareHashAndPassword(t.passwordHash, []byte(password)); err != nil {
		return ErrBadPassword
	}
	t.authenticated = true
	return nil
}

// OnSessionStarted attaches the connection's session log.
func (t *Ticket) OnSessionStarted(l *SessionLog) {
	t.mu.Lock()
	t.log = l
	t.mu.Unlock()
	if l != nil {
		l.Printf("session bound to ticket %s", t.Username)
	}
}

// OnSessionStopped marks the authenticated session as completed. Only the
// first call after authentication has an effect.
func (t *Ticket) OnSessionStopped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.authenticated || t.completed {
		return
	}
	t.completed = true
	if !t.cleaned {
		close(t.done)
	}
}

// RecordFile registers a completed upload. It fails when the ticket has
// been invalidated; the caller then discards the file.
func (t *Ticket) RecordFile(rel string, size int64) (UploadedFile, error) {
	t.mu.Lock()
	if !t.valid {
		t.mu.Unlock()
		return UploadedFile{}, ErrTicketInvalid
	}
	f := UploadedFile{ID: t.nextFileID, RelativePath: rel, Size: size}
	t.nextFileID++
	t.files = append(t.files, f)
	cb := t.onFileWritten
	l := t.log
	t.mu.Unlock()

	if l != nil {
		l.Printf("received %s (%d bytes)", rel, size)
	}
	if cb != nil {
		cb(t, f)
	}
	return f, nil
}

// Files returns the uploaded files in arrival order.
func (t *Ticket) Files() []UploadedFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.files)
}

// Completed reports whether the authenticated session has ended.
func (t *Ticket) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// SessionLogs returns the log lines of the bound session.
func (t *Ticket) SessionLogs() []string {
	t.mu.Lock()
	l := t.log
	t.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Lines()
}

// AwaitCompletion waits until the session stops, the ticket is cleaned up,
// ctx ends or timeout elapses (no limit when <= 0). It reports whether the
// session completed.
func (t *Ticket) AwaitCompletion(ctx context.Context, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-t.done:
	case <-ctx.Done():
	case <-expired:
	}
	return t.Completed()
}

// CleanUp invalidates the ticket, removes it from its registry and deletes
// its upload directory. Later calls do nothing.
func (t *Ticket) CleanUp() {
	t.mu.Lock()
	if t.cleaned {
		t.mu.Unlock()
		return
	}
	t.cleaned = true
	t.valid = false
	if !t.completed {
		close(t.done)
	}
	reg := t.registry
	root := t.RootPath
	t.mu.Unlock()

	if reg != nil {
		reg.Remove(t)
	}
	if root != "" {
		if err := os.RemoveAll(root); err != nil {
			log.Printf("[transfer] remove upload dir %s: %v", root, err)
		}
	}
	log.Printf("[transfer] ticket %s cleaned up", t.Username)
}

// invalidate stops the ticket from accepting sessions or files without
// touching its files.
func (t *Ticket) invalidate() {
	t.mu.Lock()
	t.valid = false
	t.mu.Unlock()
}
