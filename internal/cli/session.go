// Package cli drives device command-line interfaces over a byte-stream
// transport with an expect loop: send a command, then wait until one of the
// expected patterns shows up in the cleaned output.
//
// A Session owns its transport for its whole life. Only one Send runs at a
// time; concurrent callers are serialised.
package cli

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

// Default timeouts, matching the process-wide transport defaults.
const (
	DefaultConnectionTimeout = 5 * time.Second
	DefaultReceiveTimeout    = 60 * time.Second
	DefaultCommandTimeout    = 120 * time.Second
)

const readChunkSize = 4096

// emptyExpectQuiet is how long a Send without patterns waits for the input
// to go quiet when the command sets no DiscoverWait.
const emptyExpectQuiet = 500 * time.Millisecond

// Command is one send/expect exchange.
type Command struct {
	// Text is written verbatim; no newline is appended. Empty sends nothing.
	Text string
	// Expects lists the patterns to wait for, in priority order.
	Expects []string
	// Timeout overrides the session CommandTimeout when non-zero.
	Timeout time.Duration
	// CleanUp overrides the session clean-up actions when non-zero.
	CleanUp CleanUpAction
	// DiscoverWait delays pattern evaluation until no byte has been received
	// for that long. Without patterns, Send returns the whole buffer once the
	// input has been quiet for DiscoverWait.
	DiscoverWait time.Duration
}

// Output is the result of a successful Send.
type Output struct {
	Command string
	// Output is the cleaned text preceding the match, or the whole cleaned
	// buffer when no pattern was given.
	Output string
	// FullOutput is the whole cleaned buffer.
	FullOutput string
	// Remainder is the cleaned text following the match.
	Remainder string
	// RawBuffer is every byte received during the exchange, verbatim.
	RawBuffer string
	// Match is nil when no pattern was given.
	Match        *Match
	MatchIndex   int
	MatchPattern string
}

// Session is an interactive CLI session with one device.
type Session struct {
	Host              string
	ConnectionTimeout time.Duration
	ReceiveTimeout    time.Duration
	CommandTimeout    time.Duration
	CleanUp           CleanUpAction

	transport Transport

	sendMu sync.Mutex // one Send at a time

	mu        sync.Mutex
	connected bool
	closed    bool
	input     chan []byte
	done      chan struct{}
	readErr   error
	last      lastInteraction
}

type lastInteraction struct {
	command    string
	pattern    string
	index      int
	fullOutput string
	match      *Match
}

// NewSession returns an unconnected session with default timeouts.
func NewSession(host string, t Transport) *Session {
	return &Session{
		Host:              host,
		ConnectionTimeout: DefaultConnectionTimeout,
		ReceiveTimeout:    DefaultReceiveTimeout,
		CommandTimeout:    DefaultCommandTimeout,
		CleanUp:           DefaultCleanUp,
		transport:         t,
		done:              make(chan struct{}),
		last:              lastInteraction{index: -1},
	}
}

// Transport returns the underlying transport.
func (s *Session) Transport() Transport { return s.transport }

// Connect establishes the transport and starts receiving.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		return &Error{Kind: KindConnect, Op: "connect " + s.Host, Err: ErrNotConnected}
	}
	s.mu.Unlock()

	if rs, ok := s.transport.(ReceiveTimeoutSetter); ok && s.ReceiveTimeout > 0 {
		rs.SetReceiveTimeout(s.ReceiveTimeout)
	}

	cctx := ctx
	if s.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.ConnectionTimeout)
		defer cancel()
	}
	if err := s.transport.Connect(cctx); err != nil {
		_ = s.transport.Close()
		return Wrap(KindConnect, "connect "+s.Host, err)
	}

	input := make(chan []byte, 64)
	s.mu.Lock()
	s.connected = true
	s.input = input
	s.mu.Unlock()

	go s.pump(input)
	log.Printf("[cli] connected to %s", s.Host)
	return nil
}

// pump copies transport output into the input channel until the stream ends.
func (s *Session) pump(input chan<- []byte) {
	defer close(input)
	for {
		buf := make([]byte, readChunkSize)
		n, err := s.transport.Read(buf)
		if n > 0 {
			select {
			case input <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			return
		}
	}
}

// Send writes cmd.Text and waits for one of cmd.Expects.
//
// The timeout is measured from the last received byte, not from the start
// of the call, so slow but progressing output never times out. On timeout
// the returned *Error carries every byte received so far.
func (s *Session) Send(ctx context.Context, cmd Command) (*Output, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	input, connected := s.input, s.connected
	s.mu.Unlock()
	if !connected {
		return nil, &Error{Kind: KindIO, Op: "send", Err: ErrNotConnected}
	}

	matcher, err := Compile(cmd.Expects)
	if err != nil {
		return nil, err
	}

	s.setLastCommand(cmd.Text)
	if cmd.Text != "" {
		if _, err := io.WriteString(s.transport, cmd.Text); err != nil {
			return nil, Wrap(KindIO, "write command", err)
		}
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = s.CommandTimeout
	}
	actions := cmd.CleanUp
	if actions == 0 {
		actions = s.CleanUp
	}
	quiet := cmd.DiscoverWait
	if quiet <= 0 && matcher.Empty() {
		quiet = emptyExpectQuiet
	}

	var raw []byte
	lastActivity := time.Now()
	changed := true
	eof := false

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if changed && (eof || time.Since(lastActivity) >= quiet) {
			clean := Clean(string(raw), actions)
			if matcher.Empty() {
				out := &Output{
					Command:    cmd.Text,
					Output:     clean,
					FullOutput: clean,
					RawBuffer:  string(raw),
					MatchIndex: -1,
				}
				s.record(out)
				return out, nil
			}
			if m := matcher.Match(clean); m != nil {
				out := &Output{
					Command:      cmd.Text,
					Output:       m.Before,
					FullOutput:   clean,
					Remainder:    m.After,
					RawBuffer:    string(raw),
					Match:        m,
					MatchIndex:   m.Index,
					MatchPattern: m.Pattern,
				}
				s.record(out)
				return out, nil
			}
			changed = false
		}

		if eof {
			return nil, &Error{Kind: KindIO, Op: "receive", Buffer: string(raw), Err: s.streamErr()}
		}

		wait := timeout - time.Since(lastActivity)
		if wait <= 0 {
			return nil, &Error{Kind: KindTimeout, Op: "expect", Buffer: string(raw), Err: ErrTimeout}
		}
		if changed {
			if d := quiet - time.Since(lastActivity); d < wait {
				wait = d
			}
		}
		timer.Reset(wait)

		select {
		case chunk, ok := <-input:
			if !ok {
				eof = true
				continue
			}
			raw = append(raw, chunk...)
			// Drain whatever else is immediately available.
		drain:
			for {
				select {
				case more, ok := <-input:
					if !ok {
						eof = true
						break drain
					}
					raw = append(raw, more...)
				default:
					break drain
				}
			}
			lastActivity = time.Now()
			changed = true
		case <-timer.C:
		case <-ctx.Done():
			return nil, &Error{Kind: KindIO, Op: "expect", Buffer: string(raw), Err: ctx.Err()}
		}
	}
}

// Expect is shorthand for Send with the given patterns and default options.
func (s *Session) Expect(ctx context.Context, text string, patterns ...string) (string, error) {
	out, err := s.Send(ctx, Command{Text: text, Expects: patterns})
	if err != nil {
		return "", err
	}
	return out.Output, nil
}

func (s *Session) streamErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return s.readErr
	}
	return io.EOF
}

func (s *Session) setLastCommand(cmd string) {
	s.mu.Lock()
	s.last.command = cmd
	s.mu.Unlock()
}

func (s *Session) record(out *Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last.fullOutput = out.FullOutput
	s.last.index = out.MatchIndex
	s.last.pattern = out.MatchPattern
	s.last.match = out.Match
}

// LastCommand returns the text written by the most recent Send.
func (s *Session) LastCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.command
}

// LastMatchedPattern returns the pattern that ended the last successful Send.
func (s *Session) LastMatchedPattern() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.pattern
}

// LastMatchIndex returns the index of the last matched pattern, -1 if none.
func (s *Session) LastMatchIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.index
}

// LastFullOutput returns the cleaned buffer of the last successful Send.
func (s *Session) LastFullOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.fullOutput
}

// LastMatch returns the structured match of the last successful Send.
func (s *Session) LastMatch() *Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.match
}

// Disconnect closes the transport. It never fails; close errors are logged.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	close(s.done)
	s.mu.Unlock()

	if err := s.transport.Close(); err != nil && !errors.Is(err, io.EOF) {
		log.Printf("[cli] disconnect from %s: %v", s.Host, err)
	}
}
