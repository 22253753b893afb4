package cli

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeTransport is the session end of an in-memory connection; the test
// plays the device on the other end.
type pipeTransport struct {
	net.Conn
	connectErr error
	mu         sync.Mutex
	closes     int
	timeout    time.Duration
}

func (p *pipeTransport) Connect(ctx context.Context) error { return p.connectErr }

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return p.Conn.Close()
}

func (p *pipeTransport) SetReceiveTimeout(d time.Duration) { p.timeout = d }

// newDevice returns a connected session and the device side of the pipe.
func newDevice(t *testing.T) (*Session, *pipeTransport, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	tr := &pipeTransport{Conn: local}
	s := NewSession("router1", tr)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() {
		s.Disconnect()
		remote.Close()
	})
	return s, tr, remote
}

// serveLines answers each received line with the reply returned by fn.
func serveLines(remote net.Conn, fn func(line string) string) {
	go func() {
		r := bufio.NewReader(remote)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if _, err := remote.Write([]byte(fn(strings.TrimRight(line, "\r\n")))); err != nil {
				return
			}
		}
	}()
}

// ---- Send ----------------------------------------------------------------

func TestSession_ShowVersion(t *testing.T) {
	s, tr, remote := newDevice(t)
	require.Equal(t, DefaultReceiveTimeout, tr.timeout)

	serveLines(remote, func(line string) string {
		return line + "\r\nCisco IOS Software, Version 15.2\r\n$ "
	})

	out, err := s.Send(context.Background(), Command{
		Text:    "show version\n",
		Expects: []string{`\$\s*$`, `More\s*$`},
		CleanUp: DefaultCleanUp | NormalizeLineEndings,
	})
	require.NoError(t, err)
	require.Equal(t, 0, out.MatchIndex)
	require.Equal(t, `\$\s*$`, out.MatchPattern)
	require.Equal(t, "show version\nCisco IOS Software, Version 15.2\n", out.Output)
	require.Equal(t, "show version\nCisco IOS Software, Version 15.2\n$ ", out.FullOutput)
	require.Equal(t, "show version\r\nCisco IOS Software, Version 15.2\r\n$ ", out.RawBuffer)

	require.Equal(t, "show version\n", s.LastCommand())
	require.Equal(t, 0, s.LastMatchIndex())
	require.Equal(t, `\$\s*$`, s.LastMatchedPattern())
	require.Equal(t, out.FullOutput, s.LastFullOutput())
	require.NotNil(t, s.LastMatch())
}

func TestSession_PagerPatternSecond(t *testing.T) {
	s, _, remote := newDevice(t)
	serveLines(remote, func(string) string { return "interface Gi0/1\r\n --More-- " })

	out, err := s.Send(context.Background(), Command{
		Text:    "show run\n",
		Expects: []string{`#\s*$`, `--More--\s*$`},
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.MatchIndex)
	require.Equal(t, 1, s.LastMatchIndex())
}

func TestSession_TimeoutCarriesRawBuffer(t *testing.T) {
	s, _, remote := newDevice(t)
	serveLines(remote, func(string) string { return "partial\x1b[K output" })

	start := time.Now()
	_, err := s.Send(context.Background(), Command{
		Text:    "show tech\n",
		Expects: []string{`#$`},
		Timeout: 150 * time.Millisecond,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTimeout), "want ErrTimeout, got %v", err)
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	buf, ok := ReceivedBuffer(err)
	require.True(t, ok)
	require.Equal(t, "partial\x1b[K output", buf)

	var ce *Error
	require.True(t, errors.As(err, &ce))
	require.Equal(t, KindTimeout, ce.Kind)
}

func TestSession_TimeoutMeasuredFromLastByte(t *testing.T) {
	s, _, remote := newDevice(t)
	go func() {
		r := bufio.NewReader(remote)
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		// Total output time well above the timeout, each gap well below it.
		for i := 0; i < 6; i++ {
			time.Sleep(50 * time.Millisecond)
			if _, err := remote.Write([]byte("line\r\n")); err != nil {
				return
			}
		}
		remote.Write([]byte("router1#"))
	}()

	out, err := s.Send(context.Background(), Command{
		Text:    "show log\n",
		Expects: []string{`#$`},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, 6, strings.Count(out.Output, "line"))
}

func TestSession_NoPatternsReturnsWholeBuffer(t *testing.T) {
	s, _, remote := newDevice(t)
	serveLines(remote, func(string) string { return "banner\r\nlogin: " })

	out, err := s.Send(context.Background(), Command{
		Text:         "\n",
		DiscoverWait: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, "banner\r\nlogin: ", out.Output)
	require.Nil(t, out.Match)
	require.Equal(t, -1, out.MatchIndex)
}

func TestSession_DiscoverWaitLetsOutputSettle(t *testing.T) {
	s, _, remote := newDevice(t)
	go func() {
		r := bufio.NewReader(remote)
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		remote.Write([]byte("Password: "))
		time.Sleep(30 * time.Millisecond)
		remote.Write([]byte("\r\nrouter1# "))
	}()

	// Without the settle delay the first pattern would end the loop on
	// "Password:"; with it the device prompt wins on priority.
	out, err := s.Send(context.Background(), Command{
		Text:         "enable\n",
		Expects:      []string{`#\s*$`, `Password:\s*$`},
		DiscoverWait: 150 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, 0, out.MatchIndex)
}

func TestSession_WritesTextVerbatim(t *testing.T) {
	s, _, remote := newDevice(t)
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := remote.Read(buf)
		got <- string(buf[:n])
		remote.Write([]byte("> "))
	}()

	_, err := s.Send(context.Background(), Command{Text: "conf t", Expects: []string{`>\s*$`}})
	require.NoError(t, err)
	require.Equal(t, "conf t", <-got)
}

func TestSession_StreamClosed(t *testing.T) {
	s, _, remote := newDevice(t)
	go func() {
		r := bufio.NewReader(remote)
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		remote.Write([]byte("bye"))
		remote.Close()
	}()

	_, err := s.Send(context.Background(), Command{Text: "exit\n", Expects: []string{`#$`}})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrTimeout))
	buf, ok := ReceivedBuffer(err)
	require.True(t, ok)
	require.Equal(t, "bye", buf)
}

func TestSession_ContextCancelled(t *testing.T) {
	s, _, remote := newDevice(t)
	go bufio.NewReader(remote).ReadString('\n')

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Send(ctx, Command{Text: "x\n", Expects: []string{`#$`}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_InvalidPattern(t *testing.T) {
	s, _, _ := newDevice(t)
	_, err := s.Send(context.Background(), Command{Expects: []string{`(`}})
	require.Error(t, err)
}

// ---- Lifecycle -----------------------------------------------------------

func TestSession_SendBeforeConnect(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	s := NewSession("router1", &pipeTransport{Conn: local})
	_, err := s.Send(context.Background(), Command{Text: "x"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSession_ConnectFailureIsConnectKind(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	tr := &pipeTransport{Conn: local, connectErr: errors.New("connection refused")}
	s := NewSession("router1", tr)

	err := s.Connect(context.Background())
	var ce *Error
	require.True(t, errors.As(err, &ce))
	require.Equal(t, KindConnect, ce.Kind)
	require.Equal(t, 1, tr.closes)
}

func TestSession_DisconnectIdempotent(t *testing.T) {
	s, tr, _ := newDevice(t)
	s.Disconnect()
	s.Disconnect()

	tr.mu.Lock()
	closes := tr.closes
	tr.mu.Unlock()
	require.Equal(t, 1, closes)

	_, err := s.Send(context.Background(), Command{Text: "x"})
	require.ErrorIs(t, err, ErrNotConnected)
	require.Error(t, s.Connect(context.Background()))
}

func TestSession_Expect(t *testing.T) {
	s, _, remote := newDevice(t)
	serveLines(remote, func(line string) string { return "ok\r\nrouter1#" })

	got, err := s.Expect(context.Background(), "terminal length 0\n", `#$`)
	require.NoError(t, err)
	require.Equal(t, "ok\r\nrouter1", got)
}
