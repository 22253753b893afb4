package terminal

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"
)

// fakeDevice is an in-process SSH server that behaves like a small network
// device: a line-oriented shell, "scp -f" for configured files and the
// SFTP subsystem over the local file system.
type fakeDevice struct {
	addr string
	host string
	port int

	mu       sync.Mutex
	ptyReqs  []ptyRequestMsg
	scpFiles map[string][]byte
	conns    int
}

const (
	fakeUser     = "admin"
	fakePassword = "s3cret"
)

func newFakeDevice(t *testing.T, keyboardInteractiveOnly bool) *fakeDevice {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := cryptossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	cfg := &cryptossh.ServerConfig{
		KeyboardInteractiveCallback: func(conn cryptossh.ConnMetadata, client cryptossh.KeyboardInteractiveChallenge) (*cryptossh.Permissions, error) {
			answers, err := client("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if conn.User() == fakeUser && len(answers) == 1 && answers[0] == fakePassword {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	if !keyboardInteractiveOnly {
		cfg.PasswordCallback = func(conn cryptossh.ConnMetadata, password []byte) (*cryptossh.Permissions, error) {
			if conn.User() == fakeUser && string(password) == fakePassword {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		}
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	d := &fakeDevice{addr: ln.Addr().String(), host: host, port: port, scpFiles: map[string][]byte{}}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.serveConn(conn, cfg)
		}
	}()
	return d
}

func (d *fakeDevice) sshConfig() SSHConfig {
	return SSHConfig{
		Host:           d.host,
		Port:           d.port,
		Username:       fakeUser,
		Password:       fakePassword,
		ConnectTimeout: 5 * time.Second,
		ReceiveTimeout: 5 * time.Second,
	}
}

func (d *fakeDevice) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns
}

func (d *fakeDevice) serveConn(nc net.Conn, cfg *cryptossh.ServerConfig) {
	sc, chans, reqs, err := cryptossh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer sc.Close()
	d.mu.Lock()
	d.conns++
	d.mu.Unlock()
	go cryptossh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(cryptossh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go d.serveSession(ch, chReqs)
	}
}

func (d *fakeDevice) serveSession(ch cryptossh.Channel, reqs <-chan *cryptossh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var msg ptyRequestMsg
			if err := cryptossh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil)
				continue
			}
			d.mu.Lock()
			d.ptyReqs = append(d.ptyReqs, msg)
			d.mu.Unlock()
			req.Reply(true, nil)
		case "shell":
			req.Reply(true, nil)
			go d.runShell(ch)
		case "exec":
			var msg struct{ Command string }
			cryptossh.Unmarshal(req.Payload, &msg)
			req.Reply(true, nil)
			go d.runExec(ch, msg.Command)
		case "subsystem":
			var msg struct{ Name string }
			cryptossh.Unmarshal(req.Payload, &msg)
			if msg.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				srv, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				srv.Serve()
				srv.Close()
			}()
		default:
			req.Reply(false, nil)
		}
	}
}

// runShell answers "show version" and "exit"; anything else is echoed.
func (d *fakeDevice) runShell(ch cryptossh.Channel) {
	defer ch.Close()
	io.WriteString(ch, "Welcome to router1\r\nrouter1$ ")
	r := bufio.NewReader(ch)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch line {
		case "exit":
			sendExitStatus(ch, 0)
			return
		case "show version":
			io.WriteString(ch, "show version\r\nRouterOS 7.1\r\nrouter1$ ")
		default:
			io.WriteString(ch, line+"\r\nrouter1$ ")
		}
	}
}

func (d *fakeDevice) runExec(ch cryptossh.Channel, command string) {
	defer ch.Close()
	path, ok := strings.CutPrefix(command, "scp -f ")
	if !ok {
		fmt.Fprintf(ch.Stderr(), "unsupported command %q\n", command)
		sendExitStatus(ch, 127)
		return
	}
	if unq, err := strconv.Unquote(path); err == nil {
		path = unq
	}
	d.mu.Lock()
	data, found := d.scpFiles[path]
	d.mu.Unlock()

	ack := make([]byte, 1)
	if _, err := io.ReadFull(ch, ack); err != nil {
		return
	}
	if !found {
		fmt.Fprintf(ch, "\x01scp: %s: No such file or directory\n", path)
		sendExitStatus(ch, 1)
		return
	}
	fmt.Fprintf(ch, "C0644 %d %s\n", len(data), path[strings.LastIndex(path, "/")+1:])
	if _, err := io.ReadFull(ch, ack); err != nil {
		return
	}
	ch.Write(data)
	ch.Write([]byte{0})

	// Wait briefly for the final acknowledgement before ending the session.
	acked := make(chan struct{})
	go func() {
		io.ReadFull(ch, make([]byte, 1))
		close(acked)
	}()
	select {
	case <-acked:
	case <-time.After(500 * time.Millisecond):
	}
	sendExitStatus(ch, 0)
}

func sendExitStatus(ch cryptossh.Channel, code uint32) {
	ch.SendRequest("exit-status", false, cryptossh.Marshal(&struct{ Status uint32 }{code}))
}
