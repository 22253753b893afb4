package terminal

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/websoft9/devicelink/internal/cli"
)

// CommandConfig runs a local program under a pseudo-terminal and talks to
// it as if it were the device, e.g. a serial console client.
type CommandConfig struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	Rows uint16
	Cols uint16
}

// Command is a cli.Transport over a local process PTY.
type Command struct {
	cfg CommandConfig

	mu   sync.Mutex
	cmd  *exec.Cmd
	ptmx *os.File
}

// NewCommand returns a transport that starts cfg.Path on Connect.
func NewCommand(cfg CommandConfig) *Command {
	if cfg.Rows == 0 {
		cfg.Rows = 24
	}
	if cfg.Cols == 0 {
		cfg.Cols = 80
	}
	return &Command{cfg: cfg}
}

func (c *Command) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cli.Wrap(cli.KindConnect, "start "+c.cfg.Path, err)
	}
	cmd := exec.Command(c.cfg.Path, c.cfg.Args...)
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Dir = c.cfg.Dir
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: c.cfg.Rows, Cols: c.cfg.Cols})
	if err != nil {
		return cli.Wrap(cli.KindConnect, "start "+c.cfg.Path, err)
	}
	c.mu.Lock()
	c.cmd = cmd
	c.ptmx = ptmx
	c.mu.Unlock()
	log.Printf("[command] started %s (pid %d)", c.cfg.Path, cmd.Process.Pid)
	return nil
}

func (c *Command) Read(p []byte) (int, error) {
	c.mu.Lock()
	ptmx := c.ptmx
	c.mu.Unlock()
	if ptmx == nil {
		return 0, cli.ErrNotConnected
	}
	n, err := ptmx.Read(p)
	// Linux reports the slave side going away as EIO.
	if errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

func (c *Command) Write(p []byte) (int, error) {
	c.mu.Lock()
	ptmx := c.ptmx
	c.mu.Unlock()
	if ptmx == nil {
		return 0, cli.ErrNotConnected
	}
	return ptmx.Write(p)
}

// Resize changes the PTY window size.
func (c *Command) Resize(rows, cols uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ptmx == nil {
		return cli.ErrNotConnected
	}
	return pty.Setsize(c.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close kills the process and waits for it, so no child is left behind.
func (c *Command) Close() error {
	c.mu.Lock()
	cmd, ptmx := c.cmd, c.ptmx
	c.cmd, c.ptmx = nil, nil
	c.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	err := ptmx.Close()
	_ = cmd.Wait()
	return err
}

var _ cli.Transport = (*Command)(nil)
