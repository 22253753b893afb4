package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	scp "github.com/bramvdbogaerde/go-scp"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/devicelink/internal/cli"
)

var errIdle = errors.New("no data received within the receive timeout")

// PullFunc copies one remote file into w.
type PullFunc func(ctx context.Context, remotePath string, w io.Writer, newSession bool) error

// SCPPull copies remotePath into w using the SCP source protocol. With
// newSession the copy runs on a fresh connection derived from this one,
// otherwise on the already connected client.
func (s *SSH) SCPPull(ctx context.Context, remotePath string, w io.Writer, newSession bool) error {
	client, release, err := s.transferClient(ctx, newSession)
	if err != nil {
		return err
	}
	defer release()

	ctx, iw, done := s.watchIdle(ctx, w)
	defer done()

	sc, err := scp.NewClientBySSH(client)
	if err != nil {
		return cli.Wrap(cli.KindTransfer, "scp client", err)
	}
	if err := sc.CopyFromRemotePassThru(ctx, iw, remotePath, nil); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		return cli.Wrap(cli.KindTransfer, "scp pull "+remotePath, err)
	}
	log.Printf("[ssh] scp pulled %s from %s (%d bytes)", remotePath, s.cfg.addr(), iw.n)
	return nil
}

// transferClient returns the client a file pull runs on and the function
// releasing it.
func (s *SSH) transferClient(ctx context.Context, newSession bool) (*cryptossh.Client, func(), error) {
	if newSession {
		client, err := s.DeriveSession().dial(ctx)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, nil, &cli.Error{Kind: cli.KindTransfer, Op: "pull", Err: cli.ErrNotConnected}
	}
	return client, func() {}, nil
}

// idleWriter counts bytes and re-arms the idle timer on every write.
type idleWriter struct {
	w     io.Writer
	n     int64
	timer *time.Timer
	d     time.Duration
}

func (iw *idleWriter) Write(p []byte) (int, error) {
	if iw.timer != nil {
		iw.timer.Reset(iw.d)
	}
	n, err := iw.w.Write(p)
	iw.n += int64(n)
	return n, err
}

// watchIdle cancels the returned context when no byte has been written for
// the receive timeout.
func (s *SSH) watchIdle(ctx context.Context, w io.Writer) (context.Context, *idleWriter, func()) {
	s.mu.Lock()
	d := s.cfg.ReceiveTimeout
	s.mu.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	iw := &idleWriter{w: w, d: d}
	if d > 0 {
		iw.timer = time.AfterFunc(d, func() { cancel(errIdle) })
	}
	return ctx, iw, func() {
		if iw.timer != nil {
			iw.timer.Stop()
		}
		cancel(nil)
	}
}

// PullToFile runs pull into localPath. The local file is removed when the
// pull fails, so a failed transfer never leaves a truncated copy behind.
func PullToFile(ctx context.Context, pull PullFunc, remotePath, localPath string, newSession bool) (err error) {
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return cli.Wrap(cli.KindTransfer, "create "+localPath, err)
	}
	var once sync.Once
	closeFile := func() error {
		var cerr error
		once.Do(func() { cerr = f.Close() })
		return cerr
	}
	defer func() {
		_ = closeFile()
		if err != nil {
			if rmErr := os.Remove(localPath); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Printf("[ssh] remove partial file %s: %v", localPath, rmErr)
			}
		}
	}()

	if err = pull(ctx, remotePath, f, newSession); err != nil {
		return err
	}
	if err = closeFile(); err != nil {
		return cli.Wrap(cli.KindTransfer, fmt.Sprintf("close %s", localPath), err)
	}
	return nil
}
