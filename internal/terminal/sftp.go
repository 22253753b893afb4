package terminal

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/pkg/sftp"

	"github.com/websoft9/devicelink/internal/cli"
)

// SFTPPull copies remotePath into w over the SFTP subsystem. newSession has
// the same meaning as for SCPPull.
func (s *SSH) SFTPPull(ctx context.Context, remotePath string, w io.Writer, newSession bool) error {
	client, release, err := s.transferClient(ctx, newSession)
	if err != nil {
		return err
	}
	defer release()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return cli.Wrap(cli.KindTransfer, "sftp: open subsystem", err)
	}
	defer sc.Close()

	ctx, iw, done := s.watchIdle(ctx, w)
	defer done()
	// io.Copy does not watch ctx; closing the subsystem unblocks it.
	stop := context.AfterFunc(ctx, func() { sc.Close() })
	defer stop()

	f, err := sc.Open(remotePath)
	if err != nil {
		return cli.Wrap(cli.KindTransfer, "sftp open "+remotePath, err)
	}
	defer f.Close()

	if _, err := io.Copy(iw, f); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = fmt.Errorf("%w (%v)", cause, err)
		}
		return cli.Wrap(cli.KindTransfer, "sftp read "+remotePath, err)
	}
	log.Printf("[ssh] sftp pulled %s from %s (%d bytes)", remotePath, s.cfg.addr(), iw.n)
	return nil
}
