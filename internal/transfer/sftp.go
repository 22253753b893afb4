package transfer

import (
	"errors"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/websoft9/devicelink/internal/fileutil"
)

// sftpHandler serves one SFTP subsystem. Every request goes through
// authorize; only opening a file for writing is allowed.
type sftpHandler struct {
	in   *inbound
	jail jail

	mu   sync.Mutex
	open map[*uploadFile]struct{}
}

func (in *inbound) serveSFTP(ch ssh.Channel) int {
	h := &sftpHandler{
		in:   in,
		jail: jail{root: in.ticket.RootPath},
		open: make(map[*uploadFile]struct{}),
	}
	srv := sftp.NewRequestServer(ch, h.handlers())
	err := srv.Serve()
	_ = srv.Close()
	h.closeAll()
	if err != nil && !errors.Is(err, io.EOF) {
		in.log.Printf("sftp: %v", err)
		log.Printf("[transfer] sftp session for ticket %s ended: %v", in.ticket.Username, err)
		return 1
	}
	in.log.Printf("sftp subsystem ended")
	return 0
}

func (h *sftpHandler) handlers() sftp.Handlers {
	return sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

// authorize is the single decision point for SFTP operations.
func (h *sftpHandler) authorize(r *sftp.Request) error {
	if r.Method == "Put" {
		return nil
	}
	h.in.deny("sftp "+strings.ToLower(r.Method), r.Filepath)
	return sftp.ErrSshFxPermissionDenied
}

func (h *sftpHandler) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	return nil, h.authorize(r)
}

func (h *sftpHandler) Filecmd(r *sftp.Request) error {
	return h.authorize(r)
}

func (h *sftpHandler) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	return nil, h.authorize(r)
}

func (h *sftpHandler) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	if err := h.authorize(r); err != nil {
		return nil, err
	}
	if !h.in.ticket.Valid() {
		h.in.deny("sftp put on invalid ticket", r.Filepath)
		return nil, sftp.ErrSshFxPermissionDenied
	}
	f, rel, err := h.jail.create(r.Filepath)
	if err != nil {
		if errors.Is(err, fileutil.ErrForbiddenPath) {
			h.in.deny("sftp put outside upload dir", r.Filepath)
			return nil, sftp.ErrSshFxPermissionDenied
		}
		if errors.Is(err, os.ErrExist) {
			h.in.deny("sftp overwrite", r.Filepath)
			return nil, sftp.ErrSshFxPermissionDenied
		}
		h.in.log.Printf("sftp open %s: %v", r.Filepath, err)
		return nil, err
	}
	h.in.log.Printf("sftp receiving %s", rel)
	u := &uploadFile{f: f, rel: rel, h: h}
	h.mu.Lock()
	h.open[u] = struct{}{}
	h.mu.Unlock()
	return u, nil
}

// closeAll closes handles the client left open.
func (h *sftpHandler) closeAll() {
	h.mu.Lock()
	left := make([]*uploadFile, 0, len(h.open))
	for u := range h.open {
		left = append(left, u)
	}
	h.mu.Unlock()
	for _, u := range left {
		_ = u.Close()
	}
}

// uploadFile is a write handle; closing it reports the file to the ticket.
type uploadFile struct {
	f   *os.File
	rel string
	h   *sftpHandler

	once sync.Once
	err  error
}

func (u *uploadFile) WriteAt(p []byte, off int64) (int, error) {
	return u.f.WriteAt(p, off)
}

func (u *uploadFile) Close() error {
	u.once.Do(func() {
		u.h.mu.Lock()
		delete(u.h.open, u)
		u.h.mu.Unlock()

		abs := u.f.Name()
		fi, statErr := u.f.Stat()
		if err := u.f.Close(); err != nil {
			u.err = err
			return
		}
		if statErr != nil {
			u.err = statErr
			return
		}
		u.err = u.h.in.fileWritten(ProtocolSFTP, abs, u.rel, fi.Size())
	})
	return u.err
}
