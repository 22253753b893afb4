package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/websoft9/devicelink/internal/fileutil"
)

// scpCommand is a parsed "scp" exec request.
type scpCommand struct {
	sink      bool // -t
	source    bool // -f
	recursive bool // -r
	dirTarget bool // -d
	target    string
}

// parseSCPCommand parses the command line an scp client executes on the
// remote side, e.g. `scp -t .` or `scp -qt "/cfg.bin"`.
func parseSCPCommand(cmdline string) (scpCommand, bool) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 || path.Base(fields[0]) != "scp" {
		return scpCommand{}, false
	}
	var cmd scpCommand
	i := 1
	for ; i < len(fields); i++ {
		arg := fields[i]
		if arg == "--" {
			i++
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			break
		}
		for _, c := range arg[1:] {
			switch c {
			case 't':
				cmd.sink = true
			case 'f':
				cmd.source = true
			case 'r':
				cmd.recursive = true
			case 'd':
				cmd.dirTarget = true
			}
		}
	}
	if i < len(fields) {
		cmd.target = unquoteArg(strings.Join(fields[i:], " "))
	}
	if cmd.target == "" {
		cmd.target = "."
	}
	if cmd.sink == cmd.source {
		return scpCommand{}, false
	}
	return cmd, true
}

func unquoteArg(s string) string {
	switch {
	case len(s) >= 2 && s[0] == '"':
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	case len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'':
		return strings.ReplaceAll(s[1:len(s)-1], `'\''`, `'`)
	}
	return s
}

// scpSink receives files pushed with "scp -t". Directories are refused.
type scpSink struct {
	in   *inbound
	jail jail
	cmd  scpCommand
	r    *bufio.Reader
	w    io.Writer
}

func (in *inbound) serveSCP(ch ssh.Channel, cmd scpCommand) int {
	s := &scpSink{
		in:   in,
		jail: jail{root: in.ticket.RootPath},
		cmd:  cmd,
		r:    bufio.NewReader(ch),
		w:    ch,
	}
	if err := s.run(); err != nil {
		in.log.Printf("scp: %v", err)
		return 1
	}
	in.log.Printf("scp sink ended")
	return 0
}

func (s *scpSink) run() error {
	if err := s.ack(); err != nil {
		return err
	}
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line == "" {
				return nil
			}
			return fmt.Errorf("read control line: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return s.fail("protocol error: empty control line")
		}
		switch line[0] {
		case 'C':
			if err := s.receiveFile(line[1:]); err != nil {
				return err
			}
		case 'T', 'E':
			// Times are not kept; directory ends never follow an accepted start.
			if err := s.ack(); err != nil {
				return err
			}
		case 'D':
			s.in.deny("scp mkdir", line)
			return s.fail("directories are not accepted")
		case 1, 2:
			return fmt.Errorf("client error: %s", line[1:])
		default:
			return s.fail(fmt.Sprintf("protocol error: unexpected %q", line[0]))
		}
	}
}

// receiveFile handles one "C<mode> <size> <name>" record.
func (s *scpSink) receiveFile(header string) error {
	parts := strings.SplitN(header, " ", 3)
	if len(parts) != 3 {
		return s.fail("protocol error: bad file header")
	}
	if _, err := strconv.ParseUint(parts[0], 8, 32); err != nil {
		return s.fail("protocol error: bad file mode")
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return s.fail("protocol error: bad file size")
	}
	name := parts[2]
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		s.in.deny("scp put with bad name", name)
		return s.fail("invalid file name")
	}

	dest := s.cmd.target
	switch {
	case s.jail.isDir(dest):
		dest = path.Join(dest, name)
	case s.cmd.dirTarget:
		return s.fail(fmt.Sprintf("%s: not a directory", s.cmd.target))
	}

	f, rel, err := s.jail.create(dest)
	if err != nil {
		if errors.Is(err, fileutil.ErrForbiddenPath) {
			s.in.deny("scp put outside upload dir", dest)
			return s.fail("permission denied")
		}
		if errors.Is(err, os.ErrExist) {
			s.in.deny("scp overwrite", dest)
			return s.fail(fmt.Sprintf("%s: file exists", dest))
		}
		return s.fail(err.Error())
	}
	abs := f.Name()
	s.in.log.Printf("scp receiving %s (%d bytes)", rel, size)

	if err := s.ack(); err != nil {
		discard(f)
		return err
	}
	if _, err := io.CopyN(f, s.r, size); err != nil {
		discard(f)
		return fmt.Errorf("receive %s: %w", rel, err)
	}
	status, err := s.r.ReadByte()
	if err != nil {
		discard(f)
		return fmt.Errorf("receive %s: %w", rel, err)
	}
	if status != 0 {
		discard(f)
		return fmt.Errorf("receive %s: client reported failure", rel)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(abs)
		return s.fail(err.Error())
	}
	if err := s.in.fileWritten(ProtocolSCP, abs, rel, size); err != nil {
		return s.fail(err.Error())
	}
	return s.ack()
}

func (s *scpSink) ack() error {
	_, err := s.w.Write([]byte{0})
	return err
}

// fail sends a fatal error to the client and returns it.
func (s *scpSink) fail(msg string) error {
	_, _ = fmt.Fprintf(s.w, "\x02scp: %s\n", msg)
	return errors.New(msg)
}

// discard closes and removes a partially received file.
func discard(f *os.File) {
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}
