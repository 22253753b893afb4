package transfer

import (
	"bufio"
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSCPCommand(t *testing.T) {
	tests := []struct {
		cmd    string
		ok     bool
		sink   bool
		dir    bool
		target string
	}{
		{cmd: "scp -t .", ok: true, sink: true, target: "."},
		{cmd: `scp -qt "/cfg.bin"`, ok: true, sink: true, target: "/cfg.bin"},
		{cmd: "/usr/bin/scp -v -d -t -- /flash", ok: true, sink: true, dir: true, target: "/flash"},
		{cmd: "scp -t 'my file.cfg'", ok: true, sink: true, target: "my file.cfg"},
		{cmd: "scp -pt", ok: true, sink: true, target: "."},
		{cmd: "scp -f /etc/passwd", ok: true, sink: false, target: "/etc/passwd"},
		{cmd: "scp /x", ok: false},
		{cmd: "scp -tf x", ok: false},
		{cmd: "cat /etc/passwd", ok: false},
		{cmd: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := parseSCPCommand(tt.cmd)
		if ok != tt.ok {
			t.Errorf("parseSCPCommand(%q) ok = %v, want %v", tt.cmd, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if got.sink != tt.sink || got.dirTarget != tt.dir || got.target != tt.target {
			t.Errorf("parseSCPCommand(%q) = %+v", tt.cmd, got)
		}
	}
}

// runSink feeds input to an scp sink bound to a fresh authenticated ticket.
func runSink(t *testing.T, target, input string) (*Ticket, string, error) {
	t.Helper()
	tk, _ := newTestTicket(t, "owner", netip.Addr{})
	in := &inbound{
		ticket:   tk,
		log:      NewSessionLog("test"),
		remote:   "test",
		settings: DefaultSettings(),
		audit:    LogAuditSink{},
	}
	cmd, ok := parseSCPCommand("scp -t " + target)
	if !ok {
		t.Fatalf("bad target %q", target)
	}
	var out bytes.Buffer
	s := &scpSink{
		in:   in,
		jail: jail{root: tk.RootPath},
		cmd:  cmd,
		r:    bufio.NewReader(strings.NewReader(input)),
		w:    &out,
	}
	err := s.run()
	return tk, out.String(), err
}

func TestSCPSink_FileIntoRoot(t *testing.T) {
	tk, out, err := runSink(t, ".", "T1700000000 0 1700000000 0\nC0644 3 a.cfg\nabc\x00C0600 2 b.cfg\nhi\x00")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// initial, T, then C-header and completion acks per file
	if out != strings.Repeat("\x00", 6) {
		t.Errorf("acks = %q", out)
	}
	files := tk.Files()
	if len(files) != 2 || files[0].RelativePath != "a.cfg" || files[1].Size != 2 {
		t.Fatalf("files = %+v", files)
	}
	data, _ := os.ReadFile(filepath.Join(tk.RootPath, "a.cfg"))
	if string(data) != "abc" {
		t.Errorf("a.cfg = %q", data)
	}
}

func TestSCPSink_FileTarget(t *testing.T) {
	tk, _, err := runSink(t, "/renamed.cfg", "C0644 1 original.cfg\nx\x00")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if files := tk.Files(); len(files) != 1 || files[0].RelativePath != "renamed.cfg" {
		t.Fatalf("files = %+v", files)
	}
}

func TestSCPSink_DirectoryDenied(t *testing.T) {
	tk, out, err := runSink(t, ".", "D0755 0 backups\n")
	if err == nil {
		t.Fatal("expected directory push to fail")
	}
	if !strings.HasPrefix(out, "\x00\x02scp: ") {
		t.Errorf("reply = %q, want fatal error", out)
	}
	if _, statErr := os.Stat(filepath.Join(tk.RootPath, "backups")); !os.IsNotExist(statErr) {
		t.Error("directory must not be created")
	}
}

func TestSCPSink_ExistingFileKept(t *testing.T) {
	tk, out, err := runSink(t, ".", "C0644 3 a.cfg\nabc\x00C0644 3 a.cfg\nxyz\x00")
	if err == nil {
		t.Fatal("expected second push of the same name to fail")
	}
	if !strings.Contains(out, "\x02scp: ") || !strings.Contains(out, "file exists") {
		t.Errorf("reply = %q", out)
	}
	if files := tk.Files(); len(files) != 1 || files[0].Size != 3 {
		t.Fatalf("files = %+v", files)
	}
	data, _ := os.ReadFile(filepath.Join(tk.RootPath, "a.cfg"))
	if string(data) != "abc" {
		t.Errorf("a.cfg = %q", data)
	}
}

func TestSCPSink_BadNames(t *testing.T) {
	for _, name := range []string{"../x", "..", "a/b"} {
		tk, out, err := runSink(t, ".", "C0644 1 "+name+"\nx\x00")
		if err == nil || !strings.Contains(out, "\x02") {
			t.Errorf("name %q accepted", name)
		}
		if len(tk.Files()) != 0 {
			t.Errorf("name %q recorded", name)
		}
	}
}

func TestSCPSink_TruncatedData(t *testing.T) {
	tk, _, err := runSink(t, ".", "C0644 10 short.cfg\nabc")
	if err == nil {
		t.Fatal("expected error on truncated data")
	}
	if len(tk.Files()) != 0 {
		t.Error("partial file recorded")
	}
	if _, statErr := os.Stat(filepath.Join(tk.RootPath, "short.cfg")); !os.IsNotExist(statErr) {
		t.Error("partial file left on disk")
	}
}

func TestSCPSink_InvalidTicket(t *testing.T) {
	tk, _ := newTestTicket(t, "owner", netip.Addr{})
	tk.invalidate()
	in := &inbound{ticket: tk, log: NewSessionLog("test"), settings: DefaultSettings(), audit: LogAuditSink{}}
	var out bytes.Buffer
	s := &scpSink{
		in:   in,
		jail: jail{root: tk.RootPath},
		cmd:  scpCommand{sink: true, target: "."},
		r:    bufio.NewReader(strings.NewReader("C0644 1 late.cfg\nx\x00")),
		w:    &out,
	}
	if err := s.run(); err == nil {
		t.Fatal("invalid ticket accepted a file")
	}
	if _, err := os.Stat(filepath.Join(tk.RootPath, "late.cfg")); !os.IsNotExist(err) {
		t.Error("rejected file left on disk")
	}
}
