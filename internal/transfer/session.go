package transfer

import (
	"log"
	"os"

	"golang.org/x/crypto/ssh"
)

// inbound is one authenticated connection bound to a ticket.
type inbound struct {
	ticket   *Ticket
	log      *SessionLog
	remote   string
	settings Settings
	audit    AuditSink
}

// permits reports whether p is enabled on the server and allowed by the ticket.
func (in *inbound) permits(p Protocol) bool {
	return in.settings.Allows(p) && in.ticket.Allows(p)
}

// deny records a refused operation.
func (in *inbound) deny(op, path string) {
	log.Printf("[transfer] denied %s %q for ticket %s from %s", op, path, in.ticket.Username, in.remote)
	in.log.Printf("denied %s %s", op, path)
	in.audit.Record(AuditEvent{
		Action:   ActionDenied,
		Status:   StatusFailed,
		Username: in.ticket.Username,
		TicketID: in.ticket.ID,
		Owner:    in.ticket.Owner,
		Remote:   in.remote,
		Detail:   map[string]any{"operation": op, "path": path},
	})
}

// fileWritten reports a completed file to the ticket. A file the ticket no
// longer accepts is removed.
func (in *inbound) fileWritten(p Protocol, abs, rel string, size int64) error {
	f, err := in.ticket.RecordFile(rel, size)
	if err != nil {
		if rmErr := os.Remove(abs); rmErr != nil {
			log.Printf("[transfer] remove rejected file %s: %v", abs, rmErr)
		}
		in.log.Printf("file %s rejected: %v", rel, err)
		return err
	}
	log.Printf("[transfer] received %s (%d bytes) via %s for ticket %s", rel, size, p, in.ticket.Username)
	in.audit.Record(AuditEvent{
		Action:   ActionUpload,
		Status:   StatusSuccess,
		Username: in.ticket.Username,
		TicketID: in.ticket.ID,
		Owner:    in.ticket.Owner,
		Remote:   in.remote,
		Detail:   map[string]any{"protocol": string(p), "file": rel, "size": size, "file_id": f.ID},
	})
	return nil
}

// serveSession answers the requests of one session channel. Only the sftp
// subsystem and "scp -t" are started; everything else is refused. It returns
// only after the transfer has finished, so every file is recorded before the
// connection reports the session as stopped.
func (in *inbound) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	var done chan struct{}
	defer func() {
		if done != nil {
			<-done
		}
	}()
	for req := range reqs {
		if done != nil {
			reply(req, false)
			continue
		}
		switch req.Type {
		case "subsystem":
			var msg struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
				in.deny("subsystem "+msg.Name, "")
				reply(req, false)
				continue
			}
			if !in.permits(ProtocolSFTP) {
				in.deny("sftp", "")
				reply(req, false)
				continue
			}
			reply(req, true)
			done = make(chan struct{})
			in.log.Printf("sftp subsystem started")
			go func() {
				defer close(done)
				in.finish(ch, in.serveSFTP(ch))
			}()

		case "exec":
			var msg struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				reply(req, false)
				continue
			}
			cmd, ok := parseSCPCommand(msg.Command)
			if !ok || !cmd.sink {
				in.deny("exec", msg.Command)
				reply(req, false)
				continue
			}
			if !in.permits(ProtocolSCP) {
				in.deny("scp", cmd.target)
				reply(req, false)
				continue
			}
			reply(req, true)
			done = make(chan struct{})
			in.log.Printf("scp sink started for %q", cmd.target)
			go func() {
				defer close(done)
				in.finish(ch, in.serveSCP(ch, cmd))
			}()

		case "env", "pty-req", "window-change", "keepalive@openssh.com":
			reply(req, false)

		default:
			in.deny(req.Type, "")
			reply(req, false)
		}
	}
}

// finish reports the exit status of a transfer and closes the channel.
func (in *inbound) finish(ch ssh.Channel, code int) {
	_, err := ch.SendRequest("exit-status", false, ssh.Marshal(&struct{ Status uint32 }{uint32(code)}))
	if err != nil {
		in.log.Printf("send exit status: %v", err)
	}
	_ = ch.CloseWrite()
	_ = ch.Close()
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}
