package transfer

import (
	"log"
)

// Audit actions.
const (
	ActionAuth   = "transfer.auth"
	ActionDenied = "transfer.denied"
	ActionUpload = "transfer.upload"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// AuditEvent is a security-relevant event on the transfer server.
type AuditEvent struct {
	Action   string
	Status   string
	Username string
	TicketID string
	Owner    string
	Remote   string
	Detail   map[string]any
}

// AuditSink receives audit events. Implementations must not block for long
// and must swallow their own failures.
type AuditSink interface {
	Record(AuditEvent)
}

// LogAuditSink writes audit events to the process log.
type LogAuditSink struct{}

func (LogAuditSink) Record(e AuditEvent) {
	log.Printf("[AAA] %s %s user=%q ticket=%s remote=%s %v", e.Action, e.Status, e.Username, e.TicketID, e.Remote, e.Detail)
}
