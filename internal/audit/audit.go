// Package audit writes security and operation audit records to the
// audit_logs collection.
//
// All backend writes go through Write(); access rules on the audit_logs
// collection prevent any client-side mutations.
package audit

import (
	"log"
	"net"

	"github.com/pocketbase/pocketbase/core"

	"github.com/websoft9/devicelink/internal/transfer"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var validStatuses = map[string]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Entry holds all fields for a single audit record.
type Entry struct {
	// UserID is the actor. Device logins use the ticket username, tasks use
	// "system" and unknown accounts "unknown".
	UserID string
	// UserEmail is the actor's email address for display purposes.
	UserEmail string
	// Action is a dot-namespaced verb, e.g. "transfer.auth".
	Action string
	// ResourceType is the category of the affected resource, e.g. "ticket".
	ResourceType string
	// ResourceID is the unique key of the affected resource.
	ResourceID string
	// ResourceName is the human-readable label of the affected resource.
	ResourceName string
	// Status must be one of StatusPending, StatusSuccess, or StatusFailed.
	Status string
	// IP is the client's source IP address.
	IP string
	// UserAgent is stored inside the detail JSON.
	UserAgent string
	// Detail holds optional structured context (error message, task ID, etc.).
	Detail map[string]any
}

// Write persists one audit record to the audit_logs collection.
// It bypasses PocketBase access rules via app.Save(), so it works from any
// backend handler, the transfer server or an Asynq worker.
// Errors are logged and swallowed: an audit failure never breaks the
// calling operation.
func Write(app core.App, entry Entry) {
	if !validStatuses[entry.Status] {
		log.Printf("[audit] invalid status %q for action %q, skipping", entry.Status, entry.Action)
		return
	}

	col, err := app.FindCollectionByNameOrId("audit_logs")
	if err != nil {
		log.Printf("[audit] collection not found: %v", err)
		return
	}

	rec := core.NewRecord(col)
	rec.Set("user_id", entry.UserID)
	rec.Set("user_email", entry.UserEmail)
	rec.Set("action", entry.Action)
	rec.Set("resource_type", entry.ResourceType)
	rec.Set("resource_id", entry.ResourceID)
	rec.Set("resource_name", entry.ResourceName)
	rec.Set("status", entry.Status)
	rec.Set("ip", entry.IP)

	detail := entry.Detail
	if entry.UserAgent != "" {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["user_agent"] = entry.UserAgent
	}
	if detail != nil {
		rec.Set("detail", detail)
	}

	if err := app.Save(rec); err != nil {
		log.Printf("[audit] save failed: %v", err)
	}
}

// TransferSink records transfer server events in audit_logs and mirrors
// them to the process log.
type TransferSink struct {
	App core.App
}

// Record implements transfer.AuditSink.
func (s TransferSink) Record(e transfer.AuditEvent) {
	transfer.LogAuditSink{}.Record(e)
	Write(s.App, TransferEntry(e))
}

// TransferEntry maps a transfer event onto an audit record. The ticket is
// the resource; its owner is kept in the detail since it names a task, not
// a user account.
func TransferEntry(e transfer.AuditEvent) Entry {
	userID := e.Username
	if userID == "" {
		userID = "unknown"
	}
	detail := make(map[string]any, len(e.Detail)+1)
	for k, v := range e.Detail {
		detail[k] = v
	}
	if e.Owner != "" {
		detail["owner"] = e.Owner
	}
	return Entry{
		UserID:       userID,
		Action:       e.Action,
		ResourceType: "ticket",
		ResourceID:   e.TicketID,
		ResourceName: e.Owner,
		Status:       e.Status,
		IP:           hostOnly(e.Remote),
		Detail:       detail,
	}
}

func hostOnly(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

var _ transfer.AuditSink = TransferSink{}
