// Package worker manages the embedded Asynq task worker.
//
// The worker runs as a goroutine inside the PocketBase process, connecting
// to Redis for ticket expiry and owner revocation tasks.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// Task type constants
	TaskTicketExpire = "ticket:expire"
	TaskTicketRevoke = "ticket:revoke"
)

// TicketPayload is the payload of both ticket tasks.
type TicketPayload struct {
	TicketID string `json:"ticketId,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

// Tickets is the part of the transfer broker the tasks act on.
type Tickets interface {
	Expire(id string) bool
	Revoke(owner string) int
}

// Worker manages the Asynq server and a shared client for enqueuing tasks.
type Worker struct {
	server   *asynq.Server
	client   *asynq.Client
	redisOpt asynq.RedisClientOpt
	tickets  Tickets
}

// New creates a Worker with Asynq server and shared client.
// Call Start() to begin processing and Shutdown() to stop.
func New(redisAddr string, tickets Tickets) *Worker {
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	return &Worker{
		server:   srv,
		client:   asynq.NewClient(opt),
		redisOpt: opt,
		tickets:  tickets,
	}
}

// Start begins processing tasks in a background goroutine.
// This should be called only once during the application lifecycle.
func (w *Worker) Start() {
	go func() {
		if err := w.server.Run(w.mux()); err != nil {
			log.Printf("[worker] asynq worker error: %v", err)
		}
	}()
}

func (w *Worker) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTicketExpire, w.handleTicketExpire)
	mux.HandleFunc(TaskTicketRevoke, w.handleTicketRevoke)
	return mux
}

// Shutdown gracefully stops the worker and closes the client connection.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	_ = w.client.Close()
}

// ScheduleExpiry enqueues the expiry of ticketID to run after the given
// delay. Scheduling the same ticket twice is rejected by the queue.
func (w *Worker) ScheduleExpiry(ticketID string, after time.Duration) error {
	task, err := NewTicketExpireTask(ticketID)
	if err != nil {
		return err
	}
	_, err = w.client.Enqueue(task,
		asynq.ProcessIn(after),
		asynq.TaskID("expire-"+ticketID),
		asynq.MaxRetry(3),
	)
	return err
}

// RevokeOwner enqueues the revocation of every ticket owned by owner on the
// critical queue.
func (w *Worker) RevokeOwner(owner string) error {
	task, err := NewTicketRevokeTask(owner)
	if err != nil {
		return err
	}
	_, err = w.client.Enqueue(task, asynq.Queue("critical"), asynq.MaxRetry(3))
	return err
}

// NewTicketExpireTask builds a ticket:expire task.
func NewTicketExpireTask(ticketID string) (*asynq.Task, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("%s: empty ticket id", TaskTicketExpire)
	}
	payload, err := json.Marshal(TicketPayload{TicketID: ticketID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTicketExpire, payload), nil
}

// NewTicketRevokeTask builds a ticket:revoke task.
func NewTicketRevokeTask(owner string) (*asynq.Task, error) {
	if owner == "" {
		return nil, fmt.Errorf("%s: empty owner", TaskTicketRevoke)
	}
	payload, err := json.Marshal(TicketPayload{Owner: owner})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTicketRevoke, payload), nil
}

func decodeTicketPayload(t *asynq.Task) (TicketPayload, error) {
	var p TicketPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("%s: decode payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return p, nil
}

func (w *Worker) handleTicketExpire(ctx context.Context, t *asynq.Task) error {
	p, err := decodeTicketPayload(t)
	if err != nil {
		return err
	}
	if p.TicketID == "" {
		return fmt.Errorf("%s: missing ticketId: %w", t.Type(), asynq.SkipRetry)
	}
	if !w.tickets.Expire(p.TicketID) {
		log.Printf("[worker] ticket %s already gone", p.TicketID)
	}
	return nil
}

func (w *Worker) handleTicketRevoke(ctx context.Context, t *asynq.Task) error {
	p, err := decodeTicketPayload(t)
	if err != nil {
		return err
	}
	if p.Owner == "" {
		return fmt.Errorf("%s: missing owner: %w", t.Type(), asynq.SkipRetry)
	}
	n := w.tickets.Revoke(p.Owner)
	log.Printf("[worker] revoked %d ticket(s) of %s", n, p.Owner)
	return nil
}
