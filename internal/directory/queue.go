// Package directory implements the downstream contact-discovery
// propagation worker described in spec.md §6: a bounded pool of
// goroutines draining a buffered channel of directory events, each
// delivered to a configurable HTTP sink. spec.md has no close teacher
// analogue for this shape — the teacher's Jetstream consumers
// (internal/atproto/jetstream) each read one subscription on a single
// goroutine, with no worker pool to invert — so the pool itself is new,
// built from plain channels and goroutines the way the teacher reaches
// for stdlib concurrency elsewhere when no pack library fits.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"accountsd/internal/core/accounts"

	"github.com/google/uuid"
)

type eventKind string

const (
	kindDelete       eventKind = "delete"
	kindRefresh      eventKind = "refresh"
	kindChangeNumber eventKind = "change-number"
)

type event struct {
	Kind      eventKind `json:"kind"`
	ACI       uuid.UUID `json:"aci"`
	Number    string    `json:"number,omitempty"`
	OldNumber string    `json:"oldNumber,omitempty"`
	NewNumber string    `json:"newNumber,omitempty"`
}

// Queue is a fire-and-forget worker pool that POSTs directory events to
// sinkURL. DeleteAccount/RefreshAccount/ChangePhoneNumber never block the
// caller on network I/O; a full queue drops the event and logs it
// (downstream propagation is idempotent and eventually-consistent by
// spec.md §9, so a dropped event here is recovered by the next periodic
// directory reconciliation, not by this queue).
type Queue struct {
	events  chan event
	sinkURL string
	client  *http.Client
	logger  *slog.Logger
	done    chan struct{}
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithHTTPClient overrides the default http.Client (e.g. for test doubles).
func WithHTTPClient(c *http.Client) Option {
	return func(q *Queue) { q.client = c }
}

// NewQueue starts workerCount goroutines draining a channel buffered to
// queueDepth, each delivering events to sinkURL.
func NewQueue(sinkURL string, workerCount, queueDepth int, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		events:  make(chan event, queueDepth),
		sinkURL: sinkURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		done:    make(chan struct{}, max(workerCount, 0)),
	}
	for _, opt := range opts {
		opt(q)
	}

	for i := 0; i < workerCount; i++ {
		go q.worker()
	}
	return q
}

// Close stops accepting new events and waits for queued events to drain.
// Workers exit once events is closed and empty; Close returns after every
// worker has exited.
func (q *Queue) Close() {
	close(q.events)
	for i := 0; i < cap(q.done); i++ {
		<-q.done
	}
}

func (q *Queue) worker() {
	for ev := range q.events {
		if err := q.deliver(ev); err != nil {
			q.logger.Warn("[DIRECTORY-QUEUE] delivery failed, dropping event",
				"kind", ev.Kind, "aci", ev.ACI, "error", err)
		}
	}
	q.done <- struct{}{}
}

func (q *Queue) deliver(ev event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("directory: encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.sinkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("directory: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory: deliver event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("directory: sink returned status %d", resp.StatusCode)
	}
	return nil
}

func (q *Queue) enqueue(ev event) {
	select {
	case q.events <- ev:
	default:
		q.logger.Warn("[DIRECTORY-QUEUE] queue full, dropping event", "kind", ev.Kind, "aci", ev.ACI)
	}
}

// DeleteAccount implements accounts.DirectoryQueue.
func (q *Queue) DeleteAccount(_ context.Context, a *accounts.Account) {
	q.enqueue(event{Kind: kindDelete, ACI: a.ACI, Number: a.Number})
}

// RefreshAccount implements accounts.DirectoryQueue.
func (q *Queue) RefreshAccount(_ context.Context, a *accounts.Account) {
	q.enqueue(event{Kind: kindRefresh, ACI: a.ACI, Number: a.Number})
}

// ChangePhoneNumber implements accounts.DirectoryQueue.
func (q *Queue) ChangePhoneNumber(_ context.Context, a *accounts.Account, oldNumber, newNumber string) {
	q.enqueue(event{Kind: kindChangeNumber, ACI: a.ACI, OldNumber: oldNumber, NewNumber: newNumber})
}

var _ accounts.DirectoryQueue = (*Queue)(nil)
