package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicate is returned by Enqueue when a job with the same id is already
// queued or finished within the result retention window.
var ErrDuplicate = errors.New("jobs: duplicate job id")

// Job is the queue envelope. Payload is decoded by the handler registered
// under Name.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RunAt      time.Time       `json:"run_at"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`

	receipt string
}

// Handle identifies an enqueued job.
type Handle struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	RunAt time.Time `json:"run_at"`
}

// Result is what the worker records once a job finishes.
type Result struct {
	JobID      string    `json:"job_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Queue stores jobs until their run-at time.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (Handle, error)
	Claim(ctx context.Context, now time.Time, max int) ([]Job, error)
	Ack(ctx context.Context, job Job, result Result) error
}

// recoverer is implemented by queues that lease claimed jobs and can hand
// expired leases back out.
type recoverer interface {
	Recover(ctx context.Context, now time.Time) (int, error)
}

// New builds a job with a fresh id.
func New(name string, payload any, runAt time.Time) (Job, error) {
	return NewWithID(uuid.NewString(), name, payload, runAt)
}

// NewWithID builds a job with a caller-chosen id so repeated enqueues of the
// same work collapse into one.
func NewWithID(id, name string, payload any, runAt time.Time) (Job, error) {
	if strings.TrimSpace(name) == "" {
		return Job{}, errors.New("jobs: name required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	var body json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Job{}, fmt.Errorf("jobs: encode %s payload: %w", name, err)
		}
		body = raw
	}
	return Job{
		ID:         id,
		Name:       name,
		Payload:    body,
		RunAt:      runAt.UTC(),
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("jobs: %s %s has no payload", j.Name, j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("jobs: decode %s payload: %w", j.Name, err)
	}
	return nil
}

func (j Job) handle() Handle {
	return Handle{ID: j.ID, Name: j.Name, RunAt: j.RunAt}
}
