package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-assistant/internal/observability/metrics"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

var workerTracer = otel.Tracer("clinic.internal.jobs.worker")

// Handler runs one job. A returned error marks the job failed; it is not retried.
type Handler func(ctx context.Context, job Job) error

// Worker polls a Queue and runs due jobs on at most maxJobs goroutines.
type Worker struct {
	queue        Queue
	logger       *logging.Logger
	metrics      *metrics.JobMetrics
	pollDelay    time.Duration
	maxJobs      int
	jobTimeout   time.Duration
	recoverEvery time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	slots chan struct{}
	wg    sync.WaitGroup
}

func NewWorker(queue Queue, logger *logging.Logger) *Worker {
	if queue == nil {
		panic("jobs: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		queue:        queue,
		logger:       logger,
		pollDelay:    time.Second,
		maxJobs:      100,
		jobTimeout:   300 * time.Second,
		recoverEvery: 30 * time.Second,
		now:          time.Now,
		handlers:     make(map[string]Handler),
	}
}

func (w *Worker) WithPollDelay(d time.Duration) *Worker {
	if d > 0 {
		w.pollDelay = d
	}
	return w
}

func (w *Worker) WithMaxJobs(n int) *Worker {
	if n > 0 {
		w.maxJobs = n
	}
	return w
}

func (w *Worker) WithJobTimeout(d time.Duration) *Worker {
	if d > 0 {
		w.jobTimeout = d
	}
	return w
}

func (w *Worker) WithRecoverEvery(d time.Duration) *Worker {
	if d > 0 {
		w.recoverEvery = d
	}
	return w
}

func (w *Worker) WithMetrics(m *metrics.JobMetrics) *Worker {
	w.metrics = m
	return w
}

// Register binds a handler to a job name, replacing any previous one.
func (w *Worker) Register(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

func (w *Worker) handler(name string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

// Run polls until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	w.slots = make(chan struct{}, w.maxJobs)
	ticker := time.NewTicker(w.pollDelay)
	defer ticker.Stop()

	lastRecover := time.Time{}
	for {
		if now := w.now(); now.Sub(lastRecover) >= w.recoverEvery {
			w.recoverLeases(ctx, now)
			lastRecover = now
		}
		w.drain(ctx)
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// Drain claims and runs every job due now, waiting for them to finish.
func (w *Worker) Drain(ctx context.Context) {
	if w.slots == nil {
		w.slots = make(chan struct{}, w.maxJobs)
	}
	w.drain(ctx)
	w.wg.Wait()
}

func (w *Worker) drain(ctx context.Context) {
	free := cap(w.slots) - len(w.slots)
	if free <= 0 {
		return
	}
	jobs, err := w.queue.Claim(ctx, w.now(), free)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Error("jobs: claim failed", "error", err)
		}
		return
	}
	for _, job := range jobs {
		w.slots <- struct{}{}
		w.wg.Add(1)
		go func(job Job) {
			defer func() {
				<-w.slots
				w.wg.Done()
			}()
			w.process(ctx, job)
		}(job)
	}
}

func (w *Worker) recoverLeases(ctx context.Context, now time.Time) {
	r, ok := w.queue.(recoverer)
	if !ok {
		return
	}
	n, err := r.Recover(ctx, now)
	if err != nil {
		w.logger.Error("jobs: recover failed", "error", err)
		return
	}
	w.metrics.ObserveRecovered(n)
}

func (w *Worker) process(ctx context.Context, job Job) {
	started := w.now()
	w.metrics.ObserveLateness(job.Name, started.Sub(job.RunAt).Seconds())

	// Acks must land even when the worker is shutting down.
	ackCtx := context.WithoutCancel(ctx)

	ctx, span := workerTracer.Start(ctx, "jobs.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.job_id", job.ID),
		attribute.String("clinic.job_name", job.Name),
		attribute.Int("clinic.job_attempts", job.Attempts),
	)

	err := w.run(ctx, job)
	result := Result{
		JobID:      job.ID,
		Name:       job.Name,
		Status:     StatusOK,
		StartedAt:  started,
		FinishedAt: w.now(),
	}
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Error("jobs: job failed", "job_id", job.ID, "name", job.Name, "error", err)
	} else {
		w.logger.Debug("jobs: job done", "job_id", job.ID, "name", job.Name)
	}
	w.metrics.ObserveCompleted(job.Name, result.Status, result.FinishedAt.Sub(started).Seconds())

	if err := w.queue.Ack(ackCtx, job, result); err != nil {
		w.logger.Error("jobs: ack failed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) run(ctx context.Context, job Job) (err error) {
	h, ok := w.handler(job.Name)
	if !ok {
		return fmt.Errorf("jobs: no handler for %q", job.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: %s panicked: %v", job.Name, r)
		}
	}()
	return h(ctx, job)
}
