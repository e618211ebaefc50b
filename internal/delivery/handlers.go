package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-assistant/internal/binder"
	"github.com/wolfman30/clinic-assistant/internal/jobs"
	"github.com/wolfman30/clinic-assistant/internal/scenario"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

type refresher interface {
	Refresh(ctx context.Context) (binder.Report, error)
}

type purger interface {
	PurgeStale(ctx context.Context, cutoff time.Time) (scenario.PurgeResult, error)
}

// Handlers wires the scenario jobs onto a worker. Syncer and Purger are
// optional; their periodic jobs are only registered when set.
type Handlers struct {
	Scheduler  *Scheduler
	Executor   *Executor
	Syncer     refresher
	Purger     purger
	PurgeAfter time.Duration
	Logger     *logging.Logger
}

// Register adds every handler to w and returns the periodic job names that
// have a handler.
func (h Handlers) Register(w *jobs.Worker) []string {
	if h.Logger == nil {
		h.Logger = logging.Default()
	}
	if h.PurgeAfter <= 0 {
		h.PurgeAfter = 30 * 24 * time.Hour
	}
	var periodic []string

	if h.Executor != nil {
		w.Register(JobDeliver, h.deliver)
	}
	if h.Scheduler != nil {
		w.Register(JobFollowUpCheck, h.followUpCheck)
		w.Register(JobSweep, h.sweep)
		periodic = append(periodic, JobSweep)
	}
	if h.Syncer != nil {
		w.Register(JobCRMRefresh, h.refresh)
		periodic = append(periodic, JobCRMRefresh)
	}
	if h.Purger != nil {
		w.Register(JobPurge, h.purge)
		periodic = append(periodic, JobPurge)
	}
	return periodic
}

func (h Handlers) deliver(ctx context.Context, job jobs.Job) error {
	var dj DeliveryJob
	if err := job.Decode(&dj); err != nil {
		return err
	}
	return h.Executor.Deliver(ctx, dj)
}

func (h Handlers) followUpCheck(ctx context.Context, job jobs.Job) error {
	var check FollowUpCheck
	if err := job.Decode(&check); err != nil {
		return err
	}
	_, err := h.Scheduler.CheckFollowUp(ctx, check)
	return err
}

func (h Handlers) sweep(ctx context.Context, _ jobs.Job) error {
	_, err := h.Scheduler.SweepUnprocessed(ctx)
	return err
}

func (h Handlers) refresh(ctx context.Context, _ jobs.Job) error {
	_, err := h.Syncer.Refresh(ctx)
	return err
}

func (h Handlers) purge(ctx context.Context, _ jobs.Job) error {
	cutoff := time.Now().Add(-h.PurgeAfter)
	res, err := h.Purger.PurgeStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delivery: purge: %w", err)
	}
	h.Logger.Info("delivery: stale records purged",
		"cutoff", cutoff,
		"appointments", res.Appointments,
		"scenarios", res.Scenarios,
		"clients", res.Clients)
	return nil
}
