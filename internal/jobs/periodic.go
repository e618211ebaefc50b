package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

// Periodic enqueues a named job at fixed minutes of every hour. The job id is
// derived from the slot time so several schedulers enqueue it only once.
type Periodic struct {
	queue   Queue
	name    string
	minutes []int
	logger  *logging.Logger
	now     func() time.Time
}

// NewPeriodic fires at minutes 0 and 30 unless WithMinutes says otherwise.
func NewPeriodic(queue Queue, name string, logger *logging.Logger) *Periodic {
	if queue == nil {
		panic("jobs: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Periodic{queue: queue, name: name, minutes: []int{0, 30}, logger: logger, now: time.Now}
}

func (p *Periodic) WithMinutes(minutes ...int) *Periodic {
	var valid []int
	for _, m := range minutes {
		if m >= 0 && m < 60 {
			valid = append(valid, m)
		}
	}
	if len(valid) > 0 {
		sort.Ints(valid)
		p.minutes = valid
	}
	return p
}

// NextRun returns the first slot strictly after now.
func NextRun(now time.Time, minutes []int) time.Time {
	hour := now.Truncate(time.Hour)
	for h := 0; h < 2; h++ {
		base := hour.Add(time.Duration(h) * time.Hour)
		for _, m := range minutes {
			slot := base.Add(time.Duration(m) * time.Minute)
			if slot.After(now) {
				return slot
			}
		}
	}
	return hour.Add(time.Hour)
}

// Run sleeps until each slot and enqueues the job for it.
func (p *Periodic) Run(ctx context.Context) error {
	for {
		next := NextRun(p.now(), p.minutes)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err := p.Fire(ctx, next); err != nil {
			p.logger.Error("jobs: periodic enqueue failed", "name", p.name, "slot", next, "error", err)
		}
	}
}

// Fire enqueues the job for slot. A duplicate means another scheduler won.
func (p *Periodic) Fire(ctx context.Context, slot time.Time) error {
	job, err := NewWithID(fmt.Sprintf("cron:%s:%d", p.name, slot.Unix()), p.name, nil, slot)
	if err != nil {
		return err
	}
	if _, err := p.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicate) {
			p.logger.Debug("jobs: periodic slot already enqueued", "name", p.name, "slot", slot)
			return nil
		}
		return err
	}
	p.logger.Info("jobs: periodic job enqueued", "name", p.name, "slot", slot)
	return nil
}
