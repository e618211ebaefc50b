package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-assistant/internal/binder"
	"github.com/wolfman30/clinic-assistant/internal/jobs"
	"github.com/wolfman30/clinic-assistant/internal/scenario"
)

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(context.Context) (binder.Report, error) {
	f.calls++
	return binder.Report{}, f.err
}

type fakePurger struct {
	cutoff time.Time
}

func (f *fakePurger) PurgeStale(_ context.Context, cutoff time.Time) (scenario.PurgeResult, error) {
	f.cutoff = cutoff
	return scenario.PurgeResult{Appointments: 2, Scenarios: 2, Clients: 1}, nil
}

func enqueueDue(t *testing.T, q jobs.Queue, name string, payload any) jobs.Job {
	t.Helper()
	job, err := jobs.New(name, payload, time.Now().Add(-time.Millisecond))
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	return job
}

func TestHandlersRunScenarioJobs(t *testing.T) {
	q := jobs.NewMemoryQueue()
	w := jobs.NewWorker(q, nil)
	sender := &fakeSender{}
	refresher := &fakeRefresher{err: errors.New("crm down")}
	purger := &fakePurger{}

	store := newFakeStore()
	periodic := Handlers{
		Scheduler:  NewScheduler(q, store, nil),
		Executor:   NewExecutor(sender, nil, nil),
		Syncer:     refresher,
		Purger:     purger,
		PurgeAfter: 30 * 24 * time.Hour,
	}.Register(w)
	assert.Equal(t, []string{JobSweep, JobCRMRefresh, JobPurge}, periodic)

	deliver := enqueueDue(t, q, JobDeliver, DeliveryJob{RecipientID: 1001, Kind: scenario.KindText, Content: "hello"})
	sweep := enqueueDue(t, q, JobSweep, nil)
	refresh := enqueueDue(t, q, JobCRMRefresh, nil)
	purge := enqueueDue(t, q, JobPurge, nil)
	check := enqueueDue(t, q, JobFollowUpCheck, FollowUpCheck{RecipientID: 1001, ClientID: 1})

	before := time.Now()
	w.Drain(context.Background())

	require.Len(t, sender.calls, 1)
	assert.Equal(t, "hello", sender.calls[0].payload)
	assert.Equal(t, 1, refresher.calls)
	assert.WithinDuration(t, before.Add(-30*24*time.Hour), purger.cutoff, time.Minute)

	for id, status := range map[string]string{
		deliver.ID: jobs.StatusOK,
		sweep.ID:   jobs.StatusOK,
		refresh.ID: jobs.StatusFailed,
		purge.ID:   jobs.StatusOK,
		check.ID:   jobs.StatusOK,
	} {
		res, found := q.Result(id)
		require.True(t, found, id)
		assert.Equal(t, status, res.Status, id)
	}
}

func TestHandlersFailUndecodablePayloads(t *testing.T) {
	q := jobs.NewMemoryQueue()
	w := jobs.NewWorker(q, nil)
	sender := &fakeSender{}
	Handlers{Executor: NewExecutor(sender, nil, nil)}.Register(w)

	bad := enqueueDue(t, q, JobDeliver, map[string]any{"type": "fax"})
	w.Drain(context.Background())

	res, found := q.Result(bad.ID)
	require.True(t, found)
	assert.Equal(t, jobs.StatusFailed, res.Status)
	assert.Empty(t, sender.calls)
}
