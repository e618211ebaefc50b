package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueOrdersByRunAtThenEnqueueOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		id string
		at time.Time
	}{
		{"c", at.Add(time.Minute)},
		{"a", at},
		{"b", at},
	} {
		job, err := NewWithID(tc.id, "x", nil, tc.at)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, job)
		require.NoError(t, err)
	}

	pending := q.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{pending[0].ID, pending[1].ID, pending[2].ID})

	claimed, err := q.Claim(ctx, at, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "a", claimed[0].ID)

	require.NoError(t, q.Ack(ctx, claimed[0], Result{JobID: "a", Status: StatusFailed, Error: "boom"}))
	res, ok := q.Result("a")
	require.True(t, ok)
	assert.Equal(t, "boom", res.Error)

	job, err := NewWithID("a", "x", nil, at)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job)
	assert.True(t, errors.Is(err, ErrDuplicate))

	none, err := q.Claim(ctx, at, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNewJobValidation(t *testing.T) {
	_, err := New("", nil, time.Now())
	assert.Error(t, err)

	_, err = New("x", func() {}, time.Now())
	assert.Error(t, err)

	job, err := New("x", nil, time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	var v map[string]any
	assert.Error(t, job.Decode(&v))
}
