package master

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/crossval/pkg/types"
)

func TestResultCollectorRegister(t *testing.T) {
	c := NewResultCollector()
	job := types.NewJob("exp/d_model_0", "-c 1")

	require.NoError(t, c.Register(job))
	assert.Error(t, c.Register(job))
	assert.Equal(t, 1, c.Len())

	got, ok := c.Get(job)
	require.True(t, ok)
	assert.Equal(t, types.JobPending, got.Status)
}

func TestResultCollectorRecord(t *testing.T) {
	c := NewResultCollector()
	job := types.NewJob("exp/d_model_0", "")
	require.NoError(t, c.Register(job))

	err := c.Record(types.JobOutcome{Job: job, Status: types.JobPending})
	assert.Error(t, err, "non-terminal outcomes are rejected")

	require.NoError(t, c.Record(types.JobOutcome{Job: job, Status: types.JobCompleted, Worker: "w1"}))
	got, _ := c.Get(job)
	assert.Equal(t, types.JobCompleted, got.Status)
	assert.Equal(t, "w1", got.Worker)

	err = c.Record(types.JobOutcome{Job: job, Status: types.JobFailed})
	assert.True(t, errors.Is(err, ErrAlreadyTerminal))
	got, _ = c.Get(job)
	assert.Equal(t, types.JobCompleted, got.Status, "first terminal outcome is kept")

	err = c.Record(types.JobOutcome{Job: types.NewJob("exp/other", ""), Status: types.JobFailed})
	assert.True(t, errors.Is(err, ErrUnknownJob))
}

func TestResultCollectorSnapshotAndCounts(t *testing.T) {
	c := NewResultCollector()
	jobs := []types.Job{
		types.NewJob("exp/d_model_2", ""),
		types.NewJob("exp/d_model_0", "-t 1"),
		types.NewJob("exp/d_model_0", ""),
	}
	for _, j := range jobs {
		require.NoError(t, c.Register(j))
	}
	require.NoError(t, c.Record(types.JobOutcome{Job: jobs[0], Status: types.JobFailed}))

	snap := c.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "exp/d_model_0", snap[0].Job.Key())
	assert.Equal(t, "exp/d_model_0 [-t 1]", snap[1].Job.Key())
	assert.Equal(t, "exp/d_model_2", snap[2].Job.Key())

	counts := c.Counts()
	assert.Equal(t, 2, counts[types.JobPending])
	assert.Equal(t, 1, counts[types.JobFailed])
	assert.Equal(t, 0, counts[types.JobCompleted])
}
