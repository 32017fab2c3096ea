package master

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/crossval/pkg/types"
)

func TestWorkerRegistryLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewWorkerRegistry(clock)

	require.NoError(t, r.Register("localhost:"))
	require.NoError(t, r.Register("bob@node2:cv"))
	assert.Error(t, r.Register("localhost:"))
	assert.Error(t, r.Register(""))
	assert.Equal(t, 2, r.Count())

	clock.Advance(time.Second)
	require.NoError(t, r.MarkBusy("localhost:", "exp/d_model_0"))
	s, err := r.Get("localhost:")
	require.NoError(t, err)
	assert.Equal(t, WorkerBusy, s.State)
	assert.Equal(t, "exp/d_model_0", s.CurrentJob)
	assert.Equal(t, clock.Now(), s.LastSeen)

	require.NoError(t, r.RecordOutcome("localhost:", types.JobCompleted))
	require.NoError(t, r.RecordOutcome("localhost:", types.JobFailed))
	s, _ = r.Get("localhost:")
	assert.Equal(t, WorkerIdle, s.State)
	assert.Empty(t, s.CurrentJob)
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 1, s.Failed)

	require.NoError(t, r.MarkOffline("bob@node2:cv", errors.New("host key mismatch")))
	s, _ = r.Get("bob@node2:cv")
	assert.Equal(t, WorkerOffline, s.State)
	assert.Equal(t, "host key mismatch", s.Error)
	assert.Error(t, r.MarkBusy("bob@node2:cv", "exp/d_model_1"), "offline workers stay offline")
	assert.Equal(t, 1, r.CountLive())

	_, err = r.Get("nobody")
	assert.Error(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "localhost:", list[0].Name)
	assert.Equal(t, "bob@node2:cv", list[1].Name)
}
