package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeParams(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"-c 1", "-c 1"},
		{"  -c   1\t-t 2 ", "-c 1 -t 2"},
		{"-t 2 -c 1", "-t 2 -c 1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeParams(tt.in), "input %q", tt.in)
	}
}

func TestJobEquality(t *testing.T) {
	a := NewJob("exp/d_model_1_2", "-c  1")
	b := NewJob("exp/./d_model_1_2/", " -c 1")
	assert.Equal(t, a, b)

	m := map[Job]int{a: 1}
	m[b]++
	assert.Len(t, m, 1)
	assert.Equal(t, 2, m[a])

	c := NewJob("exp/d_model_1_2", "-c 2")
	assert.NotEqual(t, a, c)
}

func TestJobKey(t *testing.T) {
	assert.Equal(t, "exp/d_model_1", NewJob("exp/d_model_1", "").Key())
	assert.Equal(t, "exp/d_model_1 [-c 1]", NewJob("exp/d_model_1", "-c 1").Key())
	assert.Equal(t, "d_model_1", NewJob("exp/d_model_1", "").Name())
}

func TestServerSpec(t *testing.T) {
	s := ServerSpec{Host: "alice@node1", Directory: "/scratch/cv"}
	assert.False(t, s.IsLocal())
	assert.Equal(t, "alice", s.User())
	assert.Equal(t, "node1", s.Hostname())
	assert.Equal(t, "alice@node1:/scratch/cv", s.String())

	local := ServerSpec{Host: "localhost", Directory: "/tmp/cv"}
	assert.True(t, local.IsLocal())
	assert.Equal(t, "", local.User())
}

func TestParseScoreReport(t *testing.T) {
	t.Run("per class", func(t *testing.T) {
		out := `{"1": {"f1": 0.5, "precision": 0.4, "recall": 0.7}, "2": {"f1": "ZeroDivisionError", "precision": 0.0, "recall": 0.0}}`
		r, err := ParseScoreReport([]byte(out))
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, r.Labels())
		assert.InDelta(t, 0.5, r.Classes["1"].F1, 1e-9)
		assert.InDelta(t, 0.4, r.Classes["1"].Precision, 1e-9)
		assert.Equal(t, 0.0, r.Classes["2"].F1)
	})

	t.Run("top level", func(t *testing.T) {
		r, err := ParseScoreReport([]byte(`{"f1": 0.9, "precision": 1, "recall": 0.8}`))
		require.NoError(t, err)
		assert.Equal(t, []string{AllClasses}, r.Labels())
		assert.InDelta(t, 0.9, r.Classes[AllClasses].F1, 1e-9)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseScoreReport([]byte("  \n"))
		assert.ErrorIs(t, err, ErrEmptyOutput)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseScoreReport([]byte("Traceback (most recent call last)"))
		assert.Error(t, err)
	})

	t.Run("no metrics", func(t *testing.T) {
		_, err := ParseScoreReport([]byte(`{"status": "ok"}`))
		assert.ErrorIs(t, err, ErrNoMetrics)
	})
}

func TestRunError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransportError("bob@node2", "dial failed", cause).WithJob("exp/d_model_1").WithPath("/tmp/x")

	assert.Equal(t, "[TRANSPORT] dial failed (host=bob@node2, job=exp/d_model_1, path=/tmp/x): connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsKind(err, KindTransport))
	assert.False(t, IsKind(err, KindSetup))

	wrapped := fmt.Errorf("worker retired: %w", NewSetupError("bob@node2", "bootstrap failed", err))
	assert.True(t, IsKind(wrapped, KindSetup))
	assert.True(t, IsKind(wrapped, KindTransport))
	assert.False(t, IsKind(errors.New("plain"), KindInput))
}

func TestJobOutcomeDuration(t *testing.T) {
	o := NewFailedOutcome(NewJob("d", ""), "w1", errors.New("boom"))
	assert.Equal(t, JobFailed, o.Status)
	assert.Equal(t, "boom", o.Error)
	assert.Zero(t, o.Duration())
	assert.True(t, o.Status.IsTerminal())
	assert.False(t, JobPending.IsTerminal())
}
