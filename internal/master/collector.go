package master

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"yqhp/crossval/pkg/types"
)

var (
	// ErrUnknownJob is returned when recording an outcome for an unregistered job.
	ErrUnknownJob = errors.New("job not registered")
	// ErrAlreadyTerminal is returned when a job's terminal outcome is recorded twice.
	ErrAlreadyTerminal = errors.New("job already has a terminal outcome")
)

// ResultCollector maps every job of a run to its outcome. Writers are the
// worker lanes; the aggregator reads a snapshot once the queue has drained.
type ResultCollector struct {
	mu      sync.RWMutex
	entries map[types.Job]*types.JobOutcome
}

// NewResultCollector creates an empty collector.
func NewResultCollector() *ResultCollector {
	return &ResultCollector{entries: make(map[types.Job]*types.JobOutcome)}
}

// Register adds a job in the Pending state.
func (c *ResultCollector) Register(job types.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[job]; exists {
		return fmt.Errorf("job already registered: %s", job.Key())
	}
	c.entries[job] = &types.JobOutcome{Job: job, Status: types.JobPending}
	return nil
}

// Record stores a terminal outcome for a registered job.
func (c *ResultCollector) Record(outcome types.JobOutcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("outcome for %s is not terminal: %s", outcome.Job.Key(), outcome.Status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, exists := c.entries[outcome.Job]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownJob, outcome.Job.Key())
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, outcome.Job.Key())
	}
	c.entries[outcome.Job] = &outcome
	return nil
}

// Get returns the current entry for job.
func (c *ResultCollector) Get(job types.Job) (types.JobOutcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, ok := c.entries[job]
	if !ok {
		return types.JobOutcome{}, false
	}
	return *o, true
}

// Snapshot returns a copy of every entry sorted by job key.
func (c *ResultCollector) Snapshot() []types.JobOutcome {
	c.mu.RLock()
	out := make([]types.JobOutcome, 0, len(c.entries))
	for _, o := range c.entries {
		out = append(out, *o)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Job.Key() < out[j].Job.Key()
	})
	return out
}

// Counts returns the number of entries per status.
func (c *ResultCollector) Counts() map[types.JobStatus]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[types.JobStatus]int, 3)
	for _, o := range c.entries {
		counts[o.Status]++
	}
	return counts
}

// Len returns the number of registered jobs.
func (c *ResultCollector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
