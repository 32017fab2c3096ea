package master

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"yqhp/crossval/pkg/types"
)

// WorkerState is the lifecycle state of a registered worker.
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerBusy    WorkerState = "busy"
	WorkerOffline WorkerState = "offline"
)

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	Name      string      `json:"name"`
	State     WorkerState `json:"state"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	// CurrentJob is the job key while busy.
	CurrentJob string    `json:"current_job,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
	// Error is why the worker went offline.
	Error string `json:"error,omitempty"`
}

// WorkerRegistry tracks the state and counters of every worker in a run.
type WorkerRegistry struct {
	mu     sync.RWMutex
	order  []string
	status map[string]*WorkerStatus
	clock  clockwork.Clock
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry(clock clockwork.Clock) *WorkerRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WorkerRegistry{
		status: make(map[string]*WorkerStatus),
		clock:  clock,
	}
}

// Register adds an idle worker.
func (r *WorkerRegistry) Register(name string) error {
	if name == "" {
		return fmt.Errorf("worker name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.status[name]; exists {
		return fmt.Errorf("worker already registered: %s", name)
	}
	r.order = append(r.order, name)
	r.status[name] = &WorkerStatus{Name: name, State: WorkerIdle, LastSeen: r.clock.Now()}
	return nil
}

// MarkBusy records that a worker has started a job.
func (r *WorkerRegistry) MarkBusy(name, jobKey string) error {
	return r.update(name, func(s *WorkerStatus) {
		s.State = WorkerBusy
		s.CurrentJob = jobKey
	})
}

// RecordOutcome counts a finished job and returns the worker to idle.
func (r *WorkerRegistry) RecordOutcome(name string, status types.JobStatus) error {
	return r.update(name, func(s *WorkerStatus) {
		switch status {
		case types.JobCompleted:
			s.Completed++
		case types.JobFailed:
			s.Failed++
		}
		s.State = WorkerIdle
		s.CurrentJob = ""
	})
}

// MarkOffline retires a worker. It never returns to idle.
func (r *WorkerRegistry) MarkOffline(name string, cause error) error {
	return r.update(name, func(s *WorkerStatus) {
		s.State = WorkerOffline
		s.CurrentJob = ""
		if cause != nil {
			s.Error = cause.Error()
		}
	})
}

func (r *WorkerRegistry) update(name string, fn func(*WorkerStatus)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.status[name]
	if !exists {
		return fmt.Errorf("worker not found: %s", name)
	}
	if s.State == WorkerOffline {
		return fmt.Errorf("worker is offline: %s", name)
	}
	fn(s)
	s.LastSeen = r.clock.Now()
	return nil
}

// Get returns a copy of one worker's status.
func (r *WorkerRegistry) Get(name string) (WorkerStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.status[name]
	if !exists {
		return WorkerStatus{}, fmt.Errorf("worker not found: %s", name)
	}
	return *s, nil
}

// List returns every worker in registration order.
func (r *WorkerRegistry) List() []WorkerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerStatus, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.status[name])
	}
	return out
}

// Count returns the number of registered workers.
func (r *WorkerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// CountLive returns the number of workers not offline.
func (r *WorkerRegistry) CountLive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, s := range r.status {
		if s.State != WorkerOffline {
			count++
		}
	}
	return count
}
