package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/custodian/pkg/logging"
)

// Job errors
var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobRunning  = errors.New("a job of this kind is already running on this chain")
)

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job kinds.
const (
	JobBalancesRefresh = "balances_refresh"
	JobAirdrop         = "airdrop"
	JobCollect         = "collect"
)

// DefaultJobRetention is how many finished jobs stay listed.
const DefaultJobRetention = 100

// JobFunc is the body of a job. Its result is kept for jobs_get.
type JobFunc func(ctx context.Context, jobID string) (interface{}, error)

// JobInfo is a snapshot of a job.
type JobInfo struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	ChainID    uint64      `json:"chainId"`
	Status     JobStatus   `json:"status"`
	Error      string      `json:"error,omitempty"`
	Result     interface{} `json:"result,omitempty"`
	StartedAt  int64       `json:"startedAt"`
	FinishedAt int64       `json:"finishedAt,omitempty"`
}

type job struct {
	info   JobInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// JobManager runs airdrops, collects and balance refreshes in the
// background. At most one job per kind and chain runs at a time. Only the
// most recent finished jobs are kept; older ones are forgotten.
type JobManager struct {
	base      context.Context
	cancel    context.CancelFunc
	jobs      map[string]*job
	finished  []string // finished job IDs, oldest first
	retention int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	log       *logging.Logger
}

// JobOption configures a JobManager.
type JobOption func(*JobManager)

// WithJobRetention sets how many finished jobs are kept. Values below one
// keep only running jobs.
func WithJobRetention(n int) JobOption {
	return func(m *JobManager) {
		if n < 0 {
			n = 0
		}
		m.retention = n
	}
}

// NewJobManager creates a job manager. Jobs are cancelled when ctx is done
// or Shutdown is called.
func NewJobManager(ctx context.Context, opts ...JobOption) *JobManager {
	base, cancel := context.WithCancel(ctx)
	m := &JobManager{
		base:      base,
		cancel:    cancel,
		jobs:      make(map[string]*job),
		retention: DefaultJobRetention,
		log:       logging.GetDefault().Component("jobs"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches fn in the background and returns its snapshot.
func (m *JobManager) Start(kind string, chainID uint64, fn JobFunc) (JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.info.Kind == kind && j.info.ChainID == chainID && j.info.Status == JobRunning {
			return JobInfo{}, fmt.Errorf("%w: %s", ErrJobRunning, j.info.ID)
		}
	}

	ctx, cancel := context.WithCancel(m.base)
	j := &job{
		info: JobInfo{
			ID:        uuid.New().String(),
			Kind:      kind,
			ChainID:   chainID,
			Status:    JobRunning,
			StartedAt: time.Now().Unix(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.jobs[j.info.ID] = j

	m.wg.Add(1)
	go m.run(ctx, j, fn)

	m.log.Info("Job started", "id", j.info.ID, "kind", kind, "chain", chainID)
	return j.info, nil
}

func (m *JobManager) run(ctx context.Context, j *job, fn JobFunc) {
	defer m.wg.Done()
	defer close(j.done)
	defer j.cancel()

	result, err := fn(ctx, j.info.ID)

	m.mu.Lock()
	j.info.Result = result
	j.info.FinishedAt = time.Now().Unix()
	switch {
	case err == nil:
		j.info.Status = JobSucceeded
	case errors.Is(err, context.Canceled):
		j.info.Status = JobCancelled
		j.info.Error = err.Error()
	default:
		j.info.Status = JobFailed
		j.info.Error = err.Error()
	}
	info := j.info
	m.finished = append(m.finished, j.info.ID)
	m.prune()
	m.mu.Unlock()

	if err != nil && info.Status == JobFailed {
		m.log.Warn("Job failed", "id", info.ID, "kind", info.Kind, "error", err)
		return
	}
	m.log.Info("Job finished", "id", info.ID, "kind", info.Kind, "status", info.Status)
}

// prune forgets the oldest finished jobs beyond the retention limit. Callers
// hold m.mu.
func (m *JobManager) prune() {
	excess := len(m.finished) - m.retention
	if excess <= 0 {
		return
	}
	for _, id := range m.finished[:excess] {
		delete(m.jobs, id)
	}
	m.finished = append(m.finished[:0], m.finished[excess:]...)
}

// Get returns a job snapshot.
func (m *JobManager) Get(id string) (JobInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return JobInfo{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j.info, nil
}

// List returns all job snapshots, newest first.
func (m *JobManager) List() []JobInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]JobInfo, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.info)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].StartedAt != out[b].StartedAt {
			return out[a].StartedAt > out[b].StartedAt
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Running returns the number of running jobs.
func (m *JobManager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, j := range m.jobs {
		if j.info.Status == JobRunning {
			n++
		}
	}
	return n
}

// Cancel requests cancellation of a running job. Work already submitted to
// a chain is not reverted.
func (m *JobManager) Cancel(id string) error {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j.cancel()
	return nil
}

// Wait blocks until the job finishes or ctx is done.
func (m *JobManager) Wait(ctx context.Context, id string) (JobInfo, error) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return JobInfo{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	select {
	case <-j.done:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return j.info, nil
	case <-ctx.Done():
		return JobInfo{}, ctx.Err()
	}
}

// Shutdown cancels every job and waits for them to return.
func (m *JobManager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}
