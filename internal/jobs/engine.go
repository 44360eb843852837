// Package jobs implements the bounded-concurrency job engine that drives
// every asynchronous instance-lifecycle step: a priority queue of pending
// jobs, a dispatch loop that runs each eligible job in its own goroutine
// (gated by a semaphore sized to the concurrency limit) through its
// type-specific handler, and a retry policy with jittered exponential
// backoff. Shutdown stops the dispatch loop and waits up to a timeout for
// in-flight jobs; jobs still processing after that are marked failed.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/internal/metrics"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// Handler processes one job attempt. Returning a retryable *errs.Error
// causes the engine to reschedule the job per the retry policy; any other
// error or nil ends the job (failed or completed, respectively).
type Handler func(ctx context.Context, job *gpuinstance.Job) error

// defaultTimeout bounds a single handler invocation when the job type has
// no more specific entry in perTypeTimeout.
const defaultTimeout = 2 * time.Minute

// Engine is the bounded-concurrency dispatcher.
type Engine struct {
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]*gpuinstance.Job
	handlers map[gpuinstance.JobType]Handler
	timeouts map[gpuinstance.JobType]time.Duration

	maxConcurrent int
	sem           chan struct{}

	wakeup chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// New builds an Engine that runs up to maxConcurrent jobs at once.
func New(maxConcurrent int, logger *slog.Logger) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:        logger,
		pending:       make(map[string]*gpuinstance.Job),
		handlers:      make(map[gpuinstance.JobType]Handler),
		timeouts:      make(map[gpuinstance.JobType]time.Duration),
		maxConcurrent: maxConcurrent,
		sem:           make(chan struct{}, maxConcurrent),
		wakeup:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// RegisterHandler wires handler as the processor for jobType, with an
// optional per-type timeout override.
func (e *Engine) RegisterHandler(jobType gpuinstance.JobType, handler Handler, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = handler
	if timeout > 0 {
		e.timeouts[jobType] = timeout
	}
}

// Enqueue submits a new job for dispatch and returns its assigned id.
func (e *Engine) Enqueue(jobType gpuinstance.JobType, payload any, priority gpuinstance.JobPriority, maxAttempts int, logicalEndpoint string) string {
	return e.EnqueueAfter(jobType, payload, priority, maxAttempts, logicalEndpoint, 0)
}

// EnqueueAfter is Enqueue with an initial delay before the job becomes
// dispatch-eligible; used by self-rescheduling poll handlers to respect a
// poll interval instead of busy-looping.
func (e *Engine) EnqueueAfter(jobType gpuinstance.JobType, payload any, priority gpuinstance.JobPriority, maxAttempts int, logicalEndpoint string, delay time.Duration) string {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	job := &gpuinstance.Job{
		ID:              uuid.NewString(),
		Type:            jobType,
		Payload:         payload,
		Status:          gpuinstance.JobStatusPending,
		Priority:        priority,
		MaxAttempts:     maxAttempts,
		CreatedAt:       e.now(),
		LogicalEndpoint: logicalEndpoint,
	}
	if delay > 0 {
		next := e.now().Add(delay)
		job.NextRetryAt = &next
	}
	e.mu.Lock()
	e.pending[job.ID] = job
	e.mu.Unlock()
	e.nudge()
	return job.ID
}

// Get returns a copy of job id, including already-completed jobs kept
// around until Cleanup removes them.
func (e *Engine) Get(id string) (gpuinstance.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.pending[id]
	if !ok {
		return gpuinstance.Job{}, false
	}
	return *j, true
}

// JobFilter narrows ListJobs to jobs matching the given criteria; a zero
// field is a wildcard.
type JobFilter struct {
	Type   gpuinstance.JobType
	Status gpuinstance.JobStatus
}

// ListJobs returns a copy of every tracked job matching filter, newest
// first.
func (e *Engine) ListJobs(filter JobFilter) []gpuinstance.Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]gpuinstance.Job, 0, len(e.pending))
	for _, j := range e.pending {
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stats summarizes the engine's current queue composition.
type Stats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Total      int
}

// Stats reports how many tracked jobs are in each status.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s Stats
	for _, j := range e.pending {
		s.Total++
		switch j.Status {
		case gpuinstance.JobStatusPending:
			s.Pending++
		case gpuinstance.JobStatusProcessing:
			s.Processing++
		case gpuinstance.JobStatusCompleted:
			s.Completed++
		case gpuinstance.JobStatusFailed:
			s.Failed++
		}
	}
	return s
}

func (e *Engine) nudge() {
	select {
	case e.wakeup <- struct{}{}:
	default:
	}
}

// Start launches the dispatch loop, which starts one goroutine per
// dispatched job. It returns immediately; call Shutdown to stop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.dispatchLoop(ctx)
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.dispatchEligible(ctx)
		case <-e.wakeup:
			e.dispatchEligible(ctx)
		}
	}
}

// dispatchEligible dispatches every currently-eligible job that fits within
// the concurrency budget, in priority-then-age order.
func (e *Engine) dispatchEligible(ctx context.Context) {
	for {
		select {
		case e.sem <- struct{}{}:
		default:
			// Worker pool is at capacity; try again next tick.
			return
		}

		job := e.claimNext()
		if job == nil {
			<-e.sem
			return
		}

		e.wg.Add(1)
		go func(j *gpuinstance.Job) {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			e.run(ctx, j)
			e.nudge()
		}(job)
	}
}

// claimNext finds the highest-priority, oldest eligible pending job and
// marks it processing, or returns nil if none are eligible.
func (e *Engine) claimNext() *gpuinstance.Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var eligible []*gpuinstance.Job
	for _, j := range e.pending {
		if j.Status != gpuinstance.JobStatusPending {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		eligible = append(eligible, j)
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	chosen := eligible[0]
	chosen.Status = gpuinstance.JobStatusProcessing
	now2 := e.now()
	chosen.ProcessedAt = &now2
	chosen.Attempts++
	return chosen
}

func (e *Engine) run(ctx context.Context, job *gpuinstance.Job) {
	e.mu.Lock()
	handler, ok := e.handlers[job.Type]
	timeout := e.timeouts[job.Type]
	e.mu.Unlock()

	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if !ok {
		e.finish(job, errs.New(errs.KindInternal, fmt.Sprintf("no handler registered for job type %s", job.Type), nil))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.now()
	err := handler(runCtx, job)
	elapsed := e.now().Sub(start)

	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	metrics.ObserveJob(string(job.Type), outcome, elapsed)

	if err != nil && ctx.Err() != nil {
		// Engine-level shutdown in progress; record as shutdown, not retryable.
		e.finish(job, errs.New(errs.KindShutdown, "job engine shutting down", err))
		return
	}
	e.finish(job, err)
}

// finish applies the outcome of one attempt: success marks the job
// completed; a retryable error reschedules it (if attempts remain);
// anything else marks it failed.
func (e *Engine) finish(job *gpuinstance.Job, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stored, ok := e.pending[job.ID]
	if !ok {
		return
	}
	now := e.now()

	if err == nil {
		stored.Status = gpuinstance.JobStatusCompleted
		stored.CompletedAt = &now
		stored.Error = nil
		return
	}

	stored.Attempts = job.Attempts
	retryable := errs.IsRetryable(err)
	if retryable && stored.Attempts < stored.MaxAttempts {
		delay := backoff(stored.Attempts)
		next := now.Add(delay)
		stored.Status = gpuinstance.JobStatusPending
		stored.NextRetryAt = &next
		stored.Error = &gpuinstance.JobError{Message: err.Error(), Retryable: true}
		return
	}

	stored.Status = gpuinstance.JobStatusFailed
	stored.CompletedAt = &now
	stored.Error = &gpuinstance.JobError{Message: err.Error(), Retryable: retryable}
}

// backoff computes nextRetryAt delay for the n-th attempt:
// min(100ms * 2^(n-1) + jitter, 5min).
func backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := 100 * time.Millisecond
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > 5*time.Minute {
			delay = 5 * time.Minute
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
	delay += jitter
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}

// Shutdown stops accepting new dispatch cycles and waits up to timeout for
// in-flight jobs to finish. Jobs still processing when timeout elapses are
// marked failed with a Shutdown error instead of being left dangling.
func (e *Engine) Shutdown(timeout time.Duration) {
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		e.mu.Lock()
		now := e.now()
		for _, j := range e.pending {
			if j.Status == gpuinstance.JobStatusProcessing {
				j.Status = gpuinstance.JobStatusFailed
				j.CompletedAt = &now
				j.Error = &gpuinstance.JobError{Message: "job engine shutdown before completion", Retryable: false}
			}
		}
		e.mu.Unlock()
	}
}

// Cleanup removes completed/failed jobs older than olderThan, returning the
// count removed. Intended to run on a periodic tick to bound memory.
func (e *Engine) Cleanup(olderThan time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-olderThan)
	removed := 0
	for id, j := range e.pending {
		if (j.Status == gpuinstance.JobStatusCompleted || j.Status == gpuinstance.JobStatusFailed) &&
			j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(e.pending, id)
			removed++
		}
	}
	return removed
}
