package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

func TestEnqueueAndDispatchRunsHandler(t *testing.T) {
	e := New(2, nil)
	var ran int32
	e.RegisterHandler("noop", func(ctx context.Context, job *gpuinstance.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown(time.Second)

	id := e.Enqueue("noop", nil, gpuinstance.PriorityNormal, 3, "ep")

	require.Eventually(t, func() bool {
		job, ok := e.Get(id)
		return ok && job.Status == gpuinstance.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestHandlerFailureWithRetryableErrorReschedules(t *testing.T) {
	e := New(2, nil)
	var attempts int32
	e.RegisterHandler("flaky", func(ctx context.Context, job *gpuinstance.Job) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errs.New(errs.KindNetwork, "transient", nil)
		}
		return nil
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown(time.Second)

	id := e.Enqueue("flaky", nil, gpuinstance.PriorityNormal, 5, "ep")

	require.Eventually(t, func() bool {
		job, ok := e.Get(id)
		return ok && job.Status == gpuinstance.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestHandlerFailureWithNonRetryableErrorFailsImmediately(t *testing.T) {
	e := New(2, nil)
	var attempts int32
	e.RegisterHandler("bad", func(ctx context.Context, job *gpuinstance.Job) error {
		atomic.AddInt32(&attempts, 1)
		return errs.New(errs.KindValidation, "bad payload", nil)
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown(time.Second)

	id := e.Enqueue("bad", nil, gpuinstance.PriorityNormal, 5, "ep")

	require.Eventually(t, func() bool {
		job, ok := e.Get(id)
		return ok && job.Status == gpuinstance.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestEnqueueAfterDelaysEligibility(t *testing.T) {
	e := New(2, nil)
	var ran int32
	e.RegisterHandler("delayed", func(ctx context.Context, job *gpuinstance.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown(time.Second)

	e.EnqueueAfter("delayed", nil, gpuinstance.PriorityNormal, 3, "ep", 300*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&ran), "job must not run before its delay elapses")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ran) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClaimNextRespectsPriorityThenAge(t *testing.T) {
	e := New(10, nil)
	e.now = func() time.Time { return time.Unix(0, 0) }

	low := e.Enqueue("t", nil, gpuinstance.PriorityLow, 3, "ep")
	e.now = func() time.Time { return time.Unix(1, 0) }
	high := e.Enqueue("t", nil, gpuinstance.PriorityHigh, 3, "ep")
	e.now = func() time.Time { return time.Unix(2, 0) }

	job := e.claimNext()
	require.NotNil(t, job)
	assert.Equal(t, high, job.ID, "higher priority must be claimed first regardless of age")

	job2 := e.claimNext()
	require.NotNil(t, job2)
	assert.Equal(t, low, job2.ID)
}

func TestClaimNextSkipsNotYetEligible(t *testing.T) {
	e := New(10, nil)
	e.EnqueueAfter("t", nil, gpuinstance.PriorityNormal, 3, "ep", time.Hour)
	assert.Nil(t, e.claimNext())
}

func TestListJobsFiltersByTypeAndStatus(t *testing.T) {
	e := New(10, nil)
	e.Enqueue(gpuinstance.JobCreateInstance, nil, gpuinstance.PriorityNormal, 3, "ep")
	e.Enqueue(gpuinstance.JobMonitorInstance, nil, gpuinstance.PriorityNormal, 3, "ep")

	byType := e.ListJobs(JobFilter{Type: gpuinstance.JobCreateInstance})
	require.Len(t, byType, 1)
	assert.Equal(t, gpuinstance.JobCreateInstance, byType[0].Type)

	byStatus := e.ListJobs(JobFilter{Status: gpuinstance.JobStatusPending})
	assert.Len(t, byStatus, 2)

	byStatus = e.ListJobs(JobFilter{Status: gpuinstance.JobStatusCompleted})
	assert.Len(t, byStatus, 0)
}

func TestStatsCountsJobsByStatus(t *testing.T) {
	e := New(2, nil)
	e.RegisterHandler("t", func(ctx context.Context, job *gpuinstance.Job) error { return nil }, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown(time.Second)

	id := e.Enqueue("t", nil, gpuinstance.PriorityNormal, 3, "ep")
	require.Eventually(t, func() bool {
		j, ok := e.Get(id)
		return ok && j.Status == gpuinstance.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	stats := e.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Pending)
}

func TestCleanupRemovesOldCompletedJobs(t *testing.T) {
	e := New(2, nil)
	e.RegisterHandler("t", func(ctx context.Context, job *gpuinstance.Job) error { return nil }, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	id := e.Enqueue("t", nil, gpuinstance.PriorityNormal, 3, "ep")
	require.Eventually(t, func() bool {
		j, ok := e.Get(id)
		return ok && j.Status == gpuinstance.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	e.Shutdown(time.Second)

	removed := e.Cleanup(-time.Hour)
	assert.Equal(t, 1, removed)
	_, ok := e.Get(id)
	assert.False(t, ok)
}
