// Package migration implements the spot-reclaim migration scheduler: a
// cron-driven periodic sweep (github.com/robfig/cron/v3) that finds exited
// spot instances eligible for migration and enqueues a MIGRATE_INSTANCE job
// for each, bounded by a concurrency limit and guarded by a singleton lock
// so overlapping runs fail fast instead of double-scheduling the same
// instance. robfig/cron is the scheduling library the rest of the example
// pack reaches for (it appears as an indirect dependency of one of the
// sibling services), preferred here over a hand-rolled ticker. Dry-run is a
// flag on the Scheduler (see SetDryRun) that each sweep copies into the
// MIGRATE_INSTANCE job payloads it enqueues; the cron entry is never removed.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/internal/workflow"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// InstanceLister is the subset of internal/instance's Store the scheduler
// needs to find migration candidates.
type InstanceLister interface {
	List() []gpuinstance.InstanceState
}

// JobEnqueuer is the subset of internal/jobs' Engine the scheduler needs.
type JobEnqueuer interface {
	Enqueue(jobType gpuinstance.JobType, payload any, priority gpuinstance.JobPriority, maxAttempts int, logicalEndpoint string) string
}

// Execution records the outcome of one scheduler run, kept in a bounded
// ring buffer for inspection via the REST surface.
type Execution struct {
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	Candidates    int       `json:"candidates"`
	Migrated      int       `json:"migrated"`
	DryRun        bool      `json:"dryRun"`
	Skipped       string    `json:"skipped,omitempty"`
}

const maxHistory = 50

// Scheduler periodically migrates eligible spot instances.
type Scheduler struct {
	store   InstanceLister
	enqueue JobEnqueuer
	cron    *cron.Cron
	logger  *slog.Logger

	maxConcurrent int
	dryRun        bool

	mu      sync.Mutex
	running bool
	history []Execution

	now func() time.Time
}

// Config controls the scheduler's cadence and behavior.
type Config struct {
	IntervalMinutes int
	MaxConcurrent   int
	DryRun          bool
}

// New builds a Scheduler. Call Start to begin the cron loop.
func New(store InstanceLister, enqueue JobEnqueuer, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	return &Scheduler{
		store:         store,
		enqueue:       enqueue,
		cron:          cron.New(),
		logger:        logger,
		maxConcurrent: cfg.MaxConcurrent,
		dryRun:        cfg.DryRun,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the periodic sweep at every intervalMinutes and begins
// the cron loop. It is safe to call Stop even if Start was never called.
func (s *Scheduler) Start(ctx context.Context, intervalMinutes int) error {
	if intervalMinutes <= 0 {
		intervalMinutes = 15
	}
	spec := fmt.Sprintf("@every %dm", intervalMinutes)
	_, err := s.cron.AddFunc(spec, func() { s.RunOnce(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	c := s.cron.Stop()
	<-c.Done()
}

// RunOnce performs a single sweep. It is exported so the REST surface's
// manual-trigger endpoint and tests can invoke it outside the cron cadence.
func (s *Scheduler) RunOnce(ctx context.Context) (Execution, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Execution{}, errs.New(errs.KindMigrationConflict, "a migration sweep is already in progress", nil)
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	exec := Execution{StartedAt: s.now(), DryRun: s.dryRun}
	candidates := s.eligible()
	exec.Candidates = len(candidates)

	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	migrated := 0

	for _, inst := range candidates {
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.enqueue.Enqueue(gpuinstance.JobMigrateInstance, workflow.MigrateInstanceParams{
				InstanceID: id, DryRun: s.dryRun,
			}, gpuinstance.PriorityHigh, 3, "migrate_instance")
			mu.Lock()
			migrated++
			mu.Unlock()
		}(inst.ID)
	}
	wg.Wait()

	exec.Migrated = migrated
	exec.FinishedAt = s.now()
	s.recordHistory(exec)
	s.logger.Info("migration sweep complete", "candidates", exec.Candidates, "migrated", exec.Migrated, "dryRun", exec.DryRun)
	return exec, nil
}

// eligible returns every instance this sweep should migrate: EXITED,
// spot-billed, with a non-zero reclaim time and a recorded spot status.
func (s *Scheduler) eligible() []gpuinstance.InstanceState {
	var out []gpuinstance.InstanceState
	for _, inst := range s.store.List() {
		if inst.Status != gpuinstance.StatusExited {
			continue
		}
		if inst.BillingMode != gpuinstance.BillingSpot {
			continue
		}
		if inst.SpotReclaimTime == 0 {
			continue
		}
		if inst.SpotStatus == "" {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func (s *Scheduler) recordHistory(exec Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, exec)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

// History returns a copy of the recorded execution history, most recent
// last.
func (s *Scheduler) History() []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Execution, len(s.history))
	copy(out, s.history)
	return out
}

// SetDryRun toggles dry-run mode at runtime, used by the admin REST
// endpoint.
func (s *Scheduler) SetDryRun(dryRun bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dryRun = dryRun
}
