package workflow

import (
	"context"
	"time"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// MonitorInstance polls the Provider for an instance that has not yet
// reached RUNNING, self-rescheduling rather than blocking the worker slot
// in a loop. Once the Provider reports RUNNING, it hands off to the health
// check stage; if the deadline passes first, the instance is failed with
// StartupTimeout.
func (h *Handlers) MonitorInstance(ctx context.Context, job *gpuinstance.Job) error {
	params, err := jobPayload[MonitorInstanceParams](job)
	if err != nil {
		return err
	}

	st, err := h.store.Get(params.InstanceID)
	if err != nil {
		return nil // instance was deleted out from under the poll; nothing to do
	}
	if st.Status.IsTerminal() || st.Status == gpuinstance.StatusReady {
		return nil
	}

	pv, err := h.provider.GetInstance(ctx, st.ProviderInstanceID)
	if err != nil {
		// A transient fetch error must never demote an already-synced state;
		// just reschedule without touching the store.
		if errs.IsRetryable(err) {
			h.reschedulePoll(params, gpuinstance.JobMonitorInstance)
			return nil
		}
		return err
	}

	updated, err := h.store.SyncFromProvider(params.InstanceID, pv)
	if err != nil {
		return err
	}

	switch updated.Status {
	case gpuinstance.StatusRunning, gpuinstance.StatusHealthChecking:
		return h.runHealthCheck(ctx, updated, "", params.DeadlineMs)
	case gpuinstance.StatusFailed, gpuinstance.StatusTerminated, gpuinstance.StatusExited:
		// Terminal (or spot-reclaimed) outcome observed from the Provider
		// side; nothing left to poll for.
		return nil
	default:
		if time.Now().UTC().UnixMilli() >= params.DeadlineMs {
			_, _ = instanceFail(h.store, params.InstanceID, string(errs.KindStartupTimeout), "instance did not reach RUNNING before the startup deadline", "monitor_instance")
			h.notifyInstanceWebhook(updated, "instance.failed")
			return nil
		}
		h.reschedulePoll(params, gpuinstance.JobMonitorInstance)
		return nil
	}
}

// runHealthCheck transitions an instance into HEALTH_CHECKING, probes its
// ports, and either promotes it to READY, reschedules further polling, or
// fails the instance with HealthCheckFailed once deadlineMs passes.
// deadlineMs is the original startup/restart deadline carried through from
// the MONITOR_INSTANCE or MONITOR_STARTUP job that invoked this stage, not
// recomputed here, so repeated unhealthy probes don't push the deadline out
// indefinitely. operationID, if non-empty, is a startup operation to
// advance/complete alongside the instance state.
func (h *Handlers) runHealthCheck(ctx context.Context, st gpuinstance.InstanceState, operationID string, deadlineMs int64) error {
	checking, err := h.store.UpdateStatus(st.ID, gpuinstance.StatusHealthChecking, nil)
	if err != nil {
		return err
	}
	if operationID != "" {
		_, _ = h.store.AdvanceStartupOperation(operationID, gpuinstance.OpStatusHealthChecking, gpuinstance.PhaseHealthChecking, "")
	}

	cfg := h.cfg.HealthCheck
	if checking.HealthCheckConfig != nil {
		cfg = *checking.HealthCheckConfig
	}
	result := h.health.CheckInstance(ctx, checking.PortMappings, cfg)

	if _, err := h.store.Mutate(st.ID, func(s *gpuinstance.InstanceState) (bool, error) {
		s.HealthCheck = &result
		return true, nil
	}); err != nil {
		return err
	}

	switch result.Status {
	case gpuinstance.HealthHealthy:
		final, err := h.store.UpdateStatus(st.ID, gpuinstance.StatusReady, nil)
		if err != nil {
			return err
		}
		if operationID != "" {
			_, _ = h.store.CompleteStartupOperation(operationID, nil)
		}
		h.notifyInstanceWebhook(final, "instance.ready")
		return nil
	default:
		if time.Now().UTC().UnixMilli() >= deadlineMs {
			failed, err := instanceFail(h.store, st.ID, string(errs.KindHealthCheckFailed), "instance did not become healthy before the startup deadline", "health_check")
			if err != nil {
				return err
			}
			if operationID != "" {
				_, _ = h.store.CompleteStartupOperation(operationID, &gpuinstance.InstanceError{
					Code: string(errs.KindHealthCheckFailed), Message: "health check deadline exceeded", Phase: "health_check", Timestamp: time.Now().UTC(),
				})
			}
			h.notifyInstanceWebhook(failed, "instance.failed")
			return nil
		}
		// partial or unhealthy, deadline not yet reached: reschedule another
		// monitor pass carrying the same deadline forward.
		if operationID != "" {
			h.jobs.EnqueueAfter(gpuinstance.JobMonitorStartup, MonitorStartupParams{
				InstanceID: st.ID, OperationID: operationID, DeadlineMs: deadlineMs,
			}, gpuinstance.PriorityNormal, 0, "monitor_startup", h.cfg.PollInterval)
		} else {
			h.jobs.EnqueueAfter(gpuinstance.JobMonitorInstance, MonitorInstanceParams{
				InstanceID: st.ID, DeadlineMs: deadlineMs,
			}, gpuinstance.PriorityNormal, 0, "monitor_instance", h.cfg.PollInterval)
		}
		return nil
	}
}

func (h *Handlers) reschedulePoll(params MonitorInstanceParams, jobType gpuinstance.JobType) {
	h.jobs.EnqueueAfter(jobType, params, gpuinstance.PriorityNormal, 0, "monitor_instance", h.cfg.PollInterval)
}

func (h *Handlers) notifyInstanceWebhook(st gpuinstance.InstanceState, eventType string) {
	h.sendWebhookAsync(st.ID, eventType, st.WebhookURL, st)
}
