package workflow

import (
	"context"
	"time"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// StartInstance begins a new startup attempt for a STOPPED or EXITED
// instance: it opens a StartupOperation (failing fast with
// StartupConflict if one is already in flight), asks the Provider to
// start the underlying instance, and hands off to MonitorStartup.
func (h *Handlers) StartInstance(ctx context.Context, job *gpuinstance.Job) error {
	params, err := jobPayload[StartInstanceParams](job)
	if err != nil {
		return err
	}

	st, err := h.store.Get(params.InstanceID)
	if err != nil {
		return err
	}

	op, err := h.store.BeginStartupOperation(params.InstanceID)
	if err != nil {
		return nil // StartupConflict is a terminal business outcome for this attempt
	}

	if _, err := h.store.UpdateStatus(params.InstanceID, gpuinstance.StatusStarting, nil); err != nil {
		_, _ = h.store.CompleteStartupOperation(op.OperationID, &gpuinstance.InstanceError{
			Code: string(errs.KindValidation), Message: err.Error(), Phase: "start_instance", Timestamp: time.Now().UTC(),
		})
		return err
	}

	if err := h.provider.StartInstanceWithRetry(ctx, st.ProviderInstanceID, 3); err != nil {
		_, _ = instanceFail(h.store, params.InstanceID, string(errs.Classify(err)), err.Error(), "start_instance")
		_, _ = h.store.CompleteStartupOperation(op.OperationID, &gpuinstance.InstanceError{
			Code: string(errs.Classify(err)), Message: err.Error(), Phase: "start_instance", Timestamp: time.Now().UTC(),
		})
		h.sendWebhookAsync(params.InstanceID, "instance.failed", st.WebhookURL, map[string]string{"reason": err.Error()})
		return nil
	}

	_, _ = h.store.AdvanceStartupOperation(op.OperationID, gpuinstance.OpStatusMonitoring, gpuinstance.PhaseMonitoring, st.ProviderInstanceID)

	deadline := time.Now().UTC().Add(h.cfg.StartupTimeout).UnixMilli()
	h.jobs.EnqueueAfter(gpuinstance.JobMonitorStartup, MonitorStartupParams{
		InstanceID:  params.InstanceID,
		OperationID: op.OperationID,
		DeadlineMs:  deadline,
	}, gpuinstance.PriorityNormal, 0, "monitor_startup", h.cfg.PollInterval)

	return nil
}

// MonitorStartup is MonitorInstance's counterpart for a restart: it polls
// the Provider on behalf of a specific StartupOperation and advances or
// fails that operation alongside the instance state.
func (h *Handlers) MonitorStartup(ctx context.Context, job *gpuinstance.Job) error {
	params, err := jobPayload[MonitorStartupParams](job)
	if err != nil {
		return err
	}

	st, err := h.store.Get(params.InstanceID)
	if err != nil {
		return nil
	}
	if st.Status == gpuinstance.StatusReady || st.Status.IsTerminal() {
		return nil
	}

	pv, err := h.provider.GetInstance(ctx, st.ProviderInstanceID)
	if err != nil {
		if errs.IsRetryable(err) {
			h.jobs.EnqueueAfter(gpuinstance.JobMonitorStartup, params, gpuinstance.PriorityNormal, 0, "monitor_startup", h.cfg.PollInterval)
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
		return h.runHealthCheck(ctx, updated, params.OperationID, params.DeadlineMs)
	case gpuinstance.StatusFailed, gpuinstance.StatusTerminated, gpuinstance.StatusExited:
		_, _ = h.store.CompleteStartupOperation(params.OperationID, &gpuinstance.InstanceError{
			Code: string(errs.KindStartupTimeout), Message: "instance left RUNNING path during startup", Phase: "monitor_startup", Timestamp: time.Now().UTC(),
		})
		return nil
	default:
		if time.Now().UTC().UnixMilli() >= params.DeadlineMs {
			_, _ = instanceFail(h.store, params.InstanceID, string(errs.KindStartupTimeout), "restart did not reach RUNNING before the startup deadline", "monitor_startup")
			_, _ = h.store.CompleteStartupOperation(params.OperationID, &gpuinstance.InstanceError{
				Code: string(errs.KindStartupTimeout), Message: "startup deadline exceeded", Phase: "monitor_startup", Timestamp: time.Now().UTC(),
			})
			h.notifyInstanceWebhook(updated, "instance.failed")
			return nil
		}
		h.jobs.EnqueueAfter(gpuinstance.JobMonitorStartup, params, gpuinstance.PriorityNormal, 0, "monitor_startup", h.cfg.PollInterval)
		return nil
	}
}
