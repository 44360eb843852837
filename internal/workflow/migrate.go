package workflow

import (
	"context"
	"time"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/internal/provider"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// MigrateInstance replaces a reclaimed spot instance with a fresh Provider
// instance of the same product under the same local id: it re-selects a
// product, asks the Provider to create the replacement, and transfers
// identity by updating the existing InstanceState's providerInstanceId in
// place rather than minting a second store record. The migration scheduler
// is responsible for eligibility filtering; this handler trusts the
// instance it is given.
func (h *Handlers) MigrateInstance(ctx context.Context, job *gpuinstance.Job) error {
	params, err := jobPayload[MigrateInstanceParams](job)
	if err != nil {
		return err
	}

	st, err := h.store.Get(params.InstanceID)
	if err != nil {
		return nil
	}

	if params.DryRun {
		h.sendWebhookAsync(st.ID, "instance.migration_dry_run", st.WebhookURL, map[string]string{"instanceId": st.ID})
		return nil
	}

	product, err := h.selector.SelectWithFallback(ctx, st.ProductName, st.Region, nil)
	if err != nil {
		// Leave the instance EXITED rather than failing it outright: it stays
		// eligible, so the migration scheduler's next tick re-attempts it.
		// The number of such re-attempts is not limited.
		h.sendWebhookAsync(st.ID, "instance.migration_failed", st.WebhookURL, map[string]string{
			"originalInstanceId": st.ID,
			"reason":             err.Error(),
		})
		return nil
	}

	if st.ProviderInstanceID != "" {
		if err := h.provider.DeleteInstance(ctx, st.ProviderInstanceID); err != nil && errs.IsRetryable(err) {
			return err
		}
	}

	pv, err := h.provider.CreateInstance(ctx, provider.CreateInstanceRequest{
		Name:        st.Name,
		ProductID:   product.ID,
		TemplateID:  st.TemplateID,
		GPUNum:      st.GPUNum,
		RootfsSize:  st.RootfsSize,
		BillingMode: string(st.BillingMode),
	})
	if err != nil {
		return err
	}

	updated, err := h.store.UpdateStatus(st.ID, gpuinstance.StatusStarting, func(s *gpuinstance.InstanceState) {
		s.ProviderInstanceID = pv.ID
		s.Region = product.Region
		s.SpotStatus = ""
		s.SpotReclaimTime = 0
	})
	if err != nil {
		return err
	}

	deadline := time.Now().UTC().Add(h.cfg.StartupTimeout).UnixMilli()
	jobID := h.jobs.Enqueue(gpuinstance.JobMonitorInstance, MonitorInstanceParams{
		InstanceID: updated.ID,
		DeadlineMs: deadline,
	}, gpuinstance.PriorityHigh, 0, "monitor_instance")

	h.sendWebhookAsync(st.ID, "instance.migrated", st.WebhookURL, map[string]string{
		"originalInstanceId":    st.ID,
		"replacementInstanceId": updated.ID,
		"replacementJobId":      jobID,
		"reason":                "spot_reclaim",
	})
	return nil
}
