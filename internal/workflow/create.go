package workflow

import (
	"context"
	"time"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/internal/provider"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// CreateInstance resolves the optimal product, the template, and (if the
// template references one) a registry credential, then asks the Provider
// to create the instance. On success it records the Provider instance id
// and enqueues the first MONITOR_INSTANCE poll.
func (h *Handlers) CreateInstance(ctx context.Context, job *gpuinstance.Job) error {
	params, err := jobPayload[CreateInstanceParams](job)
	if err != nil {
		return err
	}

	product, err := h.selector.SelectWithFallback(ctx, params.ProductName, params.PreferredRegion, params.RegionPriorityList)
	if err != nil {
		_, _ = instanceFail(h.store, params.InstanceID, string(errs.KindNoOptimalProduct), err.Error(), "product_selection")
		h.sendWebhookAsync(params.InstanceID, "instance.failed", params.WebhookURL, map[string]string{"reason": err.Error()})
		return nil // terminal business failure, not a retryable job failure
	}

	tpl, err := h.provider.GetTemplate(ctx, params.TemplateID)
	if err != nil {
		return err // transport/5xx errors are retryable via errs.Classify
	}

	if tpl.ImageAuth != nil {
		if _, err := h.provider.GetRegistryAuth(ctx, tpl.ImageAuth.ID); err != nil {
			if errs.Classify(err) == errs.KindRegistryAuthNotFound {
				_, _ = instanceFail(h.store, params.InstanceID, string(errs.KindRegistryAuthNotFound), err.Error(), "registry_auth")
				h.sendWebhookAsync(params.InstanceID, "instance.failed", params.WebhookURL, map[string]string{"reason": err.Error()})
				return nil
			}
			return err
		}
	}

	pv, err := h.provider.CreateInstance(ctx, provider.CreateInstanceRequest{
		Name:        params.InstanceID,
		ProductID:   product.ID,
		TemplateID:  params.TemplateID,
		GPUNum:      params.GPUNum,
		RootfsSize:  params.RootfsSize,
		BillingMode: string(params.BillingMode),
		Envs:        params.Envs,
	})
	if err != nil {
		return err
	}

	if _, err := h.store.UpdateStatus(params.InstanceID, gpuinstance.StatusCreated, func(st *gpuinstance.InstanceState) {
		st.ProviderInstanceID = pv.ID
		st.Region = product.Region
	}); err != nil {
		return err
	}

	deadline := time.Now().UTC().Add(h.cfg.StartupTimeout).UnixMilli()
	h.jobs.Enqueue(gpuinstance.JobMonitorInstance, MonitorInstanceParams{
		InstanceID: params.InstanceID,
		DeadlineMs: deadline,
	}, gpuinstance.PriorityNormal, 0, "monitor_instance")

	h.sendWebhookAsync(params.InstanceID, "instance.created", params.WebhookURL, map[string]string{"providerInstanceId": pv.ID})
	return nil
}
