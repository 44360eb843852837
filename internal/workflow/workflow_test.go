package workflow

import (
	"context"
	"time"

	"github.com/nimbusforge/gpuorch/internal/provider"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// fakeProvider implements ProviderService with per-test overridable funcs.
// Any func a test leaves nil panics if called, which makes an unexpected
// dependency call fail loudly instead of silently returning a zero value.
type fakeProvider struct {
	getTemplateFn            func(ctx context.Context, templateID string) (gpuinstance.Template, error)
	getRegistryAuthFn        func(ctx context.Context, authID string) (gpuinstance.RegistryAuth, error)
	createInstanceFn         func(ctx context.Context, req provider.CreateInstanceRequest) (gpuinstance.ProviderInstance, error)
	getInstanceFn            func(ctx context.Context, providerInstanceID string) (gpuinstance.ProviderInstance, error)
	startInstanceWithRetryFn func(ctx context.Context, providerInstanceID string, maxAttempts int) error
	stopInstanceFn           func(ctx context.Context, providerInstanceID string) error
	deleteInstanceFn         func(ctx context.Context, providerInstanceID string) error
}

func (f *fakeProvider) GetTemplate(ctx context.Context, templateID string) (gpuinstance.Template, error) {
	return f.getTemplateFn(ctx, templateID)
}

func (f *fakeProvider) GetRegistryAuth(ctx context.Context, authID string) (gpuinstance.RegistryAuth, error) {
	return f.getRegistryAuthFn(ctx, authID)
}

func (f *fakeProvider) CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (gpuinstance.ProviderInstance, error) {
	return f.createInstanceFn(ctx, req)
}

func (f *fakeProvider) GetInstance(ctx context.Context, providerInstanceID string) (gpuinstance.ProviderInstance, error) {
	return f.getInstanceFn(ctx, providerInstanceID)
}

func (f *fakeProvider) StartInstanceWithRetry(ctx context.Context, providerInstanceID string, maxAttempts int) error {
	return f.startInstanceWithRetryFn(ctx, providerInstanceID, maxAttempts)
}

func (f *fakeProvider) StopInstance(ctx context.Context, providerInstanceID string) error {
	return f.stopInstanceFn(ctx, providerInstanceID)
}

func (f *fakeProvider) DeleteInstance(ctx context.Context, providerInstanceID string) error {
	return f.deleteInstanceFn(ctx, providerInstanceID)
}

type fakeSelector struct {
	selectFn func(ctx context.Context, productName, preferredRegion string, regionPriorityList []string) (gpuinstance.Product, error)
}

func (f *fakeSelector) SelectWithFallback(ctx context.Context, productName, preferredRegion string, regionPriorityList []string) (gpuinstance.Product, error) {
	return f.selectFn(ctx, productName, preferredRegion, regionPriorityList)
}

type fakeHealth struct {
	result gpuinstance.HealthCheck
}

func (f *fakeHealth) CheckInstance(ctx context.Context, ports []gpuinstance.PortMapping, cfg gpuinstance.HealthCheckConfig) gpuinstance.HealthCheck {
	return f.result
}

type enqueued struct {
	jobType gpuinstance.JobType
	payload any
}

type fakeEnqueuer struct {
	jobs []enqueued
}

func (f *fakeEnqueuer) Enqueue(jobType gpuinstance.JobType, payload any, priority gpuinstance.JobPriority, maxAttempts int, logicalEndpoint string) string {
	f.jobs = append(f.jobs, enqueued{jobType: jobType, payload: payload})
	return "job-" + string(jobType)
}

func (f *fakeEnqueuer) EnqueueAfter(jobType gpuinstance.JobType, payload any, priority gpuinstance.JobPriority, maxAttempts int, logicalEndpoint string, delay time.Duration) string {
	f.jobs = append(f.jobs, enqueued{jobType: jobType, payload: payload})
	return "job-" + string(jobType)
}

func (f *fakeEnqueuer) byType(jobType gpuinstance.JobType) (enqueued, bool) {
	for _, j := range f.jobs {
		if j.jobType == jobType {
			return j, true
		}
	}
	return enqueued{}, false
}

func newJobFor[T any](payload T) *gpuinstance.Job {
	return &gpuinstance.Job{ID: "job-1", Payload: payload}
}
