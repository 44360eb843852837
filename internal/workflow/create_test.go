package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/internal/instance"
	"github.com/nimbusforge/gpuorch/internal/provider"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

func newCreateJob(params CreateInstanceParams) *gpuinstance.Job {
	return &gpuinstance.Job{ID: "job-1", Type: gpuinstance.JobCreateInstance, Payload: params}
}

func TestCreateInstanceFailsInstanceWhenNoProductAvailable(t *testing.T) {
	store := instance.New()
	st, err := store.Create(gpuinstance.InstanceState{ID: "i-1"})
	require.NoError(t, err)
	_ = st

	enq := &fakeEnqueuer{}
	h := New(&fakeProvider{}, &fakeSelector{
		selectFn: func(ctx context.Context, productName, preferredRegion string, regionPriorityList []string) (gpuinstance.Product, error) {
			return gpuinstance.Product{}, errs.New(errs.KindNoOptimalProduct, "no product available anywhere", nil)
		},
	}, &fakeHealth{}, store, enq, nil, Config{}, nil)

	err = h.CreateInstance(context.Background(), newCreateJob(CreateInstanceParams{InstanceID: "i-1", ProductName: "rtx4090"}))
	require.NoError(t, err, "a business-level product selection failure is terminal, not a retryable job error")

	got, err := store.Get("i-1")
	require.NoError(t, err)
	assert.Equal(t, gpuinstance.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, string(errs.KindNoOptimalProduct), got.LastError.Code)
	_, enqueued := enq.byType(gpuinstance.JobMonitorInstance)
	assert.False(t, enqueued, "no monitor job should be scheduled for an instance that never got created")
}

func TestCreateInstancePropagatesTransientTemplateFetchError(t *testing.T) {
	store := instance.New()
	_, err := store.Create(gpuinstance.InstanceState{ID: "i-1"})
	require.NoError(t, err)

	wantErr := errs.New(errs.KindProviderServerError, "upstream unavailable", nil)
	h := New(&fakeProvider{
		getTemplateFn: func(ctx context.Context, templateID string) (gpuinstance.Template, error) {
			return gpuinstance.Template{}, wantErr
		},
	}, &fakeSelector{
		selectFn: func(ctx context.Context, productName, preferredRegion string, regionPriorityList []string) (gpuinstance.Product, error) {
			return gpuinstance.Product{ID: "p-1", Region: "us-east"}, nil
		},
	}, &fakeHealth{}, store, &fakeEnqueuer{}, nil, Config{}, nil)

	err = h.CreateInstance(context.Background(), newCreateJob(CreateInstanceParams{InstanceID: "i-1"}))
	require.Error(t, err, "a transient template fetch failure must be returned so the job engine retries it")
	assert.Equal(t, errs.KindProviderServerError, errs.Classify(err))

	got, _ := store.Get("i-1")
	assert.Equal(t, gpuinstance.StatusCreating, got.Status, "instance status must be untouched while the job is still retryable")
}

func TestCreateInstanceFailsInstanceWhenRegistryAuthNotFound(t *testing.T) {
	store := instance.New()
	_, err := store.Create(gpuinstance.InstanceState{ID: "i-1"})
	require.NoError(t, err)

	h := New(&fakeProvider{
		getTemplateFn: func(ctx context.Context, templateID string) (gpuinstance.Template, error) {
			return gpuinstance.Template{ID: templateID, ImageAuth: &gpuinstance.ImageAuth{ID: "auth-1"}}, nil
		},
		getRegistryAuthFn: func(ctx context.Context, authID string) (gpuinstance.RegistryAuth, error) {
			return gpuinstance.RegistryAuth{}, errs.New(errs.KindRegistryAuthNotFound, "no such credential", nil)
		},
	}, &fakeSelector{
		selectFn: func(ctx context.Context, productName, preferredRegion string, regionPriorityList []string) (gpuinstance.Product, error) {
			return gpuinstance.Product{ID: "p-1"}, nil
		},
	}, &fakeHealth{}, store, &fakeEnqueuer{}, nil, Config{}, nil)

	err = h.CreateInstance(context.Background(), newCreateJob(CreateInstanceParams{InstanceID: "i-1", TemplateID: "tpl-1"}))
	require.NoError(t, err)

	got, _ := store.Get("i-1")
	assert.Equal(t, gpuinstance.StatusFailed, got.Status)
	assert.Equal(t, string(errs.KindRegistryAuthNotFound), got.LastError.Code)
}

func TestCreateInstanceSucceedsRecordsProviderIDAndEnqueuesMonitor(t *testing.T) {
	store := instance.New()
	_, err := store.Create(gpuinstance.InstanceState{ID: "i-1"})
	require.NoError(t, err)

	enq := &fakeEnqueuer{}
	var gotReq provider.CreateInstanceRequest
	h := New(&fakeProvider{
		getTemplateFn: func(ctx context.Context, templateID string) (gpuinstance.Template, error) {
			return gpuinstance.Template{ID: templateID}, nil
		},
		createInstanceFn: func(ctx context.Context, req provider.CreateInstanceRequest) (gpuinstance.ProviderInstance, error) {
			gotReq = req
			return gpuinstance.ProviderInstance{ID: "prov-1"}, nil
		},
	}, &fakeSelector{
		selectFn: func(ctx context.Context, productName, preferredRegion string, regionPriorityList []string) (gpuinstance.Product, error) {
			return gpuinstance.Product{ID: "p-1", Region: "us-east"}, nil
		},
	}, &fakeHealth{}, store, enq, nil, Config{}, nil)

	err = h.CreateInstance(context.Background(), newCreateJob(CreateInstanceParams{
		InstanceID: "i-1", ProductName: "rtx4090", TemplateID: "tpl-1", GPUNum: 2,
	}))
	require.NoError(t, err)

	assert.Equal(t, "p-1", gotReq.ProductID)
	assert.Equal(t, 2, gotReq.GPUNum)

	got, err := store.Get("i-1")
	require.NoError(t, err)
	assert.Equal(t, gpuinstance.StatusCreated, got.Status)
	assert.Equal(t, "prov-1", got.ProviderInstanceID)
	assert.Equal(t, "us-east", got.Region)

	job, ok := enq.byType(gpuinstance.JobMonitorInstance)
	require.True(t, ok)
	params, ok := job.payload.(MonitorInstanceParams)
	require.True(t, ok)
	assert.Equal(t, "i-1", params.InstanceID)
}
