// Package workflow wires the job engine's handler registry to the staged
// instance lifecycle pipelines: CREATE_INSTANCE resolves a product and
// template and asks the Provider to create an instance; MONITOR_INSTANCE
// and MONITOR_STARTUP poll the Provider and self-reschedule until the
// instance is ready, fails, or times out; MIGRATE_INSTANCE moves a
// reclaimed spot instance to a fresh one. Each stage emits a webhook event
// at the point the system design calls for one, the same staged
// processJob shape the teacher's worker uses for a provisioning job, here
// generalized across several job types instead of one.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/internal/jobs"
	"github.com/nimbusforge/gpuorch/internal/provider"
	"github.com/nimbusforge/gpuorch/internal/webhook"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// ProviderService is the subset of *provider.Service the workflow handlers
// depend on.
type ProviderService interface {
	GetTemplate(ctx context.Context, templateID string) (gpuinstance.Template, error)
	GetRegistryAuth(ctx context.Context, authID string) (gpuinstance.RegistryAuth, error)
	CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (gpuinstance.ProviderInstance, error)
	GetInstance(ctx context.Context, providerInstanceID string) (gpuinstance.ProviderInstance, error)
	StartInstanceWithRetry(ctx context.Context, providerInstanceID string, maxAttempts int) error
	StopInstance(ctx context.Context, providerInstanceID string) error
	DeleteInstance(ctx context.Context, providerInstanceID string) error
}

// ProductSelector is the subset of internal/selector's Selector the
// CREATE_INSTANCE handler depends on.
type ProductSelector interface {
	SelectWithFallback(ctx context.Context, productName, preferredRegion string, regionPriorityList []string) (gpuinstance.Product, error)
}

// HealthChecker is the subset of internal/health's Checker the monitor
// handlers depend on.
type HealthChecker interface {
	CheckInstance(ctx context.Context, ports []gpuinstance.PortMapping, cfg gpuinstance.HealthCheckConfig) gpuinstance.HealthCheck
}

// InstanceStore is the subset of internal/instance's Store the handlers
// depend on.
type InstanceStore interface {
	Get(id string) (gpuinstance.InstanceState, error)
	Create(st gpuinstance.InstanceState) (gpuinstance.InstanceState, error)
	Mutate(id string, fn func(st *gpuinstance.InstanceState) (bool, error)) (gpuinstance.InstanceState, error)
	UpdateStatus(id string, status gpuinstance.InstanceStatus, mutate func(st *gpuinstance.InstanceState)) (gpuinstance.InstanceState, error)
	SyncFromProvider(id string, pv gpuinstance.ProviderInstance) (gpuinstance.InstanceState, error)
	BeginStartupOperation(instanceID string) (gpuinstance.StartupOperation, error)
	AdvanceStartupOperation(operationID string, status gpuinstance.StartupOperationStatus, phase gpuinstance.StartupOperationPhase, providerInstanceID string) (gpuinstance.StartupOperation, error)
	CompleteStartupOperation(operationID string, cause *gpuinstance.InstanceError) (gpuinstance.StartupOperation, error)
}

// JobEnqueuer is the subset of internal/jobs' Engine the handlers depend on
// to self-reschedule and to fan out SEND_WEBHOOK jobs.
type JobEnqueuer interface {
	Enqueue(jobType gpuinstance.JobType, payload any, priority gpuinstance.JobPriority, maxAttempts int, logicalEndpoint string) string
	EnqueueAfter(jobType gpuinstance.JobType, payload any, priority gpuinstance.JobPriority, maxAttempts int, logicalEndpoint string, delay time.Duration) string
}

// Config controls polling cadence and timeouts, normally sourced from
// internal/config.
type Config struct {
	PollInterval   time.Duration
	StartupTimeout time.Duration
	HealthCheck    gpuinstance.HealthCheckConfig
}

// Handlers bundles the dependencies every stage needs and exposes them as
// jobs.Handler closures ready for Engine.RegisterHandler.
type Handlers struct {
	provider ProviderService
	selector ProductSelector
	health   HealthChecker
	store    InstanceStore
	jobs     JobEnqueuer
	dispatch *webhook.Dispatcher
	cfg      Config
	logger   *slog.Logger
}

// New builds a Handlers bundle.
func New(svc ProviderService, selector ProductSelector, health HealthChecker, store InstanceStore, enqueuer JobEnqueuer, dispatch *webhook.Dispatcher, cfg Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 15 * time.Minute
	}
	return &Handlers{
		provider: svc,
		selector: selector,
		health:   health,
		store:    store,
		jobs:     enqueuer,
		dispatch: dispatch,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterAll registers every stage with engine under its job type.
func (h *Handlers) RegisterAll(engine *jobs.Engine) {
	engine.RegisterHandler(gpuinstance.JobCreateInstance, h.CreateInstance, 2*time.Minute)
	engine.RegisterHandler(gpuinstance.JobMonitorInstance, h.MonitorInstance, 30*time.Second)
	engine.RegisterHandler(gpuinstance.JobStartInstance, h.StartInstance, 2*time.Minute)
	engine.RegisterHandler(gpuinstance.JobMonitorStartup, h.MonitorStartup, 30*time.Second)
	engine.RegisterHandler(gpuinstance.JobMigrateInstance, h.MigrateInstance, 5*time.Minute)
	engine.RegisterHandler(gpuinstance.JobSendWebhook, h.SendWebhook, 30*time.Second)
}

func (h *Handlers) sendWebhookAsync(instanceID, eventType, webhookURL string, payload any) {
	if webhookURL == "" {
		return
	}
	h.jobs.Enqueue(gpuinstance.JobSendWebhook, SendWebhookParams{
		URL:        webhookURL,
		Event:      eventType,
		InstanceID: instanceID,
		Payload:    payload,
	}, gpuinstance.PriorityNormal, 5, "send_webhook")
}

func instanceFail(store InstanceStore, instanceID, code, message, phase string) (gpuinstance.InstanceState, error) {
	return store.UpdateStatus(instanceID, gpuinstance.StatusFailed, func(st *gpuinstance.InstanceState) {
		st.LastError = &gpuinstance.InstanceError{
			Code: code, Message: message, Phase: phase, Timestamp: time.Now().UTC(),
		}
	})
}

func jobPayload[T any](job *gpuinstance.Job) (T, error) {
	var zero T
	p, ok := job.Payload.(T)
	if !ok {
		return zero, errs.New(errs.KindInternal, fmt.Sprintf("job %s: unexpected payload type %T", job.ID, job.Payload), nil)
	}
	return p, nil
}
