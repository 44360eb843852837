// Package gpuinstance contains the shared data models used by the
// orchestrator's job engine, instance store, provider client, and workflow
// handlers. These types mirror the conceptual models defined in the system
// design: an InstanceState tracks a managed GPU instance end to end, a
// StartupOperation tracks a single start attempt, and a Job is a unit of
// asynchronous work dispatched by the job engine.
package gpuinstance

import "time"

// InstanceStatus is the lifecycle state of a managed instance.
type InstanceStatus string

const (
	StatusCreating       InstanceStatus = "CREATING"
	StatusCreated        InstanceStatus = "CREATED"
	StatusStarting       InstanceStatus = "STARTING"
	StatusRunning        InstanceStatus = "RUNNING"
	StatusHealthChecking InstanceStatus = "HEALTH_CHECKING"
	StatusReady          InstanceStatus = "READY"
	StatusStopping       InstanceStatus = "STOPPING"
	StatusStopped        InstanceStatus = "STOPPED"
	StatusFailed         InstanceStatus = "FAILED"
	StatusTerminated     InstanceStatus = "TERMINATED"
	StatusExited         InstanceStatus = "EXITED"
)

// Valid reports whether s is one of the known instance states.
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusCreating, StatusCreated, StatusStarting, StatusRunning,
		StatusHealthChecking, StatusReady, StatusStopping, StatusStopped,
		StatusFailed, StatusTerminated, StatusExited:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal state that no further
// transition table entry leaves (FAILED and TERMINATED only; STOPPED and
// EXITED can still restart via STARTING).
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

func (s InstanceStatus) String() string { return string(s) }

// BillingMode distinguishes spot from on-demand instances.
type BillingMode string

const (
	BillingSpot     BillingMode = "spot"
	BillingOnDemand BillingMode = "onDemand"
)

// PortType is the protocol exposed on a port mapping.
type PortType string

const (
	PortHTTP  PortType = "http"
	PortHTTPS PortType = "https"
	PortTCP   PortType = "tcp"
	PortUDP   PortType = "udp"
)

// PortMapping describes one exposed endpoint on a running instance.
type PortMapping struct {
	Port     int      `json:"port"`
	Endpoint string   `json:"endpoint"`
	Type     PortType `json:"type"`
}

// HealthCheckStatus is the aggregate outcome of a health check run.
type HealthCheckStatus string

const (
	HealthPending    HealthCheckStatus = "pending"
	HealthInProgress HealthCheckStatus = "in_progress"
	HealthHealthy    HealthCheckStatus = "healthy"
	HealthPartial    HealthCheckStatus = "partial"
	HealthUnhealthy  HealthCheckStatus = "unhealthy"
)

// EndpointResult is the outcome of probing a single port mapping.
type EndpointResult struct {
	Port              int           `json:"port"`
	Endpoint          string        `json:"endpoint"`
	Status            string        `json:"status"` // "healthy" | "unhealthy"
	Attempts          int           `json:"attempts"`
	LastError         string        `json:"lastError,omitempty"`
	ResponseTimeMs    int64         `json:"responseTimeMs"`
	CategorizedError string `json:"categorizedError,omitempty"`
}

// HealthCheck is the embedded health-check record on an InstanceState.
type HealthCheck struct {
	Status  HealthCheckStatus `json:"status"`
	Results []EndpointResult  `json:"results"`
}

// InstanceError records the last error observed while operating on an
// instance, including which phase of its lifecycle it occurred in.
type InstanceError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Phase     string    `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
}

// Timestamps captures the milestone times of an instance's lifecycle.
type Timestamps struct {
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	ReadyAt      *time.Time `json:"readyAt,omitempty"`
	StoppedAt    *time.Time `json:"stoppedAt,omitempty"`
	TerminatedAt *time.Time `json:"terminatedAt,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
}

// HealthCheckConfig controls how the health checker probes an instance.
type HealthCheckConfig struct {
	TimeoutMs      int `json:"timeoutMs"`
	MaxRetries     int `json:"maxRetries"`
	RetryDelayMs   int `json:"retryDelayMs"`
	TargetPort     int `json:"targetPort,omitempty"`
}

// InstanceState is the authoritative record for one managed instance.
// It is owned exclusively by the instance store; all mutation goes through
// Store.Mutate or Store.UpdateStatus, and UpdateStatus enforces the
// transition table. The store keeps no separate cached read view; readers
// get deep copies.
type InstanceState struct {
	ID                 string              `json:"id"`
	ProviderInstanceID string              `json:"providerInstanceId,omitempty"`
	Name               string              `json:"name"`
	ProductName        string              `json:"productName"`
	TemplateID         string              `json:"templateId"`
	Region             string              `json:"region"`
	GPUNum             int                 `json:"gpuNum"`
	RootfsSize         int                 `json:"rootfsSize"`
	BillingMode        BillingMode         `json:"billingMode"`
	Status             InstanceStatus      `json:"status"`
	Timestamps         Timestamps          `json:"timestamps"`
	HealthCheck        *HealthCheck        `json:"healthCheck,omitempty"`
	PortMappings       []PortMapping       `json:"portMappings,omitempty"`
	LastError          *InstanceError      `json:"lastError,omitempty"`
	WebhookURL         string              `json:"webhookUrl,omitempty"`
	HealthCheckConfig  *HealthCheckConfig  `json:"healthCheckConfig,omitempty"`
	IdempotencyKey     string              `json:"-"`
	Tags               map[string]string   `json:"tags,omitempty"`
	SpotReclaimTime    int64               `json:"-"` // mirrored from Provider, used for migration eligibility
	SpotStatus         string              `json:"-"`
}

// Clone returns a deep-enough copy of s suitable for handing to a reader
// without risking a racing mutation. Slice and map fields are copied.
func (s InstanceState) Clone() InstanceState {
	out := s
	if s.PortMappings != nil {
		out.PortMappings = append([]PortMapping(nil), s.PortMappings...)
	}
	if s.Tags != nil {
		out.Tags = make(map[string]string, len(s.Tags))
		for k, v := range s.Tags {
			out.Tags[k] = v
		}
	}
	if s.HealthCheck != nil {
		hc := *s.HealthCheck
		hc.Results = append([]EndpointResult(nil), s.HealthCheck.Results...)
		out.HealthCheck = &hc
	}
	if s.LastError != nil {
		le := *s.LastError
		out.LastError = &le
	}
	if s.HealthCheckConfig != nil {
		hcc := *s.HealthCheckConfig
		out.HealthCheckConfig = &hcc
	}
	return out
}

// StartupOperationStatus is the lifecycle state of a StartupOperation.
type StartupOperationStatus string

const (
	OpStatusInitiated      StartupOperationStatus = "initiated"
	OpStatusMonitoring     StartupOperationStatus = "monitoring"
	OpStatusHealthChecking StartupOperationStatus = "health_checking"
	OpStatusCompleted      StartupOperationStatus = "completed"
	OpStatusFailed         StartupOperationStatus = "failed"
)

// IsTerminal reports whether the operation has reached a terminal status.
func (s StartupOperationStatus) IsTerminal() bool {
	return s == OpStatusCompleted || s == OpStatusFailed
}

// StartupOperationPhase names the current phase of a StartupOperation,
// distinct from its coarser Status.
type StartupOperationPhase string

const (
	PhaseStartRequested  StartupOperationPhase = "startRequested"
	PhaseMonitoring      StartupOperationPhase = "monitoring"
	PhaseHealthChecking  StartupOperationPhase = "health_checking"
	PhaseCompleted       StartupOperationPhase = "completed"
	PhaseFailed          StartupOperationPhase = "failed"
)

// StartupOperation tracks one in-flight attempt to start an instance.
type StartupOperation struct {
	OperationID        string                       `json:"operationId"`
	InstanceID         string                       `json:"instanceId"`
	ProviderInstanceID string                       `json:"providerInstanceId,omitempty"`
	Status             StartupOperationStatus       `json:"status"`
	Phase              StartupOperationPhase        `json:"phase"`
	StartedAt          time.Time                    `json:"startedAt"`
	PhaseTimestamps    map[StartupOperationPhase]time.Time `json:"phaseTimestamps,omitempty"`
	Error              *InstanceError               `json:"error,omitempty"`
}

// JobType discriminates the payload carried by a Job.
type JobType string

const (
	JobCreateInstance   JobType = "CREATE_INSTANCE"
	JobMonitorInstance  JobType = "MONITOR_INSTANCE"
	JobStartInstance    JobType = "START_INSTANCE"
	JobMonitorStartup   JobType = "MONITOR_STARTUP"
	JobSendWebhook      JobType = "SEND_WEBHOOK"
	JobMigrateInstance  JobType = "MIGRATE_INSTANCE"
)

// JobPriority orders eligible jobs within the dispatcher.
type JobPriority int

const (
	PriorityLow JobPriority = iota
	PriorityNormal
	PriorityHigh
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobError records why a job attempt failed, and whether the engine
// classified it as retryable.
type JobError struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Job is a unit of asynchronous work tracked by the job engine. Payload is
// a type-discriminated JSON-serializable value; handlers type-assert it to
// the variant matching Type.
type Job struct {
	ID              string      `json:"id"`
	Type            JobType     `json:"type"`
	Payload         any         `json:"payload"`
	Status          JobStatus   `json:"status"`
	Priority        JobPriority `json:"priority"`
	Attempts        int         `json:"attempts"`
	MaxAttempts     int         `json:"maxAttempts"`
	CreatedAt       time.Time   `json:"createdAt"`
	ProcessedAt     *time.Time  `json:"processedAt,omitempty"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
	NextRetryAt     *time.Time  `json:"nextRetryAt,omitempty"`
	Error           *JobError   `json:"error,omitempty"`
	LogicalEndpoint string      `json:"-"`
}

// Product is a read-only Provider-catalog entry.
type Product struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Region         string  `json:"region"`
	SpotPrice      float64 `json:"spotPrice"`
	OnDemandPrice  float64 `json:"onDemandPrice"`
	GPUType        string  `json:"gpuType"`
	GPUMemory      int     `json:"gpuMemory"`
	Availability   string  `json:"availability"` // "available" | "limited" | "unavailable"
}

// ImageAuth references a registry credential to resolve at create time.
type ImageAuth struct {
	ID string `json:"id"`
}

// TemplatePort is a port declared by a template's image.
type TemplatePort struct {
	Port int      `json:"port"`
	Type PortType `json:"type"`
}

// Template is a read-only instance-creation blueprint.
type Template struct {
	ID        string         `json:"id"`
	ImageURL  string         `json:"imageUrl"`
	ImageAuth *ImageAuth     `json:"imageAuth,omitempty"`
	Ports     []TemplatePort `json:"ports"`
	Envs      map[string]string `json:"envs,omitempty"`
}

// RegistryAuth is a resolved credential for pulling a private image.
type RegistryAuth struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ProviderInstance is the Provider's view of an instance, as returned by
// GET instances/{id} and GET instances.
type ProviderInstance struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Status          string        `json:"status"`
	PortMappings    []PortMapping `json:"portMappings,omitempty"`
	SpotStatus      string        `json:"spotStatus,omitempty"`
	SpotReclaimTime int64         `json:"spotReclaimTime,omitempty"`
}
