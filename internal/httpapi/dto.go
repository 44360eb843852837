package httpapi

import (
	"time"

	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// CreateInstanceRequest is the REST-facing instance creation payload.
type CreateInstanceRequest struct {
	Name               string            `json:"name"`
	ProductName        string            `json:"productName"`
	TemplateID         string            `json:"templateId"`
	Region             string            `json:"region,omitempty"`
	RegionPriorityList []string          `json:"regionPriorityList,omitempty"`
	GPUNum             int               `json:"gpuNum"`
	RootfsSize         int               `json:"rootfsSize"`
	BillingMode        string            `json:"billingMode"`
	Envs               map[string]string `json:"envs,omitempty"`
	WebhookURL         string            `json:"webhookUrl,omitempty"`
	IdempotencyKey     string            `json:"idempotencyKey,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
}

// InstanceResponse is the REST-facing instance representation. It embeds
// gpuinstance.InstanceState's JSON shape directly since the two are meant
// to match field-for-field; a separate struct exists so the wire format can
// diverge from the internal model without touching the store.
type InstanceResponse struct {
	gpuinstance.InstanceState
}

// ErrorResponse is the REST-facing error envelope, per the classified error
// taxonomy: {code, message, details?, timestamp, requestId}.
type ErrorResponse struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

// ListInstancesResponse is the paginated instance listing envelope.
type ListInstancesResponse struct {
	Instances []gpuinstance.InstanceState `json:"instances"`
	Total     int                         `json:"total"`
	Limit     int                         `json:"limit"`
	Offset    int                         `json:"offset"`
}

// MigrationTriggerRequest optionally overrides dry-run for a single manual
// sweep.
type MigrationTriggerRequest struct {
	DryRun *bool `json:"dryRun,omitempty"`
}
