package workflow

import "github.com/nimbusforge/gpuorch/pkg/gpuinstance"

// CreateInstanceParams is the CREATE_INSTANCE job payload.
type CreateInstanceParams struct {
	InstanceID         string            `json:"instanceId"`
	ProductName        string            `json:"productName"`
	TemplateID         string            `json:"templateId"`
	PreferredRegion    string            `json:"preferredRegion,omitempty"`
	RegionPriorityList []string          `json:"regionPriorityList,omitempty"`
	GPUNum             int               `json:"gpuNum"`
	RootfsSize         int               `json:"rootfsSize"`
	BillingMode        gpuinstance.BillingMode `json:"billingMode"`
	Envs               map[string]string `json:"envs,omitempty"`
	WebhookURL         string            `json:"webhookUrl,omitempty"`
}

// MonitorInstanceParams is the MONITOR_INSTANCE job payload.
type MonitorInstanceParams struct {
	InstanceID string `json:"instanceId"`
	DeadlineMs int64  `json:"deadlineMs"` // unix millis after which a non-ready instance is failed
}

// StartInstanceParams is the START_INSTANCE job payload.
type StartInstanceParams struct {
	InstanceID string `json:"instanceId"`
}

// MonitorStartupParams is the MONITOR_STARTUP job payload.
type MonitorStartupParams struct {
	InstanceID  string `json:"instanceId"`
	OperationID string `json:"operationId"`
	DeadlineMs  int64  `json:"deadlineMs"`
}

// MigrateInstanceParams is the MIGRATE_INSTANCE job payload.
type MigrateInstanceParams struct {
	InstanceID string `json:"instanceId"`
	DryRun     bool   `json:"dryRun"`
}

// SendWebhookParams is the SEND_WEBHOOK job payload.
type SendWebhookParams struct {
	URL   string `json:"url"`
	Event string `json:"event"`
	InstanceID string `json:"instanceId"`
	Payload any `json:"payload,omitempty"`
}
