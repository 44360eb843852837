package workflow

import (
	"context"
	"time"

	"github.com/nimbusforge/gpuorch/internal/webhook"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// SendWebhook delivers one outbound event. The job engine's retry policy
// covers delivery failures; this handler just calls Deliver once per
// attempt.
func (h *Handlers) SendWebhook(ctx context.Context, job *gpuinstance.Job) error {
	params, err := jobPayload[SendWebhookParams](job)
	if err != nil {
		return err
	}
	if h.dispatch == nil {
		return nil
	}
	return h.dispatch.Deliver(ctx, params.URL, webhook.Event{
		Type:       params.Event,
		InstanceID: params.InstanceID,
		Timestamp:  time.Now().UTC(),
		Data:       params.Payload,
	})
}
