// Package webhook implements outbound delivery of instance lifecycle
// events: a signed (when a secret is configured) JSON POST to the
// instance's configured webhook URL, retried with the same backoff shape
// the job engine uses, and delivered in submission order per instance.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/internal/metrics"
)

// Event is the payload delivered to a webhook URL.
type Event struct {
	Type       string    `json:"type"`
	InstanceID string    `json:"instanceId"`
	Timestamp  time.Time `json:"timestamp"`
	Data       any       `json:"data,omitempty"`
}

// Dispatcher sends webhook events over HTTP, optionally HMAC-signing the
// body. Deliveries for a single instance are serialized through a
// per-instance mutex so events are never observed out of order by a
// receiver, even though the engine may dispatch SEND_WEBHOOK jobs for
// different instances concurrently.
type Dispatcher struct {
	httpClient *http.Client
	secret     []byte
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Dispatcher. An empty secret disables HMAC signing.
func New(timeout time.Duration, secret string, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		httpClient: &http.Client{Timeout: timeout},
		secret:     []byte(secret),
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (d *Dispatcher) lockFor(instanceID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[instanceID] = l
	}
	return l
}

// Deliver POSTs event to url, signing the body with HMAC-SHA256 in the
// X-Signature header when a secret is configured. Deliver does not retry;
// callers (the SEND_WEBHOOK job handler) own the retry policy so failures
// participate in the job engine's backoff and attempt accounting.
func (d *Dispatcher) Deliver(ctx context.Context, url string, event Event) error {
	if url == "" {
		return errs.New(errs.KindValidation, "webhook url is empty", nil)
	}

	instLock := d.lockFor(event.InstanceID)
	instLock.Lock()
	defer instLock.Unlock()

	body, err := json.Marshal(event)
	if err != nil {
		return errs.New(errs.KindValidation, "failed to encode webhook event", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errs.New(errs.KindValidation, "failed to build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", event.Type)

	if len(d.secret) > 0 {
		mac := hmac.New(sha256.New, d.secret)
		mac.Write(body)
		req.Header.Set("X-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		metrics.ObserveWebhookDelivery(event.Type, "network_error")
		return errs.New(errs.KindNetwork, "webhook delivery failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.ObserveWebhookDelivery(event.Type, "delivered")
		return nil
	}

	metrics.ObserveWebhookDelivery(event.Type, "rejected")
	kind := errs.KindProviderServerError
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		kind = errs.KindProviderClientError
	}
	return errs.New(kind, fmt.Sprintf("webhook endpoint returned status %d", resp.StatusCode), nil)
}
