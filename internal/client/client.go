// Package client implements the resilient HTTP client used to reach the
// GPU provider's control-plane API: every call is tagged with a request
// id, throttled by a per-process token bucket (golang.org/x/time/rate,
// the same limiter the rest of the reference corpus reaches for on its
// ingress middleware), gated by a per-logical-endpoint circuit breaker,
// and retried with jittered exponential backoff in the style of the
// teacher's internal/bmc retry loop.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/internal/metrics"
)

// Config controls the client's resilience policies.
type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit rate.Limit // requests per second; 0 disables limiting
	RateBurst int

	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration

	MaxRetryAttempts int
}

// Client is a resilient HTTP client scoped to one provider base URL.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu       sync.Mutex
	breakers map[string]*circuitBreaker

	retry retryConfig
	now   func() time.Time
}

// New builds a Client from cfg. A nil logger falls back to slog.Default().
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
		breakers:   make(map[string]*circuitBreaker),
		retry:      defaultRetryConfig(cfg.MaxRetryAttempts),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) breakerFor(endpoint string) *circuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[endpoint]
	if !ok {
		cb = newCircuitBreaker(endpoint, c.cfg.CircuitBreakerThreshold, c.cfg.CircuitBreakerTimeout)
		c.breakers[endpoint] = cb
	}
	return cb
}

// Request describes a single logical call to the provider API.
type Request struct {
	// Endpoint is the logical name used for rate-limit/circuit-breaker
	// bucketing and metrics, e.g. "list_products" or "create_instance".
	// It is intentionally distinct from Path, which may carry variable
	// instance ids.
	Endpoint string
	Method   string
	Path     string
	Body     any
	Out      any
}

// Do executes req against the provider, applying the rate limiter, circuit
// breaker, and retry policy. A successful response is JSON-decoded into
// req.Out (if non-nil). Errors are always *errs.Error.
func (c *Client) Do(ctx context.Context, req Request) error {
	requestID := uuid.NewString()
	breaker := c.breakerFor(req.Endpoint)

	var lastErr error
	attempts := c.retry.maxAttempts + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if !breaker.allow(c.now()) {
			cbErr := errs.New(errs.KindCircuitBreaker, fmt.Sprintf("circuit breaker open for %s", req.Endpoint), nil)
			cbErr.RequestID = requestID
			metrics.ObserveProviderRequest(req.Endpoint, req.Method, -1, 0)
			return cbErr
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				werr := errs.New(errs.KindTimeout, "rate limiter wait cancelled", err)
				werr.RequestID = requestID
				return werr
			}
		}

		start := c.now()
		status, retryAfter, err := c.doOnce(ctx, req, requestID)
		elapsed := c.now().Sub(start)
		metrics.ObserveProviderRequest(req.Endpoint, req.Method, status, elapsed)

		if err == nil {
			breaker.onSuccess()
			return nil
		}

		lastErr = err
		if !errs.IsRetryable(err) || attempt == attempts {
			breaker.onFailure(c.now())
			return lastErr
		}
		breaker.onFailure(c.now())
		metrics.IncProviderRetry(req.Endpoint)

		delay := c.retry.backoffFor(attempt)
		if retryAfter > 0 {
			delay = retryAfter
		}
		c.logger.Debug("retrying provider request",
			"endpoint", req.Endpoint, "attempt", attempt, "delay", delay, "request_id", requestID)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			cerr := errs.New(errs.KindTimeout, "context cancelled during retry backoff", ctx.Err())
			cerr.RequestID = requestID
			return cerr
		case <-timer.C:
		}
	}
	return lastErr
}

// doOnce performs a single HTTP round trip, returning the HTTP status (or
// -1 for a transport-level failure), an optional server-suggested
// Retry-After duration, and a classified error, if any.
func (c *Client) doOnce(ctx context.Context, req Request, requestID string) (int, time.Duration, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return -1, 0, errs.New(errs.KindValidation, "failed to encode request body", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.cfg.BaseURL+req.Path, bodyReader)
	if err != nil {
		return -1, 0, errs.New(errs.KindValidation, "failed to build request", err)
	}
	httpReq.Header.Set("X-Request-Id", requestID)
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		nerr := errs.New(errs.KindNetwork, "provider request failed", err)
		nerr.RequestID = requestID
		return -1, 0, nerr
	}
	defer resp.Body.Close()

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if req.Out != nil {
			if derr := json.NewDecoder(resp.Body).Decode(req.Out); derr != nil && derr != io.EOF {
				derrWrapped := errs.New(errs.KindInternal, "failed to decode response body", derr)
				derrWrapped.RequestID = requestID
				return resp.StatusCode, 0, derrWrapped
			}
		}
		return resp.StatusCode, 0, nil
	}

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	kind := errs.KindProviderServerError
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = errs.KindRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		kind = errs.KindProviderClientError
	}
	perr := errs.New(kind, fmt.Sprintf("provider returned status %d", resp.StatusCode), nil)
	perr.RequestID = requestID
	perr.Details = string(payload)
	return resp.StatusCode, retryAfter, perr
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		return secs
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}
	return 0
}
