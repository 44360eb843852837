// Package health implements the post-startup health checker: it probes
// every exposed port mapping of an instance in parallel, retrying each with
// growing backoff, and aggregates the per-port outcomes into an overall
// healthy/partial/unhealthy verdict the same way the teacher's Redfish
// power-state poller aggregates per-attempt outcomes into a single result.
package health

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nimbusforge/gpuorch/internal/metrics"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

const maxInspectedBody = 4 * 1024 // bytes of response body inspected for error phrases

// badGatewayPhrases are case-insensitive substrings that mark an otherwise
// 2xx response as actually unhealthy (e.g. an upstream proxy returning 200
// with an HTML error page body).
var badGatewayPhrases = []string{
	"bad gateway",
	"service unavailable",
	"internal server error",
	"gateway timeout",
}

// Checker probes instance port mappings over HTTP(S).
type Checker struct {
	httpClient *http.Client
}

// New builds a Checker. timeout bounds each individual probe attempt.
func New(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{httpClient: &http.Client{Timeout: timeout}}
}

// CheckInstance probes every port in ports concurrently and returns the
// aggregate HealthCheck.
func (c *Checker) CheckInstance(ctx context.Context, ports []gpuinstance.PortMapping, cfg gpuinstance.HealthCheckConfig) gpuinstance.HealthCheck {
	if len(ports) == 0 {
		return gpuinstance.HealthCheck{Status: gpuinstance.HealthUnhealthy}
	}

	results := make([]gpuinstance.EndpointResult, len(ports))
	var wg sync.WaitGroup
	for i, p := range ports {
		if cfg.TargetPort != 0 && p.Port != cfg.TargetPort {
			continue
		}
		wg.Add(1)
		go func(i int, p gpuinstance.PortMapping) {
			defer wg.Done()
			results[i] = c.probeWithRetry(ctx, p, cfg)
		}(i, p)
	}
	wg.Wait()

	// Ports filtered out by TargetPort remain zero-valued; drop them.
	filtered := results[:0]
	for _, r := range results {
		if r.Endpoint != "" {
			filtered = append(filtered, r)
		}
	}

	return gpuinstance.HealthCheck{Status: aggregate(filtered), Results: filtered}
}

func aggregate(results []gpuinstance.EndpointResult) gpuinstance.HealthCheckStatus {
	if len(results) == 0 {
		return gpuinstance.HealthUnhealthy
	}
	healthy := 0
	for _, r := range results {
		if r.Status == "healthy" {
			healthy++
		}
	}
	switch {
	case healthy == len(results):
		return gpuinstance.HealthHealthy
	case healthy == 0:
		return gpuinstance.HealthUnhealthy
	default:
		return gpuinstance.HealthPartial
	}
}

// probeWithRetry probes one port up to cfg.MaxRetries+1 times, with a delay
// between attempts that grows by cfg.RetryDelayMs * attempt. A 2xx response
// whose body contains a bad-gateway-style phrase is recorded unhealthy but
// NOT retried further within this call: a body we already fully read once
// is unlikely to change on an immediate re-probe.
func (c *Checker) probeWithRetry(ctx context.Context, p gpuinstance.PortMapping, cfg gpuinstance.HealthCheckConfig) gpuinstance.EndpointResult {
	maxAttempts := cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryDelay := time.Duration(cfg.RetryDelayMs) * time.Millisecond
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	var last gpuinstance.EndpointResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result := c.probeOnce(ctx, p)
		result.Attempts = attempt
		last = result

		if result.Status == "healthy" {
			metrics.ObserveHealthProbe("healthy")
			return result
		}
		if result.CategorizedError == "bad_response_body" {
			// Body-level failure on a successful connection: don't retry.
			metrics.ObserveHealthProbe("unhealthy")
			return result
		}
		if result.CategorizedError == "client_error" {
			// Only network-class and 5xx failures are retried; a 4xx means the
			// probe reached the endpoint and got a definitive answer.
			metrics.ObserveHealthProbe("unhealthy")
			return result
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			metrics.ObserveHealthProbe("unhealthy")
			return last
		case <-time.After(retryDelay * time.Duration(attempt)):
		}
	}
	metrics.ObserveHealthProbe("unhealthy")
	return last
}

func (c *Checker) probeOnce(ctx context.Context, p gpuinstance.PortMapping) gpuinstance.EndpointResult {
	start := time.Now()
	result := gpuinstance.EndpointResult{Port: p.Port, Endpoint: p.Endpoint}

	url := p.Endpoint
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Status = "unhealthy"
		result.LastError = err.Error()
		result.CategorizedError = "invalid_endpoint"
		return result
	}

	resp, err := c.httpClient.Do(req)
	result.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Status = "unhealthy"
		result.LastError = err.Error()
		result.CategorizedError = categorizeNetworkError(err)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		result.Status = "unhealthy"
		result.LastError = resp.Status
		result.CategorizedError = "server_error"
		return result
	}
	if resp.StatusCode >= 400 {
		result.Status = "unhealthy"
		result.LastError = resp.Status
		result.CategorizedError = "client_error"
		return result
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxInspectedBody))
	lower := strings.ToLower(string(body))
	for _, phrase := range badGatewayPhrases {
		if strings.Contains(lower, phrase) {
			result.Status = "unhealthy"
			result.LastError = "response body indicates upstream error: " + phrase
			result.CategorizedError = "bad_response_body"
			return result
		}
	}

	result.Status = "healthy"
	return result
}

func categorizeNetworkError(err error) string {
	if err == nil {
		return ""
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host"):
		return "dns_failure"
	case strings.Contains(msg, "certificate"), strings.Contains(msg, "tls"):
		return "tls_error"
	case strings.Contains(msg, "context deadline exceeded"):
		return "timeout"
	default:
		return "network_error"
	}
}
