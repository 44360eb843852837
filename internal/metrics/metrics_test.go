package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveProviderRequestExposedViaHandler(t *testing.T) {
	Reset()
	ObserveProviderRequest("create_instance", "POST", 200, 50*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "gpuorch_provider_requests_total")
}

func TestIncCircuitBreakerTripIncrementsCounter(t *testing.T) {
	Reset()
	IncCircuitBreakerTrip("create_instance")
	SetCircuitBreakerState("create_instance", 2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "gpuorch_provider_circuit_breaker_trips_total")
	assert.Contains(t, body, "gpuorch_provider_circuit_breaker_state")
}

func TestObserveJobRecordsDispatchedAndDuration(t *testing.T) {
	Reset()
	ObserveJob("CREATE_INSTANCE", "success", 100*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "gpuorch_jobs_dispatched_total")
	assert.Contains(t, rec.Body.String(), "gpuorch_jobs_duration_seconds")
}

func TestCacheAndHealthAndWebhookMetricsDoNotPanicBeforeOrAfterReset(t *testing.T) {
	Reset()
	assert.NotPanics(t, func() {
		IncCacheHit("products")
		IncCacheMiss("products")
		ObserveHealthProbe("healthy")
		ObserveWebhookDelivery("instance.ready", "delivered")
	})
}

func TestResetClearsPriorSeriesFromANewRegistry(t *testing.T) {
	Reset()
	ObserveProviderRequest("create_instance", "POST", 500, time.Millisecond)
	first := httptest.NewRecorder()
	Handler().ServeHTTP(first, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, first.Body.String(), `endpoint="create_instance"`)

	Reset()
	second := httptest.NewRecorder()
	Handler().ServeHTTP(second, httptest.NewRequest("GET", "/metrics", nil))
	assert.NotContains(t, second.Body.String(), `endpoint="create_instance"`)
}
