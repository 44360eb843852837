package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/gpuorch/internal/client"
	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

func newTestService(handler http.HandlerFunc) (*Service, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := client.New(client.Config{BaseURL: srv.URL, MaxRetryAttempts: 0}, nil)
	return New(c, time.Minute, 100, nil), srv
}

func TestListProductsCachesAfterFirstCall(t *testing.T) {
	var calls int32
	svc, srv := newTestService(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"products": []gpuinstance.Product{{ID: "p1", Name: "a100"}},
		})
	})
	defer srv.Close()

	got, err := svc.ListProducts(context.Background(), "us-east")
	require.NoError(t, err)
	require.Len(t, got, 1)

	got2, err := svc.ListProducts(context.Background(), "us-east")
	require.NoError(t, err)
	assert.Equal(t, got, got2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "second call must be served from cache")
}

func TestGetRegistryAuthNotFoundIsReclassified(t *testing.T) {
	svc, srv := newTestService(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	_, err := svc.GetRegistryAuth(context.Background(), "missing-auth")
	require.Error(t, err)
	assert.Equal(t, errs.KindRegistryAuthNotFound, errs.Classify(err))
}

func TestCreateInstanceRoundTrips(t *testing.T) {
	svc, srv := newTestService(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body CreateInstanceRequest
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(gpuinstance.ProviderInstance{ID: "prov-1", Name: body.Name, Status: "CREATING"})
	})
	defer srv.Close()

	out, err := svc.CreateInstance(context.Background(), CreateInstanceRequest{Name: "box-1"})
	require.NoError(t, err)
	assert.Equal(t, "prov-1", out.ID)
	assert.Equal(t, "box-1", out.Name)
}

func TestStartInstanceWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	var calls int32
	svc, srv := newTestService(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	err := svc.StartInstanceWithRetry(context.Background(), "prov-1", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestStartInstanceWithRetryStopsOnNonRetryable(t *testing.T) {
	var calls int32
	svc, srv := newTestService(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})
	defer srv.Close()

	err := svc.StartInstanceWithRetry(context.Background(), "prov-1", 3)
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "a 4xx must not be retried at the top level either")
}
