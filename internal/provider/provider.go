// Package provider is the typed service layer over internal/client: it
// knows the Provider API's concrete endpoints and shapes, and caches the
// read-mostly catalog endpoints (products, templates) the way the teacher's
// Redfish session client caches a session token rather than re-authenticating
// on every call.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nimbusforge/gpuorch/internal/cache"
	"github.com/nimbusforge/gpuorch/internal/client"
	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// Service is the typed Provider API surface used by the rest of the
// orchestrator.
type Service struct {
	client *client.Client

	productsCache  *cache.Cache[[]gpuinstance.Product]
	templateCache  *cache.Cache[gpuinstance.Template]
	registryCache  *cache.Cache[gpuinstance.RegistryAuth]
}

// New builds a Service around c, with catalog caches sized by ttl/maxSize.
// backend, if non-nil, is wired into the products cache only: the product
// catalog is the one lookup worth warming on a cold start, since it drives
// product selection before any instance exists to reason about.
func New(c *client.Client, ttl time.Duration, maxSize int, backend cache.PersistBackend) *Service {
	var productsOpts []cache.Option[[]gpuinstance.Product]
	if backend != nil {
		productsOpts = append(productsOpts, cache.WithPersistBackend[[]gpuinstance.Product](
			backend,
			func(v []gpuinstance.Product) ([]byte, error) { return json.Marshal(v) },
			func(raw []byte) ([]gpuinstance.Product, error) {
				var v []gpuinstance.Product
				err := json.Unmarshal(raw, &v)
				return v, err
			},
		))
	}
	return &Service{
		client:        c,
		productsCache: cache.New[[]gpuinstance.Product]("products", ttl, maxSize, productsOpts...),
		templateCache: cache.New[gpuinstance.Template]("templates", ttl, maxSize),
		registryCache: cache.New[gpuinstance.RegistryAuth]("registry_auth", ttl, maxSize),
	}
}

// ListProducts returns the Provider's product catalog, cached under the
// region key ("" means "all regions").
func (s *Service) ListProducts(ctx context.Context, region string) ([]gpuinstance.Product, error) {
	key := region
	if key == "" {
		key = "_all"
	}
	if v, ok := s.productsCache.Get(key); ok {
		return v, nil
	}

	path := "/v1/products"
	if region != "" {
		path += "?region=" + region
	}
	var out struct {
		Products []gpuinstance.Product `json:"products"`
	}
	if err := s.client.Do(ctx, client.Request{
		Endpoint: "list_products",
		Method:   http.MethodGet,
		Path:     path,
		Out:      &out,
	}); err != nil {
		return nil, err
	}
	s.productsCache.Set(key, out.Products)
	return out.Products, nil
}

// GetTemplate returns a cached Template by id.
func (s *Service) GetTemplate(ctx context.Context, templateID string) (gpuinstance.Template, error) {
	if v, ok := s.templateCache.Get(templateID); ok {
		return v, nil
	}
	var tpl gpuinstance.Template
	if err := s.client.Do(ctx, client.Request{
		Endpoint: "get_template",
		Method:   http.MethodGet,
		Path:     "/v1/templates/" + templateID,
		Out:      &tpl,
	}); err != nil {
		return gpuinstance.Template{}, err
	}
	s.templateCache.Set(templateID, tpl)
	return tpl, nil
}

// GetRegistryAuth resolves a private-registry credential by id. Any error
// classified NOT_FOUND or PROVIDER_4XX (every 4xx status except 429) is
// reported as RegistryAuthNotFound rather than the generic Provider4xx,
// since callers (CREATE_INSTANCE) treat it specially.
func (s *Service) GetRegistryAuth(ctx context.Context, authID string) (gpuinstance.RegistryAuth, error) {
	if v, ok := s.registryCache.Get(authID); ok {
		return v, nil
	}
	var auth gpuinstance.RegistryAuth
	err := s.client.Do(ctx, client.Request{
		Endpoint: "get_registry_auth",
		Method:   http.MethodGet,
		Path:     "/v1/registry-auth/" + authID,
		Out:      &auth,
	})
	if err != nil {
		if errs.Classify(err) == errs.KindNotFound || errs.Classify(err) == errs.KindProviderClientError {
			nferr := errs.New(errs.KindRegistryAuthNotFound, fmt.Sprintf("registry auth %q not found", authID), err)
			return gpuinstance.RegistryAuth{}, nferr
		}
		return gpuinstance.RegistryAuth{}, err
	}
	s.registryCache.Set(authID, auth)
	return auth, nil
}

// CreateInstanceRequest is the Provider-facing create payload.
type CreateInstanceRequest struct {
	Name        string            `json:"name"`
	ProductID   string            `json:"productId"`
	TemplateID  string            `json:"templateId"`
	GPUNum      int               `json:"gpuNum"`
	RootfsSize  int               `json:"rootfsSize"`
	BillingMode string            `json:"billingMode"`
	Envs        map[string]string `json:"envs,omitempty"`
}

// CreateInstance provisions a new instance on the Provider.
func (s *Service) CreateInstance(ctx context.Context, req CreateInstanceRequest) (gpuinstance.ProviderInstance, error) {
	var out gpuinstance.ProviderInstance
	err := s.client.Do(ctx, client.Request{
		Endpoint: "create_instance",
		Method:   http.MethodPost,
		Path:     "/v1/instances",
		Body:     req,
		Out:      &out,
	})
	return out, err
}

// GetInstance fetches the Provider's current view of one instance.
func (s *Service) GetInstance(ctx context.Context, providerInstanceID string) (gpuinstance.ProviderInstance, error) {
	var out gpuinstance.ProviderInstance
	err := s.client.Do(ctx, client.Request{
		Endpoint: "get_instance",
		Method:   http.MethodGet,
		Path:     "/v1/instances/" + providerInstanceID,
		Out:      &out,
	})
	return out, err
}

// ListInstances fetches the Provider's full list of instances, used by the
// reconciliation pass that merges Provider state into the local store.
func (s *Service) ListInstances(ctx context.Context) ([]gpuinstance.ProviderInstance, error) {
	var out struct {
		Instances []gpuinstance.ProviderInstance `json:"instances"`
	}
	err := s.client.Do(ctx, client.Request{
		Endpoint: "list_instances",
		Method:   http.MethodGet,
		Path:     "/v1/instances",
		Out:      &out,
	})
	return out.Instances, err
}

// StartInstance requests the Provider start a stopped/exited instance.
func (s *Service) StartInstance(ctx context.Context, providerInstanceID string) error {
	return s.client.Do(ctx, client.Request{
		Endpoint: "start_instance",
		Method:   http.MethodPost,
		Path:     "/v1/instances/" + providerInstanceID + "/start",
	})
}

// StopInstance requests the Provider stop a running instance.
func (s *Service) StopInstance(ctx context.Context, providerInstanceID string) error {
	return s.client.Do(ctx, client.Request{
		Endpoint: "stop_instance",
		Method:   http.MethodPost,
		Path:     "/v1/instances/" + providerInstanceID + "/stop",
	})
}

// DeleteInstance requests the Provider permanently terminate an instance.
func (s *Service) DeleteInstance(ctx context.Context, providerInstanceID string) error {
	return s.client.Do(ctx, client.Request{
		Endpoint: "delete_instance",
		Method:   http.MethodDelete,
		Path:     "/v1/instances/" + providerInstanceID,
	})
}

// StartInstanceWithRetry calls StartInstance up to maxAttempts times, on
// top of internal/client's per-request retry. It retries only when
// StartInstance returns a retryable error, waiting attempt seconds before
// the next try; it returns as soon as a start call succeeds and does not
// check whether the instance then boots.
func (s *Service) StartInstanceWithRetry(ctx context.Context, providerInstanceID string, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.StartInstance(ctx, providerInstanceID)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return lastErr
}
