package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/internal/workflow"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "malformed request body", err))
		return
	}
	if req.Name == "" || req.ProductName == "" || req.TemplateID == "" {
		writeError(w, errs.New(errs.KindValidation, "name, productName, and templateId are required", nil))
		return
	}
	billing := gpuinstance.BillingMode(req.BillingMode)
	if billing == "" {
		billing = gpuinstance.BillingOnDemand
	}

	created, err := s.store.Create(gpuinstance.InstanceState{
		Name:           req.Name,
		ProductName:    req.ProductName,
		TemplateID:     req.TemplateID,
		Region:         req.Region,
		GPUNum:         req.GPUNum,
		RootfsSize:     req.RootfsSize,
		BillingMode:    billing,
		WebhookURL:     req.WebhookURL,
		IdempotencyKey: req.IdempotencyKey,
		Tags:           req.Tags,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.jobs.Enqueue(gpuinstance.JobCreateInstance, workflow.CreateInstanceParams{
		InstanceID:         created.ID,
		ProductName:        req.ProductName,
		TemplateID:         req.TemplateID,
		PreferredRegion:    req.Region,
		RegionPriorityList: req.RegionPriorityList,
		GPUNum:             req.GPUNum,
		RootfsSize:         req.RootfsSize,
		BillingMode:        billing,
		Envs:               req.Envs,
		WebhookURL:         req.WebhookURL,
	}, gpuinstance.PriorityNormal, 0, "create_instance")

	writeJSON(w, http.StatusAccepted, InstanceResponse{InstanceState: created})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InstanceResponse{InstanceState: st})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	all := s.store.List()
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := all[offset:end]

	writeJSON(w, http.StatusOK, ListInstancesResponse{
		Instances: page,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		writeError(w, err)
		return
	}
	jobID := s.jobs.Enqueue(gpuinstance.JobStartInstance, workflow.StartInstanceParams{InstanceID: id}, gpuinstance.PriorityHigh, 3, "start_instance")
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.UpdateStatus(id, gpuinstance.StatusStopping, nil); err != nil {
		writeError(w, err)
		return
	}
	if err := s.provider.StopInstance(r.Context(), st.ProviderInstanceID); err != nil {
		writeError(w, err)
		return
	}
	final, err := s.store.UpdateStatus(id, gpuinstance.StatusStopped, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InstanceResponse{InstanceState: final})
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if st.ProviderInstanceID != "" {
		if err := s.provider.DeleteInstance(r.Context(), st.ProviderInstanceID); err != nil {
			writeError(w, err)
			return
		}
	}
	if _, err := s.store.UpdateStatus(id, gpuinstance.StatusTerminated, nil); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMigrationTrigger(w http.ResponseWriter, r *http.Request) {
	var req MigrationTriggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errs.New(errs.KindValidation, "malformed request body", err))
			return
		}
	}
	if req.DryRun != nil {
		s.migration.SetDryRun(*req.DryRun)
	}
	exec, err := s.migration.RunOnce(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleMigrationHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"executions": s.migration.History()})
}

func (s *Server) handleMigrationDryRun(w http.ResponseWriter, r *http.Request) {
	var req MigrationTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "malformed request body", err))
		return
	}
	if req.DryRun == nil {
		writeError(w, errs.New(errs.KindValidation, "dryRun is required", nil))
		return
	}
	s.migration.SetDryRun(*req.DryRun)
	writeJSON(w, http.StatusOK, map[string]bool{"dryRun": *req.DryRun})
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
