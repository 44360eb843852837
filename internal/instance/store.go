// Package instance is the authoritative, in-memory store for managed GPU
// instances and their in-flight startup operations. Per the system's
// non-goals this store is not durable and does not coordinate across
// processes; its job is to enforce the instance status transition graph and
// to serialize concurrent mutation of a given instance, the same
// single-mutex-per-store shape the teacher's in-memory lease tracker uses
// before anything touches its SQLite layer.
package instance

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// Store holds every InstanceState and StartupOperation known to this
// process.
type Store struct {
	mu sync.Mutex

	instances map[string]*gpuinstance.InstanceState
	startups  map[string]*gpuinstance.StartupOperation // keyed by operationId
	byInstance map[string]string                       // instanceId -> most recent operationId (terminal once completed)

	now func() time.Time
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		instances:  make(map[string]*gpuinstance.InstanceState),
		startups:   make(map[string]*gpuinstance.StartupOperation),
		byInstance: make(map[string]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a brand-new instance, in CREATING status unless st
// already carries a status.
func (s *Store) Create(st gpuinstance.InstanceState) (gpuinstance.InstanceState, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = gpuinstance.StatusCreating
	}
	st.Timestamps.CreatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[st.ID]; exists {
		return gpuinstance.InstanceState{}, errs.New(errs.KindValidation, fmt.Sprintf("instance %q already exists", st.ID), nil)
	}
	clone := st.Clone()
	s.instances[st.ID] = &clone
	return clone.Clone(), nil
}

// Get returns a deep copy of instance id.
func (s *Store) Get(id string) (gpuinstance.InstanceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[id]
	if !ok {
		return gpuinstance.InstanceState{}, errs.New(errs.KindNotFound, fmt.Sprintf("instance %q not found", id), nil)
	}
	return st.Clone(), nil
}

// List returns a deep copy of every known instance, ordered by CreatedAt
// descending (most recently created first), matching the REST surface's
// default listing order.
func (s *Store) List() []gpuinstance.InstanceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gpuinstance.InstanceState, 0, len(s.instances))
	for _, st := range s.instances {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamps.CreatedAt.After(out[j].Timestamps.CreatedAt)
	})
	return out
}

// Remove deletes an instance record entirely (used after a confirmed
// Provider-side delete).
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	if opID, ok := s.byInstance[id]; ok {
		delete(s.startups, opID)
		delete(s.byInstance, id)
	}
}

// Mutate applies fn to a locked copy of instance id, persists the result
// if fn returns true, and returns the (possibly unchanged) state. fn must
// not retain st beyond the call.
func (s *Store) Mutate(id string, fn func(st *gpuinstance.InstanceState) (bool, error)) (gpuinstance.InstanceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.instances[id]
	if !ok {
		return gpuinstance.InstanceState{}, errs.New(errs.KindNotFound, fmt.Sprintf("instance %q not found", id), nil)
	}
	working := st.Clone()
	changed, err := fn(&working)
	if err != nil {
		return gpuinstance.InstanceState{}, err
	}
	if changed {
		s.instances[id] = &working
	}
	return working.Clone(), nil
}

// UpdateStatus transitions instance id to status, enforcing the allowed
// transition graph. A no-op transition (status unchanged) always succeeds.
func (s *Store) UpdateStatus(id string, status gpuinstance.InstanceStatus, mutate func(st *gpuinstance.InstanceState)) (gpuinstance.InstanceState, error) {
	return s.Mutate(id, func(st *gpuinstance.InstanceState) (bool, error) {
		if !canTransition(st.Status, status) {
			return false, errs.New(errs.KindValidation,
				fmt.Sprintf("illegal instance transition %s -> %s", st.Status, status), nil)
		}
		prev := st.Status
		st.Status = status
		now := s.now()
		switch status {
		case gpuinstance.StatusRunning:
			if st.Timestamps.StartedAt == nil {
				st.Timestamps.StartedAt = &now
			}
		case gpuinstance.StatusReady:
			st.Timestamps.ReadyAt = &now
		case gpuinstance.StatusStopped:
			st.Timestamps.StoppedAt = &now
		case gpuinstance.StatusTerminated:
			st.Timestamps.TerminatedAt = &now
		}
		if mutate != nil {
			mutate(st)
		}
		return prev != status || mutate != nil, nil
	})
}

// SyncFromProvider merges a Provider-reported view into the local record.
// The Provider owns status, portMappings, and spot fields; the local store
// owns readyAt, healthCheck, and webhookUrl. A transient fetch error from
// the caller must never be allowed to demote a READY instance — that
// decision is made by the caller not calling SyncFromProvider at all on
// error, so this method assumes pv reflects a successful fetch.
//
// Decision (open question in the source design): adoption is by id match
// only. A Provider status this store has never heard of is ignored rather
// than rejected, so forward-compatible Provider states don't break sync.
func (s *Store) SyncFromProvider(id string, pv gpuinstance.ProviderInstance) (gpuinstance.InstanceState, error) {
	return s.Mutate(id, func(st *gpuinstance.InstanceState) (bool, error) {
		newStatus := gpuinstance.InstanceStatus(pv.Status)
		if newStatus.Valid() && newStatus != st.Status {
			if !canTransition(st.Status, newStatus) {
				// Ignore an incompatible Provider-reported status rather than
				// erroring the whole sync pass for one instance.
				return false, nil
			}
			st.Status = newStatus
		}
		if pv.PortMappings != nil {
			st.PortMappings = pv.PortMappings
		}
		if pv.SpotStatus != "" {
			st.SpotStatus = pv.SpotStatus
		}
		st.SpotReclaimTime = pv.SpotReclaimTime

		now := s.now()
		st.Timestamps.LastSyncedAt = &now
		return true, nil
	})
}
