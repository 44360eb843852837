package instance

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

// BeginStartupOperation records a new in-flight start attempt for
// instanceID. It fails with StartupConflict if a non-terminal operation
// for the same instance already exists.
func (s *Store) BeginStartupOperation(instanceID string) (gpuinstance.StartupOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opID, ok := s.byInstance[instanceID]; ok {
		if existing, ok := s.startups[opID]; ok && !existing.Status.IsTerminal() {
			return gpuinstance.StartupOperation{}, errs.New(errs.KindStartupConflict,
				fmt.Sprintf("startup already in progress for instance %q", instanceID), nil)
		}
	}

	now := s.now()
	op := gpuinstance.StartupOperation{
		OperationID: uuid.NewString(),
		InstanceID:  instanceID,
		Status:      gpuinstance.OpStatusInitiated,
		Phase:       gpuinstance.PhaseStartRequested,
		StartedAt:   now,
		PhaseTimestamps: map[gpuinstance.StartupOperationPhase]time.Time{
			gpuinstance.PhaseStartRequested: now,
		},
	}
	s.startups[op.OperationID] = &op
	s.byInstance[instanceID] = op.OperationID
	return op, nil
}

// GetStartupOperation returns a copy of operation id.
func (s *Store) GetStartupOperation(operationID string) (gpuinstance.StartupOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.startups[operationID]
	if !ok {
		return gpuinstance.StartupOperation{}, errs.New(errs.KindNotFound, fmt.Sprintf("startup operation %q not found", operationID), nil)
	}
	return cloneOp(op), nil
}

// ActiveStartupOperation returns the current non-terminal operation for an
// instance, if any.
func (s *Store) ActiveStartupOperation(instanceID string) (gpuinstance.StartupOperation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opID, ok := s.byInstance[instanceID]
	if !ok {
		return gpuinstance.StartupOperation{}, false
	}
	op, ok := s.startups[opID]
	if !ok || op.Status.IsTerminal() {
		return gpuinstance.StartupOperation{}, false
	}
	return cloneOp(op), true
}

// AdvanceStartupOperation moves operation id into a new phase/status.
func (s *Store) AdvanceStartupOperation(operationID string, status gpuinstance.StartupOperationStatus, phase gpuinstance.StartupOperationPhase, providerInstanceID string) (gpuinstance.StartupOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.startups[operationID]
	if !ok {
		return gpuinstance.StartupOperation{}, errs.New(errs.KindNotFound, fmt.Sprintf("startup operation %q not found", operationID), nil)
	}
	if op.Status.IsTerminal() {
		return gpuinstance.StartupOperation{}, errs.New(errs.KindValidation, "cannot advance a terminal startup operation", nil)
	}
	op.Status = status
	op.Phase = phase
	if providerInstanceID != "" {
		op.ProviderInstanceID = providerInstanceID
	}
	if op.PhaseTimestamps == nil {
		op.PhaseTimestamps = make(map[gpuinstance.StartupOperationPhase]time.Time)
	}
	op.PhaseTimestamps[phase] = s.now()
	return cloneOp(op), nil
}

// CompleteStartupOperation marks operation id completed (or failed, with
// cause) and releases the instance's active-operation slot so a future
// start attempt may begin.
func (s *Store) CompleteStartupOperation(operationID string, cause *gpuinstance.InstanceError) (gpuinstance.StartupOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.startups[operationID]
	if !ok {
		return gpuinstance.StartupOperation{}, errs.New(errs.KindNotFound, fmt.Sprintf("startup operation %q not found", operationID), nil)
	}
	now := s.now()
	if cause != nil {
		op.Status = gpuinstance.OpStatusFailed
		op.Phase = gpuinstance.PhaseFailed
		op.Error = cause
	} else {
		op.Status = gpuinstance.OpStatusCompleted
		op.Phase = gpuinstance.PhaseCompleted
	}
	if op.PhaseTimestamps == nil {
		op.PhaseTimestamps = make(map[gpuinstance.StartupOperationPhase]time.Time)
	}
	op.PhaseTimestamps[op.Phase] = now
	return cloneOp(op), nil
}

func cloneOp(op *gpuinstance.StartupOperation) gpuinstance.StartupOperation {
	out := *op
	if op.PhaseTimestamps != nil {
		out.PhaseTimestamps = make(map[gpuinstance.StartupOperationPhase]time.Time, len(op.PhaseTimestamps))
		for k, v := range op.PhaseTimestamps {
			out.PhaseTimestamps[k] = v
		}
	}
	if op.Error != nil {
		e := *op.Error
		out.Error = &e
	}
	return out
}
