package instance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/gpuorch/internal/errs"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

func newTestStore() *Store {
	s := New()
	s.now = func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestStoreCreateAssignsIDAndDefaultStatus(t *testing.T) {
	s := newTestStore()
	created, err := s.Create(gpuinstance.InstanceState{Name: "box-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, gpuinstance.StatusCreating, created.Status)
	assert.False(t, created.Timestamps.CreatedAt.IsZero())
}

func TestStoreCreateRejectsDuplicateID(t *testing.T) {
	s := newTestStore()
	created, err := s.Create(gpuinstance.InstanceState{ID: "fixed-id"})
	require.NoError(t, err)

	_, err = s.Create(gpuinstance.InstanceState{ID: created.ID})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.Classify(err))
}

func TestStoreGetNotFound(t *testing.T) {
	s := newTestStore()
	_, err := s.Get("missing")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.Classify(err))
}

func TestStoreListOrdersByCreatedAtDescending(t *testing.T) {
	s := New()
	times := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	i := 0
	s.now = func() time.Time {
		ts := times[i]
		i++
		return ts
	}
	first, _ := s.Create(gpuinstance.InstanceState{Name: "first"})
	second, _ := s.Create(gpuinstance.InstanceState{Name: "second"})
	third, _ := s.Create(gpuinstance.InstanceState{Name: "third"})

	got := s.List()
	require.Len(t, got, 3)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, third.ID, got[1].ID)
	assert.Equal(t, first.ID, got[2].ID)
}

func TestStoreUpdateStatusEnforcesTransitionGraph(t *testing.T) {
	s := newTestStore()
	created, err := s.Create(gpuinstance.InstanceState{Status: gpuinstance.StatusCreated})
	require.NoError(t, err)

	_, err = s.UpdateStatus(created.ID, gpuinstance.StatusRunning, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.Classify(err))

	updated, err := s.UpdateStatus(created.ID, gpuinstance.StatusStarting, nil)
	require.NoError(t, err)
	assert.Equal(t, gpuinstance.StatusStarting, updated.Status)
}

func TestStoreUpdateStatusStampsMilestones(t *testing.T) {
	s := newTestStore()
	created, err := s.Create(gpuinstance.InstanceState{Status: gpuinstance.StatusStarting})
	require.NoError(t, err)

	running, err := s.UpdateStatus(created.ID, gpuinstance.StatusRunning, nil)
	require.NoError(t, err)
	require.NotNil(t, running.Timestamps.StartedAt)

	ready, err := s.UpdateStatus(running.ID, gpuinstance.StatusHealthChecking, nil)
	require.NoError(t, err)
	ready, err = s.UpdateStatus(ready.ID, gpuinstance.StatusReady, nil)
	require.NoError(t, err)
	assert.NotNil(t, ready.Timestamps.ReadyAt)
}

func TestStoreMutateAppliesFnAndPersistsOnlyWhenChanged(t *testing.T) {
	s := newTestStore()
	created, err := s.Create(gpuinstance.InstanceState{Name: "box"})
	require.NoError(t, err)

	_, err = s.Mutate(created.ID, func(st *gpuinstance.InstanceState) (bool, error) {
		st.Name = "renamed"
		return false, nil
	})
	require.NoError(t, err)
	got, _ := s.Get(created.ID)
	assert.Equal(t, "box", got.Name, "fn returned changed=false, mutation must not persist")

	_, err = s.Mutate(created.ID, func(st *gpuinstance.InstanceState) (bool, error) {
		st.Name = "renamed"
		return true, nil
	})
	require.NoError(t, err)
	got, _ = s.Get(created.ID)
	assert.Equal(t, "renamed", got.Name)
}

func TestStoreSyncFromProviderIgnoresIllegalStatusTransition(t *testing.T) {
	s := newTestStore()
	created, err := s.Create(gpuinstance.InstanceState{Status: gpuinstance.StatusFailed})
	require.NoError(t, err)

	got, err := s.SyncFromProvider(created.ID, gpuinstance.ProviderInstance{Status: "RUNNING"})
	require.NoError(t, err)
	assert.Equal(t, gpuinstance.StatusFailed, got.Status, "FAILED is terminal, sync must not override it")
}

func TestStoreSyncFromProviderMergesProviderOwnedFields(t *testing.T) {
	s := newTestStore()
	created, err := s.Create(gpuinstance.InstanceState{Status: gpuinstance.StatusRunning})
	require.NoError(t, err)

	got, err := s.SyncFromProvider(created.ID, gpuinstance.ProviderInstance{
		Status:          "EXITED",
		SpotStatus:      "reclaimed",
		SpotReclaimTime: 1234,
		PortMappings:    []gpuinstance.PortMapping{{Port: 8080, Type: gpuinstance.PortHTTP}},
	})
	require.NoError(t, err)
	assert.Equal(t, gpuinstance.StatusExited, got.Status)
	assert.Equal(t, "reclaimed", got.SpotStatus)
	assert.EqualValues(t, 1234, got.SpotReclaimTime)
	require.Len(t, got.PortMappings, 1)
	assert.NotNil(t, got.Timestamps.LastSyncedAt)
}

func TestStoreRemoveDropsInstanceAndActiveStartup(t *testing.T) {
	s := newTestStore()
	created, err := s.Create(gpuinstance.InstanceState{})
	require.NoError(t, err)
	_, err = s.BeginStartupOperation(created.ID)
	require.NoError(t, err)

	s.Remove(created.ID)
	_, err = s.Get(created.ID)
	assert.Error(t, err)
	_, ok := s.ActiveStartupOperation(created.ID)
	assert.False(t, ok)
}
