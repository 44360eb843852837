package gpuinstance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstanceStatusValid(t *testing.T) {
	cases := []struct {
		status InstanceStatus
		valid  bool
	}{
		{StatusCreating, true},
		{StatusReady, true},
		{StatusExited, true},
		{InstanceStatus("bogus"), false},
		{InstanceStatus(""), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.valid, tc.status.Valid(), tc.status)
	}
}

func TestInstanceStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusTerminated.IsTerminal())
	assert.False(t, StatusStopped.IsTerminal(), "stopped instances can still restart")
	assert.False(t, StatusExited.IsTerminal(), "exited instances can still be migrated/replaced")
	assert.False(t, StatusReady.IsTerminal())
}

func TestInstanceStateCloneIsIndependentOfSource(t *testing.T) {
	orig := InstanceState{
		ID:           "inst-1",
		PortMappings: []PortMapping{{Port: 8080, Endpoint: "http://x"}},
		Tags:         map[string]string{"env": "prod"},
		HealthCheck: &HealthCheck{
			Status:  HealthHealthy,
			Results: []EndpointResult{{Port: 8080, Status: "healthy"}},
		},
		LastError:         &InstanceError{Code: "E1", Message: "boom"},
		HealthCheckConfig: &HealthCheckConfig{MaxRetries: 3},
	}

	clone := orig.Clone()

	clone.PortMappings[0].Port = 9090
	clone.Tags["env"] = "staging"
	clone.HealthCheck.Results[0].Status = "unhealthy"
	clone.LastError.Message = "changed"
	clone.HealthCheckConfig.MaxRetries = 99

	assert.Equal(t, 8080, orig.PortMappings[0].Port, "mutating the clone's slice must not affect the source")
	assert.Equal(t, "prod", orig.Tags["env"], "mutating the clone's map must not affect the source")
	assert.Equal(t, "healthy", orig.HealthCheck.Results[0].Status)
	assert.Equal(t, "boom", orig.LastError.Message)
	assert.Equal(t, 3, orig.HealthCheckConfig.MaxRetries)
}

func TestInstanceStateCloneHandlesNilOptionalFields(t *testing.T) {
	orig := InstanceState{ID: "inst-2"}
	clone := orig.Clone()

	assert.Nil(t, clone.PortMappings)
	assert.Nil(t, clone.Tags)
	assert.Nil(t, clone.HealthCheck)
	assert.Nil(t, clone.LastError)
	assert.Nil(t, clone.HealthCheckConfig)
}

func TestStartupOperationStatusIsTerminal(t *testing.T) {
	assert.True(t, OpStatusCompleted.IsTerminal())
	assert.True(t, OpStatusFailed.IsTerminal())
	assert.False(t, OpStatusMonitoring.IsTerminal())
	assert.False(t, OpStatusInitiated.IsTerminal())
}
