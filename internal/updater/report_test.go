package updater

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/adamancini/airdb/internal/lock"
	"github.com/adamancini/airdb/internal/state"
	"github.com/adamancini/airdb/internal/types"
)

func testReport() Report {
	st := state.Default("1.0.0")
	st.PendingVersion = "1.1.0"
	st.UpdateStatus = state.Status{Kind: types.StatusReadyToSwitch}
	return Report{
		State:             st,
		InstalledVersions: []string{"1.0.0", "1.1.0"},
		ActiveLocks: []lock.Info{{
			LockType:    types.LockServe,
			PID:         42,
			StartedAt:   time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
			Description: "API server running",
		}},
	}
}

func TestReport_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(testReport())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "1.0.0", got["current_version"])
	assert.Equal(t, "1.1.0", got["pending_version"])
	assert.Equal(t, map[string]any{"status": "ready_to_switch"}, got["update_status"])
	assert.Equal(t, []any{"1.0.0", "1.1.0"}, got["installed_versions"])

	locks, ok := got["active_locks"].([]any)
	require.True(t, ok)
	require.Len(t, locks, 1)
	assert.Equal(t, "serve", locks[0].(map[string]any)["lock_type"])
}

func TestReport_MarshalJSON_Empty(t *testing.T) {
	data, err := json.Marshal(Report{State: state.Default("1.0.0")})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, []any{}, got["installed_versions"])
	assert.Nil(t, got["pending_version"])
	assert.NotContains(t, got, "active_locks")
}

func TestReport_MarshalJSON_NoState(t *testing.T) {
	_, err := json.Marshal(Report{})
	assert.Error(t, err)
}

func TestReport_MarshalYAML(t *testing.T) {
	data, err := yaml.Marshal(testReport())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, "1.0.0", got["current_version"])
	assert.Equal(t, "stable", got["channel"])
	assert.Equal(t, map[string]any{"status": "ready_to_switch"}, got["update_status"])
	assert.Equal(t, []any{"1.0.0", "1.1.0"}, got["installed_versions"])
	assert.Len(t, got["active_locks"], 1)
}
