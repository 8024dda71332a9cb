package updater

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamancini/airdb/internal/state"
)

func TestProgressRecorder_Throttles(t *testing.T) {
	m := state.NewMachine(state.NewStore(filepath.Join(t.TempDir(), "update-state.json"), "1.0.0"))
	_, err := m.StartChecking()
	require.NoError(t, err)
	_, err = m.StartDownloading()
	require.NoError(t, err)

	const total = 200 << 20
	calls := 0
	p := newProgressRecorder(m, func(downloaded, total uint64) { calls++ })

	persisted := func() uint64 {
		st, err := m.State()
		require.NoError(t, err)
		return st.UpdateStatus.BytesDownloaded
	}

	p.record(0, total)
	p.record(512<<10, total)
	assert.Equal(t, uint64(0), persisted(), "half a MiB under one percent is not persisted")

	p.record(1<<20, total)
	assert.Equal(t, uint64(1<<20), persisted())

	p.record(1<<20+10, total)
	assert.Equal(t, uint64(1<<20), persisted())
	p.flush()
	assert.Equal(t, uint64(1<<20+10), persisted(), "flush persists the tail")
	assert.Equal(t, 4, calls, "every chunk reaches the callback")
}

func TestProgressRecorder_PercentStep(t *testing.T) {
	m := state.NewMachine(state.NewStore(filepath.Join(t.TempDir(), "update-state.json"), "1.0.0"))
	_, err := m.StartChecking()
	require.NoError(t, err)
	_, err = m.StartDownloading()
	require.NoError(t, err)

	p := newProgressRecorder(m, nil)
	p.record(0, 1000)
	p.record(10, 1000)

	st, err := m.State()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), st.UpdateStatus.BytesDownloaded)
	assert.InDelta(t, 1.0, st.UpdateStatus.Progress, 0.001)
}
