package diskmonitor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakestor/storagenode/pkg/datadir"
	"github.com/lakestor/storagenode/pkg/types"
)

func newInitializedRegistry(t *testing.T, n int) *datadir.Registry {
	t.Helper()
	registry := datadir.NewRegistry()
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		paths[i] = t.TempDir()
	}
	require.NoError(t, registry.InitAllParallel(paths, 1<<30, types.MediumSSD, -1, 0))
	return registry
}

func TestRunOnceHealthChecksEveryDirAndUpdatesCensus(t *testing.T) {
	registry := newInitializedRegistry(t, 3)

	exited := false
	m := New(time.Second, 50, registry, func(code int) { exited = true })
	m.RunOnce()

	assert.False(t, exited)
	assert.Equal(t, 1, registry.AvailableMediumTypeCount())
	for _, d := range registry.All() {
		assert.Equal(t, types.DiskUsed, d.Health())
	}
}

func TestRunOnceExitsWhenBrokenFractionExceedsThreshold(t *testing.T) {
	registry := newInitializedRegistry(t, 4)
	dirs := registry.All()
	// Simulate disk loss: the probe in HealthCheck will fail to write
	// against a removed root, surfacing as BROKEN on the next cycle.
	require.NoError(t, os.RemoveAll(dirs[0].Root))
	require.NoError(t, os.RemoveAll(dirs[1].Root))
	require.NoError(t, os.RemoveAll(dirs[2].Root)) // 3/4 = 75% broken

	exitCode := -1
	m := New(time.Second, 50, registry, func(code int) { exitCode = code })
	m.RunOnce()

	assert.Equal(t, 0, exitCode)
}

func TestRunOnceDoesNotExitBelowThreshold(t *testing.T) {
	registry := newInitializedRegistry(t, 4)
	dirs := registry.All()
	require.NoError(t, os.RemoveAll(dirs[0].Root)) // 1/4 = 25% broken

	exited := false
	m := New(time.Second, 50, registry, func(code int) { exited = true })
	m.RunOnce()

	assert.False(t, exited)
}

func TestStartStopDoesNotPanic(t *testing.T) {
	registry := newInitializedRegistry(t, 1)
	m := New(5*time.Millisecond, 50, registry, func(code int) {})
	m.Start()
	time.Sleep(20 * time.Millisecond)
	m.Stop()
}
