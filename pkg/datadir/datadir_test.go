package datadir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakestor/storagenode/pkg/types"
)

func TestRegistryInitAllParallelAndReconcile(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	r := NewRegistry()

	require.NoError(t, r.InitAllParallel([]string{a, b}, 1<<30, types.MediumSSD, -1, 1))

	dirs := r.All()
	assert.Len(t, dirs, 2)
	for _, d := range dirs {
		assert.Equal(t, int32(-1), d.ClusterID) // no consensus id anywhere yet
	}
}

func TestRegistryReconcileBackfillsMissingClusterID(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	r := NewRegistry()

	require.NoError(t, r.InitAllParallel([]string{a, b}, 1<<30, types.MediumSSD, 42, 1))

	for _, d := range r.All() {
		assert.Equal(t, int32(42), d.ClusterID)
	}
}

func TestRegistryReconcileFailsOnDisagreement(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	r := NewRegistry()

	da := New(a, 1<<30, types.MediumSSD)
	require.NoError(t, da.Init())
	require.NoError(t, da.WriteClusterID(1))

	db := New(b, 1<<30, types.MediumSSD)
	require.NoError(t, db.Init())
	require.NoError(t, db.WriteClusterID(2))

	r.dirs[a] = da
	r.dirs[b] = db

	err := r.reconcileClusterID(-1)
	assert.Error(t, err)
}

func TestBrokenFractionAndMediumCount(t *testing.T) {
	a, b, c := t.TempDir(), t.TempDir(), t.TempDir()
	r := NewRegistry()
	require.NoError(t, r.InitAllParallel([]string{a, b, c}, 1<<30, types.MediumHDD, -1, 1))

	assert.Equal(t, 0.0, r.BrokenFraction())
	assert.Equal(t, 1, r.AvailableMediumTypeCount())

	dirs := r.All()
	dirs[0].MarkBroken()
	assert.InDelta(t, 1.0/3.0, r.BrokenFraction(), 0.001)
}

func TestParseNoFileSoftLimit(t *testing.T) {
	sample := "Limit                     Soft Limit           Hard Limit           Units\nMax open files            1024                 4096                 files\n"
	limit, err := parseNoFileSoftLimit(sample)
	require.NoError(t, err)
	assert.Equal(t, 1024, limit)
}
