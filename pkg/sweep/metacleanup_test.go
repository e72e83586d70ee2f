package sweep

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakestor/storagenode/pkg/datadir"
	"github.com/lakestor/storagenode/pkg/tablet"
	"github.com/lakestor/storagenode/pkg/types"
)

func newTestMetaStore(t *testing.T) *datadir.MetaStore {
	t.Helper()
	m, err := datadir.OpenMetaStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCleanOrphanRowsetMetasDropsDanglingAndStaleVisible(t *testing.T) {
	meta := newTestMetaStore(t)
	registry := tablet.NewMemoryRegistry(nil)

	tb := tablet.NewTablet(1, 100, 1, 1, 1, false)
	registry.AddTablet(tb)
	registry.AddPartition(tablet.NewPartition(1, 1, []int64{1}))

	live := types.RowsetMeta{ID: types.RowsetId{Counter: 1}, TabletID: 1, TabletUID: 100, State: types.RowsetCommitted}
	staleVisible := types.RowsetMeta{ID: types.RowsetId{Counter: 2}, TabletID: 1, TabletUID: 100, State: types.RowsetVisible, Versions: types.VersionRange{Start: 0, End: 0}}
	wrongUID := types.RowsetMeta{ID: types.RowsetId{Counter: 3}, TabletID: 1, TabletUID: 999, State: types.RowsetCommitted}
	danglingTablet := types.RowsetMeta{ID: types.RowsetId{Counter: 4}, TabletID: 2, TabletUID: 1, State: types.RowsetCommitted}

	for _, rm := range []types.RowsetMeta{live, staleVisible, wrongUID, danglingTablet} {
		data, err := json.Marshal(rm)
		require.NoError(t, err)
		require.NoError(t, meta.Put(datadir.RowsetMetaBucket(), []byte(rm.ID.String()), data))
	}
	require.NoError(t, meta.Put(datadir.RowsetMetaBucket(), []byte("garbage"), []byte("{not json")))

	removed, err := CleanOrphanRowsetMetas(meta, NewRegistryTabletLookup(registry))
	require.NoError(t, err)
	assert.Equal(t, 4, removed) // staleVisible, wrongUID, danglingTablet, garbage

	_, ok, err := meta.Get(datadir.RowsetMetaBucket(), []byte(live.ID.String()))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCleanOrphanBinlogMetasDropsDeadTablets(t *testing.T) {
	meta := newTestMetaStore(t)
	registry := tablet.NewMemoryRegistry(nil)
	registry.AddTablet(tablet.NewTablet(1, 1, 1, 1, 1, false))

	require.NoError(t, meta.Put(datadir.BinlogMetaBucket(), []byte("1_10"), []byte("x")))
	require.NoError(t, meta.Put(datadir.BinlogMetaBucket(), []byte("2_10"), []byte("x")))

	removed, err := CleanOrphanBinlogMetas(meta, NewRegistryTabletLookup(registry))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestCleanBinlogsUpToVersionRemovesOnlyNamedTabletsAtOrBelowVersion(t *testing.T) {
	meta := newTestMetaStore(t)

	require.NoError(t, meta.Put(datadir.BinlogMetaBucket(), []byte("1_5"), []byte("x")))
	require.NoError(t, meta.Put(datadir.BinlogMetaBucket(), []byte("1_10"), []byte("x")))
	require.NoError(t, meta.Put(datadir.BinlogMetaBucket(), []byte("2_5"), []byte("x")))

	removed, err := CleanBinlogsUpToVersion(meta, map[int64]int64{1: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := meta.Get(datadir.BinlogMetaBucket(), []byte("1_5"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = meta.Get(datadir.BinlogMetaBucket(), []byte("1_10"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = meta.Get(datadir.BinlogMetaBucket(), []byte("2_5"))
	require.NoError(t, err)
	assert.True(t, ok) // tablet 2 wasn't named in the request, left untouched
}

func TestCleanOrphanDeleteBitmapsCallsRemoveOncePerTablet(t *testing.T) {
	meta := newTestMetaStore(t)
	registry := tablet.NewMemoryRegistry(nil)

	require.NoError(t, meta.Put(datadir.DeleteBitmapBucket(), []byte("5_1"), []byte("x")))
	require.NoError(t, meta.Put(datadir.DeleteBitmapBucket(), []byte("5_2"), []byte("x")))

	calls := 0
	removed, err := CleanOrphanDeleteBitmaps(meta, NewRegistryTabletLookup(registry), func(tabletID int64) error {
		calls++
		assert.Equal(t, int64(5), tabletID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, calls) // one call per tablet id, not per version (§9)
}

func TestCleanOrphanPendingPublishInfoDropsDeadTablets(t *testing.T) {
	meta := newTestMetaStore(t)
	registry := tablet.NewMemoryRegistry(nil)
	registry.AddTablet(tablet.NewTablet(1, 1, 1, 1, 1, false))

	require.NoError(t, meta.Put(datadir.PendingPublishBucket(), []byte("1_7"), []byte("x")))
	require.NoError(t, meta.Put(datadir.PendingPublishBucket(), []byte("9_7"), []byte("x")))

	removed, err := CleanOrphanPendingPublishInfo(meta, NewRegistryTabletLookup(registry))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
