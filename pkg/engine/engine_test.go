package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakestor/storagenode/pkg/config"
	"github.com/lakestor/storagenode/pkg/datadir"
	"github.com/lakestor/storagenode/pkg/types"
)

func newTestController(t *testing.T, n int) *StorageEngineController {
	t.Helper()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = t.TempDir()
	}

	cfg := config.Default()
	cfg.MinFileDescriptorNumber = 1
	cfg.PartitionDiskIndexLRUSize = 100

	e, err := New(cfg, Options{
		Paths:               paths,
		Capacity:            1 << 30,
		Medium:              types.MediumSSD,
		ConfiguredClusterID: 1,
		Quorum:              func(int64) int { return 1 },
	})
	require.NoError(t, err)
	return e
}

func TestCreateTabletPicksAStoreAndRegistersTheTablet(t *testing.T) {
	e := newTestController(t, 2)

	tb, path, err := e.CreateTablet(CreateTabletRequest{
		TableID:     1,
		PartitionID: 100,
		TabletID:    9,
		TabletUID:   900,
		IndexID:     1,
		Medium:      types.MediumSSD,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	got, ok := e.Tablets.GetTablet(9)
	require.True(t, ok)
	assert.Same(t, tb, got)
}

func TestObtainShardPathRoundRobinsWithinCapacity(t *testing.T) {
	e := newTestController(t, 1)
	root := e.Registry.All()[0].Root

	first, err := e.ObtainShardPath(root, 4)
	require.NoError(t, err)
	second, err := e.ObtainShardPath(root, 4)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestSaveAndLoadHeaderRoundTrips(t *testing.T) {
	e := newTestController(t, 1)
	root := e.Registry.All()[0].Root

	require.NoError(t, e.SaveHeader(root, TabletHeader{TabletID: 5, TabletUID: 50, SchemaHash: 123}))

	hdr, err := e.LoadHeader(root, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(50), hdr.TabletUID)
	assert.Equal(t, int64(123), hdr.SchemaHash)
}

func TestLoadHeaderMissingReturnsError(t *testing.T) {
	e := newTestController(t, 1)
	root := e.Registry.All()[0].Root

	_, err := e.LoadHeader(root, 404)
	assert.Error(t, err)
}

func TestGetAllDataDirInfoReportsEveryDisk(t *testing.T) {
	e := newTestController(t, 3)
	info := e.GetAllDataDirInfo()
	assert.Len(t, info, 3)
	for _, d := range info {
		assert.Equal(t, types.MediumSSD, d.Medium)
		assert.Equal(t, types.DiskUsed, d.Health)
	}
}

func TestGetCompactionStatusJSONReflectsConfig(t *testing.T) {
	e := newTestController(t, 1)
	raw, err := e.GetCompactionStatusJSON()
	require.NoError(t, err)
	assert.Contains(t, raw, `"data_dir_count":1`)
}

func TestClearTransactionTaskReleasesPendingRowsets(t *testing.T) {
	e := newTestController(t, 1)
	e.Pending.Add(7, types.RowsetMeta{ID: types.RowsetId{BackendUID: 1, Counter: 1}, TabletID: 9})

	released := e.ClearTransactionTask(7)
	assert.Len(t, released, 1)
	assert.Empty(t, e.Pending.RowsetsOf(7))
}

func TestRunMetaCleanupRemovesOrphanRowsetMeta(t *testing.T) {
	e := newTestController(t, 1)
	dir := e.Registry.All()[0]

	raw, err := json.Marshal(types.RowsetMeta{
		ID:       types.RowsetId{BackendUID: 1, Counter: 1},
		TabletID: 999, // no such tablet registered
		State:    types.RowsetCommitted,
	})
	require.NoError(t, err)
	require.NoError(t, dir.MetaStore().Put(datadir.RowsetMetaBucket(), []byte("1-1"), raw))

	removed, err := e.RunMetaCleanup(dir.Root)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 1)
}

func TestGCBinlogsHonorsPerTabletVersionMap(t *testing.T) {
	e := newTestController(t, 1)
	dir := e.Registry.All()[0]

	// Tablet 1 must be live, or the orphan sweep GCBinlogs also runs would
	// drop its newer binlog entry too.
	_, _, err := e.CreateTablet(CreateTabletRequest{TableID: 1, PartitionID: 1, TabletID: 1, TabletUID: 1, IndexID: 1, Medium: types.MediumSSD})
	require.NoError(t, err)

	require.NoError(t, dir.MetaStore().Put(datadir.BinlogMetaBucket(), []byte("1_5"), []byte("x")))
	require.NoError(t, dir.MetaStore().Put(datadir.BinlogMetaBucket(), []byte("1_10"), []byte("x")))

	removed, err := e.GCBinlogs(dir.Root, map[int64]int64{1: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := dir.MetaStore().Get(datadir.BinlogMetaBucket(), []byte("1_10"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartStopDoesNotPanic(t *testing.T) {
	e := newTestController(t, 1)
	e.Start()
	e.Stop()
}
