package engine

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lakestor/storagenode/pkg/datadir"
	"github.com/lakestor/storagenode/pkg/engineerr"
	"github.com/lakestor/storagenode/pkg/placement"
	"github.com/lakestor/storagenode/pkg/sweep"
	"github.com/lakestor/storagenode/pkg/tablet"
	"github.com/lakestor/storagenode/pkg/types"
)

// CreateTabletRequest is the input to CreateTablet (§4.2, spec §6
// create_tablet).
type CreateTabletRequest struct {
	TableID      int64
	PartitionID  int64
	TabletID     int64
	TabletUID    int64
	IndexID      int64
	MergeOnWrite bool
	Medium       types.StorageMedium
}

// CreateTablet implements spec §6's create_tablet: pick a target DataDir
// via stores_for_create_tablet (§4.2), register the tablet in the
// collaborator registry, and return the chosen root path alongside the
// new tablet.
func (e *StorageEngineController) CreateTablet(req CreateTabletRequest) (*tablet.Tablet, string, error) {
	dirs := e.Registry.All()
	candidates := make([]placement.CandidateStore, 0, len(dirs))
	for _, d := range dirs {
		candidates = append(candidates, placement.CandidateStore{
			ID:         storeID(d.Root),
			Path:       d.Root,
			Medium:     d.Medium,
			Health:     d.Health(),
			UsageRatio: d.UsageRatio(),
		})
	}

	chosen, err := e.Placer.StoresForCreateTablet(candidates, req.PartitionID, req.Medium)
	if err != nil {
		return nil, "", err
	}

	t := tablet.NewTablet(req.TabletID, req.TabletUID, req.TableID, req.PartitionID, req.IndexID, req.MergeOnWrite)
	e.Tablets.AddTablet(t)

	return t, chosen.Path, nil
}

// ObtainShardPath implements spec §6's obtain_shard_path: round-robin a
// new tablet replica's shard directory within one DataDir (§3 NextShard).
func (e *StorageEngineController) ObtainShardPath(rootPath string, shardCount int64) (string, error) {
	dir, ok := e.Registry.Get(rootPath)
	if !ok {
		return "", engineerr.New(engineerr.InvalidRootPath, "ObtainShardPath", "unknown data dir %q", rootPath)
	}
	shard := dir.NextShard(shardCount)
	return filepath.Join(rootPath, fmt.Sprintf("%d", shard)), nil
}

// TabletHeader is the opaque per-tablet header record persisted in the
// tablet-meta bucket. The real on-disk header encoding is out of scope
// (spec §1); this carries just enough to exercise load_header's
// round-trip against the meta store.
type TabletHeader struct {
	TabletID   int64
	TabletUID  int64
	SchemaHash int64
}

func tabletHeaderKey(tabletID int64) []byte {
	return []byte(fmt.Sprintf("%d", tabletID))
}

// LoadHeader implements spec §6's load_header: read a tablet's header
// record from the given DataDir's meta store.
func (e *StorageEngineController) LoadHeader(rootPath string, tabletID int64) (*TabletHeader, error) {
	dir, ok := e.Registry.Get(rootPath)
	if !ok {
		return nil, engineerr.New(engineerr.InvalidRootPath, "LoadHeader", "unknown data dir %q", rootPath)
	}

	raw, ok, err := dir.MetaStore().Get(datadir.TabletMetaBucket(), tabletHeaderKey(tabletID))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.IO, "LoadHeader", err)
	}
	if !ok {
		return nil, engineerr.New(engineerr.MetaNotFound, "LoadHeader", "no header for tablet %d on %q", tabletID, rootPath)
	}

	var hdr TabletHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, engineerr.Wrap(engineerr.Corruption, "LoadHeader", err)
	}
	return &hdr, nil
}

// SaveHeader persists a tablet's header record, the write side of
// load_header's round trip.
func (e *StorageEngineController) SaveHeader(rootPath string, hdr TabletHeader) error {
	dir, ok := e.Registry.Get(rootPath)
	if !ok {
		return engineerr.New(engineerr.InvalidRootPath, "SaveHeader", "unknown data dir %q", rootPath)
	}
	raw, err := json.Marshal(hdr)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "SaveHeader", err)
	}
	return dir.MetaStore().Put(datadir.TabletMetaBucket(), tabletHeaderKey(hdr.TabletID), raw)
}

// ClearTransactionTask implements spec §6's clear_transaction_task:
// release whatever a transaction staged in the pending rowset set,
// regardless of whether it reached commit or was aborted (§4.3).
func (e *StorageEngineController) ClearTransactionTask(txnID int64) []types.RowsetMeta {
	return e.Pending.Release(txnID)
}

// StartTrashSweep implements spec §6's start_trash_sweep: trigger an
// immediate sweep of one DataDir's trash/snapshot directories (§4.5). It
// builds a fresh TrashSweeper whose try-lock no other sweep holds, so the
// manual sweep always runs; it is not serialized against the periodic
// daemon's sweep of the same path, and the returned clean-again flag is
// always false.
func (e *StorageEngineController) StartTrashSweep(rootPath string) (bool, error) {
	dir, ok := e.Registry.Get(rootPath)
	if !ok {
		return false, engineerr.New(engineerr.InvalidRootPath, "StartTrashSweep", "unknown data dir %q", rootPath)
	}
	sweeper := sweep.NewTrashSweeper(rootPath, e.cfg)
	return sweeper.Sweep(time.Now(), dir.UsageRatio(), true)
}

// DataDirInfo is one entry of GetAllDataDirInfo's response.
type DataDirInfo struct {
	Path       string              `json:"path"`
	Medium     types.StorageMedium `json:"medium"`
	Health     types.DiskHealth    `json:"health"`
	UsageRatio float64             `json:"usage_ratio"`
}

// GetAllDataDirInfo implements spec §6's get_all_data_dir_info.
func (e *StorageEngineController) GetAllDataDirInfo() []DataDirInfo {
	dirs := e.Registry.All()
	out := make([]DataDirInfo, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, DataDirInfo{
			Path:       d.Root,
			Medium:     d.Medium,
			Health:     d.Health(),
			UsageRatio: d.UsageRatio(),
		})
	}
	return out
}

// compactionStatus is the payload get_compaction_status_json renders.
// Compaction scheduling itself only goes as far as submission/status per
// spec §1; there is no compaction algorithm behind these counters.
type compactionStatus struct {
	PriorityScheduling bool `json:"enable_compaction_priority_scheduling"`
	LowPriorityPerDisk int  `json:"low_priority_compaction_task_num_per_disk"`
	DataDirCount       int  `json:"data_dir_count"`
}

// GetCompactionStatusJSON implements spec §6's get_compaction_status_json.
func (e *StorageEngineController) GetCompactionStatusJSON() (string, error) {
	status := compactionStatus{
		PriorityScheduling: e.cfg.EnableCompactionPriorityScheduling,
		LowPriorityPerDisk: e.cfg.LowPriorityCompactionTaskNumPerDisk,
		DataDirCount:       len(e.Registry.All()),
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "GetCompactionStatusJSON", err)
	}
	return string(raw), nil
}

// GCBinlogs implements spec §6's gc_binlogs({tablet_id → version}): GC
// each named tablet's binlogs up to the given version, then additionally
// sweep entries whose tablet no longer exists at all (§4.6's orphan
// traversal), since a dropped tablet is never named in the caller's map.
func (e *StorageEngineController) GCBinlogs(rootPath string, versions map[int64]int64) (int, error) {
	dir, ok := e.Registry.Get(rootPath)
	if !ok {
		return 0, engineerr.New(engineerr.InvalidRootPath, "GCBinlogs", "unknown data dir %q", rootPath)
	}

	removed, err := sweep.CleanBinlogsUpToVersion(dir.MetaStore(), versions)
	if err != nil {
		return removed, err
	}

	lookup := sweep.NewRegistryTabletLookup(e.Tablets)
	n, err := sweep.CleanOrphanBinlogMetas(dir.MetaStore(), lookup)
	if err != nil {
		return removed, err
	}
	return removed + n, nil
}

// RunMetaCleanup runs all four §4.6 orphan traversals against one
// DataDir: rowset metas, binlog metas, delete bitmaps, and pending
// publish info.
func (e *StorageEngineController) RunMetaCleanup(rootPath string) (removed int, err error) {
	dir, ok := e.Registry.Get(rootPath)
	if !ok {
		return 0, engineerr.New(engineerr.InvalidRootPath, "RunMetaCleanup", "unknown data dir %q", rootPath)
	}
	lookup := sweep.NewRegistryTabletLookup(e.Tablets)

	n, err := sweep.CleanOrphanRowsetMetas(dir.MetaStore(), lookup)
	if err != nil {
		return removed, err
	}
	removed += n

	n, err = sweep.CleanOrphanBinlogMetas(dir.MetaStore(), lookup)
	if err != nil {
		return removed, err
	}
	removed += n

	meta := dir.MetaStore()
	n, err = sweep.CleanOrphanDeleteBitmaps(meta, lookup, func(tabletID int64) error {
		return removeAllDeleteBitmapsIn(meta, tabletID)
	})
	if err != nil {
		return removed, err
	}
	removed += n

	n, err = sweep.CleanOrphanPendingPublishInfo(dir.MetaStore(), lookup)
	if err != nil {
		return removed, err
	}
	removed += n

	return removed, nil
}

// storeID derives a stable placement id from a DataDir's root path, so
// StoresForCreateTablet's round-robin ordering is reproducible across
// calls regardless of the registry's map iteration order.
func storeID(path string) int64 {
	var h int64
	for _, r := range path {
		h = h*31 + int64(r)
	}
	if h < 0 {
		h = -h
	}
	return h
}
