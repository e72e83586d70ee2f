package sweep

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lakestor/storagenode/pkg/datadir"
	"github.com/lakestor/storagenode/pkg/log"
	"github.com/lakestor/storagenode/pkg/metrics"
	"github.com/lakestor/storagenode/pkg/tablet"
	"github.com/lakestor/storagenode/pkg/types"
)

// TabletLookup is the minimal collaborator surface the meta cleanup
// traversals need: whether a tablet exists and, if so, its current uid
// and visible version (§4.6).
type TabletLookup interface {
	TabletUID(tabletID int64) (uid int64, exists bool)
	TabletVisibleVersion(tabletID int64) (version int64, exists bool)
}

// registryTabletLookup adapts a tablet.Collaborators into TabletLookup.
type registryTabletLookup struct {
	collab tablet.Collaborators
}

// NewRegistryTabletLookup builds a TabletLookup backed by a Collaborators
// implementation (e.g. tablet.MemoryRegistry).
func NewRegistryTabletLookup(collab tablet.Collaborators) TabletLookup {
	return registryTabletLookup{collab: collab}
}

func (r registryTabletLookup) TabletUID(tabletID int64) (int64, bool) {
	t, ok := r.collab.GetTablet(tabletID)
	if !ok {
		return 0, false
	}
	return t.UID, true
}

func (r registryTabletLookup) TabletVisibleVersion(tabletID int64) (int64, bool) {
	t, ok := r.collab.GetTablet(tabletID)
	if !ok {
		return 0, false
	}
	p, ok := r.collab.GetPartition(t.TableID, t.PartitionID)
	if !ok {
		return 0, false
	}
	return p.CurrentVisibleVersion(), true
}

// CleanOrphanRowsetMetas implements §4.6's first traversal: drop entries
// that fail to parse, whose recorded tablet-uid mismatches, whose tablet
// no longer exists, or whose state is VISIBLE but no longer useful.
func CleanOrphanRowsetMetas(meta *datadir.MetaStore, lookup TabletLookup) (removed int, err error) {
	var orphanKeys [][]byte

	err = meta.ForEach(datadir.RowsetMetaBucket(), func(key, value []byte) error {
		var rm types.RowsetMeta
		if jsonErr := json.Unmarshal(value, &rm); jsonErr != nil {
			log.WithComponent("meta-cleanup").Warn().Err(jsonErr).Msg("failed to parse rowset meta; dropping")
			orphanKeys = append(orphanKeys, append([]byte(nil), key...))
			return nil
		}

		uid, exists := lookup.TabletUID(rm.TabletID)
		if !exists {
			orphanKeys = append(orphanKeys, append([]byte(nil), key...))
			return nil
		}
		if uid != rm.TabletUID {
			orphanKeys = append(orphanKeys, append([]byte(nil), key...))
			return nil
		}
		if rm.State == types.RowsetVisible {
			visible, _ := lookup.TabletVisibleVersion(rm.TabletID)
			if !rm.UsefulTo(visible) {
				orphanKeys = append(orphanKeys, append([]byte(nil), key...))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range orphanKeys {
		if removeErr := meta.Remove(datadir.RowsetMetaBucket(), key); removeErr != nil {
			log.WithComponent("meta-cleanup").Warn().Err(removeErr).Msg("failed to remove orphan rowset meta")
			continue
		}
		removed++
	}
	metrics.MetaCleanupOrphansTotal.WithLabelValues("rowset_meta").Add(float64(removed))
	return removed, nil
}

// tabletIDFromKey extracts the leading tablet id from a "<tablet_id>_..."
// style key, reporting false for a malformed key. Callers log and go on
// without aborting the traversal: cleanByTabletIDKey drops such an entry,
// CleanOrphanDeleteBitmaps leaves it in place.
func tabletIDFromKey(key []byte) (int64, bool) {
	s := string(key)
	idx := strings.IndexByte(s, '_')
	if idx < 0 {
		idx = len(s)
	}
	id, err := strconv.ParseInt(s[:idx], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// CleanOrphanBinlogMetas implements §4.6's second traversal: drop entries
// whose tablet no longer exists.
func CleanOrphanBinlogMetas(meta *datadir.MetaStore, lookup TabletLookup) (removed int, err error) {
	return cleanByTabletIDKey(meta, datadir.BinlogMetaBucket(), "binlog_meta", lookup)
}

// CleanBinlogsUpToVersion implements spec §6's gc_binlogs({tablet_id →
// version}): for each named tablet, remove every binlog-meta entry at or
// below the given version, leaving newer entries available for replay.
// Keys follow the same "<tablet_id>_<version>" shape as pending-publish
// entries. Tablets not named in the map are left untouched — this is the
// caller-driven complement to CleanOrphanBinlogMetas's tablet-existence
// sweep, not a replacement for it.
func CleanBinlogsUpToVersion(meta *datadir.MetaStore, versions map[int64]int64) (removed int, err error) {
	var gcKeys [][]byte

	err = meta.ForEach(datadir.BinlogMetaBucket(), func(key, value []byte) error {
		parsed, ok := parseTabletVersionKey(key)
		if !ok {
			return nil
		}
		upTo, requested := versions[parsed.TabletID]
		if !requested {
			return nil
		}
		if parsed.Version <= upTo {
			gcKeys = append(gcKeys, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range gcKeys {
		if removeErr := meta.Remove(datadir.BinlogMetaBucket(), key); removeErr != nil {
			log.WithComponent("meta-cleanup").Warn().Err(removeErr).Msg("failed to remove gc'd binlog meta")
			continue
		}
		removed++
	}
	metrics.MetaCleanupOrphansTotal.WithLabelValues("binlog_meta_gc").Add(float64(removed))
	return removed, nil
}

func cleanByTabletIDKey(meta *datadir.MetaStore, bucket []byte, kind string, lookup TabletLookup) (removed int, err error) {
	var orphanKeys [][]byte

	err = meta.ForEach(bucket, func(key, value []byte) error {
		id, ok := tabletIDFromKey(key)
		if !ok {
			log.WithComponent("meta-cleanup").Warn().Str("key", string(key)).Msg("failed to parse tablet id from key; dropping")
			orphanKeys = append(orphanKeys, append([]byte(nil), key...))
			return nil
		}
		if _, exists := lookup.TabletUID(id); !exists {
			orphanKeys = append(orphanKeys, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range orphanKeys {
		if removeErr := meta.Remove(bucket, key); removeErr != nil {
			log.WithComponent("meta-cleanup").Warn().Err(removeErr).Msg("failed to remove orphan entry")
			continue
		}
		removed++
	}
	metrics.MetaCleanupOrphansTotal.WithLabelValues(kind).Add(float64(removed))
	return removed, nil
}

// CleanOrphanDeleteBitmaps implements §4.6's third traversal. Per tablet
// id with no live tablet, a single wipe-all call is made — intentionally
// just once per tablet id, not once per version (spec §9 open question
// ii: preserved deliberately, not a bug).
func CleanOrphanDeleteBitmaps(meta *datadir.MetaStore, lookup TabletLookup, removeAllVersions func(tabletID int64) error) (removed int, err error) {
	seen := make(map[int64]bool)
	var orphanTablets []int64

	err = meta.ForEach(datadir.DeleteBitmapBucket(), func(key, value []byte) error {
		id, ok := tabletIDFromKey(key)
		if !ok {
			log.WithComponent("meta-cleanup").Warn().Str("key", string(key)).Msg("failed to parse tablet id from delete-bitmap key; skipping")
			return nil
		}
		if seen[id] {
			return nil
		}
		seen[id] = true
		if _, exists := lookup.TabletUID(id); !exists {
			orphanTablets = append(orphanTablets, id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range orphanTablets {
		if removeErr := removeAllVersions(id); removeErr != nil {
			log.WithComponent("meta-cleanup").Warn().Err(removeErr).Int64("tablet_id", id).Msg("failed to remove delete bitmap")
			continue
		}
		removed++
	}
	metrics.MetaCleanupOrphansTotal.WithLabelValues("delete_bitmap").Add(float64(removed))
	return removed, nil
}

// tabletVersionKey is the shared "<tablet_id>_<version>" key shape used
// by both the pending-publish and binlog-meta buckets.
type tabletVersionKey struct {
	TabletID int64
	Version  int64
}

func parseTabletVersionKey(key []byte) (tabletVersionKey, bool) {
	parts := strings.SplitN(string(key), "_", 2)
	if len(parts) != 2 {
		return tabletVersionKey{}, false
	}
	tabletID, err1 := strconv.ParseInt(parts[0], 10, 64)
	version, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return tabletVersionKey{}, false
	}
	return tabletVersionKey{TabletID: tabletID, Version: version}, true
}

// CleanOrphanPendingPublishInfo implements §4.6's fourth traversal: drop
// (tablet_id, version) pairs whose tablet no longer exists.
func CleanOrphanPendingPublishInfo(meta *datadir.MetaStore, lookup TabletLookup) (removed int, err error) {
	var orphanKeys [][]byte

	err = meta.ForEach(datadir.PendingPublishBucket(), func(key, value []byte) error {
		parsed, ok := parseTabletVersionKey(key)
		if !ok {
			log.WithComponent("meta-cleanup").Warn().Str("key", string(key)).Msg("failed to parse pending publish key; dropping")
			orphanKeys = append(orphanKeys, append([]byte(nil), key...))
			return nil
		}
		if _, exists := lookup.TabletUID(parsed.TabletID); !exists {
			orphanKeys = append(orphanKeys, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range orphanKeys {
		if removeErr := meta.Remove(datadir.PendingPublishBucket(), key); removeErr != nil {
			log.WithComponent("meta-cleanup").Warn().Err(removeErr).Msg("failed to remove orphan pending publish info")
			continue
		}
		removed++
	}
	metrics.MetaCleanupOrphansTotal.WithLabelValues("pending_publish").Add(float64(removed))
	return removed, nil
}
