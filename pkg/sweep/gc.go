package sweep

import (
	"time"

	"github.com/lakestor/storagenode/pkg/log"
	"github.com/lakestor/storagenode/pkg/metrics"
	"github.com/lakestor/storagenode/pkg/rowset"
	"github.com/lakestor/storagenode/pkg/types"
)

// RowsetRemover deletes a rowset's on-disk files, and — when its owning
// tablet is merge-on-write — its delete-bitmap slice. Local rowsets only;
// remote rowsets are left to a remote-GC path per §4.4.
type RowsetRemover interface {
	MergeOnWrite(tabletID int64) (bool, bool) // (isMergeOnWrite, tabletExists)
	DropDeleteBitmapSlice(tabletID int64, id types.RowsetId) error
	RemoveFiles(meta types.RowsetMeta) error
}

// RunUnusedRowsetGC implements §4.4's start_delete_unused_rowset sweep:
// select collectable entries under the registry's lock, then — outside
// the lock — drop merge-on-write delete-bitmap slices and remove files.
// A rowset id still held by the pending set is skipped outright: a load
// transaction referencing it may still commit it, so GC must never treat
// it as collectable regardless of what the unused registry thinks (§3).
func RunUnusedRowsetGC(registry *rowset.UnusedRowsetRegistry, querying *rowset.QueryingRowsetRegistry, pending *rowset.PendingRowsetSet, remover RowsetRemover, delay time.Duration, now time.Time) int {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GCSweepDuration)

	collectable := registry.Collectable(now, delay, querying)
	deleted := 0

	for _, meta := range collectable {
		if !meta.IsLocal {
			continue // remote rowsets: left to a remote-GC path
		}

		if pending.Contains(meta.ID) {
			continue // still staged by a live transaction, not yet committed or aborted
		}

		if mow, exists := remover.MergeOnWrite(meta.TabletID); exists && mow {
			if err := remover.DropDeleteBitmapSlice(meta.TabletID, meta.ID); err != nil {
				log.WithComponent("unused-rowset-gc").Warn().Err(err).Str("rowset", meta.ID.String()).Msg("failed to drop delete bitmap slice")
			}
		}

		if err := remover.RemoveFiles(meta); err != nil {
			log.WithComponent("unused-rowset-gc").Warn().Err(err).Str("rowset", meta.ID.String()).Msg("failed to remove rowset files")
			continue
		}

		registry.Unmark(meta.ID)
		deleted++
	}

	metrics.RowsetsDeletedTotal.Add(float64(deleted))
	metrics.UnusedRowsetsTotal.Set(float64(registry.Len()))
	return deleted
}
