package engine

import (
	"strconv"
	"strings"

	"github.com/lakestor/storagenode/pkg/datadir"
	"github.com/lakestor/storagenode/pkg/tablet"
	"github.com/lakestor/storagenode/pkg/types"
)

// rowsetRemover adapts the tablet registry and the datadir registry's meta
// stores into sweep.RowsetRemover: it answers the merge-on-write question
// from the in-memory tablet, then removes the rowset's meta record from
// every registered DataDir's meta store (§4.4). The on-disk segment files
// themselves are out of scope (spec §1); deletion here means the meta
// record, which is what the cleanup traversals and GC sweep actually own.
type rowsetRemover struct {
	tablets  *tablet.MemoryRegistry
	registry *datadir.Registry
}

func (r *rowsetRemover) MergeOnWrite(tabletID int64) (bool, bool) {
	t, ok := r.tablets.GetTablet(tabletID)
	if !ok {
		return false, false
	}
	return t.MergeOnWrite, true
}

// DropDeleteBitmapSlice removes the one delete-bitmap entry for this
// rowset. Keys in the bucket are "<tablet_id>_<rowset_id>" so the §4.6
// orphan traversal can recover the owning tablet id from the key alone.
func (r *rowsetRemover) DropDeleteBitmapSlice(tabletID int64, id types.RowsetId) error {
	key := []byte(strconv.FormatInt(tabletID, 10) + "_" + id.String())
	for _, dir := range r.registry.All() {
		if err := dir.MetaStore().Remove(datadir.DeleteBitmapBucket(), key); err != nil {
			return err
		}
	}
	return nil
}

func (r *rowsetRemover) RemoveFiles(meta types.RowsetMeta) error {
	key := []byte(meta.ID.String())
	for _, dir := range r.registry.All() {
		if err := dir.MetaStore().Remove(datadir.RowsetMetaBucket(), key); err != nil {
			return err
		}
	}
	return nil
}

// removeAllDeleteBitmapsIn wipes every delete-bitmap entry belonging to a
// tablet from one DataDir's meta store in a single pass over the bucket —
// one wipe-all call per dead tablet id, not one call per version (spec
// §9 open question ii, preserved deliberately).
func removeAllDeleteBitmapsIn(meta *datadir.MetaStore, tabletID int64) error {
	prefix := strconv.FormatInt(tabletID, 10) + "_"

	var keys [][]byte
	err := meta.ForEach(datadir.DeleteBitmapBucket(), func(key, value []byte) error {
		if strings.HasPrefix(string(key), prefix) {
			keys = append(keys, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := meta.Remove(datadir.DeleteBitmapBucket(), key); err != nil {
			return err
		}
	}
	return nil
}
