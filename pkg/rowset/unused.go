package rowset

import (
	"sync"
	"time"

	"github.com/lakestor/storagenode/pkg/types"
)

// unusedEntry is a rowset that has been superseded (by compaction, by a
// re-publish, or by a dropped load) and is waiting out its delay before
// becoming eligible for physical deletion.
type unusedEntry struct {
	meta     types.RowsetMeta
	markedAt time.Time
}

// UnusedRowsetRegistry tracks superseded rowsets between the moment they
// stop being useful to a tablet's visible history and the moment GC is
// allowed to delete their segment files from disk (§4.4). A delay is
// enforced so an already-running query that looked up the rowset list
// just before supersession still finds its files (§9 open question); a
// rowset still pinned in QueryingRowsetRegistry is not collectable at
// all, however much time has elapsed.
type UnusedRowsetRegistry struct {
	mu      sync.Mutex
	entries map[types.RowsetId]*unusedEntry
}

// NewUnusedRowsetRegistry creates an empty registry.
func NewUnusedRowsetRegistry() *UnusedRowsetRegistry {
	return &UnusedRowsetRegistry{entries: make(map[types.RowsetId]*unusedEntry)}
}

// Mark records meta as superseded as of now. Marking an already-tracked
// rowset again is a no-op; the original markedAt is preserved so a
// flapping caller can't indefinitely postpone collection.
func (u *UnusedRowsetRegistry) Mark(meta types.RowsetMeta, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.entries[meta.ID]; ok {
		return
	}
	u.entries[meta.ID] = &unusedEntry{meta: meta, markedAt: now}
}

// Unmark removes a rowset from tracking, e.g. because it turned out to
// still be useful (a late-arriving transaction resurrected its version
// range) or because it was physically deleted.
func (u *UnusedRowsetRegistry) Unmark(id types.RowsetId) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.entries, id)
}

// Collectable returns every tracked rowset whose delay has elapsed as of
// now and which is not held open by querying. Callers delete the
// underlying files and then Unmark each returned id.
func (u *UnusedRowsetRegistry) Collectable(now time.Time, delay time.Duration, querying *QueryingRowsetRegistry) []types.RowsetMeta {
	u.mu.Lock()
	defer u.mu.Unlock()

	var out []types.RowsetMeta
	for id, e := range u.entries {
		if now.Sub(e.markedAt) < delay {
			continue
		}
		if querying != nil && querying.IsPinned(id) {
			continue
		}
		out = append(out, e.meta)
	}
	return out
}

// Len reports how many rowsets are currently tracked, for metrics.
func (u *UnusedRowsetRegistry) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.entries)
}
