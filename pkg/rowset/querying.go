package rowset

import (
	"sync"

	"github.com/lakestor/storagenode/pkg/types"
)

// QueryingRowsetRegistry ref-counts rowsets currently held open by a read,
// so GC never deletes a rowset out from under an in-flight query (§3,
// §4.4). Acquire/Release is deliberately symmetric and cheap: queries are
// expected to hold a pin for the lifetime of a single scan.
type QueryingRowsetRegistry struct {
	mu    sync.Mutex
	count map[types.RowsetId]int
}

// NewQueryingRowsetRegistry creates an empty registry.
func NewQueryingRowsetRegistry() *QueryingRowsetRegistry {
	return &QueryingRowsetRegistry{count: make(map[types.RowsetId]int)}
}

// Acquire pins a rowset for the duration of a query.
func (q *QueryingRowsetRegistry) Acquire(id types.RowsetId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.count[id]++
}

// Release unpins a rowset. Calling Release without a matching Acquire is
// a caller bug and is ignored rather than panicking, matching the
// teacher's tolerant unsubscribe behavior in pkg/events.
func (q *QueryingRowsetRegistry) Release(id types.RowsetId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.count[id]
	if !ok || n <= 1 {
		delete(q.count, id)
		return
	}
	q.count[id] = n - 1
}

// IsPinned reports whether any query currently holds id open.
func (q *QueryingRowsetRegistry) IsPinned(id types.RowsetId) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count[id] > 0
}
