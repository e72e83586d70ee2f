package rowset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lakestor/storagenode/pkg/types"
)

func TestPendingRowsetSetAddAndRelease(t *testing.T) {
	set := NewPendingRowsetSet()
	id := types.RowsetId{BackendUID: 1, Counter: 1}
	meta := types.RowsetMeta{ID: id, TabletID: 10, State: types.RowsetPending, IsLocal: true}
	set.Add(42, meta)

	assert.Len(t, set.RowsetsOf(42), 1)
	assert.Equal(t, []int64{42}, set.PendingTxnsOnTablet(10))
	assert.True(t, set.Contains(id))

	released := set.Release(42)
	assert.Len(t, released, 1)
	assert.Empty(t, set.RowsetsOf(42))
	assert.Empty(t, set.PendingTxnsOnTablet(10))
	assert.False(t, set.Contains(id))
}

func TestPendingRowsetSetContainsTracksBothLocalAndRemote(t *testing.T) {
	set := NewPendingRowsetSet()
	localID := types.RowsetId{BackendUID: 1, Counter: 1}
	remoteID := types.RowsetId{BackendUID: 2, Counter: 1}

	set.Add(1, types.RowsetMeta{ID: localID, TabletID: 10, IsLocal: true})
	set.Add(2, types.RowsetMeta{ID: remoteID, TabletID: 10, IsLocal: false})

	assert.True(t, set.Contains(localID))
	assert.True(t, set.Contains(remoteID))

	set.Release(1)
	assert.False(t, set.Contains(localID))
	assert.True(t, set.Contains(remoteID))
}

func TestPendingRowsetGuardReleasesOnce(t *testing.T) {
	set := NewPendingRowsetSet()
	set.Add(7, types.RowsetMeta{ID: types.RowsetId{BackendUID: 1, Counter: 1}, TabletID: 1})

	guard := NewPendingRowsetGuard(set, 7)
	first := guard.Release()
	second := guard.Release()

	assert.Len(t, first, 1)
	assert.Nil(t, second)
}

func TestQueryingRowsetRegistryRefCounts(t *testing.T) {
	q := NewQueryingRowsetRegistry()
	id := types.RowsetId{BackendUID: 1, Counter: 1}

	assert.False(t, q.IsPinned(id))
	q.Acquire(id)
	q.Acquire(id)
	assert.True(t, q.IsPinned(id))

	q.Release(id)
	assert.True(t, q.IsPinned(id))
	q.Release(id)
	assert.False(t, q.IsPinned(id))

	// Unmatched release must not panic or underflow.
	q.Release(id)
	assert.False(t, q.IsPinned(id))
}

func TestUnusedRowsetRegistryRespectsDelayAndPin(t *testing.T) {
	u := NewUnusedRowsetRegistry()
	q := NewQueryingRowsetRegistry()

	id := types.RowsetId{BackendUID: 1, Counter: 1}
	meta := types.RowsetMeta{ID: id, TabletID: 1}
	start := time.Unix(1000, 0)
	u.Mark(meta, start)

	assert.Empty(t, u.Collectable(start.Add(1*time.Second), 90*time.Second, q))

	later := start.Add(91 * time.Second)
	assert.Len(t, u.Collectable(later, 90*time.Second, q), 1)

	q.Acquire(id)
	assert.Empty(t, u.Collectable(later, 90*time.Second, q))

	q.Release(id)
	collectable := u.Collectable(later, 90*time.Second, q)
	assert.Len(t, collectable, 1)

	u.Unmark(id)
	assert.Equal(t, 0, u.Len())
}

func TestUnusedRowsetRegistryMarkIsIdempotent(t *testing.T) {
	u := NewUnusedRowsetRegistry()
	id := types.RowsetId{BackendUID: 1, Counter: 1}
	meta := types.RowsetMeta{ID: id}

	u.Mark(meta, time.Unix(1000, 0))
	u.Mark(meta, time.Unix(2000, 0)) // should not reset markedAt

	collectable := u.Collectable(time.Unix(1091, 0), 90*time.Second, nil)
	assert.Len(t, collectable, 1)
}
