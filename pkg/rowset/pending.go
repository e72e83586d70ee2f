// Package rowset tracks rowset lifecycle state that lives above the
// segment files themselves: rowsets a live load transaction is about to
// commit, rowsets superseded but not yet safe to delete, and rowsets
// pinned by in-flight queries (§3, §4.3, §4.4).
package rowset

import (
	"sync"

	"github.com/lakestor/storagenode/pkg/types"
)

// PendingRowsetSet holds the rowsets a transaction has written but not
// yet committed, per tablet. A tablet's committed rowset list must never
// be mutated until the owning transaction reaches COMMITTED (§4.3); until
// then, readers see only what the pending set holds, scoped to the
// transaction that produced it.
//
// The set is also keyed by RowsetId directly, split into local and
// remote buckets (§4.3), so GC can answer "is this id still pending"
// without scanning every transaction — a rowset id found here is
// invisible to the unused-rowset sweep regardless of what the unused
// registry thinks (§3).
type PendingRowsetSet struct {
	mu       sync.Mutex
	byTxn    map[int64][]types.RowsetMeta // txnID -> rowsets added under it
	byTablet map[int64][]int64            // tabletID -> txnIDs with pending rowsets on it
	local    map[types.RowsetId]int64     // local rowset id -> owning txnID
	remote   map[types.RowsetId]int64     // remote rowset id -> owning txnID
}

// NewPendingRowsetSet creates an empty set.
func NewPendingRowsetSet() *PendingRowsetSet {
	return &PendingRowsetSet{
		byTxn:    make(map[int64][]types.RowsetMeta),
		byTablet: make(map[int64][]int64),
		local:    make(map[types.RowsetId]int64),
		remote:   make(map[types.RowsetId]int64),
	}
}

// Add records a rowset produced by txnID for the given tablet. Meta.State
// must be RowsetPending.
func (s *PendingRowsetSet) Add(txnID int64, meta types.RowsetMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTxn[txnID] = append(s.byTxn[txnID], meta)

	if meta.IsLocal {
		s.local[meta.ID] = txnID
	} else {
		s.remote[meta.ID] = txnID
	}

	tablets := s.byTablet[meta.TabletID]
	for _, existing := range tablets {
		if existing == txnID {
			return
		}
	}
	s.byTablet[meta.TabletID] = append(tablets, txnID)
}

// Contains reports whether id is still staged by some not-yet-finished
// transaction, local or remote bucket either way. GC must treat any such
// id as undeletable (§3).
func (s *PendingRowsetSet) Contains(id types.RowsetId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.local[id]; ok {
		return true
	}
	_, ok := s.remote[id]
	return ok
}

// RowsetsOf returns a snapshot of the rowsets a transaction has staged.
func (s *PendingRowsetSet) RowsetsOf(txnID int64) []types.RowsetMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.RowsetMeta, len(s.byTxn[txnID]))
	copy(out, s.byTxn[txnID])
	return out
}

// Release drops every rowset staged by txnID, whether due to abort or
// because they have now been folded into the committed rowset list.
func (s *PendingRowsetSet) Release(txnID int64) []types.RowsetMeta {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas := s.byTxn[txnID]
	delete(s.byTxn, txnID)

	for _, meta := range metas {
		if meta.IsLocal {
			delete(s.local, meta.ID)
		} else {
			delete(s.remote, meta.ID)
		}
	}

	for tabletID := range s.byTablet {
		txns := s.byTablet[tabletID]
		for i, id := range txns {
			if id == txnID {
				s.byTablet[tabletID] = append(txns[:i], txns[i+1:]...)
				break
			}
		}
		if len(s.byTablet[tabletID]) == 0 {
			delete(s.byTablet, tabletID)
		}
	}
	return metas
}

// PendingTxnsOnTablet lists transactions with rowsets currently staged
// against a tablet, e.g. so a compaction can avoid racing an in-flight
// load.
func (s *PendingRowsetSet) PendingTxnsOnTablet(tabletID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.byTablet[tabletID]))
	copy(out, s.byTablet[tabletID])
	return out
}

// PendingRowsetGuard releases a transaction's staged rowsets exactly
// once, whichever of commit or abort reaches it first. It mirrors the
// defer-release pattern the teacher uses for its store transactions
// (pkg/storage/boltdb.go) adapted to a release rather than a close.
type PendingRowsetGuard struct {
	set      *PendingRowsetSet
	txnID    int64
	released bool
}

// NewPendingRowsetGuard begins guarding txnID's staged rowsets.
func NewPendingRowsetGuard(set *PendingRowsetSet, txnID int64) *PendingRowsetGuard {
	return &PendingRowsetGuard{set: set, txnID: txnID}
}

// Release drops the guarded transaction's pending rowsets. Safe to call
// more than once; only the first call has effect.
func (g *PendingRowsetGuard) Release() []types.RowsetMeta {
	if g.released {
		return nil
	}
	g.released = true
	return g.set.Release(g.txnID)
}
