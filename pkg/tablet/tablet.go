// Package tablet defines the collaborator surface the transaction manager
// and publish logic depend on: tablets, partitions, and replicas. The
// on-disk tablet format and the real tablet manager are out of scope
// (spec §1); this package gives the engine's core (transaction state
// machine, publish/quorum) a small interface to depend on instead of a
// mutual pointer back into a full tablet manager (spec §9's back-reference
// note), plus an in-memory reference implementation for tests.
package tablet

import (
	"sync"
)

// ReplicaState mirrors the subset of backend replica states the
// transaction manager needs to reason about (§4.11).
type ReplicaState string

const (
	ReplicaNormal ReplicaState = "NORMAL"
	ReplicaAlter  ReplicaState = "ALTER"
)

// Replica is one tablet's copy on one backend.
type Replica struct {
	ID                int64
	BackendID         int64
	Version           int64
	LastFailedVersion int64 // < 0 means no prior failure
	LastSuccessVersion int64
	State             ReplicaState
	AlterJobWatermark int64 // txn id watermark for ReplicaAlter (§4.11)
}

// IsVersionContinuousTo reports whether the replica is caught up through
// version v-1, i.e. publishing v would make it continuous.
func (r *Replica) IsVersionContinuousTo(v int64) bool {
	return r.Version >= v-1
}

// Tablet is a horizontally partitioned slice of a table and the unit of
// replication (glossary).
type Tablet struct {
	ID               int64
	UID              int64
	TableID          int64
	PartitionID      int64
	IndexID          int64 // materialized index this tablet belongs to
	MergeOnWrite     bool
	mu               sync.RWMutex
	replicasByNode   map[int64]*Replica // backend id -> replica
}

// NewTablet constructs an empty tablet.
func NewTablet(id, uid, tableID, partitionID, indexID int64, mergeOnWrite bool) *Tablet {
	return &Tablet{
		ID:             id,
		UID:            uid,
		TableID:        tableID,
		PartitionID:    partitionID,
		IndexID:        indexID,
		MergeOnWrite:   mergeOnWrite,
		replicasByNode: make(map[int64]*Replica),
	}
}

// AddReplica registers (or replaces) a replica on the given backend.
func (t *Tablet) AddReplica(r *Replica) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replicasByNode[r.BackendID] = r
}

// Replicas returns a snapshot of all replicas.
func (t *Tablet) Replicas() []*Replica {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Replica, 0, len(t.replicasByNode))
	for _, r := range t.replicasByNode {
		out = append(out, r)
	}
	return out
}

// ReplicaOnBackend looks up the replica hosted on a given backend.
func (t *Tablet) ReplicaOnBackend(backendID int64) (*Replica, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.replicasByNode[backendID]
	return r, ok
}

// Partition is a table partition: the unit versions advance over.
type Partition struct {
	mu             sync.Mutex
	ID             int64
	TableID        int64
	NextVersion    int64
	VisibleVersion int64
	VersionTime    int64
	TabletIDs      []int64
}

// NewPartition constructs a partition starting at visible version 1 (the
// first real load produces version 2).
func NewPartition(id, tableID int64, tabletIDs []int64) *Partition {
	return &Partition{
		ID:             id,
		TableID:        tableID,
		NextVersion:    2,
		VisibleVersion: 1,
		TabletIDs:      tabletIDs,
	}
}

// AllocateNextVersion returns the version a committing transaction should
// target and advances NextVersion, under the partition's own lock. Commit
// is always followed by this bump (§4.9 Commit).
func (p *Partition) AllocateNextVersion() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.NextVersion
	p.NextVersion++
	return v
}

// AdvanceVisible bumps the visible version to v and records versionTime,
// invoked only after publish quorum (§4.12).
func (p *Partition) AdvanceVisible(v, versionTime int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.VisibleVersion = v
	p.VersionTime = versionTime
}

// CurrentVisibleVersion returns the partition's visible version.
func (p *Partition) CurrentVisibleVersion() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.VisibleVersion
}

// TableState tags whether a table is undergoing an operation that blocks
// commits (§4.10) or that prolongs publish timeouts (§4.10 point 4).
type TableState string

const (
	TableNormal       TableState = "NORMAL"
	TableRestore      TableState = "RESTORE"
	TableRollup       TableState = "ROLLUP"
	TableSchemaChange TableState = "SCHEMA_CHANGE"
)

// EditLog is the collaborator the transaction manager persists state
// transitions through (spec §9 back-reference note: a small interface
// rather than a pointer back into the engine).
type EditLog interface {
	LogTransactionState(dbID, txnID int64, status string) error
	LogBatchRemoveTransactions(dbID int64, latestShortID, latestLongID int64) error
}

// Collaborators bundles the engine surface the per-database transaction
// manager needs: tablet and partition lookups, table state, the tablets of
// a partition, and the edit log, as one small interface in place of a
// pointer back into the engine (spec §9).
type Collaborators interface {
	GetTablet(tabletID int64) (*Tablet, bool)
	GetPartition(tableID, partitionID int64) (*Partition, bool)
	GetTableState(tableID int64) (TableState, bool)
	TabletsOfPartition(tableID, partitionID int64, indexFilter []int64) []*Tablet
	EditLog() EditLog
}
