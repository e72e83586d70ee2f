// Package txn implements the per-database load-transaction state machine:
// begin/commit/pre-commit/commit2PC/abort/finish, the per-database index
// set, and expiry sweeping (spec §4.7-§4.10, §4.13). It depends on
// pkg/tablet for collaborator lookups and pkg/publish for the pure
// quorum/catalog-update logic finish() needs, keeping this package free
// of any dependency back onto a concrete tablet manager implementation.
package txn

import "time"

// Status is a transaction's position in the state machine (§4.9).
type Status string

const (
	StatusPrepare      Status = "PREPARE"
	StatusPrecommitted Status = "PRECOMMITTED"
	StatusCommitted    Status = "COMMITTED"
	StatusVisible      Status = "VISIBLE"
	StatusAborted      Status = "ABORTED"
)

// IsFinal reports whether status is one of the two terminal states.
func (s Status) IsFinal() bool {
	return s == StatusVisible || s == StatusAborted
}

// SourceType is who originated the load.
type SourceType string

const (
	SourceFrontend        SourceType = "FRONTEND"
	SourceBackend         SourceType = "BACKEND"
	SourceRoutineLoadTask SourceType = "ROUTINE_LOAD_TASK"
)

// RetentionClass splits final transactions for the two expiry deques
// (§4.8): streaming loads get a short retention, batch loads a long one.
type RetentionClass string

const (
	RetentionShort RetentionClass = "SHORT"
	RetentionLong  RetentionClass = "LONG"
)

// PartitionCommitInfo is the target version assigned to one partition by
// a committing transaction (§4.9 Commit).
type PartitionCommitInfo struct {
	PartitionID int64
	Version     int64
	VersionTime int64
}

// TableCommitInfo bundles a table's partition commit infos.
type TableCommitInfo struct {
	TableID    int64
	Partitions map[int64]*PartitionCommitInfo
}

// Transaction is one load transaction (§3). Every field is mutated only
// under its owning DatabaseTransactionManager's write lock; the struct
// carries no lock of its own (§4.7: the database lock is the only lock
// protecting transaction state).
type Transaction struct {
	ID       int64
	Label    string
	DBID     int64
	TableIDs []int64

	Coordinator   string
	SourceType    SourceType
	RequestID     string
	Retention     RetentionClass
	IsRoutineLoad bool

	Status Status
	Reason string

	PrepareTime      time.Time
	PreCommitTime    time.Time
	CommitTime       time.Time
	FirstPublishTime time.Time
	LastPublishTime  time.Time
	FinishTime       time.Time

	TimeoutMs                 int64
	PublishTimeoutOverrideSec int64 // set by prolongPublishTimeout (§4.10 point 4)

	ErrorReplicas    map[int64]bool
	TableCommitInfos map[int64]*TableCommitInfo

	// LoadedTblIndexes restricts commit-status checking and finish to a
	// subset of materialized indexes per table, when the load declared one
	// (§4.10 point 3). A nil/empty slice for a table means "all indexes".
	LoadedTblIndexes map[int64][]int64

	CallbackID int64
}

// IsExpired reports whether a final transaction should be dropped from
// the expiry deques (§4.13 point 1): past its label-retention window.
func (t *Transaction) IsExpired(now time.Time, shortSeconds, longSeconds int64) bool {
	var window time.Duration
	if t.Retention == RetentionShort {
		window = time.Duration(shortSeconds) * time.Second
	} else {
		window = time.Duration(longSeconds) * time.Second
	}
	return now.Sub(t.FinishTime) >= window
}

// IsTimeout reports whether a running transaction has exceeded its
// timeout relative to prepareTime (§5: wall-clock relative, reconciled at
// the next expiry sweep rather than preemptively).
func (t *Transaction) IsTimeout(now time.Time) bool {
	deadline := t.PrepareTime.Add(time.Duration(t.TimeoutMs) * time.Millisecond)
	return now.After(deadline)
}

// EffectivePublishWaitSeconds returns the publish quorum timeout a finish
// check should apply, honoring a prolongPublishTimeout override.
func (t *Transaction) EffectivePublishWaitSeconds(base int64) int64 {
	if t.PublishTimeoutOverrideSec > base {
		return t.PublishTimeoutOverrideSec
	}
	return base
}
