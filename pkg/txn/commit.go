package txn

import (
	"time"

	"github.com/lakestor/storagenode/pkg/engineerr"
	"github.com/lakestor/storagenode/pkg/events"
	"github.com/lakestor/storagenode/pkg/metrics"
	"github.com/lakestor/storagenode/pkg/tablet"
)

// ReplicaCommitInfo is one reported (tablet, backend) pair a load wrote
// to, as gathered from the load executors before Commit is called.
type ReplicaCommitInfo struct {
	TabletID  int64
	BackendID int64
}

// CommitRequest is the input to Commit/PreCommit.
type CommitRequest struct {
	TxnID       int64
	CommitInfos []ReplicaCommitInfo
}

// quorumCheckResult is what checkCommitStatus computes for one partition.
type quorumCheckResult struct {
	partition       *tablet.Partition
	tableID         int64
	errorReplicaIDs map[int64]bool
}

// checkCommitStatus implements §4.10: for every partition touched by the
// reported commit infos, classify each tablet's replicas and require
// quorum. Returns the set of error replica ids across all partitions and,
// per partition, the tablet.Partition collaborator to target.
func (d *DatabaseTransactionManager) checkCommitStatus(t *Transaction, req CommitRequest) (map[int64]bool, []*quorumCheckResult, error) {
	tabletToBackends := make(map[int64]map[int64]bool)
	for _, info := range req.CommitInfos {
		set, ok := tabletToBackends[info.TabletID]
		if !ok {
			set = make(map[int64]bool)
			tabletToBackends[info.TabletID] = set
		}
		set[info.BackendID] = true
	}

	tableToPartitions := make(map[int64]map[int64]bool)
	for tabletID := range tabletToBackends {
		tb, ok := d.collab.GetTablet(tabletID)
		if !ok {
			continue // tablet no longer exists; skip per §4.10 point 1
		}
		state, _ := d.collab.GetTableState(tb.TableID)
		if state == tablet.TableRestore {
			return nil, nil, engineerr.New(engineerr.CmdParamsError, "Commit", "table %d is in RESTORE state", tb.TableID)
		}
		set, ok := tableToPartitions[tb.TableID]
		if !ok {
			set = make(map[int64]bool)
			tableToPartitions[tb.TableID] = set
		}
		set[tb.PartitionID] = true
	}

	errorReplicaIDs := make(map[int64]bool)
	var results []*quorumCheckResult

	for tableID, partitionIDs := range tableToPartitions {
		for partitionID := range partitionIDs {
			partition, ok := d.collab.GetPartition(tableID, partitionID)
			if !ok {
				continue
			}

			var indexFilter []int64
			if t.LoadedTblIndexes != nil {
				indexFilter = t.LoadedTblIndexes[tableID]
			}
			tablets := d.collab.TabletsOfPartition(tableID, partitionID, indexFilter)

			required := d.quorum(partitionID)
			for _, tb := range tablets {
				commitBackends := tabletToBackends[tb.ID]
				succ := 0
				for _, r := range tb.Replicas() {
					_, inCommit := commitBackends[r.BackendID]
					switch {
					case inCommit && r.LastFailedVersion < 0:
						succ++
					case !inCommit:
						errorReplicaIDs[r.ID] = true
					}
					// inCommit && LastFailedVersion >= 0: version-failed, not counted either way.
				}
				if succ < required {
					return nil, nil, engineerr.New(engineerr.TabletQuorumFailed, "Commit",
						"tablet %d: %d succ replicas < required %d", tb.ID, succ, required)
				}
			}

			if state, _ := d.collab.GetTableState(tableID); state == tablet.TableRollup || state == tablet.TableSchemaChange {
				if t.PublishTimeoutOverrideSec < d.limits.PublishWaitSeconds*2 {
					t.PublishTimeoutOverrideSec = d.limits.PublishWaitSeconds * 2
				}
			}

			results = append(results, &quorumCheckResult{partition: partition, tableID: tableID, errorReplicaIDs: errorReplicaIDs})
		}
	}

	return errorReplicaIDs, results, nil
}

// commitLocked is the shared body of Commit and PreCommit: it runs
// checkCommitStatus, assigns target versions, and records commit infos.
// When preCommit is true the assigned version is the -1 sentinel and the
// true version is assigned later by Commit2PC (§4.9 Pre-commit).
func (d *DatabaseTransactionManager) commitLocked(t *Transaction, req CommitRequest, preCommit bool) error {
	errorReplicaIDs, results, err := d.checkCommitStatus(t, req)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, res := range results {
		info, ok := t.TableCommitInfos[res.tableID]
		if !ok {
			info = &TableCommitInfo{TableID: res.tableID, Partitions: make(map[int64]*PartitionCommitInfo)}
			t.TableCommitInfos[res.tableID] = info
		}

		var version int64
		if preCommit {
			version = -1
		} else {
			version = res.partition.AllocateNextVersion()
		}

		info.Partitions[res.partition.ID] = &PartitionCommitInfo{
			PartitionID: res.partition.ID,
			Version:     version,
			VersionTime: now.UnixMilli(),
		}
	}

	for id := range errorReplicaIDs {
		t.ErrorReplicas[id] = true
	}

	if preCommit {
		t.Status = StatusPrecommitted
		t.PreCommitTime = now
	} else {
		t.Status = StatusCommitted
		t.CommitTime = now
	}
	return nil
}

// Commit implements §4.9's one-phase Commit.
func (d *DatabaseTransactionManager) Commit(req CommitRequest) error {
	timer := time.Now()
	d.mu.Lock()
	defer func() {
		d.mu.Unlock()
		if d.limits.LockReportThreshold > 0 {
			if held := time.Since(timer); held > d.limits.LockReportThreshold {
				d.logger.Warn().Dur("held", held).Msg("long write-lock hold in Commit")
			}
		}
	}()

	t, ok := d.running[req.TxnID]
	if !ok {
		return engineerr.New(engineerr.TransactionNotFound, "Commit", "txn %d not found or not running", req.TxnID)
	}
	if t.Status != StatusPrepare {
		return engineerr.New(engineerr.Internal, "Commit", "txn %d in state %s cannot commit", req.TxnID, t.Status)
	}

	start := time.Now()
	if err := d.commitLocked(t, req, false); err != nil {
		return err
	}
	metrics.TransactionCommitDuration.Observe(time.Since(start).Seconds())
	metrics.TransactionsTotal.WithLabelValues(string(StatusCommitted)).Inc()

	if err := d.collab.EditLog().LogTransactionState(d.dbID, t.ID, string(StatusCommitted)); err != nil {
		d.logger.Warn().Err(err).Int64("txn_id", t.ID).Msg("failed to persist COMMITTED to edit log")
	}
	d.fireTransition(t, events.EventTxnCommitted, string(StatusPrepare), string(StatusCommitted))
	return nil
}

// PreCommit implements §4.9's Pre-commit (2PC first phase).
func (d *DatabaseTransactionManager) PreCommit(req CommitRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.running[req.TxnID]
	if !ok {
		return engineerr.New(engineerr.TransactionNotFound, "PreCommit", "txn %d not found or not running", req.TxnID)
	}
	if t.Status != StatusPrepare {
		return engineerr.New(engineerr.Internal, "PreCommit", "txn %d in state %s cannot pre-commit", req.TxnID, t.Status)
	}

	if err := d.commitLocked(t, req, true); err != nil {
		return err
	}

	if err := d.collab.EditLog().LogTransactionState(d.dbID, t.ID, string(StatusPrecommitted)); err != nil {
		d.logger.Warn().Err(err).Int64("txn_id", t.ID).Msg("failed to persist PRECOMMITTED to edit log")
	}
	d.fireTransition(t, events.EventTxnPreCommitted, string(StatusPrepare), string(StatusPrecommitted))
	return nil
}

// Commit2PC implements §4.9's Commit 2PC: PRECOMMITTED -> COMMITTED,
// assigning the real version from each touched partition's next_version.
func (d *DatabaseTransactionManager) Commit2PC(txnID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.running[txnID]
	if !ok {
		return engineerr.New(engineerr.TransactionNotFound, "Commit2PC", "txn %d not found or not running", txnID)
	}
	if t.Status != StatusPrecommitted {
		return engineerr.New(engineerr.Internal, "Commit2PC", "txn %d in state %s cannot commit2pc", txnID, t.Status)
	}

	now := time.Now()
	for tableID, info := range t.TableCommitInfos {
		for partitionID, pc := range info.Partitions {
			partition, ok := d.collab.GetPartition(tableID, partitionID)
			if !ok {
				return engineerr.New(engineerr.Internal, "Commit2PC", "partition %d of table %d vanished", partitionID, tableID)
			}
			pc.Version = partition.AllocateNextVersion()
			pc.VersionTime = now.UnixMilli()
		}
	}

	t.Status = StatusCommitted
	t.CommitTime = now
	metrics.TransactionsTotal.WithLabelValues(string(StatusCommitted)).Inc()

	if err := d.collab.EditLog().LogTransactionState(d.dbID, t.ID, string(StatusCommitted)); err != nil {
		d.logger.Warn().Err(err).Int64("txn_id", t.ID).Msg("failed to persist COMMITTED to edit log")
	}
	d.fireTransition(t, events.EventTxnCommitted, string(StatusPrecommitted), string(StatusCommitted))
	return nil
}
