package txn

import (
	"sort"
	"time"

	"github.com/lakestor/storagenode/pkg/engineerr"
	"github.com/lakestor/storagenode/pkg/events"
	"github.com/lakestor/storagenode/pkg/metrics"
	"github.com/lakestor/storagenode/pkg/publish"
	"github.com/lakestor/storagenode/pkg/tablet"
)

// FinishRequest carries the publish-version task results gathered for a
// COMMITTED transaction's finish attempt.
type FinishRequest struct {
	TxnID            int64
	Tasks            map[int64]*publish.TaskResult // backend id -> result
	FirstPublishTime time.Time
	AlterCheckConfig publish.AlterCheckConfig
}

// Finish implements §4.9's Finish (publish) procedure. It returns
// (visible, error): visible is false with a nil error when the
// transaction should simply be retried on the next publish wave.
func (d *DatabaseTransactionManager) Finish(req FinishRequest) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.running[req.TxnID]
	if !ok {
		return false, engineerr.New(engineerr.TransactionNotFound, "Finish", "txn %d not found or not running", req.TxnID)
	}
	if t.Status != StatusCommitted {
		return false, engineerr.New(engineerr.Internal, "Finish", "txn %d in state %s is not publishable", req.TxnID, t.Status)
	}

	if t.FirstPublishTime.IsZero() {
		t.FirstPublishTime = req.FirstPublishTime
	}
	t.LastPublishTime = time.Now()

	// Step 1/2: finishCheckPartitionVersion, in table-id order (tables
	// locked in id order per §4.9 step 1; here modeled simply as a
	// deterministic iteration order since table locks are out of scope).
	tableIDs := make([]int64, 0, len(t.TableCommitInfos))
	for id := range t.TableCommitInfos {
		tableIDs = append(tableIDs, id)
	}
	sort.Slice(tableIDs, func(i, j int) bool { return tableIDs[i] < tableIDs[j] })

	type partitionWork struct {
		tableID   int64
		partition *tablet.Partition
		tablets   []*tablet.Tablet
		commit    *PartitionCommitInfo
	}
	var work []partitionWork

	for _, tableID := range tableIDs {
		info := t.TableCommitInfos[tableID]
		for partitionID, commit := range info.Partitions {
			partition, ok := d.collab.GetPartition(tableID, partitionID)
			if !ok {
				continue // table or partition dropped; skip
			}
			if partition.CurrentVisibleVersion()+1 != commit.Version {
				metrics.PublishQuorumResult.WithLabelValues("wait_for_publishing").Inc()
				return false, nil
			}

			var indexFilter []int64
			if t.LoadedTblIndexes != nil {
				indexFilter = t.LoadedTblIndexes[tableID]
			}
			tablets := d.collab.TabletsOfPartition(tableID, partitionID, indexFilter)
			work = append(work, partitionWork{tableID: tableID, partition: partition, tablets: tablets, commit: commit})
		}
	}

	// Step 3: finishCheckQuorumReplicas, per tablet of every partition.
	waitSeconds := t.EffectivePublishWaitSeconds(d.limits.PublishWaitSeconds)
	overallErrorReplicas := make(map[int64]bool)
	allSucceeded := true

	for _, w := range work {
		required := d.quorum(w.partition.ID)
		for _, tb := range w.tablets {
			result := publish.CheckQuorum(tb, t.ID, w.commit.Version, req.Tasks, required, t.FirstPublishTime, time.Now(), waitSeconds, req.AlterCheckConfig)
			for _, id := range result.ErrorReplicaIDs {
				overallErrorReplicas[id] = true
			}
			if result.Verdict == publish.TabletFailed {
				allSucceeded = false
			}
		}
	}

	if !allSucceeded {
		metrics.PublishQuorumResult.WithLabelValues("failed").Inc()
		return false, nil // stays COMMITTED, retried on next wave
	}

	// Step 4: commit to VISIBLE and update the catalog.
	t.Status = StatusVisible
	t.FinishTime = time.Now()
	t.Reason = ""
	for id := range overallErrorReplicas {
		t.ErrorReplicas[id] = true
	}

	if err := d.collab.EditLog().LogTransactionState(d.dbID, t.ID, string(StatusVisible)); err != nil {
		d.logger.Warn().Err(err).Int64("txn_id", t.ID).Msg("failed to persist VISIBLE to edit log")
	}

	for _, w := range work {
		publish.UpdateCatalogAfterVisible(w.partition, w.tablets, overallErrorReplicas, w.commit.Version, w.commit.VersionTime)
	}

	metrics.PublishWaitDuration.Observe(time.Since(t.FirstPublishTime).Seconds())
	metrics.PublishQuorumResult.WithLabelValues("succ").Inc()
	metrics.TransactionsTotal.WithLabelValues(string(StatusVisible)).Inc()

	d.finalizeLocked(t)
	d.fireTransition(t, events.EventTxnVisible, string(StatusCommitted), string(StatusVisible))
	return true, nil
}
