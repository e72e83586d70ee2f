package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakestor/storagenode/pkg/engineerr"
	"github.com/lakestor/storagenode/pkg/events"
	"github.com/lakestor/storagenode/pkg/publish"
	"github.com/lakestor/storagenode/pkg/tablet"
)

func quorumOf2(int64) int { return 2 }

func newTestManager(t *testing.T, registry *tablet.MemoryRegistry) *DatabaseTransactionManager {
	t.Helper()
	mgr := NewTransactionManager(registry, quorumOf2, nil, Limits{
		RunningTxnQuota:           10,
		LabelKeepSeconds:          3 * 24 * 3600,
		StreamingLabelKeepSeconds: 12 * 3600,
		PublishWaitSeconds:        300,
	})
	return mgr.ForDB(1)
}

func TestBeginRetryIdempotency(t *testing.T) {
	db := newTestManager(t, tablet.NewMemoryRegistry(nil))

	id, err := db.Begin(BeginRequest{Label: "L1", RequestID: "R", SourceType: SourceFrontend, TimeoutMs: 60000})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	again, err := db.Begin(BeginRequest{Label: "L1", RequestID: "R", SourceType: SourceFrontend, TimeoutMs: 60000})
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.DuplicatedRequest))
	var engErr *engineerr.Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, id, engErr.PriorID)
	assert.Equal(t, id, again)

	_, err = db.Begin(BeginRequest{Label: "L1", RequestID: "R-prime", SourceType: SourceFrontend, TimeoutMs: 60000})
	assert.Error(t, err)
}

func TestLabelIndexConsistency(t *testing.T) {
	db := newTestManager(t, tablet.NewMemoryRegistry(nil))

	id, err := db.Begin(BeginRequest{Label: "L2", RequestID: "R2", TimeoutMs: 60000})
	require.NoError(t, err)

	db.mu.RLock()
	_, inRunning := db.running[id]
	_, inLabels := db.labelToTxnIDs["L2"][id]
	db.mu.RUnlock()
	assert.True(t, inRunning)
	assert.True(t, inLabels)

	require.NoError(t, db.Abort(id, "test"))

	db.mu.RLock()
	_, stillInFinal := db.final[id]
	_, stillInLabels := db.labelToTxnIDs["L2"][id]
	db.mu.RUnlock()
	assert.True(t, stillInFinal)
	assert.True(t, stillInLabels)
}

func setupThreeReplicaTablet(registry *tablet.MemoryRegistry) (*tablet.Tablet, *tablet.Partition) {
	p := tablet.NewPartition(100, 1, []int64{9})
	registry.AddPartition(p)

	tb := tablet.NewTablet(9, 900, 1, 100, 1, false)
	tb.AddReplica(&tablet.Replica{ID: 1, BackendID: 10, Version: 1, LastFailedVersion: -1})
	tb.AddReplica(&tablet.Replica{ID: 2, BackendID: 11, Version: 1, LastFailedVersion: -1})
	tb.AddReplica(&tablet.Replica{ID: 3, BackendID: 12, Version: 1, LastFailedVersion: -1})
	registry.AddTablet(tb)
	return tb, p
}

func TestQuorumCommitAdvancesNextVersion(t *testing.T) {
	registry := tablet.NewMemoryRegistry(nil)
	setupThreeReplicaTablet(registry)
	db := newTestManager(t, registry)

	id, err := db.Begin(BeginRequest{Label: "L3", TableIDs: []int64{1}, TimeoutMs: 60000})
	require.NoError(t, err)

	err = db.Commit(CommitRequest{
		TxnID: id,
		CommitInfos: []ReplicaCommitInfo{
			{TabletID: 9, BackendID: 10},
			{TabletID: 9, BackendID: 11},
		},
	})
	require.NoError(t, err)

	txn, ok := db.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCommitted, txn.Status)
	assert.Contains(t, txn.ErrorReplicas, int64(3))

	partitionInfo := txn.TableCommitInfos[1].Partitions[100]
	assert.Equal(t, int64(2), partitionInfo.Version) // next_version started at 2

	partition, ok := registry.GetPartition(1, 100)
	require.True(t, ok)
	assert.Equal(t, int64(3), partition.AllocateNextVersion()) // now at 3, confirms bump to 3 happened at commit
}

func TestQuorumCommitFailsBelowRequired(t *testing.T) {
	registry := tablet.NewMemoryRegistry(nil)
	setupThreeReplicaTablet(registry)
	db := newTestManager(t, registry)

	id, err := db.Begin(BeginRequest{Label: "L4", TableIDs: []int64{1}, TimeoutMs: 60000})
	require.NoError(t, err)

	err = db.Commit(CommitRequest{
		TxnID:       id,
		CommitInfos: []ReplicaCommitInfo{{TabletID: 9, BackendID: 10}},
	})
	assert.Error(t, err)

	txn, _ := db.Get(id)
	assert.Equal(t, StatusPrepare, txn.Status)
}

func TestPublishTimeoutPromotion(t *testing.T) {
	registry := tablet.NewMemoryRegistry(nil)
	setupThreeReplicaTablet(registry)

	mgr := NewTransactionManager(registry, func(int64) int { return 2 }, nil, Limits{
		RunningTxnQuota:    10,
		PublishWaitSeconds: 30,
		LabelKeepSeconds:   3600,
	})
	db := mgr.ForDB(1)

	id, err := db.Begin(BeginRequest{Label: "L5", TableIDs: []int64{1}, TimeoutMs: 600000})
	require.NoError(t, err)
	require.NoError(t, db.Commit(CommitRequest{
		TxnID: id,
		CommitInfos: []ReplicaCommitInfo{
			{TabletID: 9, BackendID: 10},
			{TabletID: 9, BackendID: 11},
			{TabletID: 9, BackendID: 12},
		},
	}))

	firstPublish := time.Now().Add(-31 * time.Second)
	tasks := map[int64]*publish.TaskResult{
		10: {Finished: true, HasSuccessSet: true, SuccessTablets: map[int64]bool{9: true}},
		11: {Finished: false},
		12: {Finished: false},
	}

	visible, err := db.Finish(FinishRequest{TxnID: id, Tasks: tasks, FirstPublishTime: firstPublish})
	require.NoError(t, err)
	assert.True(t, visible)

	txn, _ := db.Get(id)
	assert.Equal(t, StatusVisible, txn.Status)

	partition, ok := registry.GetPartition(1, 100)
	require.True(t, ok)
	assert.Equal(t, int64(2), partition.CurrentVisibleVersion())
}

func TestFinishRetriesWhenQuorumNotMet(t *testing.T) {
	registry := tablet.NewMemoryRegistry(nil)
	setupThreeReplicaTablet(registry)
	db := newTestManager(t, registry)

	id, err := db.Begin(BeginRequest{Label: "L6", TableIDs: []int64{1}, TimeoutMs: 60000})
	require.NoError(t, err)
	require.NoError(t, db.Commit(CommitRequest{
		TxnID: id,
		CommitInfos: []ReplicaCommitInfo{
			{TabletID: 9, BackendID: 10},
			{TabletID: 9, BackendID: 11},
		},
	}))

	tasks := map[int64]*publish.TaskResult{
		10: {Finished: false},
		11: {Finished: false},
	}
	visible, err := db.Finish(FinishRequest{TxnID: id, Tasks: tasks, FirstPublishTime: time.Now()})
	require.NoError(t, err)
	assert.False(t, visible)

	txn, _ := db.Get(id)
	assert.Equal(t, StatusCommitted, txn.Status) // stays committed, retried later
}

func TestExpirySweepDrainsFinalsAndAbortsTimeouts(t *testing.T) {
	registry := tablet.NewMemoryRegistry(nil)
	db := newTestManager(t, registry)

	id, err := db.Begin(BeginRequest{Label: "L7", TimeoutMs: 1, Retention: RetentionShort})
	require.NoError(t, err)
	require.NoError(t, db.Abort(id, "manual"))

	db.mu.Lock()
	db.final[id].FinishTime = time.Now().Add(-100 * 24 * time.Hour)
	db.mu.Unlock()

	db.RemoveExpiredAndTimeoutTxns(time.Now())

	_, stillFinal := db.Get(id)
	assert.False(t, stillFinal)

	runningID, err := db.Begin(BeginRequest{Label: "L8", TimeoutMs: 1})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	db.RemoveExpiredAndTimeoutTxns(time.Now())
	txn, ok := db.Get(runningID)
	require.True(t, ok)
	assert.Equal(t, StatusAborted, txn.Status)
}

func TestEventBrokerFiresOnStateTransitions(t *testing.T) {
	registry := tablet.NewMemoryRegistry(nil)
	mgr := NewTransactionManager(registry, quorumOf2, nil, Limits{RunningTxnQuota: 10, PublishWaitSeconds: 300})

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	mgr.SetEventBroker(broker)

	var fired []events.EventType
	broker.RegisterAfterHook(func(evt *events.Event) { fired = append(fired, evt.Type) })

	db := mgr.ForDB(1)
	id, err := db.Begin(BeginRequest{Label: "LEV", TimeoutMs: 60000})
	require.NoError(t, err)
	require.NoError(t, db.Abort(id, "test"))

	assert.Equal(t, []events.EventType{events.EventTxnPrepared, events.EventTxnAborted}, fired)
}
