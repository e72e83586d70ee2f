// Package publish implements the post-commit phase that propagates a
// committed version to replicas: per-replica classification (§4.11),
// per-tablet quorum evaluation with timeout promotion (§4.9 step 3), and
// the catalog update every replica receives once a transaction becomes
// VISIBLE (§4.12). It depends only on pkg/tablet so pkg/txn can call into
// it without a cyclic import back from tablet to txn.
package publish

import (
	"time"

	"github.com/lakestor/storagenode/pkg/tablet"
)

// TaskResult is the outcome of one backend's PublishVersionTask, as
// reported back to the coordinator. Legacy backends only populate
// ErrorTablets; newer backends also populate SuccessTablets and set
// HasSuccessSet so an explicit success membership check can be made.
type TaskResult struct {
	Finished      bool
	HasSuccessSet bool
	SuccessTablets map[int64]bool
	ErrorTablets   map[int64]bool
}

// AlterCheckConfig carries the configuration escape hatch §4.11 grants
// replicas mid schema/rollup ALTER. The other one, the alter job
// watermark, is read from the replica itself (Replica.AlterJobWatermark).
type AlterCheckConfig struct {
	DisableAlterReplicaCheck bool
}

// ReplicaVerdict is the per-replica classification of §4.11.
type ReplicaVerdict string

const (
	ReplicaSuccess       ReplicaVerdict = "SUCCESS"
	ReplicaVersionFailed ReplicaVerdict = "VERSION_FAILED"
	ReplicaWriteFailed   ReplicaVerdict = "WRITE_FAILED"
)

// ClassifyReplica implements §4.11: it decides whether replica r is a
// success, version-failed, or write-failed replica for the given target
// version, and whether it should be recorded in errorReplicaIds.
func ClassifyReplica(r *tablet.Replica, txnID, tabletID, targetVersion int64, task *TaskResult, cfg AlterCheckConfig) (verdict ReplicaVerdict, errored bool) {
	switch {
	case task == nil || !task.Finished:
		errored = true
	case task.HasSuccessSet:
		errored = !task.SuccessTablets[tabletID]
	default:
		errored = task.ErrorTablets[tabletID]
	}

	// Best-effort forward progress for replicas mid ALTER: the alter path
	// will backfill history, so a stale publish miss here isn't fatal.
	if errored && r.State == tablet.ReplicaAlter {
		if txnID <= r.AlterJobWatermark || cfg.DisableAlterReplicaCheck {
			errored = false
		}
	}

	switch {
	case !errored && r.IsVersionContinuousTo(targetVersion):
		return ReplicaSuccess, errored
	case !errored:
		return ReplicaVersionFailed, errored
	case r.Version >= targetVersion:
		// Already advanced past the target despite the reported error.
		return ReplicaSuccess, errored
	default:
		return ReplicaWriteFailed, errored
	}
}

// TabletVerdict is the per-tablet outcome of quorum evaluation.
type TabletVerdict string

const (
	TabletSucc        TabletVerdict = "SUCC"
	TabletTimeoutSucc TabletVerdict = "TIMEOUT_SUCC"
	TabletFailed      TabletVerdict = "FAILED"
)

// QuorumResult is the outcome of CheckQuorum for one tablet.
type QuorumResult struct {
	Verdict         TabletVerdict
	SuccReplicas    int
	ErrorReplicaIDs []int64
}

// CheckQuorum implements the core of finishCheckQuorumReplicas (§4.9 step
// 3) for a single tablet: classify every replica, and require
// succReplicas >= required, promoting to TIMEOUT_SUCC once the
// transaction has waited past waitSeconds and at least one replica
// succeeded — a deliberate forward move since the publish task already
// holds an assigned version (§4.9, §9).
func CheckQuorum(t *tablet.Tablet, txnID, targetVersion int64, tasks map[int64]*TaskResult, required int, firstPublishTime, now time.Time, waitSeconds int64, cfg AlterCheckConfig) QuorumResult {
	var result QuorumResult
	for _, r := range t.Replicas() {
		verdict, errored := ClassifyReplica(r, txnID, t.ID, targetVersion, tasks[r.BackendID], cfg)
		if errored {
			result.ErrorReplicaIDs = append(result.ErrorReplicaIDs, r.ID)
		}
		if verdict == ReplicaSuccess {
			result.SuccReplicas++
		}
	}

	switch {
	case result.SuccReplicas >= required:
		result.Verdict = TabletSucc
	case result.SuccReplicas > 0 && !firstPublishTime.IsZero() && now.Sub(firstPublishTime) > time.Duration(waitSeconds)*time.Second:
		result.Verdict = TabletTimeoutSucc
	default:
		result.Verdict = TabletFailed
	}
	return result
}

// UpdateReplicaAfterVisible implements §4.12's per-replica catalog update.
// currentVisibleVersion must be read before the partition's visible
// version is bumped — the "replica's current version is not caught up to
// the partition's current visible version" check is relative to the
// pre-bump value.
func UpdateReplicaAfterVisible(r *tablet.Replica, isError bool, currentVisibleVersion, commitVersion int64) {
	var newVersion, lastFailedVersion, lastSuccessVersion int64
	lastFailedVersion = r.LastFailedVersion
	lastSuccessVersion = r.LastSuccessVersion

	if !isError {
		if r.Version < currentVisibleVersion {
			lastFailedVersion = currentVisibleVersion
			newVersion = r.Version
		} else {
			newVersion = commitVersion
		}
		lastSuccessVersion = commitVersion
	} else {
		newVersion = r.Version
		if commitVersion > lastFailedVersion {
			lastFailedVersion = commitVersion
		}
	}

	r.Version = newVersion
	r.LastFailedVersion = lastFailedVersion
	r.LastSuccessVersion = lastSuccessVersion
}

// UpdateCatalogAfterVisible applies UpdateReplicaAfterVisible to every
// replica of every tablet in tablets, then advances the partition's
// visible version (§4.12).
func UpdateCatalogAfterVisible(p *tablet.Partition, tablets []*tablet.Tablet, errorReplicaIDs map[int64]bool, commitVersion, versionTime int64) {
	currentVisible := p.CurrentVisibleVersion()
	for _, t := range tablets {
		for _, r := range t.Replicas() {
			UpdateReplicaAfterVisible(r, errorReplicaIDs[r.ID], currentVisible, commitVersion)
		}
	}
	p.AdvanceVisible(commitVersion, versionTime)
}
