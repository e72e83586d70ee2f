package txn

import (
	"time"

	"github.com/lakestor/storagenode/pkg/log"
	"github.com/lakestor/storagenode/pkg/metrics"
)

// maxRemoveTxnPerRound caps one expiry sweep's final-transaction drain, so
// a database with a huge backlog doesn't monopolize the write lock
// (§4.13 point 1).
const maxRemoveTxnPerRound = 10000

// RemoveExpiredAndTimeoutTxns implements §4.13's periodic sweep: drain
// expired finals from both retention deques, then abort timed-out running
// transactions.
func (d *DatabaseTransactionManager) RemoveExpiredAndTimeoutTxns(now time.Time) {
	d.drainExpiredFinals(now)
	d.abortTimedOutRunning(now)
}

func (d *DatabaseTransactionManager) drainExpiredFinals(now time.Time) {
	d.mu.Lock()

	removed := 0
	var latestShort, latestLong int64

	drain := func(deque *finalDeque, isShort bool) {
		for removed < maxRemoveTxnPerRound {
			id, ok := deque.Front()
			if !ok {
				return
			}
			t, final := d.final[id]
			if !final {
				// Already removed out of band; drop the stale entry.
				deque.PopFront()
				continue
			}
			if !t.IsExpired(now, d.limits.StreamingLabelKeepSeconds, d.limits.LabelKeepSeconds) {
				return
			}
			deque.PopFront()
			delete(d.final, id)
			d.removeLabelLocked(t.Label, id)
			removed++
			if isShort {
				latestShort = id
			} else {
				latestLong = id
			}
		}
	}

	drain(&d.finalShort, true)
	drain(&d.finalLong, false)

	d.mu.Unlock()

	if removed == 0 {
		return
	}
	metrics.TransactionsExpiredTotal.Add(float64(removed))
	if err := d.collab.EditLog().LogBatchRemoveTransactions(d.dbID, latestShort, latestLong); err != nil {
		d.logger.Warn().Err(err).Msg("failed to persist batch remove transactions")
	}
}

func (d *DatabaseTransactionManager) abortTimedOutRunning(now time.Time) {
	d.mu.RLock()
	var timedOut []int64
	for id, t := range d.running {
		if t.IsTimeout(now) {
			timedOut = append(timedOut, id)
		}
	}
	d.mu.RUnlock()

	for _, id := range timedOut {
		if err := d.Abort(id, "timeout by txn manager"); err != nil {
			log.WithComponent("txn-manager").Warn().Err(err).Int64("txn_id", id).Msg("failed to abort timed-out transaction")
			continue
		}
		metrics.TransactionsTimedOutTotal.Inc()
	}
}
