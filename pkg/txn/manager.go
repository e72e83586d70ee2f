package txn

import (
	"fmt"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/lakestor/storagenode/pkg/engineerr"
	"github.com/lakestor/storagenode/pkg/events"
	"github.com/lakestor/storagenode/pkg/log"
	"github.com/lakestor/storagenode/pkg/metrics"
	"github.com/lakestor/storagenode/pkg/tablet"
)

// QuotaChecker gates Begin against a database's data quota. The quota
// model itself lives outside this package; a no-op checker admits every
// database.
type QuotaChecker interface {
	CheckDataQuota(dbID int64) error
}

// NoopQuotaChecker admits every database.
type NoopQuotaChecker struct{}

func (NoopQuotaChecker) CheckDataQuota(int64) error { return nil }

// QuorumFunc reports the number of successful replicas a partition's
// write needs to become visible (loadRequiredReplicaNum, glossary).
type QuorumFunc func(partitionID int64) int

// Limits bundles the per-database knobs Begin/expiry consult.
type Limits struct {
	RunningTxnQuota           int
	LabelKeepSeconds          int64
	StreamingLabelKeepSeconds int64
	PublishWaitSeconds        int64
	LockReportThreshold       time.Duration
}

// TransactionManager is the process-wide map from db_id to
// DatabaseTransactionManager (§4.7). It owns the single monotonic id
// generator shared across every database.
type TransactionManager struct {
	mu     sync.Mutex
	dbs    map[int64]*DatabaseTransactionManager
	idGen  *IDGenerator
	collab tablet.Collaborators
	quorum QuorumFunc
	quota  QuotaChecker
	limits Limits
	broker *events.Broker
}

// SetEventBroker attaches the broker that every DatabaseTransactionManager
// created from this point on will fire state-transition events through.
// A nil broker (the default) makes FireTransition calls no-ops.
func (m *TransactionManager) SetEventBroker(b *events.Broker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broker = b
}

// NewTransactionManager creates a process-wide manager. quota may be nil
// (defaults to NoopQuotaChecker).
func NewTransactionManager(collab tablet.Collaborators, quorum QuorumFunc, quota QuotaChecker, limits Limits) *TransactionManager {
	if quota == nil {
		quota = NoopQuotaChecker{}
	}
	return &TransactionManager{
		dbs:    make(map[int64]*DatabaseTransactionManager),
		idGen:  NewIDGenerator(),
		collab: collab,
		quorum: quorum,
		quota:  quota,
		limits: limits,
	}
}

// ForDB returns (creating if necessary) the DatabaseTransactionManager for
// dbID. All operations are routed through this lookup.
func (m *TransactionManager) ForDB(dbID int64) *DatabaseTransactionManager {
	m.mu.Lock()
	defer m.mu.Unlock()

	db, ok := m.dbs[dbID]
	if !ok {
		db = newDatabaseTransactionManager(dbID, m.idGen, m.collab, m.quorum, m.quota, m.limits, m.broker)
		m.dbs[dbID] = db
	}
	return db
}

// DatabaseTransactionManager serializes every state transition for one
// database behind a single read/write lock (§4.7). No other database's
// lock is taken while it is held; the collaborator calls made under it
// (registry, tablet and partition lookups, the event broker's hooks) do
// take their own short-lived locks.
type DatabaseTransactionManager struct {
	dbID   int64
	idGen  *IDGenerator
	collab tablet.Collaborators
	quorum QuorumFunc
	quota  QuotaChecker
	limits Limits
	broker *events.Broker
	logger zerolog.Logger

	mu sync.RWMutex

	running       map[int64]*Transaction
	final         map[int64]*Transaction
	finalShort    finalDeque
	finalLong     finalDeque
	labelToTxnIDs map[string]map[int64]bool

	runningTxnNums            int
	runningRoutineLoadTxnNums int
}

func newDatabaseTransactionManager(dbID int64, idGen *IDGenerator, collab tablet.Collaborators, quorum QuorumFunc, quota QuotaChecker, limits Limits, broker *events.Broker) *DatabaseTransactionManager {
	return &DatabaseTransactionManager{
		dbID:          dbID,
		idGen:         idGen,
		collab:        collab,
		quorum:        quorum,
		quota:         quota,
		limits:        limits,
		broker:        broker,
		logger:        log.WithComponent("txn-manager").With().Int64("db_id", dbID).Logger(),
		running:       make(map[int64]*Transaction),
		final:         make(map[int64]*Transaction),
		labelToTxnIDs: make(map[string]map[int64]bool),
	}
}

// fireTransition is a nil-safe wrapper around broker.FireTransition.
func (d *DatabaseTransactionManager) fireTransition(t *Transaction, evtType events.EventType, from, to string) {
	if d.broker == nil {
		return
	}
	d.broker.FireTransition(&events.Event{
		Type:       evtType,
		DBID:       d.dbID,
		TxnID:      t.ID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     t.Reason,
	})
}

// validLabel enforces label non-emptiness and a conservative printable
// charset (§4.9 Begin).
func validLabel(label string) bool {
	if label == "" || len(label) > 128 {
		return false
	}
	for _, r := range label {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// BeginRequest describes a new load transaction.
type BeginRequest struct {
	Label            string
	TableIDs         []int64
	Coordinator      string
	SourceType       SourceType
	RequestID        string
	TimeoutMs        int64
	IsRoutineLoad    bool
	Retention        RetentionClass
	LoadedTblIndexes map[int64][]int64
}

// Begin implements §4.9's Begin procedure: label validation, quota check,
// label-collision/idempotent-retry resolution, running-count admission,
// and id allocation.
func (d *DatabaseTransactionManager) Begin(req BeginRequest) (int64, error) {
	if !validLabel(req.Label) {
		metrics.TransactionBeginTotal.WithLabelValues("invalid_label").Inc()
		return 0, engineerr.New(engineerr.CmdParamsError, "Begin", "invalid label %q", req.Label)
	}

	if err := d.quota.CheckDataQuota(d.dbID); err != nil {
		metrics.TransactionBeginTotal.WithLabelValues("quota_exceeded").Inc()
		return 0, engineerr.Wrap(engineerr.QuotaExceeded, "Begin", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existingIDs, ok := d.labelToTxnIDs[req.Label]; ok {
		for id := range existingIDs {
			existing := d.lookupLocked(id)
			if existing == nil || existing.Status == StatusAborted {
				continue
			}
			if existing.Status == StatusPrepare || existing.Status == StatusPrecommitted {
				if req.RequestID != "" && req.RequestID == existing.RequestID {
					metrics.TransactionBeginTotal.WithLabelValues("retry").Inc()
					return existing.ID, engineerr.Duplicated("Begin", existing.ID)
				}
			}
			metrics.TransactionBeginTotal.WithLabelValues("label_used").Inc()
			return 0, engineerr.New(engineerr.LabelAlreadyUsed, "Begin", "label %q already in use by txn %d", req.Label, existing.ID)
		}
	}

	if d.limits.RunningTxnQuota > 0 {
		nonRoutine := d.runningTxnNums - d.runningRoutineLoadTxnNums
		if !req.IsRoutineLoad && nonRoutine >= d.limits.RunningTxnQuota {
			metrics.TransactionBeginTotal.WithLabelValues("limit_exceeded").Inc()
			return 0, engineerr.New(engineerr.BeginTxnLimitExceed, "Begin", "running transaction quota %d exceeded", d.limits.RunningTxnQuota)
		}
	}

	id := d.idGen.Next()
	txn := &Transaction{
		ID:               id,
		Label:            req.Label,
		DBID:             d.dbID,
		TableIDs:         req.TableIDs,
		Coordinator:      req.Coordinator,
		SourceType:       req.SourceType,
		RequestID:        req.RequestID,
		Retention:        req.Retention,
		IsRoutineLoad:    req.IsRoutineLoad,
		Status:           StatusPrepare,
		PrepareTime:      time.Now(),
		TimeoutMs:        req.TimeoutMs,
		ErrorReplicas:    make(map[int64]bool),
		TableCommitInfos: make(map[int64]*TableCommitInfo),
		LoadedTblIndexes: req.LoadedTblIndexes,
	}

	d.running[id] = txn
	d.addLabelLocked(req.Label, id)
	d.runningTxnNums++
	if req.IsRoutineLoad {
		d.runningRoutineLoadTxnNums++
	}

	if req.SourceType == SourceFrontend {
		if err := d.collab.EditLog().LogTransactionState(d.dbID, id, string(StatusPrepare)); err != nil {
			d.logger.Warn().Err(err).Int64("txn_id", id).Msg("failed to persist PREPARE to edit log")
		}
	}

	metrics.TransactionBeginTotal.WithLabelValues("ok").Inc()
	metrics.TransactionsTotal.WithLabelValues(string(StatusPrepare)).Inc()
	d.fireTransition(txn, events.EventTxnPrepared, "", string(StatusPrepare))
	return id, nil
}

func (d *DatabaseTransactionManager) lookupLocked(id int64) *Transaction {
	if t, ok := d.running[id]; ok {
		return t
	}
	if t, ok := d.final[id]; ok {
		return t
	}
	return nil
}

// Get returns a transaction by id, from either index.
func (d *DatabaseTransactionManager) Get(id int64) (*Transaction, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t := d.lookupLocked(id)
	return t, t != nil
}

func (d *DatabaseTransactionManager) addLabelLocked(label string, id int64) {
	set, ok := d.labelToTxnIDs[label]
	if !ok {
		set = make(map[int64]bool)
		d.labelToTxnIDs[label] = set
	}
	set[id] = true
}

func (d *DatabaseTransactionManager) removeLabelLocked(label string, id int64) {
	set, ok := d.labelToTxnIDs[label]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(d.labelToTxnIDs, label)
	}
}

// finalizeLocked moves a transaction from running to final, updating the
// retention deque and counters. Caller must hold the write lock.
func (d *DatabaseTransactionManager) finalizeLocked(t *Transaction) {
	delete(d.running, t.ID)
	d.final[t.ID] = t
	d.runningTxnNums--
	if t.IsRoutineLoad {
		d.runningRoutineLoadTxnNums--
	}

	if t.Retention == RetentionShort {
		d.finalShort.PushBack(t.ID)
	} else {
		d.finalLong.PushBack(t.ID)
	}
}

// Abort implements §4.9 Abort: valid only from PREPARE or PRECOMMITTED.
func (d *DatabaseTransactionManager) Abort(id int64, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.running[id]
	if !ok {
		return engineerr.New(engineerr.TransactionNotFound, "Abort", "txn %d not found or not running", id)
	}
	if t.Status != StatusPrepare && t.Status != StatusPrecommitted {
		return engineerr.New(engineerr.Internal, "Abort", "txn %d in state %s cannot be aborted", id, t.Status)
	}

	prev := t.Status
	t.Status = StatusAborted
	t.Reason = reason
	t.FinishTime = time.Now()

	if err := d.collab.EditLog().LogTransactionState(d.dbID, id, string(StatusAborted)); err != nil {
		d.logger.Warn().Err(err).Int64("txn_id", id).Msg("failed to persist ABORTED to edit log")
	}

	d.finalizeLocked(t)
	metrics.TransactionsTotal.WithLabelValues(string(StatusAborted)).Inc()
	d.fireTransition(t, events.EventTxnAborted, string(prev), string(StatusAborted))
	return nil
}

// String renders a transaction for diagnostics, matching the teacher's
// preference for simple Stringer helpers over %+v formatting.
func (t *Transaction) String() string {
	return fmt.Sprintf("txn{id=%d label=%q status=%s}", t.ID, t.Label, t.Status)
}
