package tablet

import "sync"

// partitionKey identifies a partition within a table.
type partitionKey struct {
	tableID     int64
	partitionID int64
}

// MemoryRegistry is an in-memory Collaborators implementation sufficient
// to drive the transaction state machine and its tests. It is not the
// tablet manager (out of scope, §1) — it exists so pkg/txn and pkg/publish
// have something concrete to run against without a real metadata store.
type MemoryRegistry struct {
	mu          sync.RWMutex
	tablets     map[int64]*Tablet
	partitions  map[partitionKey]*Partition
	tableStates map[int64]TableState
	editLog     EditLog
}

// NewMemoryRegistry creates an empty registry. A nil editLog installs a
// no-op logger.
func NewMemoryRegistry(editLog EditLog) *MemoryRegistry {
	if editLog == nil {
		editLog = NoopEditLog{}
	}
	return &MemoryRegistry{
		tablets:     make(map[int64]*Tablet),
		partitions:  make(map[partitionKey]*Partition),
		tableStates: make(map[int64]TableState),
		editLog:     editLog,
	}
}

// AddTablet registers a tablet.
func (m *MemoryRegistry) AddTablet(t *Tablet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tablets[t.ID] = t
}

// RemoveTablet drops a tablet, e.g. after a drop-table (used by meta
// cleanup traversals to simulate "tablet no longer exists").
func (m *MemoryRegistry) RemoveTablet(tabletID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tablets, tabletID)
}

// AddPartition registers a partition.
func (m *MemoryRegistry) AddPartition(p *Partition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions[partitionKey{p.TableID, p.ID}] = p
}

// SetTableState sets a table's state (RESTORE/ROLLUP/SCHEMA_CHANGE/NORMAL).
func (m *MemoryRegistry) SetTableState(tableID int64, state TableState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tableStates[tableID] = state
}

func (m *MemoryRegistry) GetTablet(tabletID int64) (*Tablet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tablets[tabletID]
	return t, ok
}

func (m *MemoryRegistry) GetPartition(tableID, partitionID int64) (*Partition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partitions[partitionKey{tableID, partitionID}]
	return p, ok
}

func (m *MemoryRegistry) GetTableState(tableID int64) (TableState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.tableStates[tableID]
	if !ok {
		return TableNormal, true
	}
	return s, true
}

// TabletsOfPartition returns every tablet belonging to the partition,
// restricted to indexFilter when non-empty (§4.10 point 3).
func (m *MemoryRegistry) TabletsOfPartition(tableID, partitionID int64, indexFilter []int64) []*Tablet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.partitions[partitionKey{tableID, partitionID}]
	if !ok {
		return nil
	}

	allowed := make(map[int64]bool, len(indexFilter))
	for _, idx := range indexFilter {
		allowed[idx] = true
	}

	var out []*Tablet
	for _, tabletID := range p.TabletIDs {
		t, ok := m.tablets[tabletID]
		if !ok {
			continue
		}
		if len(allowed) > 0 && !allowed[t.IndexID] {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (m *MemoryRegistry) EditLog() EditLog { return m.editLog }

// NoopEditLog discards every entry; used where persistence is irrelevant
// (tests, non-FRONTEND sources per §4.9 Begin).
type NoopEditLog struct{}

func (NoopEditLog) LogTransactionState(dbID, txnID int64, status string) error { return nil }
func (NoopEditLog) LogBatchRemoveTransactions(dbID int64, latestShortID, latestLongID int64) error {
	return nil
}
