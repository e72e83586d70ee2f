package txn

import "sync/atomic"

// IDGenerator allocates monotonic, globally unique transaction ids,
// shared by every DatabaseTransactionManager under one TransactionManager.
type IDGenerator struct {
	next atomic.Int64
}

// NewIDGenerator creates a generator whose first id is 1.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next allocates the next transaction id.
func (g *IDGenerator) Next() int64 {
	return g.next.Add(1)
}
