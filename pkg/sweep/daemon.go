package sweep

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakestor/storagenode/pkg/log"
	"github.com/lakestor/storagenode/pkg/rowset"
)

// GCDaemon periodically runs the unused-rowset GC sweep until stopped.
// The ticker/stopCh shape is grounded on the teacher's Reconciler
// (pkg/reconciler/reconciler.go).
type GCDaemon struct {
	interval time.Duration
	delay    time.Duration
	registry *rowset.UnusedRowsetRegistry
	querying *rowset.QueryingRowsetRegistry
	pending  *rowset.PendingRowsetSet
	remover  RowsetRemover
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewGCDaemon creates a daemon driving RunUnusedRowsetGC every interval.
func NewGCDaemon(interval, delay time.Duration, registry *rowset.UnusedRowsetRegistry, querying *rowset.QueryingRowsetRegistry, pending *rowset.PendingRowsetSet, remover RowsetRemover) *GCDaemon {
	return &GCDaemon{
		interval: interval,
		delay:    delay,
		registry: registry,
		querying: querying,
		pending:  pending,
		remover:  remover,
		logger:   log.WithComponent("unused-rowset-gc"),
	}
}

// Start begins the sweep loop in its own goroutine.
func (g *GCDaemon) Start() {
	g.mu.Lock()
	g.stopCh = make(chan struct{})
	stopCh := g.stopCh
	g.mu.Unlock()

	go g.run(stopCh)
}

// Stop signals the loop to exit; it does not block for the loop to
// actually terminate (matching the teacher's Reconciler.Stop shape).
func (g *GCDaemon) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopCh != nil {
		close(g.stopCh)
		g.stopCh = nil
	}
}

func (g *GCDaemon) run(stopCh chan struct{}) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.logger.Info().Msg("unused-rowset GC daemon started")
	for {
		select {
		case <-ticker.C:
			deleted := RunUnusedRowsetGC(g.registry, g.querying, g.pending, g.remover, g.delay, time.Now())
			if deleted > 0 {
				g.logger.Debug().Int("deleted", deleted).Msg("unused-rowset sweep completed")
			}
		case <-stopCh:
			g.logger.Info().Msg("unused-rowset GC daemon stopped")
			return
		}
	}
}

// TrashSweepDaemon periodically sweeps one DataDir's trash/snapshot
// directories until stopped.
type TrashSweepDaemon struct {
	interval time.Duration
	sweeper  *TrashSweeper
	usageFn  func() float64
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewTrashSweepDaemon creates a daemon driving sweeper.Sweep every
// interval, reading current usage from usageFn at each tick.
func NewTrashSweepDaemon(interval time.Duration, sweeper *TrashSweeper, usageFn func() float64) *TrashSweepDaemon {
	return &TrashSweepDaemon{interval: interval, sweeper: sweeper, usageFn: usageFn, logger: log.WithComponent("trash-sweeper")}
}

func (t *TrashSweepDaemon) Start() {
	t.mu.Lock()
	t.stopCh = make(chan struct{})
	stopCh := t.stopCh
	t.mu.Unlock()

	go t.run(stopCh)
}

func (t *TrashSweepDaemon) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
}

func (t *TrashSweepDaemon) run(stopCh chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := t.sweeper.Sweep(time.Now(), t.usageFn(), false); err != nil {
				t.logger.Error().Err(err).Msg("trash sweep cycle failed")
			}
		case <-stopCh:
			return
		}
	}
}
