// Package engine wires the node's components together behind
// StorageEngineController: the single object cmd/storagenode constructs
// and the one every conceptual request in spec.md §6 is a method call on
// (§4.15 — no transport layer, consistent with the spec's RPC framing
// being out of scope). Grounded on the teacher's manager/scheduler/
// reconciler wiring in cmd/warren/main.go, adapted from "join a cluster"
// to "bring up local disks and background sweepers."
package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakestor/storagenode/pkg/config"
	"github.com/lakestor/storagenode/pkg/datadir"
	"github.com/lakestor/storagenode/pkg/diskmonitor"
	"github.com/lakestor/storagenode/pkg/engineerr"
	"github.com/lakestor/storagenode/pkg/events"
	"github.com/lakestor/storagenode/pkg/log"
	"github.com/lakestor/storagenode/pkg/placement"
	"github.com/lakestor/storagenode/pkg/rowset"
	"github.com/lakestor/storagenode/pkg/sweep"
	"github.com/lakestor/storagenode/pkg/tablet"
	"github.com/lakestor/storagenode/pkg/txn"
	"github.com/lakestor/storagenode/pkg/types"
)

// Options bundles what the controller needs beyond the config defaults:
// the disk paths to bring up, their medium and per-disk capacity, the
// cluster id this node believes it belongs to, the quorum function the
// transaction manager consults, and the fail-fast exit hook (§4.14).
type Options struct {
	Paths               []string
	Capacity            int64
	Medium              types.StorageMedium
	ConfiguredClusterID int32
	Quorum              txn.QuorumFunc
	Exit                diskmonitor.ExitFunc
}

// StorageEngineController owns every registered DataDir, the tablet
// placement cursor, the rowset lifecycle registries, the per-database
// transaction managers, and the background sweepers/monitor — the full
// local storage engine for one node (§1).
type StorageEngineController struct {
	cfg *config.Config

	Registry *datadir.Registry
	Placer   *placement.Placer
	Tablets  *tablet.MemoryRegistry

	Pending  *rowset.PendingRowsetSet
	Unused   *rowset.UnusedRowsetRegistry
	Querying *rowset.QueryingRowsetRegistry
	Rowsets  *types.RowsetIdGenerator

	Txns   *txn.TransactionManager
	Broker *events.Broker

	gc           *sweep.GCDaemon
	diskMon      *diskmonitor.Monitor
	trashMu      sync.Mutex
	trashDaemons map[string]*sweep.TrashSweepDaemon

	logger zerolog.Logger
}

// New brings up every configured disk, then constructs (without starting)
// the background daemons. An error here is fatal startup (§7: init
// errors fatal), matching the teacher's NewManager failure mode.
func New(cfg *config.Config, opts Options) (*StorageEngineController, error) {
	registry := datadir.NewRegistry()
	if err := registry.InitAllParallel(opts.Paths, opts.Capacity, opts.Medium, opts.ConfiguredClusterID, cfg.MinFileDescriptorNumber); err != nil {
		return nil, engineerr.Wrap(engineerr.IO, "engine.New", err)
	}

	placer, err := placement.NewPlacer(cfg.PartitionDiskIndexLRUSize)
	if err != nil {
		return nil, err
	}

	tablets := tablet.NewMemoryRegistry(tablet.NoopEditLog{})
	pending := rowset.NewPendingRowsetSet()
	unused := rowset.NewUnusedRowsetRegistry()
	querying := rowset.NewQueryingRowsetRegistry()
	rowsetIDs := types.NewRowsetIdGenerator(types.NewProcessBackendUID())

	broker := events.NewBroker()

	quorum := opts.Quorum
	if quorum == nil {
		quorum = func(int64) int { return 1 }
	}
	txnMgr := txn.NewTransactionManager(tablets, quorum, nil, txn.Limits{
		LabelKeepSeconds:          cfg.LabelKeepMaxSecond,
		StreamingLabelKeepSeconds: cfg.StreamingLabelKeepMaxSecond,
		PublishWaitSeconds:        cfg.PublishWaitTimeSecond,
		LockReportThreshold:       time.Duration(cfg.LockReportingThresholdMs) * time.Millisecond,
	})
	txnMgr.SetEventBroker(broker)

	remover := &rowsetRemover{tablets: tablets, registry: registry}
	gc := sweep.NewGCDaemon(cfg.UnusedRowsetGCInterval, time.Duration(cfg.UnusedRowsetDelaySeconds)*time.Second, unused, querying, pending, remover)

	trashDaemons := make(map[string]*sweep.TrashSweepDaemon, len(opts.Paths))
	for _, dir := range registry.All() {
		sweeper := sweep.NewTrashSweeper(dir.Root, cfg)
		d := dir
		trashDaemons[dir.Root] = sweep.NewTrashSweepDaemon(cfg.TrashSweepInterval, sweeper, func() float64 { return d.UsageRatio() })
	}

	diskMon := diskmonitor.New(cfg.DiskStatMonitorInterval, cfg.MaxPercentageOfErrorDisk, registry, opts.Exit)

	return &StorageEngineController{
		cfg:          cfg,
		Registry:     registry,
		Placer:       placer,
		Tablets:      tablets,
		Pending:      pending,
		Unused:       unused,
		Querying:     querying,
		Rowsets:      rowsetIDs,
		Txns:         txnMgr,
		Broker:       broker,
		gc:           gc,
		diskMon:      diskMon,
		trashDaemons: trashDaemons,
		logger:       log.WithComponent("engine"),
	}, nil
}

// Start begins every background daemon: the event broker's delivery
// loop, the unused-rowset GC sweep, one trash sweeper per disk, and the
// disk-stat monitor (§4.4, §4.5, §4.14).
func (e *StorageEngineController) Start() {
	e.Broker.Start()
	e.gc.Start()
	e.trashMu.Lock()
	for _, d := range e.trashDaemons {
		d.Start()
	}
	e.trashMu.Unlock()
	e.diskMon.Start()
	e.logger.Info().Int("data_dirs", len(e.Registry.All())).Msg("storage engine started")
}

// Stop signals every background daemon to exit, in the teacher's
// reverse-of-start order (cmd/warren/main.go shutdown sequence).
func (e *StorageEngineController) Stop() {
	e.diskMon.Stop()
	e.trashMu.Lock()
	for _, d := range e.trashDaemons {
		d.Stop()
	}
	e.trashMu.Unlock()
	e.gc.Stop()
	e.Broker.Stop()
	e.logger.Info().Msg("storage engine stopped")
}
