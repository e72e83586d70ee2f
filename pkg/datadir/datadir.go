package datadir

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/lakestor/storagenode/pkg/engineerr"
	"github.com/lakestor/storagenode/pkg/log"
	"github.com/lakestor/storagenode/pkg/metrics"
	"github.com/lakestor/storagenode/pkg/types"
)

const clusterIDKey = "cluster_id"

// DataDir is one physical root path the engine owns (§3).
type DataDir struct {
	Root       string
	Capacity   int64
	Medium     types.StorageMedium
	ClusterID  int32 // -1 = unset

	mu         sync.RWMutex
	health     types.DiskHealth
	usageRatio float64
	shard      int64

	meta *MetaStore
}

// New constructs a DataDir from configuration; it is not yet initialized.
func New(root string, capacity int64, medium types.StorageMedium) *DataDir {
	return &DataDir{
		Root:      root,
		Capacity:  capacity,
		Medium:    medium,
		ClusterID: -1,
		health:    types.DiskUsed,
	}
}

// Init opens the local meta store and reads the persisted cluster-id, if
// any (§3, §4.1). It does not perform cluster-wide reconciliation; that
// is the registry's job once every DataDir has initialized.
func (d *DataDir) Init() error {
	meta, err := OpenMetaStore(d.Root)
	if err != nil {
		return err
	}
	d.meta = meta

	value, ok, err := meta.Get(ClusterIDBucket(), []byte(clusterIDKey))
	if err != nil {
		return engineerr.Wrap(engineerr.IO, "DataDir.Init", err)
	}
	if ok {
		id, err := strconv.ParseInt(string(value), 10, 32)
		if err != nil {
			return engineerr.New(engineerr.Corruption, "DataDir.Init", "malformed cluster_id in %s: %v", d.Root, err)
		}
		d.ClusterID = int32(id)
	}
	return nil
}

// WriteClusterID persists id both on the struct and to the meta store
// (§4.1 cluster-id reconciliation).
func (d *DataDir) WriteClusterID(id int32) error {
	if err := d.meta.Put(ClusterIDBucket(), []byte(clusterIDKey), []byte(strconv.FormatInt(int64(id), 10))); err != nil {
		return engineerr.Wrap(engineerr.IO, "WriteClusterID", err)
	}
	d.ClusterID = id
	return nil
}

// MetaStore returns the DataDir's meta store, valid after Init.
func (d *DataDir) MetaStore() *MetaStore { return d.meta }

// Health returns the current health state.
func (d *DataDir) Health() types.DiskHealth {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

// MarkBroken flips the DataDir BROKEN, excluding it from placement.
func (d *DataDir) MarkBroken() {
	d.mu.Lock()
	d.health = types.DiskBroken
	d.mu.Unlock()
}

// HealthCheck probes the root path with a small write/read/remove cycle
// and updates the recorded health accordingly (§4.14). It never returns
// an error: a failed probe is itself the signal, recorded as BROKEN.
func (d *DataDir) HealthCheck() types.DiskHealth {
	probe := d.Root + "/.health_check"
	health := types.DiskUsed

	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		health = types.DiskBroken
	} else if _, err := os.ReadFile(probe); err != nil {
		health = types.DiskBroken
	} else {
		_ = os.Remove(probe)
	}

	d.mu.Lock()
	prev := d.health
	d.health = health
	d.mu.Unlock()

	if prev != health {
		log.WithDataDir(d.Root).Warn().Str("from", string(prev)).Str("to", string(health)).Msg("data dir health transition")
	}
	return health
}

// SetUsageRatio records the fraction of capacity currently used.
func (d *DataDir) SetUsageRatio(ratio float64) {
	d.mu.Lock()
	d.usageRatio = ratio
	d.mu.Unlock()
}

// UsageRatio returns the last-recorded usage fraction.
func (d *DataDir) UsageRatio() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.usageRatio
}

// NextShard allocates the next shard index for data/<shard>/... layout.
func (d *DataDir) NextShard(shardCount int64) int64 {
	return atomic.AddInt64(&d.shard, 1) % shardCount
}

// Close releases the meta store handle.
func (d *DataDir) Close() error {
	if d.meta == nil {
		return nil
	}
	return d.meta.Close()
}

// Registry owns the full set of configured DataDirs: parallel init,
// cluster-id reconciliation, the fd-limit check, and the medium-type
// census (§4.1). Its store map is mutated only at startup/teardown; the
// shared-resource policy lets readers use it under storeLock without
// blocking writers (§5).
type Registry struct {
	storeLock sync.RWMutex
	dirs      map[string]*DataDir
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{dirs: make(map[string]*DataDir)}
}

// InitAllParallel constructs and initializes one DataDir per configured
// path concurrently (§4.1: "one worker per path"), then performs
// cluster-id reconciliation and the fd-limit check. Startup fails iff at
// least one path fails to initialize.
func (r *Registry) InitAllParallel(paths []string, capacity int64, medium types.StorageMedium, configuredClusterID int32, minFDs int) error {
	dirs := make([]*DataDir, len(paths))
	errs := make([]error, len(paths))

	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			d := New(path, capacity, medium)
			errs[i] = d.Init()
			dirs[i] = d
		}(i, path)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return engineerr.Wrap(engineerr.IO, "InitAllParallel", err)
		}
		r.storeLock.Lock()
		r.dirs[paths[i]] = dirs[i]
		r.storeLock.Unlock()
	}

	if err := r.reconcileClusterID(configuredClusterID); err != nil {
		return err
	}
	return checkFDLimit(minFDs)
}

// reconcileClusterID implements §4.1 point (i): every present id must
// agree; missing ids are back-filled from a consensus id; disagreement is
// a corruption error; if no id exists anywhere, proceed (a heartbeat
// supplies one later).
func (r *Registry) reconcileClusterID(configuredClusterID int32) error {
	r.storeLock.RLock()
	defer r.storeLock.RUnlock()

	consensus := configuredClusterID
	for _, d := range r.dirs {
		if d.ClusterID < 0 {
			continue
		}
		if consensus < 0 {
			consensus = d.ClusterID
			continue
		}
		if d.ClusterID != consensus {
			return engineerr.New(engineerr.Corruption, "reconcileClusterID", "data dir %s has cluster_id %d, expected %d", d.Root, d.ClusterID, consensus)
		}
	}

	if consensus < 0 {
		return nil // no id available yet; wait for a heartbeat
	}

	for _, d := range r.dirs {
		if d.ClusterID < 0 {
			if err := d.WriteClusterID(consensus); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkFDLimit verifies the process's soft file-descriptor limit meets
// the configured minimum (§4.1 point ii).
func checkFDLimit(minFDs int) error {
	limit, err := currentFDSoftLimit()
	if err != nil {
		log.WithComponent("datadir").Warn().Err(err).Msg("could not read file descriptor limit")
		return nil
	}
	if limit < minFDs {
		return engineerr.New(engineerr.Internal, "checkFDLimit", "file descriptor soft limit %d below required minimum %d", limit, minFDs)
	}
	return nil
}

// All returns a snapshot of every registered DataDir.
func (r *Registry) All() []*DataDir {
	r.storeLock.RLock()
	defer r.storeLock.RUnlock()
	out := make([]*DataDir, 0, len(r.dirs))
	for _, d := range r.dirs {
		out = append(out, d)
	}
	return out
}

// Get looks up a DataDir by root path.
func (r *Registry) Get(path string) (*DataDir, bool) {
	r.storeLock.RLock()
	defer r.storeLock.RUnlock()
	d, ok := r.dirs[path]
	return d, ok
}

// AvailableMediumTypeCount recomputes _available_storage_medium_type_count
// (§4.1): the distinct mediums present among healthy dirs.
func (r *Registry) AvailableMediumTypeCount() int {
	r.storeLock.RLock()
	defer r.storeLock.RUnlock()

	seen := make(map[types.StorageMedium]bool)
	for _, d := range r.dirs {
		if d.Health() == types.DiskUsed {
			seen[d.Medium] = true
		}
	}
	return len(seen)
}

// RefreshUsage copies the path->ratio map under the store lock, then
// updates per-dir usage outside it — the controller never holds the
// store lock across blocking filesystem I/O after initialization (§5).
func (r *Registry) RefreshUsage(statFn func(path string) (usageRatio float64, err error)) {
	r.storeLock.RLock()
	snapshot := make([]*DataDir, 0, len(r.dirs))
	for _, d := range r.dirs {
		snapshot = append(snapshot, d)
	}
	r.storeLock.RUnlock()

	for _, d := range snapshot {
		ratio, err := statFn(d.Root)
		if err != nil {
			log.WithDataDir(d.Root).Warn().Err(err).Msg("usage stat failed")
			continue
		}
		d.SetUsageRatio(ratio)
		metrics.DataDirUsageRatio.WithLabelValues(d.Root).Set(ratio)
	}
}

// BrokenFraction returns the fraction of registered dirs currently
// BROKEN, for the fail-fast check (§4.1 Broken path policy).
func (r *Registry) BrokenFraction() float64 {
	r.storeLock.RLock()
	defer r.storeLock.RUnlock()

	if len(r.dirs) == 0 {
		return 0
	}
	broken := 0
	for _, d := range r.dirs {
		if d.Health() == types.DiskBroken {
			broken++
		}
	}
	return float64(broken) / float64(len(r.dirs))
}

// currentFDSoftLimit reads RLIMIT_NOFILE via /proc, avoiding a
// platform-specific syscall package for a value only Linux needs to
// report accurately for this check.
func currentFDSoftLimit() (int, error) {
	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		return 0, err
	}
	return parseNoFileSoftLimit(string(data))
}
