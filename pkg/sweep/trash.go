// Package sweep implements the engine's background reclamation work:
// trash/snapshot TTL sweeping with filename-embedded timestamps (§4.5),
// the four meta cleanup traversals (§4.6), and the unused-rowset GC
// sweeper (§4.4). The ticker/stop-channel daemon shape is grounded on the
// teacher's Reconciler (pkg/reconciler/reconciler.go); the non-blocking
// try-lock serialization has no teacher analogue and is built fresh from
// sync.Mutex.TryLock, the idiomatic stdlib primitive for this pattern.
package sweep

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/lakestor/storagenode/pkg/config"
	"github.com/lakestor/storagenode/pkg/engineerr"
	"github.com/lakestor/storagenode/pkg/log"
	"github.com/lakestor/storagenode/pkg/metrics"
)

const (
	snapshotPrefix = "snapshot"
	trashPrefix    = "trash"
)

// trashNamePattern matches YYYYMMDDhhmmss[.n.ttl_seconds].
var trashNamePattern = regexp.MustCompile(`^(\d{14})(?:\.(\d+)\.(\d+))?$`)

// TrashEntry is one parsed snapshot/trash directory entry.
type TrashEntry struct {
	Name       string
	CreateTime time.Time
	Sequence   int64 // the optional <n>; 0 when absent
	TTL        time.Duration
	HasTTL     bool // whether the filename embedded its own TTL
}

// ParseTrashName parses a directory entry name into its create time and
// optional embedded TTL (§4.5, §8 property 7: round-trips to the same
// create time for every valid name).
func ParseTrashName(name string) (TrashEntry, error) {
	m := trashNamePattern.FindStringSubmatch(name)
	if m == nil {
		return TrashEntry{}, engineerr.New(engineerr.CmdParamsError, "ParseTrashName", "not a valid trash/snapshot name: %q", name)
	}

	createTime, err := time.ParseInLocation("20060102150405", m[1], time.Local)
	if err != nil {
		return TrashEntry{}, engineerr.Wrap(engineerr.CmdParamsError, "ParseTrashName", err)
	}

	entry := TrashEntry{Name: name, CreateTime: createTime}
	if m[2] != "" {
		seq, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return TrashEntry{}, engineerr.Wrap(engineerr.CmdParamsError, "ParseTrashName", err)
		}
		entry.Sequence = seq

		ttlSec, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			return TrashEntry{}, engineerr.Wrap(engineerr.CmdParamsError, "ParseTrashName", err)
		}
		entry.TTL = time.Duration(ttlSec) * time.Second
		entry.HasTTL = true
	}
	return entry, nil
}

// EffectiveTTL returns the TTL to apply to this entry: its own
// filename-embedded TTL if present, else the global default, forced to
// zero when usage has crossed flood stage (§4.5).
func (e TrashEntry) EffectiveTTL(globalTTL time.Duration, floodStage bool) time.Duration {
	if floodStage {
		return 0
	}
	if e.HasTTL {
		return e.TTL
	}
	return globalTTL
}

// Expired reports whether now - CreateTime >= ttl.
func (e TrashEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CreateTime) >= ttl
}

// TrashSweeper sweeps one DataDir's snapshot/ and trash/ subdirectories.
// A sync.Mutex standing in for the non-blocking try-lock serializes
// concurrent sweep requests for this path (§4.5).
type TrashSweeper struct {
	root    string
	cfg     *config.Config
	running sync.Mutex
}

// NewTrashSweeper creates a sweeper for one DataDir root.
func NewTrashSweeper(root string, cfg *config.Config) *TrashSweeper {
	return &TrashSweeper{root: root, cfg: cfg}
}

// Sweep runs one pass over snapshot/ and trash/, deleting entries whose
// effective TTL has elapsed. If another sweep is already running it
// returns immediately unless ignoreGuard is set, in which case it posts a
// "clean again" signal the caller should act on by re-invoking Sweep.
func (s *TrashSweeper) Sweep(now time.Time, usageRatio float64, ignoreGuard bool) (cleanAgain bool, err error) {
	if !s.running.TryLock() {
		return ignoreGuard, nil
	}
	defer s.running.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TrashSweepDuration)

	floodStage := usageRatio >= s.cfg.FloodStageThreshold()/100.0

	if err := s.sweepDir(filepath.Join(s.root, snapshotPrefix), s.cfg.SnapshotExpireTimeSec, now, floodStage, "snapshot"); err != nil {
		return false, err
	}
	if err := s.sweepDir(filepath.Join(s.root, trashPrefix), s.cfg.TrashFileExpireTimeSec, now, floodStage, "trash"); err != nil {
		return false, err
	}
	return false, nil
}

func (s *TrashSweeper) sweepDir(dir string, globalTTLSec int64, now time.Time, floodStage bool, kind string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return engineerr.Wrap(engineerr.IO, "sweepDir", err)
	}

	globalTTL := time.Duration(globalTTLSec) * time.Second
	deletedSinceSleep := 0

	for _, e := range entries {
		parsed, err := ParseTrashName(e.Name())
		if err != nil {
			log.WithDataDir(s.root).Debug().Str("entry", e.Name()).Msg("skipping unparseable trash entry")
			continue
		}

		ttl := parsed.EffectiveTTL(globalTTL, floodStage)
		if !parsed.Expired(now, ttl) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			log.WithDataDir(s.root).Warn().Err(err).Str("entry", e.Name()).Msg("failed to delete expired trash entry")
			continue
		}
		metrics.TrashEntriesDeletedTotal.WithLabelValues(kind).Inc()

		deletedSinceSleep++
		if deletedSinceSleep >= s.cfg.GarbageSweepBatchSize {
			deletedSinceSleep = 0
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}
