// Package placement implements stores_for_create_tablet (spec §4.2): pick
// the DataDir a new tablet replica lands on, round-robining within the
// least-loaded availability band. It is grounded on peer-db's generic LRU
// wrapper (internal/es/cache.go) for the bounded per-(partition, medium)
// disk-index cache, adapted here to index/counter values rather than
// documents.
package placement

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lakestor/storagenode/pkg/engineerr"
	"github.com/lakestor/storagenode/pkg/metrics"
	"github.com/lakestor/storagenode/pkg/types"
)

// CandidateStore is the placement-relevant projection of a DataDir.
type CandidateStore struct {
	ID         int64
	Path       string
	Medium     types.StorageMedium
	Health     types.DiskHealth
	UsageRatio float64 // used / capacity
}

type diskIndexKey struct {
	partitionID int64
	medium      types.StorageMedium
}

// Placer tracks the round-robin cursor for each (partition, medium) pair
// a tablet create has been requested for, bounded by an LRU so a long
// running node doesn't accumulate one entry per partition forever. A
// per-medium last-used-index is kept outside the LRU so that when a
// partition's entry is evicted, placement resumes after the last disk
// actually used for that medium instead of drifting back to disk 0
// (§4.2 step 1).
type Placer struct {
	mu               sync.Mutex
	currIndex        *lru.Cache[diskIndexKey, int]
	lastUsedByMedium map[types.StorageMedium]int
}

// NewPlacer creates a Placer with the given bounded cache size
// (partition_disk_index_lru_size, §6).
func NewPlacer(lruSize int) (*Placer, error) {
	cache, err := lru.New[diskIndexKey, int](lruSize)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "NewPlacer", err)
	}
	return &Placer{
		currIndex:        cache,
		lastUsedByMedium: make(map[types.StorageMedium]int),
	}, nil
}

// StoresForCreateTablet implements §4.2: filter candidates to the
// requested medium and healthy, non-over-capacity stores; bucket them by
// availability band (low fill preferred over mid over high); then
// round-robin within the chosen band, advancing the cursor.
//
// On a cache miss for this (partition, medium) pair the cursor advances
// twice rather than once: set_index and get_and_set_next_disk_index both
// bump it in the original implementation, and this reimplementation
// preserves that double-advance to reproduce the same placement sequence
// (spec §9 open question iii).
func (p *Placer) StoresForCreateTablet(candidates []CandidateStore, partitionID int64, medium types.StorageMedium) (CandidateStore, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlacementLatency)

	var eligible []CandidateStore
	for _, c := range candidates {
		if c.Medium != medium {
			continue
		}
		if c.Health != types.DiskUsed {
			continue
		}
		if c.UsageRatio >= 1.0 {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return CandidateStore{}, engineerr.New(engineerr.NoAvailableRootPath, "StoresForCreateTablet", "no eligible store for medium %s", medium)
	}

	group := bestAvailabilityBand(eligible)
	sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })

	p.mu.Lock()
	defer p.mu.Unlock()

	key := diskIndexKey{partitionID: partitionID, medium: medium}
	idx, hit := p.currIndex.Get(key)

	start := 0
	if hit {
		start = idx % len(group)
	} else {
		last, ok := p.lastUsedByMedium[medium]
		if !ok {
			last = -1
		}
		start = last + 1
		if start < 0 {
			start = 0
		}
		start = start % len(group)
	}
	chosen := group[start]

	next := (start + 1) % len(group)
	p.currIndex.Add(key, next)
	if !hit {
		p.currIndex.Add(key, (next+1)%len(group))
	}
	p.lastUsedByMedium[medium] = next

	metrics.TabletsPlacedTotal.WithLabelValues(string(medium)).Inc()
	return chosen, nil
}

// bestAvailabilityBand groups candidates by AvailabilityLevelOf(usage)
// and returns the lowest non-empty band, preferring the least-loaded
// disks for new placements (§4.2).
func bestAvailabilityBand(candidates []CandidateStore) []CandidateStore {
	banded := map[types.AvailabilityLevel][]CandidateStore{}
	for _, c := range candidates {
		level := types.AvailabilityLevelOf(c.UsageRatio)
		banded[level] = append(banded[level], c)
	}
	for _, level := range []types.AvailabilityLevel{types.AvailabilityLow, types.AvailabilityMid, types.AvailabilityHigh} {
		if group, ok := banded[level]; ok && len(group) > 0 {
			return group
		}
	}
	return candidates
}
