// Package types holds the value types shared across the storage engine's
// packages: storage medium/health tags, rowset identity and metadata, and
// the small enums the rest of the engine is built from (spec §3).
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// StorageMedium tags the physical medium backing a DataDir.
type StorageMedium string

const (
	MediumHDD    StorageMedium = "HDD"
	MediumSSD    StorageMedium = "SSD"
	MediumRemote StorageMedium = "REMOTE"
)

// DiskHealth is a DataDir's current health state.
type DiskHealth string

const (
	DiskUsed   DiskHealth = "USED"
	DiskBroken DiskHealth = "BROKEN"
)

// AvailabilityLevel buckets a DataDir by usage ratio for placement (§4.2).
type AvailabilityLevel int

const (
	AvailabilityLow AvailabilityLevel = iota
	AvailabilityMid
	AvailabilityHigh
)

// AvailabilityLevelOf classifies a usage ratio per the §4.2 thresholds.
func AvailabilityLevelOf(usageRatio float64) AvailabilityLevel {
	switch {
	case usageRatio < 0.70:
		return AvailabilityLow
	case usageRatio < 0.85:
		return AvailabilityMid
	default:
		return AvailabilityHigh
	}
}

// RowsetId is a globally-unique rowset identifier composed from a
// per-process backend UID and a monotonic counter (§3). Equality and
// hashing are by value; no total order is required or provided.
type RowsetId struct {
	BackendUID int64
	Counter    int64
}

func (r RowsetId) String() string {
	return fmt.Sprintf("%d-%d", r.BackendUID, r.Counter)
}

// RowsetIdGenerator allocates monotonically increasing RowsetIds scoped to
// one backend process.
type RowsetIdGenerator struct {
	backendUID int64
	next       int64
}

// NewRowsetIdGenerator creates a generator for the given backend UID.
func NewRowsetIdGenerator(backendUID int64) *RowsetIdGenerator {
	return &RowsetIdGenerator{backendUID: backendUID}
}

// NewProcessBackendUID mints a fresh per-process backend UID (§3) from a
// random UUID, so two engine processes started against the same disks
// never allocate overlapping RowsetIds. Folds all 16 bytes of the UUID
// down to an int64 rather than truncating, since RowsetId's collision
// resistance depends on using the whole identifier.
func NewProcessBackendUID() int64 {
	id := uuid.New()
	var folded int64
	for i, b := range id {
		folded ^= int64(b) << (8 * uint(i%8))
	}
	if folded < 0 {
		folded = -folded
	}
	return folded
}

// Next allocates the next RowsetId. Not safe for concurrent use without
// external synchronization; callers hold a lock (e.g. the pending set's).
func (g *RowsetIdGenerator) Next() RowsetId {
	g.next++
	return RowsetId{BackendUID: g.backendUID, Counter: g.next}
}

// RowsetState is a rowset's lifecycle state (§3).
type RowsetState string

const (
	RowsetPending   RowsetState = "PENDING"
	RowsetCommitted RowsetState = "COMMITTED"
	RowsetVisible   RowsetState = "VISIBLE"
)

// VersionRange is the closed-interval [Start, End] of partition versions a
// rowset covers.
type VersionRange struct {
	Start int64
	End   int64
}

// Overlaps reports whether r overlaps the visible history
// [1, visibleVersion] of a tablet.
func (r VersionRange) Overlaps(visibleVersion int64) bool {
	return r.Start <= visibleVersion && r.End >= 1
}

// RowsetMeta is a rowset's immutable identifying metadata (§3). The rowset
// payload (segment files) is out of scope; this is the record the engine
// reasons about for lifecycle and GC purposes.
type RowsetMeta struct {
	ID         RowsetId
	TabletID   int64
	TabletUID  int64
	Versions   VersionRange
	State      RowsetState
	IsLocal    bool
	SchemaHash int64
}

// UsefulTo reports whether the rowset is still useful to a tablet whose
// current visible version is visibleVersion — i.e. its version range
// overlaps the tablet's valid visible history (§3).
func (m *RowsetMeta) UsefulTo(visibleVersion int64) bool {
	return m.Versions.Overlaps(visibleVersion)
}
