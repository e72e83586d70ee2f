// Package config holds the storage node's tunables: every configuration
// key enumerated in spec §6, with defaults matching the values the spec's
// worked examples assume. Config is loaded from an optional YAML file and
// layered with in-process defaults, mirroring the teacher's pattern of
// parsing YAML resources with gopkg.in/yaml.v3 (cmd/warren/apply.go).
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RowsetType selects the on-disk rowset format. Only Beta is supported;
// Alpha is retained as a named legacy value (spec §6).
type RowsetType string

const (
	RowsetTypeAlpha RowsetType = "ALPHA"
	RowsetTypeBeta  RowsetType = "BETA"
)

// Config is the full set of engine tunables.
type Config struct {
	// Sharding of in-memory indexes, to reduce lock contention.
	TabletMapShardSize int `yaml:"tablet_map_shard_size"`
	TxnMapShardSize    int `yaml:"txn_map_shard_size"`
	TxnShardSize       int `yaml:"txn_shard_size"`

	// Tablet placement (§4.2).
	PartitionDiskIndexLRUSize int `yaml:"partition_disk_index_lru_size"`

	// DataDir bring-up (§4.1).
	MinFileDescriptorNumber int     `yaml:"min_file_descriptor_number"`
	MaxPercentageOfErrorDisk float64 `yaml:"max_percentage_of_error_disk"`

	// Trash / snapshot sweeping (§4.5).
	SnapshotExpireTimeSec       int64   `yaml:"snapshot_expire_time_sec"`
	TrashFileExpireTimeSec      int64   `yaml:"trash_file_expire_time_sec"`
	StorageFloodStageUsagePct   float64 `yaml:"storage_flood_stage_usage_percent"`
	GarbageSweepBatchSize       int     `yaml:"garbage_sweep_batch_size"`

	// Rowset format (§6).
	DefaultRowsetType RowsetType `yaml:"default_rowset_type"`

	// Compaction scheduling knobs (scheduling/submission only, §1).
	EnableCompactionPriorityScheduling bool `yaml:"enable_compaction_priority_scheduling"`
	LowPriorityCompactionTaskNumPerDisk int `yaml:"low_priority_compaction_task_num_per_disk"`

	// Label retention (§4.8, §4.13).
	LabelNumThreshold             int   `yaml:"label_num_threshold"`
	LabelKeepMaxSecond             int64 `yaml:"label_keep_max_second"`
	StreamingLabelKeepMaxSecond     int64 `yaml:"streaming_label_keep_max_second"`

	// Lock diagnostics (§4.7).
	LockReportingThresholdMs int64 `yaml:"lock_reporting_threshold_ms"`

	// Publish / quorum (§4.9, §4.11).
	PublishWaitTimeSecond          int64 `yaml:"publish_wait_time_second"`
	PublishVersionCheckAlterReplica bool  `yaml:"publish_version_check_alter_replica"`
	PublishFailLogIntervalSecond   int64 `yaml:"publish_fail_log_interval_second"`

	// Broken disk persistence (§4.1).
	BrokenStoragePath []string `yaml:"broken_storage_path"`

	// Periods for background daemons. Not named individually in spec §6's
	// enumerated list but required to drive the sweepers it specifies.
	DiskStatMonitorInterval time.Duration `yaml:"disk_stat_monitor_interval"`
	TrashSweepInterval      time.Duration `yaml:"trash_sweep_interval"`
	UnusedRowsetGCInterval  time.Duration `yaml:"unused_rowset_gc_interval"`
	TxnExpiryInterval       time.Duration `yaml:"txn_expiry_interval"`

	// UnusedRowsetDelaySeconds is the delay §4.4/§9 grants in-flight
	// queries before a superseded rowset becomes eligible for deletion.
	UnusedRowsetDelaySeconds int64 `yaml:"unused_rowset_delay_seconds"`
}

// Default returns the configuration defaults. These intentionally match
// the concrete numbers used in spec §8's worked scenarios where the spec
// gives one (e.g. MAX_REMOVE_TXN_PER_ROUND is a txn package constant, not
// configurable).
func Default() *Config {
	return &Config{
		TabletMapShardSize:                  32,
		TxnMapShardSize:                     16,
		TxnShardSize:                        16,
		PartitionDiskIndexLRUSize:           10000,
		MinFileDescriptorNumber:             60000,
		MaxPercentageOfErrorDisk:            50,
		SnapshotExpireTimeSec:               86400,
		TrashFileExpireTimeSec:              3600 * 24,
		StorageFloodStageUsagePct:           95,
		GarbageSweepBatchSize:               200,
		DefaultRowsetType:                   RowsetTypeBeta,
		EnableCompactionPriorityScheduling:  false,
		LowPriorityCompactionTaskNumPerDisk: 2,
		LabelNumThreshold:                   2000,
		LabelKeepMaxSecond:                  3 * 24 * 3600,
		StreamingLabelKeepMaxSecond:         12 * 3600,
		LockReportingThresholdMs:            500,
		PublishWaitTimeSecond:               300,
		PublishVersionCheckAlterReplica:     true,
		PublishFailLogIntervalSecond:        30,
		BrokenStoragePath:                   nil,
		DiskStatMonitorInterval:             30 * time.Second,
		TrashSweepInterval:                  10 * time.Minute,
		UnusedRowsetGCInterval:              30 * time.Second,
		TxnExpiryInterval:                   10 * time.Second,
		UnusedRowsetDelaySeconds:            90,
	}
}

// Load reads a YAML config file and overlays it onto the defaults. A
// missing path is not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FloodStageThreshold returns the usage percentage (90% of
// storage_flood_stage_usage_percent) above which a path's trash TTL is
// forced to zero for an immediate reclaim (§4.5).
func (c *Config) FloodStageThreshold() float64 {
	return c.StorageFloodStageUsagePct * 0.9
}
