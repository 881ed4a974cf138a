// Copyright 2024 PostHog, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dedup

import (
	"fmt"
	"time"
)

/*
BatchConfig controls the transactional output pipeline.

	 On-Deck Txn            Commit Go-Routine
	┌───────────┐          ┌─────────────────────────────────────┐
	│ Decision  │          │  Committing Txn                     │
	│ Offset: 7 │          │  ┌───────────┐                      │
	├───────────┤          │  │ Decision  │  1: Begin            │
	│ Decision  │          │  │ Offset: 1 │                      │
	│ Offset: 8 │─────────►│  ├───────────┤  2: Produce Records  │
	├───────────┤          │  │ Decision  │                      │
	│ Decision  │          │  │ Offset: 2 │  3: Offsets → Txn    │
	│ Offset: 9 │          │  ├───────────┤                      │
	└───────────┘          │  │ Decision  │  4: Commit           │
	      ▲                │  │ Offset: 3 │                      │
	      │                │  └───────────┘                      │
	Incoming decisions     └─────────────────────────────────────┘
*/
type BatchConfig struct {
	// TargetBatchSize is the target number of dedup decisions in a transaction before a commit is attempted.
	TargetBatchSize int
	// MaxBatchSize is the maximum number of decisions in a transaction before the pipeline stops
	// accepting new decisions. Once a transaction reaches MaxBatchSize, it must be committed.
	MaxBatchSize int
	// The maximum amount of time to wait before committing a transaction. Once this time has elapsed,
	// the transaction will commit even if TargetBatchSize has not been achieved. This number is the
	// tail latency of the consume/produce cycle during periods of low activity.
	BatchDelay time.Duration
	// The maximum number of times an aborted transaction is retried before the error is
	// treated as fatal to the process.
	MaxCommitAttempts int
}

// IsZero returns true if BatchConfig is uninitialized, or all values equal zero.
// Used to determine whether the deduplicator should fall back to [DefaultBatchConfig].
func (c BatchConfig) IsZero() bool {
	return c == BatchConfig{}
}

func (c BatchConfig) validate() error {
	if c.TargetBatchSize <= 0 || c.MaxBatchSize < c.TargetBatchSize {
		return fmt.Errorf("invalid batch sizing: target %d, max %d", c.TargetBatchSize, c.MaxBatchSize)
	}
	if c.BatchDelay < time.Millisecond {
		return fmt.Errorf("batch delay must be >= 1ms, was %v", c.BatchDelay)
	}
	return nil
}

var DefaultBatchConfig = BatchConfig{
	TargetBatchSize:   1000,
	MaxBatchSize:      10000,
	BatchDelay:        10 * time.Millisecond,
	MaxCommitAttempts: 3,
}

// AutoOffsetReset mirrors the Kafka consumer configuration of the same name.
type AutoOffsetReset string

const (
	AutoOffsetResetEarliest AutoOffsetReset = "earliest"
	AutoOffsetResetLatest   AutoOffsetReset = "latest"
)

// ObjectStoreConfig names the object storage target for partition store checkpoints.
type ObjectStoreConfig struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

type Config struct {
	// The group id for the underlying Kafka consumer group. The transactional id of the
	// producer is derived from it as `<GroupId>-<instance suffix>` so that a replacing
	// instance fences its predecessor.
	GroupId string
	// The Kafka topic of incoming analytics events.
	Topic string
	// Unique events are forwarded here. Defaults to "deduplicated_events".
	DeduplicatedTopic string
	// Structured duplicate reports are published here. Defaults to "duplicate_reports".
	DuplicateReportsTopic string
	// The Kafka cluster hosting all three topics.
	Cluster Cluster
	// The desired partition count used when bootstrapping the output topics.
	OutputPartitions int
	// The desired replication factor used when bootstrapping the output topics. Defaults to 1.
	ReplicationFactor int

	// Bounds on outstanding work. A partition is paused when the per-partition bound is hit;
	// all consumption pauses when the global count or byte bounds are exceeded, resuming at
	// the low watermark.
	MaxInFlightMessages             int
	MaxInFlightMessagesPerPartition int
	MaxMemoryBytes                  int64

	// WorkerThreads bounds how many partition workers may process batches concurrently.
	WorkerThreads int

	PollTimeout     time.Duration
	ShutdownTimeout time.Duration
	// How long a revoked partition may take to finish in-flight work before its
	// remaining handles are nacked and the partition is surrendered anyway.
	DrainTimeout time.Duration

	AutoOffsetReset AutoOffsetReset

	// Local directory holding the per-partition dedup stores.
	DataDir string
	// How long a Get against the partition store may block.
	StoreGetTimeout time.Duration
	// Dedup keys unseen for longer than RetentionWindow are removed by the periodic sweep.
	RetentionWindow time.Duration
	SweepInterval   time.Duration

	CheckpointInterval       time.Duration
	CheckpointRetentionCount int
	ObjectStore              ObjectStoreConfig

	// The key mode driving deduplication: TimestampKey or UuidKey. See [KeyMode].
	DedupModeDefault KeyMode
	// Similarity threshold above which a duplicate sharing a key is confirmed.
	ConfirmationThreshold float64

	Batch BatchConfig

	// If non-nil, the deduplicator will emit [Metric] objects of varying types. The handler is
	// invoked inline from hot paths and must not block.
	MetricsHandler MetricsHandler
}

const (
	defaultDeduplicatedTopic     = "deduplicated_events"
	defaultDuplicateReportsTopic = "duplicate_reports"
)

func (c *Config) applyDefaults() {
	if c.DeduplicatedTopic == "" {
		c.DeduplicatedTopic = defaultDeduplicatedTopic
	}
	if c.DuplicateReportsTopic == "" {
		c.DuplicateReportsTopic = defaultDuplicateReportsTopic
	}
	if c.OutputPartitions <= 0 {
		c.OutputPartitions = 16
	}
	if c.MaxInFlightMessages <= 0 {
		c.MaxInFlightMessages = 10000
	}
	if c.MaxInFlightMessagesPerPartition <= 0 {
		c.MaxInFlightMessagesPerPartition = 1000
	}
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = 512 << 20
	}
	if c.WorkerThreads <= 0 {
		c.WorkerThreads = 8
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = AutoOffsetResetEarliest
	}
	if c.StoreGetTimeout <= 0 {
		c.StoreGetTimeout = 300 * time.Millisecond
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 5 * time.Minute
	}
	if c.CheckpointRetentionCount <= 0 {
		c.CheckpointRetentionCount = 3
	}
	if c.ConfirmationThreshold <= 0 {
		c.ConfirmationThreshold = 0.95
	}
	if c.Batch.IsZero() {
		c.Batch = DefaultBatchConfig
	}
	if c.Batch.MaxCommitAttempts <= 0 {
		c.Batch.MaxCommitAttempts = DefaultBatchConfig.MaxCommitAttempts
	}
}

func (c *Config) validate() error {
	if c.GroupId == "" {
		return fmt.Errorf("dedup: GroupId must be set")
	}
	if c.Topic == "" {
		return fmt.Errorf("dedup: Topic must be set")
	}
	if c.Cluster == nil {
		return fmt.Errorf("dedup: Cluster must be set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("dedup: DataDir must be set")
	}
	switch c.AutoOffsetReset {
	case AutoOffsetResetEarliest, AutoOffsetResetLatest:
	default:
		return fmt.Errorf("dedup: unknown auto offset reset policy %q", c.AutoOffsetReset)
	}
	switch c.DedupModeDefault {
	case TimestampKey, UuidKey:
	default:
		return fmt.Errorf("dedup: unknown dedup mode %d", c.DedupModeDefault)
	}
	if c.ConfirmationThreshold > 1.0 {
		return fmt.Errorf("dedup: confirmation threshold must be within (0.0, 1.0], was %f", c.ConfirmationThreshold)
	}
	return c.Batch.validate()
}
