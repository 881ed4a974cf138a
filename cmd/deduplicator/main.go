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

// Command deduplicator runs the Kafka event deduplicator as a standalone
// process. Configuration is layered: defaults, then an optional YAML file
// named by -config or DEDUP_CONFIG, then DEDUP_* environment variables.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	dedup "github.com/posthog/kafka-deduplicator"
)

type appConfig struct {
	LogLevel         string   `koanf:"log_level"`
	BootstrapServers []string `koanf:"bootstrap_servers"`

	GroupId               string `koanf:"group_id"`
	Topic                 string `koanf:"topic"`
	DeduplicatedTopic     string `koanf:"deduplicated_topic"`
	DuplicateReportsTopic string `koanf:"duplicate_reports_topic"`
	OutputPartitions      int    `koanf:"output_partitions"`
	ReplicationFactor     int    `koanf:"replication_factor"`

	MaxInFlightMessages             int   `koanf:"max_in_flight_messages"`
	MaxInFlightMessagesPerPartition int   `koanf:"max_in_flight_messages_per_partition"`
	MaxMemoryBytes                  int64 `koanf:"max_memory_bytes"`
	WorkerThreads                   int   `koanf:"worker_threads"`

	PollTimeout     time.Duration `koanf:"poll_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	DrainTimeout    time.Duration `koanf:"drain_timeout"`
	AutoOffsetReset string        `koanf:"auto_offset_reset"`

	DataDir            string        `koanf:"data_dir"`
	StoreGetTimeout    time.Duration `koanf:"store_get_timeout"`
	RetentionWindow    time.Duration `koanf:"retention_window"`
	SweepInterval      time.Duration `koanf:"sweep_interval"`
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`
	CheckpointKeep     int           `koanf:"checkpoint_keep"`

	Bucket         string `koanf:"checkpoint_bucket"`
	BucketPrefix   string `koanf:"checkpoint_prefix"`
	BucketRegion   string `koanf:"checkpoint_region"`
	BucketEndpoint string `koanf:"checkpoint_endpoint"`

	DedupMode             string  `koanf:"dedup_mode"`
	ConfirmationThreshold float64 `koanf:"confirmation_threshold"`

	TargetBatchSize   int           `koanf:"target_batch_size"`
	MaxBatchSize      int           `koanf:"max_batch_size"`
	BatchDelay        time.Duration `koanf:"batch_delay"`
	MaxCommitAttempts int           `koanf:"max_commit_attempts"`
}

func defaults() appConfig {
	return appConfig{
		LogLevel:         "info",
		BootstrapServers: []string{"localhost:9092"},
		GroupId:          "deduplicator",
		Topic:            "events",
		DataDir:          "/var/lib/deduplicator",
		BucketPrefix:     "checkpoints",
		DedupMode:        "timestamp",
	}
}

// load layers the optional YAML file and DEDUP_* env vars over defaults.
func load(path string) (appConfig, error) {
	cfg := defaults()
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv("DEDUP_CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("DEDUP_", ".", func(s string) string {
		s = strings.ToLower(s)
		return strings.TrimPrefix(s, "dedup_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return cfg, err
	}

	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func logLevel(s string) dedup.LogLevel {
	switch strings.ToLower(s) {
	case "trace":
		return dedup.LogLevelTrace
	case "debug":
		return dedup.LogLevelDebug
	case "warn":
		return dedup.LogLevelWarn
	case "error":
		return dedup.LogLevelError
	default:
		return dedup.LogLevelInfo
	}
}

func toDedupConfig(cfg appConfig) (dedup.Config, error) {
	mode, ok := dedup.ParseKeyMode(cfg.DedupMode)
	if !ok {
		return dedup.Config{}, fmt.Errorf("unknown dedup_mode %q", cfg.DedupMode)
	}
	return dedup.Config{
		GroupId:               cfg.GroupId,
		Topic:                 cfg.Topic,
		DeduplicatedTopic:     cfg.DeduplicatedTopic,
		DuplicateReportsTopic: cfg.DuplicateReportsTopic,
		Cluster:               dedup.SimpleCluster(cfg.BootstrapServers),
		OutputPartitions:      cfg.OutputPartitions,
		ReplicationFactor:     cfg.ReplicationFactor,

		MaxInFlightMessages:             cfg.MaxInFlightMessages,
		MaxInFlightMessagesPerPartition: cfg.MaxInFlightMessagesPerPartition,
		MaxMemoryBytes:                  cfg.MaxMemoryBytes,
		WorkerThreads:                   cfg.WorkerThreads,

		PollTimeout:     cfg.PollTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		DrainTimeout:    cfg.DrainTimeout,
		AutoOffsetReset: dedup.AutoOffsetReset(cfg.AutoOffsetReset),

		DataDir:            cfg.DataDir,
		StoreGetTimeout:    cfg.StoreGetTimeout,
		RetentionWindow:    cfg.RetentionWindow,
		SweepInterval:      cfg.SweepInterval,
		CheckpointInterval: cfg.CheckpointInterval,

		CheckpointRetentionCount: cfg.CheckpointKeep,
		ObjectStore: dedup.ObjectStoreConfig{
			Bucket:   cfg.Bucket,
			Prefix:   cfg.BucketPrefix,
			Region:   cfg.BucketRegion,
			Endpoint: cfg.BucketEndpoint,
		},

		DedupModeDefault:      mode,
		ConfirmationThreshold: cfg.ConfirmationThreshold,

		Batch: dedup.BatchConfig{
			TargetBatchSize:   cfg.TargetBatchSize,
			MaxBatchSize:      cfg.MaxBatchSize,
			BatchDelay:        cfg.BatchDelay,
			MaxCommitAttempts: cfg.MaxCommitAttempts,
		},
	}, nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file (or set DEDUP_CONFIG)")
	flag.Parse()

	cfg, err := load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	level := logLevel(cfg.LogLevel)
	logger := dedup.InitLogger(dedup.SimpleLogger(level), level)

	dedupCfg, err := toDedupConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	d, err := dedup.New(dedupCfg)
	if err != nil {
		logger.Errorf("failed to initialize: %v", err)
		os.Exit(1)
	}

	logger.Infof("consuming %s as group %s", dedupCfg.Topic, dedupCfg.GroupId)
	d.Start()
	d.WaitForSignals(nil)
	if err := d.Err(); err != nil {
		logger.Errorf("exited with error: %v", err)
		os.Exit(1)
	}
}
