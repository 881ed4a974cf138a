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
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	TxnCommitOperation        = "TxnCommit"
	CheckpointExportOperation = "CheckpointExport"
	CheckpointImportOperation = "CheckpointImport"
	DuplicateOperation        = "Duplicate"
	SkippedOperation          = "Skipped"
	DrainTimeoutOperation     = "DrainTimeout"
	RetentionSweepOperation   = "RetentionSweep"
)

type MetricsHandler func(Metric)

type Metric struct {
	StartTime      time.Time
	ExecuteTime    time.Time
	EndTime        time.Time
	Count          int
	Bytes          int
	PartitionCount int
	Partition      int32
	Operation      string
	Topic          string
	GroupId        string
}

func (m Metric) Duration() time.Duration {
	return m.EndTime.Sub(m.StartTime)
}

func (m Metric) Linger() time.Duration {
	return m.ExecuteTime.Sub(m.StartTime)
}

func (m Metric) ExecuteDuration() time.Duration {
	return m.EndTime.Sub(m.ExecuteTime)
}

// latencyRecorder aggregates commit latencies for the lifetime of the process.
// The distribution is logged once on shutdown; it exists to answer "what did
// transaction tail latency look like" without any metrics infrastructure.
type latencyRecorder struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func newLatencyRecorder() *latencyRecorder {
	// 1us..1min, 3 significant figures
	return &latencyRecorder{hist: hdrhistogram.New(1, time.Minute.Microseconds(), 3)}
}

func (lr *latencyRecorder) record(d time.Duration) {
	lr.mu.Lock()
	// out-of-range durations are clamped rather than dropped
	if err := lr.hist.RecordValue(d.Microseconds()); err != nil {
		lr.hist.RecordValue(lr.hist.HighestTrackableValue())
	}
	lr.mu.Unlock()
}

func (lr *latencyRecorder) logSummary(operation string) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.hist.TotalCount() == 0 {
		return
	}
	log.Infof("%s latency: count: %d, p50: %dus, p99: %dus, max: %dus",
		operation, lr.hist.TotalCount(),
		lr.hist.ValueAtQuantile(50), lr.hist.ValueAtQuantile(99), lr.hist.Max())
}
