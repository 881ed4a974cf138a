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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/posthog/kafka-deduplicator/checkpoint"
	"github.com/posthog/kafka-deduplicator/sak"
	"github.com/posthog/kafka-deduplicator/store"
	"github.com/twmb/franz-go/pkg/kgo"
)

type sincer struct {
	then time.Time
}

func (s sincer) String() string {
	return fmt.Sprintf("%v", time.Since(s.then))
}

// recordSink is the output half of the transactional pipeline as the workers
// see it.
type recordSink interface {
	submit(record *Record, handle *MessageHandle)
	commitNow() error
}

// workerBacklogBatches is the queued-batch depth at which a partition's
// fetching is paused, and half of which is the resume watermark.
const workerBacklogBatches = 4

// partitionWorker owns one assigned partition end to end: its dedup store,
// its checkpoint schedule, and strictly ordered processing of its records.
// All record processing, checkpointing, and sweeping happens on the worker's
// single goroutine; the store never sees concurrent access.
type partitionWorker struct {
	tp          TopicPartition
	cfg         *Config
	client      *kgo.Client
	store       *store.Store
	engine      *checkpoint.Engine
	tracker     *InFlightTracker
	pipeline    recordSink
	defaultMode KeyMode
	inputMu     sync.Mutex
	inputBuf    [][]*kgo.Record
	wakeup      chan struct{}
	stopped     chan struct{}
	runStatus   sak.RunStatus
	workerSem   chan struct{}
	metrics     MetricsHandler
	fatal       func(error)
	storeDir    string
	startOffset int64
	abandoned   int64
}

func newPartitionWorker(
	tp TopicPartition,
	cfg *Config,
	client *kgo.Client,
	engine *checkpoint.Engine,
	tracker *InFlightTracker,
	pipeline recordSink,
	workerSem chan struct{},
	fatal func(error),
	runStatus sak.RunStatus) *partitionWorker {

	pw := &partitionWorker{
		tp:          tp,
		cfg:         cfg,
		client:      client,
		engine:      engine,
		tracker:     tracker,
		pipeline:    pipeline,
		defaultMode: cfg.DedupModeDefault,
		wakeup:      make(chan struct{}, 1),
		stopped:     make(chan struct{}),
		runStatus:   runStatus,
		workerSem:   workerSem,
		metrics:     cfg.MetricsHandler,
		fatal:       fatal,
		storeDir:    filepath.Join(cfg.DataDir, tp.Topic, fmt.Sprintf("%d", tp.Partition)),
	}
	go pw.work()
	return pw
}

// add hands a fetched record batch to the worker without ever blocking the
// caller's poll loop. Batches queue until the worker goroutine takes them,
// including batches arriving while the worker is still bootstrapping; fetched
// records are never dropped while the partition is owned. Batches arriving
// after revocation are dropped; the next owner will refetch them. Reports
// whether the backlog has reached capacity so the caller can pause the
// partition.
func (pw *partitionWorker) add(records []*kgo.Record) bool {
	if pw.isRevoked() {
		return false
	}
	pw.inputMu.Lock()
	pw.inputBuf = append(pw.inputBuf, records)
	depth := len(pw.inputBuf)
	pw.inputMu.Unlock()
	select {
	case pw.wakeup <- struct{}{}:
	default:
	}
	return depth >= workerBacklogBatches
}

// nextBatch pops the oldest queued batch, or nil when the queue is empty.
func (pw *partitionWorker) nextBatch() []*kgo.Record {
	pw.inputMu.Lock()
	defer pw.inputMu.Unlock()
	if len(pw.inputBuf) == 0 {
		return nil
	}
	batch := pw.inputBuf[0]
	pw.inputBuf[0] = nil
	pw.inputBuf = pw.inputBuf[1:]
	return batch
}

// backlogResumable reports whether the queue has drained to its low watermark.
func (pw *partitionWorker) backlogResumable() bool {
	pw.inputMu.Lock()
	defer pw.inputMu.Unlock()
	return len(pw.inputBuf) <= workerBacklogBatches/2
}

func (pw *partitionWorker) isRevoked() bool {
	return !pw.runStatus.Running()
}

func (pw *partitionWorker) work() {
	defer close(pw.stopped)
	if err := pw.bootstrap(); err != nil {
		pw.fatal(newPartitionError(pw.tp, PartitionFatal, err))
		return
	}

	checkpointTicker := time.NewTicker(pw.cfg.CheckpointInterval)
	sweepTicker := time.NewTicker(pw.cfg.SweepInterval)
	defer checkpointTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-pw.wakeup:
			for batch := pw.nextBatch(); batch != nil; batch = pw.nextBatch() {
				if pw.isRevoked() {
					break
				}
				pw.processRecords(batch)
			}
		case <-checkpointTicker.C:
			pw.checkpointNow(pw.runStatus.Ctx())
		case <-sweepTicker.C:
			pw.sweep()
		case <-pw.runStatus.Done():
			pw.shutdown()
			return
		}
	}
}

// bootstrap pauses fetching for the partition, restores the newest usable
// checkpoint, and opens the store. A store that will not open over restored
// files is discarded and the partition starts with an empty index.
func (pw *partitionWorker) bootstrap() error {
	elapsed := sincer{time.Now()}
	pw.client.PauseFetchPartitions(map[string][]int32{
		pw.tp.Topic: {pw.tp.Partition},
	})
	defer pw.client.ResumeFetchPartitions(map[string][]int32{
		pw.tp.Topic: {pw.tp.Partition},
	})

	if err := os.RemoveAll(pw.storeDir); err != nil {
		return err
	}
	manifest, err := pw.engine.Import(pw.runStatus.Ctx(), pw.tp.Topic, pw.tp.Partition, pw.storeDir)
	if err != nil {
		return err
	}
	if manifest != nil {
		pw.startOffset = manifest.CommitOffset
		if pw.metrics != nil {
			pw.metrics(Metric{
				Operation: CheckpointImportOperation,
				Topic:     pw.tp.Topic,
				Partition: pw.tp.Partition,
				GroupId:   pw.cfg.GroupId,
				StartTime: elapsed.then,
				EndTime:   time.Now(),
				Count:     1,
			})
		}
	}

	pw.store, err = store.Open(pw.storeDir, pw.cfg.StoreGetTimeout)
	if err != nil {
		log.Errorf("store for %+v unusable, starting empty: %v", pw.tp, err)
		if err = os.RemoveAll(pw.storeDir); err != nil {
			return err
		}
		if pw.store, err = store.Open(pw.storeDir, pw.cfg.StoreGetTimeout); err != nil {
			return err
		}
	}

	pw.tracker.AddPartition(pw.tp)
	log.Debugf("partitionWorker activated %+v at offset %d in %v", pw.tp, pw.startOffset, elapsed)
	return nil
}

func (pw *partitionWorker) processRecords(records []*kgo.Record) {
	for _, record := range records {
		if pw.isRevoked() {
			return
		}
		if record == nil || record.Offset < pw.startOffset {
			// already part of a committed transaction before restore
			continue
		}
		handle, err := pw.tracker.Track(pw.tp, record.Offset, record.LeaderEpoch, recordSize(*record))
		if err != nil {
			return
		}
		pw.workerSem <- struct{}{}
		pw.processRecord(newIncomingRecord(record), handle)
		<-pw.workerSem
	}
}

// processRecord runs the dedup decision for one message and hands the
// resulting outputs to the transactional pipeline with the message's handle.
func (pw *partitionWorker) processRecord(record IncomingRecord, handle *MessageHandle) {
	event, err := DecodeEvent(record.Value())
	if err != nil {
		pw.skip(record, handle, err)
		return
	}

	result, err := pw.deduplicate(event, record.Value())
	if err != nil {
		switch class := ClassifyError(err); class {
		case Transient:
			// fail open, a late duplicate beats a wedged partition
			log.Warnf("dedup store read failed for %+v offset %d, forwarding unchecked: %v", pw.tp, record.Offset(), err)
			result = newResult(pw.modeFor(event))
		case PerMessageFatal:
			pw.skip(record, handle, err)
			return
		default:
			handle.Nack()
			pw.fatal(newPartitionError(pw.tp, class, err))
			return
		}
	}

	switch result.Kind {
	case ResultNew:
		pw.pipeline.submit(pw.forwardRecord(event, record, result), handle)
	case ResultConfirmedDuplicate, ResultPotentialDuplicate:
		// duplicates of either confidence are withheld from the
		// deduplicated topic; only the report is published
		pw.pipeline.submit(pw.reportRecord(event, record, result), handle)
		pw.emitDuplicateMetric()
	}
}

// deduplicate looks the event up under both key modes and classifies the hit.
// The uuid key is checked first: a hit there means the full identity matched,
// which is reported as a uuid duplicate. A timestamp-key hit with a differing
// uuid is reported as a timestamp duplicate.
func (pw *partitionWorker) deduplicate(event *Event, raw []byte) (DeduplicationResult, error) {
	mode := pw.modeFor(event)
	uuidKey := event.DedupKey(UuidKey)
	tsKey := event.DedupKey(TimestampKey)

	if md, ok, err := pw.store.Get(uuidKey); err != nil {
		return DeduplicationResult{}, err
	} else if ok {
		return pw.resolveDuplicate(event, md, uuidKey, UuidKey)
	}
	if md, ok, err := pw.store.Get(tsKey); err != nil {
		return DeduplicationResult{}, err
	} else if ok {
		return pw.resolveDuplicate(event, md, tsKey, TimestampKey)
	}

	now := time.Now().UnixMicro()
	md := store.NewMetadata(raw, now)
	if _, err := pw.store.PutIfAbsent(tsKey, md); err != nil {
		return DeduplicationResult{}, err
	}
	if _, err := pw.store.PutIfAbsent(uuidKey, md); err != nil {
		return DeduplicationResult{}, err
	}
	return newResult(mode), nil
}

func (pw *partitionWorker) resolveDuplicate(event *Event, md *store.Metadata, key []byte, hitMode KeyMode) (DeduplicationResult, error) {
	if _, err := pw.store.UpdateSeen(key, time.Now().UnixMicro()); err != nil {
		return DeduplicationResult{}, err
	}
	original, err := DecodeEvent(md.Event)
	if err != nil {
		// the stored original is undecodable, treat as confirmed exact hit
		log.Warnf("stored original for %+v is undecodable: %v", pw.tp, err)
		exact := Similarity{OverallScore: 1, PropertiesSimilarity: 1}
		return duplicateResult(hitMode, exact, md.Event, true, ReasonExactMatch), nil
	}
	sim := ComputeSimilarity(original, event, hitMode)
	confirmed, reason := classifyDuplicate(sim, hitMode, pw.cfg.ConfirmationThreshold)
	return duplicateResult(hitMode, sim, md.Event, confirmed, reason), nil
}

// modeFor picks the key mode for an event. Cookieless events have no stable
// uuid, so they always dedup in timestamp mode.
func (pw *partitionWorker) modeFor(event *Event) KeyMode {
	if event.isCookieless() {
		return TimestampKey
	}
	return pw.defaultMode
}

func (pw *partitionWorker) forwardRecord(event *Event, record IncomingRecord, result DeduplicationResult) *Record {
	out := NewRecord().
		WithTopic(pw.cfg.DeduplicatedTopic).
		WithKeyString(event.OutputKey())
	for _, h := range record.Headers() {
		out.WithHeader(h.Key, h.Value)
	}
	out.WithDecision(result.Kind, result.Mode)
	out.WriteValue(record.Value())
	return out
}

func (pw *partitionWorker) reportRecord(event *Event, record IncomingRecord, result DeduplicationResult) *Record {
	report := buildReport(result, record.Value())
	data, err := json.Marshal(report)
	if err != nil {
		// report schema is fully under our control
		panic(err)
	}
	out := NewRecord().
		WithTopic(pw.cfg.DuplicateReportsTopic).
		WithKeyString(event.OutputKey()).
		WithDecision(result.Kind, result.Mode)
	out.WriteValue(data)
	return out
}

// skip acks an unprocessable message without producing anything. Its offset
// commits with the next transaction.
func (pw *partitionWorker) skip(record IncomingRecord, handle *MessageHandle, cause error) {
	log.Debugf("skipping offset %d on %+v: %v", record.Offset(), pw.tp, cause)
	if pw.metrics != nil {
		pw.metrics(Metric{
			Operation: SkippedOperation,
			Topic:     pw.tp.Topic,
			Partition: pw.tp.Partition,
			GroupId:   pw.cfg.GroupId,
			StartTime: time.Now(),
			EndTime:   time.Now(),
			Count:     1,
			Bytes:     len(record.Value()),
		})
	}
	handle.Ack()
}

func (pw *partitionWorker) emitDuplicateMetric() {
	if pw.metrics == nil {
		return
	}
	pw.metrics(Metric{
		Operation: DuplicateOperation,
		Topic:     pw.tp.Topic,
		Partition: pw.tp.Partition,
		GroupId:   pw.cfg.GroupId,
		StartTime: time.Now(),
		EndTime:   time.Now(),
		Count:     1,
	})
}

// checkpointNow commits all outstanding work and snapshots the store. Because
// the worker processes records on this same goroutine, after a successful
// sync commit the store contents and the partition's commit offset describe
// exactly the same prefix of the partition. ctx bounds the object store
// transfers; the final checkpoint runs after the run status has halted, so it
// carries its own deadline.
func (pw *partitionWorker) checkpointNow(ctx context.Context) {
	if err := pw.pipeline.commitNow(); err != nil {
		pw.fatal(err)
		return
	}
	offset, ok := pw.tracker.CommitOffsetFor(pw.tp)
	if !ok {
		offset = pw.startOffset
	}
	start := time.Now()
	attempt := start.UnixMicro()
	snapDir := store.SnapshotDir(pw.storeDir, attempt)
	if err := pw.store.CreateCheckpoint(snapDir); err != nil {
		log.Errorf("checkpoint snapshot failed for %+v: %v", pw.tp, err)
		return
	}
	defer os.RemoveAll(snapDir)

	_, err := pw.engine.Export(ctx, snapDir, pw.tp.Topic, pw.tp.Partition, attempt, offset)
	if err != nil {
		log.Errorf("checkpoint export failed for %+v: %v", pw.tp, err)
		return
	}
	if err = pw.engine.Prune(ctx, pw.tp.Topic, pw.tp.Partition, pw.cfg.CheckpointRetentionCount); err != nil {
		log.Warnf("checkpoint prune failed for %+v: %v", pw.tp, err)
	}
	if pw.metrics != nil {
		pw.metrics(Metric{
			Operation: CheckpointExportOperation,
			Topic:     pw.tp.Topic,
			Partition: pw.tp.Partition,
			GroupId:   pw.cfg.GroupId,
			StartTime: start,
			EndTime:   time.Now(),
			Count:     1,
		})
	}
}

func (pw *partitionWorker) sweep() {
	cutoff := time.Now().Add(-pw.cfg.RetentionWindow).UnixMicro()
	start := time.Now()
	removed, err := pw.store.SweepExpired(cutoff)
	if err != nil {
		log.Errorf("retention sweep failed for %+v: %v", pw.tp, err)
		return
	}
	log.Debugf("retention sweep removed %d keys from %+v", removed, pw.tp)
	if pw.metrics != nil && removed > 0 {
		pw.metrics(Metric{
			Operation: RetentionSweepOperation,
			Topic:     pw.tp.Topic,
			Partition: pw.tp.Partition,
			GroupId:   pw.cfg.GroupId,
			StartTime: start,
			EndTime:   time.Now(),
			Count:     removed,
		})
	}
}

// revoke begins the worker's drain. Returns a channel that closes when the
// worker has fully stopped and released its store.
func (pw *partitionWorker) revoke() <-chan struct{} {
	pw.runStatus.Halt()
	return pw.stopped
}

// abandon stops the worker without draining or checkpointing. Used when the
// partition was lost rather than revoked: the new owner is already active and
// a late commit or checkpoint could clobber it.
func (pw *partitionWorker) abandon() <-chan struct{} {
	atomic.StoreInt64(&pw.abandoned, 1)
	pw.runStatus.Halt()
	return pw.stopped
}

// shutdown drains in-flight work, commits it, takes a final checkpoint, and
// releases the partition's resources. Runs on the worker goroutine after the
// run status is halted; no new records can arrive.
func (pw *partitionWorker) shutdown() {
	elapsed := sincer{time.Now()}
	if atomic.LoadInt64(&pw.abandoned) != 0 {
		pw.tracker.DropPartition(pw.tp)
		if err := pw.store.Close(); err != nil {
			log.Errorf("closing store for %+v: %v", pw.tp, err)
		}
		log.Debugf("partitionWorker for %+v abandoned in %v", pw.tp, elapsed)
		return
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), pw.cfg.DrainTimeout)
	err := pw.tracker.WaitDrain(drainCtx, pw.tp)
	cancel()
	if err != nil {
		log.Warnf("drain of %+v timed out, in-flight messages will be redelivered", pw.tp)
		if pw.metrics != nil {
			pw.metrics(Metric{
				Operation: DrainTimeoutOperation,
				Topic:     pw.tp.Topic,
				Partition: pw.tp.Partition,
				GroupId:   pw.cfg.GroupId,
				StartTime: elapsed.then,
				EndTime:   time.Now(),
				Count:     1,
			})
		}
	} else {
		checkpointCtx, cancelCheckpoint := context.WithTimeout(context.Background(), pw.cfg.ShutdownTimeout)
		pw.checkpointNow(checkpointCtx)
		cancelCheckpoint()
	}
	if err := pw.store.Close(); err != nil {
		log.Errorf("closing store for %+v: %v", pw.tp, err)
	}
	pw.tracker.DropPartition(pw.tp)
	log.Debugf("partitionWorker for %+v stopped in %v", pw.tp, elapsed)
}
