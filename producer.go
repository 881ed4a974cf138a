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
	"reflect"
	"sync"
	"time"

	"github.com/posthog/kafka-deduplicator/sak"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const noPendingDuration = time.Minute

// pendingOutput couples an outgoing record with the in-flight handle of the
// input message that produced it. The handle is acked only once the record is
// flushed inside a transaction; outputs and the input offset commit therefore
// share an atomic fate.
type pendingOutput struct {
	record *Record
	handle *MessageHandle
}

// outputPipeline drives the transactional produce cycle. Outputs accumulate
// in an on-deck batch; a batch is committed when it reaches the target size
// or the batch delay elapses. One transaction is open at a time.
//
// A commit: begin txn, produce the batch, flush, ack the handles, commit the
// tracker's safe offsets inside the txn, end txn. Transient failures abort
// and retry the whole batch; anything unretriable escalates through fatal.
type outputPipeline struct {
	client        *kgo.Client
	tracker       *InFlightTracker
	cfg           BatchConfig
	groupId       string
	topic         string
	buffer        chan pendingOutput
	syncRequests  chan chan error
	flushTimer    *time.Ticker
	onDeck        []pendingOutput
	lastCommitted map[string]map[int32]kgo.EpochOffset
	metrics       MetricsHandler
	latency       *latencyRecorder
	fatal         func(error)
	runStatus     sak.RunStatus
}

func newOutputPipeline(client *kgo.Client, tracker *InFlightTracker, cfg *Config, fatal func(error), runStatus sak.RunStatus) *outputPipeline {
	p := &outputPipeline{
		client:       client,
		tracker:      tracker,
		cfg:          cfg.Batch,
		groupId:      cfg.GroupId,
		topic:        cfg.Topic,
		buffer:       make(chan pendingOutput, cfg.Batch.MaxBatchSize),
		syncRequests: make(chan chan error),
		flushTimer:   time.NewTicker(noPendingDuration),
		metrics:      cfg.MetricsHandler,
		latency:      newLatencyRecorder(),
		fatal:        fatal,
		runStatus:    runStatus,
	}
	go p.run()
	return p
}

// submit queues an output for the next transaction. Blocks once MaxBatchSize
// outputs are pending, which backpressures the partition workers.
func (p *outputPipeline) submit(record *Record, handle *MessageHandle) {
	p.buffer <- pendingOutput{record: record, handle: handle}
}

// commitNow forces a synchronous commit of everything buffered so far.
// Used by the rebalance coordinator before taking a final checkpoint.
func (p *outputPipeline) commitNow() error {
	done := make(chan error, 1)
	select {
	case p.syncRequests <- done:
		return <-done
	case <-p.runStatus.Done():
		return p.runStatus.Err()
	}
}

func (p *outputPipeline) run() {
	for {
		select {
		case output := <-p.buffer:
			p.onDeck = append(p.onDeck, output)
			if len(p.onDeck) >= p.cfg.TargetBatchSize {
				p.commitBatch()
			} else if len(p.onDeck) == 1 {
				p.flushTimer.Reset(p.cfg.BatchDelay)
			}
		case <-p.flushTimer.C:
			p.commitBatch()
			if len(p.onDeck) == 0 {
				p.flushTimer.Reset(noPendingDuration)
			}
		case done := <-p.syncRequests:
			p.drainBuffer()
			done <- p.commitBatchErr()
		case <-p.runStatus.Done():
			p.flushTimer.Stop()
			p.latency.logSummary("txn commit")
			return
		}
	}
}

// drainBuffer moves everything already queued into the on-deck batch without
// blocking, so a sync commit covers all submitted outputs.
func (p *outputPipeline) drainBuffer() {
	for {
		select {
		case output := <-p.buffer:
			p.onDeck = append(p.onDeck, output)
		default:
			return
		}
	}
}

func (p *outputPipeline) commitBatch() {
	if err := p.commitBatchErr(); err != nil {
		p.fatal(err)
	}
}

// commitBatchErr commits the on-deck batch plus any committable offsets.
// An empty batch still commits offsets when progress exists, so that acked
// but output-less messages (skips, confirmed duplicates) reach the group.
func (p *outputPipeline) commitBatchErr() error {
	offsets := p.tracker.SafeCommitOffsets()
	if len(p.onDeck) == 0 && reflect.DeepEqual(offsets, p.lastCommitted) {
		return nil
	}

	var err error
	start := time.Now()
	for attempt := 1; ; attempt++ {
		err = p.attemptCommit()
		if err == nil {
			break
		}
		if ClassifyError(err) != Transient || attempt >= p.cfg.MaxCommitAttempts {
			p.abandonBatch()
			return err
		}
		log.Warnf("txn commit attempt %d/%d failed, retrying: %v", attempt, p.cfg.MaxCommitAttempts, err)
	}
	p.latency.record(time.Since(start))
	p.finishBatch(start)
	return nil
}

// attemptCommit runs one full transaction attempt over the on-deck batch.
// On error the transaction has been aborted and the batch is intact for retry.
func (p *outputPipeline) attemptCommit() error {
	ctx := p.runStatus.Ctx()
	if err := p.client.BeginTransaction(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, output := range p.onDeck {
		output := output
		output.record.err = nil
		wg.Add(1)
		p.client.Produce(ctx, output.record.toKafkaRecord(), func(r *kgo.Record, err error) {
			output.record.err = err
			wg.Done()
		})
	}

	flushCtx, cancelFlush := context.WithTimeout(ctx, 30*time.Second)
	err := p.client.Flush(flushCtx)
	cancelFlush()
	wg.Wait()
	if err == nil {
		err = p.resolveProduceErrors()
	}
	if err != nil {
		return p.abortTxn(err)
	}

	// every output is durable in the txn; acking here lets the tracker
	// advance past these offsets for the commit below
	for _, output := range p.onDeck {
		output.handle.Ack()
	}

	offsets := p.tracker.SafeCommitOffsets()
	if len(offsets) > 0 {
		if err = p.commitOffsets(ctx, offsets); err != nil {
			return p.abortTxn(err)
		}
	}
	if err = p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return err
	}
	p.lastCommitted = offsets
	return nil
}

// resolveProduceErrors inspects per-record produce results. Records that
// failed permanently on their own account, an oversized payload for example,
// are dropped from the batch with their input acked: redelivering the input
// would reproduce the same unproducible record. Any other error is returned
// to abort and retry the whole batch.
func (p *outputPipeline) resolveProduceErrors() error {
	kept := p.onDeck[:0]
	for _, output := range p.onDeck {
		err := output.record.err
		if err == nil {
			kept = append(kept, output)
			continue
		}
		if ClassifyError(err) == PerMessageFatal {
			log.Errorf("dropping unproducible record for %v offset %d: %v",
				output.handle.TopicPartition(), output.handle.Offset(), err)
			if p.metrics != nil {
				p.metrics(Metric{
					Operation: SkippedOperation,
					Topic:     p.topic,
					GroupId:   p.groupId,
					StartTime: time.Now(),
					EndTime:   time.Now(),
					Count:     1,
					Partition: output.handle.TopicPartition().Partition,
				})
			}
			output.handle.Ack()
			output.record.Release()
			continue
		}
		return err
	}
	p.onDeck = kept
	return nil
}

func (p *outputPipeline) abortTxn(cause error) error {
	if err := p.client.EndTransaction(p.runStatus.Ctx(), kgo.TryAbort); err != nil {
		log.Errorf("txn abort failed: %v", err)
	}
	return cause
}

func (p *outputPipeline) commitOffsets(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset) error {
	done := make(chan error, 1)
	p.client.CommitOffsetsForTransaction(ctx, offsets,
		func(_ *kgo.Client, _ *kmsg.TxnOffsetCommitRequest, resp *kmsg.TxnOffsetCommitResponse, err error) {
			if err == nil {
				err = firstOffsetCommitError(resp)
			}
			done <- err
		})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstOffsetCommitError(resp *kmsg.TxnOffsetCommitResponse) error {
	for _, topic := range resp.Topics {
		for _, partition := range topic.Partitions {
			if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
				return err
			}
		}
	}
	return nil
}

// finishBatch releases records, emits the commit metric, and clears the deck.
func (p *outputPipeline) finishBatch(start time.Time) {
	byteCount := 0
	partitions := make(map[TopicPartition]struct{})
	for i, output := range p.onDeck {
		byteCount += recordSize(output.record.kRecord)
		partitions[output.handle.TopicPartition()] = struct{}{}
		output.record.Release()
		p.onDeck[i] = pendingOutput{}
	}
	if p.metrics != nil && len(p.onDeck) > 0 {
		p.metrics(Metric{
			Operation:      TxnCommitOperation,
			Topic:          p.topic,
			GroupId:        p.groupId,
			StartTime:      start,
			ExecuteTime:    start,
			EndTime:        time.Now(),
			Count:          len(p.onDeck),
			Bytes:          byteCount,
			PartitionCount: len(partitions),
			Partition:      -1,
		})
	}
	p.onDeck = p.onDeck[:0]
}

// abandonBatch fails every handle and releases the records. Called when a
// batch cannot be committed. Handles acked by an earlier attempt of the same
// batch are capped too, so no later commit can cover an offset whose outputs
// were aborted.
func (p *outputPipeline) abandonBatch() {
	for i, output := range p.onDeck {
		output.handle.Fail()
		output.record.Release()
		p.onDeck[i] = pendingOutput{}
	}
	p.onDeck = p.onDeck[:0]
}
