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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/posthog/kafka-deduplicator/checkpoint"
	"github.com/posthog/kafka-deduplicator/sak"
	"github.com/twmb/franz-go/pkg/kgo"
)

// dedupConsumer is a thick wrapper around a single kgo.Client carrying both
// the consumer group membership and the transactional producer. It routes
// fetched records to per-partition workers and coordinates their lifecycle
// through the group's rebalance callbacks.
type dedupConsumer struct {
	client    *kgo.Client
	cfg       *Config
	tracker   *InFlightTracker
	pipeline  *outputPipeline
	engine    *checkpoint.Engine
	workers   map[TopicPartition]*partitionWorker
	workerMux sync.Mutex
	workerSem chan struct{}
	paused    TopicPartitionSet
	allPaused bool
	runStatus sak.RunStatus
	fatal     func(error)
}

func newDedupConsumer(cfg *Config, engine *checkpoint.Engine, fatal func(error), runStatus sak.RunStatus) (*dedupConsumer, error) {
	dc := &dedupConsumer{
		cfg:       cfg,
		engine:    engine,
		tracker:   NewInFlightTracker(cfg.MaxInFlightMessages, cfg.MaxInFlightMessagesPerPartition, cfg.MaxMemoryBytes),
		workers:   make(map[TopicPartition]*partitionWorker),
		workerSem: make(chan struct{}, cfg.WorkerThreads),
		paused:    NewTopicPartitionSet(),
		runStatus: runStatus,
		fatal:     fatal,
	}

	resetOffset := kgo.NewOffset().AtStart()
	if cfg.AutoOffsetReset == AutoOffsetResetLatest {
		resetOffset = kgo.NewOffset().AtEnd()
	}
	opts := []kgo.Opt{
		kgo.ConsumerGroup(cfg.GroupId),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.OnPartitionsAssigned(dc.partitionsAssigned),
		kgo.OnPartitionsRevoked(dc.partitionsRevoked),
		kgo.OnPartitionsLost(dc.partitionsLost),
		kgo.SessionTimeout(6 * time.Second),
		kgo.FetchMaxWait(time.Second),
		kgo.ConsumeResetOffset(resetOffset),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.RequireStableFetchOffsets(),
		kgo.DisableAutoCommit(),
		kgo.TransactionalID(cfg.GroupId + "-" + uuid.NewString()),
		kgo.TransactionTimeout(30 * time.Second),
		kgo.RecordPartitioner(NewOptionalPartitioner(kgo.StickyKeyPartitioner(nil))),
	}
	client, err := NewClient(cfg.Cluster, opts...)
	if err != nil {
		return nil, err
	}
	dc.client = client
	dc.pipeline = newOutputPipeline(client, dc.tracker, cfg, fatal, runStatus.Fork())
	return dc, nil
}

func (dc *dedupConsumer) Client() *kgo.Client {
	return dc.client
}

func (dc *dedupConsumer) partitionsAssigned(_ context.Context, _ *kgo.Client, assignments map[string][]int32) {
	dc.workerMux.Lock()
	defer dc.workerMux.Unlock()
	for topic, partitions := range assignments {
		log.Debugf("assigned topic: %s, partitions: %v", topic, partitions)
		for _, tp := range toTopicPartitions(topic, partitions...) {
			if _, ok := dc.workers[tp]; !ok {
				dc.workers[tp] = newPartitionWorker(tp, dc.cfg, dc.client, dc.engine,
					dc.tracker, dc.pipeline, dc.workerSem, dc.fatal, dc.runStatus.Fork())
			}
		}
	}
}

// partitionsRevoked drains and checkpoints every revoked partition before the
// group completes the rebalance. kgo invokes this callback synchronously from
// within a poll, so blocking here holds the rebalance open until the drains
// finish or the shutdown deadline expires.
func (dc *dedupConsumer) partitionsRevoked(_ context.Context, _ *kgo.Client, assignments map[string][]int32) {
	dc.stopWorkers(assignments, false)
}

// partitionsLost releases partitions without draining. The group has already
// moved on; committing or checkpointing now could clobber the new owner.
func (dc *dedupConsumer) partitionsLost(_ context.Context, _ *kgo.Client, assignments map[string][]int32) {
	dc.stopWorkers(assignments, true)
}

func (dc *dedupConsumer) stopWorkers(assignments map[string][]int32, lost bool) {
	dc.workerMux.Lock()
	var stopping []<-chan struct{}
	for topic, partitions := range assignments {
		log.Debugf("releasing topic: %s, partitions: %v (lost: %t)", topic, partitions, lost)
		for _, tp := range toTopicPartitions(topic, partitions...) {
			worker, ok := dc.workers[tp]
			if !ok {
				continue
			}
			delete(dc.workers, tp)
			dc.paused.Remove(tp)
			if lost {
				stopping = append(stopping, worker.abandon())
			} else {
				stopping = append(stopping, worker.revoke())
			}
		}
	}
	dc.workerMux.Unlock()

	deadline := time.After(dc.cfg.ShutdownTimeout)
	for _, stopped := range stopping {
		select {
		case <-stopped:
		case <-deadline:
			log.Errorf("timed out waiting for partition workers to stop")
			return
		}
	}
}

func (dc *dedupConsumer) receive(p kgo.FetchTopicPartition) {
	if len(p.Records) == 0 {
		return
	}
	tp := ntp(p.Partition, p.Topic)
	dc.workerMux.Lock()
	worker, ok := dc.workers[tp]
	dc.workerMux.Unlock()
	if !ok {
		return
	}
	backlogFull := worker.add(p.Records)
	if (backlogFull || dc.tracker.PartitionAtCapacity(tp)) && dc.paused.Insert(tp) {
		dc.client.PauseFetchPartitions(map[string][]int32{tp.Topic: {tp.Partition}})
	}
}

// workerResumable reports whether tp's worker backlog has drained enough for
// the partition to resume fetching.
func (dc *dedupConsumer) workerResumable(tp TopicPartition) bool {
	dc.workerMux.Lock()
	worker, ok := dc.workers[tp]
	dc.workerMux.Unlock()
	return !ok || worker.backlogResumable()
}

// adjustFlowControl pauses the source topic when global in-flight bounds are
// hit, and resumes topics and partitions once load falls to the low watermark.
func (dc *dedupConsumer) adjustFlowControl() {
	if dc.allPaused {
		if dc.tracker.Resumable() {
			dc.client.ResumeFetchTopics(dc.cfg.Topic)
			dc.allPaused = false
			log.Debugf("resumed fetching, in-flight load below low watermark")
		}
	} else if dc.tracker.AtCapacity() {
		dc.client.PauseFetchTopics(dc.cfg.Topic)
		dc.allPaused = true
		count, bytes := dc.tracker.InFlight()
		log.Debugf("paused fetching at %d messages, %d bytes in flight", count, bytes)
	}

	for _, tp := range dc.paused.Items() {
		if dc.tracker.PartitionResumable(tp) && dc.workerResumable(tp) && dc.paused.Remove(tp) {
			dc.client.ResumeFetchPartitions(map[string][]int32{tp.Topic: {tp.Partition}})
		}
	}
}

// start polls for records and forwards them to partition workers until the
// run status halts or the client closes.
func (dc *dedupConsumer) start() {
	for dc.runStatus.Running() {
		dc.adjustFlowControl()
		ctx, cancel := context.WithTimeout(dc.runStatus.Ctx(), dc.cfg.PollTimeout)
		f := dc.client.PollFetches(ctx)
		cancel()
		if f.IsClientClosed() {
			log.Infof("client closed for group: %v", dc.cfg.GroupId)
			return
		}
		for _, err := range f.Errors() {
			if err.Err != ctx.Err() && err.Err != context.Canceled {
				log.Errorf("fetch error on %s/%d: %v", err.Topic, err.Partition, err.Err)
			}
		}
		f.EachPartition(dc.receive)
	}
}

// stop drains every owned partition, commits outstanding work, and closes the
// client, leaving the group.
func (dc *dedupConsumer) stop() {
	dc.workerMux.Lock()
	workers := sak.MapValuesToSlice(dc.workers)
	dc.workers = make(map[TopicPartition]*partitionWorker)
	dc.workerMux.Unlock()

	stopping := make([]<-chan struct{}, 0, len(workers))
	for _, worker := range workers {
		stopping = append(stopping, worker.revoke())
	}

	deadline := time.After(dc.cfg.ShutdownTimeout)
	for _, stopped := range stopping {
		select {
		case <-stopped:
		case <-deadline:
			log.Errorf("shutdown timed out waiting for partition workers")
		}
	}
	dc.client.Close()
	log.Infof("left group: %v", dc.cfg.GroupId)
}
