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
	"sync/atomic"

	"github.com/google/btree"
	"github.com/twmb/franz-go/pkg/kgo"
)

const noFailure = int64(-1)

// MessageHandle tracks one in-flight message from fetch to transactional
// commit. Exactly one of Ack or Nack must be called; later calls are no-ops.
// An acked offset becomes eligible for commit once every lower tracked offset
// on its partition has also completed. A nacked offset permanently caps the
// partition's commit position for the current assignment, so the message is
// redelivered after a rebalance or restart.
type MessageHandle struct {
	tracker *InFlightTracker
	tp      TopicPartition
	offset  int64
	size    int
	state   int32
}

func (h *MessageHandle) Offset() int64 {
	return h.offset
}

func (h *MessageHandle) TopicPartition() TopicPartition {
	return h.tp
}

// Ack marks the message fully processed.
func (h *MessageHandle) Ack() {
	if atomic.CompareAndSwapInt32(&h.state, 0, 1) {
		h.tracker.complete(h, true)
	}
}

// Nack marks the message as not processed. The partition will not commit at
// or beyond this offset until it is reassigned.
func (h *MessageHandle) Nack() {
	if atomic.CompareAndSwapInt32(&h.state, 0, 1) {
		h.tracker.complete(h, false)
	}
}

// Fail caps the partition's commit position at this offset even if the handle
// already completed. An aborted transaction acks its handles while producing,
// then fails them when retries are exhausted: the outputs were never committed,
// so the offset must not be either.
func (h *MessageHandle) Fail() {
	h.Nack()
	h.tracker.failAt(h.tp, h.offset)
}

type partitionTracker struct {
	pending  *btree.BTreeG[int64]
	epoch    int32
	highest  int64
	failedAt int64
	count    int
	bytes    int64
}

func newPartitionTracker() *partitionTracker {
	return &partitionTracker{
		pending:  btree.NewG(16, func(a, b int64) bool { return a < b }),
		highest:  -1,
		failedAt: noFailure,
	}
}

// commitOffset is the next offset safe to commit: one past the highest tracked
// offset, capped by the lowest still-pending offset and by any failure.
func (pt *partitionTracker) commitOffset() (int64, bool) {
	if pt.highest < 0 {
		return 0, false
	}
	limit := pt.highest + 1
	if min, ok := pt.pending.Min(); ok && min < limit {
		limit = min
	}
	if pt.failedAt != noFailure && pt.failedAt < limit {
		limit = pt.failedAt
	}
	return limit, true
}

// InFlightTracker bounds the number and byte size of messages between fetch
// and commit, and computes the per-partition offsets that are safe to include
// in a transaction. All partitions must be registered before tracking.
type InFlightTracker struct {
	mu              sync.Mutex
	drained         *sync.Cond
	partitions      map[TopicPartition]*partitionTracker
	count           int
	bytes           int64
	maxMessages     int
	maxPerPartition int
	maxBytes        int64
}

func NewInFlightTracker(maxMessages, maxPerPartition int, maxBytes int64) *InFlightTracker {
	t := &InFlightTracker{
		partitions:      make(map[TopicPartition]*partitionTracker),
		maxMessages:     maxMessages,
		maxPerPartition: maxPerPartition,
		maxBytes:        maxBytes,
	}
	t.drained = sync.NewCond(&t.mu)
	return t
}

func (t *InFlightTracker) AddPartition(tp TopicPartition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.partitions[tp]; !ok {
		t.partitions[tp] = newPartitionTracker()
	}
}

// DropPartition discards all tracking state for tp. In-flight handles for the
// partition become inert: completing them no longer affects commit math.
func (t *InFlightTracker) DropPartition(tp TopicPartition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pt, ok := t.partitions[tp]; ok {
		t.count -= pt.count
		t.bytes -= pt.bytes
		delete(t.partitions, tp)
		t.drained.Broadcast()
	}
}

// Track registers a fetched record and returns its handle.
func (t *InFlightTracker) Track(tp TopicPartition, offset int64, leaderEpoch int32, size int) (*MessageHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.partitions[tp]
	if !ok {
		return nil, ErrPartitionNotAssigned
	}
	pt.pending.ReplaceOrInsert(offset)
	pt.epoch = leaderEpoch
	if offset > pt.highest {
		pt.highest = offset
	}
	pt.count++
	pt.bytes += int64(size)
	t.count++
	t.bytes += int64(size)
	return &MessageHandle{
		tracker: t,
		tp:      tp,
		offset:  offset,
		size:    size,
	}, nil
}

func (t *InFlightTracker) complete(h *MessageHandle, acked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.partitions[h.tp]
	if !ok {
		// partition was dropped while the message was in flight
		return
	}
	if _, present := pt.pending.Delete(h.offset); !present {
		return
	}
	if !acked && (pt.failedAt == noFailure || h.offset < pt.failedAt) {
		pt.failedAt = h.offset
	}
	pt.count--
	pt.bytes -= int64(h.size)
	t.count--
	t.bytes -= int64(h.size)
	t.drained.Broadcast()
}

func (t *InFlightTracker) failAt(tp TopicPartition, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.partitions[tp]
	if !ok {
		return
	}
	if pt.failedAt == noFailure || offset < pt.failedAt {
		pt.failedAt = offset
	}
}

// AtCapacity reports whether any global bound is met. The consumer pauses
// fetching when true and resumes once Resumable reports true.
func (t *InFlightTracker) AtCapacity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count >= t.maxMessages || t.bytes >= t.maxBytes
}

// Resumable reports whether in-flight load has fallen to the low watermark,
// half of each bound, providing hysteresis between pause and resume.
func (t *InFlightTracker) Resumable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count <= t.maxMessages/2 && t.bytes <= t.maxBytes/2
}

// PartitionAtCapacity reports whether tp has reached its per-partition bound.
func (t *InFlightTracker) PartitionAtCapacity(tp TopicPartition) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.partitions[tp]
	return ok && pt.count >= t.maxPerPartition
}

// PartitionResumable reports whether tp has drained to its low watermark.
func (t *InFlightTracker) PartitionResumable(tp TopicPartition) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.partitions[tp]
	return !ok || pt.count <= t.maxPerPartition/2
}

// InFlight returns the current global message count and byte size.
func (t *InFlightTracker) InFlight() (int, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count, t.bytes
}

// SafeCommitOffsets returns, for every partition with consumed records, the
// next offset that may be committed, in the shape kgo's transactional offset
// commit expects.
func (t *InFlightTracker) SafeCommitOffsets() map[string]map[int32]kgo.EpochOffset {
	t.mu.Lock()
	defer t.mu.Unlock()
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for tp, pt := range t.partitions {
		offset, ok := pt.commitOffset()
		if !ok {
			continue
		}
		byPartition, ok := offsets[tp.Topic]
		if !ok {
			byPartition = make(map[int32]kgo.EpochOffset)
			offsets[tp.Topic] = byPartition
		}
		byPartition[tp.Partition] = kgo.EpochOffset{
			Epoch:  pt.epoch,
			Offset: offset,
		}
	}
	return offsets
}

// CommitOffsetFor returns the committable offset for a single partition.
func (t *InFlightTracker) CommitOffsetFor(tp TopicPartition) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.partitions[tp]
	if !ok {
		return 0, false
	}
	return pt.commitOffset()
}

// WaitDrain blocks until tp has no in-flight messages or ctx expires.
// Returns ErrDrainTimeout when the deadline fires first.
func (t *InFlightTracker) WaitDrain(ctx context.Context, tp TopicPartition) error {
	return t.wait(ctx, func() bool {
		pt, ok := t.partitions[tp]
		return !ok || pt.count == 0
	})
}

// WaitDrainAll blocks until nothing is in flight anywhere or ctx expires.
func (t *InFlightTracker) WaitDrainAll(ctx context.Context) error {
	return t.wait(ctx, func() bool { return t.count == 0 })
}

func (t *InFlightTracker) wait(ctx context.Context, satisfied func() bool) error {
	done := make(chan struct{})
	defer close(done)
	// wake the cond loop when the context expires
	go func() {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.drained.Broadcast()
			t.mu.Unlock()
		case <-done:
		}
	}()
	t.mu.Lock()
	defer t.mu.Unlock()
	for !satisfied() {
		if ctx.Err() != nil {
			return ErrDrainTimeout
		}
		t.drained.Wait()
	}
	return nil
}
