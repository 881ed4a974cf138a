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
	"errors"
	"fmt"

	"github.com/posthog/kafka-deduplicator/store"
	"github.com/twmb/franz-go/pkg/kerr"
)

// ErrorClass partitions every failure the deduplicator can encounter into the
// four recovery strategies the consumer loop knows how to execute.
type ErrorClass int

const (
	// Broker disconnects, object storage throttling, retriable produce errors.
	// Recovery: local retry with backoff; may block the owning partition but not others.
	Transient ErrorClass = iota
	// Decode errors, message-too-large on output.
	// Recovery: record metric, commit offset, drop.
	PerMessageFatal
	// Store corruption, checkpoint import exhausting all manifests.
	// Recovery: abandon the partition without committing offsets; the broker reassigns it.
	PartitionFatal
	// Producer initialization failure, unreachable bucket at startup,
	// shutdown deadline exceeded with in-flight work outstanding.
	// Recovery: exit non-zero; orchestration restarts the process.
	ProcessFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case Transient:
		return "transient"
	case PerMessageFatal:
		return "per-message-fatal"
	case PartitionFatal:
		return "partition-fatal"
	case ProcessFatal:
		return "process-fatal"
	}
	return "unknown"
}

var (
	// ErrPartitionNotAssigned is returned when an operation targets a partition
	// this instance does not currently own.
	ErrPartitionNotAssigned = errors.New("partition is not assigned")
	// ErrDrainTimeout indicates a revoked partition still had in-flight work when
	// its drain deadline elapsed. The partition is released regardless.
	ErrDrainTimeout = errors.New("drain deadline exceeded with in-flight messages outstanding")
)

// partitionError tags an error with the partition it occurred on so the consumer
// loop can aggregate per-partition failures.
type partitionError struct {
	err   error
	tp    TopicPartition
	class ErrorClass
}

func (pe *partitionError) Error() string {
	return fmt.Sprintf("%s error on %+v: %v", pe.class, pe.tp, pe.err)
}

func (pe *partitionError) Unwrap() error {
	return pe.err
}

func newPartitionError(tp TopicPartition, class ErrorClass, err error) *partitionError {
	return &partitionError{err: err, tp: tp, class: class}
}

// ClassifyError maps any error surfaced by a component onto the taxonomy above.
// No user-facing error crosses a component boundary without passing through here.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return Transient
	}
	var pe *partitionError
	if errors.As(err, &pe) {
		return pe.class
	}
	if errors.Is(err, store.ErrCorrupt) {
		return PartitionFatal
	}
	if errors.Is(err, store.ErrTimeout) {
		return Transient
	}
	if errors.Is(err, ErrDecode) || errors.Is(err, ErrMissingField) {
		return PerMessageFatal
	}
	if errors.Is(err, kerr.MessageTooLarge) {
		return PerMessageFatal
	}
	var kafkaErr *kerr.Error
	if errors.As(err, &kafkaErr) {
		if kerr.IsRetriable(kafkaErr) {
			return Transient
		}
		switch kafkaErr.Code {
		case kerr.ProducerFenced.Code, kerr.TransactionalIDAuthorizationFailed.Code, kerr.InvalidProducerEpoch.Code:
			return ProcessFatal
		}
		return Transient
	}
	if isNetworkError(err) {
		return Transient
	}
	return ProcessFatal
}
