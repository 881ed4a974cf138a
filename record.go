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
	"bytes"
	"time"

	"github.com/posthog/kafka-deduplicator/sak"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Headers stamped onto every record the deduplicator produces, so downstream
// consumers can see what the pipeline decided without decoding the payload.
const (
	DecisionHeaderKey = "dedup-decision"
	ModeHeaderKey     = "dedup-mode"
)

const AutoAssign = int32(-1)

func recordSize(r kgo.Record) int {
	byteCount := len(r.Key)
	byteCount += len(r.Value)
	for _, h := range r.Headers {
		byteCount += len(h.Key)
		byteCount += len(h.Value)
	}
	return byteCount
}

// Record is a pooled builder for outgoing Kafka records. Key and value bytes
// are accumulated in reusable buffers; Release returns the record to the pool
// once the produce has completed.
type Record struct {
	keyBuffer   *bytes.Buffer
	valueBuffer *bytes.Buffer
	kRecord     kgo.Record
	err         error
}

var recordPool = sak.NewPool(30000,
	func() *Record {
		return &Record{
			kRecord: kgo.Record{
				Partition: AutoAssign,
				Key:       nil,
				Value:     nil,
			},
			keyBuffer:   bytes.NewBuffer(nil),
			valueBuffer: bytes.NewBuffer(nil),
		}
	}, func(r *Record) *Record {
		headers := r.kRecord.Headers
		r.kRecord = kgo.Record{
			Partition: AutoAssign,
			Key:       nil,
			Value:     nil,
		}
		if len(headers) > 0 {
			r.kRecord.Headers = headers[0:0]
		}
		r.keyBuffer.Reset()
		r.valueBuffer.Reset()
		r.err = nil
		return r
	})

func NewRecord() *Record {
	return recordPool.Borrow()
}

// IncomingRecord is a read-only view of a consumed kgo.Record.
type IncomingRecord struct {
	kRecord kgo.Record
}

func newIncomingRecord(incoming *kgo.Record) IncomingRecord {
	return IncomingRecord{kRecord: *incoming}
}

func (r IncomingRecord) Offset() int64 {
	return r.kRecord.Offset
}

func (r IncomingRecord) TopicPartition() TopicPartition {
	return ntp(r.kRecord.Partition, r.kRecord.Topic)
}

func (r IncomingRecord) LeaderEpoch() int32 {
	return r.kRecord.LeaderEpoch
}

func (r IncomingRecord) Timestamp() time.Time {
	return r.kRecord.Timestamp
}

func (r IncomingRecord) Key() []byte {
	return r.kRecord.Key
}

func (r IncomingRecord) Value() []byte {
	return r.kRecord.Value
}

func (r IncomingRecord) Headers() []kgo.RecordHeader {
	return r.kRecord.Headers
}

func (r IncomingRecord) HeaderValue(name string) []byte {
	for _, v := range r.kRecord.Headers {
		if v.Key == name {
			return v.Value
		}
	}
	return nil
}

func (r *Record) Offset() int64 {
	return r.kRecord.Offset
}

func (r *Record) TopicPartition() TopicPartition {
	return ntp(r.kRecord.Partition, r.kRecord.Topic)
}

func (r *Record) WriteKey(bs ...[]byte) {
	for _, b := range bs {
		r.keyBuffer.Write(b)
	}
}

func (r *Record) WriteKeyString(ss ...string) {
	for _, s := range ss {
		r.keyBuffer.WriteString(s)
	}
}

func (r *Record) KeyWriter() *bytes.Buffer {
	return r.keyBuffer
}

func (r *Record) WriteValue(bs ...[]byte) {
	for _, b := range bs {
		r.valueBuffer.Write(b)
	}
}

func (r *Record) WriteValueString(ss ...string) {
	for _, s := range ss {
		r.valueBuffer.WriteString(s)
	}
}

func (r *Record) ValueWriter() *bytes.Buffer {
	return r.valueBuffer
}

func (r *Record) WithTopic(topic string) *Record {
	r.kRecord.Topic = topic
	return r
}

func (r *Record) WithKey(key ...[]byte) *Record {
	r.WriteKey(key...)
	return r
}

func (r *Record) WithKeyString(key ...string) *Record {
	r.WriteKeyString(key...)
	return r
}

func (r *Record) WithValue(value ...[]byte) *Record {
	r.WriteValue(value...)
	return r
}

func (r *Record) WithHeader(key string, value []byte) *Record {
	r.kRecord.Headers = append(r.kRecord.Headers, kgo.RecordHeader{Key: key, Value: value})
	return r
}

// WithDecision stamps the dedup result headers onto the record.
func (r *Record) WithDecision(kind ResultKind, mode KeyMode) *Record {
	return r.WithHeader(DecisionHeaderKey, []byte(kind.String())).
		WithHeader(ModeHeaderKey, []byte(mode.String()))
}

func (r *Record) WithPartition(partition int32) *Record {
	r.kRecord.Partition = partition
	return r
}

// used internally for producing. The returned pointer aliases the pooled
// record; the record must not be released until the produce completes.
func (r *Record) toKafkaRecord() *kgo.Record {
	r.kRecord.Key = r.keyBuffer.Bytes()

	// an empty buffer should be a deletion, leave Value nil in that case
	if r.valueBuffer.Len() > 0 {
		r.kRecord.Value = r.valueBuffer.Bytes()
	}
	return &r.kRecord
}

// ToKafkaRecord creates a newly allocated kgo.Record with Key and Value copied
// out of the builder's buffers.
func (r *Record) ToKafkaRecord() *kgo.Record {
	record := new(kgo.Record)
	record.Topic = r.kRecord.Topic
	record.Partition = r.kRecord.Partition
	record.Headers = append(record.Headers, r.kRecord.Headers...)
	if r.keyBuffer.Len() > 0 {
		record.Key = append(record.Key, r.keyBuffer.Bytes()...)
	}
	if r.valueBuffer.Len() > 0 {
		record.Value = append(record.Value, r.valueBuffer.Bytes()...)
	}
	return record
}

// AsIncomingRecord is a convenience for unit testing.
func (r *Record) AsIncomingRecord() IncomingRecord {
	kRecord := r.kRecord
	kRecord.Key = r.keyBuffer.Bytes()
	kRecord.Value = r.valueBuffer.Bytes()
	return IncomingRecord{kRecord: kRecord}
}

func (r *Record) Error() error {
	return r.err
}

func (r *Record) Release() {
	recordPool.Release(r)
}

// OptionalPartitioner is a kgo compatible partitioner which respects Record
// partitions that are manually assigned. If the record partition is
// AutoAssign, the provided kgo.Partitioner chooses the partition.
type OptionalPartitioner struct {
	manualPartitioner  kgo.Partitioner
	defaultPartitioner kgo.Partitioner
	topicPartitioners  map[string]kgo.Partitioner
}

type optionalTopicPartitioner struct {
	manualTopicPartitioner kgo.TopicPartitioner
	keyTopicPartitioner    kgo.TopicPartitioner
}

func NewOptionalPartitioner(partitioner kgo.Partitioner) OptionalPartitioner {
	return NewOptionalPerTopicPartitioner(partitioner, map[string]kgo.Partitioner{})
}

// NewOptionalPerTopicPartitioner allows a different partitioner per topic,
// falling back to defaultPartitioner for undeclared topics.
func NewOptionalPerTopicPartitioner(defaultPartitioner kgo.Partitioner, topicPartitioners map[string]kgo.Partitioner) OptionalPartitioner {
	return OptionalPartitioner{
		manualPartitioner:  kgo.ManualPartitioner(),
		defaultPartitioner: defaultPartitioner,
		topicPartitioners:  topicPartitioners,
	}
}

func (op OptionalPartitioner) ForTopic(topic string) kgo.TopicPartitioner {
	partitioner := op.defaultPartitioner
	if p, ok := op.topicPartitioners[topic]; ok {
		partitioner = p
	}
	return optionalTopicPartitioner{
		manualTopicPartitioner: op.manualPartitioner.ForTopic(topic),
		keyTopicPartitioner:    partitioner.ForTopic(topic),
	}
}

func (otp optionalTopicPartitioner) RequiresConsistency(_ *kgo.Record) bool {
	return true
}

func (otp optionalTopicPartitioner) Partition(r *kgo.Record, n int) int {
	if r.Partition == AutoAssign {
		return otp.keyTopicPartitioner.Partition(r, n)
	}
	return otp.manualTopicPartitioner.Partition(r, n)
}
