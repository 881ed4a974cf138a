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
	"path/filepath"
	"testing"
	"time"

	"github.com/posthog/kafka-deduplicator/sak"
	"github.com/posthog/kafka-deduplicator/store"
	"github.com/twmb/franz-go/pkg/kgo"
)

// decisionWorker is a partitionWorker wired with only the pieces the dedup
// decision needs; no Kafka client or output pipeline.
func decisionWorker(t *testing.T, mode KeyMode) *partitionWorker {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "0"), time.Second)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	cfg := Config{ConfirmationThreshold: 0.95}
	return &partitionWorker{
		tp:          ntp(0, "events"),
		cfg:         &cfg,
		store:       s,
		defaultMode: mode,
	}
}

func mustDeduplicate(t *testing.T, pw *partitionWorker, payload string) DeduplicationResult {
	t.Helper()
	event, err := DecodeEvent([]byte(payload))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	result, err := pw.deduplicate(event, []byte(payload))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return result
}

const firstSeen = `{"uuid":"u1","event":"$pageview","distinct_id":"d1","token":"t1",` +
	`"timestamp":"2024-01-01T00:00:00Z","properties":{}}`

func TestDeduplicateFirstSeen(t *testing.T) {
	pw := decisionWorker(t, TimestampKey)
	result := mustDeduplicate(t, pw, firstSeen)
	if result.Kind != ResultNew {
		t.Errorf("Incorrect result kind. actual: %v, expected: %v", result.Kind, ResultNew)
	}

	// the event is indexed under both key modes
	event, _ := DecodeEvent([]byte(firstSeen))
	for _, mode := range []KeyMode{TimestampKey, UuidKey} {
		if _, found, _ := pw.store.Get(event.DedupKey(mode)); !found {
			t.Errorf("Incorrect store state. %v key missing after first sight", mode)
		}
	}
}

func TestDeduplicateByteIdenticalResend(t *testing.T) {
	pw := decisionWorker(t, TimestampKey)
	mustDeduplicate(t, pw, firstSeen)
	result := mustDeduplicate(t, pw, firstSeen)

	if result.Kind != ResultConfirmedDuplicate {
		t.Errorf("Incorrect result kind. actual: %v, expected: %v", result.Kind, ResultConfirmedDuplicate)
	}
	// a uuid key hit, reported as such regardless of the worker's default mode
	if result.Mode != UuidKey {
		t.Errorf("Incorrect hit mode. actual: %v, expected: %v", result.Mode, UuidKey)
	}
	if result.Similarity.OverallScore != 1.0 {
		t.Errorf("Incorrect score. actual: %v, expected: 1.0", result.Similarity.OverallScore)
	}
	if result.Reason != ReasonExactMatch {
		t.Errorf("Incorrect reason. actual: %q, expected: %q", result.Reason, ReasonExactMatch)
	}

	event, _ := DecodeEvent([]byte(firstSeen))
	md, _, err := pw.store.Get(event.DedupKey(UuidKey))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if md.SeenCount != 2 {
		t.Errorf("Incorrect seen count. actual: %d, expected: 2", md.SeenCount)
	}
}

func TestDeduplicateUuidDiffersOnly(t *testing.T) {
	pw := decisionWorker(t, TimestampKey)
	mustDeduplicate(t, pw, firstSeen)

	resent := `{"uuid":"u2","event":"$pageview","distinct_id":"d1","token":"t1",` +
		`"timestamp":"2024-01-01T00:00:00Z","properties":{}}`
	result := mustDeduplicate(t, pw, resent)

	if result.Kind != ResultConfirmedDuplicate {
		t.Errorf("Incorrect result kind. actual: %v, expected: %v", result.Kind, ResultConfirmedDuplicate)
	}
	if result.Mode != TimestampKey {
		t.Errorf("Incorrect hit mode. actual: %v, expected: %v", result.Mode, TimestampKey)
	}
	if result.Reason != ReasonOnlyUuidDifferent {
		t.Errorf("Incorrect reason. actual: %q, expected: %q", result.Reason, ReasonOnlyUuidDifferent)
	}
	report := buildReport(result, []byte(resent))
	if report.Type != "timestamp" {
		t.Errorf("Incorrect report type. actual: %q, expected: timestamp", report.Type)
	}
	foundUuidDiff := false
	for _, diff := range report.DistinctFields {
		if diff.FieldName == "uuid" {
			foundUuidDiff = true
		}
	}
	if !foundUuidDiff {
		t.Errorf("Incorrect report. uuid missing from distinct fields: %+v", report.DistinctFields)
	}
}

func TestDeduplicatePartialOverlap(t *testing.T) {
	pw := decisionWorker(t, TimestampKey)
	original := `{"uuid":"u1","event":"$pageview","distinct_id":"d1","token":"t1",` +
		`"timestamp":"2024-01-01T00:00:00Z","properties":{"url":"/home"}}`
	mustDeduplicate(t, pw, original)

	changed := `{"uuid":"u2","event":"$pageview","distinct_id":"d1","token":"t1",` +
		`"timestamp":"2024-01-01T00:00:00Z","properties":{"url":"/about","browser":"chrome"}}`
	result := mustDeduplicate(t, pw, changed)

	if result.Kind != ResultPotentialDuplicate {
		t.Errorf("Incorrect result kind. actual: %v, expected: %v", result.Kind, ResultPotentialDuplicate)
	}
	if result.Mode != TimestampKey {
		t.Errorf("Incorrect hit mode. actual: %v, expected: %v", result.Mode, TimestampKey)
	}
	if result.Similarity.DifferentPropertyCount != 2 {
		t.Errorf("Incorrect property diff count. actual: %d, expected: 2",
			result.Similarity.DifferentPropertyCount)
	}
	if result.Similarity.PropertiesSimilarity >= 1.0 {
		t.Errorf("Incorrect property similarity. actual: %v, expected: < 1.0",
			result.Similarity.PropertiesSimilarity)
	}
}

func TestDeduplicateUuidModeMissesFreshUuid(t *testing.T) {
	pw := decisionWorker(t, UuidKey)
	mustDeduplicate(t, pw, firstSeen)

	// in uuid mode a fresh uuid still collides via the timestamp index
	resent := `{"uuid":"u2","event":"$pageview","distinct_id":"d1","token":"t1",` +
		`"timestamp":"2024-01-01T00:00:00Z","properties":{}}`
	result := mustDeduplicate(t, pw, resent)
	if result.Kind != ResultConfirmedDuplicate {
		t.Errorf("Incorrect result kind. actual: %v, expected: %v", result.Kind, ResultConfirmedDuplicate)
	}
	if result.Mode != TimestampKey {
		t.Errorf("Incorrect hit mode. actual: %v, expected: %v", result.Mode, TimestampKey)
	}
}

func TestModeForCookieless(t *testing.T) {
	pw := decisionWorker(t, UuidKey)
	event := testEvent()
	if pw.modeFor(event) != UuidKey {
		t.Errorf("Incorrect mode. actual: %v, expected: %v", pw.modeFor(event), UuidKey)
	}
	event.Properties = map[string]any{"$cookieless_mode": true}
	if pw.modeFor(event) != TimestampKey {
		t.Errorf("Incorrect mode. cookieless event not forced to timestamp mode")
	}
}

func TestDeduplicateUndecodableOriginal(t *testing.T) {
	pw := decisionWorker(t, TimestampKey)
	event, _ := DecodeEvent([]byte(firstSeen))
	// plant a corrupted original under the timestamp key
	md := store.NewMetadata([]byte(`not json`), 1000)
	if _, err := pw.store.PutIfAbsent(event.DedupKey(TimestampKey), md); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	result := mustDeduplicate(t, pw, firstSeen)
	if result.Kind != ResultConfirmedDuplicate {
		t.Errorf("Incorrect result kind. actual: %v, expected: %v", result.Kind, ResultConfirmedDuplicate)
	}
	if result.Reason != ReasonExactMatch {
		t.Errorf("Incorrect reason. actual: %q, expected: %q", result.Reason, ReasonExactMatch)
	}
}

func TestForwardRecordPreservesHeaders(t *testing.T) {
	pw := decisionWorker(t, TimestampKey)
	pw.cfg.DeduplicatedTopic = "events-deduplicated"
	event, _ := DecodeEvent([]byte(firstSeen))
	incoming := newIncomingRecord(&kgo.Record{
		Topic:   "events",
		Value:   []byte(firstSeen),
		Headers: []kgo.RecordHeader{{Key: "trace-id", Value: []byte("abc123")}},
	})
	out := pw.forwardRecord(event, incoming, newResult(TimestampKey))
	defer out.Release()

	kr := out.ToKafkaRecord()
	if kr.Topic != "events-deduplicated" {
		t.Errorf("Incorrect topic. actual: %q, expected: %q", kr.Topic, "events-deduplicated")
	}
	headers := make(map[string]string, len(kr.Headers))
	for _, h := range kr.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["trace-id"] != "abc123" {
		t.Errorf("Incorrect trace-id header. actual: %q, expected: %q", headers["trace-id"], "abc123")
	}
	if headers["dedup-decision"] != "new" {
		t.Errorf("Incorrect decision header. actual: %q, expected: %q", headers["dedup-decision"], "new")
	}
	if headers[ModeHeaderKey] != TimestampKey.String() {
		t.Errorf("Incorrect mode header. actual: %q, expected: %q", headers[ModeHeaderKey], TimestampKey.String())
	}
}

// captureSink stands in for the transactional pipeline and records what the
// worker submits.
type captureSink struct {
	records []*Record
}

func (c *captureSink) submit(record *Record, handle *MessageHandle) {
	c.records = append(c.records, record)
	handle.Ack()
}

func (c *captureSink) commitNow() error { return nil }

func TestProcessRecordRoutesByDecision(t *testing.T) {
	pw := decisionWorker(t, TimestampKey)
	pw.cfg.DeduplicatedTopic = "events-deduplicated"
	pw.cfg.DuplicateReportsTopic = "duplicate-reports"
	sink := &captureSink{}
	pw.pipeline = sink
	tracker := NewInFlightTracker(100, 10, 1<<20)
	tracker.AddPartition(pw.tp)
	pw.tracker = tracker

	process := func(offset int64, payload string) {
		t.Helper()
		handle := mustTrack(t, tracker, pw.tp, offset, len(payload))
		pw.processRecord(newIncomingRecord(&kgo.Record{
			Topic:  pw.tp.Topic,
			Offset: offset,
			Value:  []byte(payload),
		}), handle)
	}
	topicOf := func(i int) string {
		t.Helper()
		if i >= len(sink.records) {
			t.Fatalf("Incorrect submission count. actual: %d, expected: > %d", len(sink.records), i)
		}
		return sink.records[i].kRecord.Topic
	}

	// first sight forwards to the deduplicated topic
	process(0, firstSeen)
	if len(sink.records) != 1 || topicOf(0) != "events-deduplicated" {
		t.Errorf("Incorrect routing for new event. actual: %d to %q, expected: 1 to %q",
			len(sink.records), topicOf(0), "events-deduplicated")
	}

	// byte-identical resend is confirmed: report only
	process(1, firstSeen)
	if len(sink.records) != 2 || topicOf(1) != "duplicate-reports" {
		t.Errorf("Incorrect routing for confirmed duplicate. actual: %d to %q, expected: 2 to %q",
			len(sink.records), topicOf(1), "duplicate-reports")
	}

	// same identity with divergent properties is potential: report only,
	// never the deduplicated topic
	variant := `{"uuid":"u1","event":"$pageview","distinct_id":"d1","token":"t1",` +
		`"timestamp":"2024-01-01T00:00:00Z","properties":{"$browser":"firefox"}}`
	process(2, variant)
	if len(sink.records) != 3 || topicOf(2) != "duplicate-reports" {
		t.Errorf("Incorrect routing for potential duplicate. actual: %d to %q, expected: 3 to %q",
			len(sink.records), topicOf(2), "duplicate-reports")
	}
}

func TestWorkerBacklogQueuesWithoutDropping(t *testing.T) {
	pw := &partitionWorker{
		tp:        ntp(0, "events"),
		runStatus: sak.NewRunStatus(context.Background()),
		wakeup:    make(chan struct{}, 1),
	}
	batch := []*kgo.Record{{Topic: "events"}}

	// batches arriving before the worker goroutine consumes, as during
	// bootstrap, queue rather than disappear
	for depth := 1; depth < workerBacklogBatches; depth++ {
		if pw.add(batch) {
			t.Errorf("Backlog reported full at depth %d", depth)
		}
	}
	if !pw.add(batch) {
		t.Errorf("Backlog did not report full at depth %d", workerBacklogBatches)
	}
	if pw.backlogResumable() {
		t.Errorf("Backlog resumable at full depth")
	}

	delivered := 0
	for b := pw.nextBatch(); b != nil; b = pw.nextBatch() {
		delivered++
	}
	if delivered != workerBacklogBatches {
		t.Errorf("Incorrect delivered batch count. actual: %d, expected: %d", delivered, workerBacklogBatches)
	}
	if !pw.backlogResumable() {
		t.Errorf("Backlog not resumable when empty")
	}

	// after revocation batches are dropped for the next owner to refetch
	pw.runStatus.Halt()
	if pw.add(batch) {
		t.Errorf("Revoked worker reported a full backlog")
	}
	if b := pw.nextBatch(); b != nil {
		t.Errorf("Batch queued after revocation")
	}
}
