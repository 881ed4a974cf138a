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
	"testing"
)

func testEvent() *Event {
	return &Event{
		Uuid:       "0191d9e5-2bfa-7000-9f0a-000000000001",
		Event:      "$pageview",
		DistinctId: "user-1",
		Token:      "phc_token",
		Timestamp:  "2024-06-01T12:00:00Z",
	}
}

func TestDedupKeyTimestampModeExcludesUuid(t *testing.T) {
	a := testEvent()
	b := testEvent()
	b.Uuid = "0191d9e5-2bfa-7000-9f0a-000000000002"
	ka := a.DedupKey(TimestampKey)
	kb := b.DedupKey(TimestampKey)
	if !bytes.Equal(ka, kb) {
		t.Errorf("Incorrect key. actual: %q, expected: %q", kb, ka)
	}
}

func TestDedupKeyUuidModeIncludesUuid(t *testing.T) {
	a := testEvent()
	b := testEvent()
	b.Uuid = "0191d9e5-2bfa-7000-9f0a-000000000002"
	if bytes.Equal(a.DedupKey(UuidKey), b.DedupKey(UuidKey)) {
		t.Errorf("Incorrect key. events with different uuids collided in uuid mode")
	}
	if bytes.Equal(a.DedupKey(UuidKey), a.DedupKey(TimestampKey)) {
		t.Errorf("Incorrect key. uuid and timestamp modes produced the same key")
	}
}

func TestDedupKeyTimestampBucket(t *testing.T) {
	a := testEvent()
	b := testEvent()
	a.Timestamp = "2024-06-01T12:00:00.123456Z"
	b.Timestamp = "2024-06-01T12:00:00.999999Z"
	if !bytes.Equal(a.DedupKey(TimestampKey), b.DedupKey(TimestampKey)) {
		t.Errorf("Incorrect bucketing. sub-second timestamps in the same second produced different keys")
	}
	b.Timestamp = "2024-06-01T12:00:01.000000Z"
	if bytes.Equal(a.DedupKey(TimestampKey), b.DedupKey(TimestampKey)) {
		t.Errorf("Incorrect bucketing. timestamps in different seconds produced the same key")
	}
}

func TestDedupKeyTimezoneNormalization(t *testing.T) {
	a := testEvent()
	b := testEvent()
	a.Timestamp = "2024-06-01T12:00:00Z"
	b.Timestamp = "2024-06-01T14:00:00+02:00"
	if !bytes.Equal(a.DedupKey(TimestampKey), b.DedupKey(TimestampKey)) {
		t.Errorf("Incorrect bucketing. equal instants in different zones produced different keys")
	}
}

func TestDedupKeyUnparseableTimestamp(t *testing.T) {
	a := testEvent()
	a.Timestamp = "not-a-timestamp"
	k1 := a.DedupKey(TimestampKey)
	k2 := a.DedupKey(TimestampKey)
	if !bytes.Equal(k1, k2) {
		t.Errorf("Incorrect key. unparseable timestamp was not deterministic")
	}
}

func TestDedupKeyFieldsDoNotBleed(t *testing.T) {
	a := testEvent()
	b := testEvent()
	a.Token, a.DistinctId = "ab", "c"
	b.Token, b.DistinctId = "a", "bc"
	if bytes.Equal(a.DedupKey(TimestampKey), b.DedupKey(TimestampKey)) {
		t.Errorf("Incorrect key. adjacent fields collided across the separator")
	}
}

func TestParseKeyMode(t *testing.T) {
	if m, ok := ParseKeyMode("uuid"); !ok || m != UuidKey {
		t.Errorf("Incorrect mode. actual: %v/%v, expected: %v/true", m, ok, UuidKey)
	}
	if m, ok := ParseKeyMode("timestamp"); !ok || m != TimestampKey {
		t.Errorf("Incorrect mode. actual: %v/%v, expected: %v/true", m, ok, TimestampKey)
	}
	if _, ok := ParseKeyMode("bogus"); ok {
		t.Errorf("Incorrect mode. parsed an invalid mode name")
	}
	if TimestampKey.String() != "timestamp" || UuidKey.String() != "uuid" {
		t.Errorf("Incorrect mode names. actual: %q/%q, expected: timestamp/uuid",
			TimestampKey.String(), UuidKey.String())
	}
}
