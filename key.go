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
)

// KeyMode selects which identity fields participate in the dedup key.
type KeyMode int8

const (
	// TimestampKey excludes the event uuid: collisions mean "the same logical
	// event was emitted twice", possibly with fresh uuids.
	TimestampKey KeyMode = iota
	// UuidKey includes the event uuid: collisions mean "an exact resend".
	UuidKey
)

func (m KeyMode) String() string {
	if m == UuidKey {
		return "uuid"
	}
	return "timestamp"
}

// ParseKeyMode parses the wire/config form of a KeyMode.
func ParseKeyMode(s string) (KeyMode, bool) {
	switch s {
	case "timestamp":
		return TimestampKey, true
	case "uuid":
		return UuidKey, true
	}
	return TimestampKey, false
}

// keySeparator is the ASCII unit separator. It cannot appear in a valid token,
// distinct id or RFC3339 timestamp, so joined fields never collide.
const keySeparator = byte(0x1f)

// DedupKey derives the store lookup key for e under the given mode. Fields are
// appended in a fixed order so the byte representation is stable across process
// restarts and is unaffected by property map ordering.
func (e *Event) DedupKey(mode KeyMode) []byte {
	buf := bytes.Buffer{}
	buf.Grow(len(e.Token) + len(e.DistinctId) + len(e.Event) + len(e.Timestamp) + len(e.Uuid) + 8)
	buf.WriteString(e.Token)
	buf.WriteByte(keySeparator)
	buf.WriteString(e.DistinctId)
	buf.WriteByte(keySeparator)
	buf.WriteString(e.Event)
	buf.WriteByte(keySeparator)
	buf.WriteString(timestampBucket(e.Timestamp))
	if mode == UuidKey {
		buf.WriteByte(keySeparator)
		buf.WriteString(e.Uuid)
	}
	return buf.Bytes()
}

// timestampBucket truncates an RFC3339 timestamp to whole-second resolution.
// Unparseable timestamps are bucketed by their raw string, which is still
// deterministic; such events can only ever collide with themselves.
func timestampBucket(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
