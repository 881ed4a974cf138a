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

/*
Package dedup removes duplicate analytics events from a Kafka topic with
exactly-once semantics.

Each assigned partition is owned by a single worker which processes records in
order against a local disk index of previously seen dedup keys. Events are
keyed two ways: a timestamp key built from token, distinct id, event name, and
the timestamp rounded to the second; and a uuid key which additionally
includes the event uuid. An incoming event that hits neither key is forwarded
to the deduplicated topic and recorded under both. A hit is scored for
similarity against the stored original and withheld from the deduplicated
topic, whether the duplicate is confirmed or merely potential; a structured
report describing the match is published to the duplicate reports topic.

Outputs and consumer offsets are committed together in Kafka transactions, so
a crash never drops or double-forwards an event. The disk indexes are
periodically snapshotted and uploaded to object storage; on partition
assignment the newest usable checkpoint is restored before consumption
resumes.

The minimal setup:

	deduplicator, err := dedup.New(dedup.Config{
		GroupId: "deduplicator",
		Topic:   "events",
		Cluster: dedup.SimpleCluster([]string{"localhost:9092"}),
		DataDir: "/var/lib/deduplicator",
	})
	if err != nil {
		// handle it
	}
	deduplicator.Start()
	deduplicator.WaitForSignals(nil)
*/
package dedup
