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
	"testing"
)

func TestSimilarityIdenticalEvents(t *testing.T) {
	a := testEvent()
	b := testEvent()
	sim := ComputeSimilarity(a, b, UuidKey)
	if sim.OverallScore != 1.0 {
		t.Errorf("Incorrect score. actual: %v, expected: 1.0", sim.OverallScore)
	}
	if sim.DistinctFieldCount != 0 {
		t.Errorf("Incorrect distinct field count. actual: %d, expected: 0", sim.DistinctFieldCount)
	}
	confirmed, reason := classifyDuplicate(sim, UuidKey, 0.95)
	if !confirmed {
		t.Errorf("Incorrect classification. identical events were not confirmed")
	}
	if reason != ReasonExactMatch {
		t.Errorf("Incorrect reason. actual: %q, expected: %q", reason, ReasonExactMatch)
	}
}

func TestSimilarityOnlyUuidDiffers(t *testing.T) {
	a := testEvent()
	b := testEvent()
	b.Uuid = "0191d9e5-2bfa-7000-9f0a-000000000002"

	// timestamp mode ignores uuid when scoring, so the score is perfect
	sim := ComputeSimilarity(a, b, TimestampKey)
	if sim.OverallScore != 1.0 {
		t.Errorf("Incorrect score. actual: %v, expected: 1.0", sim.OverallScore)
	}
	if sim.DistinctFieldCount != 1 {
		t.Errorf("Incorrect distinct field count. actual: %d, expected: 1", sim.DistinctFieldCount)
	}
	if sim.DistinctFields[0].FieldName != "uuid" {
		t.Errorf("Incorrect distinct field. actual: %q, expected: uuid", sim.DistinctFields[0].FieldName)
	}
	confirmed, reason := classifyDuplicate(sim, TimestampKey, 0.95)
	if !confirmed {
		t.Errorf("Incorrect classification. uuid-only difference was not confirmed in timestamp mode")
	}
	if reason != ReasonOnlyUuidDifferent {
		t.Errorf("Incorrect reason. actual: %q, expected: %q", reason, ReasonOnlyUuidDifferent)
	}
}

func TestSimilarityOnlyTimestampDiffers(t *testing.T) {
	a := testEvent()
	b := testEvent()
	b.Timestamp = "2024-06-01T12:00:05Z"

	sim := ComputeSimilarity(a, b, UuidKey)
	if sim.OverallScore != 1.0 {
		t.Errorf("Incorrect score. actual: %v, expected: 1.0", sim.OverallScore)
	}
	confirmed, reason := classifyDuplicate(sim, UuidKey, 0.95)
	if !confirmed {
		t.Errorf("Incorrect classification. timestamp-only difference was not confirmed in uuid mode")
	}
	if reason != ReasonOnlyTimestampDifferent {
		t.Errorf("Incorrect reason. actual: %q, expected: %q", reason, ReasonOnlyTimestampDifferent)
	}
}

func TestSimilarityPotentialDuplicate(t *testing.T) {
	a := testEvent()
	a.Properties = map[string]any{"$browser": "Firefox", "plan": "free"}
	b := testEvent()
	b.Uuid = "0191d9e5-2bfa-7000-9f0a-000000000002"
	b.Properties = map[string]any{"$browser": "Chrome", "plan": "paid"}

	sim := ComputeSimilarity(a, b, TimestampKey)
	if sim.PropertiesSimilarity != 0.0 {
		t.Errorf("Incorrect property similarity. actual: %v, expected: 0.0", sim.PropertiesSimilarity)
	}
	// all scored identity fields match, no properties match: 0.7*1 + 0.3*0
	if sim.OverallScore != 0.7 {
		t.Errorf("Incorrect score. actual: %v, expected: 0.7", sim.OverallScore)
	}
	confirmed, _ := classifyDuplicate(sim, TimestampKey, 0.95)
	if confirmed {
		t.Errorf("Incorrect classification. below-threshold collision was confirmed")
	}
}

func TestSimilarityWrongFieldDiffersNotConfirmed(t *testing.T) {
	a := testEvent()
	b := testEvent()
	b.Timestamp = "2024-06-01T12:00:05Z"
	// timestamp differing is not the ignored field in timestamp mode
	sim := ComputeSimilarity(a, b, TimestampKey)
	confirmed, _ := classifyDuplicate(sim, TimestampKey, 0.5)
	if confirmed {
		t.Errorf("Incorrect classification. timestamp difference was confirmed in timestamp mode")
	}
}

func TestSimilarityPropertyRedaction(t *testing.T) {
	a := testEvent()
	a.Properties = map[string]any{"$browser": "Firefox", "email": "alice@example.com"}
	b := testEvent()
	b.Properties = map[string]any{"$browser": "Chrome", "email": "bob@example.com"}

	sim := ComputeSimilarity(a, b, TimestampKey)
	if sim.DifferentPropertyCount != 2 {
		t.Errorf("Incorrect property diff count. actual: %d, expected: 2", sim.DifferentPropertyCount)
	}
	for _, diff := range sim.DifferentProperties {
		switch diff.FieldName {
		case "$browser":
			if diff.OriginalValue != "Firefox" || diff.NewValue != "Chrome" {
				t.Errorf("Incorrect system property diff. actual: %q/%q, expected: Firefox/Chrome",
					diff.OriginalValue, diff.NewValue)
			}
		case "email":
			if diff.OriginalValue != "" || diff.NewValue != "" {
				t.Errorf("Incorrect redaction. custom property values leaked: %q/%q",
					diff.OriginalValue, diff.NewValue)
			}
		default:
			t.Errorf("Incorrect property diff. unexpected field: %q", diff.FieldName)
		}
	}
}

func TestSimilarityMissingProperty(t *testing.T) {
	a := testEvent()
	a.Properties = map[string]any{"$browser": "Firefox", "plan": "free"}
	b := testEvent()
	b.Properties = map[string]any{"$browser": "Firefox"}

	sim := ComputeSimilarity(a, b, TimestampKey)
	if sim.DifferentPropertyCount != 1 {
		t.Errorf("Incorrect property diff count. actual: %d, expected: 1", sim.DifferentPropertyCount)
	}
	if sim.PropertiesSimilarity != 0.5 {
		t.Errorf("Incorrect property similarity. actual: %v, expected: 0.5", sim.PropertiesSimilarity)
	}
}

func TestBuildReport(t *testing.T) {
	original := []byte(`{"uuid":"a"}`)
	incoming := []byte(`{"uuid":"b"}`)
	sim := Similarity{
		OverallScore:         1.0,
		DistinctFieldCount:   1,
		DistinctFields:       []FieldDiff{{FieldName: "uuid", OriginalValue: "a", NewValue: "b"}},
		PropertiesSimilarity: 1.0,
	}
	result := duplicateResult(TimestampKey, sim, original, true, ReasonOnlyUuidDifferent)
	report := buildReport(result, incoming)
	if !report.IsConfirmed {
		t.Errorf("Incorrect report. confirmed duplicate reported as unconfirmed")
	}
	if report.Type != "timestamp" {
		t.Errorf("Incorrect report type. actual: %q, expected: timestamp", report.Type)
	}
	if report.Reason != ReasonOnlyUuidDifferent {
		t.Errorf("Incorrect reason. actual: %q, expected: %q", report.Reason, ReasonOnlyUuidDifferent)
	}
	if report.Version != AlgorithmVersion {
		t.Errorf("Incorrect version. actual: %q, expected: %q", report.Version, AlgorithmVersion)
	}
	if string(report.SourceMessage) != string(incoming) {
		t.Errorf("Incorrect source message. actual: %s, expected: %s", report.SourceMessage, incoming)
	}
	if string(report.DuplicateMessage) != string(original) {
		t.Errorf("Incorrect duplicate message. actual: %s, expected: %s", report.DuplicateMessage, original)
	}
}

func TestBuildReportEmptyDistinctFields(t *testing.T) {
	result := duplicateResult(UuidKey, Similarity{OverallScore: 1.0, PropertiesSimilarity: 1.0},
		[]byte(`{}`), true, ReasonExactMatch)
	report := buildReport(result, []byte(`{}`))
	if report.DistinctFields == nil {
		t.Errorf("Incorrect report. distinct_fields should serialize as an empty array, not null")
	}
}
