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
	"reflect"
	"sort"
	"strings"
)

const (
	fieldWeight    = 0.7
	propertyWeight = 0.3
)

// Confirmation reasons carried on duplicate reports.
const (
	ReasonExactMatch             = "ExactMatch"
	ReasonOnlyUuidDifferent      = "OnlyUuidDifferent"
	ReasonOnlyTimestampDifferent = "OnlyTimestampDifferent"
)

// FieldDiff records one differing field between a stored event and its duplicate
// candidate. For property keys that do not begin with `$`, the values are redacted
// at construction time and only the name survives.
type FieldDiff struct {
	FieldName     string `json:"field_name"`
	OriginalValue string `json:"original_value,omitempty"`
	NewValue      string `json:"new_value,omitempty"`
}

// Similarity is the structured comparison of two events sharing a dedup key.
type Similarity struct {
	OverallScore           float64     `json:"overall_score"`
	DistinctFieldCount     int         `json:"distinct_field_count"`
	DistinctFields         []FieldDiff `json:"distinct_fields"`
	PropertiesSimilarity   float64     `json:"properties_similarity"`
	DifferentPropertyCount int         `json:"different_property_count"`
	DifferentProperties    []FieldDiff `json:"different_properties"`
}

type identityField struct {
	name  string
	value func(*Event) string
}

// Fixed comparison order. The dedup key already pins token/distinct_id/event/bucket,
// but duplicates are reported on the full identity.
var identityFields = []identityField{
	{"uuid", func(e *Event) string { return e.Uuid }},
	{"event", func(e *Event) string { return e.Event }},
	{"distinct_id", func(e *Event) string { return e.DistinctId }},
	{"token", func(e *Event) string { return e.Token }},
	{"timestamp", func(e *Event) string { return e.Timestamp }},
}

// ignoredField is the identity field excluded from scoring under a key mode: a
// timestamp-keyed collision is expected to carry a fresh uuid, and a uuid-keyed
// collision is permitted a drifted timestamp. The ignored field still appears in
// DistinctFields when it differs.
func ignoredField(mode KeyMode) string {
	if mode == UuidKey {
		return "timestamp"
	}
	return "uuid"
}

// ComputeSimilarity compares the previously stored event against the incoming one
// under the given key mode. Identical events always score 1.0.
func ComputeSimilarity(original, incoming *Event, mode KeyMode) Similarity {
	sim := Similarity{}
	skip := ignoredField(mode)
	fieldMatches, fieldTotal := 0, 0
	for _, f := range identityFields {
		ov, nv := f.value(original), f.value(incoming)
		if ov != nv {
			sim.DistinctFields = append(sim.DistinctFields, FieldDiff{
				FieldName:     f.name,
				OriginalValue: ov,
				NewValue:      nv,
			})
		}
		if f.name == skip {
			continue
		}
		fieldTotal++
		if ov == nv {
			fieldMatches++
		}
	}
	sim.DistinctFieldCount = len(sim.DistinctFields)

	propMatches, propTotal := compareProperties(original.Properties, incoming.Properties, &sim)
	fieldRatio := 1.0
	if fieldTotal > 0 {
		fieldRatio = float64(fieldMatches) / float64(fieldTotal)
	}
	sim.PropertiesSimilarity = 1.0
	if propTotal > 0 {
		sim.PropertiesSimilarity = float64(propMatches) / float64(propTotal)
	}
	sim.OverallScore = fieldWeight*fieldRatio + propertyWeight*sim.PropertiesSimilarity
	return sim
}

// compareProperties walks the union of both property maps. A key counts as a match
// only when present on both sides with equal JSON values. Differing keys are recorded
// in sorted order; values are surfaced only for `$`-prefixed (system) keys — the
// redaction decision is made here, at construction, never post-hoc.
func compareProperties(original, incoming map[string]any, sim *Similarity) (matches, total int) {
	union := make(map[string]struct{}, len(original)+len(incoming))
	for k := range original {
		union[k] = struct{}{}
	}
	for k := range incoming {
		union[k] = struct{}{}
	}
	keys := make([]string, 0, len(union))
	for k := range union {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		ov, inOriginal := original[k]
		nv, inIncoming := incoming[k]
		total++
		if inOriginal && inIncoming && reflect.DeepEqual(ov, nv) {
			matches++
			continue
		}
		diff := FieldDiff{FieldName: k}
		if strings.HasPrefix(k, "$") {
			if inOriginal {
				diff.OriginalValue = renderPropertyValue(ov)
			}
			if inIncoming {
				diff.NewValue = renderPropertyValue(nv)
			}
		}
		sim.DifferentProperties = append(sim.DifferentProperties, diff)
	}
	sim.DifferentPropertyCount = len(sim.DifferentProperties)
	return
}

func renderPropertyValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	rendered, err := json.MarshalToString(v)
	if err != nil {
		return ""
	}
	return rendered
}

// classifyDuplicate decides confirmed vs potential for a key collision. A duplicate
// is confirmed when the similarity clears the threshold and the only differing
// identity field is the one the active mode deliberately ignores.
func classifyDuplicate(sim Similarity, mode KeyMode, threshold float64) (confirmed bool, reason string) {
	if sim.OverallScore < threshold {
		return false, ""
	}
	switch sim.DistinctFieldCount {
	case 0:
		return true, ReasonExactMatch
	case 1:
		name := sim.DistinctFields[0].FieldName
		if mode == TimestampKey && name == "uuid" {
			return true, ReasonOnlyUuidDifferent
		}
		if mode == UuidKey && name == "timestamp" {
			return true, ReasonOnlyTimestampDifferent
		}
	}
	return false, ""
}
