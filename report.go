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
	jsoniter "github.com/json-iterator/go"
)

// AlgorithmVersion identifies the similarity algorithm that produced a report.
// Bump when scoring weights or classification rules change.
const AlgorithmVersion = "1.0"

// ResultKind tags a DeduplicationResult.
type ResultKind int8

const (
	ResultNew ResultKind = iota
	ResultConfirmedDuplicate
	ResultPotentialDuplicate
	ResultSkipped
)

func (k ResultKind) String() string {
	switch k {
	case ResultNew:
		return "new"
	case ResultConfirmedDuplicate:
		return "confirmed_duplicate"
	case ResultPotentialDuplicate:
		return "potential_duplicate"
	case ResultSkipped:
		return "skipped"
	}
	return "unknown"
}

// DeduplicationResult is the transient decision produced per incoming event,
// flowing from a partition worker into the transactional output pipeline.
type DeduplicationResult struct {
	Kind       ResultKind
	Mode       KeyMode
	Reason     string // confirmation reason, or skip reason for ResultSkipped
	Similarity Similarity
	// The stored original event payload, verbatim. Only set for duplicates.
	Original jsoniter.RawMessage
}

func newResult(mode KeyMode) DeduplicationResult {
	return DeduplicationResult{Kind: ResultNew, Mode: mode}
}

func duplicateResult(mode KeyMode, sim Similarity, original []byte, confirmed bool, reason string) DeduplicationResult {
	kind := ResultPotentialDuplicate
	if confirmed {
		kind = ResultConfirmedDuplicate
	}
	return DeduplicationResult{
		Kind:       kind,
		Mode:       mode,
		Reason:     reason,
		Similarity: sim,
		Original:   original,
	}
}

// DuplicateReport is the payload published to the duplicate reports topic.
type DuplicateReport struct {
	SourceMessage          jsoniter.RawMessage `json:"source_message"`
	DuplicateMessage       jsoniter.RawMessage `json:"duplicate_message"`
	Type                   string              `json:"type"`
	IsConfirmed            bool                `json:"is_confirmed"`
	Reason                 string              `json:"reason,omitempty"`
	SimilarityScore        float64             `json:"similarity_score"`
	DistinctFields         []FieldDiff         `json:"distinct_fields"`
	DifferentPropertyCount int                 `json:"different_property_count"`
	PropertiesSimilarity   float64             `json:"properties_similarity"`
	Version                string              `json:"version"`
}

// buildReport assembles the report for a duplicate decision. `source` is the raw
// incoming payload, carried unchanged.
func buildReport(result DeduplicationResult, source []byte) DuplicateReport {
	distinct := result.Similarity.DistinctFields
	if distinct == nil {
		distinct = []FieldDiff{}
	}
	return DuplicateReport{
		SourceMessage:          source,
		DuplicateMessage:       result.Original,
		Type:                   result.Mode.String(),
		IsConfirmed:            result.Kind == ResultConfirmedDuplicate,
		Reason:                 result.Reason,
		SimilarityScore:        result.Similarity.OverallScore,
		DistinctFields:         distinct,
		DifferentPropertyCount: result.Similarity.DifferentPropertyCount,
		PropertiesSimilarity:   result.Similarity.PropertiesSimilarity,
		Version:                AlgorithmVersion,
	}
}
