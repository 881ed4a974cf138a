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
	"time"
)

func validConfig() Config {
	return Config{
		GroupId: "deduplicator",
		Topic:   "events",
		Cluster: SimpleCluster([]string{"127.0.0.1:9092"}),
		DataDir: "/tmp/dedup",
	}
}

func TestConfigDefaults(t *testing.T) {
	c := validConfig()
	c.applyDefaults()
	if c.DeduplicatedTopic != "deduplicated_events" {
		t.Errorf("Incorrect deduplicated topic. actual: %q, expected: deduplicated_events", c.DeduplicatedTopic)
	}
	if c.DuplicateReportsTopic != "duplicate_reports" {
		t.Errorf("Incorrect reports topic. actual: %q, expected: duplicate_reports", c.DuplicateReportsTopic)
	}
	if c.MaxInFlightMessages != 10000 {
		t.Errorf("Incorrect in-flight bound. actual: %d, expected: 10000", c.MaxInFlightMessages)
	}
	if c.RetentionWindow != 24*time.Hour {
		t.Errorf("Incorrect retention window. actual: %v, expected: 24h", c.RetentionWindow)
	}
	if c.ConfirmationThreshold != 0.95 {
		t.Errorf("Incorrect threshold. actual: %v, expected: 0.95", c.ConfirmationThreshold)
	}
	if c.Batch != DefaultBatchConfig {
		t.Errorf("Incorrect batch config. actual: %+v, expected: %+v", c.Batch, DefaultBatchConfig)
	}
	if err := c.validate(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	c := validConfig()
	c.applyDefaults()
	c.GroupId = ""
	if err := c.validate(); err == nil {
		t.Errorf("Incorrect validation. empty group id was accepted")
	}

	c = validConfig()
	c.applyDefaults()
	c.AutoOffsetReset = "sideways"
	if err := c.validate(); err == nil {
		t.Errorf("Incorrect validation. bogus offset reset policy was accepted")
	}

	c = validConfig()
	c.applyDefaults()
	c.ConfirmationThreshold = 1.5
	if err := c.validate(); err == nil {
		t.Errorf("Incorrect validation. threshold above 1.0 was accepted")
	}

	c = validConfig()
	c.applyDefaults()
	c.Batch.TargetBatchSize = 100
	c.Batch.MaxBatchSize = 10
	if err := c.validate(); err == nil {
		t.Errorf("Incorrect validation. max batch below target was accepted")
	}
}
