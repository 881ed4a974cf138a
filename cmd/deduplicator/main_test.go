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

package main

import (
	"testing"
	"time"
)

func TestLoadReadsPollTimeout(t *testing.T) {
	t.Setenv("DEDUP_CONFIG", "")
	t.Setenv("DEDUP_POLL_TIMEOUT", "7s")

	cfg, err := load("")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.PollTimeout != 7*time.Second {
		t.Errorf("Incorrect poll timeout. actual: %v, expected: %v", cfg.PollTimeout, 7*time.Second)
	}

	dedupCfg, err := toDedupConfig(cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if dedupCfg.PollTimeout != 7*time.Second {
		t.Errorf("Incorrect mapped poll timeout. actual: %v, expected: %v", dedupCfg.PollTimeout, 7*time.Second)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEDUP_CONFIG", "")
	cfg, err := load("")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.GroupId != "deduplicator" {
		t.Errorf("Incorrect default group id. actual: %q, expected: %q", cfg.GroupId, "deduplicator")
	}
	if cfg.PollTimeout != 0 {
		t.Errorf("Incorrect default poll timeout. actual: %v, expected: 0", cfg.PollTimeout)
	}
}
