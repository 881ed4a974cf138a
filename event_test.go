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
	"errors"
	"testing"
)

func TestDecodeEvent(t *testing.T) {
	payload := []byte(`{
		"uuid": "0191d9e5-2bfa-7000-9f0a-000000000001",
		"event": "$pageview",
		"distinct_id": "user-1",
		"token": "phc_token",
		"timestamp": "2024-06-01T12:00:00Z",
		"properties": {"$browser": "Firefox", "plan": "free"}
	}`)
	event, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if event.Event != "$pageview" {
		t.Errorf("Incorrect event name. actual: %q, expected: $pageview", event.Event)
	}
	if event.DistinctId != "user-1" {
		t.Errorf("Incorrect distinct id. actual: %q, expected: user-1", event.DistinctId)
	}
	if v, ok := event.Properties["plan"]; !ok || v != "free" {
		t.Errorf("Incorrect property. actual: %v, expected: free", v)
	}
}

func TestDecodeEventMalformed(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"event": `))
	if !errors.Is(err, ErrDecode) {
		t.Errorf("Incorrect error. actual: %v, expected: ErrDecode", err)
	}
}

func TestDecodeEventMissingFields(t *testing.T) {
	for _, payload := range []string{
		`{"event": "$pageview", "token": "phc_token"}`,
		`{"distinct_id": "user-1", "token": "phc_token"}`,
		`{"event": "$pageview", "distinct_id": "user-1"}`,
	} {
		_, err := DecodeEvent([]byte(payload))
		if !errors.Is(err, ErrMissingField) {
			t.Errorf("Incorrect error for %s. actual: %v, expected: ErrMissingField", payload, err)
		}
	}
}

func TestOutputKey(t *testing.T) {
	event := testEvent()
	if k := event.OutputKey(); k != "phc_token:user-1" {
		t.Errorf("Incorrect output key. actual: %q, expected: phc_token:user-1", k)
	}
}

func TestOutputKeyCookieless(t *testing.T) {
	event := testEvent()
	event.Properties = map[string]any{
		"$cookieless_mode": true,
		"$ip":              "203.0.113.7",
	}
	if k := event.OutputKey(); k != "phc_token:203.0.113.7" {
		t.Errorf("Incorrect output key. actual: %q, expected: phc_token:203.0.113.7", k)
	}
	// cookieless without an ip falls back to the distinct id
	event.Properties = map[string]any{"$cookieless_mode": true}
	if k := event.OutputKey(); k != "phc_token:user-1" {
		t.Errorf("Incorrect output key. actual: %q, expected: phc_token:user-1", k)
	}
}

func TestIsCookieless(t *testing.T) {
	event := testEvent()
	if event.isCookieless() {
		t.Errorf("Incorrect cookieless detection. event without the property reported cookieless")
	}
	event.Properties = map[string]any{"$cookieless_mode": false}
	if event.isCookieless() {
		t.Errorf("Incorrect cookieless detection. false property reported cookieless")
	}
	event.Properties = map[string]any{"$cookieless_mode": "yes"}
	if event.isCookieless() {
		t.Errorf("Incorrect cookieless detection. non-bool property reported cookieless")
	}
	event.Properties = map[string]any{"$cookieless_mode": true}
	if !event.isCookieless() {
		t.Errorf("Incorrect cookieless detection. true property not reported cookieless")
	}
}
