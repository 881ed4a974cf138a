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
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDecode indicates a malformed JSON payload. Skipped, never rejected up the stack.
var ErrDecode = errors.New("malformed event payload")

// ErrMissingField indicates an event without a distinct id, event name or token.
// Skipped, never rejected up the stack.
var ErrMissingField = errors.New("event missing identity field")

const (
	cookielessModeProperty = "$cookieless_mode"
	ipProperty             = "$ip"
)

// Event is the canonical analytics record carrying the identity fields used for
// deduplication plus the open property map. Immutable once decoded.
type Event struct {
	Uuid       string         `json:"uuid"`
	Event      string         `json:"event"`
	DistinctId string         `json:"distinct_id"`
	Token      string         `json:"token"`
	Timestamp  string         `json:"timestamp"`
	Properties map[string]any `json:"properties"`
}

// DecodeEvent parses a raw message payload. A JSON-level failure yields ErrDecode;
// an event missing any of (distinct id, event name, token) yields ErrMissingField.
func DecodeEvent(payload []byte) (*Event, error) {
	event := &Event{}
	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := event.validateIdentity(); err != nil {
		return nil, err
	}
	return event, nil
}

func (e *Event) validateIdentity() error {
	switch {
	case e.DistinctId == "":
		return fmt.Errorf("%w: distinct_id", ErrMissingField)
	case e.Event == "":
		return fmt.Errorf("%w: event", ErrMissingField)
	case e.Token == "":
		return fmt.Errorf("%w: token", ErrMissingField)
	}
	return nil
}

// OutputKey derives the Kafka key used when forwarding a unique event downstream:
// `token:distinct_id`, or `token:ip` when the event was captured in cookieless mode.
// Downstream consumers rely on this key for partition locality.
func (e *Event) OutputKey() string {
	if e.isCookieless() {
		if ip, ok := e.Properties[ipProperty].(string); ok && ip != "" {
			return e.Token + ":" + ip
		}
	}
	return e.Token + ":" + e.DistinctId
}

func (e *Event) isCookieless() bool {
	v, ok := e.Properties[cookielessModeProperty]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
