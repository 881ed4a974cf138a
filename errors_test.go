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
	"testing"

	"github.com/posthog/kafka-deduplicator/store"
	"github.com/twmb/franz-go/pkg/kerr"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err      error
		expected ErrorClass
	}{
		{kerr.NotLeaderForPartition, Transient},
		{store.ErrTimeout, Transient},
		{fmt.Errorf("read tcp: %w", store.ErrTimeout), Transient},
		{kerr.MessageTooLarge, PerMessageFatal},
		{ErrDecode, PerMessageFatal},
		{ErrMissingField, PerMessageFatal},
		{store.ErrCorrupt, PartitionFatal},
		{kerr.ProducerFenced, ProcessFatal},
		{kerr.InvalidProducerEpoch, ProcessFatal},
		{kerr.TransactionalIDAuthorizationFailed, ProcessFatal},
		{errors.New("something unexpected"), ProcessFatal},
	}
	for _, c := range cases {
		if actual := ClassifyError(c.err); actual != c.expected {
			t.Errorf("Incorrect class for %v. actual: %v, expected: %v", c.err, actual, c.expected)
		}
	}
}

func TestPartitionErrorCarriesClass(t *testing.T) {
	tp := ntp(3, "events")
	inner := errors.New("store blew up")
	err := newPartitionError(tp, PartitionFatal, inner)
	if ClassifyError(err) != PartitionFatal {
		t.Errorf("Incorrect class. actual: %v, expected: %v", ClassifyError(err), PartitionFatal)
	}
	if ClassifyError(fmt.Errorf("wrapped: %w", err)) != PartitionFatal {
		t.Errorf("Incorrect class. wrapping lost the partition error class")
	}
	if !errors.Is(err, inner) {
		t.Errorf("Incorrect unwrap. partition error did not expose its cause")
	}
}
