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

// Package store provides the per-partition dedup index: an embedded ordered
// key/value store mapping dedup keys to compact metadata about the previously
// seen event. Each store is exclusively owned by its partition worker; no
// operation here is safe for concurrent writers.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrCorrupt indicates the on-disk store cannot be trusted. Fatal for the
	// partition: the coordinator must not reassume it without a clean restore.
	ErrCorrupt = errors.New("store corrupt")
	// ErrClosed is returned by operations against a closed store.
	ErrClosed = errors.New("store closed")
	// ErrTimeout is returned when a read exceeds its deadline.
	ErrTimeout = errors.New("store read timed out")
)

// Metadata is the value stored under a dedup key: the previously seen event
// payload (enough to run similarity) plus the observation counter.
type Metadata struct {
	Event           jsoniter.RawMessage `json:"event"`
	SeenCount       uint64              `json:"seen_count"`
	FirstSeenMicros int64               `json:"first_seen_micros"`
	LastSeenMicros  int64               `json:"last_seen_micros"`
}

// NewMetadata builds the initial record for a first-seen event.
func NewMetadata(event []byte, nowMicros int64) *Metadata {
	return &Metadata{
		Event:           event,
		SeenCount:       1,
		FirstSeenMicros: nowMicros,
		LastSeenMicros:  nowMicros,
	}
}

// Store is one partition's dedup index, backed by a Pebble DB on local disk.
type Store struct {
	db         *pebble.DB
	dir        string
	getTimeout time.Duration
}

type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{})  {}
func (pebbleLogger) Fatalf(format string, args ...interface{}) { panic(fmt.Sprintf(format, args...)) }

func open(dir string) (*pebble.DB, error) {
	return pebble.Open(dir, &pebble.Options{Logger: pebbleLogger{}})
}

// Open opens (or creates) the store rooted at dir. An open failure against an
// existing store directory is reported as ErrCorrupt: the caller must restore
// from a checkpoint before reassuming the partition.
func Open(dir string, getTimeout time.Duration) (*Store, error) {
	existing := dirHasEntries(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir %s: %w", dir, err)
	}
	db, err := open(dir)
	if err != nil {
		if existing {
			return nil, fmt.Errorf("%w: opening %s: %v", ErrCorrupt, dir, err)
		}
		return nil, fmt.Errorf("opening store %s: %w", dir, err)
	}
	return &Store{db: db, dir: dir, getTimeout: getTimeout}, nil
}

func dirHasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// Dir returns the store's working directory.
func (s *Store) Dir() string {
	return s.dir
}

type getResult struct {
	md  *Metadata
	ok  bool
	err error
}

// Get returns the metadata stored under key, if any. The read is abandoned
// (ErrTimeout) when it exceeds the configured deadline so that a stalled disk
// cannot wedge the partition worker indefinitely.
func (s *Store) Get(key []byte) (*Metadata, bool, error) {
	if s.db == nil {
		return nil, false, ErrClosed
	}
	c := make(chan getResult, 1)
	go func() {
		md, ok, err := s.get(key)
		c <- getResult{md, ok, err}
	}()
	timer := time.NewTimer(s.getTimeout)
	defer timer.Stop()
	select {
	case res := <-c:
		return res.md, res.ok, res.err
	case <-timer.C:
		return nil, false, fmt.Errorf("%w: after %v", ErrTimeout, s.getTimeout)
	}
}

func (s *Store) get(key []byte) (*Metadata, bool, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store get: %w", err)
	}
	defer closer.Close()
	md := &Metadata{}
	if err = json.Unmarshal(value, md); err != nil {
		return nil, false, fmt.Errorf("%w: undecodable metadata: %v", ErrCorrupt, err)
	}
	return md, true, nil
}

// PutIfAbsent inserts md under key and reports whether the insert happened.
// The single-writer ownership of a partition store makes check-then-set atomic.
func (s *Store) PutIfAbsent(key []byte, md *Metadata) (bool, error) {
	if s.db == nil {
		return false, ErrClosed
	}
	_, ok, err := s.get(key)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	return true, s.set(key, md)
}

func (s *Store) set(key []byte, md *Metadata) error {
	value, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err = s.db.Set(key, value, pebble.NoSync); err != nil {
		return fmt.Errorf("store set: %w", err)
	}
	return nil
}

// UpdateSeen increments the observation counter under key, returning the new
// count. A missing key is an invariant violation by the caller and reports 0.
func (s *Store) UpdateSeen(key []byte, nowMicros int64) (uint64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	md, ok, err := s.get(key)
	if err != nil || !ok {
		return 0, err
	}
	md.SeenCount++
	md.LastSeenMicros = nowMicros
	return md.SeenCount, s.set(key, md)
}

// CreateCheckpoint materializes a consistent snapshot of the store into destDir
// using hard links. The live store continues to accept writes.
func (s *Store) CreateCheckpoint(destDir string) error {
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.Checkpoint(destDir, pebble.WithFlushedWAL()); err != nil {
		return fmt.Errorf("store checkpoint to %s: %w", destDir, err)
	}
	return nil
}

// RestoreFrom replaces the store's contents with the snapshot in srcDir.
// The caller guarantees the store is quiescent: no reads or writes may be in
// flight. The current DB is closed, the directories swapped atomically, and
// the store reopened over the restored files.
func (s *Store) RestoreFrom(srcDir string) error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("closing store for restore: %w", err)
		}
		s.db = nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("clearing store dir: %w", err)
	}
	if err := os.Rename(srcDir, s.dir); err != nil {
		return fmt.Errorf("swapping restored store into place: %w", err)
	}
	db, err := open(s.dir)
	if err != nil {
		return fmt.Errorf("%w: reopening restored store: %v", ErrCorrupt, err)
	}
	s.db = db
	return nil
}

// ScanExpired returns the keys whose last observation is older than the cutoff.
// Used by the retention sweep; keys are copied out of the iterator.
func (s *Store) ScanExpired(olderThanMicros int64) ([][]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("store scan: %w", err)
	}
	defer iter.Close()
	var expired [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		md := &Metadata{}
		if err := json.Unmarshal(iter.Value(), md); err != nil {
			return nil, fmt.Errorf("%w: undecodable metadata during scan: %v", ErrCorrupt, err)
		}
		if md.LastSeenMicros < olderThanMicros {
			key := make([]byte, len(iter.Key()))
			copy(key, iter.Key())
			expired = append(expired, key)
		}
	}
	return expired, iter.Error()
}

// SweepExpired deletes every key past the retention cutoff, returning the count removed.
func (s *Store) SweepExpired(olderThanMicros int64) (int, error) {
	expired, err := s.ScanExpired(olderThanMicros)
	if err != nil {
		return 0, err
	}
	for _, key := range expired {
		if err := s.db.Delete(key, pebble.NoSync); err != nil {
			return 0, fmt.Errorf("store delete during sweep: %w", err)
		}
	}
	return len(expired), nil
}

// Items reports the number of live keys. Intended for tests and interjections;
// it walks the full keyspace.
func (s *Store) Items() (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Close flushes and closes the underlying DB. The store may not be reused.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SnapshotDir returns a sibling path suitable for materializing a checkpoint of
// the store rooted at dir.
func SnapshotDir(dir string, attemptMicros int64) string {
	return filepath.Join(filepath.Dir(dir), fmt.Sprintf("%s.checkpoint-%d", filepath.Base(dir), attemptMicros))
}
