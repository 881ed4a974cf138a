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

// Package checkpoint uploads per-partition store snapshots to object storage
// and restores them on partition assignment. A checkpoint is a directory of
// immutable files plus a manifest; the manifest is written last so that its
// presence marks the attempt complete.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ManifestFileName is uploaded after every data file; an attempt without it
// was interrupted and is never imported.
const ManifestFileName = "metadata.json"

// FileEntry describes one data file within a checkpoint attempt.
type FileEntry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum uint64 `json:"checksum"`
}

// Manifest is the completion record for one checkpoint attempt. CommitOffset
// is the highest contiguously committed offset at snapshot time; a restore
// from this checkpoint must resume consumption at CommitOffset.
type Manifest struct {
	Topic         string      `json:"topic"`
	Partition     int32       `json:"partition"`
	AttemptMicros int64       `json:"attempt_micros"`
	CommitOffset  int64       `json:"commit_offset"`
	Files         []FileEntry `json:"files"`
}

func (m *Manifest) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return m, nil
}

// buildManifest walks dir and records every regular file with its size and
// xxhash checksum. Files are listed in name order.
func buildManifest(dir, topic string, partition int32, attemptMicros, commitOffset int64) (*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot dir: %w", err)
	}
	m := &Manifest{
		Topic:         topic,
		Partition:     partition,
		AttemptMicros: attemptMicros,
		CommitOffset:  commitOffset,
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ManifestFileName {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		sum, err := checksumFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, FileEntry{
			Name:     entry.Name(),
			Size:     info.Size(),
			Checksum: sum,
		})
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Name < m.Files[j].Name })
	return m, nil
}

func checksumFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("checksumming %s: %w", path, err)
	}
	return xxhash.Sum64(data), nil
}
