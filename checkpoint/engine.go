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

package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/posthog/kafka-deduplicator/sak"
)

// Logger is the slice of the application logger the engine uses.
type Logger interface {
	Debugf(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
}

type nilLogger struct{}

func (nilLogger) Debugf(msg string, args ...interface{}) {}
func (nilLogger) Warnf(msg string, args ...interface{})  {}

const (
	defaultConcurrency = 4
	defaultRetries     = 3
	retryBaseDelay     = 250 * time.Millisecond
)

// Engine exports store snapshots to an ObjectStore and imports the newest
// complete checkpoint on partition assignment. Uploads are retried with
// exponential backoff, throttled by an optional byte-rate limiter, and capped
// at a fixed number of concurrent transfers.
type Engine struct {
	store       ObjectStore
	prefix      string
	limiter     *rate.Limiter
	concurrency int
	retries     int
	log         Logger
}

// EngineOption tunes an Engine.
type EngineOption func(*Engine)

// WithUploadLimit caps upload throughput at bytesPerSecond.
func WithUploadLimit(bytesPerSecond int) EngineOption {
	return func(e *Engine) {
		e.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
	}
}

// WithConcurrency caps concurrent file transfers per export.
func WithConcurrency(n int) EngineOption {
	return func(e *Engine) { e.concurrency = n }
}

// WithRetries sets how many times a failed transfer is retried.
func WithRetries(n int) EngineOption {
	return func(e *Engine) { e.retries = n }
}

// WithLogger routes engine diagnostics to l.
func WithLogger(l Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// NewEngine builds an Engine writing under prefix in store.
func NewEngine(store ObjectStore, prefix string, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		prefix:      prefix,
		concurrency: defaultConcurrency,
		retries:     defaultRetries,
		log:         nilLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) partitionPrefix(topic string, partition int32) string {
	return fmt.Sprintf("%s/%s/%d", e.prefix, topic, partition)
}

func (e *Engine) attemptPrefix(topic string, partition int32, attemptMicros int64) string {
	return fmt.Sprintf("%s/%020d", e.partitionPrefix(topic, partition), attemptMicros)
}

// Export uploads the snapshot in dir as a new checkpoint attempt. Every data
// file is uploaded before the manifest; an attempt missing its manifest is
// invisible to Import. The snapshot dir is left in place for the caller.
func (e *Engine) Export(ctx context.Context, dir, topic string, partition int32, attemptMicros, commitOffset int64) (*Manifest, error) {
	manifest, err := buildManifest(dir, topic, partition, attemptMicros, commitOffset)
	if err != nil {
		return nil, err
	}
	attempt := e.attemptPrefix(topic, partition, attemptMicros)

	sem := make(chan struct{}, e.concurrency)
	errs := make(chan error, len(manifest.Files))
	var wg sync.WaitGroup
	for _, file := range manifest.Files {
		wg.Add(1)
		sem <- struct{}{}
		go func(file FileEntry) {
			defer func() {
				<-sem
				wg.Done()
			}()
			errs <- e.uploadFile(ctx, filepath.Join(dir, file.Name), attempt+"/"+file.Name, file.Size)
		}(file)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return nil, err
		}
	}

	data, err := manifest.encode()
	if err != nil {
		return nil, err
	}
	err = e.withRetries(ctx, func() error {
		return e.store.Put(ctx, attempt+"/"+ManifestFileName, bytes.NewReader(data))
	})
	if err != nil {
		return nil, fmt.Errorf("uploading manifest: %w", err)
	}
	e.log.Debugf("exported checkpoint %s (%d files, commit offset %d)", attempt, len(manifest.Files), commitOffset)
	return manifest, nil
}

func (e *Engine) uploadFile(ctx context.Context, path, key string, size int64) error {
	if e.limiter != nil {
		if err := waitForBytes(ctx, e.limiter, size); err != nil {
			return err
		}
	}
	return e.withRetries(ctx, func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return e.store.Put(ctx, key, f)
	})
}

// waitForBytes reserves size tokens from the limiter, in burst-sized chunks
// for files larger than the burst.
func waitForBytes(ctx context.Context, limiter *rate.Limiter, size int64) error {
	burst := int64(limiter.Burst())
	for size > 0 {
		n := sak.Min(size, burst)
		if err := limiter.WaitN(ctx, int(n)); err != nil {
			return err
		}
		size -= n
	}
	return nil
}

func (e *Engine) withRetries(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = op(); err == nil {
			return nil
		}
		e.log.Warnf("checkpoint transfer failed (attempt %d/%d): %v", attempt+1, e.retries+1, err)
	}
	return err
}

// Import restores the newest complete, verifiable checkpoint for the partition
// into destDir. Attempts are tried newest first; a missing manifest, checksum
// mismatch, or download failure falls back to the next older attempt. Files
// are staged beside destDir and swapped in atomically. Returns nil when no
// usable checkpoint exists, in which case destDir is untouched.
func (e *Engine) Import(ctx context.Context, topic string, partition int32, destDir string) (*Manifest, error) {
	attempts, err := e.store.ListPrefixes(ctx, e.partitionPrefix(topic, partition))
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	// Zero-padded attempt timestamps sort lexically; walk newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(attempts)))

	for _, attempt := range attempts {
		manifest, err := e.importAttempt(ctx, attempt, destDir)
		if err == nil {
			e.log.Debugf("imported checkpoint %s (commit offset %d)", attempt, manifest.CommitOffset)
			return manifest, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.log.Warnf("checkpoint %s unusable, trying older: %v", attempt, err)
	}
	return nil, nil
}

func (e *Engine) importAttempt(ctx context.Context, attempt, destDir string) (*Manifest, error) {
	body, err := e.store.Get(ctx, attempt+"/"+ManifestFileName)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("incomplete attempt: no manifest")
	}
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return nil, err
	}
	manifest, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}

	staging := destDir + ".restore"
	if err := os.RemoveAll(staging); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, err
	}
	for _, file := range manifest.Files {
		if err := e.downloadFile(ctx, attempt+"/"+file.Name, filepath.Join(staging, file.Name), file); err != nil {
			os.RemoveAll(staging)
			return nil, err
		}
	}
	if err := os.RemoveAll(destDir); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}
	if err := os.Rename(staging, destDir); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}
	return manifest, nil
}

func (e *Engine) downloadFile(ctx context.Context, key, path string, entry FileEntry) error {
	return e.withRetries(ctx, func() error {
		body, err := e.store.Get(ctx, key)
		if err != nil {
			return err
		}
		defer body.Close()
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, body)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
		if n != entry.Size {
			return fmt.Errorf("size mismatch for %s: got %d want %d", entry.Name, n, entry.Size)
		}
		sum, err := checksumFile(path)
		if err != nil {
			return err
		}
		if sum != entry.Checksum {
			return fmt.Errorf("checksum mismatch for %s", entry.Name)
		}
		return nil
	})
}

// Prune deletes all but the newest keep checkpoint attempts for the partition.
func (e *Engine) Prune(ctx context.Context, topic string, partition int32, keep int) error {
	attempts, err := e.store.ListPrefixes(ctx, e.partitionPrefix(topic, partition))
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(attempts)))
	if len(attempts) <= keep {
		return nil
	}
	for _, attempt := range attempts[keep:] {
		keys, err := e.store.ListKeys(ctx, attempt+"/")
		if err != nil {
			return err
		}
		if err := e.store.Delete(ctx, keys); err != nil {
			return err
		}
		e.log.Debugf("pruned checkpoint %s", attempt)
	}
	return nil
}
