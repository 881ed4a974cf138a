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
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/posthog/kafka-deduplicator/checkpoint"
	"github.com/posthog/kafka-deduplicator/sak"
)

// Deduplicator consumes a topic of analytics events, drops or flags
// duplicates against per-partition disk indexes, and produces surviving
// events and duplicate reports transactionally.
type Deduplicator struct {
	cfg       Config
	consumer  *dedupConsumer
	runStatus sak.RunStatus
	done      chan struct{}
	failOnce  sync.Once
	stopOnce  sync.Once
	failure   error
}

// New validates cfg, ensures the output topics exist, and builds the
// deduplicator. Consumption does not begin until Start is called.
func New(cfg Config) (*Deduplicator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := EnsureTopics(cfg); err != nil {
		return nil, err
	}

	objectStore, err := newObjectStore(cfg.ObjectStore)
	if err != nil {
		return nil, err
	}
	engine := checkpoint.NewEngine(objectStore, cfg.ObjectStore.Prefix,
		checkpoint.WithLogger(log))

	d := &Deduplicator{
		cfg:       cfg,
		runStatus: sak.NewRunStatus(context.Background()),
		done:      make(chan struct{}),
	}
	d.consumer, err = newDedupConsumer(&d.cfg, engine, d.fail, d.runStatus)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func newObjectStore(cfg ObjectStoreConfig) (checkpoint.ObjectStore, error) {
	if cfg.Bucket == "" {
		// no bucket configured, checkpoints stay process-local
		return checkpoint.NewMemoryStore(), nil
	}
	return checkpoint.NewS3Store(context.Background(), cfg.Bucket, cfg.Region, cfg.Endpoint)
}

// Start begins consuming. It returns immediately; use Done or WaitForSignals
// to block on the consumer lifecycle.
func (d *Deduplicator) Start() {
	go d.consumer.start()
}

// fail records the first unrecoverable error and begins shutdown.
func (d *Deduplicator) fail(err error) {
	d.failOnce.Do(func() {
		log.Errorf("unrecoverable error, shutting down: %v", err)
		d.failure = err
		d.Stop()
	})
}

// Err returns the error that stopped the deduplicator, if any. Valid once
// Done is closed.
func (d *Deduplicator) Err() error {
	return d.failure
}

// Stop drains all owned partitions, commits outstanding work, takes final
// checkpoints, and leaves the group. Not blocking; follow with <-Done().
func (d *Deduplicator) Stop() {
	d.stopOnce.Do(func() {
		go func() {
			d.consumer.stop()
			d.runStatus.Halt()
			close(d.done)
		}()
	})
}

// Done blocks while the underlying Kafka consumer is active.
func (d *Deduplicator) Done() <-chan struct{} {
	return d.done
}

// WaitForSignals is a convenience for main(): it blocks until one of the
// given signals arrives (SIGINT and SIGHUP when none are given), then stops
// the deduplicator and waits for shutdown to complete. A non-nil preHook may
// veto the shutdown by returning false.
func (d *Deduplicator) WaitForSignals(preHook func(os.Signal) bool, signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM}
	}
	if preHook == nil {
		preHook = func(_ os.Signal) bool {
			return true
		}
	}
	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)
	for {
		select {
		case s := <-c:
			if preHook(s) {
				signal.Reset(signals...)
				d.Stop()
				<-d.Done()
				return
			}
		case <-d.Done():
			return
		}
	}
}

// WaitForChannel is similar to WaitForSignals but blocks on a chan struct{},
// invoking callback once shutdown completes.
func (d *Deduplicator) WaitForChannel(c chan struct{}, callback func()) {
	<-c
	d.Stop()
	<-d.Done()
	if callback != nil {
		callback()
	}
}
