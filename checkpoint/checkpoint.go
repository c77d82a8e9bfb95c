// Copyright 2024 The Tessera authors. All Rights Reserved.
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

// Package checkpoint persists the marker that bounds which WAL entries are
// already durable in some SST: (last flushed sequence, last flushed WAL
// offset, timestamp). It holds the current value in memory and writes it to
// the object store on advance, on a timer, and on shutdown.
package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/echodb/echodb/objstore"
)

// Key is the fixed object store location for the current checkpoint.
const Key = "checkpoint/latest"

// DefaultInterval is the periodic persistence cadence.
const DefaultInterval = 5 * time.Minute

const recordSize = 8 + 8 + 8 // last_flushed_seq | last_flushed_wal_offset | ts

// Corrupt is returned when the persisted checkpoint blob is the wrong size.
type Corrupt struct {
	Len int
}

func (e *Corrupt) Error() string {
	return fmt.Sprintf("checkpoint: corrupt record, got %d bytes, want %d", e.Len, recordSize)
}

// Checkpoint is the persisted triple.
type Checkpoint struct {
	LastFlushedSeq       uint64
	LastFlushedWALOffset uint64
	TS                   uint64
}

func encode(c Checkpoint) []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint64(buf[0:8], c.LastFlushedSeq)
	binary.BigEndian.PutUint64(buf[8:16], c.LastFlushedWALOffset)
	binary.BigEndian.PutUint64(buf[16:24], c.TS)
	return buf
}

func decode(data []byte) (Checkpoint, error) {
	if len(data) != recordSize {
		return Checkpoint{}, &Corrupt{Len: len(data)}
	}
	return Checkpoint{
		LastFlushedSeq:       binary.BigEndian.Uint64(data[0:8]),
		LastFlushedWALOffset: binary.BigEndian.Uint64(data[8:16]),
		TS:                   binary.BigEndian.Uint64(data[16:24]),
	}, nil
}

// Checkpointer owns the in-memory checkpoint and its persistence.
type Checkpointer struct {
	store objstore.Store
	nowFn func() time.Time

	mu      sync.Mutex
	current Checkpoint

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Checkpointer.
type Option func(*Checkpointer)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Checkpointer) { c.nowFn = now }
}

// New loads the persisted checkpoint (or, if none exists, starts from
// sequence 0 and offset 0 stamped with the current time) and begins the
// periodic persistence timer.
func New(ctx context.Context, store objstore.Store, interval time.Duration, opts ...Option) (*Checkpointer, error) {
	c := &Checkpointer{
		store:  store,
		nowFn:  time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	data, err := store.Get(ctx, Key)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %q: %w", Key, err)
	}
	if data == nil {
		c.current = Checkpoint{TS: uint64(c.nowFn().UnixMilli())}
	} else {
		cp, err := decode(data)
		if err != nil {
			return nil, err
		}
		c.current = cp
	}

	if interval <= 0 {
		interval = DefaultInterval
	}
	go c.persistLoop(interval)
	return c, nil
}

// Current returns a copy of the in-memory checkpoint.
func (c *Checkpointer) Current() Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Update advances the checkpoint and persists it, provided seq is strictly
// greater than the currently recorded sequence; non-advancing calls are
// silently ignored (monotonicity invariant).
func (c *Checkpointer) Update(ctx context.Context, seq, walOffset uint64) error {
	c.mu.Lock()
	if seq <= c.current.LastFlushedSeq {
		c.mu.Unlock()
		return nil
	}
	c.current = Checkpoint{LastFlushedSeq: seq, LastFlushedWALOffset: walOffset, TS: uint64(c.nowFn().UnixMilli())}
	cp := c.current
	c.mu.Unlock()

	if err := c.store.Put(ctx, Key, encode(cp)); err != nil {
		return fmt.Errorf("checkpoint: put %q: %w", Key, err)
	}
	return nil
}

func (c *Checkpointer) persistLoop(interval time.Duration) {
	defer close(c.doneCh)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.mu.Lock()
			cp := c.current
			c.mu.Unlock()
			if err := c.store.Put(context.Background(), Key, encode(cp)); err != nil {
				klog.Warningf("checkpoint: periodic persist failed: %v", err)
			}
		}
	}
}

// Close stops the periodic timer and performs a final synchronous persist.
func (c *Checkpointer) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh

	cp := c.Current()
	if err := c.store.Put(ctx, Key, encode(cp)); err != nil {
		return fmt.Errorf("checkpoint: final persist: %w", err)
	}
	return nil
}
