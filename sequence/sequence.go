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

// Package sequence implements the global monotonic 64-bit sequence
// allocator. It is the single source of truth for mutation
// ordering in a process: only one Allocator should ever be pointed at a
// given store key at a time.
package sequence

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/echodb/echodb/objstore"
)

// Key is the object store key the sequence counter is persisted under.
const Key = "system/sequence/global"

// batchSize is the number of sequences reserved ahead of the persisted
// value on (re)start, so that a crash can never hand out a sequence that
// was already handed out before the crash.
const batchSize = 1000

// eagerMargin triggers an eager persist once the in-memory counter gets
// this close to the last-persisted reservation boundary.
const eagerMargin = batchSize - 100

// persistInterval is the background persistence cadence.
const persistInterval = 30 * time.Second

// Allocator hands out strictly increasing sequence numbers.
type Allocator struct {
	store objstore.Store

	counter      atomic.Uint64 // next sequence to hand out
	persistedMax atomic.Uint64 // ceiling safe to hand out without a further persist

	persistMu sync.Mutex // serializes persist() calls

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an Allocator, reading the persisted counter (if any) and
// reserving a batch ahead of it so that restart cannot collide with
// previously handed-out sequences.
func New(ctx context.Context, store objstore.Store) (*Allocator, error) {
	s0, err := readPersisted(ctx, store)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		store:  store,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	start := s0 + batchSize
	a.counter.Store(start)

	if err := a.persist(ctx, start); err != nil {
		// Non-fatal: the in-memory reservation still protects us; the
		// next successful persist (background or close) will catch up.
		klog.Errorf("sequence: failed to persist initial reservation: %v", err)
	} else {
		// Persisting start means any future restart begins at start+batchSize,
		// so everything below that is already safe to hand out here.
		a.persistedMax.Store(start + batchSize)
	}

	go a.persistLoop(ctx)
	return a, nil
}

func readPersisted(ctx context.Context, store objstore.Store) (uint64, error) {
	data, err := store.Get(ctx, Key)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	if len(data) != 8 {
		return 0, &Corrupt{Len: len(data)}
	}
	return binary.BigEndian.Uint64(data), nil
}

// Corrupt is returned when the persisted sequence blob is not exactly 8
// bytes.
type Corrupt struct{ Len int }

func (e *Corrupt) Error() string {
	return fmt.Sprintf("sequence: persisted blob has unexpected length %d", e.Len)
}

// Next returns the next sequence number, reserving a further batch ahead of
// the last persisted value if the counter has gotten close to exhausting
// the current reservation.
func (a *Allocator) Next(ctx context.Context) uint64 {
	seq := a.counter.Add(1) - 1

	if seq+eagerMargin >= a.persistedMax.Load() {
		go func() {
			target := seq + batchSize
			if err := a.persist(ctx, target); err != nil {
				klog.Errorf("sequence: eager persist failed: %v", err)
				return
			}
			a.bumpPersistedMax(target + batchSize)
		}()
	}
	return seq
}

func (a *Allocator) bumpPersistedMax(v uint64) {
	for {
		cur := a.persistedMax.Load()
		if v <= cur {
			return
		}
		if a.persistedMax.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (a *Allocator) persist(ctx context.Context, value uint64) error {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	return a.store.Put(ctx, Key, buf[:])
}

func (a *Allocator) persistLoop(ctx context.Context) {
	defer close(a.doneCh)
	t := time.NewTicker(persistInterval)
	defer t.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			cur := a.counter.Load()
			if err := a.persist(ctx, cur); err != nil {
				klog.Errorf("sequence: periodic persist failed (counter still advances in memory): %v", err)
				continue
			}
			a.bumpPersistedMax(cur + batchSize)
		}
	}
}

// Close persists the current counter synchronously and stops the
// background timer.
func (a *Allocator) Close(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stopCh)
		<-a.doneCh
		err = a.persist(ctx, a.counter.Load())
	})
	return err
}
