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

package lsm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/echodb/echodb/checkpoint"
	"github.com/echodb/echodb/memtable"
	"github.com/echodb/echodb/objstore"
)

func newTestCoordinator(t *testing.T) (*Coordinator, objstore.Store, *checkpoint.Checkpointer) {
	t.Helper()
	store := objstore.NewMemStore()
	ctx := context.Background()
	cp, err := checkpoint.New(ctx, store, time.Hour)
	if err != nil {
		t.Fatalf("checkpoint.New: %v", err)
	}
	c, err := New(ctx, store, cp, nil, Config{
		RotationPolicy:     memtable.RotationPolicy{MaxEntries: 1 << 30},
		MaxImmutable:       10,
		KeyCacheSize:       128,
		CompactionInterval: time.Hour,
		DiscoveryInterval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Stop)
	return c, store, cp
}

func TestPutGetReadYourWrites(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.PutWithSeq([]byte("a"), []byte("1"), 1, 100)
	c.PutWithSeq([]byte("b"), []byte("2"), 2, 101)

	v, found, err := c.Get(context.Background(), []byte("a"))
	if err != nil || !found || string(v) != "1" {
		t.Fatalf("Get(a) = %q,%v,%v; want 1,true,nil", v, found, err)
	}
	_, found, err = c.Get(context.Background(), []byte("c"))
	if err != nil || found {
		t.Fatalf("Get(c) = found=%v err=%v; want not found", found, err)
	}
}

func TestTombstoneShadowsOlderValue(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	c.PutWithSeq([]byte("k"), []byte("v1"), 1, 100)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	c.DeleteWithSeq([]byte("k"), 2, 101)

	_, found, err := c.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("Get(k) after delete should report not found even though an older SST holds a value")
	}
}

func TestFlushPublishesSSTAndAdvancesCheckpoint(t *testing.T) {
	c, _, cp := newTestCoordinator(t)
	ctx := context.Background()
	c.PutWithSeq([]byte("x"), []byte("1"), 10, 100)
	c.PutWithSeq([]byte("y"), []byte("2"), 11, 101)

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := c.L0Count(); got != 1 {
		t.Fatalf("L0Count = %d, want 1", got)
	}
	if got := cp.Current().LastFlushedSeq; got != 11 {
		t.Fatalf("checkpoint.LastFlushedSeq = %d, want 11", got)
	}

	// The flushed data must still be readable from L0 after the memtable
	// is gone.
	v, found, err := c.Get(ctx, []byte("x"))
	if err != nil || !found || string(v) != "1" {
		t.Fatalf("Get(x) after flush = %q,%v,%v; want 1,true,nil", v, found, err)
	}
}

func TestCompactionMergesL0IntoL1(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		c.PutWithSeq([]byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%03d", i)), uint64(i+1), uint64(i))
		if err := c.Flush(ctx); err != nil {
			t.Fatalf("Flush %d: %v", i, err)
		}
	}
	if got := c.L0Count(); got <= l0CompactionThreshold {
		t.Fatalf("L0Count = %d, want more than %d before compaction", got, l0CompactionThreshold)
	}

	if err := c.maybeCompact(ctx); err != nil {
		t.Fatalf("maybeCompact: %v", err)
	}
	if got := c.L0Count(); got != 0 {
		t.Fatalf("L0Count after compaction = %d, want 0", got)
	}
	if got := c.LevelCount(1); got != 1 {
		t.Fatalf("LevelCount(1) after compaction = %d, want 1", got)
	}

	v, found, err := c.Get(ctx, []byte("k150"))
	if err != nil || !found || string(v) != "v150" {
		t.Fatalf("Get(k150) after compaction = %q,%v,%v; want v150,true,nil", v, found, err)
	}
}

func TestDiscoveryFindsTablesPublishedOutOfProcess(t *testing.T) {
	producer, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	producer.PutWithSeq([]byte("shared"), []byte("value"), 1, 1)
	if err := producer.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	cp2, err := checkpoint.New(ctx, store, time.Hour)
	if err != nil {
		t.Fatalf("checkpoint.New: %v", err)
	}
	follower, err := New(ctx, store, cp2, nil, Config{
		RotationPolicy:     memtable.RotationPolicy{MaxEntries: 1 << 30},
		MaxImmutable:       10,
		KeyCacheSize:       128,
		CompactionInterval: time.Hour,
		DiscoveryInterval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("New (follower): %v", err)
	}
	t.Cleanup(follower.Stop)

	// Recovery-on-startup already discovered the producer's published
	// table; a follower need not run its write path to see it.
	v, found, err := follower.Get(ctx, []byte("shared"))
	if err != nil || !found || string(v) != "value" {
		t.Fatalf("Get(shared) on follower = %q,%v,%v; want value,true,nil", v, found, err)
	}
}
