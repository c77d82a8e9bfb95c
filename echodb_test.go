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

package echodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/echodb/echodb/objstore"
)

func openTestDB(t *testing.T, cfg Config) (*Database, objstore.Store) {
	t.Helper()
	store := objstore.NewMemStore()
	cfg.Designated = true
	cfg.NodeID = "test-node"
	cfg.CompactionInterval = time.Hour
	cfg.DiscoveryInterval = time.Hour
	cfg.CheckpointInterval = time.Hour
	cfg.WALFlushInterval = time.Hour
	cfg.LeaseHeartbeat = time.Hour
	db, err := Open(context.Background(), store, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Close(ctx)
	})
	return db, store
}

func waitForLeader(t *testing.T, db *Database) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if db.IsLeader() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("designated leader never reported IsLeader()")
}

func TestPutGetDeleteEndToEnd(t *testing.T) {
	db, _ := openTestDB(t, Config{})
	waitForLeader(t, db)
	ctx := context.Background()

	if err := db.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put(a): %v", err)
	}
	if err := db.Put(ctx, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put(b): %v", err)
	}

	v, found, err := db.Get(ctx, []byte("a"))
	if err != nil || !found || string(v) != "1" {
		t.Fatalf("Get(a) = %q,%v,%v; want 1,true,nil", v, found, err)
	}
	if _, found, err := db.Get(ctx, []byte("c")); err != nil || found {
		t.Fatalf("Get(c) found=%v err=%v; want not found", found, err)
	}

	if err := db.Put(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put(k): %v", err)
	}
	if err := db.Put(ctx, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put(k) v2: %v", err)
	}
	if err := db.Delete(ctx, []byte("k")); err != nil {
		t.Fatalf("Delete(k): %v", err)
	}
	if _, found, err := db.Get(ctx, []byte("k")); err != nil || found {
		t.Fatalf("Get(k) after delete found=%v err=%v; want not found", found, err)
	}
}

func TestFlushPersistsAcrossReopen(t *testing.T) {
	db, store := openTestDB(t, Config{})
	waitForLeader(t, db)
	ctx := context.Background()

	if err := db.Put(ctx, []byte("x"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	stats := db.Stats()
	if stats.L0Count != 1 {
		t.Fatalf("Stats().L0Count = %d, want 1", stats.L0Count)
	}

	cfg := Config{Designated: true, NodeID: "second-node", CompactionInterval: time.Hour, DiscoveryInterval: time.Hour, CheckpointInterval: time.Hour, WALFlushInterval: time.Hour, LeaseHeartbeat: time.Hour}
	second, err := Open(ctx, store, cfg)
	if err != nil {
		t.Fatalf("Open (second): %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = second.Close(ctx)
	})

	v, found, err := second.Get(ctx, []byte("x"))
	if err != nil || !found || string(v) != "1" {
		t.Fatalf("Get(x) on reopened db = %q,%v,%v; want 1,true,nil", v, found, err)
	}
}

func TestWritesFailWhenNotLeader(t *testing.T) {
	store := objstore.NewMemStore()
	cfg := Config{NodeID: "follower", CompactionInterval: time.Hour, DiscoveryInterval: time.Hour, CheckpointInterval: time.Hour, WALFlushInterval: time.Hour}
	db, err := Open(context.Background(), store, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Close(ctx)
	})

	err = db.Put(context.Background(), []byte("a"), []byte("1"))
	if !errors.Is(err, ErrNotLeader) {
		t.Fatalf("Put on non-leader = %v, want NotLeader", err)
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	db, _ := openTestDB(t, Config{})
	waitForLeader(t, db)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := db.Put(context.Background(), []byte("a"), []byte("1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put after close = %v, want Closed", err)
	}
	if _, _, err := db.Get(context.Background(), []byte("a")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after close = %v, want Closed", err)
	}

	// Close is idempotent.
	if err := db.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRecoverFromWALReplaysUncommittedWrites(t *testing.T) {
	db, store := openTestDB(t, Config{})
	waitForLeader(t, db)
	ctx := context.Background()

	// Establish a real, persisted checkpoint (not the construction-time
	// genesis value) by flushing a first row through to an SST.
	if err := db.Put(ctx, []byte("seed"), []byte("0")); err != nil {
		t.Fatalf("Put(seed): %v", err)
	}
	if err := db.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// This write is only durable in the WAL: its SST never gets built
	// before the process below reopens the same store.
	if err := db.Put(ctx, []byte("r"), []byte("replayed")); err != nil {
		t.Fatalf("Put(r): %v", err)
	}
	if err := db.log.Flush(); err != nil {
		t.Fatalf("wal Flush: %v", err)
	}

	cfg := Config{Designated: true, NodeID: "recovering-node", CompactionInterval: time.Hour, DiscoveryInterval: time.Hour, CheckpointInterval: time.Hour, WALFlushInterval: time.Hour, LeaseHeartbeat: time.Hour}
	second, err := Open(ctx, store, cfg)
	if err != nil {
		t.Fatalf("Open (second): %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = second.Close(ctx)
	})
	// Replay runs on leadership acquisition, which completes before the
	// node reports itself as leader.
	waitForLeader(t, second)

	v, found, err := second.Get(ctx, []byte("r"))
	if err != nil || !found || string(v) != "replayed" {
		t.Fatalf("Get(r) after Open-triggered recovery = %q,%v,%v; want replayed,true,nil", v, found, err)
	}
}
