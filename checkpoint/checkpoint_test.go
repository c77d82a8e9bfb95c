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

package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/echodb/echodb/objstore"
)

func TestUpdateIgnoresNonAdvancing(t *testing.T) {
	store := objstore.NewMemStore()
	ctx := context.Background()
	c, err := New(ctx, store, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Update(ctx, 10, 100); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := c.Update(ctx, 5, 50); err != nil {
		t.Fatalf("Update (non-advancing): %v", err)
	}
	if got := c.Current(); got.LastFlushedSeq != 10 || got.LastFlushedWALOffset != 100 {
		t.Fatalf("Current = %+v, want seq=10 offset=100", got)
	}
	if err := c.Update(ctx, 10, 200); err != nil {
		t.Fatalf("Update (equal seq): %v", err)
	}
	if got := c.Current(); got.LastFlushedWALOffset != 100 {
		t.Fatalf("equal-seq update must not advance offset, got %+v", got)
	}
}

func TestRestartLoadsPersistedCheckpoint(t *testing.T) {
	store := objstore.NewMemStore()
	ctx := context.Background()
	c1, err := New(ctx, store, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c1.Update(ctx, 42, 4096); err != nil {
		t.Fatalf("Update: %v", err)
	}

	c2, err := New(ctx, store, time.Hour)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	got := c2.Current()
	if got.LastFlushedSeq != 42 || got.LastFlushedWALOffset != 4096 {
		t.Fatalf("Current after restart = %+v, want seq=42 offset=4096", got)
	}
}

func TestCloseIsSynchronous(t *testing.T) {
	store := objstore.NewMemStore()
	ctx := context.Background()
	c, err := New(ctx, store, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Update(ctx, 7, 70); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := store.Get(ctx, Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	cp, err := decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cp.LastFlushedSeq != 7 {
		t.Fatalf("persisted seq = %d, want 7", cp.LastFlushedSeq)
	}
}

func TestCorruptBlobReported(t *testing.T) {
	store := objstore.NewMemStore()
	ctx := context.Background()
	if err := store.Put(ctx, Key, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := New(ctx, store, time.Hour); err == nil {
		t.Fatal("New: expected error for malformed checkpoint blob")
	}
}
