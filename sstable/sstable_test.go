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

package sstable

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/echodb/echodb/objstore"
	"github.com/echodb/echodb/row"
)

func buildTestTable(t *testing.T, store objstore.Store, id ID, n int) []row.Entry {
	t.Helper()
	var entries []row.Entry
	b := NewBuilder(IndexSampleEvery(id.Level))
	for i := 0; i < n; i++ {
		e := row.Entry{Key: []byte(fmt.Sprintf("k%03d", i)), Value: []byte(fmt.Sprintf("v%03d", i))}
		entries = append(entries, e)
		if err := b.Add(e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := b.Finish(context.Background(), store, id); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return entries
}

func TestBuildIterateRoundTrip(t *testing.T) {
	store := objstore.NewMemStore()
	id := ID{TableID: "t1", Level: 0}
	want := buildTestTable(t, store, id, 37)

	r := NewReader(store, id, nil)
	got, err := r.Iterate(context.Background())
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("iterate mismatch (-want +got):\n%s", diff)
	}
}

func TestGetEveryKeyAndMisses(t *testing.T) {
	store := objstore.NewMemStore()
	id := ID{TableID: "t2", Level: 0}
	entries := buildTestTable(t, store, id, 25)

	r := NewReader(store, id, nil)
	ctx := context.Background()
	for _, e := range entries {
		v, found, tomb, err := r.Get(ctx, e.Key)
		if err != nil {
			t.Fatalf("Get(%s): %v", e.Key, err)
		}
		if !found || tomb || string(v) != string(e.Value) {
			t.Fatalf("Get(%s) = %q,%v,%v; want %q,true,false", e.Key, v, found, tomb, e.Value)
		}
	}
	if _, found, _, err := r.Get(ctx, []byte("zzz-missing")); err != nil || found {
		t.Fatalf("Get(missing) = found=%v err=%v; want not found", found, err)
	}
}

func TestTombstonePreservedThroughBuild(t *testing.T) {
	store := objstore.NewMemStore()
	id := ID{TableID: "t3", Level: 0}
	rows := []row.Row{
		{Seq: 1, Kind: row.Put, Key: []byte("a"), Value: []byte("1")},
		{Seq: 2, Kind: row.Delete, Key: []byte("b")},
	}
	if _, err := BuildFromRows(context.Background(), store, id, rows); err != nil {
		t.Fatalf("BuildFromRows: %v", err)
	}

	r := NewReader(store, id, nil)
	_, found, tomb, err := r.Get(context.Background(), []byte("b"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || !tomb {
		t.Fatalf("Get(b) = found=%v tomb=%v; want a present tombstone", found, tomb)
	}
}

func TestKeyCacheMemoizesLookups(t *testing.T) {
	store := objstore.NewMemStore()
	id := ID{TableID: "t4", Level: 0}
	entries := buildTestTable(t, store, id, 5)

	cache, err := NewKeyCache(16)
	if err != nil {
		t.Fatalf("NewKeyCache: %v", err)
	}
	r := NewReader(store, id, cache)
	ctx := context.Background()
	if _, _, _, err := r.Get(ctx, entries[0].Key); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Delete the data blob out from under the reader: a cached lookup
	// for the same key must still succeed without touching the store.
	if err := store.Delete(ctx, id.DataPath()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	v, found, _, err := r.Get(ctx, entries[0].Key)
	if err != nil {
		t.Fatalf("Get after data deleted (should hit cache): %v", err)
	}
	if !found || string(v) != string(entries[0].Value) {
		t.Fatalf("cached Get = %q,%v; want %q,true", v, found, entries[0].Value)
	}
}

func TestMissingDataBlobReturnsEmpty(t *testing.T) {
	store := objstore.NewMemStore()
	id := ID{TableID: "missing", Level: 0}
	// Only write the index, not the data.
	b := NewBuilder(10)
	_ = b.Add(row.Entry{Key: []byte("a"), Value: []byte("1")})
	if err := store.Put(context.Background(), id.IndexPath(), b.index); err != nil {
		t.Fatalf("Put index: %v", err)
	}

	r := NewReader(store, id, nil)
	_, found, _, err := r.Get(context.Background(), []byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected not found when data blob is missing")
	}
}

func TestFloorHandlesEmptyIndex(t *testing.T) {
	if off := floor(nil, []byte("x")); off != 0 {
		t.Fatalf("floor(empty) = %d, want 0", off)
	}
}

func TestFloorPicksGreatestKeyNotExceedingTarget(t *testing.T) {
	idx := []row.IndexEntry{
		{Key: []byte("b"), Offset: 10},
		{Key: []byte("d"), Offset: 30},
		{Key: []byte("f"), Offset: 50},
	}
	if off := floor(idx, []byte("e")); off != 30 {
		t.Fatalf("floor(e) = %d, want 30 (offset of 'd')", off)
	}
	if off := floor(idx, []byte("a")); off != 0 {
		t.Fatalf("floor(a) = %d, want 0 (below lowest indexed key)", off)
	}
	if off := floor(idx, []byte("z")); off != 50 {
		t.Fatalf("floor(z) = %d, want 50 (offset of 'f')", off)
	}
}
