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

	"k8s.io/klog/v2"

	"github.com/echodb/echodb/objstore"
	"github.com/echodb/echodb/row"
)

// Builder accepts (key, value) entries in strictly increasing key order and
// produces the data and sparse-index blobs for one SST.
type Builder struct {
	sampleEvery int
	data        []byte
	index       []byte
	count       int
	lastKey     []byte
	haveLastKey bool
}

// NewBuilder returns a Builder that samples the index every sampleEvery
// entries (see IndexSampleEvery).
func NewBuilder(sampleEvery int) *Builder {
	if sampleEvery <= 0 {
		sampleEvery = 10
	}
	return &Builder{sampleEvery: sampleEvery}
}

// Add appends one entry. Keys must be strictly increasing across calls.
func (b *Builder) Add(e row.Entry) error {
	if b.haveLastKey && string(e.Key) <= string(b.lastKey) {
		return fmt.Errorf("sstable: keys must be strictly increasing, got %q after %q", e.Key, b.lastKey)
	}
	offset := uint64(len(b.data))
	if b.count%b.sampleEvery == 0 {
		b.index = row.EncodeIndexEntry(b.index, e.Key, offset)
	}
	b.data = row.EncodeDataEntry(b.data, e.Key, e.Value, e.Tombstone)
	b.lastKey = append([]byte(nil), e.Key...)
	b.haveLastKey = true
	b.count++
	return nil
}

// Finish flushes the built data and index blobs to store under id, and
// returns the number of entries written.
func (b *Builder) Finish(ctx context.Context, store objstore.Store, id ID) (int, error) {
	if err := store.Put(ctx, id.DataPath(), b.data); err != nil {
		return 0, fmt.Errorf("sstable: put data %q: %w", id.DataPath(), err)
	}
	if err := store.Put(ctx, id.IndexPath(), b.index); err != nil {
		return 0, fmt.Errorf("sstable: put index %q: %w", id.IndexPath(), err)
	}
	klog.V(1).Infof("sstable: published %s (%d entries, %d data bytes, %d index bytes)", id.TableID, b.count, len(b.data), len(b.index))
	return b.count, nil
}

// BuildFromRows is a convenience wrapper for the common flush path: it
// builds and publishes one SST from memtable rows already sorted by key
// (memtable.Rows returns them in that order), including tombstones so that
// deletes continue to shadow older levels after the memtable is discarded.
func BuildFromRows(ctx context.Context, store objstore.Store, id ID, rows []row.Row) (int, error) {
	b := NewBuilder(IndexSampleEvery(id.Level))
	for _, e := range entriesFromRows(rows) {
		if err := b.Add(e); err != nil {
			return 0, err
		}
	}
	return b.Finish(ctx, store, id)
}
