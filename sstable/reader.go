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
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/echodb/echodb/objstore"
	"github.com/echodb/echodb/row"
)

// Reader is the lazy, cached read path for one SST.
type Reader struct {
	store objstore.Store
	id    ID

	mu    sync.Mutex
	index []row.IndexEntry // loaded lazily, sorted by key

	keyCache *lru.Cache[string, keyCacheEntry]
}

type keyCacheEntry struct {
	value     []byte
	tombstone bool
}

// KeyCache is a shared per-key value cache (keyed internally by
// "<table-id>|<key>") that memoizes SST lookups across Readers.
type KeyCache = lru.Cache[string, keyCacheEntry]

// NewKeyCache returns a KeyCache holding up to size entries.
func NewKeyCache(size int) (*KeyCache, error) {
	return lru.New[string, keyCacheEntry](size)
}

// NewReader returns a Reader for the SST identified by id. keyCache, if
// non-nil, is shared across Readers for the same DB instance.
func NewReader(store objstore.Store, id ID, keyCache *KeyCache) *Reader {
	return &Reader{store: store, id: id, keyCache: keyCache}
}

func (r *Reader) loadIndex(ctx context.Context) ([]row.IndexEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index != nil {
		return r.index, nil
	}
	data, err := r.store.Get(ctx, r.id.IndexPath())
	if err != nil {
		return nil, err
	}
	idx, err := row.DecodeIndex(data)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		idx = []row.IndexEntry{}
	}
	r.index = idx
	return idx, nil
}

// floor returns the offset of the greatest indexed key <= target, or 0 if
// the index is empty or every key exceeds target.
func floor(idx []row.IndexEntry, target []byte) uint64 {
	if len(idx) == 0 {
		return 0
	}
	// idx is sorted ascending by key; find the last entry with Key <= target.
	i := sort.Search(len(idx), func(i int) bool {
		return string(idx[i].Key) > string(target)
	})
	if i == 0 {
		return 0
	}
	return idx[i-1].Offset
}

func (r *Reader) cacheKey(key []byte) string {
	return r.id.TableID + "|" + string(key)
}

// Get returns the value for key, whether it was found at all (live or
// tombstoned), and whether the found entry is a tombstone.
func (r *Reader) Get(ctx context.Context, key []byte) (value []byte, found, tombstone bool, err error) {
	if r.keyCache != nil {
		if ce, ok := r.keyCache.Get(r.cacheKey(key)); ok {
			return ce.value, true, ce.tombstone, nil
		}
	}

	idx, err := r.loadIndex(ctx)
	if err != nil {
		return nil, false, false, err
	}
	data, err := r.store.Get(ctx, r.id.DataPath())
	if err != nil {
		return nil, false, false, err
	}
	if data == nil {
		klog.Warningf("sstable: data blob missing for %s, treating as empty", r.id.TableID)
		return nil, false, false, nil
	}

	off := int(floor(idx, key))
	if off > len(data) {
		return nil, false, false, &row.Corrupt{Where: "sst index offset past end of data"}
	}
	for off < len(data) {
		e, next, derr := row.DecodeDataEntry(data, off)
		if derr != nil {
			return nil, false, false, derr
		}
		cmp := compareBytes(e.Key, key)
		if cmp == 0 {
			if r.keyCache != nil {
				r.keyCache.Add(r.cacheKey(key), keyCacheEntry{value: e.Value, tombstone: e.Tombstone})
			}
			return e.Value, true, e.Tombstone, nil
		}
		if cmp > 0 {
			// Keys are sorted; once we've passed the target, it's absent.
			break
		}
		off = next
	}
	return nil, false, false, nil
}

// Iterate returns every (key, value) entry in the data blob, front to back,
// including tombstones.
func (r *Reader) Iterate(ctx context.Context) ([]row.Entry, error) {
	data, err := r.store.Get(ctx, r.id.DataPath())
	if err != nil {
		return nil, err
	}
	var out []row.Entry
	off := 0
	for off < len(data) {
		e, next, derr := row.DecodeDataEntry(data, off)
		if derr != nil {
			return out, derr
		}
		out = append(out, e)
		off = next
	}
	return out, nil
}

func compareBytes(a, b []byte) int {
	sa, sb := string(a), string(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}
