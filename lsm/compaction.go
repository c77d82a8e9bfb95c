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
	"sort"
	"time"

	"k8s.io/klog/v2"

	"github.com/echodb/echodb/row"
	"github.com/echodb/echodb/sstable"
)

// maybeCompact merges every L0 table with the existing L1 tables into one
// new L1 table when L0 has grown past the threshold. Tombstones are
// retained (this simplified compaction never drops them, even at the
// highest level -- see DESIGN.md for the open question this leaves
// unresolved). The old SST blobs are left on the object store; replacement
// is atomic only in the in-memory registry.
func (c *Coordinator) maybeCompact(ctx context.Context) error {
	c.mu.RLock()
	if len(c.l0) <= l0CompactionThreshold {
		c.mu.RUnlock()
		return nil
	}
	// Oldest-to-newest, so folding later entries over earlier ones gives
	// later-sequence-wins semantics without needing to carry seq numbers
	// through the SST format.
	l0OldestFirst := make([]*table, len(c.l0))
	for i, t := range c.l0 {
		l0OldestFirst[len(c.l0)-1-i] = t
	}
	existingL1 := append([]*table(nil), c.levels[1]...)
	c.mu.RUnlock()

	merged := map[string]row.Entry{}
	for _, t := range existingL1 {
		entries, err := t.reader.Iterate(ctx)
		if err != nil {
			return fmt.Errorf("lsm: compaction iterate %s: %w", t.id.TableID, err)
		}
		for _, e := range entries {
			merged[string(e.Key)] = e
		}
	}
	for _, t := range l0OldestFirst {
		entries, err := t.reader.Iterate(ctx)
		if err != nil {
			return fmt.Errorf("lsm: compaction iterate %s: %w", t.id.TableID, err)
		}
		for _, e := range entries {
			merged[string(e.Key)] = e
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sorted := make([]row.Entry, len(keys))
	for i, k := range keys {
		sorted[i] = merged[k]
	}

	newID := sstable.ID{TableID: sstable.NewTableID(time.Now()), Level: 1}
	b := sstable.NewBuilder(sstable.IndexSampleEvery(1))
	for _, e := range sorted {
		if err := b.Add(e); err != nil {
			return fmt.Errorf("lsm: compaction build: %w", err)
		}
	}
	if _, err := b.Finish(ctx, c.store, newID); err != nil {
		return fmt.Errorf("lsm: compaction publish: %w", err)
	}

	c.mu.Lock()
	c.known[newID.TableID] = true
	c.levels[1] = []*table{{id: newID, reader: sstable.NewReader(c.store, newID, c.keyCache)}}
	c.l0 = nil
	c.mu.Unlock()

	c.compactionThroughput.Add(float64(len(sorted)))
	klog.V(1).Infof("lsm: compacted %d L0 tables + %d L1 tables into %s (%d keys, ~%.1f keys/compaction avg)",
		len(l0OldestFirst), len(existingL1), newID.TableID, len(sorted), c.compactionThroughput.Avg())
	if c.metrics != nil {
		c.metrics.Compactions.Add(ctx, 1)
	}
	return nil
}
