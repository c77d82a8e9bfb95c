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
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/echodb/echodb/memtable"
	"github.com/echodb/echodb/sstable"
)

// flushResult is the outcome of building one SST from one immutable
// memtable.
type flushResult struct {
	table  *table
	maxSeq uint64
	n      int
}

// Flush freezes the active memtable if non-empty, builds and publishes one
// SST per pending immutable memtable (in parallel), registers them into L0,
// and advances the checkpoint past the highest sequence now durable in an
// SST. The WAL offset recorded in the checkpoint is a coarse timestamp
// placeholder: the reference design leaves its exact semantics open (no
// consumer parses it back into a WAL position).
func (c *Coordinator) Flush(ctx context.Context) error {
	c.memtables.ForceFreeze()
	pending := c.memtables.ImmutableSnapshot()
	if len(pending) == 0 {
		return nil
	}

	results := make([]*flushResult, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range pending {
		i, m := i, m
		g.Go(func() error {
			res, err := c.buildOne(gctx, m)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("lsm: flush: %w", err)
	}

	c.mu.Lock()
	var maxSeqFlushed uint64
	var totalEntries int
	for _, res := range results {
		c.registerLocked(res.table)
		if res.maxSeq > maxSeqFlushed {
			maxSeqFlushed = res.maxSeq
		}
		totalEntries += res.n
	}
	c.mu.Unlock()

	for _, m := range pending {
		c.memtables.RemoveFlushed(m)
	}

	c.flushThroughput.Add(float64(totalEntries))
	klog.V(1).Infof("lsm: flush published %d tables (%d entries total, ~%.1f entries/flush avg)", len(results), totalEntries, c.flushThroughput.Avg())
	if c.metrics != nil {
		c.metrics.Flushes.Add(ctx, 1)
	}

	if c.checkpoint != nil && maxSeqFlushed > 0 {
		walOffsetPlaceholder := uint64(time.Now().UnixMilli())
		if err := c.checkpoint.Update(ctx, maxSeqFlushed, walOffsetPlaceholder); err != nil {
			return fmt.Errorf("lsm: checkpoint update after flush: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) buildOne(ctx context.Context, m *memtable.Memtable) (*flushResult, error) {
	id := sstable.ID{TableID: sstable.NewTableID(time.Now()), Level: 0}
	rows := m.Rows()
	n, err := sstable.BuildFromRows(ctx, c.store, id, rows)
	if err != nil {
		return nil, fmt.Errorf("build sst for table: %w", err)
	}
	return &flushResult{
		table:  &table{id: id, reader: sstable.NewReader(c.store, id, c.keyCache)},
		maxSeq: m.MaxSeq(),
		n:      n,
	}, nil
}
