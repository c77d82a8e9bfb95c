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

// Package lsm is the LSM Coordinator: it owns the active/immutable memtable
// chain, the L0 table list, and the leveled tables Lk>=1, and routes writes
// and reads across them. It takes the checkpointer in as a collaborator
// (rather than the other way around) to avoid a cyclic dependency between
// flush, checkpointing, and WAL recovery.
package lsm

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"k8s.io/klog/v2"

	"github.com/echodb/echodb/checkpoint"
	"github.com/echodb/echodb/memtable"
	"github.com/echodb/echodb/objstore"
	"github.com/echodb/echodb/sstable"
	"github.com/echodb/echodb/telemetry"
)

// DefaultCompactionInterval and DefaultDiscoveryInterval are the background
// worker timer periods.
const (
	DefaultCompactionInterval = 10 * time.Minute
	DefaultDiscoveryInterval  = 10 * time.Second
	l0CompactionThreshold     = 4
	maxRecoveryLevel          = 7
)

// table pairs an SST identity with the lazily-backed reader for it.
type table struct {
	id     sstable.ID
	reader *sstable.Reader
}

// Config controls memtable sizing, level-0 fan-out, and worker cadences.
type Config struct {
	RotationPolicy     memtable.RotationPolicy
	MaxImmutable       int
	KeyCacheSize       int
	CompactionInterval time.Duration
	DiscoveryInterval  time.Duration
}

// Coordinator is the LSM tree: an active memtable, an immutable queue, L0
// (newest first), and Lk>=1 (a map of level to table list).
type Coordinator struct {
	store      objstore.Store
	checkpoint *checkpoint.Checkpointer
	metrics    *telemetry.Metrics
	keyCache   *sstable.KeyCache

	cfg Config

	mu        sync.RWMutex
	memtables *memtable.List
	l0        []*table // newest first
	levels    map[int][]*table
	known     map[string]bool // table id -> registered, across all levels

	flushThroughput      *movingaverage.MovingAverage
	compactionThroughput *movingaverage.MovingAverage

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Coordinator and performs startup recovery (discovering
// every existing SST across L0..L7 by listing the object store), then
// starts the compaction and discovery background workers.
func New(ctx context.Context, store objstore.Store, cp *checkpoint.Checkpointer, metrics *telemetry.Metrics, cfg Config) (*Coordinator, error) {
	if cfg.CompactionInterval <= 0 {
		cfg.CompactionInterval = DefaultCompactionInterval
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if cfg.MaxImmutable <= 0 {
		cfg.MaxImmutable = 3
	}

	keyCache, err := sstable.NewKeyCache(cfg.KeyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("lsm: new key cache: %w", err)
	}

	c := &Coordinator{
		store:                store,
		checkpoint:           cp,
		metrics:              metrics,
		keyCache:             keyCache,
		cfg:                  cfg,
		memtables:            memtable.NewList(cfg.RotationPolicy, cfg.MaxImmutable),
		levels:               make(map[int][]*table),
		known:                make(map[string]bool),
		flushThroughput:      movingaverage.New(30),
		compactionThroughput: movingaverage.New(30),
		stopCh:               make(chan struct{}),
		doneCh:               make(chan struct{}),
	}

	if err := c.recoverOnStartup(ctx); err != nil {
		return nil, err
	}

	go c.backgroundLoop(ctx)
	return c, nil
}

// recoverOnStartup lists L0..L7, registering every SST found. No data is
// read eagerly; readers load lazily on first Get/Iterate.
func (c *Coordinator) recoverOnStartup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for level := 0; level <= maxRecoveryLevel; level++ {
		tables, err := c.listLevel(ctx, level)
		if err != nil {
			return fmt.Errorf("lsm: recovery list level %d: %w", level, err)
		}
		for _, t := range tables {
			c.registerLocked(t)
		}
	}
	return nil
}

// PutWithSeq applies a PUT at an already-allocated sequence: rotate the
// memtable if full, then insert.
func (c *Coordinator) PutWithSeq(key, value []byte, seq uint64, ts uint64) {
	c.rotateIfFull()
	c.memtables.Active().Put(key, value, seq, ts)
	if c.metrics != nil {
		c.metrics.Puts.Add(context.Background(), 1)
	}
}

// DeleteWithSeq applies a DELETE (tombstone) at an already-allocated
// sequence: rotate the memtable if full, then insert.
func (c *Coordinator) DeleteWithSeq(key []byte, seq uint64, ts uint64) {
	c.rotateIfFull()
	c.memtables.Active().Delete(key, seq, ts)
	if c.metrics != nil {
		c.metrics.Deletes.Add(context.Background(), 1)
	}
}

func (c *Coordinator) rotateIfFull() {
	if _, shouldFlush := c.memtables.MaybeRotate(); shouldFlush {
		go func() {
			if err := c.Flush(context.Background()); err != nil {
				klog.Errorf("lsm: rotation-triggered flush failed: %v", err)
			}
		}()
	}
}

// Get probes, in order, the active memtable, the immutable memtables
// (newest first), L0 (newest first), and L1..Lmax ascending, returning on
// the first hit -- including a tombstone, which reports "not found" even
// if an older level still holds a value for the same key.
func (c *Coordinator) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if c.metrics != nil {
		defer c.metrics.Gets.Add(ctx, 1)
	}

	if v, ok := c.memtables.Active().Get(key); ok {
		return v, true, nil
	}
	if r, ok := c.memtables.Active().GetRow(key); ok && r.IsTombstone() {
		return nil, false, nil
	}

	for _, m := range c.memtables.Immutable() {
		if v, ok := m.Get(key); ok {
			return v, true, nil
		}
		if r, ok := m.GetRow(key); ok && r.IsTombstone() {
			return nil, false, nil
		}
	}

	c.mu.RLock()
	l0 := append([]*table(nil), c.l0...)
	var maxLevel int
	for lvl := range c.levels {
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}
	levels := make(map[int][]*table, len(c.levels))
	for lvl, ts := range c.levels {
		levels[lvl] = append([]*table(nil), ts...)
	}
	c.mu.RUnlock()

	for _, t := range l0 {
		v, found, tomb, err := t.reader.Get(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("lsm: read %s: %w", t.id.TableID, err)
		}
		if found {
			if tomb {
				return nil, false, nil
			}
			return v, true, nil
		}
	}

	for lvl := 1; lvl <= maxLevel; lvl++ {
		for _, t := range levels[lvl] {
			v, found, tomb, err := t.reader.Get(ctx, key)
			if err != nil {
				return nil, false, fmt.Errorf("lsm: read %s: %w", t.id.TableID, err)
			}
			if found {
				if tomb {
					return nil, false, nil
				}
				return v, true, nil
			}
		}
	}

	return nil, false, nil
}

// registerLocked adds t to the in-memory level registry and the known-ids
// set. Callers must hold c.mu for writing.
func (c *Coordinator) registerLocked(t *table) {
	if c.known[t.id.TableID] {
		return
	}
	c.known[t.id.TableID] = true
	if t.id.Level == 0 {
		c.l0 = append([]*table{t}, c.l0...)
		sort.SliceStable(c.l0, func(i, j int) bool {
			return tableTimestamp(c.l0[i].id.TableID) > tableTimestamp(c.l0[j].id.TableID)
		})
		return
	}
	c.levels[t.id.Level] = append(c.levels[t.id.Level], t)
}

func (c *Coordinator) listLevel(ctx context.Context, level int) ([]*table, error) {
	prefix := fmt.Sprintf("data/l%d/", level)
	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := map[string]bool{}
	for _, k := range keys {
		base := strings.TrimPrefix(k, prefix)
		base = strings.TrimSuffix(strings.TrimSuffix(base, ".data"), ".index")
		if base != "" {
			ids[base] = true
		}
	}
	out := make([]*table, 0, len(ids))
	for id := range ids {
		sid := sstable.ID{TableID: id, Level: level}
		out = append(out, &table{id: sid, reader: sstable.NewReader(c.store, sid, c.keyCache)})
	}
	return out, nil
}

// tableTimestamp extracts the millisecond timestamp embedded in a table id
// of the form "sstable-<ts>-<uuid>", returning 0 if it cannot be parsed
// (callers then fall back to arbitrary relative order for that entry).
func tableTimestamp(tableID string) int64 {
	parts := strings.SplitN(tableID, "-", 3)
	if len(parts) < 2 {
		return 0
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// L0Count and LevelCount support Database.Stats() without exposing internals.
func (c *Coordinator) L0Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.l0)
}

func (c *Coordinator) LevelCount(level int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.levels[level])
}

// ImmutableCount reports how many frozen memtables are pending flush.
func (c *Coordinator) ImmutableCount() int { return c.memtables.ImmutableCount() }

// ActiveBytes reports the active memtable's approximate byte footprint.
func (c *Coordinator) ActiveBytes() int64 { return c.memtables.Active().ApproxBytes() }

func (c *Coordinator) backgroundLoop(ctx context.Context) {
	defer close(c.doneCh)
	compactT := time.NewTicker(c.cfg.CompactionInterval)
	discoverT := time.NewTicker(c.cfg.DiscoveryInterval)
	defer compactT.Stop()
	defer discoverT.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-compactT.C:
			if err := c.maybeCompact(ctx); err != nil {
				klog.Errorf("lsm: compaction failed: %v", err)
			}
		case <-discoverT.C:
			if err := c.discover(ctx); err != nil {
				klog.Errorf("lsm: discovery failed: %v", err)
			}
		}
	}
}

// Stop halts the compaction and discovery workers.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}
