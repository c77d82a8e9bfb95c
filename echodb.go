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

// Package echodb wires the object store, sequence allocator, write-ahead
// log, LSM coordinator, checkpointer, and leader lease into one database
// handle, and exposes the single upstream API a personality (HTTP server,
// CLI, test) drives the core through.
package echodb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/echodb/echodb/checkpoint"
	"github.com/echodb/echodb/leader"
	"github.com/echodb/echodb/lsm"
	"github.com/echodb/echodb/memtable"
	"github.com/echodb/echodb/objstore"
	"github.com/echodb/echodb/recovery"
	"github.com/echodb/echodb/row"
	"github.com/echodb/echodb/sequence"
	"github.com/echodb/echodb/telemetry"
	"github.com/echodb/echodb/wal"
)

// Database is the core storage and coordination engine: one handle owns the
// WAL, the LSM tree, the sequence allocator, the checkpointer, and the
// leader lease against a single object store.
//
// Locking hierarchy: mu guards the open/closed lifecycle and is held in
// read mode by Put/Get/Delete (so writers serialize only on the memtable's
// own lock, not on each other) and in write mode by Flush and Close, which
// must see a quiescent database. The LSM tree's own lock nests inside mu.
type Database struct {
	cfg Config

	store   objstore.Store
	seq     *sequence.Allocator
	log     *wal.Log
	cp      *checkpoint.Checkpointer
	tree    *lsm.Coordinator
	lease   *leader.Lease
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	closed bool

	cancel context.CancelFunc
}

// Open constructs a Database against store, running startup recovery
// (LSM table discovery, then WAL replay anchored at the persisted
// checkpoint) before any write is accepted. The returned Database owns a
// background context used to drive its workers; callers must call Close to
// release it.
func Open(ctx context.Context, store objstore.Store, cfg Config) (*Database, error) {
	cfg = cfg.withDefaults()
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	metrics, err := telemetry.New()
	if err != nil {
		return nil, internalErr("telemetry", err)
	}

	seqAlloc, err := sequence.New(ctx, store)
	if err != nil {
		var corrupt *sequence.Corrupt
		if errors.As(err, &corrupt) {
			return nil, corruptErr("sequence", err)
		}
		return nil, storeUnavailableErr("sequence", err)
	}

	cp, err := checkpoint.New(ctx, store, cfg.CheckpointInterval)
	if err != nil {
		var corrupt *checkpoint.Corrupt
		if errors.As(err, &corrupt) {
			return nil, corruptErr("checkpoint", err)
		}
		return nil, storeUnavailableErr("checkpoint", err)
	}

	tree, err := lsm.New(ctx, store, cp, metrics, lsm.Config{
		RotationPolicy: memtable.RotationPolicy{
			MaxBytes:   cfg.MemtableBytes,
			MaxEntries: cfg.MemtableEntries,
		},
		MaxImmutable:       cfg.MemtableMaxImmutable,
		KeyCacheSize:       cfg.keyCacheEntries(),
		CompactionInterval: cfg.CompactionInterval,
		DiscoveryInterval:  cfg.DiscoveryInterval,
	})
	if err != nil {
		return nil, storeUnavailableErr("lsm", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())

	db := &Database{
		cfg:     cfg,
		store:   store,
		seq:     seqAlloc,
		log:     wal.New(bgCtx, store, cfg.WALFlushInterval),
		cp:      cp,
		tree:    tree,
		metrics: metrics,
		cancel:  cancel,
	}

	leaseOpts := []leader.Option{
		leader.WithLeaseDuration(cfg.LeaseDuration),
		leader.WithHeartbeat(cfg.LeaseHeartbeat),
	}
	if cfg.Designated {
		leaseOpts = append(leaseOpts, leader.WithDesignatedLeader())
	}
	db.lease = leader.New(store, cfg.NodeID, db.onLeadershipAcquired, leaseOpts...)
	go db.lease.Run(bgCtx)

	return db, nil
}

// onLeadershipAcquired is the leader lease's recovery callback: it replays
// the WAL from the checkpoint forward into the LSM tree. It must be
// idempotent, since a crash between acquisition and its return can cause it
// to run again on the next acquisition.
func (db *Database) onLeadershipAcquired(ctx context.Context) error {
	n, err := recovery.Run(ctx, db.store, db.cp, db.tree)
	if err != nil {
		return fmt.Errorf("echodb: recovery on leadership acquisition: %w", err)
	}
	klog.Infof("echodb: node %s acquired leadership, replayed %d WAL rows", db.cfg.NodeID, n)
	if db.metrics != nil {
		db.metrics.LeaseWins.Add(ctx, 1)
	}
	return nil
}

// Put writes key=value, failing with NotLeader if this node does not
// currently hold the leader lease.
func (db *Database) Put(ctx context.Context, key, value []byte) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return closedErr()
	}
	if !db.lease.IsLeader() {
		return notLeaderErr()
	}

	seq := db.seq.Next(ctx)
	if err := db.log.Append(row.Put, key, value, seq); err != nil {
		return storeUnavailableErr("wal", err)
	}
	db.tree.PutWithSeq(key, value, seq, uint64(time.Now().UnixMilli()))
	return nil
}

// Delete writes a tombstone for key, failing with NotLeader if this node
// does not currently hold the leader lease.
func (db *Database) Delete(ctx context.Context, key []byte) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return closedErr()
	}
	if !db.lease.IsLeader() {
		return notLeaderErr()
	}

	seq := db.seq.Next(ctx)
	if err := db.log.Append(row.Delete, key, nil, seq); err != nil {
		return storeUnavailableErr("wal", err)
	}
	db.tree.DeleteWithSeq(key, seq, uint64(time.Now().UnixMilli()))
	return nil
}

// Get returns the value for key, or (nil, false) if absent or tombstoned.
// Get is served on followers as well as the leader.
func (db *Database) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, false, closedErr()
	}

	v, found, err := db.tree.Get(ctx, key)
	if err != nil {
		var corrupt *row.Corrupt
		if errors.As(err, &corrupt) {
			return nil, false, corruptErr("sstable", err)
		}
		return nil, false, storeUnavailableErr("lsm", err)
	}
	return v, found, nil
}

// Flush forces the active memtable to freeze and every pending immutable
// memtable to be built into an SST and published, advancing the checkpoint.
// Flush holds the database lock in write mode, so it blocks new writes until
// it returns.
func (db *Database) Flush(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return closedErr()
	}
	if err := db.log.Flush(); err != nil {
		return storeUnavailableErr("wal", err)
	}
	if err := db.tree.Flush(ctx); err != nil {
		return storeUnavailableErr("lsm", err)
	}
	return nil
}

// RecoverFromWAL runs one explicit recovery pass: replay every WAL segment
// at or after the current checkpoint into the LSM tree. Open already runs
// this implicitly once leadership is acquired; this method exists for
// callers (tests, an operator console) that want to trigger it directly.
func (db *Database) RecoverFromWAL(ctx context.Context) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, closedErr()
	}
	n, err := recovery.Run(ctx, db.store, db.cp, db.tree)
	if err != nil {
		return n, storeUnavailableErr("recovery", err)
	}
	return n, nil
}

// IsLeader reports whether this node currently believes it holds the
// leader lease.
func (db *Database) IsLeader() bool {
	return db.lease.IsLeader()
}

// Stats is a cheap, lock-light snapshot of the LSM tree's shape, useful for
// an external HTTP status surface.
type Stats struct {
	ActiveMemtableBytes int64
	ImmutableCount      int
	L0Count             int
	L1Count             int
	LastCheckpoint      checkpoint.Checkpoint
	IsLeader            bool
}

// Stats returns a point-in-time snapshot; it takes no lock beyond what the
// underlying accessors already hold internally, so it is safe to call
// concurrently with writes.
func (db *Database) Stats() Stats {
	return Stats{
		ActiveMemtableBytes: db.tree.ActiveBytes(),
		ImmutableCount:      db.tree.ImmutableCount(),
		L0Count:             db.tree.L0Count(),
		L1Count:             db.tree.LevelCount(1),
		LastCheckpoint:      db.cp.Current(),
		IsLeader:            db.lease.IsLeader(),
	}
}

// shutdownGrace bounds how long Close waits for background workers that
// expose a synchronous stop(grace) contract before giving up and returning
// whatever errors have accumulated so far.
const shutdownGrace = 30 * time.Second

// Close drains pending writes with a final WAL flush, stops every
// background worker, persists the final sequence and checkpoint, releases
// the leader lease if held, and closes the object-store adapter if it
// supports io.Closer. Every independent shutdown failure is aggregated via
// multierr rather than abandoning the sequence at the first error.
func (db *Database) Close(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var err error

	if flushErr := db.log.Flush(); flushErr != nil {
		err = multierr.Append(err, fmt.Errorf("echodb: final wal flush: %w", flushErr))
	}
	if flushErr := db.tree.Flush(ctx); flushErr != nil {
		err = multierr.Append(err, fmt.Errorf("echodb: final lsm flush: %w", flushErr))
	}

	done := make(chan struct{})
	go func() {
		db.tree.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		klog.Warningf("echodb: lsm worker stop exceeded %s grace, abandoning", shutdownGrace)
	}

	if closeErr := db.log.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("echodb: wal close: %w", closeErr))
	}
	if closeErr := db.cp.Close(ctx); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("echodb: checkpoint close: %w", closeErr))
	}
	if closeErr := db.seq.Close(ctx); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("echodb: sequence close: %w", closeErr))
	}
	if releaseErr := db.lease.Release(ctx); releaseErr != nil {
		err = multierr.Append(err, fmt.Errorf("echodb: lease release: %w", releaseErr))
	}
	db.lease.Close()

	if closer, ok := db.store.(io.Closer); ok {
		if closeErr := closer.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("echodb: object store close: %w", closeErr))
		}
	}

	if shutdownErr := db.metrics.Shutdown(ctx); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("echodb: telemetry shutdown: %w", shutdownErr))
	}

	db.cancel()

	if err != nil {
		return internalErr("close", err)
	}
	return nil
}
