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

// Package wal implements the write-ahead log whose durable home is the
// object store. Entries are buffered in memory and only become
// durable when a flush (periodic or explicit) succeeds; the LSM write path
// accepts this because the memtable above it is equally volatile until then.
package wal

import (
	"context"
	"fmt"
	"sync"
	"time"

	buffer "github.com/globocom/go-buffer"
	"k8s.io/klog/v2"

	"github.com/echodb/echodb/objstore"
	"github.com/echodb/echodb/row"
)

// unboundedSize is large enough that the buffer is never flushed by the
// size trigger alone: the WAL's queue is meant to be unbounded, with the
// flush cadence governed purely by time (or an explicit Flush call).
const unboundedSize = 1 << 20

// DefaultFlushInterval is the periodic flush cadence.
const DefaultFlushInterval = 5 * time.Second

// Log is the Write-Ahead Log.
type Log struct {
	store   objstore.Store
	buf     *buffer.Buffer
	flushMu sync.Mutex // held only during serialize+PUT
	closed  bool
	closeMu sync.Mutex
	nowFn   func() time.Time
}

// Option customizes a Log at construction.
type Option func(*Log)

// WithClock overrides the wall clock used for blob naming; tests use this
// to get deterministic, strictly-increasing timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.nowFn = now }
}

// New constructs a Log that flushes to store every flushInterval (or
// immediately on Flush()).
func New(ctx context.Context, store objstore.Store, flushInterval time.Duration, opts ...Option) *Log {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	l := &Log{
		store: store,
		nowFn: time.Now,
	}
	for _, o := range opts {
		o(l)
	}

	toWork := func(items []interface{}) {
		rows := make([]row.Row, len(items))
		for i, it := range items {
			rows[i] = it.(row.Row)
		}
		if err := l.writeBlob(ctx, rows); err != nil {
			klog.Errorf("wal: flush failed, entries remain only in memory until next attempt: %v", err)
		}
	}

	l.buf = buffer.New(
		buffer.WithSize(unboundedSize),
		buffer.WithFlushInterval(flushInterval),
		buffer.WithFlusher(buffer.FlusherFunc(toWork)),
	)
	return l
}

// Append enqueues a mutation. It does not block on object-store I/O: the
// entry becomes durable only once Flush (periodic or explicit) succeeds.
func (l *Log) Append(kind row.Kind, key, value []byte, seq uint64) error {
	l.closeMu.Lock()
	closed := l.closed
	l.closeMu.Unlock()
	if closed {
		return ErrClosed
	}

	r := row.Row{
		Seq:   seq,
		Kind:  kind,
		Key:   append([]byte(nil), key...),
		TS:    uint64(l.nowFn().UnixMilli()),
	}
	if kind == row.Put {
		r.Value = append([]byte(nil), value...)
	}
	return l.buf.Push(r)
}

// Flush forces any buffered entries to be serialized and PUT to the object
// store as a single new blob.
func (l *Log) Flush() error {
	return l.buf.Flush()
}

func (l *Log) writeBlob(ctx context.Context, rows []row.Row) error {
	if len(rows) == 0 {
		return nil
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	data := row.EncodeWALBatch(rows)
	key := fmt.Sprintf("wal/wal-%d", l.nowFn().UnixMilli())
	if err := l.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("wal: put %q: %w", key, err)
	}
	klog.V(1).Infof("wal: flushed %d entries to %s (%d bytes)", len(rows), key, len(data))
	return nil
}

// Close flushes any buffered entries, stops the background timer, and
// fails subsequent Append calls.
func (l *Log) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()

	if err := l.buf.Flush(); err != nil {
		return fmt.Errorf("wal: final flush: %w", err)
	}
	return l.buf.Close()
}

// ErrClosed is returned by Append after Close.
var ErrClosed = fmt.Errorf("wal: closed")
