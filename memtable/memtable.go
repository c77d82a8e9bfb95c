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

// Package memtable implements the in-memory sorted buffer for recent writes
// in order by key.
package memtable

import (
	"sort"
	"sync"

	"github.com/echodb/echodb/row"
)

// Memtable is a sorted key->Row map, safe for concurrent use. A later Row
// for the same key replaces the earlier one; tombstones shadow older values
// but still consume space and participate in iteration order.
type Memtable struct {
	mu          sync.RWMutex
	data        map[string]row.Row
	approxBytes int64
	maxSeq      uint64
}

// New returns an empty, active Memtable.
func New() *Memtable {
	return &Memtable{data: make(map[string]row.Row)}
}

// Put inserts or overwrites key with a live value at seq.
func (m *Memtable) Put(key, value []byte, seq uint64, ts uint64) {
	m.upsert(row.Row{Seq: seq, Kind: row.Put, Key: key, Value: value, TS: ts})
}

// Delete inserts a tombstone for key at seq.
func (m *Memtable) Delete(key []byte, seq uint64, ts uint64) {
	m.upsert(row.Row{Seq: seq, Kind: row.Delete, Key: key, TS: ts})
}

func (m *Memtable) upsert(r row.Row) {
	k := string(r.Key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[k]; ok {
		m.approxBytes -= int64(old.Size())
	}
	m.data[k] = r
	m.approxBytes += int64(r.Size())
	if r.Seq > m.maxSeq {
		m.maxSeq = r.Seq
	}
}

// Get returns the value for key, and whether it was found. A tombstoned or
// absent key reports (nil, false).
func (m *Memtable) Get(key []byte) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data[string(key)]
	if !ok || r.IsTombstone() {
		return nil, false
	}
	return r.Value, true
}

// GetRow returns the raw stored row (including tombstones), for callers
// (e.g. flush, recovery) that need to see deletes.
func (m *Memtable) GetRow(key []byte) (row.Row, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data[string(key)]
	return r, ok
}

// ApproxBytes returns the current byte footprint estimate.
func (m *Memtable) ApproxBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.approxBytes
}

// Len returns the number of distinct keys (including tombstones).
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// MaxSeq returns the highest sequence number ever inserted into this table.
func (m *Memtable) MaxSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSeq
}

// Iterate yields live (non-tombstone) (key, value) pairs in key order.
func (m *Memtable) Iterate() []row.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]row.Entry, 0, len(keys))
	for _, k := range keys {
		r := m.data[k]
		if r.IsTombstone() {
			continue
		}
		out = append(out, row.Entry{Key: []byte(k), Value: r.Value})
	}
	return out
}

// Rows returns every row (including tombstones) in key order; used by flush,
// which must preserve tombstones into the SST.
func (m *Memtable) Rows() []row.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]row.Row, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.data[k])
	}
	return out
}
