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

package memtable

import "sync"

// RotationPolicy decides when the active memtable is full enough to rotate.
type RotationPolicy struct {
	// MaxBytes is the byte-footprint rotation threshold. Zero disables
	// the bytes check.
	MaxBytes int64
	// MaxEntries is the entry-count rotation threshold. Zero disables
	// the entries check.
	MaxEntries int
}

// Full reports whether m has crossed this policy's threshold.
func (p RotationPolicy) Full(m *Memtable) bool {
	if p.MaxBytes > 0 && m.ApproxBytes() >= p.MaxBytes {
		return true
	}
	if p.MaxEntries > 0 && m.Len() >= p.MaxEntries {
		return true
	}
	return false
}

// List owns the active memtable plus the queue of frozen, pending-flush
// immutable memtables.
//
// Invariant across rotation: the active table is only ever replaced after
// the previous active table has been linked into the immutable list, so no
// acknowledged write is ever absent from readable state.
type List struct {
	mu        sync.RWMutex
	policy    RotationPolicy
	active    *Memtable
	immutable []*Memtable // oldest first
	maxImm    int
}

// NewList returns a List with a single fresh active memtable.
func NewList(policy RotationPolicy, maxImmutable int) *List {
	return &List{
		policy: policy,
		active: New(),
		maxImm: maxImmutable,
	}
}

// Active returns the current active (writable) memtable.
func (l *List) Active() *Memtable {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// Immutable returns the immutable list, newest first (the order reads
// should consult them in).
func (l *List) Immutable() []*Memtable {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Memtable, len(l.immutable))
	for i := range l.immutable {
		out[i] = l.immutable[len(l.immutable)-1-i]
	}
	return out
}

// MaybeRotate freezes the active table and installs a fresh one if the
// rotation policy says it's full. Returns whether a flush should now be
// triggered (the immutable list has reached its configured maximum).
func (l *List) MaybeRotate() (rotated, shouldFlush bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.policy.Full(l.active) {
		return false, false
	}
	l.immutable = append(l.immutable, l.active)
	l.active = New()
	return true, len(l.immutable) >= l.maxImm
}

// RemoveFlushed removes m from the immutable list once it has been
// durably flushed into an SST.
func (l *List) RemoveFlushed(m *Memtable) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.immutable {
		if c == m {
			l.immutable = append(l.immutable[:i], l.immutable[i+1:]...)
			return
		}
	}
}

// ForceFreeze freezes the active table unconditionally (used by an
// explicit flush() call), returning it if non-empty, or nil if there was
// nothing to freeze.
func (l *List) ForceFreeze() *Memtable {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active.Len() == 0 {
		return nil
	}
	frozen := l.active
	l.immutable = append(l.immutable, frozen)
	l.active = New()
	return frozen
}

// ImmutableCount reports the length of the immutable queue.
func (l *List) ImmutableCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.immutable)
}

// ImmutableSnapshot returns the immutable tables in rotation (oldest-first)
// order, suitable for flushing each one in turn.
func (l *List) ImmutableSnapshot() []*Memtable {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Memtable(nil), l.immutable...)
}
