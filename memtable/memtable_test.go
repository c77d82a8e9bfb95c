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

import "testing"

func TestPutGetDelete(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("1"), 1, 100)
	m.Put([]byte("b"), []byte("2"), 2, 101)

	if v, ok := m.Get([]byte("a")); !ok || string(v) != "1" {
		t.Fatalf("Get(a) = %q, %v; want 1, true", v, ok)
	}
	if _, ok := m.Get([]byte("c")); ok {
		t.Fatal("Get(c) should not be found")
	}

	m.Delete([]byte("a"), 3, 102)
	if _, ok := m.Get([]byte("a")); ok {
		t.Fatal("Get(a) after delete should not be found")
	}
}

func TestOverwriteAdjustsBytes(t *testing.T) {
	m := New()
	m.Put([]byte("k"), []byte("short"), 1, 1)
	after1 := m.ApproxBytes()
	m.Put([]byte("k"), []byte("a much longer value"), 2, 2)
	after2 := m.ApproxBytes()
	if after2 <= after1 {
		t.Fatalf("expected byte accounting to grow on overwrite with larger value: %d -> %d", after1, after2)
	}
	if m.Len() != 1 {
		t.Fatalf("overwrite should not change key count, got %d", m.Len())
	}
}

func TestMaxSeqMonotonic(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("1"), 5, 1)
	m.Put([]byte("b"), []byte("2"), 3, 2)
	if got := m.MaxSeq(); got != 5 {
		t.Fatalf("MaxSeq() = %d, want 5 (highest ever inserted)", got)
	}
}

func TestIterateSkipsTombstonesAndIsSorted(t *testing.T) {
	m := New()
	m.Put([]byte("b"), []byte("2"), 1, 1)
	m.Put([]byte("a"), []byte("1"), 2, 2)
	m.Delete([]byte("c"), 3, 3)

	entries := m.Iterate()
	if len(entries) != 2 {
		t.Fatalf("expected 2 live entries, got %d", len(entries))
	}
	if string(entries[0].Key) != "a" || string(entries[1].Key) != "b" {
		t.Fatalf("expected sorted order [a,b], got [%s,%s]", entries[0].Key, entries[1].Key)
	}
}

func TestRotationFreezesActiveBeforeInstallingFresh(t *testing.T) {
	l := NewList(RotationPolicy{MaxEntries: 2}, 10)
	a0 := l.Active()
	a0.Put([]byte("a"), []byte("1"), 1, 1)
	a0.Put([]byte("b"), []byte("2"), 2, 2)

	rotated, _ := l.MaybeRotate()
	if !rotated {
		t.Fatal("expected rotation once MaxEntries is reached")
	}
	if l.Active() == a0 {
		t.Fatal("expected a fresh active table after rotation")
	}
	imm := l.ImmutableSnapshot()
	if len(imm) != 1 || imm[0] != a0 {
		t.Fatal("expected the previous active table to be linked into the immutable list")
	}
	if v, ok := imm[0].Get([]byte("a")); !ok || string(v) != "1" {
		t.Fatal("frozen table must retain its acknowledged writes")
	}
}

func TestFlushTriggerAtMaxImmutable(t *testing.T) {
	l := NewList(RotationPolicy{MaxEntries: 1}, 2)
	l.Active().Put([]byte("a"), []byte("1"), 1, 1)
	_, shouldFlush := l.MaybeRotate()
	if shouldFlush {
		t.Fatal("should not flush after only 1 of 2 allowed immutables")
	}
	l.Active().Put([]byte("b"), []byte("2"), 2, 2)
	_, shouldFlush = l.MaybeRotate()
	if !shouldFlush {
		t.Fatal("should flush once immutable count reaches maxImmutable")
	}
}
