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

// Package sstable implements the Sorted Table: an immutable (data, index)
// blob pair published to the object store, with a sparse index and a lazy,
// cached read path.
package sstable

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/echodb/echodb/row"
)

// ID identifies an SST by its monotonically-timestamped table id and the
// level it lives in.
type ID struct {
	TableID string
	Level   int
}

// NewTableID mints a new, monotonically-timestamped table id of the form
// "sstable-<ts>-<uuid>", using uuid to guarantee uniqueness
// even if two tables are built within the same millisecond.
func NewTableID(now time.Time) string {
	return fmt.Sprintf("sstable-%d-%s", now.UnixMilli(), uuid.NewString())
}

// DataPath returns the object store key for this table's data blob.
func (id ID) DataPath() string {
	return fmt.Sprintf("data/l%d/%s.data", id.Level, id.TableID)
}

// IndexPath returns the object store key for this table's index blob.
func (id ID) IndexPath() string {
	return fmt.Sprintf("data/l%d/%s.index", id.Level, id.TableID)
}

// IndexSampleEvery returns N, the sparse-index sampling interval for the
// given level: every Nth data entry is recorded in the index. L0 always
// samples every 10th entry; deeper levels sample more sparsely, up to 50,
// as tables get deeper.
func IndexSampleEvery(level int) int {
	if level == 0 {
		return 10
	}
	n := 10 * level
	if n > 50 {
		return 50
	}
	return n
}

// entriesFromRows flattens memtable rows (including tombstones) into the
// sorted row.Entry list the Builder expects.
func entriesFromRows(rows []row.Row) []row.Entry {
	out := make([]row.Entry, len(rows))
	for i, r := range rows {
		out[i] = row.Entry{Key: r.Key, Value: r.Value, Tombstone: r.IsTombstone()}
	}
	return out
}
