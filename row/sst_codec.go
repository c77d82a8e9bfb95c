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

package row

import "encoding/binary"

// tombstoneMarker is a vallen sentinel that can never occur for a real
// value (an object store entry this large would already be unworkable),
// used to encode a DELETE within the (key, value) SST entry format of
// the on-disk (key, value) entry format, which has no separate kind
// field. See DESIGN.md for the
// rationale; this keeps the on-disk layout exactly as specified while
// still letting a tombstone shadow older levels after a flush.
const tombstoneMarker = 0xFFFFFFFF

// Entry is a single (key, value) pair as stored in an SST data blob.
// Tombstone entries carry a nil Value.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// EncodeDataEntry appends the SST data-blob encoding of (key, value) to buf:
//
//	keylen:u16-utf8 | key | vallen:u32 | value
//
// This is independent of the WAL's u32 key-length format.
// A tombstone is encoded with vallen=tombstoneMarker and no value bytes.
func EncodeDataEntry(buf []byte, key, value []byte, tombstone bool) []byte {
	var klen [2]byte
	binary.BigEndian.PutUint16(klen[:], uint16(len(key)))
	buf = append(buf, klen[:]...)
	buf = append(buf, key...)

	var vlen [4]byte
	if tombstone {
		binary.BigEndian.PutUint32(vlen[:], tombstoneMarker)
		buf = append(buf, vlen[:]...)
		return buf
	}
	binary.BigEndian.PutUint32(vlen[:], uint32(len(value)))
	buf = append(buf, vlen[:]...)
	buf = append(buf, value...)
	return buf
}

// DecodeDataEntry reads one (key, value) entry starting at offset off in
// data, returning the entry and the offset immediately following it.
func DecodeDataEntry(data []byte, off int) (Entry, int, error) {
	if off+2 > len(data) {
		return Entry{}, 0, &Corrupt{Where: "truncated sst key length"}
	}
	klen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if off+klen > len(data) {
		return Entry{}, 0, &Corrupt{Where: "sst key overruns buffer"}
	}
	key := data[off : off+klen]
	off += klen

	if off+4 > len(data) {
		return Entry{}, 0, &Corrupt{Where: "truncated sst value length"}
	}
	vlen := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if vlen == tombstoneMarker {
		return Entry{Key: key, Tombstone: true}, off, nil
	}
	if off+int(vlen) > len(data) {
		return Entry{}, 0, &Corrupt{Where: "sst value overruns buffer"}
	}
	value := data[off : off+int(vlen)]
	off += int(vlen)

	return Entry{Key: key, Value: value}, off, nil
}

// EncodeIndexEntry appends one (key, offset) sparse-index record to buf:
//
//	keylen:u16-utf8 | key | offset:u64
func EncodeIndexEntry(buf []byte, key []byte, offset uint64) []byte {
	var klen [2]byte
	binary.BigEndian.PutUint16(klen[:], uint16(len(key)))
	buf = append(buf, klen[:]...)
	buf = append(buf, key...)

	var off [8]byte
	binary.BigEndian.PutUint64(off[:], offset)
	buf = append(buf, off[:]...)
	return buf
}

// IndexEntry is one sparse-index record (key, byte-offset into the data blob).
type IndexEntry struct {
	Key    []byte
	Offset uint64
}

// DecodeIndex parses the full sparse index blob into an ordered slice of
// IndexEntry (ordered because the builder emits keys in sorted order).
func DecodeIndex(data []byte) ([]IndexEntry, error) {
	var out []IndexEntry
	off := 0
	for off < len(data) {
		if off+2 > len(data) {
			return out, &Corrupt{Where: "truncated index key length"}
		}
		klen := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+klen > len(data) {
			return out, &Corrupt{Where: "index key overruns buffer"}
		}
		key := append([]byte(nil), data[off:off+klen]...)
		off += klen

		if off+8 > len(data) {
			return out, &Corrupt{Where: "truncated index offset"}
		}
		offset := binary.BigEndian.Uint64(data[off : off+8])
		off += 8

		out = append(out, IndexEntry{Key: key, Offset: offset})
	}
	return out, nil
}
