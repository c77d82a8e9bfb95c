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

import (
	"encoding/binary"
	"fmt"
)

// Corrupt is returned by DecodeWALBatch, DecodeDataEntry and DecodeIndex
// when a blob's length prefixes are impossible to satisfy given the
// remaining bytes.
type Corrupt struct {
	Where string
}

func (e *Corrupt) Error() string { return fmt.Sprintf("corrupt data: %s", e.Where) }

// EncodeWAL appends the WAL wire encoding of r to buf and returns the result.
//
// Per-entry layout (big-endian):
//
//	seq:u64 | kind:u8 | keylen:u32 | key | vallen:u32 | value | ts:u64
//
// A DELETE encodes vallen=0 with no value bytes.
func EncodeWAL(buf []byte, r Row) []byte {
	var hdr [8 + 1 + 4]byte
	binary.BigEndian.PutUint64(hdr[0:8], r.Seq)
	hdr[8] = byte(r.Kind)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(r.Key)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, r.Key...)

	var vlen [4]byte
	binary.BigEndian.PutUint32(vlen[:], uint32(len(r.Value)))
	buf = append(buf, vlen[:]...)
	buf = append(buf, r.Value...)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], r.TS)
	buf = append(buf, ts[:]...)
	return buf
}

// EncodeWALBatch serializes a list of rows into one blob, in append order.
func EncodeWALBatch(rows []Row) []byte {
	buf := make([]byte, 0, 64*len(rows))
	for _, r := range rows {
		buf = EncodeWAL(buf, r)
	}
	return buf
}

// DecodeWALBatch parses a flat sequence of WAL-encoded rows from data.
//
// If a row's length prefixes overrun the remaining bytes, decoding stops at
// that point: rows decoded so far are returned along with a *Corrupt error,
// so that callers may choose to use the partial, known-good prefix (the
// policy left to the caller) or abort.
func DecodeWALBatch(data []byte) ([]Row, error) {
	var rows []Row
	off := 0
	for off < len(data) {
		r, n, err := decodeWALOne(data[off:])
		if err != nil {
			return rows, err
		}
		rows = append(rows, r)
		off += n
	}
	return rows, nil
}

func decodeWALOne(b []byte) (Row, int, error) {
	const hdrLen = 8 + 1 + 4
	if len(b) < hdrLen {
		return Row{}, 0, &Corrupt{Where: "truncated row header"}
	}
	seq := binary.BigEndian.Uint64(b[0:8])
	kind := Kind(b[8])
	keyLen := binary.BigEndian.Uint32(b[9:13])
	off := hdrLen
	if uint64(off)+uint64(keyLen) > uint64(len(b)) {
		return Row{}, 0, &Corrupt{Where: "key overruns buffer"}
	}
	key := b[off : off+int(keyLen)]
	off += int(keyLen)

	if off+4 > len(b) {
		return Row{}, 0, &Corrupt{Where: "truncated value length"}
	}
	valLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if uint64(off)+uint64(valLen) > uint64(len(b)) {
		return Row{}, 0, &Corrupt{Where: "value overruns buffer"}
	}
	value := make([]byte, valLen)
	copy(value, b[off:off+int(valLen)])
	off += int(valLen)

	if off+8 > len(b) {
		return Row{}, 0, &Corrupt{Where: "truncated timestamp"}
	}
	ts := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	if kind == Delete && valLen != 0 {
		return Row{}, 0, &Corrupt{Where: "delete row carries a value"}
	}
	if kind == Delete {
		value = nil
	}

	keyCopy := make([]byte, keyLen)
	copy(keyCopy, key)

	return Row{
		Seq:   seq,
		Kind:  kind,
		Key:   keyCopy,
		Value: value,
		TS:    ts,
	}, off, nil
}
