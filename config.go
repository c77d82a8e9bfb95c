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

package echodb

import "time"

// CachePolicy selects the sstable key-cache eviction strategy.
type CachePolicy int

const (
	// LRU is the only policy actually backed by an implementation (the
	// hashicorp golang-lru/v2 cache sstable.KeyCache wraps); TwoChoice is
	// accepted for forward-compatible config parsing but falls back to LRU.
	LRU CachePolicy = iota
	TwoChoice
)

// Default tuning values, applied by Config.withDefaults when the
// corresponding field is left at its zero value.
const (
	DefaultMemtableBytes        = 64 << 20
	DefaultMemtableMaxImmutable = 3
	DefaultCacheBytes           = 256 << 20
	DefaultCacheEntries         = 4096
	DefaultWALFlushInterval     = 5 * time.Second
	DefaultCompactionInterval   = 10 * time.Minute
	DefaultCheckpointInterval   = 5 * time.Minute
	DefaultLeaseDuration        = 30 * time.Second
	DefaultLeaseHeartbeat       = 10 * time.Second
)

// Config controls every tunable of a Database. It is a plain struct: the
// core never reads flags or environment variables itself, only whatever an
// external wrapper (cmd/echodb-server) assembles and passes in.
type Config struct {
	// Bucket, Region, and Endpoint identify the target object store, used
	// by callers that construct an objstore.S3Store to pass to Open; the
	// core itself only ever talks to the objstore.Store interface.
	Bucket   string
	Region   string
	Endpoint string

	// MemtableBytes and MemtableMaxImmutable govern rotation and flush
	// triggers. MemtableBytes 0 disables the byte threshold only when
	// MemtableEntries is set; with both 0, MemtableBytes defaults to
	// DefaultMemtableBytes. With both set, whichever is reached first
	// rotates.
	MemtableBytes        int64
	MemtableEntries      int
	MemtableMaxImmutable int

	// CacheBytes sizes the sstable key cache; CachePolicy is currently
	// advisory (see CachePolicy doc).
	CacheBytes  int64
	CachePolicy CachePolicy

	WALFlushInterval   time.Duration
	CompactionInterval time.Duration
	DiscoveryInterval  time.Duration
	CheckpointInterval time.Duration

	LeaseDuration  time.Duration
	LeaseHeartbeat time.Duration

	// NodeID identifies this process in the leader record; if empty, Open
	// generates one.
	NodeID string
	// Designated puts this node directly into the leader role without
	// contention, for single-node deployments.
	Designated bool
}

func (c Config) withDefaults() Config {
	if c.MemtableBytes == 0 && c.MemtableEntries == 0 {
		c.MemtableBytes = DefaultMemtableBytes
	}
	if c.MemtableMaxImmutable == 0 {
		c.MemtableMaxImmutable = DefaultMemtableMaxImmutable
	}
	if c.CacheBytes == 0 {
		c.CacheBytes = DefaultCacheBytes
	}
	if c.WALFlushInterval == 0 {
		c.WALFlushInterval = DefaultWALFlushInterval
	}
	if c.CompactionInterval == 0 {
		c.CompactionInterval = DefaultCompactionInterval
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = 10 * time.Second
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.LeaseHeartbeat == 0 {
		c.LeaseHeartbeat = DefaultLeaseHeartbeat
	}
	return c
}

// keyCacheEntries approximates a cache's entry budget from CacheBytes under
// an assumed average entry footprint; the LRU cache wired from
// hashicorp/golang-lru is entry-counted, not byte-counted, so CacheBytes is
// translated rather than used directly.
func (c Config) keyCacheEntries() int {
	if c.CacheBytes <= 0 {
		return DefaultCacheEntries
	}
	const assumedEntryBytes = 256
	n := int(c.CacheBytes / assumedEntryBytes)
	if n <= 0 {
		return DefaultCacheEntries
	}
	return n
}
