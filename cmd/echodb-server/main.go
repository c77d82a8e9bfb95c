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

// echodb-server is a thin CLI wrapper around the echodb core: it parses
// flags into an echodb.Config, opens a Database against the chosen object
// store backend, and blocks until signalled to shut down. It deliberately
// contains none of the engine's design difficulty -- flag parsing, process
// lifecycle, and signal handling only.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"k8s.io/klog/v2"

	"github.com/echodb/echodb"
	"github.com/echodb/echodb/objstore"
)

var (
	store    = flag.String("store", "s3", "Object store backend: s3 or memory")
	bucket   = flag.String("bucket", "", "Bucket to use for storing data (store=s3)")
	s3Region = flag.String("s3_region", "us-east-1", "Region for custom non-AWS S3 service")

	s3Endpoint        = flag.String("s3_endpoint", "", "Endpoint for custom non-AWS S3 service")
	s3AccessKeyID     = flag.String("s3_access_key", "", "Access key ID for custom non-AWS S3 service")
	s3SecretAccessKey = flag.String("s3_secret", "", "Secret access key for custom non-AWS S3 service")

	nodeID     = flag.String("node_id", "", "Identity this node advertises in the leader record; generated if empty")
	designated = flag.Bool("designated_leader", false, "Skip lease contention and become leader immediately; for single-node deployments")

	memtableBytes       = flag.Int64("memtable_bytes", echodb.DefaultMemtableBytes, "Active memtable rotation threshold in bytes")
	memtableMaxImm      = flag.Int("memtable_max_immutable", echodb.DefaultMemtableMaxImmutable, "Immutable memtables pending flush before a flush is forced")
	cacheBytes          = flag.Int64("cache_bytes", echodb.DefaultCacheBytes, "Approximate sstable key-cache budget in bytes")
	walFlushInterval    = flag.Duration("wal_flush_interval", echodb.DefaultWALFlushInterval, "WAL periodic flush cadence")
	compactionInterval  = flag.Duration("compaction_interval", echodb.DefaultCompactionInterval, "LSM compaction timer cadence")
	checkpointInterval  = flag.Duration("checkpoint_interval", echodb.DefaultCheckpointInterval, "Checkpoint periodic persistence cadence")
	leaseDuration       = flag.Duration("lease_duration", echodb.DefaultLeaseDuration, "Leader lease duration")
	leaseHeartbeat      = flag.Duration("lease_heartbeat", echodb.DefaultLeaseHeartbeat, "Leader heartbeat interval")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx := context.Background()

	objStore := storeFromFlags(ctx)

	cfg := echodb.Config{
		Bucket:               *bucket,
		NodeID:               *nodeID,
		Designated:           *designated,
		MemtableBytes:        *memtableBytes,
		MemtableMaxImmutable: *memtableMaxImm,
		CacheBytes:           *cacheBytes,
		WALFlushInterval:     *walFlushInterval,
		CompactionInterval:   *compactionInterval,
		CheckpointInterval:   *checkpointInterval,
		LeaseDuration:        *leaseDuration,
		LeaseHeartbeat:       *leaseHeartbeat,
	}

	db, err := echodb.Open(ctx, objStore, cfg)
	if err != nil {
		klog.Exitf("echodb.Open: %v", err)
	}
	klog.Infof("echodb node %q up (store=%s, designated=%v)", cfg.NodeID, *store, *designated)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	klog.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Close(shutdownCtx); err != nil {
		klog.Exitf("Close: %v", err)
	}
}

func storeFromFlags(ctx context.Context) objstore.Store {
	switch *store {
	case "memory":
		return objstore.NewMemStore()
	case "s3":
		if *bucket == "" {
			klog.Exit("--bucket must be set for store=s3")
		}
		s3Cfg := objstore.S3Config{Bucket: *bucket}
		if *s3Endpoint != "" {
			s3Cfg.SDKConfig = &aws.Config{Region: *s3Region}
			s3Cfg.Options = func(o *s3.Options) {
				o.BaseEndpoint = aws.String(*s3Endpoint)
				o.Credentials = credentials.NewStaticCredentialsProvider(*s3AccessKeyID, *s3SecretAccessKey, "")
				o.Region = *s3Region
				o.UsePathStyle = true
			}
		}
		s, err := objstore.NewS3StoreFromConfig(ctx, s3Cfg)
		if err != nil {
			klog.Exitf("objstore.NewS3StoreFromConfig: %v", err)
		}
		return s
	default:
		klog.Exitf("unknown --store %q, want s3 or memory", *store)
		return nil
	}
}
