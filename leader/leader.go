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

// Package leader implements the cooperative, object-store-mediated lease
// that designates one node as the cluster's single writer. The protocol is
// safe only under last-writer-wins PUT and read-your-writes GET; it is not a
// consensus algorithm.
package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"

	"github.com/echodb/echodb/objstore"
)

// Key is the fixed object store location for the active leader record.
const Key = "leader/current"

// DefaultLeaseDuration and DefaultHeartbeat are the protocol's default timings.
const (
	DefaultLeaseDuration = 30 * time.Second
	DefaultHeartbeat     = 10 * time.Second
	candidatePoll        = 5 * time.Second
	maxJitter            = 1000 * time.Millisecond
)

// State is one of the three lease roles a node can occupy.
type State int

const (
	Candidate State = iota
	Leader
	Follower
)

func (s State) String() string {
	switch s {
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	default:
		return "unknown"
	}
}

// Record is the JSON leader document persisted at Key.
type Record struct {
	NodeID      string `json:"nodeId"`
	LeaseStart  int64  `json:"leaseStart"`
	LeaseExpiry int64  `json:"leaseExpiry"`
}

// RecoveryFunc is invoked exactly once per successful acquisition, before the
// node starts serving as leader. It must be idempotent: a crash between
// acquisition and the callback returning may cause it to run again on the
// next acquisition.
type RecoveryFunc func(ctx context.Context) error

// Lease runs the acquisition/heartbeat/observer state machine for one node.
type Lease struct {
	store      objstore.Store
	nodeID     string
	duration   time.Duration
	heartbeat  time.Duration
	recovery   RecoveryFunc
	designated bool
	nowFn      func() time.Time

	mu    sync.Mutex
	state State

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Lease.
type Option func(*Lease)

// WithLeaseDuration overrides the default 30s lease duration.
func WithLeaseDuration(d time.Duration) Option { return func(l *Lease) { l.duration = d } }

// WithHeartbeat overrides the default 10s heartbeat interval.
func WithHeartbeat(d time.Duration) Option { return func(l *Lease) { l.heartbeat = d } }

// WithDesignatedLeader puts the node directly into the leader state without
// contention, for single-node deployments.
func WithDesignatedLeader() Option { return func(l *Lease) { l.designated = true } }

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(l *Lease) { l.nowFn = now } }

// New constructs a Lease in the candidate state. recovery is fired once per
// acquisition, including the designated-leader fast path.
func New(store objstore.Store, nodeID string, recovery RecoveryFunc, opts ...Option) *Lease {
	l := &Lease{
		store:     store,
		nodeID:    nodeID,
		duration:  DefaultLeaseDuration,
		heartbeat: DefaultHeartbeat,
		recovery:  recovery,
		nowFn:     time.Now,
		state:     Candidate,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// State returns the node's current lease role.
func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsLeader reports whether this node currently believes it holds the lease.
func (l *Lease) IsLeader() bool {
	return l.State() == Leader
}

func (l *Lease) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run drives the state machine until the context is cancelled or Close is
// called. It should be started as a background goroutine.
func (l *Lease) Run(ctx context.Context) {
	defer close(l.doneCh)

	if l.designated {
		if err := l.acquireUnconditionally(ctx); err != nil {
			klog.Errorf("leader: designated acquisition failed: %v", err)
		}
	}

	t := time.NewTicker(l.pollInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-t.C:
			switch l.State() {
			case Candidate:
				l.tryAcquire(ctx)
			case Leader:
				l.heartbeatOnce(ctx)
			case Follower:
				// Observer only; nothing to do but keep ticking.
			}
			t.Reset(l.pollInterval())
		}
	}
}

func (l *Lease) pollInterval() time.Duration {
	if l.State() == Leader {
		return l.heartbeat
	}
	return candidatePoll
}

func (l *Lease) acquireUnconditionally(ctx context.Context) error {
	now := l.nowFn()
	rec := Record{NodeID: l.nodeID, LeaseStart: now.Unix(), LeaseExpiry: now.Add(l.duration).Unix()}
	if err := l.put(ctx, rec); err != nil {
		return err
	}
	err := l.fireRecovery(ctx)
	l.setState(Leader)
	return err
}

func (l *Lease) tryAcquire(ctx context.Context) {
	rec, err := l.get(ctx)
	if err != nil {
		klog.Warningf("leader: read during acquisition attempt: %v", err)
		return
	}
	now := l.nowFn()
	if rec != nil && rec.LeaseExpiry >= now.Unix() {
		// Lease is held and unexpired by someone; stay candidate.
		return
	}

	time.Sleep(time.Duration(rand.Int63n(int64(maxJitter))))

	newRec := Record{NodeID: l.nodeID, LeaseStart: now.Unix(), LeaseExpiry: now.Add(l.duration).Unix()}

	var acquired bool
	if rec == nil {
		// Nobody has ever written the record: a conditional create is
		// race-free, unlike the put-then-verify fallback below.
		acquired, err = l.putIfAbsent(ctx, newRec)
		if err != nil {
			klog.Warningf("leader: acquisition PutIfAbsent failed: %v", err)
			return
		}
	} else {
		// The record exists but its lease expired. The store only offers
		// create-if-absent, not compare-and-swap on existing content, so
		// replacing it races: fall back to put then verify our write won.
		if err := l.put(ctx, newRec); err != nil {
			klog.Warningf("leader: acquisition PUT failed: %v", err)
			return
		}
		verify, err := l.get(ctx)
		if err != nil {
			klog.Warningf("leader: acquisition verify GET failed: %v", err)
			return
		}
		acquired = verify != nil && verify.NodeID == l.nodeID
	}
	if !acquired {
		// Another node's concurrent write won the race; stay candidate.
		return
	}

	if err := l.fireRecovery(ctx); err != nil {
		klog.Errorf("leader: recovery callback failed after acquisition: %v", err)
	}
	l.setState(Leader)
}

func (l *Lease) heartbeatOnce(ctx context.Context) {
	now := l.nowFn()
	rec := Record{NodeID: l.nodeID, LeaseStart: now.Unix(), LeaseExpiry: now.Add(l.duration).Unix()}
	if err := l.put(ctx, rec); err != nil {
		klog.Warningf("leader: heartbeat PUT failed, stepping down: %v", err)
		l.setState(Candidate)
		return
	}
	verify, err := l.get(ctx)
	if err != nil || verify == nil || verify.NodeID != l.nodeID {
		klog.Warningf("leader: heartbeat verify shows a different leader, stepping down")
		l.setState(Candidate)
		return
	}
}

func (l *Lease) fireRecovery(ctx context.Context) error {
	if l.recovery == nil {
		return nil
	}
	return l.recovery(ctx)
}

func (l *Lease) put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("leader: marshal record: %w", err)
	}
	return retry.Do(func() error {
		return l.store.Put(ctx, Key, data)
	}, retry.Context(ctx), retry.Attempts(3))
}

// putIfAbsent attempts a conditional create of rec at Key. It reports
// (true, nil) when the write landed (this node now holds the record),
// (false, nil) when a concurrent write already claimed it, and a non-nil
// error only for a store failure unrelated to the precondition.
func (l *Lease) putIfAbsent(ctx context.Context, rec Record) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("leader: marshal record: %w", err)
	}
	err = retry.Do(func() error {
		err := l.store.PutIfAbsent(ctx, Key, data)
		if errors.Is(err, objstore.ErrPrecondition) {
			return retry.Unrecoverable(err)
		}
		return err
	}, retry.Context(ctx), retry.Attempts(3))
	if errors.Is(err, objstore.ErrPrecondition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Lease) get(ctx context.Context) (*Record, error) {
	var data []byte
	err := retry.Do(func() error {
		d, err := l.store.Get(ctx, Key)
		if err != nil {
			return err
		}
		data = d
		return nil
	}, retry.Context(ctx), retry.Attempts(3))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("leader: unmarshal record: %w", err)
	}
	return &rec, nil
}

// Release voluntarily steps down if this node currently holds the lease, by
// publishing an already-expired record so the next candidate does not have
// to wait out the full lease duration. It is a best-effort call: a failed
// PUT here just means the lease expires on its own schedule instead.
func (l *Lease) Release(ctx context.Context) error {
	if l.State() != Leader {
		return nil
	}
	now := l.nowFn()
	rec := Record{NodeID: l.nodeID, LeaseStart: now.Unix(), LeaseExpiry: now.Add(-time.Second).Unix()}
	l.setState(Candidate)
	return l.put(ctx, rec)
}

// Close stops the Run loop.
func (l *Lease) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}
