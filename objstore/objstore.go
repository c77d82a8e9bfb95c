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

// Package objstore defines the flat key-space object store abstraction that
// EchoDB's entire core is built on: the WAL, the SSTs, the sequence counter,
// the checkpoint, and the leader record are all just objects.
package objstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotExist is returned by Delete for keys that are not present.
// Get never returns it: a missing key is reported as (nil, nil), and Head
// reports it as (false, nil).
var ErrNotExist = errors.New("objstore: key does not exist")

// Store is the contract every backend (S3, in-memory, ...) must satisfy.
//
// Implementations do not retry: the caller decides whether and how to retry
// a failed call.
type Store interface {
	// Put writes data under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// PutIfAbsent writes data under key only if no object currently exists
	// there. If an object already exists with identical content, the write
	// is treated as an idempotent success. If an object exists with
	// different content, ErrPrecondition is returned.
	PutIfAbsent(ctx context.Context, key string, data []byte) error

	// Get returns the object's bytes, or (nil, nil) if key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object at key. Returns ErrNotExist if absent.
	Delete(ctx context.Context, key string) error

	// List returns every key with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Head reports whether an object exists at key.
	Head(ctx context.Context, key string) (bool, error)
}

// ErrPrecondition is returned by PutIfAbsent when the key already holds
// different content than the one being written.
var ErrPrecondition = errors.New("objstore: precondition failed")

// Unavailable wraps an underlying transport/backend error so that callers
// can recognize StoreUnavailable.
type Unavailable struct {
	Op  string
	Key string
	Err error
}

func (e *Unavailable) Error() string {
	return fmt.Sprintf("objstore: %s %q unavailable: %v", e.Op, e.Key, e.Err)
}

func (e *Unavailable) Unwrap() error { return e.Err }
