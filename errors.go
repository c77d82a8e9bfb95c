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

import "fmt"

// Kind classifies the error conditions the core surfaces to its callers.
type Kind int

const (
	// NotLeader is returned by write operations attempted on a node that does
	// not currently hold the leader lease.
	NotLeader Kind = iota
	// Closed is returned by Put, Get, Delete, Flush and RecoverFromWAL once
	// Close has been called; a repeated Close returns nil.
	Closed
	// StoreUnavailable wraps an object-store transport/backend failure.
	StoreUnavailable
	// Corrupt indicates a persisted record failed to decode: a
	// checkpoint/sequence blob of the wrong size (reported by Open), or an
	// SST entry with an impossible length prefix or an SST index entry past
	// end-of-file (reported by Get). A corrupt WAL blob is not reported as
	// an error: recovery logs it and replays the rows decoded before the bad
	// one.
	Corrupt
	// Internal covers programmer-error conditions that should not be
	// reachable through the public API.
	Internal
)

func (k Kind) String() string {
	switch k {
	case NotLeader:
		return "not leader"
	case Closed:
		return "closed"
	case StoreUnavailable:
		return "store unavailable"
	case Corrupt:
		return "corrupt"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the typed error returned by Database's upstream API. Where
// names the component the error came from; for a Corrupt error it names
// the persisted record that failed to decode ("checkpoint", "sequence" or
// "sstable").
type Error struct {
	Kind  Kind
	Where string
	Err   error
}

func (e *Error) Error() string {
	if e.Where != "" {
		return fmt.Sprintf("echodb: %s (%s): %v", e.Kind, e.Where, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("echodb: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("echodb: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, echodb.ErrNotLeader) work by comparing against a
// sentinel *Error carrying only the Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// sentinels for errors.Is comparisons, e.g. errors.Is(err, echodb.ErrNotLeader).
var (
	ErrNotLeader        = &Error{Kind: NotLeader}
	ErrClosed           = &Error{Kind: Closed}
	ErrStoreUnavailable = &Error{Kind: StoreUnavailable}
	ErrCorrupt          = &Error{Kind: Corrupt}
	ErrInternal         = &Error{Kind: Internal}
)

func notLeaderErr() error { return &Error{Kind: NotLeader} }
func closedErr() error    { return &Error{Kind: Closed} }

func corruptErr(where string, err error) error {
	return &Error{Kind: Corrupt, Where: where, Err: err}
}

func storeUnavailableErr(where string, err error) error {
	return &Error{Kind: StoreUnavailable, Where: where, Err: err}
}

func internalErr(where string, err error) error {
	return &Error{Kind: Internal, Where: where, Err: err}
}
