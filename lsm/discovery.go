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

package lsm

import "context"

// discover lists data/l0/ for tables not yet known to this process and
// registers them. This is how a follower converges to the leader's
// published L0 state without ever running the write path itself.
func (c *Coordinator) discover(ctx context.Context) error {
	tables, err := c.listLevel(ctx, 0)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, t := range tables {
		c.registerLocked(t)
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Discoveries.Add(ctx, 1)
	}
	return nil
}
