// Copyright 2024 The Edgemesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mls

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// RateLimitCooldown applies an exponential cooldown shared across
// concurrent callers of the same RPC method (§5 "Rate-limit backoff"): a
// RateLimit response doubles the cooldown from the configured base; success
// resets it. In-flight calls complete; the cooldown only delays new calls.
//
// No corpus dependency covers this narrow a concern (checked every example
// repo's go.mod for a backoff/retry library and found none), so this is a
// small hand-rolled mutex-guarded duration plus an atomic window deadline
// rather than a borrowed one.
type RateLimitCooldown struct {
	mu       sync.Mutex
	base     time.Duration
	current  time.Duration
	cooldownUntilNs atomic.Int64
}

// NewRateLimitCooldown constructs a cooldown starting at base.
func NewRateLimitCooldown(base time.Duration) *RateLimitCooldown {
	return &RateLimitCooldown{base: base, current: base}
}

// Wait blocks until the shared cooldown window has elapsed, or ctx is done.
func (c *RateLimitCooldown) Wait(ctx context.Context) error {
	for {
		untilNs := c.cooldownUntilNs.Load()
		nowNs := time.Now().UnixNano()
		if untilNs <= nowNs {
			return nil
		}
		wait := time.Duration(untilNs - nowNs)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// OnRateLimited doubles the cooldown window from its current value and
// opens it starting now. Concurrent callers share the same window since
// they all hit the same RPC method's cooldown.
func (c *RateLimitCooldown) OnRateLimited() {
	c.mu.Lock()
	next := c.current * 2
	c.current = next
	c.mu.Unlock()

	c.cooldownUntilNs.Store(time.Now().Add(next).UnixNano())
}

// OnSuccess resets the cooldown window to base.
func (c *RateLimitCooldown) OnSuccess() {
	c.mu.Lock()
	c.current = c.base
	c.mu.Unlock()
}
