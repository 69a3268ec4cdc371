// Copyright 2023-2024 The wsgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/wsgate/common"
	"github.com/apex/log"
)

// windowCounter one (identity, window) counter. Value never applies to a window
// other than the one currently in effect; the counter resets lazily once
// `now - windowStart >= duration`.
type windowCounter struct {
	count       int64
	windowStart time.Time
}

// identityEntry all counters of one identity. Entries are independently locked;
// no cross identity coordination is needed.
type identityEntry struct {
	lock     sync.Mutex
	windows  map[string]*windowCounter
	inflight int64
}

// localRateLimiter in-process RateLimiter backend. Fast, but counters are not
// shared with other gateway nodes.
type localRateLimiter struct {
	common.Component
	lock          sync.Mutex
	entries       map[string]*identityEntry
	anonymous     []windowSpec
	credentialed  []windowSpec
	maxConcurrent int64
	nowFn         func() time.Time
}

// GetLocalRateLimiter define an in-process RateLimiter
func GetLocalRateLimiter(config common.RateLimitConfig) (RateLimiter, error) {
	logTags := log.Fields{
		"module": "ratelimit", "component": "local-backend",
	}
	return &localRateLimiter{
		Component:     common.Component{LogTags: logTags},
		entries:       make(map[string]*identityEntry),
		anonymous:     getWindowSpecs(config.Anonymous),
		credentialed:  getWindowSpecs(config.Credentialed),
		maxConcurrent: config.MaxConcurrent,
		nowFn:         time.Now,
	}, nil
}

// entryFor fetch or create the counter entry for an identity
func (l *localRateLimiter) entryFor(identity string) *identityEntry {
	l.lock.Lock()
	defer l.lock.Unlock()
	entry, ok := l.entries[identity]
	if !ok {
		entry = &identityEntry{windows: make(map[string]*windowCounter)}
		l.entries[identity] = entry
	}
	return entry
}

// Check run one admission check against an identity
func (l *localRateLimiter) Check(
	ctxt context.Context, identity string, credentialed bool,
) (Decision, error) {
	specs := l.anonymous
	if credentialed {
		specs = l.credentialed
	}
	now := l.nowFn()
	entry := l.entryFor(identity)
	entry.lock.Lock()
	defer entry.lock.Unlock()

	// Concurrency cap gates before the time windows. Only admitted requests
	// occupy a slot, so a rejection needs no Release from the caller.
	if entry.inflight+1 > l.maxConcurrent {
		log.WithFields(l.LogTags).Debugf("Rejected '%s': concurrency cap", identity)
		return Decision{Allowed: false, Concurrent: true}, nil
	}

	decision := Decision{Allowed: true}
	reportedRemaining := int64(-1)
	var smallestExceeded *windowSpec
	var exceededReset time.Time
	for idx, spec := range specs {
		counter, ok := entry.windows[spec.kind]
		if !ok {
			counter = &windowCounter{}
			entry.windows[spec.kind] = counter
		}
		// Lazy reset at the window boundary
		if now.Sub(counter.windowStart) >= spec.duration {
			counter.count = 0
			counter.windowStart = now
		}
		counter.count++
		remaining := spec.limit - counter.count
		if remaining < 0 {
			remaining = 0
		}
		resetAt := counter.windowStart.Add(spec.duration)
		if counter.count > spec.limit {
			if smallestExceeded == nil || spec.duration < smallestExceeded.duration {
				smallestExceeded = &specs[idx]
				exceededReset = resetAt
			}
		}
		// Report the tightest remaining window to the caller
		if reportedRemaining < 0 || remaining < decision.Remaining {
			decision.Limit = spec.limit
			decision.Remaining = remaining
			decision.ResetAt = resetAt
			reportedRemaining = remaining
		}
	}

	if smallestExceeded != nil {
		decision.Allowed = false
		decision.Limit = smallestExceeded.limit
		decision.Remaining = 0
		decision.ResetAt = exceededReset
		decision.RetryAfter = exceededReset.Sub(now)
		log.WithFields(l.LogTags).Debugf(
			"Rejected '%s': %s window exceeded", identity, smallestExceeded.kind,
		)
		return decision, nil
	}

	entry.inflight++
	return decision, nil
}

// Release mark one admitted request for the identity as complete
func (l *localRateLimiter) Release(ctxt context.Context, identity string) error {
	entry := l.entryFor(identity)
	entry.lock.Lock()
	defer entry.lock.Unlock()
	if entry.inflight > 0 {
		entry.inflight--
	}
	return nil
}
