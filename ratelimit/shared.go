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
	"fmt"
	"time"

	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/core"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// concurrencySafetyTTL keeps orphaned concurrency gauges from pinning an
// identity forever if a node dies between Check and Release
const concurrencySafetyTTL = time.Minute * 5

// sharedRateLimiter RateLimiter backend storing counters in the shared Redis
// store, so limits hold across every gateway node of the deployment
type sharedRateLimiter struct {
	common.Component
	store         core.RedisClient
	anonymous     []windowSpec
	credentialed  []windowSpec
	maxConcurrent int64
}

// GetSharedRateLimiter define a shared store backed RateLimiter
func GetSharedRateLimiter(
	store core.RedisClient, config common.RateLimitConfig,
) (RateLimiter, error) {
	logTags := log.Fields{
		"module": "ratelimit", "component": "shared-backend",
	}
	return &sharedRateLimiter{
		Component:     common.Component{LogTags: logTags},
		store:         store,
		anonymous:     getWindowSpecs(config.Anonymous),
		credentialed:  getWindowSpecs(config.Credentialed),
		maxConcurrent: config.MaxConcurrent,
	}, nil
}

func windowKey(identity, kind string) string {
	return fmt.Sprintf("wsgate:rl:%s:%s", identity, kind)
}

func concurrencyKey(identity string) string {
	return fmt.Sprintf("wsgate:rl:%s:conc", identity)
}

// Check run one admission check against an identity. All counters mutate in a
// single round trip: INCR paired with EXPIRE NX so the first increment of a
// window also sets its boundary, leaving no stale-read race between nodes.
func (l *sharedRateLimiter) Check(
	ctxt context.Context, identity string, credentialed bool,
) (Decision, error) {
	specs := l.anonymous
	if credentialed {
		specs = l.credentialed
	}
	useCtxt, cancel := l.store.OpContext(ctxt)
	defer cancel()

	var concCmd *redis.IntCmd
	counterCmds := make([]*redis.IntCmd, len(specs))
	ttlCmds := make([]*redis.DurationCmd, len(specs))
	_, err := l.store.Client().TxPipelined(useCtxt, func(pipe redis.Pipeliner) error {
		concCmd = pipe.Incr(useCtxt, concurrencyKey(identity))
		pipe.ExpireNX(useCtxt, concurrencyKey(identity), concurrencySafetyTTL)
		for idx, spec := range specs {
			key := windowKey(identity, spec.kind)
			counterCmds[idx] = pipe.Incr(useCtxt, key)
			pipe.ExpireNX(useCtxt, key, spec.duration)
			ttlCmds[idx] = pipe.PTTL(useCtxt, key)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Admission check failed for '%s'", identity)
		return Decision{}, common.NewStoreUnavailableError("rate-limit-check", err)
	}

	now := time.Now()
	if concCmd.Val() > l.maxConcurrent {
		l.releaseSlot(ctxt, identity)
		log.WithFields(l.LogTags).Debugf("Rejected '%s': concurrency cap", identity)
		return Decision{Allowed: false, Concurrent: true}, nil
	}

	decision := Decision{Allowed: true}
	reportedRemaining := int64(-1)
	var smallestExceeded *windowSpec
	var exceededReset time.Time
	for idx, spec := range specs {
		count := counterCmds[idx].Val()
		remaining := spec.limit - count
		if remaining < 0 {
			remaining = 0
		}
		resetAt := now.Add(ttlCmds[idx].Val())
		if count > spec.limit {
			if smallestExceeded == nil || spec.duration < smallestExceeded.duration {
				smallestExceeded = &specs[idx]
				exceededReset = resetAt
			}
		}
		if reportedRemaining < 0 || remaining < reportedRemaining {
			decision.Limit = spec.limit
			decision.Remaining = remaining
			decision.ResetAt = resetAt
			reportedRemaining = remaining
		}
	}

	if smallestExceeded != nil {
		l.releaseSlot(ctxt, identity)
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
	return decision, nil
}

// releaseSlot free the concurrency slot taken optimistically during Check
func (l *sharedRateLimiter) releaseSlot(ctxt context.Context, identity string) {
	useCtxt, cancel := l.store.OpContext(ctxt)
	defer cancel()
	if err := l.store.Client().Decr(useCtxt, concurrencyKey(identity)).Err(); err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf(
			"Failed to release concurrency slot of '%s'", identity,
		)
	}
}

// Release mark one admitted request for the identity as complete
func (l *sharedRateLimiter) Release(ctxt context.Context, identity string) error {
	useCtxt, cancel := l.store.OpContext(ctxt)
	defer cancel()
	if err := l.store.Client().Decr(useCtxt, concurrencyKey(identity)).Err(); err != nil {
		return common.NewStoreUnavailableError("rate-limit-release", err)
	}
	return nil
}
