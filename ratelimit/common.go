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
)

// Window kinds tracked per identity. Each window counts independently and
// resets lazily at its own boundary; there is no background sweep.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// windowDurations duration of each window kind
var windowDurations = map[string]time.Duration{
	WindowMinute: time.Minute,
	WindowHour:   time.Hour,
	WindowDay:    time.Hour * 24,
}

// windowSpec one active counting window for an identity class
type windowSpec struct {
	kind     string
	duration time.Duration
	limit    int64
}

// getWindowSpecs expand an identity class config into its active windows.
// Windows with a zero limit are disabled.
func getWindowSpecs(config common.RateWindowConfig) []windowSpec {
	specs := make([]windowSpec, 0, 3)
	if config.PerMinute > 0 {
		specs = append(specs, windowSpec{
			kind: WindowMinute, duration: windowDurations[WindowMinute], limit: config.PerMinute,
		})
	}
	if config.PerHour > 0 {
		specs = append(specs, windowSpec{
			kind: WindowHour, duration: windowDurations[WindowHour], limit: config.PerHour,
		})
	}
	if config.PerDay > 0 {
		specs = append(specs, windowSpec{
			kind: WindowDay, duration: windowDurations[WindowDay], limit: config.PerDay,
		})
	}
	return specs
}

// Decision the outcome of one admission check
type Decision struct {
	// Allowed indicates the request was admitted
	Allowed bool
	// Limit is the configured limit of the reported window
	Limit int64
	// Remaining is the count left within the reported window
	Remaining int64
	// ResetAt is when the reported window rolls over
	ResetAt time.Time
	// RetryAfter is the remaining time on the smallest exceeded window. Zero on
	// admission or when the concurrency cap triggered the rejection.
	RetryAfter time.Duration
	// Concurrent indicates the concurrency cap triggered the rejection
	Concurrent bool
	// Degraded indicates the decision came from the local fallback while the
	// shared backend was unreachable
	Degraded bool
}

// Err convert a rejection into the caller facing error. Nil when admitted.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &common.RateLimitError{
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt,
		RetryAfter: d.RetryAfter,
		Concurrent: d.Concurrent,
	}
}

// RateLimiter per identity admission control with minute / hour / day windows
// and a concurrency cap. Callers are agnostic to which backend is active.
type RateLimiter interface {
	// Check run one admission check against an identity. A credentialed identity
	// receives the higher identity class limits. The error return is reserved
	// for backend failures; a policy rejection comes back in the Decision.
	Check(ctxt context.Context, identity string, credentialed bool) (Decision, error)
	// Release mark one admitted request for the identity as complete, freeing a
	// slot under the concurrency cap
	Release(ctxt context.Context, identity string) error
}

// AnonymousIdentity rate limit identity for an unauthenticated remote address
func AnonymousIdentity(remoteIP string) string {
	return fmt.Sprintf("ip:%s", remoteIP)
}

// CredentialedIdentity rate limit identity for an authenticated principal
func CredentialedIdentity(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}
