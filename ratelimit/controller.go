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
	"errors"
	"sync"

	"github.com/alwitt/wsgate/common"
	"github.com/apex/log"
)

// DegradedModeCB callback used to expose shared backend outages to an outer
// context for handling
type DegradedModeCB func(err error)

// rateLimitController RateLimiter front applying allowlist / blocklist policy
// before any counter logic, and falling back to the local backend when the
// shared backend is unreachable. The outage is reported through the callback,
// never silently admitting unlimited traffic.
type rateLimitController struct {
	common.Component
	primary    RateLimiter
	fallback   RateLimiter
	allowlist  map[string]bool
	blocklist  map[string]bool
	onDegraded DegradedModeCB

	// Slots granted by the fallback must release against the fallback, even
	// after the shared backend recovers
	lock           sync.Mutex
	fallbackGrants map[string]int
}

// GetRateLimitController define the admission control front
//
// With no fallback given, primary failures are still reported but the check
// fails closed.
func GetRateLimitController(
	config common.RateLimitConfig,
	primary RateLimiter,
	fallback RateLimiter,
	onDegraded DegradedModeCB,
) (RateLimiter, error) {
	logTags := log.Fields{
		"module": "ratelimit", "component": "controller",
	}
	allowlist := make(map[string]bool)
	for _, identity := range config.Allowlist {
		allowlist[identity] = true
	}
	blocklist := make(map[string]bool)
	for _, identity := range config.Blocklist {
		blocklist[identity] = true
	}
	return &rateLimitController{
		Component:      common.Component{LogTags: logTags},
		primary:        primary,
		fallback:       fallback,
		allowlist:      allowlist,
		blocklist:      blocklist,
		onDegraded:     onDegraded,
		fallbackGrants: make(map[string]int),
	}, nil
}

// Check run one admission check against an identity
func (c *rateLimitController) Check(
	ctxt context.Context, identity string, credentialed bool,
) (Decision, error) {
	// List policy runs before any counter mutation
	if c.blocklist[identity] {
		log.WithFields(c.LogTags).Infof("Rejected blocklisted identity '%s'", identity)
		return Decision{Allowed: false}, nil
	}
	if c.allowlist[identity] {
		return Decision{Allowed: true}, nil
	}

	decision, err := c.primary.Check(ctxt, identity, credentialed)
	if err == nil {
		return decision, nil
	}
	var storeErr *common.StoreUnavailableError
	if !errors.As(err, &storeErr) || c.fallback == nil {
		return Decision{}, err
	}

	// Degraded mode: enforce limits process locally until the store recovers
	log.WithError(err).WithFields(c.LogTags).Warnf(
		"Shared backend unreachable; local fallback for '%s'", identity,
	)
	if c.onDegraded != nil {
		c.onDegraded(err)
	}
	decision, err = c.fallback.Check(ctxt, identity, credentialed)
	if err != nil {
		return Decision{}, err
	}
	decision.Degraded = true
	if decision.Allowed {
		c.recordFallbackGrant(identity)
	}
	return decision, nil
}

// recordFallbackGrant note one slot the fallback granted for the identity
func (c *rateLimitController) recordFallbackGrant(identity string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.fallbackGrants[identity]++
}

// consumeFallbackGrant claim one recorded fallback grant for the identity,
// false when none is outstanding
func (c *rateLimitController) consumeFallbackGrant(identity string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.fallbackGrants[identity] == 0 {
		return false
	}
	c.fallbackGrants[identity]--
	if c.fallbackGrants[identity] == 0 {
		delete(c.fallbackGrants, identity)
	}
	return true
}

// Release mark one admitted request for the identity as complete. The release
// lands on whichever backend granted the slot; releasing a fallback grant
// against a recovered shared backend would drive its gauge negative.
func (c *rateLimitController) Release(ctxt context.Context, identity string) error {
	if c.allowlist[identity] || c.blocklist[identity] {
		return nil
	}
	if c.consumeFallbackGrant(identity) {
		return c.fallback.Release(ctxt, identity)
	}
	return c.primary.Release(ctxt, identity)
}
