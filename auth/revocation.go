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

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/core"
	"github.com/apex/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

// RevokedCredential record of an invalidated credential. The record's TTL equals
// the credential's remaining lifetime: longer wastes space, shorter reopens the
// hole the revocation closed.
type RevokedCredential struct {
	// CredentialID identifies the revoked credential
	CredentialID string `json:"credential_id" validate:"required"`
	// UserID is the owning principal
	UserID string `json:"user_id"`
	// Reason records why the credential was revoked
	Reason string `json:"reason"`
	// RevokedAt is when the revocation took effect
	RevokedAt time.Time `json:"revoked_at"`
	// ExpiresAt is the original credential expiry
	ExpiresAt time.Time `json:"expires_at"`
}

// RevocationList tracks invalidated credentials. IsRevoked runs on every
// authenticated message, not just at handshake, so mid-session revocation takes
// effect within one round trip.
type RevocationList interface {
	// Revoke insert a revocation record lasting the credential's remaining lifetime
	Revoke(ctxt context.Context, entry RevokedCredential) error
	// IsRevoked single lookup whether the credential was invalidated
	IsRevoked(ctxt context.Context, credentialID string) (bool, error)
}

// ======================================================================
// Shared store backed revocation list

// redisRevocationList RevocationList held in the shared Redis store, visible to
// all gateway nodes. A revoked credential can never become valid again, so
// positive hits are cached locally to spare the per-message round trip.
type redisRevocationList struct {
	common.Component
	store    core.RedisClient
	revoked  *ttlcache.Cache[string, bool]
	keyNowFn func() time.Time
}

// GetRevocationList define a shared store backed RevocationList
func GetRevocationList(store core.RedisClient) (RevocationList, error) {
	logTags := log.Fields{
		"module": "auth", "component": "revocation-list",
	}
	cache := ttlcache.New[string, bool]()
	return &redisRevocationList{
		Component: common.Component{LogTags: logTags},
		store:     store,
		revoked:   cache,
		keyNowFn:  time.Now,
	}, nil
}

func revocationKey(credentialID string) string {
	return fmt.Sprintf("wsgate:revoked:%s", credentialID)
}

// Revoke insert a revocation record lasting the credential's remaining lifetime
func (r *redisRevocationList) Revoke(ctxt context.Context, entry RevokedCredential) error {
	remaining := entry.ExpiresAt.Sub(r.keyNowFn())
	if remaining <= 0 {
		// Already lapsed; nothing to revoke
		log.WithFields(r.LogTags).Debugf(
			"Skipping revocation of expired credential '%s'", entry.CredentialID,
		)
		return nil
	}
	if entry.RevokedAt.IsZero() {
		entry.RevokedAt = r.keyNowFn()
	}
	serialized, err := json.Marshal(&entry)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to serialize revocation of '%s'", entry.CredentialID,
		)
		return err
	}
	useCtxt, cancel := r.store.OpContext(ctxt)
	defer cancel()
	if err := r.store.Client().Set(
		useCtxt, revocationKey(entry.CredentialID), serialized, remaining,
	).Err(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to record revocation of '%s'", entry.CredentialID,
		)
		return common.NewStoreUnavailableError("revoke", err)
	}
	r.revoked.Set(entry.CredentialID, true, remaining)
	log.WithFields(r.LogTags).Infof(
		"Revoked credential '%s' of '%s': %s", entry.CredentialID, entry.UserID, entry.Reason,
	)
	return nil
}

// IsRevoked single lookup whether the credential was invalidated
func (r *redisRevocationList) IsRevoked(
	ctxt context.Context, credentialID string,
) (bool, error) {
	if r.revoked.Get(credentialID) != nil {
		return true, nil
	}
	useCtxt, cancel := r.store.OpContext(ctxt)
	defer cancel()
	result, err := r.store.Client().Exists(useCtxt, revocationKey(credentialID)).Result()
	if err != nil && err != redis.Nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Revocation lookup failed for '%s'", credentialID,
		)
		return false, common.NewStoreUnavailableError("is-revoked", err)
	}
	if result > 0 {
		// Remaining credential lifetime is unknown here; an hour bounds the
		// cache without ever un-revoking anything early
		r.revoked.Set(credentialID, true, time.Hour)
		return true, nil
	}
	return false, nil
}

// ======================================================================
// In-memory revocation list

// memoryRevocationList RevocationList held in process memory. Used by tests and
// single node deployments; entries expire on their own per-item TTL.
type memoryRevocationList struct {
	common.Component
	entries *ttlcache.Cache[string, RevokedCredential]
}

// GetMemoryRevocationList define an in-process RevocationList
func GetMemoryRevocationList() (RevocationList, error) {
	logTags := log.Fields{
		"module": "auth", "component": "revocation-list-memory",
	}
	cache := ttlcache.New[string, RevokedCredential]()
	go cache.Start()
	return &memoryRevocationList{
		Component: common.Component{LogTags: logTags},
		entries:   cache,
	}, nil
}

// Revoke insert a revocation record lasting the credential's remaining lifetime
func (r *memoryRevocationList) Revoke(ctxt context.Context, entry RevokedCredential) error {
	remaining := time.Until(entry.ExpiresAt)
	if remaining <= 0 {
		return nil
	}
	if entry.RevokedAt.IsZero() {
		entry.RevokedAt = time.Now()
	}
	r.entries.Set(entry.CredentialID, entry, remaining)
	log.WithFields(r.LogTags).Infof(
		"Revoked credential '%s' of '%s': %s", entry.CredentialID, entry.UserID, entry.Reason,
	)
	return nil
}

// IsRevoked single lookup whether the credential was invalidated
func (r *memoryRevocationList) IsRevoked(
	ctxt context.Context, credentialID string,
) (bool, error) {
	return r.entries.Get(credentialID) != nil, nil
}
