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

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/core"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// Hash fields of one session record. `data` carries the full JSON projection;
// `version` and `last_active` are duplicated as flat fields so Touch can run
// without rewriting the projection.
const (
	fieldData       = "data"
	fieldVersion    = "version"
	fieldLastActive = "last_active"
)

// redisSessionStore Store held in the shared Redis store
type redisSessionStore struct {
	common.Component
	store core.RedisClient
	ttl   time.Duration
}

// GetRedisSessionStore define a shared store backed session Store
func GetRedisSessionStore(store core.RedisClient, ttl time.Duration) (Store, error) {
	logTags := log.Fields{
		"module": "session", "component": "redis-store",
	}
	return &redisSessionStore{
		Component: common.Component{LogTags: logTags},
		store:     store,
		ttl:       ttl,
	}, nil
}

func sessionKey(connectionID string) string {
	return fmt.Sprintf("wsgate:session:%s", connectionID)
}

func topicKey(topic string) string {
	return fmt.Sprintf("wsgate:topic:%s", topic)
}

// topicMember encode a session's fleet location as a topic set member
func topicMember(connectionID, node string) string {
	return fmt.Sprintf("%s@%s", connectionID, node)
}

// parseTopicMember decode a topic set member back into a SessionRef
func parseTopicMember(member string) (SessionRef, error) {
	parts := strings.SplitN(member, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return SessionRef{}, fmt.Errorf("malformed topic member '%s'", member)
	}
	return SessionRef{ConnectionID: parts[0], Node: parts[1]}, nil
}

// Save upsert a session, advancing its version. The optimistic check rides a
// WATCH transaction: a concurrent writer aborts the pipeline and surfaces as
// ErrVersionConflict, forcing the caller to reload.
func (s *redisSessionStore) Save(ctxt context.Context, record *Session) error {
	useCtxt, cancel := s.store.OpContext(ctxt)
	defer cancel()

	key := sessionKey(record.ConnectionID)
	newVersion := record.Version + 1
	record.LastActive = time.Now().UTC()

	err := s.store.Client().Watch(useCtxt, func(tx *redis.Tx) error {
		storedVersionRaw, err := tx.HGet(useCtxt, key, fieldVersion).Result()
		var storedVersion int64
		var priorSubscriptions []string
		if err == nil {
			storedVersion, err = strconv.ParseInt(storedVersionRaw, 10, 64)
			if err != nil {
				return fmt.Errorf("stored version of '%s' unreadable: %w", record.ConnectionID, err)
			}
			if storedVersion != record.Version {
				return ErrVersionConflict
			}
			priorRaw, err := tx.HGet(useCtxt, key, fieldData).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil {
				var prior Session
				if parseErr := json.Unmarshal([]byte(priorRaw), &prior); parseErr == nil {
					priorSubscriptions = prior.Subscriptions
				}
			}
		} else if err != redis.Nil {
			return err
		} else if record.Version != 0 {
			// Record disappeared under the caller (TTL reclaim); a stale version
			// cannot resurrect it silently
			return ErrVersionConflict
		}

		record.Version = newVersion
		serialized, err := json.Marshal(record)
		if err != nil {
			return err
		}

		prior := subscriptionSet(priorSubscriptions)
		current := subscriptionSet(record.Subscriptions)
		member := topicMember(record.ConnectionID, record.Node)

		_, err = tx.TxPipelined(useCtxt, func(pipe redis.Pipeliner) error {
			pipe.HSet(useCtxt, key,
				fieldData, serialized,
				fieldVersion, newVersion,
				fieldLastActive, record.LastActive.UnixMilli(),
			)
			pipe.Expire(useCtxt, key, s.ttl)
			for topic := range current {
				if !prior[topic] {
					pipe.SAdd(useCtxt, topicKey(topic), member)
				}
			}
			for topic := range prior {
				if !current[topic] {
					pipe.SRem(useCtxt, topicKey(topic), member)
				}
			}
			return nil
		})
		return err
	}, key)

	if err == ErrVersionConflict {
		record.Version = newVersion - 1
		return ErrVersionConflict
	}
	if err == redis.TxFailedErr {
		// Another writer touched the key mid-transaction
		record.Version = newVersion - 1
		return ErrVersionConflict
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to save session '%s'", record.ConnectionID,
		)
		record.Version = newVersion - 1
		return common.NewStoreUnavailableError("session-save", err)
	}
	return nil
}

// Load fetch a session; nil without error when absent or expired
func (s *redisSessionStore) Load(ctxt context.Context, connectionID string) (*Session, error) {
	useCtxt, cancel := s.store.OpContext(ctxt)
	defer cancel()
	fields, err := s.store.Client().HGetAll(useCtxt, sessionKey(connectionID)).Result()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to load session '%s'", connectionID,
		)
		return nil, common.NewStoreUnavailableError("session-load", err)
	}
	raw, ok := fields[fieldData]
	if !ok {
		return nil, nil
	}
	var record Session
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Stored session '%s' unreadable", connectionID,
		)
		return nil, err
	}
	if versionRaw, ok := fields[fieldVersion]; ok {
		if version, err := strconv.ParseInt(versionRaw, 10, 64); err == nil {
			record.Version = version
		}
	}
	if lastActiveRaw, ok := fields[fieldLastActive]; ok {
		if lastActive, err := strconv.ParseInt(lastActiveRaw, 10, 64); err == nil {
			record.LastActive = time.UnixMilli(lastActive).UTC()
		}
	}
	return &record, nil
}

// Touch refresh the TTL and last-activity timestamp without a full save
func (s *redisSessionStore) Touch(ctxt context.Context, connectionID string) error {
	useCtxt, cancel := s.store.OpContext(ctxt)
	defer cancel()
	key := sessionKey(connectionID)
	exists, err := s.store.Client().Exists(useCtxt, key).Result()
	if err != nil {
		return common.NewStoreUnavailableError("session-touch", err)
	}
	if exists == 0 {
		// TTL already reclaimed the record; the next reconnect re-authenticates
		return nil
	}
	_, err = s.store.Client().TxPipelined(useCtxt, func(pipe redis.Pipeliner) error {
		pipe.HSet(useCtxt, key, fieldLastActive, time.Now().UTC().UnixMilli())
		pipe.Expire(useCtxt, key, s.ttl)
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to touch session '%s'", connectionID,
		)
		return common.NewStoreUnavailableError("session-touch", err)
	}
	return nil
}

// Delete remove a session outright
func (s *redisSessionStore) Delete(ctxt context.Context, connectionID string) error {
	record, err := s.Load(ctxt, connectionID)
	if err != nil {
		return err
	}
	useCtxt, cancel := s.store.OpContext(ctxt)
	defer cancel()
	_, err = s.store.Client().TxPipelined(useCtxt, func(pipe redis.Pipeliner) error {
		pipe.Del(useCtxt, sessionKey(connectionID))
		if record != nil {
			member := topicMember(record.ConnectionID, record.Node)
			for _, topic := range record.Subscriptions {
				pipe.SRem(useCtxt, topicKey(topic), member)
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to delete session '%s'", connectionID,
		)
		return common.NewStoreUnavailableError("session-delete", err)
	}
	return nil
}

// SubscribersOf resolve every session subscribed to a topic across the fleet.
// Members whose session record has lapsed are pruned from the index in passing.
func (s *redisSessionStore) SubscribersOf(
	ctxt context.Context, topic string,
) ([]SessionRef, error) {
	useCtxt, cancel := s.store.OpContext(ctxt)
	defer cancel()
	members, err := s.store.Client().SMembers(useCtxt, topicKey(topic)).Result()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to resolve subscribers of '%s'", topic,
		)
		return nil, common.NewStoreUnavailableError("subscribers-of", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	existsCmds := make([]*redis.IntCmd, len(members))
	_, err = s.store.Client().Pipelined(useCtxt, func(pipe redis.Pipeliner) error {
		for idx, member := range members {
			ref, parseErr := parseTopicMember(member)
			if parseErr != nil {
				continue
			}
			existsCmds[idx] = pipe.Exists(useCtxt, sessionKey(ref.ConnectionID))
		}
		return nil
	})
	if err != nil {
		return nil, common.NewStoreUnavailableError("subscribers-of", err)
	}

	refs := make([]SessionRef, 0, len(members))
	stale := make([]interface{}, 0)
	for idx, member := range members {
		ref, parseErr := parseTopicMember(member)
		if parseErr != nil || existsCmds[idx] == nil {
			stale = append(stale, member)
			continue
		}
		if existsCmds[idx].Val() == 0 {
			stale = append(stale, member)
			continue
		}
		refs = append(refs, ref)
	}
	if len(stale) > 0 {
		if err := s.store.Client().SRem(useCtxt, topicKey(topic), stale...).Err(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf(
				"Failed to prune %d stale subscribers of '%s'", len(stale), topic,
			)
		}
	}
	return refs, nil
}
