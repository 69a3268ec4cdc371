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
	"sync"
	"time"

	"github.com/alwitt/wsgate/common"
	"github.com/apex/log"
)

// storedSession one record plus its expiry deadline
type storedSession struct {
	record    Session
	expiresAt time.Time
}

// memorySessionStore Store held in process memory. Single node deployments and
// tests only; records expire lazily on access.
type memorySessionStore struct {
	common.Component
	lock     sync.Mutex
	sessions map[string]*storedSession
	topics   map[string]map[string]SessionRef
	ttl      time.Duration
	nowFn    func() time.Time
}

// GetMemorySessionStore define an in-process session Store
func GetMemorySessionStore(ttl time.Duration) (Store, error) {
	logTags := log.Fields{
		"module": "session", "component": "memory-store",
	}
	return &memorySessionStore{
		Component: common.Component{LogTags: logTags},
		sessions:  make(map[string]*storedSession),
		topics:    make(map[string]map[string]SessionRef),
		ttl:       ttl,
		nowFn:     time.Now,
	}, nil
}

// getLive fetch a record if present and unexpired. Caller holds the lock.
func (s *memorySessionStore) getLive(connectionID string) *storedSession {
	stored, ok := s.sessions[connectionID]
	if !ok {
		return nil
	}
	if s.nowFn().After(stored.expiresAt) {
		s.dropLocked(connectionID, &stored.record)
		return nil
	}
	return stored
}

// dropLocked remove a record and its topic index entries. Caller holds the lock.
func (s *memorySessionStore) dropLocked(connectionID string, record *Session) {
	delete(s.sessions, connectionID)
	if record == nil {
		return
	}
	for _, topic := range record.Subscriptions {
		if members, ok := s.topics[topic]; ok {
			delete(members, connectionID)
			if len(members) == 0 {
				delete(s.topics, topic)
			}
		}
	}
}

// Save upsert a session, advancing its version
func (s *memorySessionStore) Save(ctxt context.Context, record *Session) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	var priorSubscriptions []string
	if stored := s.getLive(record.ConnectionID); stored != nil {
		if stored.record.Version != record.Version {
			return ErrVersionConflict
		}
		priorSubscriptions = stored.record.Subscriptions
	} else if record.Version != 0 {
		return ErrVersionConflict
	}

	record.Version++
	record.LastActive = s.nowFn().UTC()
	copied := *record
	s.sessions[record.ConnectionID] = &storedSession{
		record:    copied,
		expiresAt: s.nowFn().Add(s.ttl),
	}

	prior := subscriptionSet(priorSubscriptions)
	current := subscriptionSet(record.Subscriptions)
	for topic := range current {
		if !prior[topic] {
			members, ok := s.topics[topic]
			if !ok {
				members = make(map[string]SessionRef)
				s.topics[topic] = members
			}
			members[record.ConnectionID] = SessionRef{
				ConnectionID: record.ConnectionID, Node: record.Node,
			}
		}
	}
	for topic := range prior {
		if !current[topic] {
			if members, ok := s.topics[topic]; ok {
				delete(members, record.ConnectionID)
				if len(members) == 0 {
					delete(s.topics, topic)
				}
			}
		}
	}
	return nil
}

// Load fetch a session; nil without error when absent or expired
func (s *memorySessionStore) Load(ctxt context.Context, connectionID string) (*Session, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	stored := s.getLive(connectionID)
	if stored == nil {
		return nil, nil
	}
	copied := stored.record
	return &copied, nil
}

// Touch refresh the TTL and last-activity timestamp without a full save
func (s *memorySessionStore) Touch(ctxt context.Context, connectionID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	stored := s.getLive(connectionID)
	if stored == nil {
		return nil
	}
	stored.record.LastActive = s.nowFn().UTC()
	stored.expiresAt = s.nowFn().Add(s.ttl)
	return nil
}

// Delete remove a session outright
func (s *memorySessionStore) Delete(ctxt context.Context, connectionID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if stored, ok := s.sessions[connectionID]; ok {
		s.dropLocked(connectionID, &stored.record)
	}
	return nil
}

// SubscribersOf resolve every session subscribed to a topic
func (s *memorySessionStore) SubscribersOf(
	ctxt context.Context, topic string,
) ([]SessionRef, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	members, ok := s.topics[topic]
	if !ok {
		return nil, nil
	}
	refs := make([]SessionRef, 0, len(members))
	for connectionID, ref := range members {
		// Expired records drop out of the index in passing
		if s.getLive(connectionID) == nil {
			continue
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return nil, nil
	}
	log.WithFields(s.LogTags).Debugf("Topic '%s' has %d subscribers", topic, len(refs))
	return refs, nil
}
