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

package gateway

import (
	"fmt"
	"sync"

	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/session"
	"github.com/apex/log"
)

// TopicObserver receives notifications when a topic gains its first local
// subscriber or loses its last one. The broadcast router uses this to maintain
// its standing bus subscriptions.
type TopicObserver interface {
	// TopicActive the topic now has local subscribers
	TopicActive(topic string)
	// TopicIdle the topic no longer has local subscribers
	TopicIdle(topic string)
}

// ConnectionRegistry the live, in-memory map of connections held by this
// process. Process local; no cross process coordination happens here.
type ConnectionRegistry interface {
	// Register admit a connection into the registry
	Register(conn *Connection) error
	// Deregister remove a connection. Safe against unknown IDs.
	Deregister(connID string)
	// Get fetch a live connection handle
	Get(connID string) (*Connection, bool)
	// Send deliver an envelope to a locally held connection. Fails with
	// ErrNotFound if it closed concurrently, ErrBackpressure if its outbound
	// buffer is full. Never blocks the caller.
	Send(connID string, envelope common.Envelope) error
	// Subscribe record a topic subscription for a connection
	Subscribe(connID, topic string) error
	// Unsubscribe drop a topic subscription for a connection
	Unsubscribe(connID, topic string) error
	// LocalSubscribers fetch the connections subscribed to a topic on this process
	LocalSubscribers(topic string) []*Connection
	// ActiveTopics fetch the topics with at least one local subscriber
	ActiveTopics() []string
	// Count fetch the number of registered connections
	Count() int
	// Connections snapshot the registered connections
	Connections() []*Connection
	// SetTopicObserver install the observer for topic activity transitions
	SetTopicObserver(observer TopicObserver)
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock             sync.RWMutex
	connections      map[string]*Connection
	topicIndex       map[string]map[string]*Connection
	maxConnections   int
	maxSubscriptions int
	observer         TopicObserver
}

// GetConnectionRegistry define a ConnectionRegistry
func GetConnectionRegistry(
	maxConnections, maxSubscriptions int, instance string,
) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component:        common.Component{LogTags: logTags},
		connections:      make(map[string]*Connection),
		topicIndex:       make(map[string]map[string]*Connection),
		maxConnections:   maxConnections,
		maxSubscriptions: maxSubscriptions,
	}, nil
}

// SetTopicObserver install the observer for topic activity transitions
func (r *connectionRegistryImpl) SetTopicObserver(observer TopicObserver) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.observer = observer
}

// Register admit a connection into the registry
func (r *connectionRegistryImpl) Register(conn *Connection) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.connections) >= r.maxConnections {
		return fmt.Errorf("connection pool exhausted (%d)", r.maxConnections)
	}
	r.connections[conn.ID()] = conn
	log.WithFields(r.LogTags).Debugf(
		"Registered '%s' (%d live)", conn.ID(), len(r.connections),
	)
	return nil
}

// Deregister remove a connection and all of its topic index entries
func (r *connectionRegistryImpl) Deregister(connID string) {
	r.lock.Lock()
	conn, ok := r.connections[connID]
	if !ok {
		r.lock.Unlock()
		return
	}
	delete(r.connections, connID)
	idledTopics := make([]string, 0)
	for _, topic := range conn.Subscriptions() {
		if members, ok := r.topicIndex[topic]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(r.topicIndex, topic)
				idledTopics = append(idledTopics, topic)
			}
		}
	}
	observer := r.observer
	remaining := len(r.connections)
	r.lock.Unlock()

	log.WithFields(r.LogTags).Debugf("Deregistered '%s' (%d live)", connID, remaining)
	if observer != nil {
		for _, topic := range idledTopics {
			observer.TopicIdle(topic)
		}
	}
}

// Get fetch a live connection handle
func (r *connectionRegistryImpl) Get(connID string) (*Connection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// Send deliver an envelope to a locally held connection
func (r *connectionRegistryImpl) Send(connID string, envelope common.Envelope) error {
	r.lock.RLock()
	conn, ok := r.connections[connID]
	r.lock.RUnlock()
	if !ok {
		return common.ErrNotFound
	}
	return conn.Send(envelope)
}

// Subscribe record a topic subscription for a connection
func (r *connectionRegistryImpl) Subscribe(connID, topic string) error {
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	r.lock.Lock()
	conn, ok := r.connections[connID]
	if !ok {
		r.lock.Unlock()
		return common.ErrNotFound
	}
	if !conn.addSubscription(topic, r.maxSubscriptions) {
		r.lock.Unlock()
		return &common.ProtocolError{
			Code: common.ErrCodeSubscriptionLimit,
			Msg:  fmt.Sprintf("subscription cap (%d) reached", r.maxSubscriptions),
		}
	}
	members, existed := r.topicIndex[topic]
	if !existed {
		members = make(map[string]*Connection)
		r.topicIndex[topic] = members
	}
	members[connID] = conn
	firstSubscriber := !existed
	observer := r.observer
	r.lock.Unlock()

	log.WithFields(r.LogTags).Debugf("'%s' subscribed to '%s'", connID, topic)
	if firstSubscriber && observer != nil {
		observer.TopicActive(topic)
	}
	return nil
}

// Unsubscribe drop a topic subscription for a connection
func (r *connectionRegistryImpl) Unsubscribe(connID, topic string) error {
	r.lock.Lock()
	conn, ok := r.connections[connID]
	if !ok {
		r.lock.Unlock()
		return common.ErrNotFound
	}
	conn.removeSubscription(topic)
	lastSubscriber := false
	if members, ok := r.topicIndex[topic]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.topicIndex, topic)
			lastSubscriber = true
		}
	}
	observer := r.observer
	r.lock.Unlock()

	log.WithFields(r.LogTags).Debugf("'%s' unsubscribed from '%s'", connID, topic)
	if lastSubscriber && observer != nil {
		observer.TopicIdle(topic)
	}
	return nil
}

// LocalSubscribers fetch the connections subscribed to a topic on this process.
// Cost scales with the topic's local subscriber count, not total connections.
func (r *connectionRegistryImpl) LocalSubscribers(topic string) []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	members, ok := r.topicIndex[topic]
	if !ok {
		return nil
	}
	result := make([]*Connection, 0, len(members))
	for _, conn := range members {
		result = append(result, conn)
	}
	return result
}

// ActiveTopics fetch the topics with at least one local subscriber
func (r *connectionRegistryImpl) ActiveTopics() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	topics := make([]string, 0, len(r.topicIndex))
	for topic := range r.topicIndex {
		topics = append(topics, topic)
	}
	return topics
}

// Count fetch the number of registered connections
func (r *connectionRegistryImpl) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.connections)
}

// Connections snapshot the registered connections
func (r *connectionRegistryImpl) Connections() []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		result = append(result, conn)
	}
	return result
}

// SessionProjection build the durable projection of a live connection
func SessionProjection(conn *Connection) session.Session {
	projection := session.Session{
		ConnectionID:  conn.ID(),
		Node:          conn.Node(),
		Authenticated: false,
		Active:        conn.State() < StateClosing,
		Subscriptions: conn.Subscriptions(),
		Metadata:      conn.Metadata(),
		LastActive:    conn.LastActivity(),
	}
	if identity := conn.Identity(); identity != nil {
		projection.Authenticated = true
		projection.UserID = identity.UserID
		projection.CredentialID = identity.CredentialID
	}
	return projection
}
