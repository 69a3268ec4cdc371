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
	"errors"
	"time"
)

// ErrVersionConflict a save carried a version the store has already advanced
// past. The caller must reload and reapply.
var ErrVersionConflict = errors.New("session version conflict")

// Session the durable projection of a live connection. The owning process
// treats its local connection as the authoritative copy and periodically
// reconciles it into the store; other processes only ever read the projection.
type Session struct {
	// ConnectionID is the owning connection's identifier
	ConnectionID string `json:"connection_id" validate:"required"`
	// Node identifies the gateway process holding the connection
	Node string `json:"node" validate:"required"`
	// UserID is the authenticated principal, empty until authentication
	UserID string `json:"user_id,omitempty"`
	// CredentialID identifies the credential the session authenticated with
	CredentialID string `json:"credential_id,omitempty"`
	// Authenticated indicates the connection completed authentication
	Authenticated bool `json:"authenticated"`
	// Active indicates the connection is currently open on its node. Cleared on
	// close; the record itself survives for reconnect until TTL or logout.
	Active bool `json:"active"`
	// Subscriptions is the session's topic subscription set
	Subscriptions []string `json:"subscriptions,omitempty"`
	// Metadata is an open key/value bag validated only by consuming collaborators
	Metadata map[string]string `json:"metadata,omitempty"`
	// LastActive is the last activity timestamp
	LastActive time.Time `json:"last_active"`
	// Version is the monotonic counter backing optimistic saves
	Version int64 `json:"version"`
}

// SessionRef locates a session's connection within the fleet
type SessionRef struct {
	// ConnectionID is the connection's identifier
	ConnectionID string `json:"connection_id"`
	// Node identifies the gateway process holding the connection
	Node string `json:"node"`
}

// Store durable, cross-process record of connection identity and subscriptions
type Store interface {
	// Save upsert a session, advancing its version. Fails with ErrVersionConflict
	// if the stored version moved past the version the caller last read.
	Save(ctxt context.Context, record *Session) error
	// Load fetch a session; nil without error when absent or expired
	Load(ctxt context.Context, connectionID string) (*Session, error)
	// Touch refresh the TTL and last-activity timestamp without a full save
	Touch(ctxt context.Context, connectionID string) error
	// Delete remove a session outright; used for explicit logout
	Delete(ctxt context.Context, connectionID string) error
	// SubscribersOf resolve every session subscribed to a topic across the fleet
	SubscribersOf(ctxt context.Context, topic string) ([]SessionRef, error)
}

// subscriptionSet index helper for diffing subscription lists
func subscriptionSet(subscriptions []string) map[string]bool {
	result := make(map[string]bool, len(subscriptions))
	for _, topic := range subscriptions {
		result[topic] = true
	}
	return result
}
