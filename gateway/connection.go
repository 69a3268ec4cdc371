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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/wsgate/auth"
	"github.com/alwitt/wsgate/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ConnState protocol state of one connection
type ConnState int

// Connection state machine:
// Connecting -> Authenticating -> Active <-> Idle -> Closing -> Closed.
// Idle derives from inactivity while Active; it marks the connection for closer
// rate scrutiny without closing it.
const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateActive
	StateIdle
	StateClosing
	StateClosed
)

// String implements fmt.Stringer
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// consecutiveMalformedLimit forced closure threshold for garbage frames
const consecutiveMalformedLimit = 3

// writeDeadline max duration for one outbound frame write
const writeDeadline = time.Second * 10

// ConnectionParams parameters for defining a new Connection
type ConnectionParams struct {
	// WS is the accepted websocket transport
	WS *websocket.Conn
	// Node identifies this gateway process
	Node string `validate:"required"`
	// RemoteAddr is the peer's network address
	RemoteAddr string `validate:"required"`
	// Config is the per connection transport config
	Config common.ConnectionConfig
	// IdleAfter inactivity period before the Idle sub-state applies
	IdleAfter time.Duration
}

// Connection one live transport-level session, owned exclusively by the
// registry of the process that accepted it. Only its session projection is ever
// shared across processes.
type Connection struct {
	common.Component
	id         string
	node       string
	remoteAddr string
	ws         *websocket.Conn

	lock          sync.Mutex
	state         ConnState
	identity      *auth.Identity
	subscriptions map[string]bool
	metadata      map[string]string
	lastActivity  time.Time
	createdAt     time.Time

	outbound  chan common.Envelope
	ctxt      context.Context
	ctxtClose context.CancelFunc

	idleAfter       time.Duration
	idleLimiter     *rate.Limiter
	malformedStreak int
	deliveryDrops   int64

	closeReason string
}

// GetConnection define a Connection around an accepted transport
func GetConnection(params ConnectionParams, rootCtxt context.Context) (*Connection, error) {
	connID := uuid.New().String()
	logTags := log.Fields{
		"module":     "gateway",
		"component":  "connection",
		"connection": connID,
		"remote":     params.RemoteAddr,
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	now := time.Now().UTC()
	return &Connection{
		Component:     common.Component{LogTags: logTags},
		id:            connID,
		node:          params.Node,
		remoteAddr:    params.RemoteAddr,
		ws:            params.WS,
		state:         StateConnecting,
		subscriptions: make(map[string]bool),
		lastActivity:  now,
		createdAt:     now,
		outbound:      make(chan common.Envelope, params.Config.OutboundBufferLen),
		ctxt:          ctxt,
		ctxtClose:     cancel,
		idleAfter:     params.IdleAfter,
		// Scrutiny applied to inbound traffic only while Idle
		idleLimiter: rate.NewLimiter(rate.Limit(1), 5),
	}, nil
}

// ID fetch the connection identifier
func (c *Connection) ID() string {
	return c.id
}

// Node fetch the owning process identifier
func (c *Connection) Node() string {
	return c.node
}

// RemoteAddr fetch the peer's network address
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Context fetch the connection's lifecycle context
func (c *Connection) Context() context.Context {
	return c.ctxt
}

// State fetch the current protocol state, deriving the Idle sub-state from
// inactivity
func (c *Connection) State() ConnState {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == StateActive && time.Since(c.lastActivity) >= c.idleAfter {
		return StateIdle
	}
	return c.state
}

// setState transition the state machine
func (c *Connection) setState(newState ConnState) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == StateClosed {
		return
	}
	log.WithFields(c.LogTags).Debugf("State %s -> %s", c.state, newState)
	c.state = newState
}

// Identity fetch the authenticated identity, nil until authenticated
func (c *Connection) Identity() *auth.Identity {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.identity
}

// markAuthenticated record a successful authentication and enter Active
func (c *Connection) markAuthenticated(identity auth.Identity) {
	c.lock.Lock()
	c.identity = &identity
	c.state = StateActive
	c.lock.Unlock()
	log.WithFields(c.LogTags).Infof("Authenticated as '%s'", identity.UserID)
}

// touchActivity refresh the last-activity timestamp
func (c *Connection) touchActivity() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastActivity = time.Now().UTC()
}

// LastActivity fetch the last-activity timestamp
func (c *Connection) LastActivity() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lastActivity
}

// Subscriptions fetch a copy of the subscribed topic set
func (c *Connection) Subscriptions() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

// setRecoveredMetadata carry metadata over from a recovered session
func (c *Connection) setRecoveredMetadata(metadata map[string]string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.metadata = metadata
}

// Metadata fetch the session metadata bag, nil unless recovered
func (c *Connection) Metadata() map[string]string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.metadata
}

// addSubscription record a topic subscription within the cardinality bound
func (c *Connection) addSubscription(topic string, bound int) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.subscriptions[topic] {
		return true
	}
	if len(c.subscriptions) >= bound {
		return false
	}
	c.subscriptions[topic] = true
	return true
}

// removeSubscription drop a topic subscription
func (c *Connection) removeSubscription(topic string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.subscriptions, topic)
}

// Send queue an envelope for ordered delivery to this connection. Never blocks
// the caller; a full outbound buffer fails with ErrBackpressure.
func (c *Connection) Send(envelope common.Envelope) error {
	if c.State() >= StateClosing {
		return common.ErrNotFound
	}
	select {
	case c.outbound <- envelope:
		return nil
	case <-c.ctxt.Done():
		return common.ErrNotFound
	default:
		return common.ErrBackpressure
	}
}

// RecordDeliveryDrop count one broadcast delivery dropped under backpressure,
// returning the accumulated total
func (c *Connection) RecordDeliveryDrop() int64 {
	return atomic.AddInt64(&c.deliveryDrops, 1)
}

// recordMalformed count one malformed inbound frame, returning true once the
// consecutive threshold is breached
func (c *Connection) recordMalformed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.malformedStreak++
	return c.malformedStreak >= consecutiveMalformedLimit
}

// clearMalformedStreak reset the malformed frame streak after a good frame
func (c *Connection) clearMalformedStreak() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.malformedStreak = 0
}

// allowInbound apply Idle sub-state scrutiny to one inbound frame
func (c *Connection) allowInbound() bool {
	if c.State() != StateIdle {
		return true
	}
	return c.idleLimiter.Allow()
}

// Close terminate the connection with a reason code the client can inspect.
// Idempotent; the first reason wins.
func (c *Connection) Close(reasonCode string) {
	c.lock.Lock()
	if c.state >= StateClosing {
		c.lock.Unlock()
		return
	}
	c.state = StateClosing
	c.closeReason = reasonCode
	c.lock.Unlock()

	log.WithFields(c.LogTags).Infof("Closing: %s", reasonCode)
	deadline := time.Now().Add(time.Second)
	frame := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reasonCode)
	if reasonCode == "" {
		frame = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
	if err := c.ws.WriteControl(websocket.CloseMessage, frame, deadline); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Close frame write failed")
	}
	c.ctxtClose()
	_ = c.ws.Close()
	c.setStateClosed()
}

// CloseReason fetch the recorded close reason code
func (c *Connection) CloseReason() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closeReason
}

func (c *Connection) setStateClosed() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.state = StateClosed
}

// StartWritePump run the ordered outbound queue drain. Messages queued through
// Send reach the wire in call order; the pump exits with the connection context.
func (c *Connection) StartWritePump(pingInterval time.Duration, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(c.LogTags).Debug("Write pump exiting")
		pingTicker := time.NewTicker(pingInterval)
		defer pingTicker.Stop()
		for {
			select {
			case <-c.ctxt.Done():
				return
			case envelope := <-c.outbound:
				serialized, err := envelope.Encode()
				if err != nil {
					log.WithError(err).WithFields(c.LogTags).Error("Envelope encode failed")
					continue
				}
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := c.ws.WriteMessage(websocket.TextMessage, serialized); err != nil {
					log.WithError(err).WithFields(c.LogTags).Debug("Transport write failed")
					c.Close(common.CloseReasonProtocolError)
					return
				}
			case <-pingTicker.C:
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.WithError(err).WithFields(c.LogTags).Debug("Keepalive write failed")
					c.Close(common.CloseReasonProtocolError)
					return
				}
			}
		}
	}()
}
