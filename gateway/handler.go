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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/wsgate/auth"
	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/session"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// TopicPublisher forwards client published envelopes to the broadcast layer.
// The broadcast router implements this; the indirection keeps the dependency
// one way (broadcast imports gateway).
type TopicPublisher interface {
	// Publish fan a message out to every subscriber of the topic, fleet wide
	Publish(ctxt context.Context, topic string, envelope common.Envelope) error
}

// MessageHandlerParams parameters for defining a MessageHandler
type MessageHandlerParams struct {
	// Registry is the process local connection registry
	Registry ConnectionRegistry `validate:"required"`
	// Guard performs credential and anti-forgery checks
	Guard auth.HandshakeGuard `validate:"required"`
	// Sessions is the durable session store
	Sessions session.Store `validate:"required"`
	// Publisher forwards client publishes to the broadcast layer
	Publisher TopicPublisher `validate:"required"`
	// AuthTimeout is the window a connection gets to authenticate
	AuthTimeout time.Duration `validate:"required"`
	// SessionTTL bounds a session record's idle lifetime in the store
	SessionTTL time.Duration `validate:"required"`
	// ConnConfig is the per connection transport config
	ConnConfig common.ConnectionConfig
}

// MessageHandler drives authenticated message exchange on accepted connections.
// One instance serves every connection of the process.
type MessageHandler struct {
	common.Component
	registry    ConnectionRegistry
	guard       auth.HandshakeGuard
	sessions    session.Store
	publisher   TopicPublisher
	authTimeout time.Duration
	connConfig  common.ConnectionConfig
	validate    *validator.Validate
}

// GetMessageHandler define a MessageHandler
func GetMessageHandler(params MessageHandlerParams) (*MessageHandler, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "gateway", "component": "message-handler",
	}
	return &MessageHandler{
		Component:   common.Component{LogTags: logTags},
		registry:    params.Registry,
		guard:       params.Guard,
		sessions:    params.Sessions,
		publisher:   params.Publisher,
		authTimeout: params.AuthTimeout,
		connConfig:  params.ConnConfig,
		validate:    validate,
	}, nil
}

// HandleConnection drive one accepted connection to completion. Registers the
// connection, opens the auth window, and runs the read loop. Blocks until the
// transport closes; cleanup runs before return.
func (h *MessageHandler) HandleConnection(
	ctxt context.Context, conn *Connection, wg *sync.WaitGroup,
) error {
	if err := h.registry.Register(conn); err != nil {
		log.WithError(err).WithFields(h.LogTags).Warnf(
			"Refused connection from '%s'", conn.RemoteAddr(),
		)
		conn.Close(common.CloseReasonUnhealthy)
		return err
	}
	defer h.finishConnection(ctxt, conn)

	conn.setState(StateAuthenticating)
	conn.StartWritePump(time.Duration(h.connConfig.PingInterval)*time.Second, wg)

	// CSRF token travels in the welcome envelope and must come back in `auth`
	csrfToken := h.guard.IssueCSRFToken(conn.ID())
	authDeadline := time.Now().UTC().Add(h.authTimeout)
	if err := conn.Send(common.NewWelcomeEnvelope(conn.ID(), csrfToken, authDeadline)); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Welcome send failed on '%s'", conn.ID(),
		)
		conn.Close(common.CloseReasonProtocolError)
		return err
	}

	authTimer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("auth-window-%s", conn.ID()), conn.Context(), wg,
	)
	if err != nil {
		conn.Close(common.CloseReasonUnhealthy)
		return err
	}
	if err := authTimer.Start(h.authTimeout, func() error {
		if conn.State() == StateAuthenticating {
			log.WithFields(conn.LogTags).Info("Auth window lapsed")
			conn.Close(common.CloseReasonAuthTimeout)
		}
		return nil
	}, true); err != nil {
		conn.Close(common.CloseReasonUnhealthy)
		return err
	}
	defer func() {
		_ = authTimer.Stop()
	}()

	h.readLoop(ctxt, conn)
	return nil
}

// finishConnection tear down after the transport closed. The session record is
// deactivated, never deleted, so a reconnect within TTL can find it.
func (h *MessageHandler) finishConnection(ctxt context.Context, conn *Connection) {
	conn.Close("")
	h.registry.Deregister(conn.ID())
	record, err := h.sessions.Load(ctxt, conn.ID())
	if err != nil || record == nil {
		return
	}
	record.Active = false
	record.LastActive = time.Now().UTC()
	if err := h.sessions.Save(ctxt, record); err != nil {
		// Best effort; an expired or contested record is acceptable here
		log.WithError(err).WithFields(conn.LogTags).Debug("Session deactivation skipped")
	}
}

// readLoop pull frames off the transport until it closes
func (h *MessageHandler) readLoop(ctxt context.Context, conn *Connection) {
	// The transport backstop sits above the envelope cap so oversized frames
	// reach ParseEnvelope and get the documented error treatment
	conn.ws.SetReadLimit(h.connConfig.MaxEnvelopeBytes * 2)
	conn.ws.SetPongHandler(func(string) error {
		conn.touchActivity()
		return nil
	})
	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// The transport already told the peer the frame was too big;
				// record the protocol violation server side and tear down
				_ = conn.Send(common.NewErrorEnvelope(
					common.ErrCodeOversizedEnvelope, "envelope exceeds size limit", "",
				))
				conn.Close(common.CloseReasonProtocolError)
				return
			}
			log.WithError(err).WithFields(conn.LogTags).Debug("Read loop ending")
			return
		}
		if !conn.allowInbound() {
			// Idle scrutiny. The frame is discarded without counting as activity.
			_ = conn.Send(common.NewErrorEnvelope(
				common.ErrCodeRateLimited, "idle connection message rate exceeded", "",
			))
			continue
		}
		envelope, err := common.ParseEnvelope(frame, h.connConfig.MaxEnvelopeBytes)
		if err != nil {
			if h.handleMalformed(conn, err) {
				return
			}
			continue
		}
		conn.clearMalformedStreak()
		conn.touchActivity()
		if conn.Identity() != nil {
			// Store TTL tracks frame activity, not just state mutations
			if err := h.sessions.Touch(ctxt, conn.ID()); err != nil {
				log.WithError(err).WithFields(conn.LogTags).Debug("Session touch skipped")
			}
		}
		if h.dispatch(ctxt, conn, envelope) {
			return
		}
	}
}

// handleMalformed report one garbage frame, returning true once the connection
// must close
func (h *MessageHandler) handleMalformed(conn *Connection, cause error) bool {
	code := common.ErrCodeMalformedEnvelope
	message := cause.Error()
	var protoErr *common.ProtocolError
	if errors.As(cause, &protoErr) {
		code = protoErr.Code
		message = protoErr.Msg
	}
	_ = conn.Send(common.NewErrorEnvelope(code, message, ""))
	if conn.recordMalformed() {
		log.WithFields(conn.LogTags).Info("Malformed frame threshold breached")
		conn.Close(common.CloseReasonProtocolError)
		return true
	}
	return false
}

// dispatch process one well-formed envelope, returning true if the connection
// must terminate
func (h *MessageHandler) dispatch(
	ctxt context.Context, conn *Connection, envelope common.Envelope,
) bool {
	switch envelope.Type {
	case common.EnvelopePing:
		_ = conn.Send(common.NewPongEnvelope(envelope.ID))
		return false
	case common.EnvelopePong:
		return false
	case common.EnvelopeAuth:
		return h.handleAuth(ctxt, conn, envelope)
	case common.EnvelopeSubscribe:
		return h.handleSubscribe(ctxt, conn, envelope)
	case common.EnvelopeUnsubscribe:
		return h.handleUnsubscribe(ctxt, conn, envelope)
	case common.EnvelopePublish:
		return h.handlePublish(ctxt, conn, envelope)
	default:
		// Server originated tags are not accepted inbound
		_ = conn.Send(common.NewErrorEnvelope(
			common.ErrCodeMalformedEnvelope,
			fmt.Sprintf("unexpected envelope type '%s'", envelope.Type),
			envelope.ID,
		))
		return false
	}
}

// handleAuth process an `auth` envelope
func (h *MessageHandler) handleAuth(
	ctxt context.Context, conn *Connection, envelope common.Envelope,
) bool {
	payload, err := envelope.GetAuthPayload(h.validate)
	if err != nil {
		return h.handleMalformed(conn, err)
	}
	if conn.Identity() != nil {
		_ = conn.Send(common.NewErrorEnvelope(
			common.ErrCodeMalformedEnvelope, "connection already authenticated", envelope.ID,
		))
		return false
	}
	if err := h.guard.VerifyCSRFToken(conn.ID(), payload.CSRFToken); err != nil {
		log.WithError(err).WithFields(conn.LogTags).Warn("Anti-forgery token mismatch")
		conn.Close(common.CloseReasonCSRFMismatch)
		return true
	}
	identity, err := h.guard.Authenticate(ctxt, payload.Token)
	if err != nil {
		log.WithError(err).WithFields(conn.LogTags).Warn("Credential rejected")
		conn.Close(common.CloseReasonInvalidCredential)
		return true
	}
	conn.markAuthenticated(identity)
	if payload.ResumeConnectionID != "" {
		h.recoverSession(ctxt, conn, payload.ResumeConnectionID)
	}
	h.persistSession(ctxt, conn)
	_ = conn.Send(common.NewAckEnvelope(envelope.ID))
	return false
}

// recoverSession carry a prior connection's session state onto this connection.
// The prior record must belong to the same authenticated user; a stale, expired,
// or mismatched resume ID degrades to a fresh session.
func (h *MessageHandler) recoverSession(
	ctxt context.Context, conn *Connection, priorConnID string,
) {
	prior, err := h.sessions.Load(ctxt, priorConnID)
	if err != nil || prior == nil {
		log.WithFields(conn.LogTags).Infof("No session to recover from '%s'", priorConnID)
		return
	}
	identity := conn.Identity()
	if !prior.Authenticated || identity == nil || prior.UserID != identity.UserID {
		log.WithFields(conn.LogTags).Warnf(
			"Refused session recovery from '%s': identity mismatch", priorConnID,
		)
		return
	}
	for _, topic := range prior.Subscriptions {
		if err := h.registry.Subscribe(conn.ID(), topic); err != nil {
			log.WithError(err).WithFields(conn.LogTags).Warnf(
				"Recovered subscription to '%s' rejected", topic,
			)
		}
	}
	conn.setRecoveredMetadata(prior.Metadata)
	if err := h.sessions.Delete(ctxt, priorConnID); err != nil {
		log.WithError(err).WithFields(conn.LogTags).Warnf(
			"Prior session '%s' cleanup failed", priorConnID,
		)
	}
	log.WithFields(conn.LogTags).Infof(
		"Recovered session from '%s': %d subscriptions", priorConnID, len(prior.Subscriptions),
	)
}

// requireAuthenticated gate an operation on completed, still valid
// authentication. Returns the terminate flag and whether to proceed.
func (h *MessageHandler) requireAuthenticated(
	ctxt context.Context, conn *Connection, correlID string,
) (bool, bool) {
	identity := conn.Identity()
	if identity == nil {
		_ = conn.Send(common.NewErrorEnvelope(
			common.ErrCodeNotAuthenticated, "authenticate first", correlID,
		))
		return false, false
	}
	// Revocation is rechecked per message so mid-session revocation lands
	// within one round trip
	if err := h.guard.CheckStillValid(ctxt, identity.CredentialID); err != nil {
		log.WithError(err).WithFields(conn.LogTags).Warn("Credential no longer valid")
		conn.Close(common.CloseReasonInvalidCredential)
		return true, false
	}
	return false, true
}

// handleSubscribe process a `subscribe` envelope
func (h *MessageHandler) handleSubscribe(
	ctxt context.Context, conn *Connection, envelope common.Envelope,
) bool {
	terminate, ok := h.requireAuthenticated(ctxt, conn, envelope.ID)
	if !ok {
		return terminate
	}
	payload, err := envelope.GetSubscribePayload(h.validate)
	if err != nil {
		return h.handleMalformed(conn, err)
	}
	if err := h.registry.Subscribe(conn.ID(), payload.Topic); err != nil {
		code := common.ErrCodeMalformedEnvelope
		var protoErr *common.ProtocolError
		if errors.As(err, &protoErr) {
			code = protoErr.Code
		}
		_ = conn.Send(common.NewErrorEnvelope(code, err.Error(), envelope.ID))
		return false
	}
	h.persistSession(ctxt, conn)
	_ = conn.Send(common.NewAckEnvelope(envelope.ID))
	return false
}

// handleUnsubscribe process an `unsubscribe` envelope
func (h *MessageHandler) handleUnsubscribe(
	ctxt context.Context, conn *Connection, envelope common.Envelope,
) bool {
	terminate, ok := h.requireAuthenticated(ctxt, conn, envelope.ID)
	if !ok {
		return terminate
	}
	payload, err := envelope.GetSubscribePayload(h.validate)
	if err != nil {
		return h.handleMalformed(conn, err)
	}
	if err := h.registry.Unsubscribe(conn.ID(), payload.Topic); err != nil {
		_ = conn.Send(common.NewErrorEnvelope(
			common.ErrCodeMalformedEnvelope, err.Error(), envelope.ID,
		))
		return false
	}
	h.persistSession(ctxt, conn)
	_ = conn.Send(common.NewAckEnvelope(envelope.ID))
	return false
}

// handlePublish process a `publish` envelope
func (h *MessageHandler) handlePublish(
	ctxt context.Context, conn *Connection, envelope common.Envelope,
) bool {
	terminate, ok := h.requireAuthenticated(ctxt, conn, envelope.ID)
	if !ok {
		return terminate
	}
	payload, err := envelope.GetPublishPayload(h.validate)
	if err != nil {
		return h.handleMalformed(conn, err)
	}
	if err := common.ValidateTopicName(payload.Topic); err != nil {
		_ = conn.Send(common.NewErrorEnvelope(
			common.ErrCodeMalformedEnvelope, err.Error(), envelope.ID,
		))
		return false
	}
	outbound := common.NewPublishEnvelope(payload.Topic, payload.Data)
	if err := h.publisher.Publish(ctxt, payload.Topic, outbound); err != nil {
		log.WithError(err).WithFields(conn.LogTags).Errorf(
			"Publish to '%s' failed", payload.Topic,
		)
		_ = conn.Send(common.NewErrorEnvelope(
			common.ErrCodeDeliveryFailed, "publish rejected", envelope.ID,
		))
		return false
	}
	_ = conn.Send(common.NewAckEnvelope(envelope.ID))
	return false
}

// persistSession push the connection's current projection into the store.
// Failures are logged, not surfaced; the reconciler repairs drift.
func (h *MessageHandler) persistSession(ctxt context.Context, conn *Connection) {
	record := SessionProjection(conn)
	if existing, err := h.sessions.Load(ctxt, conn.ID()); err == nil && existing != nil {
		record.Version = existing.Version
		record.Metadata = existing.Metadata
	}
	if err := h.sessions.Save(ctxt, &record); err != nil {
		log.WithError(err).WithFields(conn.LogTags).Warn("Session projection save failed")
	}
}
