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

package common

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
)

// Envelope type tags
const (
	EnvelopeAuth        = "auth"
	EnvelopeSubscribe   = "subscribe"
	EnvelopeUnsubscribe = "unsubscribe"
	EnvelopePublish     = "publish"
	EnvelopeAck         = "ack"
	EnvelopeError       = "error"
	EnvelopePing        = "ping"
	EnvelopePong        = "pong"
	EnvelopeWelcome     = "welcome"
)

// Envelope is the wire-level unit exchanged over a connection. The payload shape
// is determined by the type tag.
type Envelope struct {
	// Type is the discriminated type tag
	Type string `json:"type" validate:"required,oneof=auth subscribe unsubscribe publish ack error ping pong welcome"`
	// Payload is the tag specific payload, decoded on demand
	Payload json.RawMessage `json:"payload,omitempty"`
	// ID is an optional correlation ID. Responses reuse it when present.
	ID string `json:"id,omitempty"`
}

// AuthPayload payload of an `auth` envelope
type AuthPayload struct {
	// Token is the opaque bearer credential
	Token string `json:"token" validate:"required"`
	// CSRFToken must echo the anti-forgery token issued at upgrade time
	CSRFToken string `json:"csrf_token" validate:"required"`
	// ResumeConnectionID optionally names a prior connection whose session
	// state should be recovered onto this connection
	ResumeConnectionID string `json:"resume_connection_id,omitempty"`
}

// SubscribePayload payload of `subscribe` and `unsubscribe` envelopes
type SubscribePayload struct {
	// Topic is the topic name being subscribed to / unsubscribed from
	Topic string `json:"topic" validate:"required"`
}

// PublishPayload payload of a `publish` envelope
type PublishPayload struct {
	// Topic is the topic the message is published against
	Topic string `json:"topic" validate:"required"`
	// Data is the opaque message content
	Data json.RawMessage `json:"data" validate:"required"`
}

// ErrorPayload payload of an `error` envelope
type ErrorPayload struct {
	// Code names the violated constraint
	Code string `json:"code" validate:"required"`
	// Message describes the violation
	Message string `json:"message,omitempty"`
}

// WelcomePayload payload of the `welcome` envelope sent after upgrade
type WelcomePayload struct {
	// ConnectionID is the gateway assigned connection identifier
	ConnectionID string `json:"connection_id" validate:"required"`
	// CSRFToken is the anti-forgery token to echo back in the `auth` envelope
	CSRFToken string `json:"csrf_token" validate:"required"`
	// AuthDeadline is when the authentication window closes
	AuthDeadline time.Time `json:"auth_deadline"`
}

// ParseEnvelope decode one inbound frame into an Envelope. Frames over sizeLimit
// bytes or failing decode are rejected with ProtocolError and mutate nothing.
func ParseEnvelope(data []byte, sizeLimit int64) (Envelope, error) {
	if int64(len(data)) > sizeLimit {
		return Envelope{}, &ProtocolError{
			Code: ErrCodeOversizedEnvelope,
			Msg:  "envelope exceeds size limit",
		}
	}
	var parsed Envelope
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Envelope{}, NewProtocolError("envelope decode failed: %s", err)
	}
	if err := validator.New().Struct(&parsed); err != nil {
		return Envelope{}, NewProtocolError("envelope rejected: %s", err)
	}
	return parsed, nil
}

// Encode serialize the envelope for transmission
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(&e)
}

// decodePayload unpack and validate the payload into target
func (e Envelope) decodePayload(target interface{}, validate *validator.Validate) error {
	if len(e.Payload) == 0 {
		return NewProtocolError("'%s' envelope carries no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return NewProtocolError("'%s' payload decode failed: %s", e.Type, err)
	}
	if err := validate.Struct(target); err != nil {
		return NewProtocolError("'%s' payload rejected: %s", e.Type, err)
	}
	return nil
}

// GetAuthPayload unpack the payload of an `auth` envelope
func (e Envelope) GetAuthPayload(validate *validator.Validate) (AuthPayload, error) {
	var payload AuthPayload
	err := e.decodePayload(&payload, validate)
	return payload, err
}

// GetSubscribePayload unpack the payload of a `subscribe` / `unsubscribe` envelope
func (e Envelope) GetSubscribePayload(validate *validator.Validate) (SubscribePayload, error) {
	var payload SubscribePayload
	err := e.decodePayload(&payload, validate)
	return payload, err
}

// GetPublishPayload unpack the payload of a `publish` envelope
func (e Envelope) GetPublishPayload(validate *validator.Validate) (PublishPayload, error) {
	var payload PublishPayload
	err := e.decodePayload(&payload, validate)
	return payload, err
}

// NewErrorEnvelope build an `error` envelope naming a violated constraint
func NewErrorEnvelope(code, message, correlationID string) Envelope {
	payload, _ := json.Marshal(&ErrorPayload{Code: code, Message: message})
	return Envelope{Type: EnvelopeError, Payload: payload, ID: correlationID}
}

// NewAckEnvelope build an `ack` envelope correlated against a client request
func NewAckEnvelope(correlationID string) Envelope {
	return Envelope{Type: EnvelopeAck, ID: correlationID}
}

// NewPongEnvelope build the `pong` reply for a `ping` envelope
func NewPongEnvelope(correlationID string) Envelope {
	return Envelope{Type: EnvelopePong, ID: correlationID}
}

// NewWelcomeEnvelope build the `welcome` envelope opening the auth window
func NewWelcomeEnvelope(connID, csrfToken string, authDeadline time.Time) Envelope {
	payload, _ := json.Marshal(&WelcomePayload{
		ConnectionID: connID, CSRFToken: csrfToken, AuthDeadline: authDeadline,
	})
	return Envelope{Type: EnvelopeWelcome, Payload: payload}
}

// NewPublishEnvelope build a `publish` envelope carrying a topic message
func NewPublishEnvelope(topic string, data json.RawMessage) Envelope {
	payload, _ := json.Marshal(&PublishPayload{Topic: topic, Data: data})
	return Envelope{Type: EnvelopePublish, Payload: payload}
}
