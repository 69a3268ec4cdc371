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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestEnvelopeParsing(t *testing.T) {
	assert := assert.New(t)

	// Case 0: well formed envelope
	{
		raw := []byte(`{"type": "subscribe", "payload": {"topic": "orders"}, "id": "req-1"}`)
		uut, err := ParseEnvelope(raw, 1024)
		assert.Nil(err)
		assert.Equal(EnvelopeSubscribe, uut.Type)
		assert.Equal("req-1", uut.ID)
	}

	// Case 1: not JSON
	{
		_, err := ParseEnvelope([]byte("not json at all"), 1024)
		assert.NotNil(err)
		var protoErr *ProtocolError
		assert.ErrorAs(err, &protoErr)
		assert.Equal(ErrCodeMalformedEnvelope, protoErr.Code)
	}

	// Case 2: unknown type tag
	{
		_, err := ParseEnvelope([]byte(`{"type": "bogus"}`), 1024)
		assert.NotNil(err)
		var protoErr *ProtocolError
		assert.ErrorAs(err, &protoErr)
		assert.Equal(ErrCodeMalformedEnvelope, protoErr.Code)
	}

	// Case 3: oversized frame
	{
		raw := []byte(fmt.Sprintf(
			`{"type": "publish", "payload": {"topic": "t", "data": "%s"}}`,
			strings.Repeat("x", 256),
		))
		_, err := ParseEnvelope(raw, 64)
		assert.NotNil(err)
		var protoErr *ProtocolError
		assert.ErrorAs(err, &protoErr)
		assert.Equal(ErrCodeOversizedEnvelope, protoErr.Code)
	}

	// Case 4: frame exactly at the cap passes
	{
		raw := []byte(`{"type": "ping"}`)
		uut, err := ParseEnvelope(raw, int64(len(raw)))
		assert.Nil(err)
		assert.Equal(EnvelopePing, uut.Type)
	}
}

func TestEnvelopePayloadDecoding(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	// Case 0: auth payload round trip
	{
		raw := []byte(`{"type": "auth", "payload": {"token": "tk", "csrf_token": "ck"}}`)
		uut, err := ParseEnvelope(raw, 1024)
		assert.Nil(err)
		payload, err := uut.GetAuthPayload(validate)
		assert.Nil(err)
		assert.Equal("tk", payload.Token)
		assert.Equal("ck", payload.CSRFToken)
	}

	// Case 1: auth payload missing the CSRF token
	{
		raw := []byte(`{"type": "auth", "payload": {"token": "tk"}}`)
		uut, err := ParseEnvelope(raw, 1024)
		assert.Nil(err)
		_, err = uut.GetAuthPayload(validate)
		assert.NotNil(err)
	}

	// Case 2: subscribe payload missing the topic
	{
		raw := []byte(`{"type": "subscribe", "payload": {}}`)
		uut, err := ParseEnvelope(raw, 1024)
		assert.Nil(err)
		_, err = uut.GetSubscribePayload(validate)
		assert.NotNil(err)
	}

	// Case 3: publish payload with opaque data
	{
		raw := []byte(`{"type": "publish", "payload": {"topic": "t1", "data": {"k": 1}}}`)
		uut, err := ParseEnvelope(raw, 1024)
		assert.Nil(err)
		payload, err := uut.GetPublishPayload(validate)
		assert.Nil(err)
		assert.Equal("t1", payload.Topic)
		assert.Equal(json.RawMessage(`{"k": 1}`), payload.Data)
	}
}

func TestEnvelopeBuilders(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	// Case 0: error envelope carries the correlation ID
	{
		uut := NewErrorEnvelope(ErrCodeNotAuthenticated, "authenticate first", "req-9")
		assert.Equal(EnvelopeError, uut.Type)
		assert.Equal("req-9", uut.ID)
		var payload ErrorPayload
		assert.Nil(json.Unmarshal(uut.Payload, &payload))
		assert.Equal(ErrCodeNotAuthenticated, payload.Code)
	}

	// Case 1: welcome envelope survives an encode / parse round trip
	{
		deadline := time.Now().UTC().Add(time.Second * 10)
		original := NewWelcomeEnvelope("conn-1", "csrf-1", deadline)
		serialized, err := original.Encode()
		assert.Nil(err)
		reparsed, err := ParseEnvelope(serialized, int64(len(serialized))+1)
		assert.Nil(err)
		assert.Equal(EnvelopeWelcome, reparsed.Type)
		var payload WelcomePayload
		assert.Nil(json.Unmarshal(reparsed.Payload, &payload))
		assert.Nil(validate.Struct(&payload))
		assert.Equal("conn-1", payload.ConnectionID)
		assert.Equal("csrf-1", payload.CSRFToken)
	}

	// Case 2: pong echoes the ping correlation ID
	{
		uut := NewPongEnvelope("ping-3")
		assert.Equal(EnvelopePong, uut.Type)
		assert.Equal("ping-3", uut.ID)
	}
}

func TestTopicNameValidation(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(ValidateTopicName("orders"))
	assert.Nil(ValidateTopicName("orders_2024-q1"))
	assert.NotNil(ValidateTopicName(""))
	assert.NotNil(ValidateTopicName("orders/with/slash"))
	assert.NotNil(ValidateTopicName(strings.Repeat("a", 129)))
}
