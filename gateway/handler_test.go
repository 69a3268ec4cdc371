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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wsgate/auth"
	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/session"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

const handlerTestSigningKey = "handler-unit-test-key"

// recordingPublisher TopicPublisher capturing forwarded publishes
type recordingPublisher struct {
	lock      sync.Mutex
	published []common.Envelope
	fail      bool
}

func (p *recordingPublisher) Publish(
	ctxt context.Context, topic string, envelope common.Envelope,
) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.fail {
		return fmt.Errorf("bus unavailable")
	}
	p.published = append(p.published, envelope)
	return nil
}

func (p *recordingPublisher) count() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.published)
}

// handlerTestFixture everything one message handler test run needs
type handlerTestFixture struct {
	handler   *MessageHandler
	registry  ConnectionRegistry
	sessions  session.Store
	publisher *recordingPublisher
}

func getHandlerTestFixture(t *testing.T, authTimeout time.Duration) handlerTestFixture {
	validator, err := auth.GetJWTCredentialValidator([]byte(handlerTestSigningKey))
	assert.Nil(t, err)
	revocations, err := auth.GetMemoryRevocationList()
	assert.Nil(t, err)
	guard, err := auth.GetHandshakeGuard(common.AuthConfig{
		AllowedOrigins:   []string{"https://app.example.com"},
		HandshakeTimeout: 10,
		TokenSigningKey:  handlerTestSigningKey,
	}, validator, revocations)
	assert.Nil(t, err)
	registry, err := GetConnectionRegistry(10, 8, "unit-test")
	assert.Nil(t, err)
	sessions, err := session.GetMemorySessionStore(time.Minute * 10)
	assert.Nil(t, err)
	publisher := &recordingPublisher{}
	handler, err := GetMessageHandler(MessageHandlerParams{
		Registry:    registry,
		Guard:       guard,
		Sessions:    sessions,
		Publisher:   publisher,
		AuthTimeout: authTimeout,
		SessionTTL:  time.Minute * 10,
		ConnConfig: common.ConnectionConfig{
			MaxEnvelopeBytes:  4096,
			OutboundBufferLen: 16,
			IdleAfter:         60,
			MaxConnections:    10,
			PingInterval:      30,
		},
	})
	assert.Nil(t, err)
	return handlerTestFixture{
		handler: handler, registry: registry, sessions: sessions, publisher: publisher,
	}
}

// getHandlerTestWsPair open a live websocket, returning both ends
func getHandlerTestWsPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		assert.Nil(t, err)
		serverSide <- ws
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(t, err)
	server := <-serverSide
	return server, client, func() {
		_ = client.Close()
		_ = server.Close()
		srv.Close()
	}
}

// startHandledConnection run HandleConnection against the server end of a
// websocket, returning the connection and its completion channel
func (f handlerTestFixture) startHandledConnection(
	t *testing.T, ws *websocket.Conn, ctxt context.Context, wg *sync.WaitGroup,
) (*Connection, chan error) {
	conn, err := GetConnection(ConnectionParams{
		WS:         ws,
		Node:       "unit-test-node",
		RemoteAddr: "127.0.0.1",
		Config: common.ConnectionConfig{
			MaxEnvelopeBytes:  4096,
			OutboundBufferLen: 16,
			IdleAfter:         60,
			MaxConnections:    10,
			PingInterval:      30,
		},
		IdleAfter: time.Minute,
	}, ctxt)
	assert.Nil(t, err)
	done := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		done <- f.handler.HandleConnection(ctxt, conn, wg)
	}()
	return conn, done
}

func handlerTestToken(t *testing.T, userID string) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID, "exp": time.Now().Add(time.Hour).Unix(), "jti": uuid.NewString(),
	}).SignedString([]byte(handlerTestSigningKey))
	assert.Nil(t, err)
	return signed
}

func clientSendEnvelope(t *testing.T, client *websocket.Conn, envelope common.Envelope) {
	serialized, err := envelope.Encode()
	assert.Nil(t, err)
	assert.Nil(t, client.WriteMessage(websocket.TextMessage, serialized))
}

func clientReadEnvelope(t *testing.T, client *websocket.Conn) common.Envelope {
	assert.Nil(t, client.SetReadDeadline(time.Now().Add(time.Second*2)))
	_, data, err := client.ReadMessage()
	assert.Nil(t, err)
	envelope, err := common.ParseEnvelope(data, 65536)
	assert.Nil(t, err)
	return envelope
}

// clientReadWelcome read the welcome envelope off a fresh connection
func clientReadWelcome(t *testing.T, client *websocket.Conn) common.WelcomePayload {
	envelope := clientReadEnvelope(t, client)
	assert.Equal(t, common.EnvelopeWelcome, envelope.Type)
	var payload common.WelcomePayload
	assert.Nil(t, json.Unmarshal(envelope.Payload, &payload))
	return payload
}

// clientReadClose read until the peer closes, returning the close reason
func clientReadClose(t *testing.T, client *websocket.Conn) string {
	assert.Nil(t, client.SetReadDeadline(time.Now().Add(time.Second*2)))
	for {
		_, _, err := client.ReadMessage()
		if err == nil {
			continue
		}
		if closeErr, ok := err.(*websocket.CloseError); ok {
			return closeErr.Text
		}
		return err.Error()
	}
}

func TestMessageHandlerLifecycle(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	fixture := getHandlerTestFixture(t, time.Second*5)
	server, client, cleanup := getHandlerTestWsPair(t)
	defer cleanup()
	conn, done := fixture.startHandledConnection(t, server, utCtxt, &wg)

	// Case 0: the welcome envelope opens the exchange
	welcome := clientReadWelcome(t, client)
	assert.Equal(conn.ID(), welcome.ConnectionID)
	assert.NotEmpty(welcome.CSRFToken)

	// Case 1: operations before authentication are refused
	{
		payload, _ := json.Marshal(&common.SubscribePayload{Topic: "alerts"})
		clientSendEnvelope(t, client, common.Envelope{
			Type: common.EnvelopeSubscribe, Payload: payload, ID: "early-0",
		})
		response := clientReadEnvelope(t, client)
		assert.Equal(common.EnvelopeError, response.Type)
		assert.Equal("early-0", response.ID)
		var errPayload common.ErrorPayload
		assert.Nil(json.Unmarshal(response.Payload, &errPayload))
		assert.Equal(common.ErrCodeNotAuthenticated, errPayload.Code)
	}

	// Case 2: authentication with the echoed token and a valid credential
	{
		payload, _ := json.Marshal(&common.AuthPayload{
			Token: handlerTestToken(t, "unit-tester"), CSRFToken: welcome.CSRFToken,
		})
		clientSendEnvelope(t, client, common.Envelope{
			Type: common.EnvelopeAuth, Payload: payload, ID: "auth-0",
		})
		response := clientReadEnvelope(t, client)
		assert.Equal(common.EnvelopeAck, response.Type)
		assert.Equal("auth-0", response.ID)
	}

	// Case 3: subscription lands in the registry and the durable session
	{
		payload, _ := json.Marshal(&common.SubscribePayload{Topic: "alerts"})
		clientSendEnvelope(t, client, common.Envelope{
			Type: common.EnvelopeSubscribe, Payload: payload, ID: "sub-0",
		})
		response := clientReadEnvelope(t, client)
		assert.Equal(common.EnvelopeAck, response.Type)
		assert.Equal("sub-0", response.ID)
		assert.Len(fixture.registry.LocalSubscribers("alerts"), 1)
		record, err := fixture.sessions.Load(utCtxt, conn.ID())
		assert.Nil(err)
		assert.NotNil(record)
		assert.True(record.Authenticated)
		assert.Equal("unit-tester", record.UserID)
		assert.Equal([]string{"alerts"}, record.Subscriptions)
		assert.True(record.Active)
	}

	// Case 4: publishes forward to the broadcast layer
	{
		payload, _ := json.Marshal(&common.PublishPayload{
			Topic: "alerts", Data: json.RawMessage(`{"k":1}`),
		})
		clientSendEnvelope(t, client, common.Envelope{
			Type: common.EnvelopePublish, Payload: payload, ID: "pub-0",
		})
		response := clientReadEnvelope(t, client)
		assert.Equal(common.EnvelopeAck, response.Type)
		assert.Equal(1, fixture.publisher.count())
	}

	// Case 5: protocol level ping answered with correlated pong
	{
		clientSendEnvelope(t, client, common.Envelope{
			Type: common.EnvelopePing, ID: "ping-0",
		})
		response := clientReadEnvelope(t, client)
		assert.Equal(common.EnvelopePong, response.Type)
		assert.Equal("ping-0", response.ID)
	}

	// Case 6: transport closure deactivates the session without deleting it
	{
		assert.Nil(client.Close())
		select {
		case err := <-done:
			assert.Nil(err)
		case <-time.After(time.Second * 2):
			assert.Fail("handler did not finish after transport closure")
		}
		assert.Equal(0, fixture.registry.Count())
		record, err := fixture.sessions.Load(utCtxt, conn.ID())
		assert.Nil(err)
		assert.NotNil(record)
		assert.False(record.Active)
	}
}

func TestMessageHandlerMalformedFrames(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	fixture := getHandlerTestFixture(t, time.Second*5)
	server, client, cleanup := getHandlerTestWsPair(t)
	defer cleanup()
	_, done := fixture.startHandledConnection(t, server, utCtxt, &wg)
	clientReadWelcome(t, client)

	// Case 0: each garbage frame earns an error envelope
	for itr := 0; itr < 3; itr++ {
		assert.Nil(client.WriteMessage(websocket.TextMessage, []byte("not an envelope")))
		response := clientReadEnvelope(t, client)
		assert.Equal(common.EnvelopeError, response.Type)
		var errPayload common.ErrorPayload
		assert.Nil(json.Unmarshal(response.Payload, &errPayload))
		assert.Equal(common.ErrCodeMalformedEnvelope, errPayload.Code)
	}

	// Case 1: the third consecutive garbage frame closes the connection
	assert.Equal(common.CloseReasonProtocolError, clientReadClose(t, client))
	select {
	case <-done:
	case <-time.After(time.Second * 2):
		assert.Fail("handler did not finish after forced closure")
	}
}

func TestMessageHandlerAuthFailures(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	fixture := getHandlerTestFixture(t, time.Second*5)

	// Case 0: a forged anti-forgery token terminates the connection
	{
		server, client, cleanup := getHandlerTestWsPair(t)
		defer cleanup()
		_, done := fixture.startHandledConnection(t, server, utCtxt, &wg)
		clientReadWelcome(t, client)
		payload, _ := json.Marshal(&common.AuthPayload{
			Token: handlerTestToken(t, "unit-tester"), CSRFToken: uuid.NewString(),
		})
		clientSendEnvelope(t, client, common.Envelope{
			Type: common.EnvelopeAuth, Payload: payload, ID: "auth-0",
		})
		assert.Equal(common.CloseReasonCSRFMismatch, clientReadClose(t, client))
		<-done
	}

	// Case 1: a bad credential with a good anti-forgery token also terminates
	{
		server, client, cleanup := getHandlerTestWsPair(t)
		defer cleanup()
		_, done := fixture.startHandledConnection(t, server, utCtxt, &wg)
		welcome := clientReadWelcome(t, client)
		payload, _ := json.Marshal(&common.AuthPayload{
			Token: "not-a-credential", CSRFToken: welcome.CSRFToken,
		})
		clientSendEnvelope(t, client, common.Envelope{
			Type: common.EnvelopeAuth, Payload: payload, ID: "auth-0",
		})
		assert.Equal(common.CloseReasonInvalidCredential, clientReadClose(t, client))
		<-done
	}
}

func TestMessageHandlerSessionRecovery(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	fixture := getHandlerTestFixture(t, time.Second*5)

	// Case 0: a connection authenticates, subscribes, then drops. The session
	// record survives deactivated.
	var priorConnID string
	{
		server, client, cleanup := getHandlerTestWsPair(t)
		defer cleanup()
		conn, done := fixture.startHandledConnection(t, server, utCtxt, &wg)
		priorConnID = conn.ID()
		welcome := clientReadWelcome(t, client)
		payload, _ := json.Marshal(&common.AuthPayload{
			Token: handlerTestToken(t, "unit-tester"), CSRFToken: welcome.CSRFToken,
		})
		clientSendEnvelope(t, client, common.Envelope{
			Type: common.EnvelopeAuth, Payload: payload, ID: "auth-0",
		})
		assert.Equal(common.EnvelopeAck, clientReadEnvelope(t, client).Type)
		subPayload, _ := json.Marshal(&common.SubscribePayload{Topic: "alerts"})
		clientSendEnvelope(t, client, common.Envelope{
			Type: common.EnvelopeSubscribe, Payload: subPayload, ID: "sub-0",
		})
		assert.Equal(common.EnvelopeAck, clientReadEnvelope(t, client).Type)
		assert.Nil(client.Close())
		<-done
		record, err := fixture.sessions.Load(utCtxt, priorConnID)
		assert.Nil(err)
		assert.NotNil(record)
		assert.False(record.Active)
		assert.Equal([]string{"alerts"}, record.Subscriptions)
	}

	// Case 1: a different user presenting the prior connection ID does not
	// inherit its session
	{
		server, client, cleanup := getHandlerTestWsPair(t)
		defer cleanup()
		conn, done := fixture.startHandledConnection(t, server, utCtxt, &wg)
		welcome := clientReadWelcome(t, client)
		payload, _ := json.Marshal(&common.AuthPayload{
			Token:              handlerTestToken(t, "someone-else"),
			CSRFToken:          welcome.CSRFToken,
			ResumeConnectionID: priorConnID,
		})
		clientSendEnvelope(t, client, common.Envelope{
			Type: common.EnvelopeAuth, Payload: payload, ID: "auth-0",
		})
		assert.Equal(common.EnvelopeAck, clientReadEnvelope(t, client).Type)
		assert.Empty(conn.Subscriptions())
		record, err := fixture.sessions.Load(utCtxt, priorConnID)
		assert.Nil(err)
		assert.NotNil(record)
		assert.Nil(client.Close())
		<-done
	}

	// Case 2: the same user reconnecting within the session TTL recovers the
	// subscription set unchanged; the prior record is retired
	{
		server, client, cleanup := getHandlerTestWsPair(t)
		defer cleanup()
		conn, done := fixture.startHandledConnection(t, server, utCtxt, &wg)
		welcome := clientReadWelcome(t, client)
		payload, _ := json.Marshal(&common.AuthPayload{
			Token:              handlerTestToken(t, "unit-tester"),
			CSRFToken:          welcome.CSRFToken,
			ResumeConnectionID: priorConnID,
		})
		clientSendEnvelope(t, client, common.Envelope{
			Type: common.EnvelopeAuth, Payload: payload, ID: "auth-0",
		})
		assert.Equal(common.EnvelopeAck, clientReadEnvelope(t, client).Type)
		assert.Equal([]string{"alerts"}, conn.Subscriptions())
		assert.Len(fixture.registry.LocalSubscribers("alerts"), 1)
		record, err := fixture.sessions.Load(utCtxt, conn.ID())
		assert.Nil(err)
		assert.NotNil(record)
		assert.Equal([]string{"alerts"}, record.Subscriptions)
		prior, err := fixture.sessions.Load(utCtxt, priorConnID)
		assert.Nil(err)
		assert.Nil(prior)
		assert.Nil(client.Close())
		<-done
	}
}

func TestMessageHandlerActivityRefreshesSession(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	fixture := getHandlerTestFixture(t, time.Second*5)
	server, client, cleanup := getHandlerTestWsPair(t)
	defer cleanup()
	conn, _ := fixture.startHandledConnection(t, server, utCtxt, &wg)
	welcome := clientReadWelcome(t, client)
	payload, _ := json.Marshal(&common.AuthPayload{
		Token: handlerTestToken(t, "unit-tester"), CSRFToken: welcome.CSRFToken,
	})
	clientSendEnvelope(t, client, common.Envelope{
		Type: common.EnvelopeAuth, Payload: payload, ID: "auth-0",
	})
	assert.Equal(common.EnvelopeAck, clientReadEnvelope(t, client).Type)

	// Case 0: an inbound frame with no session mutation still moves the
	// record's activity timestamp
	before, err := fixture.sessions.Load(utCtxt, conn.ID())
	assert.Nil(err)
	assert.NotNil(before)
	time.Sleep(time.Millisecond * 20)
	clientSendEnvelope(t, client, common.Envelope{Type: common.EnvelopePing, ID: "ping-0"})
	assert.Equal(common.EnvelopePong, clientReadEnvelope(t, client).Type)
	after, err := fixture.sessions.Load(utCtxt, conn.ID())
	assert.Nil(err)
	assert.NotNil(after)
	assert.True(after.LastActive.After(before.LastActive))
}

func TestMessageHandlerOversizedFrames(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	fixture := getHandlerTestFixture(t, time.Second*5)
	server, client, cleanup := getHandlerTestWsPair(t)
	defer cleanup()
	conn, done := fixture.startHandledConnection(t, server, utCtxt, &wg)
	clientReadWelcome(t, client)

	// Case 0: a frame over the envelope cap but under the transport backstop
	// earns the oversize error envelope and the connection stays usable
	{
		assert.Nil(client.WriteMessage(
			websocket.TextMessage, []byte(strings.Repeat("x", 5000)),
		))
		response := clientReadEnvelope(t, client)
		assert.Equal(common.EnvelopeError, response.Type)
		var errPayload common.ErrorPayload
		assert.Nil(json.Unmarshal(response.Payload, &errPayload))
		assert.Equal(common.ErrCodeOversizedEnvelope, errPayload.Code)
		clientSendEnvelope(t, client, common.Envelope{Type: common.EnvelopePing, ID: "ping-0"})
		assert.Equal(common.EnvelopePong, clientReadEnvelope(t, client).Type)
	}

	// Case 1: a frame over the transport backstop closes the transport with
	// "message too big" and the gateway records a protocol violation
	{
		assert.Nil(client.WriteMessage(
			websocket.TextMessage, []byte(strings.Repeat("y", 10000)),
		))
		assert.Nil(client.SetReadDeadline(time.Now().Add(time.Second * 2)))
		for {
			_, _, err := client.ReadMessage()
			if err == nil {
				continue
			}
			closeErr, ok := err.(*websocket.CloseError)
			assert.True(ok)
			if ok {
				assert.Equal(websocket.CloseMessageTooBig, closeErr.Code)
			}
			break
		}
		select {
		case <-done:
		case <-time.After(time.Second * 2):
			assert.Fail("handler did not finish after transport closure")
		}
		assert.Equal(common.CloseReasonProtocolError, conn.CloseReason())
		assert.Equal(0, fixture.registry.Count())
	}
}

func TestMessageHandlerAuthWindow(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	fixture := getHandlerTestFixture(t, time.Millisecond*200)
	server, client, cleanup := getHandlerTestWsPair(t)
	defer cleanup()
	_, done := fixture.startHandledConnection(t, server, utCtxt, &wg)
	clientReadWelcome(t, client)

	// Case 0: silence through the auth window forces closure
	assert.Equal(common.CloseReasonAuthTimeout, clientReadClose(t, client))
	select {
	case <-done:
	case <-time.After(time.Second * 2):
		assert.Fail("handler did not finish after auth window lapsed")
	}
}
