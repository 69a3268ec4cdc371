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

package apis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wsgate/auth"
	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/gateway"
	"github.com/alwitt/wsgate/ratelimit"
	"github.com/alwitt/wsgate/session"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

const connectTestOrigin = "https://app.example.com"

func TestGatewayConnectAdmission(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	connConfig := common.ConnectionConfig{
		MaxEnvelopeBytes:  4096,
		OutboundBufferLen: 16,
		IdleAfter:         60,
		MaxConnections:    10,
		PingInterval:      30,
	}

	validator, err := auth.GetJWTCredentialValidator([]byte("connect-unit-test-key"))
	assert.Nil(err)
	revocations, err := auth.GetMemoryRevocationList()
	assert.Nil(err)
	guard, err := auth.GetHandshakeGuard(common.AuthConfig{
		AllowedOrigins:   []string{connectTestOrigin},
		HandshakeTimeout: 10,
		TokenSigningKey:  "connect-unit-test-key",
	}, validator, revocations)
	assert.Nil(err)
	limiter, err := ratelimit.GetLocalRateLimiter(common.RateLimitConfig{
		Anonymous:     common.RateWindowConfig{PerMinute: 2},
		Credentialed:  common.RateWindowConfig{PerMinute: 100},
		MaxConcurrent: 5,
	})
	assert.Nil(err)
	registry, err := gateway.GetConnectionRegistry(10, 8, "unit-test")
	assert.Nil(err)
	sessions, err := session.GetMemorySessionStore(time.Minute * 10)
	assert.Nil(err)
	msgHandler, err := gateway.GetMessageHandler(gateway.MessageHandlerParams{
		Registry:    registry,
		Guard:       guard,
		Sessions:    sessions,
		Publisher:   &stubTopicPublisher{},
		AuthTimeout: time.Second * 5,
		SessionTTL:  time.Minute * 10,
		ConnConfig:  connConfig,
	})
	assert.Nil(err)

	uut, err := GetAPIRestGatewayHandler(
		msgHandler, guard, limiter, "unit-test", connConfig, &common.HTTPConfig{
			Logging: common.HTTPRequestLogging{
				RequestIDHeader: "Wsgate-Request-ID",
			},
		}, utCtxt, &wg,
	)
	assert.Nil(err)

	srv := httptest.NewServer(uut.ConnectHandler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	// Case 0: handshake without an allowed origin rejected before any upgrade
	{
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.NotNil(err)
		assert.NotNil(resp)
		assert.Equal(http.StatusForbidden, resp.StatusCode)
	}

	// Case 1: admitted handshake upgrades and opens with a welcome envelope
	{
		client, _, err := websocket.DefaultDialer.Dial(
			wsURL, http.Header{"Origin": []string{connectTestOrigin}},
		)
		assert.Nil(err)
		assert.Nil(client.SetReadDeadline(time.Now().Add(time.Second * 2)))
		_, data, err := client.ReadMessage()
		assert.Nil(err)
		envelope, err := common.ParseEnvelope(data, 65536)
		assert.Nil(err)
		assert.Equal(common.EnvelopeWelcome, envelope.Type)
		var welcome common.WelcomePayload
		assert.Nil(json.Unmarshal(envelope.Payload, &welcome))
		assert.NotEmpty(welcome.CSRFToken)
		assert.Nil(client.Close())
	}

	// Case 2: the admission window exhausts and further handshakes throttle
	{
		client, _, err := websocket.DefaultDialer.Dial(
			wsURL, http.Header{"Origin": []string{connectTestOrigin}},
		)
		assert.Nil(err)
		assert.Nil(client.Close())

		_, resp, err := websocket.DefaultDialer.Dial(
			wsURL, http.Header{"Origin": []string{connectTestOrigin}},
		)
		assert.NotNil(err)
		assert.NotNil(resp)
		assert.Equal(http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal("2", resp.Header.Get("X-RateLimit-Limit"))
		assert.Equal("0", resp.Header.Get("X-RateLimit-Remaining"))
		assert.NotEmpty(resp.Header.Get("Retry-After"))
		assert.NotEmpty(resp.Header.Get("X-RateLimit-Reset"))
	}
}

// recordingLimiter RateLimiter stub capturing how each check was classified
type recordingLimiter struct {
	lock         sync.Mutex
	identities   []string
	credentialed []bool
}

func (r *recordingLimiter) Check(
	ctxt context.Context, identity string, credentialed bool,
) (ratelimit.Decision, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.identities = append(r.identities, identity)
	r.credentialed = append(r.credentialed, credentialed)
	return ratelimit.Decision{Allowed: true, Limit: 100, Remaining: 99}, nil
}

func (r *recordingLimiter) Release(ctxt context.Context, identity string) error {
	return nil
}

func connectTestToken(t *testing.T, userID string) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID, "exp": time.Now().Add(time.Hour).Unix(), "jti": uuid.NewString(),
	}).SignedString([]byte("connect-unit-test-key"))
	assert.Nil(t, err)
	return signed
}

func TestGatewayConnectCredentialClassification(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	connConfig := common.ConnectionConfig{
		MaxEnvelopeBytes:  4096,
		OutboundBufferLen: 16,
		IdleAfter:         60,
		MaxConnections:    10,
		PingInterval:      30,
	}

	validator, err := auth.GetJWTCredentialValidator([]byte("connect-unit-test-key"))
	assert.Nil(err)
	revocations, err := auth.GetMemoryRevocationList()
	assert.Nil(err)
	guard, err := auth.GetHandshakeGuard(common.AuthConfig{
		AllowedOrigins:   []string{connectTestOrigin},
		HandshakeTimeout: 10,
		TokenSigningKey:  "connect-unit-test-key",
	}, validator, revocations)
	assert.Nil(err)
	limiter := &recordingLimiter{}
	registry, err := gateway.GetConnectionRegistry(10, 8, "unit-test")
	assert.Nil(err)
	sessions, err := session.GetMemorySessionStore(time.Minute * 10)
	assert.Nil(err)
	msgHandler, err := gateway.GetMessageHandler(gateway.MessageHandlerParams{
		Registry:    registry,
		Guard:       guard,
		Sessions:    sessions,
		Publisher:   &stubTopicPublisher{},
		AuthTimeout: time.Second * 5,
		SessionTTL:  time.Minute * 10,
		ConnConfig:  connConfig,
	})
	assert.Nil(err)

	uut, err := GetAPIRestGatewayHandler(
		msgHandler, guard, limiter, "unit-test", connConfig, &common.HTTPConfig{
			Logging: common.HTTPRequestLogging{
				RequestIDHeader: "Wsgate-Request-ID",
			},
		}, utCtxt, &wg,
	)
	assert.Nil(err)

	srv := httptest.NewServer(uut.ConnectHandler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	// Case 0: no credential presented, the check runs against the caller's
	// network identity under anonymous limits
	{
		client, _, err := websocket.DefaultDialer.Dial(
			wsURL, http.Header{"Origin": []string{connectTestOrigin}},
		)
		assert.Nil(err)
		assert.Nil(client.Close())
		assert.Len(limiter.identities, 1)
		assert.True(strings.HasPrefix(limiter.identities[0], "ip:"))
		assert.False(limiter.credentialed[0])
	}

	// Case 1: a valid bearer credential binds the check to the user under
	// credentialed limits
	{
		client, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
			"Origin":        []string{connectTestOrigin},
			"Authorization": []string{"Bearer " + connectTestToken(t, "conn-tester")},
		})
		assert.Nil(err)
		assert.Nil(client.Close())
		assert.Len(limiter.identities, 2)
		assert.Equal(ratelimit.CredentialedIdentity("conn-tester"), limiter.identities[1])
		assert.True(limiter.credentialed[1])
	}

	// Case 2: an invalid bearer credential degrades to anonymous treatment
	{
		client, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
			"Origin":        []string{connectTestOrigin},
			"Authorization": []string{"Bearer not-a-credential"},
		})
		assert.Nil(err)
		assert.Nil(client.Close())
		assert.Len(limiter.identities, 3)
		assert.True(strings.HasPrefix(limiter.identities[2], "ip:"))
		assert.False(limiter.credentialed[2])
	}
}
