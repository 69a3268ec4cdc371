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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wsgate/auth"
	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/gateway"
	"github.com/alwitt/wsgate/ratelimit"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// APIRestGatewayHandler REST handler for the websocket upgrade endpoint
type APIRestGatewayHandler struct {
	goutils.RestAPIHandler
	core       *gateway.MessageHandler
	guard      auth.HandshakeGuard
	limiter    ratelimit.RateLimiter
	node       string
	connConfig common.ConnectionConfig
	upgrader   websocket.Upgrader
	operating  context.Context
	wg         *sync.WaitGroup
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
func GetAPIRestGatewayHandler(
	core *gateway.MessageHandler,
	guard auth.HandshakeGuard,
	limiter ratelimit.RateLimiter,
	node string,
	connConfig common.ConnectionConfig,
	httpConfig *common.HTTPConfig,
	operating context.Context,
	wg *sync.WaitGroup,
) (APIRestGatewayHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "gateway-connect",
		"instance":  node,
	}
	return APIRestGatewayHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		core:    core,
		guard:   guard,
		limiter: limiter,
		node:    node,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The standalone origin check already ran by the time Upgrade is called
			CheckOrigin: func(r *http.Request) bool {
				return guard.CheckOrigin(r.Header.Get("Origin")) == nil
			},
		},
		connConfig: connConfig,
		operating:  operating,
		wg:         wg,
	}, nil
}

// Connect godoc
// @Summary Establish a websocket connection
// @Description Upgrade to websocket after origin and rate limit admission. The
// gateway answers with a `welcome` envelope carrying the anti-forgery token to
// echo back in the `auth` envelope.
// @tags Gateway
// @Param Wsgate-Request-ID header string false "User provided request ID to match against logs"
// @Success 101 {string} string "protocol switch"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 403,429,500 {string} Wsgate-Request-ID "Request ID to match against logs"
// @Router /v1/connect [get]
func (h APIRestGatewayHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	// Origin gate runs before any other handshake work
	origin := r.Header.Get("Origin")
	if err := h.guard.CheckOrigin(origin); err != nil {
		log.WithError(err).WithFields(localLogTags).Infof("Rejected origin '%s'", origin)
		resp := h.GetStdRESTErrorMsg(
			r.Context(), http.StatusForbidden, "origin not allowed", err.Error(),
		)
		if err := h.WriteRESTResponse(w, http.StatusForbidden, resp, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	// Admission control classifies by presented credential: a valid bearer
	// token binds the check to the user, otherwise the caller's network
	// identity applies
	remoteIP := clientAddress(r)
	identity := ratelimit.AnonymousIdentity(remoteIP)
	credentialed := false
	if token := bearerCredential(r); token != "" {
		if authIdentity, err := h.guard.Authenticate(r.Context(), token); err == nil {
			identity = ratelimit.CredentialedIdentity(authIdentity.UserID)
			credentialed = true
		} else {
			log.WithError(err).WithFields(localLogTags).Info(
				"Presented credential rejected, applying anonymous limits",
			)
		}
	}
	decision, err := h.limiter.Check(r.Context(), identity, credentialed)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Admission check failed")
		resp := h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, "admission check failed", err.Error(),
		)
		if err := h.WriteRESTResponse(w, http.StatusInternalServerError, resp, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
	if !decision.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", decision.ResetAt.Unix()))
	}
	if !decision.Allowed {
		if decision.RetryAfter > 0 {
			w.Header().Set(
				"Retry-After", fmt.Sprintf("%d", int64(decision.RetryAfter.Seconds())+1),
			)
		}
		log.WithFields(localLogTags).Infof("Throttled '%s'", identity)
		resp := h.GetStdRESTErrorMsg(
			r.Context(), http.StatusTooManyRequests, "rate limited", decision.Err().Error(),
		)
		if err := h.WriteRESTResponse(w, http.StatusTooManyRequests, resp, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	// Past this point failures can no longer be reported as REST responses
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client
		log.WithError(err).WithFields(localLogTags).Info("Websocket upgrade failed")
		if err := h.limiter.Release(h.operating, identity); err != nil {
			log.WithError(err).WithFields(localLogTags).Debug("Admission release failed")
		}
		return
	}

	conn, err := gateway.GetConnection(gateway.ConnectionParams{
		WS:         ws,
		Node:       h.node,
		RemoteAddr: remoteIP,
		Config:     h.connConfig,
		IdleAfter:  time.Duration(h.connConfig.IdleAfter) * time.Second,
	}, h.operating)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define connection")
		_ = ws.Close()
		if err := h.limiter.Release(h.operating, identity); err != nil {
			log.WithError(err).WithFields(localLogTags).Debug("Admission release failed")
		}
		return
	}

	log.WithFields(localLogTags).Infof(
		"Accepted connection '%s' from '%s'", conn.ID(), remoteIP,
	)
	// Serve the connection to completion within this request handler
	defer func() {
		if err := h.limiter.Release(h.operating, identity); err != nil {
			log.WithError(err).WithFields(localLogTags).Debug("Admission release failed")
		}
	}()
	_ = h.core.HandleConnection(h.operating, conn, h.wg)
}

// ConnectHandler Wrapper around Connect
func (h APIRestGatewayHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}
