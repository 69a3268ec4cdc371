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
	"encoding/json"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wsgate/auth"
	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/core"
	"github.com/alwitt/wsgate/gateway"
	"github.com/alwitt/wsgate/session"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestGatewayManagementHandler REST handler for gateway administration
type APIRestGatewayManagementHandler struct {
	goutils.RestAPIHandler
	revocations auth.RevocationList
	registry    gateway.ConnectionRegistry
	publisher   gateway.TopicPublisher
	sessions    session.Store
	store       core.RedisClient
	validate    *validator.Validate
}

// GetAPIRestGatewayManagementHandler define APIRestGatewayManagementHandler
func GetAPIRestGatewayManagementHandler(
	revocations auth.RevocationList,
	registry gateway.ConnectionRegistry,
	publisher gateway.TopicPublisher,
	sessions session.Store,
	store core.RedisClient,
	httpConfig *common.HTTPConfig,
) (APIRestGatewayManagementHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "gateway-management",
	}
	return APIRestGatewayManagementHandler{
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
		revocations: revocations,
		registry:    registry,
		publisher:   publisher,
		sessions:    sessions,
		store:       store,
		validate:    validator.New(),
	}, nil
}

// Write implements io.Writer so the handler can receive the HTTP access logs
func (h APIRestGatewayManagementHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Credential revocation

// APIRestReqRevocation request body for revoking a credential
type APIRestReqRevocation struct {
	// CredentialID identifies the credential being revoked
	CredentialID string `json:"credential_id" validate:"required"`
	// UserID is the owning principal
	UserID string `json:"user_id"`
	// Reason records why the credential is revoked
	Reason string `json:"reason"`
	// ExpiresAt is the credential's original expiry. The revocation record
	// lives exactly this long.
	ExpiresAt time.Time `json:"expires_at" validate:"required"`
}

// RevokeCredential godoc
// @Summary Revoke a credential
// @Description Mark a credential revoked for its remaining lifetime. Sessions
// authenticated with it fail their next per-message check.
// @tags Management
// @Accept json
// @Produce json
// @Param Wsgate-Request-ID header string false "User provided request ID to match against logs"
// @Param revocation body APIRestReqRevocation true "Revocation request"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Wsgate-Request-ID "Request ID to match against logs"
// @Router /v1/admin/revocation [post]
func (h APIRestGatewayManagementHandler) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request APIRestReqRevocation
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Invalid revocation request"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	entry := auth.RevokedCredential{
		CredentialID: request.CredentialID,
		UserID:       request.UserID,
		Reason:       request.Reason,
		ExpiresAt:    request.ExpiresAt,
	}
	if err := h.revocations.Revoke(r.Context(), entry); err != nil {
		msg := "Unable to record revocation"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// RevokeCredentialHandler Wrapper around RevokeCredential
func (h APIRestGatewayManagementHandler) RevokeCredentialHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RevokeCredential(w, r)
	}
}

// =======================================================================
// Connection listing

// APIRestRespConnectionInfo adhoc structure for presenting one live connection
type APIRestRespConnectionInfo struct {
	// ConnectionID is the gateway assigned connection identifier
	ConnectionID string `json:"connection_id" validate:"required"`
	// Remote is the peer's network address
	Remote string `json:"remote"`
	// State is the connection's protocol state
	State string `json:"state" validate:"required"`
	// UserID is the authenticated principal, empty before authentication
	UserID string `json:"user_id,omitempty"`
	// Subscriptions is the connection's topic subscription set
	Subscriptions []string `json:"subscriptions,omitempty"`
	// LastActive is the last activity timestamp
	LastActive time.Time `json:"last_active"`
}

// APIRestRespConnectionList response for listing this node's connections
type APIRestRespConnectionList struct {
	goutils.RestAPIBaseResponse
	// Connections the set of live connections on this node
	Connections []APIRestRespConnectionInfo `json:"connections"`
}

// ListConnections godoc
// @Summary List live connections
// @Description Query the live connections held by this gateway process
// @tags Management
// @Produce json
// @Param Wsgate-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespConnectionList "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Wsgate-Request-ID "Request ID to match against logs"
// @Router /v1/admin/connections [get]
func (h APIRestGatewayManagementHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	live := h.registry.Connections()
	converted := make([]APIRestRespConnectionInfo, 0, len(live))
	for _, conn := range live {
		info := APIRestRespConnectionInfo{
			ConnectionID:  conn.ID(),
			Remote:        conn.RemoteAddr(),
			State:         conn.State().String(),
			Subscriptions: conn.Subscriptions(),
			LastActive:    conn.LastActivity(),
		}
		if identity := conn.Identity(); identity != nil {
			info.UserID = identity.UserID
		}
		converted = append(converted, info)
	}
	resp := APIRestRespConnectionList{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Connections: converted,
	}

	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ListConnectionsHandler Wrapper around ListConnections
func (h APIRestGatewayManagementHandler) ListConnectionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListConnections(w, r)
	}
}

// =======================================================================
// Server side broadcast

// APIRestReqBroadcast request body for publishing a business event
type APIRestReqBroadcast struct {
	// Topic is the topic to publish against
	Topic string `json:"topic" validate:"required"`
	// Data is the opaque message content
	Data json.RawMessage `json:"data" validate:"required"`
}

// Broadcast godoc
// @Summary Publish a message to a topic
// @Description Fan a server originated message out to every subscriber of the
// topic across the gateway fleet
// @tags Management
// @Accept json
// @Produce json
// @Param Wsgate-Request-ID header string false "User provided request ID to match against logs"
// @Param message body APIRestReqBroadcast true "Message to publish"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Wsgate-Request-ID "Request ID to match against logs"
// @Router /v1/admin/broadcast [post]
func (h APIRestGatewayManagementHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request APIRestReqBroadcast
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Invalid broadcast request"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := common.ValidateTopicName(request.Topic); err != nil {
		msg := "Invalid topic name"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	envelope := common.NewPublishEnvelope(request.Topic, request.Data)
	if err := h.publisher.Publish(r.Context(), request.Topic, envelope); err != nil {
		msg := "Unable to publish message"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// BroadcastHandler Wrapper around Broadcast
func (h APIRestGatewayManagementHandler) BroadcastHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Broadcast(w, r)
	}
}

// =======================================================================
// Topic introspection

// APIRestRespTopicSubscribers response for listing a topic's subscribers
type APIRestRespTopicSubscribers struct {
	goutils.RestAPIBaseResponse
	// Topic is the topic queried
	Topic string `json:"topic" validate:"required"`
	// Subscribers locates every subscribed session across the fleet
	Subscribers []session.SessionRef `json:"subscribers"`
}

// ListTopicSubscribers godoc
// @Summary List a topic's subscribers
// @Description Resolve every session subscribed to a topic across the gateway
// fleet, as recorded in the shared session store
// @tags Management
// @Produce json
// @Param Wsgate-Request-ID header string false "User provided request ID to match against logs"
// @Param topicName path string true "Topic name"
// @Success 200 {object} APIRestRespTopicSubscribers "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Wsgate-Request-ID "Request ID to match against logs"
// @Router /v1/admin/topic/{topicName}/subscriber [get]
func (h APIRestGatewayManagementHandler) ListTopicSubscribers(
	w http.ResponseWriter, r *http.Request,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	topic, ok := vars["topicName"]
	if !ok {
		msg := "No topic name provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := common.ValidateTopicName(topic); err != nil {
		msg := "Invalid topic name"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	subscribers, err := h.sessions.SubscribersOf(r.Context(), topic)
	if err != nil {
		msg := "Unable to resolve topic subscribers"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespTopicSubscribers{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Topic: topic, Subscribers: subscribers,
	}
}

// ListTopicSubscribersHandler Wrapper around ListTopicSubscribers
func (h APIRestGatewayManagementHandler) ListTopicSubscribersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListTopicSubscribers(w, r)
	}
}

// =======================================================================
// Health checks

// Alive godoc
// @Summary For gateway REST API liveness check
// @Description Will return success to indicate gateway REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestGatewayManagementHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayManagementHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For gateway REST API readiness check
// @Description Will return success once the shared store is reachable
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestGatewayManagementHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.store.Ready(r.Context()); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	} else {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayManagementHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
