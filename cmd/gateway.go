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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/wsgate/apis"
	"github.com/alwitt/wsgate/auth"
	"github.com/alwitt/wsgate/broadcast"
	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/core"
	"github.com/alwitt/wsgate/gateway"
	"github.com/alwitt/wsgate/ratelimit"
	"github.com/alwitt/wsgate/session"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// buildRateLimiter assemble the admission control stack per config. The shared
// backend fronts a local fallback; a local only deployment skips the store.
func buildRateLimiter(
	config common.RateLimitConfig, store core.RedisClient,
) (ratelimit.RateLimiter, error) {
	local, err := ratelimit.GetLocalRateLimiter(config)
	if err != nil {
		return nil, err
	}
	primary := local
	fallback := ratelimit.RateLimiter(nil)
	if config.Shared {
		shared, err := ratelimit.GetSharedRateLimiter(store, config)
		if err != nil {
			return nil, err
		}
		primary = shared
		fallback = local
	}
	return ratelimit.GetRateLimitController(
		config, primary, fallback, func(err error) {
			log.WithError(err).Warn("Admission control degraded to local counters")
		},
	)
}

// buildEventBus assemble the configured broadcast bus backend
func buildEventBus(
	config common.BroadcastConfig,
	store core.RedisClient,
	natsClient *core.NatsClient,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) (broadcast.EventBus, error) {
	if config.Bus == "nats" {
		if natsClient == nil {
			return nil, fmt.Errorf("nats broadcast bus selected without a nats client")
		}
		return broadcast.GetNatsEventBus(*natsClient, runTimeContext)
	}
	return broadcast.GetRedisEventBus(store, runTimeContext, wg)
}

// RunGatewayServer run the gateway server
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.GatewayConfig,
	instance string,
	redisClient core.RedisClient,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid gateway config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Durable session store and auth collaborators

	sessions, err := session.GetRedisSessionStore(
		redisClient, time.Second*time.Duration(config.Session.TTL),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session store")
		return err
	}

	revocations, err := auth.GetRevocationList(redisClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define revocation list")
		return err
	}

	credValidator, err := auth.GetJWTCredentialValidator([]byte(config.Auth.TokenSigningKey))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define credential validator")
		return err
	}

	guard, err := auth.GetHandshakeGuard(config.Auth, credValidator, revocations)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define handshake guard")
		return err
	}
	defer guard.Stop()

	limiter, err := buildRateLimiter(config.RateLimit, redisClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define rate limiter")
		return err
	}

	// -------------------------------------------------------------------
	// Connection registry and broadcast plumbing

	registry, err := gateway.GetConnectionRegistry(
		config.Connection.MaxConnections, config.Session.MaxSubscriptions, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	bus, err := buildEventBus(config.Broadcast, redisClient, natsClient, localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast bus")
		return err
	}
	defer func() {
		_ = bus.Close()
	}()

	router, err := broadcast.GetRouter(broadcast.RouterParams{
		Registry:         registry,
		Bus:              bus,
		Node:             instance,
		DedupWindow:      time.Second * time.Duration(config.Broadcast.DedupWindow),
		MaxDeliveryDrops: int64(config.Broadcast.MaxDeliveryDrops),
		FanoutWorkers:    config.Broadcast.FanoutWorkers,
	}, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast router")
		return err
	}
	registry.SetTopicObserver(router)
	if err := router.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broadcast router")
		return err
	}

	msgHandler, err := gateway.GetMessageHandler(gateway.MessageHandlerParams{
		Registry:    registry,
		Guard:       guard,
		Sessions:    sessions,
		Publisher:   router,
		AuthTimeout: time.Second * time.Duration(config.Auth.HandshakeTimeout),
		SessionTTL:  time.Second * time.Duration(config.Session.TTL),
		ConnConfig:  config.Connection,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message handler")
		return err
	}

	reconciler, err := gateway.GetSessionReconciler(
		registry,
		sessions,
		time.Second*time.Duration(config.Session.ReconcileInterval),
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session reconciler")
		return err
	}
	if err := reconciler.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session reconciler")
		return err
	}

	// -------------------------------------------------------------------
	// REST handlers

	connectHandler, err := apis.GetAPIRestGatewayHandler(
		msgHandler,
		guard,
		limiter,
		instance,
		config.Connection,
		&config.HTTPSetting,
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connect HTTP handler")
		return err
	}

	mgmtHandler, err := apis.GetAPIRestGatewayManagementHandler(
		revocations, registry, router, sessions, redisClient, &config.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define management HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpRouter := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(httpRouter, config.Endpoints.PathPrefix, nil)

	// Websocket upgrade
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/connect", map[string]http.HandlerFunc{
		"get": connectHandler.ConnectHandler(),
	})

	// Administration
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/revocation", map[string]http.HandlerFunc{
		"post": mgmtHandler.RevokeCredentialHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/connections", map[string]http.HandlerFunc{
		"get": mgmtHandler.ListConnectionsHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/broadcast", map[string]http.HandlerFunc{
		"post": mgmtHandler.BroadcastHandler(),
	})
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/admin/topic/{topicName}/subscriber", map[string]http.HandlerFunc{
			"get": mgmtHandler.ListTopicSubscribersHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": mgmtHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": mgmtHandler.ReadyHandler(),
	})

	// Add logging
	httpRouter.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(mgmtHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:     h2c.NewHandler(httpRouter, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started gateway server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
