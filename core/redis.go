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

package core

import (
	"context"
	"time"

	"github.com/alwitt/wsgate/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// RedisConnectParams Redis connection parameter
type RedisConnectParams struct {
	// ServerURI connect to Redis with URI
	ServerURI string `validate:"required,uri"`
	// OpTimeout max duration of one store round trip
	OpTimeout time.Duration
}

// RedisClient wrapper around the shared Redis store connection
type RedisClient struct {
	common.Component
	client    *redis.Client
	opTimeout time.Duration
}

// GetRedisClient define a new Redis store client
func GetRedisClient(param RedisConnectParams) (RedisClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "redis-backend",
		"instance":  param.ServerURI,
	}
	options, err := redis.ParseURL(param.ServerURI)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to parse Redis URI")
		return RedisClient{}, err
	}
	client := redis.NewClient(options)
	log.WithFields(logTags).Info("Created Redis client")
	return RedisClient{
		Component: common.Component{LogTags: logTags},
		client:    client,
		opTimeout: param.OpTimeout,
	}, nil
}

// Client fetch the native Redis client
func (c RedisClient) Client() *redis.Client {
	return c.client
}

// OpContext derive a context bounded by the shared store operation timeout
func (c RedisClient) OpContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.opTimeout)
}

// Ready verify the store connection is usable
func (c RedisClient) Ready(ctxt context.Context) error {
	useCtxt, cancel := c.OpContext(ctxt)
	defer cancel()
	return c.client.Ping(useCtxt).Err()
}

// Close close the Redis client
func (c RedisClient) Close() {
	if err := c.client.Close(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Redis close failed")
	}
	log.WithFields(c.LogTags).Infof("Closed Redis client")
}
