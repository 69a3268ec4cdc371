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

package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/core"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// BusMessageHandler callback invoked with each message arriving on a
// subscribed topic
type BusMessageHandler func(ctxt context.Context, topic string, data []byte) error

// EventBus cross-process message transport. One subscription per topic; a
// repeat Subscribe on the same topic replaces the handler.
type EventBus interface {
	// Publish send one message on a topic to all subscribed processes
	Publish(ctxt context.Context, topic string, data []byte) error
	// Subscribe begin receiving a topic's messages
	Subscribe(ctxt context.Context, topic string, handler BusMessageHandler) error
	// Unsubscribe stop receiving a topic's messages
	Unsubscribe(topic string) error
	// Close release all subscriptions
	Close() error
}

// busChannelName map a topic onto its transport channel
func busChannelName(topic string) string {
	return fmt.Sprintf("wsgate.bcast.%s", topic)
}

// ======================================================================
// Shared store pub/sub backed event bus

// redisEventBus EventBus on Redis pub/sub. Delivery is at-most-once with no
// replay, which matches the gateway's fan-out contract.
type redisEventBus struct {
	common.Component
	store         core.RedisClient
	lock          sync.Mutex
	subscriptions map[string]*redis.PubSub
	operating     context.Context
	wg            *sync.WaitGroup
}

// GetRedisEventBus define an EventBus on the shared store's pub/sub
func GetRedisEventBus(
	store core.RedisClient, ctxt context.Context, wg *sync.WaitGroup,
) (EventBus, error) {
	logTags := log.Fields{
		"module": "broadcast", "component": "event-bus-redis",
	}
	return &redisEventBus{
		Component:     common.Component{LogTags: logTags},
		store:         store,
		subscriptions: make(map[string]*redis.PubSub),
		operating:     ctxt,
		wg:            wg,
	}, nil
}

// Publish send one message on a topic to all subscribed processes
func (b *redisEventBus) Publish(ctxt context.Context, topic string, data []byte) error {
	useCtxt, cancel := b.store.OpContext(ctxt)
	defer cancel()
	if err := b.store.Client().Publish(useCtxt, busChannelName(topic), data).Err(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Publish on '%s' failed", topic)
		return common.NewStoreUnavailableError("bus-publish", err)
	}
	return nil
}

// Subscribe begin receiving a topic's messages
func (b *redisEventBus) Subscribe(
	ctxt context.Context, topic string, handler BusMessageHandler,
) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if existing, ok := b.subscriptions[topic]; ok {
		_ = existing.Close()
	}
	pubsub := b.store.Client().Subscribe(b.operating, busChannelName(topic))
	// Receipt confirmation before the reader starts
	if _, err := pubsub.Receive(ctxt); err != nil {
		_ = pubsub.Close()
		log.WithError(err).WithFields(b.LogTags).Errorf("Subscribe on '%s' failed", topic)
		return common.NewStoreUnavailableError("bus-subscribe", err)
	}
	b.subscriptions[topic] = pubsub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer log.WithFields(b.LogTags).Debugf("Reader for '%s' exiting", topic)
		messages := pubsub.Channel()
		for {
			select {
			case <-b.operating.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if err := handler(b.operating, topic, []byte(msg.Payload)); err != nil {
					log.WithError(err).WithFields(b.LogTags).Errorf(
						"Handler failed on '%s'", topic,
					)
				}
			}
		}
	}()
	log.WithFields(b.LogTags).Infof("Subscribed to '%s'", topic)
	return nil
}

// Unsubscribe stop receiving a topic's messages
func (b *redisEventBus) Unsubscribe(topic string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	pubsub, ok := b.subscriptions[topic]
	if !ok {
		return nil
	}
	delete(b.subscriptions, topic)
	log.WithFields(b.LogTags).Infof("Unsubscribed from '%s'", topic)
	return pubsub.Close()
}

// Close release all subscriptions
func (b *redisEventBus) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	for topic, pubsub := range b.subscriptions {
		if err := pubsub.Close(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Closing subscription on '%s' failed", topic,
			)
		}
	}
	b.subscriptions = make(map[string]*redis.PubSub)
	return nil
}
