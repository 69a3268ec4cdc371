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
	"sync"

	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// natsEventBus EventBus on core NATS subjects. Fire-and-forget semantics, the
// same contract as the Redis pub/sub bus; deployments already running NATS can
// pick this backend over adding Redis pub/sub traffic.
type natsEventBus struct {
	common.Component
	client        core.NatsClient
	lock          sync.Mutex
	subscriptions map[string]*nats.Subscription
	operating     context.Context
}

// GetNatsEventBus define an EventBus on core NATS
func GetNatsEventBus(client core.NatsClient, ctxt context.Context) (EventBus, error) {
	logTags := log.Fields{
		"module": "broadcast", "component": "event-bus-nats",
	}
	return &natsEventBus{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		subscriptions: make(map[string]*nats.Subscription),
		operating:     ctxt,
	}, nil
}

// Publish send one message on a topic to all subscribed processes
func (b *natsEventBus) Publish(ctxt context.Context, topic string, data []byte) error {
	if err := b.client.NATS().Publish(busChannelName(topic), data); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Publish on '%s' failed", topic)
		return common.NewStoreUnavailableError("bus-publish", err)
	}
	return nil
}

// Subscribe begin receiving a topic's messages
func (b *natsEventBus) Subscribe(
	ctxt context.Context, topic string, handler BusMessageHandler,
) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if existing, ok := b.subscriptions[topic]; ok {
		_ = existing.Unsubscribe()
	}
	subscription, err := b.client.NATS().Subscribe(
		busChannelName(topic), func(msg *nats.Msg) {
			if err := handler(b.operating, topic, msg.Data); err != nil {
				log.WithError(err).WithFields(b.LogTags).Errorf(
					"Handler failed on '%s'", topic,
				)
			}
		},
	)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Subscribe on '%s' failed", topic)
		return common.NewStoreUnavailableError("bus-subscribe", err)
	}
	b.subscriptions[topic] = subscription
	log.WithFields(b.LogTags).Infof("Subscribed to '%s'", topic)
	return nil
}

// Unsubscribe stop receiving a topic's messages
func (b *natsEventBus) Unsubscribe(topic string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	subscription, ok := b.subscriptions[topic]
	if !ok {
		return nil
	}
	delete(b.subscriptions, topic)
	log.WithFields(b.LogTags).Infof("Unsubscribed from '%s'", topic)
	return subscription.Unsubscribe()
}

// Close release all subscriptions
func (b *natsEventBus) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	for topic, subscription := range b.subscriptions {
		if err := subscription.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Closing subscription on '%s' failed", topic,
			)
		}
	}
	b.subscriptions = make(map[string]*nats.Subscription)
	return nil
}
