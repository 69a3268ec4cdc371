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
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/gateway"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// busFrame the wrapped copy of an envelope travelling on the bus. The message
// ID and origin node drive echo suppression on the way back in.
type busFrame struct {
	// ID is the unique broadcast message identifier
	ID string `json:"id" validate:"required"`
	// Origin identifies the publishing gateway process
	Origin string `json:"origin" validate:"required"`
	// Topic is the topic published against
	Topic string `json:"topic" validate:"required"`
	// Envelope is the message as subscribers will receive it
	Envelope common.Envelope `json:"envelope"`
}

// fanoutTask one local delivery batch for the worker pool
type fanoutTask struct {
	topic    string
	envelope common.Envelope
}

// TaskRouteKey implements common.RoutedTask. Deliveries of one topic stay on
// one worker so subscribers see them in publish order.
func (t fanoutTask) TaskRouteKey() string {
	return t.topic
}

// RouterParams parameters for defining a Router
type RouterParams struct {
	// Registry is the process local connection registry
	Registry gateway.ConnectionRegistry `validate:"required"`
	// Bus is the cross process transport
	Bus EventBus `validate:"required"`
	// Node identifies this gateway process on the bus
	Node string `validate:"required"`
	// DedupWindow is how long published message IDs are remembered for echo
	// suppression
	DedupWindow time.Duration `validate:"required"`
	// MaxDeliveryDrops is the backpressure drop count at which a connection is
	// evicted as unhealthy
	MaxDeliveryDrops int64 `validate:"required"`
	// FanoutWorkers sizes the local delivery worker pool
	FanoutWorkers int `validate:"required"`
}

// Router fans published messages out to topic subscribers across the fleet.
// Implements gateway.TopicPublisher for client publishes and
// gateway.TopicObserver so standing bus subscriptions track local topic
// membership.
type Router struct {
	common.Component
	registry gateway.ConnectionRegistry
	bus      EventBus
	node     string
	maxDrops int64
	recent   *ttlcache.Cache[string, bool]
	dedupTTL time.Duration
	fanout   common.TaskProcessor
}

// GetRouter define a Router
func GetRouter(params RouterParams, ctxt context.Context) (*Router, error) {
	logTags := log.Fields{
		"module": "broadcast", "component": "router", "node": params.Node,
	}
	fanout, err := common.GetNewTaskDemuxProcessorInstance(
		"bcast-fanout", 512, params.FanoutWorkers, ctxt,
	)
	if err != nil {
		return nil, err
	}
	recent := ttlcache.New[string, bool]()
	go recent.Start()
	go func() {
		<-ctxt.Done()
		recent.Stop()
	}()
	instance := &Router{
		Component: common.Component{LogTags: logTags},
		registry:  params.Registry,
		bus:       params.Bus,
		node:      params.Node,
		maxDrops:  params.MaxDeliveryDrops,
		recent:    recent,
		dedupTTL:  params.DedupWindow,
		fanout:    fanout,
	}
	if err := fanout.AddToTaskExecutionMap(
		reflect.TypeOf(fanoutTask{}), instance.processFanoutTask,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start begin processing fan-out work
func (r *Router) Start(wg *sync.WaitGroup) error {
	return r.fanout.StartEventLoop(wg)
}

// Publish fan a message out to every subscriber of the topic, fleet wide.
// Local subscribers are served from the registry topic index; one wrapped copy
// goes on the bus for the other processes.
func (r *Router) Publish(ctxt context.Context, topic string, envelope common.Envelope) error {
	frame := busFrame{
		ID:       uuid.New().String(),
		Origin:   r.node,
		Topic:    topic,
		Envelope: envelope,
	}
	r.recent.Set(frame.ID, true, r.dedupTTL)
	if err := r.fanout.Submit(fanoutTask{topic: topic, envelope: envelope}); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Local fan-out on '%s' rejected", topic,
		)
		return err
	}
	serialized, err := json.Marshal(&frame)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Bus frame serialization failed")
		return err
	}
	return r.bus.Publish(ctxt, topic, serialized)
}

// TopicActive implements gateway.TopicObserver. The first local subscriber of
// a topic opens the standing bus subscription.
func (r *Router) TopicActive(topic string) {
	if err := r.bus.Subscribe(context.Background(), topic, r.handleBusMessage); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Bus subscription on '%s' failed", topic,
		)
	}
}

// TopicIdle implements gateway.TopicObserver. The last local subscriber
// leaving closes the standing bus subscription.
func (r *Router) TopicIdle(topic string) {
	if err := r.bus.Unsubscribe(topic); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Bus unsubscribe on '%s' failed", topic,
		)
	}
}

// handleBusMessage process one delivery arriving from the bus
func (r *Router) handleBusMessage(ctxt context.Context, topic string, data []byte) error {
	var frame busFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Discarding undecodable bus frame on '%s'", topic,
		)
		return nil
	}
	// Local subscribers already got this message when it was published here
	if frame.Origin == r.node && r.recent.Get(frame.ID) != nil {
		return nil
	}
	return r.fanout.Submit(fanoutTask{topic: frame.Topic, envelope: frame.Envelope})
}

// processFanoutTask deliver one message to this process's subscribers of the
// topic
func (r *Router) processFanoutTask(param interface{}) error {
	task, ok := param.(fanoutTask)
	if !ok {
		return nil
	}
	for _, conn := range r.registry.LocalSubscribers(task.topic) {
		err := conn.Send(task.envelope)
		if err == nil {
			continue
		}
		if err == common.ErrBackpressure {
			// Drop this one delivery; a persistently saturated consumer gets
			// evicted rather than stalling the fan-out
			drops := conn.RecordDeliveryDrop()
			if drops >= r.maxDrops {
				log.WithFields(r.LogTags).Warnf(
					"Evicting '%s' after %d dropped deliveries", conn.ID(), drops,
				)
				conn.Close(common.CloseReasonUnhealthy)
				r.registry.Deregister(conn.ID())
			}
			continue
		}
		log.WithError(err).WithFields(r.LogTags).Debugf(
			"Delivery to '%s' failed", conn.ID(),
		)
	}
	return nil
}
