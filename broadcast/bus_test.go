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
	"testing"
	"time"

	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRedisEventBus(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	store, err := core.GetRedisClient(core.RedisConnectParams{
		ServerURI: common.GetUnitTestRedisURI(), OpTimeout: time.Second * 3,
	})
	assert.Nil(err)
	if store.Ready(utCtxt) != nil {
		t.Skip("No Redis instance available for testing")
	}
	defer store.Close()

	publisherBus, err := GetRedisEventBus(store, utCtxt, &wg)
	assert.Nil(err)
	subscriberBus, err := GetRedisEventBus(store, utCtxt, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(publisherBus.Close())
		assert.Nil(subscriberBus.Close())
	}()

	topic := fmt.Sprintf("ut-bus-%s", uuid.NewString())
	received := make(chan []byte, 8)
	assert.Nil(subscriberBus.Subscribe(
		utCtxt, topic, func(ctxt context.Context, topic string, data []byte) error {
			received <- data
			return nil
		},
	))

	// Case 0: a publish reaches the subscribed process
	assert.Nil(publisherBus.Publish(utCtxt, topic, []byte("message-0")))
	select {
	case data := <-received:
		assert.Equal("message-0", string(data))
	case <-time.After(time.Second * 2):
		assert.Fail("bus delivery timed out")
	}

	// Case 1: other topics do not leak into this subscription
	assert.Nil(publisherBus.Publish(
		utCtxt, fmt.Sprintf("ut-bus-%s", uuid.NewString()), []byte("stray"),
	))
	select {
	case data := <-received:
		assert.Failf("unexpected delivery", "got '%s'", string(data))
	case <-time.After(time.Millisecond * 300):
	}

	// Case 2: after unsubscribe nothing further arrives
	assert.Nil(subscriberBus.Unsubscribe(topic))
	assert.Nil(publisherBus.Publish(utCtxt, topic, []byte("message-1")))
	select {
	case data := <-received:
		assert.Failf("unexpected delivery", "got '%s'", string(data))
	case <-time.After(time.Millisecond * 300):
	}
}
