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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wsgate/session"
	"github.com/stretchr/testify/assert"
)

// waitForSession poll the store until the record satisfies the check
func waitForSession(
	t *testing.T,
	sessions session.Store,
	connID string,
	check func(*session.Session) bool,
) *session.Session {
	deadline := time.Now().Add(time.Second * 2)
	for time.Now().Before(deadline) {
		record, err := sessions.Load(context.Background(), connID)
		assert.Nil(t, err)
		if record != nil && check(record) {
			return record
		}
		time.Sleep(time.Millisecond * 10)
	}
	assert.Fail(t, "session did not reconcile in time")
	return nil
}

func TestSessionReconcilerSweep(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	registry, err := GetConnectionRegistry(10, 8, "unit-test")
	assert.Nil(err)
	sessions, err := session.GetMemorySessionStore(time.Minute * 10)
	assert.Nil(err)

	// Interval long enough that only explicit sweeps run during the test
	uut, err := GetSessionReconciler(registry, sessions, time.Hour, utCtxt, &wg)
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))

	conn := getTestConnection(t, 4, time.Minute)
	assert.Nil(registry.Register(conn))
	conn.markAuthenticated(testIdentity("unit-tester"))
	assert.Nil(registry.Subscribe(conn.ID(), "alerts"))

	// Case 0: a sweep materializes the store record from live state
	{
		assert.Nil(uut.ReconcileNow())
		record := waitForSession(t, sessions, conn.ID(), func(r *session.Session) bool {
			return r.Version >= 1
		})
		assert.True(record.Authenticated)
		assert.Equal("unit-tester", record.UserID)
		assert.Equal([]string{"alerts"}, record.Subscriptions)
		assert.True(record.Active)
	}

	// Case 1: later sweeps fold live state changes into the record
	{
		assert.Nil(registry.Subscribe(conn.ID(), "news"))
		assert.Nil(uut.ReconcileNow())
		record := waitForSession(t, sessions, conn.ID(), func(r *session.Session) bool {
			return len(r.Subscriptions) == 2
		})
		assert.Equal(int64(2), record.Version)
	}

	// Case 2: stored metadata survives reconciliation
	{
		record, err := sessions.Load(utCtxt, conn.ID())
		assert.Nil(err)
		record.Metadata = map[string]string{"agent": "unit-test"}
		assert.Nil(sessions.Save(utCtxt, record))

		assert.Nil(registry.Unsubscribe(conn.ID(), "news"))
		assert.Nil(uut.ReconcileNow())
		reconciled := waitForSession(t, sessions, conn.ID(), func(r *session.Session) bool {
			return len(r.Subscriptions) == 1
		})
		assert.Equal("unit-test", reconciled.Metadata["agent"])
	}

	// Case 3: a sweep over a deregistered connection writes nothing
	{
		registry.Deregister(conn.ID())
		assert.Nil(sessions.Delete(utCtxt, conn.ID()))
		assert.Nil(uut.ReconcileNow())
		time.Sleep(time.Millisecond * 100)
		record, err := sessions.Load(utCtxt, conn.ID())
		assert.Nil(err)
		assert.Nil(record)
	}
}
