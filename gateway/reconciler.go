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
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/wsgate/common"
	"github.com/alwitt/wsgate/session"
	"github.com/apex/log"
)

// saveRetryLimit bounded reload-and-retry on contested session saves
const saveRetryLimit = 3

// SessionReconciler periodically re-saves live connection state into the
// session store. The live connection is the authoritative copy; the store holds
// a projection that can drift when individual saves fail, and the reconciler
// repairs that drift.
type SessionReconciler interface {
	// Start begin periodic reconciliation
	Start(wg *sync.WaitGroup) error
	// ReconcileNow enqueue one immediate reconcile sweep
	ReconcileNow() error
}

// reconcileTask one connection to reconcile
type reconcileTask struct {
	connectionID string
}

// sessionReconcilerImpl implements SessionReconciler
type sessionReconcilerImpl struct {
	common.Component
	registry  ConnectionRegistry
	sessions  session.Store
	interval  time.Duration
	timer     common.IntervalTimer
	tasks     common.TaskProcessor
	operating context.Context
}

// GetSessionReconciler define a SessionReconciler
func GetSessionReconciler(
	registry ConnectionRegistry,
	sessions session.Store,
	interval time.Duration,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (SessionReconciler, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "session-reconciler",
	}
	timer, err := common.GetIntervalTimerInstance("session-reconciler", ctxt, wg)
	if err != nil {
		return nil, err
	}
	tasks, err := common.GetNewTaskProcessorInstance("session-reconciler", 256, ctxt)
	if err != nil {
		return nil, err
	}
	instance := &sessionReconcilerImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		sessions:  sessions,
		interval:  interval,
		timer:     timer,
		tasks:     tasks,
		operating: ctxt,
	}
	if err := tasks.AddToTaskExecutionMap(
		reflect.TypeOf(reconcileTask{}), instance.processReconcileTask,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start begin periodic reconciliation
func (r *sessionReconcilerImpl) Start(wg *sync.WaitGroup) error {
	if err := r.tasks.StartEventLoop(wg); err != nil {
		return err
	}
	return r.timer.Start(r.interval, r.ReconcileNow, false)
}

// ReconcileNow enqueue one immediate reconcile sweep
func (r *sessionReconcilerImpl) ReconcileNow() error {
	for _, conn := range r.registry.Connections() {
		if err := r.tasks.Submit(reconcileTask{connectionID: conn.ID()}); err != nil {
			// A full task buffer just delays the connection to the next sweep
			log.WithError(err).WithFields(r.LogTags).Debug("Reconcile sweep truncated")
			return nil
		}
	}
	return nil
}

// processReconcileTask reconcile one connection into the store
func (r *sessionReconcilerImpl) processReconcileTask(param interface{}) error {
	task, ok := param.(reconcileTask)
	if !ok {
		return errors.New("unexpected task param type")
	}
	for attempt := 0; attempt < saveRetryLimit; attempt++ {
		// Result is discarded if the connection deregistered mid-flight
		conn, live := r.registry.Get(task.connectionID)
		if !live {
			return nil
		}
		record := SessionProjection(conn)
		existing, err := r.sessions.Load(r.operating, task.connectionID)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Reconcile load of '%s' failed", task.connectionID,
			)
			return nil
		}
		if existing != nil {
			record.Version = existing.Version
			record.Metadata = existing.Metadata
		}
		err = r.sessions.Save(r.operating, &record)
		if err == nil {
			return nil
		}
		if !errors.Is(err, session.ErrVersionConflict) {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Reconcile save of '%s' failed", task.connectionID,
			)
			return nil
		}
	}
	log.WithFields(r.LogTags).Warnf(
		"Dropped reconcile of '%s' after %d contested saves", task.connectionID, saveRetryLimit,
	)
	return nil
}
