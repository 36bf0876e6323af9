// Copyright 2024-2025 The weave-presence Authors
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

package common

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
)

// TimerHandler invoked on each interval expiry. A returned error is logged
// and does not stop the timer.
type TimerHandler func() error

// IntervalTimer runs a handler on a fixed period until stopped. The loop
// also ends when the root context given at construction is cancelled.
type IntervalTimer interface {
	// Start begin firing the handler every interval. With oneShot, the
	// handler fires once and the loop ends.
	Start(interval time.Duration, handler TimerHandler, oneShot bool) error
	// Stop end the timer loop
	Stop() error
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	Component
	rootContext context.Context
	stopLoop    context.CancelFunc
	wg          *sync.WaitGroup
}

// GetIntervalTimerInstance define a new IntervalTimer
func GetIntervalTimerInstance(
	name string, rootCtxt context.Context, wg *sync.WaitGroup,
) (IntervalTimer, error) {
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:   Component{LogTags: logTags},
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// Start begin firing the handler every interval
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimerHandler, oneShot bool,
) error {
	runCtxt, cancel := context.WithCancel(t.rootContext)
	t.stopLoop = cancel
	log.WithFields(t.LogTags).Infof("Firing every %s", interval)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer log.WithFields(t.LogTags).Info("Timer loop ended")
		ticks := time.NewTicker(interval)
		defer ticks.Stop()
		for {
			select {
			case <-runCtxt.Done():
				return
			case <-ticks.C:
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("Timer handler failed")
				}
				if oneShot {
					return
				}
			}
		}
	}()
	return nil
}

// Stop end the timer loop
func (t *intervalTimerImpl) Stop() error {
	if t.stopLoop != nil {
		log.WithFields(t.LogTags).Info("Stopping timer loop")
		t.stopLoop()
	}
	return nil
}
