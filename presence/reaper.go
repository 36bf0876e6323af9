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

package presence

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/tnqls0624/weave-presence/common"
)

// IdleReaper periodically removes channels with no subscribers and no
// recent activity. This is the only non-administrative path which removes a
// channel: a channel dropping to zero subscribers stays alive until the
// sweep finds it past the idle timeout, so a client which disconnects and
// reconnects within seconds reuses the existing broker subscription instead
// of forcing a teardown / re-subscribe cycle.
type IdleReaper interface {
	// Start begin the periodic sweep
	Start() error
	// Stop end the periodic sweep
	Stop() error
}

// idleReaperImpl implements IdleReaper
type idleReaperImpl struct {
	common.Component
	registry      ChannelRegistry
	sweepInterval time.Duration
	timer         common.IntervalTimer
}

// GetIdleReaper define a new IdleReaper against a channel registry
func GetIdleReaper(
	registry ChannelRegistry,
	sweepInterval time.Duration,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (IdleReaper, error) {
	logTags := log.Fields{
		"module": "presence", "component": "idle-reaper",
	}
	timer, err := common.GetIntervalTimerInstance("idle-reaper", ctxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return nil, err
	}
	return &idleReaperImpl{
		Component:     common.Component{LogTags: logTags},
		registry:      registry,
		sweepInterval: sweepInterval,
		timer:         timer,
	}, nil
}

// Start begin the periodic sweep
func (r *idleReaperImpl) Start() error {
	return r.timer.Start(r.sweepInterval, func() error {
		return r.registry.SweepIdle()
	}, false)
}

// Stop end the periodic sweep
func (r *idleReaperImpl) Stop() error {
	return r.timer.Stop()
}
