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

	"github.com/apex/log"
	"github.com/tnqls0624/weave-presence/common"
)

// Service is the facade every transport adapter binds to. It applies the
// "save then broadcast" sequence uniformly: a reported location is upserted
// into the store first, and the stored record is then published on the
// workspace's topic.
type Service interface {
	// Report store a user's location within a workspace and broadcast the
	// stored record. Returns the record.
	Report(
		ctxt context.Context, workspaceID, userID, userName string, latitude, longitude float64,
	) (LocationRecord, error)
	// Snapshot the current location of every user within a workspace
	Snapshot(ctxt context.Context, workspaceID string) ([]LocationRecord, error)
	// SnapshotThenSubscribe a stream which first replays the workspace's
	// current snapshot, then continues with live updates. Gives a new
	// subscriber an immediately consistent view.
	SnapshotThenSubscribe(ctxt context.Context, workspaceID string) (Subscription, error)
	// RegistryStatus a read-only snapshot of registry state
	RegistryStatus() RegistryStatus
}

// serviceImpl implements Service
type serviceImpl struct {
	common.Component
	store    Store
	registry ChannelRegistry
	wg       *sync.WaitGroup
}

// GetService define a new presence Service
func GetService(store Store, registry ChannelRegistry, wg *sync.WaitGroup) (Service, error) {
	logTags := log.Fields{
		"module": "presence", "component": "service",
	}
	return &serviceImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		registry:  registry,
		wg:        wg,
	}, nil
}

// Report store a user's location within a workspace and broadcast it
func (s *serviceImpl) Report(
	ctxt context.Context, workspaceID, userID, userName string, latitude, longitude float64,
) (LocationRecord, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	if err := common.ValidateWorkspaceID(workspaceID); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Rejecting location report")
		return LocationRecord{}, err
	}
	if err := common.ValidateUserID(userID); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Rejecting location report")
		return LocationRecord{}, err
	}
	record, err := s.store.Upsert(ctxt, workspaceID, userID, userName, latitude, longitude)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to store location of %s@%s", userID, workspaceID,
		)
		return LocationRecord{}, err
	}
	s.registry.Publish(ctxt, LocationTopic(workspaceID), record)
	return record, nil
}

// Snapshot the current location of every user within a workspace
func (s *serviceImpl) Snapshot(
	ctxt context.Context, workspaceID string,
) ([]LocationRecord, error) {
	if err := common.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	return s.store.ListLatest(ctxt, workspaceID)
}

// snapshotSubscription prepends a snapshot replay to a live subscription
type snapshotSubscription struct {
	live      Subscription
	out       chan LocationRecord
	done      chan struct{}
	closeOnce sync.Once
}

// Updates the stream of location records
func (s *snapshotSubscription) Updates() <-chan LocationRecord {
	return s.out
}

// Close end the subscription
func (s *snapshotSubscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.live.Close()
	})
}

// SnapshotThenSubscribe a stream replaying the snapshot then live updates
func (s *serviceImpl) SnapshotThenSubscribe(
	ctxt context.Context, workspaceID string,
) (Subscription, error) {
	if err := common.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	// Subscribe before reading the snapshot so no update falls between the
	// two. An update caught by both is a tolerated duplicate.
	live, err := s.registry.Subscribe(ctxt, LocationTopic(workspaceID))
	if err != nil {
		return nil, err
	}
	snapshot, err := s.store.ListLatest(ctxt, workspaceID)
	if err != nil {
		live.Close()
		return nil, err
	}

	subscription := &snapshotSubscription{
		live: live,
		out:  make(chan LocationRecord, len(snapshot)),
		done: make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(subscription.out)
		for _, record := range snapshot {
			select {
			case subscription.out <- record:
			case <-subscription.done:
				return
			}
		}
		for {
			select {
			case record, ok := <-live.Updates():
				if !ok {
					return
				}
				select {
				case subscription.out <- record:
				case <-subscription.done:
					return
				}
			case <-subscription.done:
				return
			}
		}
	}()

	return subscription, nil
}

// RegistryStatus a read-only snapshot of registry state
func (s *serviceImpl) RegistryStatus() RegistryStatus {
	return s.registry.Status()
}
