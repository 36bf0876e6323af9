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
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func utDefineService(t *testing.T, wg *sync.WaitGroup) (Service, Store, ChannelRegistry) {
	assert := assert.New(t)
	store, err := GetInMemoryStore()
	assert.Nil(err)
	registry, err := GetChannelRegistry(newStubPubSub(false), utRegistryConfig(), wg)
	assert.Nil(err)
	uut, err := GetService(store, registry, wg)
	assert.Nil(err)
	return uut, store, registry
}

func TestReportThenBroadcast(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, _, registry := utDefineService(t, &wg)
	defer registry.Close()

	// User A watches workspace w1
	watcher, err := registry.Subscribe(utCtxt, LocationTopic("w1"))
	assert.Nil(err)
	defer watcher.Close()

	// User B reports a location within w1
	reported, err := uut.Report(utCtxt, "w1", "u2", "haeun", 37.5, 127.0)
	assert.Nil(err)
	assert.Equal("w1", reported.WorkspaceID)
	assert.Equal("u2", reported.UserID)
	assert.False(reported.ObservedAt.IsZero())

	// A receives exactly the stored record
	select {
	case received, ok := <-watcher.Updates():
		assert.True(ok)
		assert.Equal("u2", received.UserID)
		assert.Equal("haeun", received.UserName)
		assert.Equal(37.5, received.Latitude)
		assert.Equal(127.0, received.Longitude)
	case <-time.After(time.Second):
		assert.FailNow("timed out waiting for broadcast")
	}

	// The snapshot reflects the same write
	snapshot, err := uut.Snapshot(utCtxt, "w1")
	assert.Nil(err)
	assert.Len(snapshot, 1)
	assert.Equal("u2", snapshot[0].UserID)
}

func TestReportOverwritesPriorLocation(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, _, registry := utDefineService(t, &wg)
	defer registry.Close()

	_, err := uut.Report(utCtxt, "w1", "u1", "mina", 1.0, 1.0)
	assert.Nil(err)
	_, err = uut.Report(utCtxt, "w1", "u1", "mina", 2.0, 2.0)
	assert.Nil(err)

	// One record per user per workspace, holding the latest position
	snapshot, err := uut.Snapshot(utCtxt, "w1")
	assert.Nil(err)
	assert.Len(snapshot, 1)
	assert.Equal(2.0, snapshot[0].Latitude)
	assert.Equal(2.0, snapshot[0].Longitude)

	// A second workspace is isolated
	snapshot, err = uut.Snapshot(utCtxt, "w2")
	assert.Nil(err)
	assert.Empty(snapshot)
}

func TestReportRejectsInvalidIDs(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, store, registry := utDefineService(t, &wg)
	defer registry.Close()

	// Case 0: workspace ID carrying a subject separator
	_, err := uut.Report(utCtxt, "bad.workspace", "u1", "mina", 1.0, 1.0)
	assert.NotNil(err)

	// Case 1: empty user ID
	_, err = uut.Report(utCtxt, "w1", "", "mina", 1.0, 1.0)
	assert.NotNil(err)

	// Case 2: wildcard characters in user ID
	_, err = uut.Report(utCtxt, "w1", "u>1", "mina", 1.0, 1.0)
	assert.NotNil(err)

	// Nothing reached the store
	records, err := store.ListLatest(utCtxt, "w1")
	assert.Nil(err)
	assert.Empty(records)

	_, err = uut.Snapshot(utCtxt, "bad workspace")
	assert.NotNil(err)
	_, err = uut.SnapshotThenSubscribe(utCtxt, "bad*workspace")
	assert.NotNil(err)
}

func TestSnapshotThenSubscribe(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, _, registry := utDefineService(t, &wg)
	defer registry.Close()

	// Seed two users before anyone subscribes
	_, err := uut.Report(utCtxt, "w1", "u1", "mina", 1.0, 1.0)
	assert.Nil(err)
	_, err = uut.Report(utCtxt, "w1", "u2", "haeun", 2.0, 2.0)
	assert.Nil(err)

	stream, err := uut.SnapshotThenSubscribe(utCtxt, "w1")
	assert.Nil(err)
	defer stream.Close()

	// The snapshot is replayed first
	replayed := map[string]LocationRecord{}
	for itr := 0; itr < 2; itr++ {
		select {
		case record, ok := <-stream.Updates():
			assert.True(ok)
			replayed[record.UserID] = record
		case <-time.After(time.Second):
			assert.FailNow("timed out waiting for snapshot replay")
		}
	}
	assert.Len(replayed, 2)
	assert.Equal(1.0, replayed["u1"].Latitude)
	assert.Equal(2.0, replayed["u2"].Latitude)

	// Live updates follow on the same stream
	_, err = uut.Report(utCtxt, "w1", "u3", "june", 3.0, 3.0)
	assert.Nil(err)
	select {
	case record, ok := <-stream.Updates():
		assert.True(ok)
		assert.Equal("u3", record.UserID)
	case <-time.After(time.Second):
		assert.FailNow("timed out waiting for live update")
	}
}

func TestSnapshotStreamTermination(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, _, registry := utDefineService(t, &wg)
	defer registry.Close()

	_, err := uut.Report(utCtxt, "w1", "u1", "mina", 1.0, 1.0)
	assert.Nil(err)

	// Case 0: caller closes the stream
	stream, err := uut.SnapshotThenSubscribe(utCtxt, "w1")
	assert.Nil(err)
	stream.Close()
	assert.Eventually(func() bool {
		select {
		case _, ok := <-stream.Updates():
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond*10)

	// Case 1: channel removal terminates the stream
	stream, err = uut.SnapshotThenSubscribe(utCtxt, "w1")
	assert.Nil(err)
	defer stream.Close()
	assert.Nil(registry.ForceRemove(LocationTopic("w1")))
	assert.Eventually(func() bool {
		select {
		case _, ok := <-stream.Updates():
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond*10)
}
