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
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/tnqls0624/weave-presence/common"
)

// Store persists the current location of each user within each workspace
type Store interface {
	// Upsert record a user's location within a workspace, overwriting any
	// prior record for the same (workspace, user) pair atomically. Returns
	// the stored record.
	Upsert(
		ctxt context.Context, workspaceID, userID, userName string, latitude, longitude float64,
	) (LocationRecord, error)
	// ListLatest fetch the current location of every user within a
	// workspace, most recently observed first
	ListLatest(ctxt context.Context, workspaceID string) ([]LocationRecord, error)
	// Close release the store's resources
	Close() error
}

// ========================================================================================
// In-memory store

// inMemoryStoreImpl implements Store against a process-local map. Suitable
// for single instance deployments and unit testing; a fleet shares state
// through the sqlite / postgres backends instead.
type inMemoryStoreImpl struct {
	common.Component
	lock    sync.Mutex
	records map[string]map[string]LocationRecord
}

// GetInMemoryStore create an in-memory presence Store
func GetInMemoryStore() (Store, error) {
	logTags := log.Fields{
		"module": "presence", "component": "memory-store",
	}
	return &inMemoryStoreImpl{
		Component: common.Component{LogTags: logTags},
		records:   make(map[string]map[string]LocationRecord),
	}, nil
}

// Upsert record a user's location within a workspace
func (s *inMemoryStoreImpl) Upsert(
	ctxt context.Context, workspaceID, userID, userName string, latitude, longitude float64,
) (LocationRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	record := LocationRecord{
		WorkspaceID: workspaceID,
		UserID:      userID,
		UserName:    userName,
		Latitude:    latitude,
		Longitude:   longitude,
		ObservedAt:  time.Now().UTC(),
	}
	perWorkspace, ok := s.records[workspaceID]
	if !ok {
		perWorkspace = make(map[string]LocationRecord)
		s.records[workspaceID] = perWorkspace
	}
	perWorkspace[userID] = record
	log.WithFields(s.LogTags).Debugf("Stored %s", record.String())
	return record, nil
}

// ListLatest fetch the current location of every user within a workspace
func (s *inMemoryStoreImpl) ListLatest(
	ctxt context.Context, workspaceID string,
) ([]LocationRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]LocationRecord, 0, len(s.records[workspaceID]))
	for _, record := range s.records[workspaceID] {
		result = append(result, record)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ObservedAt.Equal(result[j].ObservedAt) {
			return result[i].ObservedAt.After(result[j].ObservedAt)
		}
		return result[i].UserID < result[j].UserID
	})
	return result, nil
}

// Close release the store's resources
func (s *inMemoryStoreImpl) Close() error {
	return nil
}
