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

// Package presence implements the real-time location broadcast layer: the
// per-workspace channel registry bridging local subscribers with the
// cross-instance broker, the idle channel reaper, and the presence service
// facade used by every transport adapter.
package presence

import (
	"fmt"
	"time"
)

// LocationRecord is the latest reported location of one user within one
// workspace. The presence store holds at most one record per
// (workspace, user) pair; a newer report overwrites the older one.
type LocationRecord struct {
	// WorkspaceID is the workspace this location was reported into
	WorkspaceID string `json:"workspace_id" validate:"required"`
	// UserID is the reporting user
	UserID string `json:"user_id" validate:"required"`
	// UserName is the reporting user's display name
	UserName string `json:"user_name"`
	// Latitude of the reported position
	Latitude float64 `json:"latitude"`
	// Longitude of the reported position
	Longitude float64 `json:"longitude"`
	// ObservedAt is when the store accepted this report
	ObservedAt time.Time `json:"observed_at"`
}

// String toString function
func (r LocationRecord) String() string {
	return fmt.Sprintf(
		"%s@%s:LOC[%.6f,%.6f]", r.UserID, r.WorkspaceID, r.Latitude, r.Longitude,
	)
}

// LocationTopic the broadcast topic carrying location updates of a workspace
func LocationTopic(workspaceID string) string {
	return fmt.Sprintf("workspace.location.%s", workspaceID)
}
