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
	"fmt"
	"regexp"
)

// Workspace IDs become part of NATS subjects, so they must not carry
// subject token separators or wildcards.
var workspaceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateWorkspaceID verify a workspace ID is safe for use as a broadcast topic
func ValidateWorkspaceID(workspaceID string) error {
	if len(workspaceID) == 0 {
		return fmt.Errorf("workspace ID is empty")
	}
	if !workspaceIDPattern.MatchString(workspaceID) {
		return fmt.Errorf("workspace ID '%s' contains unsupported characters", workspaceID)
	}
	return nil
}

// ValidateUserID verify a user ID is usable in a presence record
func ValidateUserID(userID string) error {
	if len(userID) == 0 {
		return fmt.Errorf("user ID is empty")
	}
	if !workspaceIDPattern.MatchString(userID) {
		return fmt.Errorf("user ID '%s' contains unsupported characters", userID)
	}
	return nil
}
