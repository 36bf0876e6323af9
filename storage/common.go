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

// Package storage provides the durable presence store backends. The in-memory
// backend lives with the presence package; this package holds the backends
// with an external footprint.
package storage

import (
	"context"
	"fmt"

	"github.com/tnqls0624/weave-presence/common"
	"github.com/tnqls0624/weave-presence/presence"
)

// GetStore define the presence store selected by the config
func GetStore(ctxt context.Context, config common.StoreConfig) (presence.Store, error) {
	switch config.Backend {
	case "memory":
		return presence.GetInMemoryStore()
	case "sqlite":
		return GetSqliteStore(ctxt, config.Sqlite)
	case "postgres":
		return GetPostgresStore(ctxt, config.Postgres)
	default:
		return nil, fmt.Errorf("unknown presence store backend '%s'", config.Backend)
	}
}
