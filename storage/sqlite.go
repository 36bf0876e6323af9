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

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/tnqls0624/weave-presence/common"
	"github.com/tnqls0624/weave-presence/presence"

	_ "modernc.org/sqlite"
)

// sqliteStoreImpl sqlite backed presence store
type sqliteStoreImpl struct {
	common.Component
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workspace_locations (
  workspace_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  user_name TEXT NOT NULL,
  latitude REAL NOT NULL,
  longitude REAL NOT NULL,
  observed_at TEXT NOT NULL,
  PRIMARY KEY (workspace_id, user_id)
);
`

// GetSqliteStore define a sqlite backed presence store
func GetSqliteStore(
	ctxt context.Context, config common.SqliteStoreConfig,
) (presence.Store, error) {
	logTags := log.Fields{
		"module": "storage", "component": "sqlite-store", "db": config.DBFile,
	}
	if config.DBFile == "" {
		return nil, fmt.Errorf("sqlite presence store requires a DB file path")
	}
	if err := os.MkdirAll(filepath.Dir(config.DBFile), 0o755); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to create DB file directory")
		return nil, err
	}
	db, err := sql.Open("sqlite", config.DBFile)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open sqlite DB")
		return nil, err
	}
	// sqlite tolerates only one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.ExecContext(ctxt, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctxt, "PRAGMA synchronous = NORMAL")
	if _, err := db.ExecContext(ctxt, sqliteSchema); err != nil {
		log.WithError(err).WithFields(logTags).Error("Schema migration failed")
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Opened sqlite presence store")
	return &sqliteStoreImpl{
		Component: common.Component{LogTags: logTags}, db: db,
	}, nil
}

// Upsert record a user's latest location within a workspace
func (s *sqliteStoreImpl) Upsert(
	ctxt context.Context, workspaceID, userID, userName string, latitude, longitude float64,
) (presence.LocationRecord, error) {
	record := presence.LocationRecord{
		WorkspaceID: workspaceID,
		UserID:      userID,
		UserName:    userName,
		Latitude:    latitude,
		Longitude:   longitude,
		ObservedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctxt,
		`INSERT INTO workspace_locations
		   (workspace_id, user_id, user_name, latitude, longitude, observed_at)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT(workspace_id, user_id) DO UPDATE SET
		   user_name=excluded.user_name,
		   latitude=excluded.latitude,
		   longitude=excluded.longitude,
		   observed_at=excluded.observed_at`,
		workspaceID, userID, userName, latitude, longitude,
		record.ObservedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to upsert %s", record.String(),
		)
		return presence.LocationRecord{}, err
	}
	log.WithFields(s.LogTags).Debugf("Stored %s", record.String())
	return record, nil
}

// ListLatest the latest location of every user within a workspace
func (s *sqliteStoreImpl) ListLatest(
	ctxt context.Context, workspaceID string,
) ([]presence.LocationRecord, error) {
	rows, err := s.db.QueryContext(ctxt,
		`SELECT workspace_id, user_id, user_name, latitude, longitude, observed_at
		 FROM workspace_locations WHERE workspace_id = ?
		 ORDER BY observed_at DESC, user_id ASC`,
		workspaceID,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to list locations of workspace %s", workspaceID,
		)
		return nil, err
	}
	defer rows.Close()

	records := []presence.LocationRecord{}
	for rows.Next() {
		var record presence.LocationRecord
		var observedAt string
		if err := rows.Scan(
			&record.WorkspaceID,
			&record.UserID,
			&record.UserName,
			&record.Latitude,
			&record.Longitude,
			&observedAt,
		); err != nil {
			return nil, err
		}
		record.ObservedAt, err = time.Parse(time.RFC3339Nano, observedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Close close the store
func (s *sqliteStoreImpl) Close() error {
	log.WithFields(s.LogTags).Info("Closing sqlite presence store")
	return s.db.Close()
}
