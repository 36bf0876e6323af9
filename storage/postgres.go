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

	"github.com/apex/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tnqls0624/weave-presence/common"
	"github.com/tnqls0624/weave-presence/presence"
)

// postgresStoreImpl postgres backed presence store
type postgresStoreImpl struct {
	common.Component
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workspace_locations (
  workspace_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  user_name TEXT NOT NULL,
  latitude DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL,
  observed_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (workspace_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_workspace_locations_observed
  ON workspace_locations(workspace_id, observed_at DESC);
`

// GetPostgresStore define a postgres backed presence store
func GetPostgresStore(
	ctxt context.Context, config common.PostgresStoreConfig,
) (presence.Store, error) {
	logTags := log.Fields{
		"module": "storage", "component": "postgres-store",
	}
	poolConfig, err := pgxpool.ParseConfig(config.URI)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse postgres URI")
		return nil, err
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctxt, poolConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to create postgres pool")
		return nil, err
	}
	if err := pool.Ping(ctxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Postgres ping failed")
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctxt, postgresSchema); err != nil {
		log.WithError(err).WithFields(logTags).Error("Schema migration failed")
		pool.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Opened postgres presence store")
	return &postgresStoreImpl{
		Component: common.Component{LogTags: logTags}, pool: pool,
	}, nil
}

// Upsert record a user's latest location within a workspace
func (s *postgresStoreImpl) Upsert(
	ctxt context.Context, workspaceID, userID, userName string, latitude, longitude float64,
) (presence.LocationRecord, error) {
	record := presence.LocationRecord{}
	err := s.pool.QueryRow(ctxt,
		`INSERT INTO workspace_locations
		   (workspace_id, user_id, user_name, latitude, longitude, observed_at)
		 VALUES ($1,$2,$3,$4,$5,NOW())
		 ON CONFLICT (workspace_id, user_id) DO UPDATE SET
		   user_name=EXCLUDED.user_name,
		   latitude=EXCLUDED.latitude,
		   longitude=EXCLUDED.longitude,
		   observed_at=EXCLUDED.observed_at
		 RETURNING workspace_id, user_id, user_name, latitude, longitude, observed_at`,
		workspaceID, userID, userName, latitude, longitude,
	).Scan(
		&record.WorkspaceID,
		&record.UserID,
		&record.UserName,
		&record.Latitude,
		&record.Longitude,
		&record.ObservedAt,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to upsert location of %s@%s", userID, workspaceID,
		)
		return presence.LocationRecord{}, err
	}
	log.WithFields(s.LogTags).Debugf("Stored %s", record.String())
	return record, nil
}

// ListLatest the latest location of every user within a workspace
func (s *postgresStoreImpl) ListLatest(
	ctxt context.Context, workspaceID string,
) ([]presence.LocationRecord, error) {
	rows, err := s.pool.Query(ctxt,
		`SELECT workspace_id, user_id, user_name, latitude, longitude, observed_at
		 FROM workspace_locations WHERE workspace_id = $1
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
		if err := rows.Scan(
			&record.WorkspaceID,
			&record.UserID,
			&record.UserName,
			&record.Latitude,
			&record.Longitude,
			&record.ObservedAt,
		); err != nil {
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
func (s *postgresStoreImpl) Close() error {
	log.WithFields(s.LogTags).Info("Closing postgres presence store")
	s.pool.Close()
	return nil
}
