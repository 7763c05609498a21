// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite instance store for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/persistence"
)

// Compile-time interface assertion.
var _ persistence.Store = (*Store)(nil)

// Store is a SQLite-backed instance store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite instance store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS owners (
			id TEXT PRIMARY KEY,
			metadata TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			owner_id TEXT,
			data TEXT NOT NULL,
			metadata TEXT NOT NULL,
			status TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateOwner implements persistence.Store.
func (s *Store) CreateOwner(ctx context.Context, metadata map[string]persistence.Value) (uuid.UUID, error) {
	return s.createOwner(ctx, metadata)
}

// CreateOwnerWithIdentity implements persistence.Store. The identity and
// filter travel in the owner metadata.
func (s *Store) CreateOwnerWithIdentity(ctx context.Context, identity persistence.DefinitionIdentity, filter persistence.IdentityFilter, metadata map[string]persistence.Value) (uuid.UUID, error) {
	md := make(map[string]persistence.Value, len(metadata)+2)
	for k, v := range metadata {
		md[k] = v
	}
	md[persistence.KeyDefinitionIdentity] = persistence.Value{Value: map[string]any{
		"name":    identity.Name,
		"version": identity.Version,
	}}
	md[persistence.KeyDefinitionIdentityFilter] = persistence.Value{Value: filter.String()}
	return s.createOwner(ctx, md)
}

func (s *Store) createOwner(ctx context.Context, metadata map[string]persistence.Value) (uuid.UUID, error) {
	id := uuid.New()
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal owner metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO owners (id, metadata, created_at) VALUES (?, ?, ?)`,
		id.String(), string(metadataJSON), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return uuid.Nil, &errors.PersistenceError{Op: "CreateOwner", Transient: true, Cause: err}
	}
	return id, nil
}

// DeleteOwner implements persistence.Store.
func (s *Store) DeleteOwner(ctx context.Context, owner uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM owners WHERE id = ?`, owner.String())
	if err != nil {
		return &errors.PersistenceError{Op: "DeleteOwner", Transient: true, Cause: err}
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return &errors.NotFoundError{Resource: "owner", ID: owner.String()}
	}

	_, err = s.db.ExecContext(ctx, `UPDATE instances SET owner_id = NULL WHERE owner_id = ?`, owner.String())
	if err != nil {
		return &errors.PersistenceError{Op: "DeleteOwner", Transient: true, Cause: err}
	}
	return nil
}

// SaveWorkflow implements persistence.Store.
func (s *Store) SaveWorkflow(ctx context.Context, req persistence.SaveRequest) error {
	if err := s.checkOwner(ctx, "SaveWorkflow", req.Owner); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.PersistenceError{Op: "SaveWorkflow", Transient: true, Cause: err}
	}
	defer tx.Rollback()

	var lockedBy sql.NullString
	var dataJSON, metadataJSON string
	exists := true
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id, data, metadata FROM instances WHERE id = ?`, req.InstanceID.String(),
	).Scan(&lockedBy, &dataJSON, &metadataJSON)
	if err == sql.ErrNoRows {
		exists = false
	} else if err != nil {
		return &errors.PersistenceError{Op: "SaveWorkflow", Transient: true, Cause: err}
	}

	if exists && lockedBy.Valid && lockedBy.String != req.Owner.String() {
		return &errors.PersistenceError{
			Op:    "SaveWorkflow",
			Cause: fmt.Errorf("instance %s is locked by another owner", req.InstanceID),
		}
	}

	if req.Complete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, req.InstanceID.String()); err != nil {
			return &errors.PersistenceError{Op: "SaveWorkflow", Transient: true, Cause: err}
		}
		return commit(tx, "SaveWorkflow")
	}

	data := map[string]persistence.Value{}
	metadata := map[string]persistence.Value{}
	if exists {
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			return &errors.PersistenceError{Op: "SaveWorkflow", Cause: err}
		}
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return &errors.PersistenceError{Op: "SaveWorkflow", Cause: err}
		}
	}
	if req.InstanceData != nil {
		data = req.InstanceData
	}
	for k, v := range req.MetadataChanges {
		metadata[k] = v
	}

	newDataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal instance data: %w", err)
	}
	newMetadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal instance metadata: %w", err)
	}

	var ownerValue any
	if !req.Unlock {
		ownerValue = req.Owner.String()
	}
	now := time.Now().UTC().Format(time.RFC3339)

	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE instances SET owner_id = ?, data = ?, metadata = ?, status = ?, updated_at = ? WHERE id = ?`,
			ownerValue, string(newDataJSON), string(newMetadataJSON), statusOf(data), now, req.InstanceID.String(),
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO instances (id, owner_id, data, metadata, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			req.InstanceID.String(), ownerValue, string(newDataJSON), string(newMetadataJSON), statusOf(data), now, now,
		)
	}
	if err != nil {
		return &errors.PersistenceError{Op: "SaveWorkflow", Transient: true, Cause: err}
	}
	return commit(tx, "SaveWorkflow")
}

// LoadWorkflow implements persistence.Store.
func (s *Store) LoadWorkflow(ctx context.Context, owner, instanceID uuid.UUID) (*persistence.InstanceView, error) {
	if err := s.checkOwner(ctx, "LoadWorkflow", owner); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.PersistenceError{Op: "LoadWorkflow", Transient: true, Cause: err}
	}
	defer tx.Rollback()

	var lockedBy sql.NullString
	var dataJSON, metadataJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id, data, metadata FROM instances WHERE id = ?`, instanceID.String(),
	).Scan(&lockedBy, &dataJSON, &metadataJSON)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "instance", ID: instanceID.String()}
	}
	if err != nil {
		return nil, &errors.PersistenceError{Op: "LoadWorkflow", Transient: true, Cause: err}
	}

	if lockedBy.Valid && lockedBy.String != owner.String() {
		return nil, &errors.PersistenceError{
			Op:        "LoadWorkflow",
			Transient: true,
			Cause:     fmt.Errorf("instance %s is locked by another owner", instanceID),
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE instances SET owner_id = ? WHERE id = ?`, owner.String(), instanceID.String(),
	); err != nil {
		return nil, &errors.PersistenceError{Op: "LoadWorkflow", Transient: true, Cause: err}
	}
	if err := commit(tx, "LoadWorkflow"); err != nil {
		return nil, err
	}

	return buildView(instanceID, owner, dataJSON, metadataJSON)
}

// TryLoadRunnableWorkflow implements persistence.Store.
func (s *Store) TryLoadRunnableWorkflow(ctx context.Context, owner uuid.UUID) (*persistence.InstanceView, error) {
	if err := s.checkOwner(ctx, "TryLoadRunnableWorkflow", owner); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.PersistenceError{Op: "TryLoadRunnableWorkflow", Transient: true, Cause: err}
	}
	defer tx.Rollback()

	var id string
	var dataJSON, metadataJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT id, data, metadata FROM instances
		 WHERE owner_id IS NULL AND status = ?
		 ORDER BY updated_at LIMIT 1`,
		persistence.StatusExecuting,
	).Scan(&id, &dataJSON, &metadataJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.PersistenceError{Op: "TryLoadRunnableWorkflow", Transient: true, Cause: err}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE instances SET owner_id = ? WHERE id = ?`, owner.String(), id,
	); err != nil {
		return nil, &errors.PersistenceError{Op: "TryLoadRunnableWorkflow", Transient: true, Cause: err}
	}
	if err := commit(tx, "TryLoadRunnableWorkflow"); err != nil {
		return nil, err
	}

	instanceID, err := uuid.Parse(id)
	if err != nil {
		return nil, &errors.PersistenceError{Op: "TryLoadRunnableWorkflow", Cause: err}
	}
	return buildView(instanceID, owner, dataJSON, metadataJSON)
}

func (s *Store) checkOwner(ctx context.Context, op string, owner uuid.UUID) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM owners WHERE id = ?`, owner.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return &errors.PersistenceError{Op: op, Cause: fmt.Errorf("owner %s is not registered with this store", owner)}
	}
	if err != nil {
		return &errors.PersistenceError{Op: op, Transient: true, Cause: err}
	}
	return nil
}

func commit(tx *sql.Tx, op string) error {
	if err := tx.Commit(); err != nil {
		return &errors.PersistenceError{Op: op, Transient: true, Cause: err}
	}
	return nil
}

func buildView(instanceID, owner uuid.UUID, dataJSON, metadataJSON string) (*persistence.InstanceView, error) {
	data := map[string]persistence.Value{}
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return nil, &errors.PersistenceError{Op: "LoadWorkflow", Cause: err}
	}
	metadata := map[string]persistence.Value{}
	if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
		return nil, &errors.PersistenceError{Op: "LoadWorkflow", Cause: err}
	}

	for k, v := range data {
		if v.IsWriteOnly() {
			delete(data, k)
		}
	}

	return &persistence.InstanceView{
		InstanceID:       instanceID,
		InstanceData:     data,
		InstanceMetadata: metadata,
		InstanceOwner:    owner,
		IsBoundToLock:    true,
	}, nil
}

func statusOf(data map[string]persistence.Value) string {
	if v, ok := data[persistence.KeyStatus]; ok {
		if s, ok := v.Value.(string); ok {
			return s
		}
	}
	return ""
}
