// Copyright 2026 The RealmKeeper Authors
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

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/realmkeeper/realmkeeper/internal/persistence"
)

// SnapshotRepository implements persistence.SnapshotStore
type SnapshotRepository struct {
	db *DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save replaces the stored snapshot in one transaction
func (r *SnapshotRepository) Save(ctx context.Context, snap *persistence.Snapshot) error {
	ids := make([]string, 0, len(snap.Tenants))
	for id := range snap.Tenants {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM realm_tenants WHERE NOT (tenant_id = ANY($1))`, ids); err != nil {
		return fmt.Errorf("failed to delete removed tenants: %w", err)
	}

	batch := &pgx.Batch{}
	for _, id := range ids {
		doc, err := json.Marshal(snap.Tenants[id])
		if err != nil {
			return fmt.Errorf("failed to encode tenant %s: %w", id, err)
		}
		batch.Queue(`
			INSERT INTO realm_tenants (tenant_id, document, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (tenant_id) DO UPDATE
			SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at
		`, id, doc)

		if blob, ok := snap.Filters[id]; ok {
			batch.Queue(`
				INSERT INTO realm_filters (tenant_id, blob, updated_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT (tenant_id) DO UPDATE
				SET blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at
			`, id, blob)
		} else {
			batch.Queue(`DELETE FROM realm_filters WHERE tenant_id = $1`, id)
		}
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot
func (r *SnapshotRepository) Load(ctx context.Context) (*persistence.Snapshot, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT t.tenant_id, t.document, f.blob
		FROM realm_tenants t
		LEFT JOIN realm_filters f ON f.tenant_id = t.tenant_id
		ORDER BY t.tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	snap := persistence.NewSnapshot()
	for rows.Next() {
		var (
			id   string
			doc  []byte
			blob []byte
		)
		if err := rows.Scan(&id, &doc, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		var rec persistence.TenantRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode tenant %s: %w", id, err)
		}
		snap.Tenants[id] = rec
		if blob != nil {
			snap.Filters[id] = blob
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if len(snap.Tenants) == 0 {
		return nil, persistence.ErrSnapshotNotFound
	}
	return snap, nil
}
