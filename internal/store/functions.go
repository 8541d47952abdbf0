package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zcrmtools/crmdash/internal/schema"
)

// LoadFunctions returns every cached function of the organization, detail
// included. An empty slice means a cold function cache.
func (s *Store) LoadFunctions(ctx context.Context) ([]schema.Function, error) {
	if s.conn == nil {
		return nil, &StoreError{Op: "load functions", Err: errClosed}
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT data FROM functions WHERE org_id = ? ORDER BY id`, s.orgID)
	if err != nil {
		return nil, storeErr("load functions", err)
	}
	defer rows.Close()

	var out []schema.Function
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storeErr("load functions", fmt.Errorf("scan row: %w", err))
		}
		var fn schema.Function
		if err := json.Unmarshal([]byte(data), &fn); err != nil {
			return nil, storeErr("load functions", fmt.Errorf("decode row: %w", err))
		}
		out = append(out, fn)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load functions", err)
	}
	return out, nil
}

// LoadFunctionMeta returns the function sync metadata, or nil if no pass
// has completed for this organization.
func (s *Store) LoadFunctionMeta(ctx context.Context) (*schema.CacheMeta, error) {
	return s.loadMeta(ctx, "functions_meta", schema.CollectionFunctions)
}

// ApplyFunctionDelta upserts put, deletes deleteIDs and rewrites the sync
// metadata in one transaction. Nothing is written if any step fails.
func (s *Store) ApplyFunctionDelta(ctx context.Context, put []schema.Function, deleteIDs []string, lastUpdate time.Time) error {
	return s.withTx(ctx, "apply function delta", func(tx *sql.Tx) error {
		if err := s.putFunctions(ctx, tx, put); err != nil {
			return err
		}
		for _, id := range deleteIDs {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM functions WHERE org_id = ? AND id = ?`, s.orgID, id); err != nil {
				return fmt.Errorf("delete function %s: %w", id, err)
			}
		}
		return putMeta(ctx, tx, "functions_meta", s.orgID, lastUpdate)
	})
}

// ReplaceFunctions swaps the whole function collection for all in one
// transaction.
func (s *Store) ReplaceFunctions(ctx context.Context, all []schema.Function, lastUpdate time.Time) error {
	return s.withTx(ctx, "replace functions", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM functions WHERE org_id = ?`, s.orgID); err != nil {
			return fmt.Errorf("clear functions: %w", err)
		}
		if err := s.putFunctions(ctx, tx, all); err != nil {
			return err
		}
		return putMeta(ctx, tx, "functions_meta", s.orgID, lastUpdate)
	})
}

func (s *Store) putFunctions(ctx context.Context, tx *sql.Tx, fns []schema.Function) error {
	if len(fns) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO functions (org_id, id, updated_time, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(org_id, id) DO UPDATE SET
			updated_time = excluded.updated_time,
			data = excluded.data
	`)
	if err != nil {
		return fmt.Errorf("prepare function upsert: %w", err)
	}
	defer stmt.Close()

	for i := range fns {
		fn := &fns[i]
		if err := fn.Validate(); err != nil {
			s.logger.Printf("WARNING: not caching function at index %d: %v", i, err)
			continue
		}
		data, err := json.Marshal(fn)
		if err != nil {
			return fmt.Errorf("encode function %s: %w", fn.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, s.orgID, fn.ID, int64(fn.UpdatedTime), string(data)); err != nil {
			return fmt.Errorf("upsert function %s: %w", fn.ID, err)
		}
	}
	return nil
}
