package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/zcrmtools/crmdash/internal/schema"
)

// LoadScripts returns the cached script collection. found is false when no
// script pass has ever completed for the organization (cold cache), in
// which case the snapshot is nil.
func (s *Store) LoadScripts(ctx context.Context) (*schema.ScriptSet, bool, error) {
	meta, err := s.loadMeta(ctx, "scripts_meta", schema.CollectionScripts)
	if err != nil {
		return nil, false, err
	}
	if meta == nil {
		return nil, false, nil
	}

	snap := &schema.ScriptSet{
		Details:    make(map[string]schema.ScriptDetail),
		LastUpdate: meta.LastUpdate,
	}

	if err := loadJSONRows(ctx, s.conn, "script_pages", "uuid", s.orgID, func(data []byte) error {
		var p schema.Page
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		snap.Pages = append(snap.Pages, p)
		return nil
	}); err != nil {
		return nil, false, storeErr("load script pages", err)
	}

	if err := loadJSONRows(ctx, s.conn, "static_resources", "id", s.orgID, func(data []byte) error {
		var r schema.StaticResource
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		snap.StaticResources = append(snap.StaticResources, r)
		return nil
	}); err != nil {
		return nil, false, storeErr("load static resources", err)
	}

	if err := loadJSONRows(ctx, s.conn, "scripts", "id", s.orgID, func(data []byte) error {
		var sc schema.Script
		if err := json.Unmarshal(data, &sc); err != nil {
			return err
		}
		snap.Scripts = append(snap.Scripts, sc)
		return nil
	}); err != nil {
		return nil, false, storeErr("load scripts", err)
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT script_id, source_code, async_code_url FROM script_sources WHERE org_id = ?`, s.orgID)
	if err != nil {
		return nil, false, storeErr("load script sources", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var d schema.ScriptDetail
		if err := rows.Scan(&id, &d.SourceCode, &d.AsyncCodeURL); err != nil {
			return nil, false, storeErr("load script sources", fmt.Errorf("scan row: %w", err))
		}
		snap.Details[id] = d
	}
	if err := rows.Err(); err != nil {
		return nil, false, storeErr("load script sources", err)
	}

	return snap, true, nil
}

// SaveScripts rewrites the organization's script collection (pages, static
// resources, listings, sources and metadata) in one transaction.
func (s *Store) SaveScripts(ctx context.Context, snap *schema.ScriptSet) error {
	if snap == nil {
		return &StoreError{Op: "save scripts", Err: fmt.Errorf("snapshot is nil")}
	}

	return s.withTx(ctx, "save scripts", func(tx *sql.Tx) error {
		if err := clearScripts(ctx, tx, s.orgID, false); err != nil {
			return err
		}

		for _, p := range snap.Pages {
			if p.UUID == "" {
				s.logger.Printf("WARNING: not caching script page without uuid")
				continue
			}
			if err := insertJSON(ctx, tx, "script_pages", "uuid", s.orgID, p.UUID, p); err != nil {
				return err
			}
		}
		for _, r := range snap.StaticResources {
			if r.ID == "" {
				s.logger.Printf("WARNING: not caching static resource without id")
				continue
			}
			if err := insertJSON(ctx, tx, "static_resources", "id", s.orgID, r.ID, r); err != nil {
				return err
			}
		}
		for i := range snap.Scripts {
			sc := &snap.Scripts[i]
			if err := sc.Validate(); err != nil {
				s.logger.Printf("WARNING: not caching script at index %d: %v", i, err)
				continue
			}
			if err := insertJSON(ctx, tx, "scripts", "id", s.orgID, sc.ID, sc); err != nil {
				return err
			}
		}
		for id, d := range snap.Details {
			if id == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO script_sources (org_id, script_id, source_code, async_code_url)
				VALUES (?, ?, ?, ?)
			`, s.orgID, id, d.SourceCode, d.AsyncCodeURL); err != nil {
				return fmt.Errorf("insert source of script %s: %w", id, err)
			}
		}

		return putMeta(ctx, tx, "scripts_meta", s.orgID, snap.LastUpdate)
	})
}

// clearScripts removes the organization's script rows. The metadata record
// is only removed when withMeta is set, since it is the warm-cache marker.
func clearScripts(ctx context.Context, tx *sql.Tx, orgID string, withMeta bool) error {
	tables := []string{"scripts", "script_sources", "script_pages", "static_resources"}
	if withMeta {
		tables = append(tables, "scripts_meta")
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE org_id = ?", orgID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

func insertJSON(ctx context.Context, tx *sql.Tx, table, keyCol, orgID, key string, v any) error {
	if key == "" {
		return fmt.Errorf("insert into %s: empty %s", table, keyCol)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s row %s: %w", table, key, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (org_id, %s, data) VALUES (?, ?, ?)
		ON CONFLICT(org_id, %s) DO UPDATE SET data = excluded.data`, table, keyCol, keyCol)
	if _, err := tx.ExecContext(ctx, query, orgID, key, string(data)); err != nil {
		return fmt.Errorf("insert into %s row %s: %w", table, key, err)
	}
	return nil
}

func loadJSONRows(ctx context.Context, conn *sql.DB, table, keyCol, orgID string, fn func([]byte) error) error {
	if conn == nil {
		return errClosed
	}
	query := fmt.Sprintf(`SELECT data FROM %s WHERE org_id = ? ORDER BY %s`, table, keyCol)
	rows, err := conn.QueryContext(ctx, query, orgID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		if err := fn([]byte(data)); err != nil {
			return fmt.Errorf("decode row: %w", err)
		}
	}
	return rows.Err()
}
