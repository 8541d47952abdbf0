package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zcrmtools/crmdash/internal/schema"
)

var errClosed = errors.New("database is closed")

func (s *Store) loadMeta(ctx context.Context, table string, c schema.Collection) (*schema.CacheMeta, error) {
	op := "load " + c.String() + " metadata"
	if s.conn == nil {
		return nil, &StoreError{Op: op, Err: errClosed}
	}

	var raw string
	err := s.conn.QueryRowContext(ctx,
		"SELECT last_update FROM "+table+" WHERE org_id = ?", s.orgID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(op, err)
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, storeErr(op, fmt.Errorf("parse last_update %q: %w", raw, err))
	}
	return &schema.CacheMeta{OrgID: s.orgID, Collection: c, LastUpdate: t}, nil
}

func putMeta(ctx context.Context, tx *sql.Tx, table, orgID string, lastUpdate time.Time) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO "+table+` (org_id, last_update) VALUES (?, ?)
		ON CONFLICT(org_id) DO UPDATE SET last_update = excluded.last_update`,
		orgID, lastUpdate.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	return nil
}

// Clear drops the organization's cached rows and metadata for each given
// collection, all in one transaction. No collections means all of them.
func (s *Store) Clear(ctx context.Context, collections ...schema.Collection) error {
	if len(collections) == 0 {
		collections = schema.AllCollections
	}

	return s.withTx(ctx, "clear cache", func(tx *sql.Tx) error {
		for _, c := range collections {
			switch c {
			case schema.CollectionFunctions:
				for _, table := range []string{"functions", "functions_meta"} {
					if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE org_id = ?", s.orgID); err != nil {
						return fmt.Errorf("clear %s: %w", table, err)
					}
				}
			case schema.CollectionScripts:
				if err := clearScripts(ctx, tx, s.orgID, true); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown collection %q", c)
			}
		}
		return nil
	})
}

// CollectionStats summarizes one cached collection.
type CollectionStats struct {
	Collection schema.Collection `json:"collection"`
	Items      int               `json:"items"`
	Hydrated   int               `json:"hydrated"`
	LastUpdate time.Time         `json:"last_update,omitempty"`
}

// Stats summarizes the organization's cache.
type Stats struct {
	OrgID       string          `json:"org_id"`
	Path        string          `json:"path"`
	SizeBytes   int64           `json:"size_bytes"`
	Functions   CollectionStats `json:"functions"`
	Scripts     CollectionStats `json:"scripts"`
	Pages       int             `json:"pages"`
	StaticFiles int             `json:"static_resources"`
}

// Stats counts cached rows per collection and reports the metadata
// timestamps and the database file size.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	if s.conn == nil {
		return nil, &StoreError{Op: "read stats", Err: errClosed}
	}

	st := &Stats{
		OrgID:     s.orgID,
		Path:      s.path,
		Functions: CollectionStats{Collection: schema.CollectionFunctions},
		Scripts:   CollectionStats{Collection: schema.CollectionScripts},
	}

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM functions WHERE org_id = ?`, &st.Functions.Items},
		{`SELECT COUNT(*) FROM functions WHERE org_id = ? AND json_extract(data, '$.detail') IS NOT NULL`, &st.Functions.Hydrated},
		{`SELECT COUNT(*) FROM scripts WHERE org_id = ?`, &st.Scripts.Items},
		{`SELECT COUNT(*) FROM script_sources WHERE org_id = ?`, &st.Scripts.Hydrated},
		{`SELECT COUNT(*) FROM script_pages WHERE org_id = ?`, &st.Pages},
		{`SELECT COUNT(*) FROM static_resources WHERE org_id = ?`, &st.StaticFiles},
	}
	for _, c := range counts {
		if err := s.conn.QueryRowContext(ctx, c.query, s.orgID).Scan(c.dst); err != nil {
			return nil, storeErr("read stats", err)
		}
	}

	fm, err := s.LoadFunctionMeta(ctx)
	if err != nil {
		return nil, err
	}
	if fm != nil {
		st.Functions.LastUpdate = fm.LastUpdate
	}
	sm, err := s.loadMeta(ctx, "scripts_meta", schema.CollectionScripts)
	if err != nil {
		return nil, err
	}
	if sm != nil {
		st.Scripts.LastUpdate = sm.LastUpdate
	}

	if info, err := os.Stat(s.path); err == nil {
		st.SizeBytes = info.Size()
	}

	return st, nil
}
