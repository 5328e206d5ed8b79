package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ppiankov/govgate/internal/change"
	"github.com/ppiankov/govgate/internal/model"
)

// ChangeStore persists change requests with an optimistic version column.
type ChangeStore struct {
	db     *sql.DB
	writer *Worker
}

// NewChangeStore returns a change.Store over d.
func NewChangeStore(d *DB) *ChangeStore {
	return &ChangeStore{db: d.SQL, writer: d.Writer}
}

func (s *ChangeStore) Create(ctx context.Context, r *change.Request) error {
	r.Version = 1
	doc, err := encodeDoc(r)
	if err != nil {
		return err
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO change_requests(id, key, status, tenant_id, created_at_ms, version, doc)
VALUES (?, ?, ?, ?, ?, ?, ?);`,
			r.ID, r.Key, r.Status, r.TenantID, r.CreatedAt.UnixMilli(), r.Version, doc)
		if err != nil {
			return fmt.Errorf("sqlite: create change %s: %w", r.Key, err)
		}
		return nil
	})
}

func (s *ChangeStore) Update(ctx context.Context, r *change.Request) error {
	next := r.Clone()
	next.Version = r.Version + 1
	doc, err := encodeDoc(next)
	if err != nil {
		return err
	}
	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE change_requests SET status = ?, version = ?, doc = ?
WHERE id = ? AND version = ?;`,
			next.Status, next.Version, doc, r.ID, r.Version)
		if err != nil {
			return fmt.Errorf("sqlite: update change %s: %w", r.Key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM change_requests WHERE id = ?;`, r.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		return model.ErrVersionConflict
	})
	if err != nil {
		return err
	}
	r.Version = next.Version
	return nil
}

func (s *ChangeStore) Delete(ctx context.Context, id string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return execOne(ctx, tx, `DELETE FROM change_requests WHERE id = ?;`, id)
	})
}

func (s *ChangeStore) Get(ctx context.Context, idOrKey string) (*change.Request, error) {
	var r change.Request
	if err := getDoc(ctx, s.db, &r,
		`SELECT doc FROM change_requests WHERE id = ? OR key = ?;`, idOrKey, idOrKey); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *ChangeStore) List(ctx context.Context, f change.Filter) ([]change.Request, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	q := `SELECT doc FROM change_requests`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at_ms, key`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return listDocs[change.Request](ctx, s.db, q+";", args...)
}

func (s *ChangeStore) NextSeq(ctx context.Context, year int) (int, error) {
	var seq int
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO change_key_seq(year, seq) VALUES (?, 1)
ON CONFLICT(year) DO UPDATE SET seq = seq + 1;`, year); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT seq FROM change_key_seq WHERE year = ?;`, year).Scan(&seq)
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite: next change seq: %w", err)
	}
	return seq, nil
}
