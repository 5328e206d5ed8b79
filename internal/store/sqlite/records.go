package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ppiankov/govgate/internal/breakglass"
	"github.com/ppiankov/govgate/internal/killswitch"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/policy"
	"github.com/ppiankov/govgate/internal/review"
)

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeDoc(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(b), nil
}

// getDoc decodes the single doc column selected by query into dst.
// Returns model.ErrNotFound when no row matches.
func getDoc(ctx context.Context, db *sql.DB, dst any, query string, args ...any) error {
	var doc string
	err := db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(doc), dst)
}

// listDocs decodes every doc column selected by query.
func listDocs[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func execOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// KillSwitchStore persists kill switches. A partial unique index keeps at
// most one active switch per (scope, target).
type KillSwitchStore struct {
	db     *sql.DB
	writer *Worker
}

// NewKillSwitchStore returns a killswitch.Store over d.
func NewKillSwitchStore(d *DB) *KillSwitchStore {
	return &KillSwitchStore{db: d.SQL, writer: d.Writer}
}

func (s *KillSwitchStore) Create(ctx context.Context, sw *killswitch.Switch) error {
	doc, err := encodeDoc(sw)
	if err != nil {
		return err
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO kill_switches(id, scope, target, active, activated_at_ms, doc)
VALUES (?, ?, ?, ?, ?, ?);`,
			sw.ID, sw.Scope, sw.Target, boolInt(sw.Active), sw.ActivatedAt.UnixMilli(), doc)
		if err != nil {
			return fmt.Errorf("sqlite: create kill switch %s: %w", sw.ID, err)
		}
		return nil
	})
}

func (s *KillSwitchStore) Update(ctx context.Context, sw *killswitch.Switch) error {
	doc, err := encodeDoc(sw)
	if err != nil {
		return err
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return execOne(ctx, tx, `UPDATE kill_switches SET active = ?, doc = ? WHERE id = ?;`,
			boolInt(sw.Active), doc, sw.ID)
	})
}

func (s *KillSwitchStore) Delete(ctx context.Context, id string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return execOne(ctx, tx, `DELETE FROM kill_switches WHERE id = ?;`, id)
	})
}

func (s *KillSwitchStore) Get(ctx context.Context, id string) (*killswitch.Switch, error) {
	var sw killswitch.Switch
	if err := getDoc(ctx, s.db, &sw, `SELECT doc FROM kill_switches WHERE id = ?;`, id); err != nil {
		return nil, err
	}
	return &sw, nil
}

func (s *KillSwitchStore) FindActive(ctx context.Context, scope model.Scope, target string) (*killswitch.Switch, error) {
	var sw killswitch.Switch
	err := getDoc(ctx, s.db, &sw,
		`SELECT doc FROM kill_switches WHERE scope = ? AND target = ? AND active = 1;`, scope, target)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sw, nil
}

func (s *KillSwitchStore) List(ctx context.Context, activeOnly bool) ([]killswitch.Switch, error) {
	q := `SELECT doc FROM kill_switches ORDER BY activated_at_ms, id;`
	if activeOnly {
		q = `SELECT doc FROM kill_switches WHERE active = 1 ORDER BY activated_at_ms, id;`
	}
	return listDocs[killswitch.Switch](ctx, s.db, q)
}

// BreakGlassStore persists break-glass grants.
type BreakGlassStore struct {
	db     *sql.DB
	writer *Worker
}

// NewBreakGlassStore returns a breakglass.Store over d.
func NewBreakGlassStore(d *DB) *BreakGlassStore {
	return &BreakGlassStore{db: d.SQL, writer: d.Writer}
}

func grantOpen(g *breakglass.Grant) int {
	return boolInt(g.RevokedAt == nil && !g.ExpiryRecorded)
}

func (s *BreakGlassStore) Create(ctx context.Context, g *breakglass.Grant) error {
	doc, err := encodeDoc(g)
	if err != nil {
		return err
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO break_glass_grants(id, requester, is_open, granted_at_ms, doc)
VALUES (?, ?, ?, ?, ?);`,
			g.ID, g.Requester, grantOpen(g), g.GrantedAt.UnixMilli(), doc)
		if err != nil {
			return fmt.Errorf("sqlite: create grant %s: %w", g.ID, err)
		}
		return nil
	})
}

func (s *BreakGlassStore) Update(ctx context.Context, g *breakglass.Grant) error {
	doc, err := encodeDoc(g)
	if err != nil {
		return err
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return execOne(ctx, tx, `UPDATE break_glass_grants SET is_open = ?, doc = ? WHERE id = ?;`,
			grantOpen(g), doc, g.ID)
	})
}

func (s *BreakGlassStore) Get(ctx context.Context, id string) (*breakglass.Grant, error) {
	var g breakglass.Grant
	if err := getDoc(ctx, s.db, &g, `SELECT doc FROM break_glass_grants WHERE id = ?;`, id); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BreakGlassStore) ListOpen(ctx context.Context) ([]breakglass.Grant, error) {
	return listDocs[breakglass.Grant](ctx, s.db,
		`SELECT doc FROM break_glass_grants WHERE is_open = 1 ORDER BY granted_at_ms, id;`)
}

func (s *BreakGlassStore) List(ctx context.Context) ([]breakglass.Grant, error) {
	return listDocs[breakglass.Grant](ctx, s.db,
		`SELECT doc FROM break_glass_grants ORDER BY granted_at_ms, id;`)
}

// PolicyStore persists control policies.
type PolicyStore struct {
	db     *sql.DB
	writer *Worker
}

// NewPolicyStore returns a policy.Store over d.
func NewPolicyStore(d *DB) *PolicyStore {
	return &PolicyStore{db: d.SQL, writer: d.Writer}
}

func (s *PolicyStore) Upsert(ctx context.Context, p *policy.Policy) error {
	doc, err := encodeDoc(p)
	if err != nil {
		return err
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO policies(id, priority, active, doc) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET priority = excluded.priority, active = excluded.active, doc = excluded.doc;`,
			p.ID, p.Priority, boolInt(p.Active), doc)
		if err != nil {
			return fmt.Errorf("sqlite: upsert policy %s: %w", p.ID, err)
		}
		return nil
	})
}

func (s *PolicyStore) Get(ctx context.Context, id string) (*policy.Policy, error) {
	var p policy.Policy
	if err := getDoc(ctx, s.db, &p, `SELECT doc FROM policies WHERE id = ?;`, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PolicyStore) List(ctx context.Context) ([]policy.Policy, error) {
	return listDocs[policy.Policy](ctx, s.db, `SELECT doc FROM policies ORDER BY id;`)
}

// ReviewStore persists review queue items by key.
type ReviewStore struct {
	db     *sql.DB
	writer *Worker
}

// NewReviewStore returns a review.Store over d.
func NewReviewStore(d *DB) *ReviewStore {
	return &ReviewStore{db: d.SQL, writer: d.Writer}
}

func (s *ReviewStore) Put(ctx context.Context, it *review.Item) error {
	doc, err := encodeDoc(it)
	if err != nil {
		return err
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO review_items(key, id, status, created_at_ms, doc) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET id = excluded.id, status = excluded.status,
  created_at_ms = excluded.created_at_ms, doc = excluded.doc;`,
			it.Key, it.ID, it.Status, it.CreatedAt.UnixMilli(), doc)
		if err != nil {
			return fmt.Errorf("sqlite: put review %s: %w", it.Key, err)
		}
		return nil
	})
}

func (s *ReviewStore) Get(ctx context.Context, key string) (*review.Item, error) {
	var it review.Item
	if err := getDoc(ctx, s.db, &it, `SELECT doc FROM review_items WHERE key = ?;`, key); err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *ReviewStore) List(ctx context.Context, status review.Status) ([]review.Item, error) {
	if status == "" {
		return listDocs[review.Item](ctx, s.db, `SELECT doc FROM review_items ORDER BY created_at_ms, key;`)
	}
	return listDocs[review.Item](ctx, s.db,
		`SELECT doc FROM review_items WHERE status = ? ORDER BY created_at_ms, key;`, status)
}
