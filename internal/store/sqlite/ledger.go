package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/model"
)

// LedgerStore persists the event chain. The tail read and the insert run in
// one writer transaction; UNIQUE(seq) and UNIQUE(prev_hash) reject any fork
// that slips past it.
type LedgerStore struct {
	db     *sql.DB
	writer *Worker
}

// NewLedgerStore returns a ledger.Store over d.
func NewLedgerStore(d *DB) *LedgerStore {
	return &LedgerStore{db: d.SQL, writer: d.Writer}
}

const eventColumns = `seq, id, kind, description, actor_id, actor_kind, outcome, context, resource_type, resource_id, created_at, content_hash, prev_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*ledger.Event, error) {
	var (
		e         ledger.Event
		evCtx     sql.NullString
		createdAt string
	)
	if err := row.Scan(&e.Seq, &e.ID, &e.Kind, &e.Description, &e.ActorID, &e.ActorKind, &e.Outcome,
		&evCtx, &e.ResourceType, &e.ResourceID, &createdAt, &e.ContentHash, &e.PrevHash); err != nil {
		return nil, err
	}
	if evCtx.Valid && evCtx.String != "" {
		if err := json.Unmarshal([]byte(evCtx.String), &e.Context); err != nil {
			return nil, fmt.Errorf("decode context of %s: %w", e.ID, err)
		}
	}
	t, err := time.Parse(ledger.TimeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("decode created_at of %s: %w", e.ID, err)
	}
	e.CreatedAt = t
	return &e, nil
}

func (s *LedgerStore) Append(ctx context.Context, build ledger.BuildFunc) (*ledger.Event, error) {
	var out *ledger.Event
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		tail, err := scanEvent(tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM ledger_events ORDER BY seq DESC LIMIT 1;`))
		if err = errNoRows(err); err != nil {
			return fmt.Errorf("read tail: %w", err)
		}
		e, err := build(tail)
		if err != nil {
			return err
		}
		var evCtx sql.NullString
		if len(e.Context) > 0 {
			b, err := json.Marshal(e.Context)
			if err != nil {
				return fmt.Errorf("encode context: %w", err)
			}
			evCtx = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_events(`+eventColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			e.Seq, e.ID, e.Kind, e.Description, e.ActorID, e.ActorKind, e.Outcome, evCtx,
			e.ResourceType, e.ResourceID, e.CreatedAt.UTC().Format(ledger.TimeLayout), e.ContentHash, e.PrevHash,
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: ledger append: %w", err)
	}
	return out, nil
}

func (s *LedgerStore) Tail(ctx context.Context) (*ledger.Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events ORDER BY seq DESC LIMIT 1;`))
	if err = errNoRows(err); err != nil {
		return nil, fmt.Errorf("sqlite: ledger tail: %w", err)
	}
	return e, nil
}

func (s *LedgerStore) Get(ctx context.Context, id string) (*ledger.Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE id = ?;`, id))
	if err = errNoRows(err); err != nil {
		return nil, fmt.Errorf("sqlite: ledger get %s: %w", id, err)
	}
	if e == nil {
		return nil, model.ErrNotFound
	}
	return e, nil
}

func (s *LedgerStore) List(ctx context.Context, afterSeq int64, limit int) ([]ledger.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE seq > ? ORDER BY seq LIMIT ?;`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ledger list: %w", err)
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: ledger list: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
