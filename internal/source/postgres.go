package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gisement-io/gisement/internal/ir"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS source_records (
	table_name TEXT NOT NULL,
	id         TEXT NOT NULL,
	fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
	state      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (table_name, id)
);
CREATE INDEX IF NOT EXISTS source_records_state_idx ON source_records (table_name, state, updated_at);
`

// Postgres stores source records as JSONB rows of one table. The state column
// holds the SyncState; the status attribute inside fields carries its label.
type Postgres struct {
	db       *sql.DB
	fields   *ir.FieldTable
	products string
}

var _ Store = (*Postgres)(nil)

var sqlOpen = sql.Open

// OpenPostgres connects with the pgx driver and ensures the table exists.
func OpenPostgres(ctx context.Context, dsn string, fields *ir.FieldTable, productsTable string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply source schema: %w", err)
	}
	return &Postgres{db: db, fields: fields, products: productsTable}, nil
}

// Ping checks the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// Insert upserts a record. It is used to load records and by tests.
func (p *Postgres) Insert(ctx context.Context, table string, rec *ir.SourceRecord) error {
	raw, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	state := rec.State
	if state == "" {
		if label, ok := rec.Fields[p.fields.StatusField].(string); ok {
			state = p.fields.StateOf(label)
		}
	}
	_, err = p.db.ExecContext(ctx, `
INSERT INTO source_records (table_name, id, fields, state)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (table_name, id) DO UPDATE SET fields = EXCLUDED.fields, state = EXCLUDED.state, updated_at = now()`,
		table, rec.ID, string(raw), string(state))
	return err
}

func (p *Postgres) Select(ctx context.Context, q Query) ([]*ir.SourceRecord, error) {
	states := make([]string, 0, len(q.States))
	for _, s := range q.States {
		states = append(states, string(s))
	}
	statesJSON, err := json.Marshal(states)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx, `
SELECT id, fields, state FROM source_records
WHERE table_name = $1 AND state IN (SELECT jsonb_array_elements_text($2::jsonb))
ORDER BY updated_at, id
LIMIT $3`, p.products, string(statesJSON), limit)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", p.products, err)
	}
	defer rows.Close()

	var out []*ir.SourceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Update(ctx context.Context, id string, patch Patch) error {
	raw, err := json.Marshal(attributes(p.fields, patch))
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
UPDATE source_records SET fields = fields || $3::jsonb, state = $4, updated_at = now()
WHERE table_name = $1 AND id = $2`, p.products, id, string(raw), string(patch.State))
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", p.products, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update %s/%s: %w", p.products, id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) Find(ctx context.Context, table, id string) (*ir.SourceRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, fields, state FROM source_records WHERE table_name = $1 AND id = $2`, table, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find %s/%s: %w", table, id, ErrNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*ir.SourceRecord, error) {
	var (
		id, state string
		raw       []byte
	)
	if err := s.Scan(&id, &raw, &state); err != nil {
		return nil, err
	}
	rec := &ir.SourceRecord{ID: id, State: ir.SyncState(state)}
	if err := json.Unmarshal(raw, &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode fields of %s: %w", id, err)
	}
	return rec, nil
}
