package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"pairline/cmd/internal/broker"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink appends finished sessions to a PostgreSQL table.
//
// The pgx pool is owned by the caller; this sink must NOT close it.
// Schema and table identifiers are validated and quoted.
type PostgresSink struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// PostgresOption configures the sink.
type PostgresOption func(*PostgresSink) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the schema (default "pairline").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresSink) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("ledger: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// WithTable sets the table name (default "call_sessions").
func WithTable(table string) PostgresOption {
	return func(s *PostgresSink) error {
		table = strings.TrimSpace(table)
		if !pgIdentRe.MatchString(table) {
			return fmt.Errorf("ledger: invalid table identifier %q", table)
		}
		s.table = table
		return nil
	}
}

// NewPostgresSink constructs a PostgresSink.
func NewPostgresSink(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresSink, error) {
	s := &PostgresSink{
		pool:   pool,
		schema: "pairline",
		table:  "call_sessions",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("ledger: nil pool")
	}
	return s, nil
}

// EnsureSchema creates the schema and table when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	table := s.qualified()

	ddl := `CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize() + `;

CREATE TABLE IF NOT EXISTS ` + table + ` (
  record_id     TEXT PRIMARY KEY,
  session_id    TEXT NOT NULL,
  participant_a TEXT NOT NULL,
  participant_b TEXT NOT NULL,
  address_a     TEXT NOT NULL DEFAULT '',
  address_b     TEXT NOT NULL DEFAULT '',
  via           TEXT NOT NULL,
  started_at    TIMESTAMPTZ NOT NULL,
  ended_at      TIMESTAMPTZ NOT NULL,
  ended_by      TEXT NOT NULL,
  reason        TEXT NOT NULL,

  CONSTRAINT chk_call_sessions_ended_after_start CHECK (ended_at >= started_at)
);

CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{s.table + "_session_id_idx"}.Sanitize() + `
  ON ` + table + ` (session_id);`

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ledger: ensure schema: %w", err)
	}
	return nil
}

// WriteSession implements Sink. Writing the same record twice is a no-op;
// a pair that meets again produces a new record under the same session id.
func (s *PostgresSink) WriteSession(ctx context.Context, rec broker.SessionRecord) error {
	if strings.TrimSpace(rec.RecordID) == "" {
		return errors.New("ledger: empty record id")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return errors.New("ledger: empty session id")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.qualified()+`
		   (record_id, session_id, participant_a, participant_b, address_a, address_b, via, started_at, ended_at, ended_by, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (record_id) DO NOTHING`,
		rec.RecordID,
		rec.SessionID,
		rec.ParticipantA,
		rec.ParticipantB,
		rec.AddressA,
		rec.AddressB,
		rec.Via,
		rec.StartedAt,
		rec.EndedAt,
		rec.EndedBy,
		rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert session: %w", err)
	}
	return nil
}

// qualified safely quotes "schema"."table".
func (s *PostgresSink) qualified() string {
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}
