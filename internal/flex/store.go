package flex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS flex_statements (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	reference_code TEXT NOT NULL,
	query_id       TEXT NOT NULL,
	query_name     TEXT NOT NULL,
	fetched_at     TIMESTAMP NOT NULL,
	payload        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flex_statements_query ON flex_statements(query_id, fetched_at);
`

// StatementRecord is an archived Flex statement.
type StatementRecord struct {
	ID            int64
	ReferenceCode string
	QueryID       string
	QueryName     string
	FetchedAt     time.Time
	Payload       []byte
}

// Store archives fetched statements in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the archive database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveStatement archives one statement.
func (s *Store) SaveStatement(ctx context.Context, rec StatementRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flex_statements (reference_code, query_id, query_name, fetched_at, payload)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ReferenceCode, rec.QueryID, rec.QueryName, rec.FetchedAt.UTC(), rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert statement: %w", err)
	}
	return nil
}

// LatestStatement returns the most recently fetched statement for queryID,
// or sql.ErrNoRows when none is archived.
func (s *Store) LatestStatement(ctx context.Context, queryID string) (*StatementRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, reference_code, query_id, query_name, fetched_at, payload
		FROM flex_statements
		WHERE query_id = ?
		ORDER BY fetched_at DESC, id DESC
		LIMIT 1`,
		queryID,
	)

	var rec StatementRecord
	if err := row.Scan(&rec.ID, &rec.ReferenceCode, &rec.QueryID, &rec.QueryName, &rec.FetchedAt, &rec.Payload); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListStatements returns archived statements for queryID, newest first.
func (s *Store) ListStatements(ctx context.Context, queryID string, limit int) ([]StatementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reference_code, query_id, query_name, fetched_at, payload
		FROM flex_statements
		WHERE query_id = ?
		ORDER BY fetched_at DESC, id DESC
		LIMIT ?`,
		queryID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query statements: %w", err)
	}
	defer rows.Close()

	var recs []StatementRecord
	for rows.Next() {
		var rec StatementRecord
		if err := rows.Scan(&rec.ID, &rec.ReferenceCode, &rec.QueryID, &rec.QueryName, &rec.FetchedAt, &rec.Payload); err != nil {
			return nil, fmt.Errorf("scan statement: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
