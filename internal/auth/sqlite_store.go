package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const credentialSchema = `CREATE TABLE IF NOT EXISTS credential (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	bearer TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	refresh_margin_ms INTEGER NOT NULL,
	exchange_token TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps the credential in a single-row SQLite table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open credential database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, credentialSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create credential table: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Load reads the stored row.
func (s *SQLiteStore) Load(ctx context.Context) (Credential, error) {
	var (
		cred      Credential
		expiresAt int64
		marginMS  int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT bearer, expires_at, refresh_margin_ms, exchange_token FROM credential WHERE id = 1",
	).Scan(&cred.Bearer, &expiresAt, &marginMS, &cred.ExchangeToken)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNoCredential
	}
	if err != nil {
		return Credential{}, fmt.Errorf("read credential: %w", err)
	}

	cred.ExpiresAt = time.Unix(expiresAt, 0)
	cred.RefreshMargin = time.Duration(marginMS) * time.Millisecond
	return cred, nil
}

// Save replaces the stored row.
func (s *SQLiteStore) Save(ctx context.Context, cred Credential) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO credential (id, bearer, expires_at, refresh_margin_ms, exchange_token, updated_at)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	bearer = excluded.bearer,
	expires_at = excluded.expires_at,
	refresh_margin_ms = excluded.refresh_margin_ms,
	exchange_token = excluded.exchange_token,
	updated_at = excluded.updated_at`,
		cred.Bearer, cred.ExpiresAt.Unix(), cred.RefreshMargin.Milliseconds(), cred.ExchangeToken, s.now().Unix())
	if err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
