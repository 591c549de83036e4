package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/crypto"
	"github.com/dgellow/fieldcapture-auth/internal/log"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace  TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

// Ensure SQLiteKV implements KV
var _ KV = (*SQLiteKV)(nil)

// SQLiteKV persists one execution context's keys in a local SQLite file so
// they survive process restarts. Several namespaces can share a file.
type SQLiteKV struct {
	notifier
	db        *sql.DB
	namespace string
	encryptor crypto.Encryptor
}

// OpenSQLiteKV opens (creating if needed) the store at path.
func OpenSQLiteKV(path, namespace string, encryptor crypto.Encryptor) (*SQLiteKV, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if encryptor == nil {
		encryptor = crypto.NoopEncryptor{}
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.LogDebugWithFields("storage", "Opened SQLite credential store", map[string]any{
		"path":      path,
		"namespace": namespace,
	})

	return &SQLiteKV{db: db, namespace: namespace, encryptor: encryptor}, nil
}

func (s *SQLiteKV) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(keys)+1)
	args = append(args, s.namespace)
	for _, k := range keys {
		args = append(args, k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	query := "SELECT key, value FROM kv WHERE namespace = ? AND key IN (" + placeholders + ")"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, sealed string
		if err := rows.Scan(&key, &sealed); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		value, err := s.encryptor.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", key, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return out, nil
}

// Set writes all values in one transaction.
func (s *SQLiteKV) Set(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixMilli()
	for k, v := range values {
		sealed, err := s.encryptor.Encrypt(v)
		if err != nil {
			return fmt.Errorf("encrypting %s: %w", k, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			s.namespace, k, sealed, now)
		if err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.notify(setChanges(values)...)
	return nil
}

func (s *SQLiteKV) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	args := make([]any, 0, len(keys)+1)
	args = append(args, s.namespace)
	for _, k := range keys {
		args = append(args, k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE namespace = ? AND key IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}

	s.notify(removeChanges(keys)...)
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteKV) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
