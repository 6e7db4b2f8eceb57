package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore is a relational StateStore backend over database/sql,
// supporting Postgres, MySQL, and SQLite through the same table shape
// as the teacher's config.DatabaseConfig drivers (config/database.go):
// the driver name is passed to database/sql as given and a single
// "kv_state" table holds every record.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// Open dials driverName (one of "postgres", "mysql", "sqlite3") using
// dsn, verifies connectivity, and ensures the backing table exists.
func Open(ctx context.Context, driverName, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("statestore: dsn is required")
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("statestore: open %s: %w", driverName, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore: ping %s: %w", driverName, err)
	}

	s := &SQLStore{db: db, dialect: driverName}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	valueType := "BLOB"
	if s.dialect == "postgres" {
		valueType = "BYTEA"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS kv_state (
			key TEXT PRIMARY KEY,
			value %s NOT NULL,
			version BIGINT NOT NULL
		)
	`, valueType))
	if err != nil {
		return fmt.Errorf("statestore: ensure schema: %w", err)
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) (int64, error) {
	for {
		existing, err := s.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			v, err := s.CAS(ctx, key, 0, value)
			if errors.Is(err, ErrVersionConflict) {
				continue // lost race with a concurrent first-writer
			}
			return v, err
		case err != nil:
			return 0, err
		default:
			v, err := s.CAS(ctx, key, existing.Version, value)
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return v, err
		}
	}
}

func (s *SQLStore) Get(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT value, version FROM kv_state WHERE key = %s", s.placeholder(1)), key)

	var rec Record
	rec.Key = key
	if err := row.Scan(&rec.Value, &rec.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("statestore: get %q: %w", key, err)
	}
	return rec, nil
}

func (s *SQLStore) CAS(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("statestore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int64
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT version FROM kv_state WHERE key = %s", s.placeholder(1)), key)
	err = row.Scan(&currentVersion)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion != 0 {
			return 0, ErrVersionConflict
		}
		newVersion := int64(1)
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO kv_state (key, value, version) VALUES (%s, %s, %s)",
				s.placeholder(1), s.placeholder(2), s.placeholder(3)),
			key, value, newVersion)
		if err != nil {
			return 0, fmt.Errorf("statestore: insert %q: %w", key, err)
		}
		return newVersion, tx.Commit()

	case err != nil:
		return 0, fmt.Errorf("statestore: cas read %q: %w", key, err)

	case currentVersion != expectedVersion:
		return 0, ErrVersionConflict
	}

	newVersion := currentVersion + 1
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE kv_state SET value = %s, version = %s WHERE key = %s AND version = %s",
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4)),
		value, newVersion, key, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("statestore: update %q: %w", key, err)
	}
	return newVersion, tx.Commit()
}

func (s *SQLStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	like := escapeLike(prefix) + "%"
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT key, value, version FROM kv_state WHERE key LIKE %s ESCAPE '\\' ORDER BY key", s.placeholder(1)),
		like)
	if err != nil {
		return nil, fmt.Errorf("statestore: scan %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Version); err != nil {
			return nil, fmt.Errorf("statestore: scan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM kv_state WHERE key = %s", s.placeholder(1)), key)
	if err != nil {
		return fmt.Errorf("statestore: delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
