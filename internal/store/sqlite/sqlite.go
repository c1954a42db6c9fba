// Package sqlite implements store.Store on a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/caddy-supervisor/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a SQLite backed store.Store.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type row struct {
	Key      string `db:"key"`
	Value    []byte `db:"value"`
	Revision uint64 `db:"revision"`
}

// Open connects to the database at path and applies pending migrations.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("sqlite store initialized", zap.String("db_path", path))
	return &Store{db: db, logger: logger}, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func migrateUp(db *sqlx.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, table string, key store.Key) (*store.Record, error) {
	var r row
	err := s.db.GetContext(ctx, &r,
		`SELECT key, value, revision FROM records WHERE tbl = ? AND key = ?`, table, key.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s record: %w", table, err)
	}
	return &store.Record{Key: key, Value: r.Value, Revision: r.Revision}, nil
}

func (s *Store) Put(ctx context.Context, table string, key store.Key, value []byte) (uint64, error) {
	var rev uint64
	err := s.db.GetContext(ctx, &rev, `
		INSERT INTO records (tbl, key, value, revision) VALUES (?, ?, ?, 1)
		ON CONFLICT (tbl, key) DO UPDATE
		SET value = excluded.value, revision = records.revision + 1, updated_at = CURRENT_TIMESTAMP
		RETURNING revision`, table, key.String(), value)
	if err != nil {
		return 0, fmt.Errorf("failed to put %s record: %w", table, err)
	}
	return rev, nil
}

func (s *Store) Create(ctx context.Context, table string, key store.Key, value []byte) (uint64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records (tbl, key, value, revision) VALUES (?, ?, ?, 1)
		ON CONFLICT (tbl, key) DO NOTHING`, table, key.String(), value)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s record: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to create %s record: %w", table, err)
	}
	if n == 0 {
		return 0, store.ErrExists
	}
	return 1, nil
}

func (s *Store) Update(ctx context.Context, table string, key store.Key, value []byte, revision uint64) (uint64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET value = ?, revision = revision + 1, updated_at = CURRENT_TIMESTAMP
		WHERE tbl = ? AND key = ? AND revision = ?`, value, table, key.String(), revision)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s record: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to update %s record: %w", table, err)
	}
	if n == 1 {
		return revision + 1, nil
	}
	if _, err := s.Get(ctx, table, key); err != nil {
		return 0, err
	}
	return 0, store.ErrRevisionMismatch
}

func (s *Store) Delete(ctx context.Context, table string, key store.Key) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE tbl = ? AND key = ?`, table, key.String()); err != nil {
		return fmt.Errorf("failed to delete %s record: %w", table, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, table string, prefix store.Key) ([]store.Record, error) {
	var rows []row
	var err error
	if len(prefix) == 0 {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT key, value, revision FROM records WHERE tbl = ? ORDER BY key`, table)
	} else {
		exact := prefix.String()
		nested := exact + store.Separator
		err = s.db.SelectContext(ctx, &rows, `
			SELECT key, value, revision FROM records
			WHERE tbl = ? AND (key = ? OR substr(key, 1, ?) = ?)
			ORDER BY key`, table, exact, utf8.RuneCountInString(nested), nested)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", table, err)
	}

	out := make([]store.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.Record{Key: store.ParseKey(r.Key), Value: r.Value, Revision: r.Revision})
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
