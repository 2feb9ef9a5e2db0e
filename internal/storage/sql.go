package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

type sqlDialect struct {
	name   string
	schema string // %s = table
	get    string
	upsert string
}

var (
	dialectSQLite = sqlDialect{
		name: "sqlite",
		schema: `CREATE TABLE IF NOT EXISTS %s (
			kind TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		get: `SELECT body FROM %s WHERE kind = ?`,
		upsert: `INSERT INTO %s(kind, body, updated_at) VALUES(?,?,?)
			ON CONFLICT(kind) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
	}
	dialectPostgres = sqlDialect{
		name: "postgres",
		schema: `CREATE TABLE IF NOT EXISTS %s (
			kind VARCHAR(64) PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		get: `SELECT body FROM %s WHERE kind = $1`,
		upsert: `INSERT INTO %s(kind, body, updated_at) VALUES($1,$2,$3)
			ON CONFLICT(kind) DO UPDATE SET body=EXCLUDED.body, updated_at=EXCLUDED.updated_at`,
	}
	dialectMySQL = sqlDialect{
		name: "mysql",
		schema: `CREATE TABLE IF NOT EXISTS %s (
			kind VARCHAR(64) NOT NULL PRIMARY KEY,
			body LONGTEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		get: `SELECT body FROM %s WHERE kind = ?`,
		upsert: `INSERT INTO %s(kind, body, updated_at) VALUES(?,?,?)
			ON DUPLICATE KEY UPDATE body=VALUES(body), updated_at=VALUES(updated_at)`,
	}
)

var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// sqlBackend stores each document as one row keyed by kind.
// The upsert is a single statement, so a save lands whole or not at all.
type sqlBackend struct {
	db      *sql.DB
	dialect sqlDialect
	get     string
	upsert  string
}

func newSQLBackend(db *sql.DB, d sqlDialect, table string) (*sqlBackend, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		table = DefaultTable
	}
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	b := &sqlBackend{
		db:      db,
		dialect: d,
		get:     fmt.Sprintf(d.get, table),
		upsert:  fmt.Sprintf(d.upsert, table),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, fmt.Sprintf(d.schema, table)); err != nil {
		return nil, errors.Wrapf(err, "%s migrate", d.name)
	}
	return b, nil
}

func openSQLite(cfg Config) (backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	b, err := newSQLBackend(db, dialectSQLite, cfg.Table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func openPostgres(cfg Config) (backend, error) {
	return openServerSQL("postgres", dialectPostgres, cfg)
}

func openMySQL(cfg Config) (backend, error) {
	return openServerSQL("mysql", dialectMySQL, cfg)
}

func openServerSQL(driverName string, d sqlDialect, cfg Config) (backend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.Errorf("%s dsn is required", d.name)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "%s ping", d.name)
	}

	b, err := newSQLBackend(db, d, cfg.Table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqlBackend) read(ctx context.Context, key string) ([]byte, error) {
	var body string
	err := b.db.QueryRowContext(ctx, b.get, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s select", b.dialect.name)
	}
	return []byte(body), nil
}

func (b *sqlBackend) write(ctx context.Context, key string, body []byte) error {
	_, err := b.db.ExecContext(ctx, b.upsert, key, string(body), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "%s upsert", b.dialect.name)
	}
	return nil
}

func (b *sqlBackend) close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
