package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavour used for schema and placeholders.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// DB wraps the run history database connection.
type DB struct {
	conn    *sql.DB
	dsn     string
	dialect Dialect
}

// DefaultDBPath returns the SQLite file used when no database is configured.
func DefaultDBPath(outputDir string) string {
	return filepath.Join(outputDir, "perfx.db")
}

// DialectFor picks the dialect from a DSN. postgres:// and postgresql:// URLs
// use PostgreSQL through pgx; anything else is a SQLite path.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Open opens or creates the database at dsn.
func Open(dsn string) (*DB, error) {
	dialect := DialectFor(dsn)
	driver := "sqlite3"
	if dialect == Postgres {
		driver = "pgx"
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dialect == SQLite {
		conn.SetMaxOpenConns(1)
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set journal mode: %w", err)
		}
		if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	return &DB{conn: conn, dsn: dsn, dialect: dialect}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Dialect reports which SQL flavour the connection speaks.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL. Queries in this
// package never contain a literal question mark.
func (d *DB) Rebind(query string) string {
	return rebind(d.dialect, query)
}

func rebind(dialect Dialect, query string) string {
	if dialect != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    pipeline    TEXT NOT NULL,
    started_at  TEXT NOT NULL,
    finished_at TEXT,
    status      TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

CREATE TABLE IF NOT EXISTS command_runs (
    id          {{serial}},
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    step        TEXT NOT NULL,
    command     TEXT NOT NULL,
    kind        TEXT NOT NULL CHECK(kind IN ('normal','cleanup')),
    cwd         TEXT,
    exit_code   INTEGER NOT NULL,
    success     BOOLEAN NOT NULL,
    duration_ms INTEGER NOT NULL,
    error       TEXT,
    stdout      TEXT,
    stderr      TEXT,
    timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_command_runs_run ON command_runs(run_id, id);
CREATE INDEX IF NOT EXISTS idx_command_runs_step ON command_runs(step, timestamp);

CREATE TABLE IF NOT EXISTS step_results (
    id          {{serial}},
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    step        TEXT NOT NULL,
    status      TEXT NOT NULL CHECK(status IN ('succeeded','failed','skipped')),
    reason      TEXT,
    duration_ms INTEGER NOT NULL,
    timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_step_results_run ON step_results(run_id, id);
CREATE INDEX IF NOT EXISTS idx_step_results_step ON step_results(step, timestamp);
`

func (d *DB) schema() string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.dialect == Postgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(schemaV1, "{{serial}}", serial)
}

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// pgx's simple protocol would accept the whole script, but the extended
	// protocol used by database/sql wants one statement per Exec.
	for _, stmt := range strings.Split(d.schema(), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := tx.Exec(d.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (1, ?)"), now()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"step_results", "command_runs", "runs", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
